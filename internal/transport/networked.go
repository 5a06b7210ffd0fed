package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// DefaultMaxTurns bounds how many turns the networked strategy requests
// before signalling a natural end.
const DefaultMaxTurns = 6

// convState tracks one conversation's in-flight generation on the wire.
type convState struct {
	participants [2]model.Participant
	agentA       AgentSnapshot
	agentB       AgentSnapshot
	topic        string
	history      []HistoryEntry
	turns        int

	requestID   string
	senderID    string
	senderName  string
	accumulated string
}

// NetworkedOption configures a Networked router.
type NetworkedOption func(*Networked)

// WithMaxTurns overrides the per-conversation turn budget.
func WithMaxTurns(n int) NetworkedOption {
	return func(t *Networked) { t.maxTurns = n }
}

// Networked frames conversation lifecycles over a websocket channel to an
// external generation backend. Inbound frames are schema-validated and
// relayed to the handler; frames failing validation are logged and dropped.
type Networked struct {
	handler  Handler
	logger   *logger.Logger
	conn     *websocket.Conn
	maxTurns int

	writeMu sync.Mutex // serializes conn writes

	mu            sync.Mutex
	conversations map[string]*convState
	closed        bool
}

// DialNetworked connects to the backend and starts the read pump.
func DialNetworked(ctx context.Context, endpoint string, log *logger.Logger, opts ...NetworkedOption) (*Networked, error) {
	if log == nil {
		log = logger.Global()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	t := &Networked{
		logger:        log,
		conn:          conn,
		maxTurns:      DefaultMaxTurns,
		conversations: make(map[string]*convState),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.readLoop()
	return t, nil
}

// SetHandler registers the upward event sink. Frames arriving before a
// handler is registered are logged and dropped.
func (t *Networked) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Networked) sink() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Simulated reports the strategy kind.
func (t *Networked) Simulated() bool {
	return false
}

// StartConversation issues the first generation request for the pair.
func (t *Networked) StartConversation(conv *model.Conversation, a, b model.Agent) error {
	if t.sink() == nil {
		return errors.New("networked transport: no handler registered")
	}

	state := &convState{
		participants: conv.Participants,
		agentA:       AgentSnapshot{ID: a.ID, DisplayName: a.DisplayName, Bio: a.Bio},
		agentB:       AgentSnapshot{ID: b.ID, DisplayName: b.DisplayName, Bio: b.Bio},
		topic:        conv.Topic,
	}
	for _, msg := range conv.Messages {
		state.history = append(state.history, HistoryEntry{SenderID: msg.SenderID, Text: msg.Text})
	}

	t.mu.Lock()
	t.conversations[conv.ID] = state
	t.mu.Unlock()

	return t.requestTurn(conv.ID)
}

// SendMessage pushes an externally supplied turn to the backend.
func (t *Networked) SendMessage(conversationID string, msg model.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	t.mu.Lock()
	if state, ok := t.conversations[conversationID]; ok {
		state.appendHistory(HistoryEntry{SenderID: msg.SenderID, Text: msg.Text})
	}
	t.mu.Unlock()

	return t.writeFrame(FrameSend, SendMessageFrame{
		ConversationID: conversationID,
		Message: FinalMessage{
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			Text:       msg.Text,
			Timestamp:  msg.Timestamp,
		},
	})
}

// CancelConversation drops local state and asks the backend to stop.
func (t *Networked) CancelConversation(conversationID string) {
	t.mu.Lock()
	_, ok := t.conversations[conversationID]
	delete(t.conversations, conversationID)
	t.mu.Unlock()

	if !ok {
		return
	}
	if err := t.writeFrame(FrameCancel, CancelFrame{
		ConversationID: conversationID,
		Reason:         CancelUserRequested,
	}); err != nil {
		t.logger.Warn("failed to send cancel frame",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// Close tears down the websocket connection.
func (t *Networked) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

// requestTurn sends a generation request for the next speaker. Even turn
// counts belong to the initiator.
func (t *Networked) requestTurn(conversationID string) error {
	t.mu.Lock()
	state, ok := t.conversations[conversationID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	frame := GenerateRequestFrame{
		ConversationID: conversationID,
		AgentA:         state.agentA,
		AgentB:         state.agentB,
		History:        append([]HistoryEntry(nil), state.history...),
		Turn:           state.participants[state.turns%2].AgentID,
		Topic:          state.topic,
		Timestamp:      time.Now(),
		Nonce:          uuid.New().String(),
	}
	t.mu.Unlock()

	if len(frame.History) > maxHistoryEntries {
		frame.History = frame.History[len(frame.History)-maxHistoryEntries:]
	}
	return t.writeFrame(FrameGenerate, frame)
}

func (t *Networked) writeFrame(frameType FrameType, payload any) error {
	env, err := marshalEnvelope(frameType, payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frameType, err)
	}
	return nil
}

func (t *Networked) readLoop() {
	for {
		var env Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			t.mu.Lock()
			closed := t.closed
			h := t.handler
			ids := make([]string, 0, len(t.conversations))
			for id := range t.conversations {
				ids = append(ids, id)
			}
			t.conversations = make(map[string]*convState)
			t.mu.Unlock()

			if !closed {
				t.logger.Error("websocket read failed", zap.Error(err))
				if h != nil {
					for _, id := range ids {
						h.OnError(id, "transport connection lost", "")
					}
				}
			}
			return
		}
		t.dispatch(env)
	}
}

// dispatch validates one inbound frame and relays it to the handler. A frame
// failing schema validation never mutates conversation state.
func (t *Networked) dispatch(env Envelope) {
	if t.sink() == nil {
		t.logger.Warn("dropping frame, no handler registered", zap.String("type", string(env.Type)))
		return
	}

	switch env.Type {
	case FrameStreamStart:
		var f StreamStartFrame
		if !t.decode(env, &f, f.Validate) {
			return
		}
		t.handleStreamStart(f)

	case FrameChunk:
		var f ChunkFrame
		if !t.decode(env, &f, f.Validate) {
			return
		}
		t.handleChunk(f)

	case FrameStreamComplete:
		var f StreamCompleteFrame
		if !t.decode(env, &f, f.Validate) {
			return
		}
		t.handleStreamComplete(f)

	case FrameStreamError:
		var f StreamErrorFrame
		if !t.decode(env, &f, f.Validate) {
			return
		}
		t.mu.Lock()
		h := t.handler
		delete(t.conversations, f.ConversationID)
		t.mu.Unlock()
		h.OnError(f.ConversationID, f.Error, f.FallbackMessage)

	case FrameCancelled:
		var f CancelledFrame
		if !t.decode(env, &f, f.Validate) {
			return
		}
		t.mu.Lock()
		h := t.handler
		_, known := t.conversations[f.ConversationID]
		delete(t.conversations, f.ConversationID)
		t.mu.Unlock()
		// Acks for our own cancels arrive after state is already gone.
		if known && f.Reason != CancelUserRequested {
			h.OnError(f.ConversationID, "cancelled: "+string(f.Reason), "")
		}

	default:
		t.logger.Warn("dropping frame of unknown type", zap.String("type", string(env.Type)))
	}
}

// decode unmarshals and validates a frame payload, logging and dropping on
// failure.
func (t *Networked) decode(env Envelope, into any, validate func() error) bool {
	if err := json.Unmarshal(env.Payload, into); err != nil {
		t.logger.Warn("dropping malformed frame",
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		return false
	}
	if err := validate(); err != nil {
		t.logger.Warn("dropping invalid frame",
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (t *Networked) handleStreamStart(f StreamStartFrame) {
	t.mu.Lock()
	h := t.handler
	state, ok := t.conversations[f.ConversationID]
	if ok {
		state.requestID = f.RequestID
		state.senderID = f.SenderID
		state.senderName = f.SenderName
		state.accumulated = ""
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	h.OnStreaming(model.PartialMessage{
		ConversationID: f.ConversationID,
		RequestID:      f.RequestID,
		SenderID:       f.SenderID,
		SenderName:     f.SenderName,
	})
}

func (t *Networked) handleChunk(f ChunkFrame) {
	t.mu.Lock()
	h := t.handler
	state, ok := t.conversations[f.ConversationID]
	if ok && state.requestID != f.RequestID {
		ok = false // stale generation attempt
	}
	var partial model.PartialMessage
	if ok {
		if f.AccumulatedText != "" {
			state.accumulated = f.AccumulatedText
		} else {
			state.accumulated += f.Chunk
		}
		partial = model.PartialMessage{
			ConversationID:  f.ConversationID,
			RequestID:       f.RequestID,
			AccumulatedText: state.accumulated,
			ChunkCount:      f.ChunkIndex + 1,
			IsComplete:      f.IsComplete,
			SenderID:        state.senderID,
			SenderName:      state.senderName,
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	h.OnStreaming(partial)
}

func (t *Networked) handleStreamComplete(f StreamCompleteFrame) {
	msg := model.Message{
		SenderID:   f.FinalMessage.SenderID,
		SenderName: f.FinalMessage.SenderName,
		Text:       f.FinalMessage.Text,
		Timestamp:  f.FinalMessage.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	t.mu.Lock()
	h := t.handler
	state, ok := t.conversations[f.ConversationID]
	var finished bool
	if ok {
		state.appendHistory(HistoryEntry{SenderID: msg.SenderID, Text: msg.Text})
		state.turns++
		finished = state.turns >= t.maxTurns
		if finished {
			delete(t.conversations, f.ConversationID)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	h.OnMessage(f.ConversationID, msg)

	if finished {
		h.OnComplete(f.ConversationID)
		return
	}
	if err := t.requestTurn(f.ConversationID); err != nil {
		t.logger.Error("failed to request next turn",
			zap.String("conversation_id", f.ConversationID),
			zap.Error(err),
		)
		t.handler.OnError(f.ConversationID, "failed to request next turn", "")
	}
}

func (s *convState) appendHistory(entry HistoryEntry) {
	s.history = append(s.history, entry)
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[len(s.history)-maxHistoryEntries:]
	}
}
