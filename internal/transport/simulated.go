package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// Script is one scripted two-sided exchange. Lines alternate between the
// initiator (even indexes) and the responder.
type Script struct {
	Topic string
	Lines []string
}

// defaultScripts is the fixed corpus used when no topic matches.
var defaultScripts = []Script{
	{
		Topic: "greeting",
		Lines: []string{
			"Hi",
			"Hey! Good to see you around here.",
			"Likewise. Heading anywhere interesting?",
			"Just to the square. Walk with me?",
			"Sure, why not.",
		},
	},
	{
		Topic: "weather",
		Lines: []string{
			"Strange clouds over the hills today.",
			"I noticed. Rain before sundown, I'd wager.",
			"You always wager rain.",
			"And I'm usually right.",
		},
	},
	{
		Topic: "market",
		Lines: []string{
			"The market stalls went up early this morning.",
			"Anything worth the walk?",
			"Fresh bread, and someone selling maps of the old quarter.",
			"Maps? Now that I have to see.",
			"Told you it was worth the walk.",
		},
	},
	{
		Topic: "work",
		Lines: []string{
			"Still fixing that fence by the north field?",
			"Finished it yesterday, actually.",
			"About time. It leaned for a month.",
			"Good work takes patience.",
		},
	},
}

const (
	// DefaultTypingInterval is the per-character reveal cadence.
	DefaultTypingInterval = 40 * time.Millisecond
	// DefaultMessagePause is the pause between scripted lines.
	DefaultMessagePause = 1200 * time.Millisecond
)

// SimulatedOption configures a Simulated router.
type SimulatedOption func(*Simulated)

// WithTypingInterval overrides the per-character reveal interval.
func WithTypingInterval(d time.Duration) SimulatedOption {
	return func(s *Simulated) { s.typingInterval = d }
}

// WithMessagePause overrides the pause between scripted lines.
func WithMessagePause(d time.Duration) SimulatedOption {
	return func(s *Simulated) { s.messagePause = d }
}

// WithScripts replaces the scripted corpus.
func WithScripts(scripts []Script) SimulatedOption {
	return func(s *Simulated) { s.scripts = scripts }
}

// Simulated produces scripted dialogue with synthetic typing delay. Each
// started conversation runs on its own goroutine holding a cancellable
// context, so cancellation stops pending timers synchronously.
type Simulated struct {
	handler        Handler
	typingInterval time.Duration
	messagePause   time.Duration
	scripts        []Script
	logger         *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewSimulated creates the scripted transport strategy.
func NewSimulated(log *logger.Logger, opts ...SimulatedOption) *Simulated {
	if log == nil {
		log = logger.Global()
	}
	s := &Simulated{
		typingInterval: DefaultTypingInterval,
		messagePause:   DefaultMessagePause,
		scripts:        defaultScripts,
		logger:         log,
		active:         make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandler registers the upward event sink.
func (s *Simulated) SetHandler(h Handler) {
	s.handler = h
}

// Simulated reports the strategy kind.
func (s *Simulated) Simulated() bool {
	return true
}

// StartConversation picks a script and begins revealing it line by line.
func (s *Simulated) StartConversation(conv *model.Conversation, a, b model.Agent) error {
	if s.handler == nil {
		return errors.New("simulated transport: no handler registered")
	}

	script := s.pickScript(conv.Topic)

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, exists := s.active[conv.ID]; exists {
		s.mu.Unlock()
		cancel()
		return errors.New("simulated transport: conversation already running")
	}
	s.active[conv.ID] = cancel
	s.mu.Unlock()

	s.logger.Debug("starting scripted conversation",
		zap.String("conversation_id", conv.ID),
		zap.String("topic", script.Topic),
	)

	go s.run(ctx, conv.ID, conv.Participants, script)
	return nil
}

// SendMessage relays an externally supplied turn straight to the sink.
func (s *Simulated) SendMessage(conversationID string, msg model.Message) error {
	if s.handler == nil {
		return errors.New("simulated transport: no handler registered")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.handler.OnMessage(conversationID, msg)
	return nil
}

// CancelConversation stops the conversation's reveal goroutine. No-op for
// an unknown id.
func (s *Simulated) CancelConversation(conversationID string) {
	s.mu.Lock()
	cancel, ok := s.active[conversationID]
	if ok {
		delete(s.active, conversationID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Simulated) pickScript(topic string) Script {
	if topic != "" {
		for _, script := range s.scripts {
			if script.Topic == topic {
				return script
			}
		}
	}
	return s.scripts[rand.Intn(len(s.scripts))]
}

func (s *Simulated) run(ctx context.Context, conversationID string, participants [2]model.Participant, script Script) {
	defer s.clear(conversationID)

	for i, line := range script.Lines {
		sender := participants[i%2]
		if !s.revealLine(ctx, conversationID, sender, line) {
			return
		}

		s.handler.OnMessage(conversationID, model.Message{
			SenderID:   sender.AgentID,
			SenderName: sender.DisplayName,
			Text:       line,
			Timestamp:  time.Now(),
		})

		if i < len(script.Lines)-1 {
			if !sleepCtx(ctx, s.messagePause) {
				return
			}
		}
	}

	s.handler.OnComplete(conversationID)
}

// revealLine emits the typing signal, then one streaming update per
// character with the cumulative prefix. Returns false on cancellation.
func (s *Simulated) revealLine(ctx context.Context, conversationID string, sender model.Participant, line string) bool {
	requestID := uuid.New().String()

	s.handler.OnStreaming(model.PartialMessage{
		ConversationID: conversationID,
		RequestID:      requestID,
		SenderID:       sender.AgentID,
		SenderName:     sender.DisplayName,
	})

	runes := []rune(line)
	ticker := time.NewTicker(s.typingInterval)
	defer ticker.Stop()

	for i := range runes {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		s.handler.OnStreaming(model.PartialMessage{
			ConversationID:  conversationID,
			RequestID:       requestID,
			AccumulatedText: string(runes[:i+1]),
			ChunkCount:      i + 1,
			IsComplete:      i == len(runes)-1,
			SenderID:        sender.AgentID,
			SenderName:      sender.DisplayName,
		})
	}
	return true
}

func (s *Simulated) clear(conversationID string) {
	s.mu.Lock()
	delete(s.active, conversationID)
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
