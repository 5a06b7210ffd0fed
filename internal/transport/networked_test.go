package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// newWSServer runs a scripted generation backend. The handle func must
// return once the connection errors.
func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, endpoint string, h Handler, opts ...NetworkedOption) *Networked {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := DialNetworked(ctx, endpoint, logger.NewNop(), opts...)
	require.NoError(t, err)
	n.SetHandler(h)
	t.Cleanup(func() { n.Close() })
	return n
}

func sendEnvelope(conn *websocket.Conn, frameType FrameType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(Envelope{Type: frameType, Payload: data})
}

func readGenerateRequest(conn *websocket.Conn) (GenerateRequestFrame, error) {
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return GenerateRequestFrame{}, err
	}
	var req GenerateRequestFrame
	err := json.Unmarshal(env.Payload, &req)
	return req, err
}

// streamTurn plays one full backend turn: stream_start, a single chunk, and
// the completion frame.
func streamTurn(conn *websocket.Conn, conversationID, senderID, text string) error {
	requestID := uuid.New().String()
	if err := sendEnvelope(conn, FrameStreamStart, StreamStartFrame{
		ConversationID: conversationID,
		RequestID:      requestID,
		SenderID:       senderID,
		SenderName:     senderID,
	}); err != nil {
		return err
	}
	if err := sendEnvelope(conn, FrameChunk, ChunkFrame{
		ConversationID: conversationID,
		RequestID:      requestID,
		Chunk:          text,
		ChunkIndex:     0,
		IsComplete:     true,
	}); err != nil {
		return err
	}
	return sendEnvelope(conn, FrameStreamComplete, StreamCompleteFrame{
		ConversationID: conversationID,
		RequestID:      requestID,
		FinalMessage:   FinalMessage{SenderID: senderID, SenderName: senderID, Text: text, Timestamp: time.Now()},
		Success:        true,
		TotalChunks:    1,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNetworked_StreamsTurnToHandler(t *testing.T) {
	conv := testConversation("")
	turns := make(chan GenerateRequestFrame, 4)

	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		req, err := readGenerateRequest(conn)
		if err != nil {
			return
		}
		turns <- req
		if err := streamTurn(conn, req.ConversationID, req.Turn, "Hi"); err != nil {
			return
		}
		// Keep reading so the next generate_request is consumed.
		for {
			if _, err := readGenerateRequest(conn); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	n := dialTest(t, endpoint, h)

	require.NoError(t, n.StartConversation(conv, model.Agent{ID: "alice", DisplayName: "Alice"}, model.Agent{ID: "bob", DisplayName: "Bob"}))

	req := <-turns
	assert.Equal(t, conv.ID, req.ConversationID)
	assert.Equal(t, "alice", req.Turn)
	assert.Equal(t, "alice", req.AgentA.ID)
	assert.Equal(t, "bob", req.AgentB.ID)
	assert.NotEmpty(t, req.Nonce)

	waitFor(t, func() bool {
		_, messages, _ := h.snapshot()
		return len(messages) == 1
	})

	partials, messages, _ := h.snapshot()
	require.Len(t, partials, 2)
	assert.Empty(t, partials[0].AccumulatedText) // typing signal
	assert.Equal(t, "alice", partials[0].SenderID)
	assert.Equal(t, "Hi", partials[1].AccumulatedText)
	assert.True(t, partials[1].IsComplete)

	assert.Equal(t, "Hi", messages[0].Text)
	assert.Equal(t, "alice", messages[0].SenderID)
}

func TestNetworked_AlternatesTurnsAndCompletes(t *testing.T) {
	conv := testConversation("")
	var turnOrder []string
	turnsSeen := make(chan string, 4)

	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		for {
			req, err := readGenerateRequest(conn)
			if err != nil {
				return
			}
			turnsSeen <- req.Turn
			if err := streamTurn(conn, req.ConversationID, req.Turn, "line from "+req.Turn); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	n := dialTest(t, endpoint, h, WithMaxTurns(2))

	require.NoError(t, n.StartConversation(conv, model.Agent{ID: "alice"}, model.Agent{ID: "bob"}))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("conversation did not complete")
	}

	close(turnsSeen)
	for turn := range turnsSeen {
		turnOrder = append(turnOrder, turn)
	}
	assert.Equal(t, []string{"alice", "bob"}, turnOrder)

	_, messages, completed := h.snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, "alice", messages[0].SenderID)
	assert.Equal(t, "bob", messages[1].SenderID)
	assert.Equal(t, []string{conv.ID}, completed)
}

func TestNetworked_InvalidFramesDropped(t *testing.T) {
	conv := testConversation("")

	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		req, err := readGenerateRequest(conn)
		if err != nil {
			return
		}
		// Bad correlation id: must be dropped without handler traffic.
		sendEnvelope(conn, FrameChunk, ChunkFrame{
			ConversationID: "bogus",
			RequestID:      uuid.New().String(),
			Chunk:          "x",
		})
		// Stale requestId: valid schema, but no stream_start announced it.
		sendEnvelope(conn, FrameChunk, ChunkFrame{
			ConversationID: req.ConversationID,
			RequestID:      uuid.New().String(),
			Chunk:          "y",
		})
		// A valid turn afterwards proves the connection survived.
		streamTurn(conn, req.ConversationID, req.Turn, "ok")
		for {
			if _, err := readGenerateRequest(conn); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	n := dialTest(t, endpoint, h)

	require.NoError(t, n.StartConversation(conv, model.Agent{ID: "alice"}, model.Agent{ID: "bob"}))

	waitFor(t, func() bool {
		_, messages, _ := h.snapshot()
		return len(messages) == 1
	})

	partials, messages, _ := h.snapshot()
	assert.Equal(t, "ok", messages[0].Text)
	for _, p := range partials {
		assert.NotEqual(t, "x", p.AccumulatedText)
		assert.NotEqual(t, "y", p.AccumulatedText)
	}
}

func TestNetworked_StreamErrorSurfacesToHandler(t *testing.T) {
	conv := testConversation("")

	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		req, err := readGenerateRequest(conn)
		if err != nil {
			return
		}
		sendEnvelope(conn, FrameStreamError, StreamErrorFrame{
			ConversationID:  req.ConversationID,
			RequestID:       uuid.New().String(),
			Error:           "model overloaded",
			ErrorCode:       ErrCodeRateLimit,
			FallbackMessage: "Give me a moment.",
		})
		for {
			if _, err := readGenerateRequest(conn); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	n := dialTest(t, endpoint, h)

	require.NoError(t, n.StartConversation(conv, model.Agent{ID: "alice"}, model.Agent{ID: "bob"}))

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errors) == 1
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "model overloaded", h.errors[0])
}

func TestNetworked_ConnectionLossFailsActiveConversations(t *testing.T) {
	conv := testConversation("")

	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		if _, err := readGenerateRequest(conn); err != nil {
			return
		}
		conn.Close()
	})

	h := newRecordingHandler()
	n := dialTest(t, endpoint, h)

	require.NoError(t, n.StartConversation(conv, model.Agent{ID: "alice"}, model.Agent{ID: "bob"}))

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errors) == 1
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "transport connection lost", h.errors[0])
}

func TestNetworked_FramesBeforeHandlerDropped(t *testing.T) {
	sent := make(chan struct{})
	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		// Unsolicited frame in the window before a handler is registered.
		if err := sendEnvelope(conn, FrameStreamError, StreamErrorFrame{
			ConversationID: testConvID,
			RequestID:      uuid.New().String(),
			Error:          "backend restarting",
			ErrorCode:      ErrCodeAPI,
		}); err != nil {
			return
		}
		close(sent)

		req, err := readGenerateRequest(conn)
		if err != nil {
			return
		}
		if err := streamTurn(conn, req.ConversationID, req.Turn, "Hi"); err != nil {
			return
		}
		for {
			if _, err := readGenerateRequest(conn); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := DialNetworked(ctx, endpoint, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	<-sent
	time.Sleep(20 * time.Millisecond)

	h := newRecordingHandler()
	n.SetHandler(h)

	require.NoError(t, n.StartConversation(testConversation(""), model.Agent{ID: "alice"}, model.Agent{ID: "bob"}))

	waitFor(t, func() bool {
		_, messages, _ := h.snapshot()
		return len(messages) == 1
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.errors)
}

func TestNetworked_NoHandlerErrors(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := DialNetworked(ctx, endpoint, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	assert.Error(t, n.StartConversation(testConversation(""), model.Agent{}, model.Agent{}))
}
