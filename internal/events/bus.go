// Package events provides the typed publish/subscribe feed connecting the
// engine to presentation collaborators.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// Kind identifies an event type on the feed.
type Kind string

const (
	KindConversationCreated Kind = "conversation:created"
	KindConversationUpdated Kind = "conversation:updated"
	KindConversationEnded   Kind = "conversation:ended"
	KindConversationError   Kind = "conversation:error"
	KindMessageReceived     Kind = "message:received"
	KindQueueUpdated        Kind = "queue:updated"
	KindAgentBusy           Kind = "agent:busy"
	KindAgentAvailable      Kind = "agent:available"
)

// Event is one entry on the feed. Payload holds the concrete payload type
// for the event's Kind.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ConversationPayload accompanies created/updated events.
type ConversationPayload struct {
	Conversation *model.Conversation `json:"conversation"`
}

// EndedPayload accompanies conversation:ended events.
type EndedPayload struct {
	ConversationID string        `json:"conversation_id"`
	Reason         string        `json:"reason"`
	MessageCount   int           `json:"message_count"`
	Duration       time.Duration `json:"duration"`
}

// ErrorPayload accompanies conversation:error events. FallbackMessage, when
// set, may be rendered by the UI in place of the failed turn.
type ErrorPayload struct {
	ConversationID  string `json:"conversation_id"`
	Reason          string `json:"reason"`
	FallbackMessage string `json:"fallback_message,omitempty"`
}

// MessagePayload accompanies message:received events.
type MessagePayload struct {
	ConversationID string        `json:"conversation_id"`
	Message        model.Message `json:"message"`
}

// QueuePayload accompanies queue:updated events.
type QueuePayload struct {
	Length int `json:"length"`
}

// AgentPayload accompanies agent:busy and agent:available events.
type AgentPayload struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// Handler receives events. A handler must not block; slow consumers should
// hand off to their own buffer.
type Handler func(Event)

type subscription struct {
	id      uint64
	kind    Kind // empty matches every kind
	handler Handler
}

// Bus dispatches events to subscribers in emission order. A panicking
// subscriber is recovered and logged without breaking delivery to the rest.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *logger.Logger
}

// NewBus creates an event bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Global()
	}
	return &Bus{logger: log}
}

// Subscribe registers a handler for one event kind. The returned function
// removes the subscription.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	return b.add(kind, h)
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

func (b *Bus) add(kind Kind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all matching subscribers, in subscription
// order, on the caller's goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.kind != "" && sub.kind != ev.Kind {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(ev)
}
