// Package transport decouples the engine from how dialogue text is produced.
// Two interchangeable strategies sit behind the Router interface: a simulated
// mode that reveals scripted text with synthetic typing delay, and a
// networked mode that frames the same lifecycle over a websocket channel.
package transport

import (
	"github.com/townsim-ai/dialogue-engine/internal/model"
)

// Handler receives transport events. Events for one conversation are
// delivered in the order they were produced; no ordering holds across
// conversations. Handlers must not block the calling goroutine.
type Handler interface {
	// OnStreaming reports in-flight text. The first event for a turn is the
	// typing signal: zero chunks, empty accumulated text.
	OnStreaming(partial model.PartialMessage)

	// OnMessage reports one fully revealed turn.
	OnMessage(conversationID string, msg model.Message)

	// OnComplete reports that the conversation has run to its natural end.
	OnComplete(conversationID string)

	// OnError reports a backend failure. fallbackMessage, when non-empty,
	// may be displayed in place of the failed turn.
	OnError(conversationID, reason, fallbackMessage string)
}

// Router produces dialogue for started conversations and feeds results back
// through the Handler registered once at startup.
type Router interface {
	// SetHandler registers the upward event sink. Must be called before
	// StartConversation.
	SetHandler(h Handler)

	// StartConversation begins producing dialogue between the two agents.
	// Agent values are snapshots; the transport never mutates engine state.
	StartConversation(conv *model.Conversation, a, b model.Agent) error

	// SendMessage injects an externally supplied turn into the conversation.
	SendMessage(conversationID string, msg model.Message) error

	// CancelConversation synchronously stops any pending work for the id.
	// Safe to call for an id with no active work.
	CancelConversation(conversationID string)

	// Simulated reports whether this strategy produces scripted text.
	Simulated() bool
}
