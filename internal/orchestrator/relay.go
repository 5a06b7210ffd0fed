package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/pkg/metrics"
)

// typingPreview is pushed into the listening participant's lastMessage
// while the other side is streaming.
const typingPreview = "typing…"

// relay bridges transport events onto the actor goroutine. It is registered
// with the router exactly once, at construction. Events arriving for an
// unknown or already-terminal conversation are dropped silently: the
// transport may still flush a few callbacks after a cancellation.
type relay struct {
	o *Orchestrator
}

func (r *relay) OnStreaming(partial model.PartialMessage) {
	r.o.post(func() { r.o.handleStreaming(partial) })
}

func (r *relay) OnMessage(conversationID string, msg model.Message) {
	r.o.post(func() { r.o.handleMessage(conversationID, msg) })
}

func (r *relay) OnComplete(conversationID string) {
	r.o.post(func() { r.o.endConversation(conversationID, ReasonNaturalEnd) })
}

func (r *relay) OnError(conversationID, reason, fallbackMessage string) {
	r.o.post(func() { r.o.handleTransportError(conversationID, reason, fallbackMessage) })
}

func (o *Orchestrator) liveConversation(id string) *model.Conversation {
	conv := o.store.Get(id)
	if conv == nil || conv.Status.Terminal() {
		return nil
	}
	return conv
}

func (o *Orchestrator) handleStreaming(partial model.PartialMessage) {
	conv := o.liveConversation(partial.ConversationID)
	if conv == nil {
		return
	}

	conv.Touch(time.Now())
	conv.Partial = &partial
	if conv.Status == model.StatusGenerating {
		conv.Status = model.StatusStreaming
	}

	if listener, ok := conv.Partner(partial.SenderID); ok {
		if agent, exists := o.agents[listener.AgentID]; exists {
			agent.LastMessage = typingPreview
		}
	}

	o.publish(events.KindConversationUpdated, events.ConversationPayload{Conversation: conv})
}

func (o *Orchestrator) handleMessage(conversationID string, msg model.Message) {
	conv := o.liveConversation(conversationID)
	if conv == nil {
		return
	}

	conv.Touch(time.Now())
	conv.Messages = append(conv.Messages, msg)
	conv.Partial = nil

	for _, p := range conv.Participants {
		if agent, exists := o.agents[p.AgentID]; exists {
			agent.AppendTranscript(msg)
			if p.AgentID == msg.SenderID {
				agent.LastMessage = msg.Text
			}
		}
	}

	transportLabel := "networked"
	if conv.Simulated {
		transportLabel = "simulated"
	}
	metrics.MessagesTotal.WithLabelValues(transportLabel).Inc()

	o.publish(events.KindMessageReceived, events.MessagePayload{
		ConversationID: conversationID,
		Message:        msg,
	})
	o.publish(events.KindConversationUpdated, events.ConversationPayload{Conversation: conv})
}

func (o *Orchestrator) handleTransportError(conversationID, reason, fallbackMessage string) {
	conv := o.liveConversation(conversationID)
	if conv == nil {
		return
	}

	o.logger.Error("transport error",
		zap.String("conversation_id", conversationID),
		zap.String("reason", reason),
	)
	o.publish(events.KindConversationError, events.ErrorPayload{
		ConversationID:  conversationID,
		Reason:          reason,
		FallbackMessage: fallbackMessage,
	})
	o.finalize(conv, model.StatusError, ReasonError)
}
