package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/pkg/metrics"
)

// processQueue is one scheduling tick: staleness cleanup and retention
// pruning first, then promotion of queued conversations into free slots.
// Runs on the actor goroutine.
func (o *Orchestrator) processQueue() {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	// 1. Force-error stale conversations. The store already flipped their
	// status; the side effects (agent release, transport cancel) run here.
	for _, id := range o.store.Cleanup() {
		conv := o.store.Get(id)
		if conv == nil {
			continue
		}
		o.logger.Warn("conversation timed out", zap.String("conversation_id", id))
		o.publish(events.KindConversationError, events.ErrorPayload{
			ConversationID: id,
			Reason:         ReasonTimeout,
		})
		o.finalize(conv, model.StatusError, ReasonTimeout)
	}

	// 2. Prune terminal records past the retention window. Cleanup runs
	// first, so a conversation is never promoted and purged in one tick.
	if purged := o.store.PurgeOld(o.cfg.RetentionWindow); purged > 0 {
		o.logger.Debug("purged terminal conversations", zap.Int("count", purged))
	}

	// 3. Promote queued conversations into free slots. A single contention
	// requeue ends the loop: re-drawing the same unschedulable item within
	// one tick would live-lock.
	var promoted []*model.Conversation
	for o.store.ActiveCount() < o.cfg.MaxConcurrent {
		conv := o.queue.Dequeue()
		if conv == nil {
			break
		}
		if conv.Status.Terminal() {
			continue
		}

		initiator, okA := o.agents[conv.Participants[0].AgentID]
		responder, okB := o.agents[conv.Participants[1].AgentID]
		if !okA || !okB {
			o.publish(events.KindConversationError, events.ErrorPayload{
				ConversationID: conv.ID,
				Reason:         ReasonAgentsUnavailable,
			})
			o.finalize(conv, model.StatusError, ReasonAgentsUnavailable)
			continue
		}

		if !o.isAgentAvailable(initiator, conv.ID) || !o.isAgentAvailable(responder, conv.ID) {
			// Became busy between enqueue and promotion; try again next tick.
			o.queue.Enqueue(conv, model.PriorityNormal)
			break
		}

		o.startConversation(conv, initiator, responder)
		promoted = append(promoted, conv)
	}

	for _, conv := range promoted {
		o.publish(events.KindConversationUpdated, events.ConversationPayload{Conversation: conv})
	}
	if len(promoted) > 0 {
		o.publishQueueUpdate()
	}

	metrics.SetEngineGauges(o.store.ActiveCount(), o.queue.Size())
}

// startConversation links both agents and hands the conversation to the
// transport.
func (o *Orchestrator) startConversation(conv *model.Conversation, initiator, responder *model.Agent) {
	initiator.State = model.AgentChatting
	responder.State = model.AgentChatting
	initiator.ConversationPartnerID = responder.ID
	responder.ConversationPartnerID = initiator.ID
	initiator.ResetTranscript()
	responder.ResetTranscript()

	conv.Status = model.StatusGenerating
	conv.Touch(time.Now())

	o.logger.Info("conversation started",
		zap.String("conversation_id", conv.ID),
		zap.String("initiator", initiator.ID),
		zap.String("responder", responder.ID),
	)

	if err := o.router.StartConversation(conv, *initiator, *responder); err != nil {
		o.logger.Error("transport failed to start conversation",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
		o.publish(events.KindConversationError, events.ErrorPayload{
			ConversationID: conv.ID,
			Reason:         err.Error(),
		})
		o.finalize(conv, model.StatusError, ReasonError)
	}
}
