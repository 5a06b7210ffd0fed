// Package orchestrator coordinates pairwise agent conversations: admission
// control, priority scheduling, transport relay, and timeout-driven cleanup.
//
// All mutable state (conversation store, priority queue, agent table) is
// owned by a single actor goroutine fed over an operation channel. Public
// methods post synchronous closures; transport callbacks post asynchronous
// ones; the scheduling ticker fires inside the same loop. This preserves the
// invariant that a non-terminal conversation is always either queued or
// running without locking the store and queue independently.
package orchestrator

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/internal/queue"
	"github.com/townsim-ai/dialogue-engine/internal/store"
	"github.com/townsim-ai/dialogue-engine/internal/transport"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
	"github.com/townsim-ai/dialogue-engine/pkg/metrics"
)

// Errors returned by SendMessage.
var (
	ErrConversationNotActive = errors.New("conversation not active")
	ErrNotAParticipant       = errors.New("sender is not a participant")
)

// End reasons surfaced on conversation:ended events.
const (
	ReasonNaturalEnd        = "natural_end"
	ReasonTimeout           = "timeout"
	ReasonError             = "error"
	ReasonAgentLeft         = "agent_left"
	ReasonAgentsUnavailable = "agents_unavailable"
	ReasonUserCancelled     = "user_cancelled"
)

// Config holds orchestrator tuning parameters.
type Config struct {
	// MaxConcurrent caps conversations running (generating/streaming) at once.
	MaxConcurrent int
	// MaxPerAgent caps an agent's non-terminal conversations, queued included.
	MaxPerAgent int
	// TickInterval is the scheduling tick period.
	TickInterval time.Duration
	// ConversationTimeout force-errors conversations with no activity.
	ConversationTimeout time.Duration
	// RetentionWindow delays purging of terminal conversation records.
	RetentionWindow time.Duration
	// UserPriorityBoost raises user-initiated requests one priority step.
	UserPriorityBoost bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       10,
		MaxPerAgent:         1,
		TickInterval:        100 * time.Millisecond,
		ConversationTimeout: 60 * time.Second,
		RetentionWindow:     5 * time.Minute,
		UserPriorityBoost:   true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxPerAgent <= 0 {
		c.MaxPerAgent = def.MaxPerAgent
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ConversationTimeout <= 0 {
		c.ConversationTimeout = def.ConversationTimeout
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = def.RetentionWindow
	}
	return c
}

// RequestOptions carries optional RequestConversation parameters.
type RequestOptions struct {
	Topic         string
	Priority      model.Priority // zero value means normal
	UserInitiated bool
}

// AgentUpdate is a partial agent mutation applied by the collaborator.
// Engine-owned conversational fields cannot be set this way.
type AgentUpdate struct {
	DisplayName *string
	Bio         *string
	State       *model.AgentState
}

// Orchestrator is the conversation engine coordinator.
type Orchestrator struct {
	cfg    Config
	logger *logger.Logger
	bus    *events.Bus
	router transport.Router

	// Actor-owned state; touched only on the loop goroutine.
	store  *store.Store
	queue  *queue.PriorityQueue
	agents map[string]*model.Agent
	ticker *time.Ticker

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an orchestrator and starts its actor loop. Start must still be
// called to enable the scheduling tick.
func New(cfg Config, router transport.Router, bus *events.Bus, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Global()
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:    cfg,
		logger: log,
		bus:    bus,
		router: router,
		store:  store.New(cfg.ConversationTimeout),
		queue:  queue.New(),
		agents: make(map[string]*model.Agent),
		ops:    make(chan func(), 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	router.SetHandler(&relay{o: o})

	go o.loop()
	return o
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	for {
		var tickC <-chan time.Time
		if o.ticker != nil {
			tickC = o.ticker.C
		}

		select {
		case fn := <-o.ops:
			fn()
		case <-tickC:
			o.processQueue()
		case <-o.quit:
			if o.ticker != nil {
				o.ticker.Stop()
			}
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for it to finish.
func (o *Orchestrator) call(fn func()) {
	done := make(chan struct{})
	select {
	case o.ops <- func() { fn(); close(done) }:
	case <-o.quit:
		return
	}
	select {
	case <-done:
	case <-o.done:
	}
}

// post runs fn on the actor goroutine without waiting.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.ops <- fn:
	case <-o.quit:
	}
}

// Start enables the periodic scheduling tick.
func (o *Orchestrator) Start() {
	o.call(func() {
		if o.ticker == nil {
			o.ticker = time.NewTicker(o.cfg.TickInterval)
			o.logger.Info("orchestrator started",
				zap.Duration("tick_interval", o.cfg.TickInterval),
				zap.Int("max_concurrent", o.cfg.MaxConcurrent),
			)
		}
	})
}

// Stop disables the scheduling tick. Queued and active conversations are
// left in place; Start resumes them.
func (o *Orchestrator) Stop() {
	o.call(func() {
		if o.ticker != nil {
			o.ticker.Stop()
			o.ticker = nil
			o.logger.Info("orchestrator stopped")
		}
	})
}

// Close terminates the actor loop. The orchestrator is unusable afterwards.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.quit) })
	<-o.done
}

// SetTransport replaces the router used for conversations. In-flight
// conversations are cancelled on the outgoing router with reason
// user_cancelled; queued requests stay queued and start on the new router.
func (o *Orchestrator) SetTransport(router transport.Router) {
	router.SetHandler(&relay{o: o})
	o.call(func() {
		for _, conv := range o.store.All() {
			if conv.Status == model.StatusGenerating || conv.Status == model.StatusStreaming {
				o.endConversation(conv.ID, ReasonUserCancelled)
			}
		}
		o.router = router
		o.logger.Info("transport replaced")
	})
}

// RegisterAgent adds or replaces an agent record. A blank state defaults to
// idle.
func (o *Orchestrator) RegisterAgent(agent model.Agent) {
	o.call(func() {
		if agent.State == "" {
			agent.State = model.AgentIdle
		}
		o.agents[agent.ID] = &agent
	})
}

// UpdateAgent applies a partial mutation. State changes are refused while
// the agent is chatting; the engine owns that transition. Returns false for
// an unknown id.
func (o *Orchestrator) UpdateAgent(id string, upd AgentUpdate) bool {
	var ok bool
	o.call(func() {
		agent, exists := o.agents[id]
		if !exists {
			return
		}
		if upd.DisplayName != nil {
			agent.DisplayName = *upd.DisplayName
		}
		if upd.Bio != nil {
			agent.Bio = *upd.Bio
		}
		if upd.State != nil && agent.State != model.AgentChatting {
			agent.State = *upd.State
		}
		ok = true
	})
	return ok
}

// UnregisterAgent removes an agent, ending all of its conversations with
// reason agent_left. Returns false for an unknown id.
func (o *Orchestrator) UnregisterAgent(id string) bool {
	var ok bool
	o.call(func() {
		if _, exists := o.agents[id]; !exists {
			return
		}
		for _, conv := range o.store.ForAgent(id) {
			o.finalize(conv, model.StatusError, ReasonAgentLeft)
		}
		delete(o.agents, id)
		ok = true
	})
	return ok
}

// SyncAgents bulk-replaces the agent table from the collaborator's
// authoritative copy. Engine-owned conversational fields of agents present
// in both tables are preserved. Agents that disappear have their
// conversations ended as if unregistered.
func (o *Orchestrator) SyncAgents(agents map[string]model.Agent) {
	o.call(func() {
		// End removed agents' conversations first so finalize releases their
		// surviving partners before the engine-owned fields are carried over.
		for id := range o.agents {
			if _, kept := agents[id]; !kept {
				for _, conv := range o.store.ForAgent(id) {
					o.finalize(conv, model.StatusError, ReasonAgentLeft)
				}
			}
		}

		next := make(map[string]*model.Agent, len(agents))
		for id, agent := range agents {
			agent := agent
			if prev, exists := o.agents[id]; exists {
				agent.State = prev.State
				agent.ConversationPartnerID = prev.ConversationPartnerID
				agent.ActiveConversation = prev.ActiveConversation
				agent.LastMessage = prev.LastMessage
			} else if agent.State == "" {
				agent.State = model.AgentIdle
			}
			next[id] = &agent
		}
		o.agents = next
	})
}

// GetAgent returns a copy of the agent record.
func (o *Orchestrator) GetAgent(id string) (model.Agent, bool) {
	var out model.Agent
	var ok bool
	o.call(func() {
		if agent, exists := o.agents[id]; exists {
			out = *agent
			out.ActiveConversation = append([]model.Message(nil), agent.ActiveConversation...)
			ok = true
		}
	})
	return out, ok
}

// AgentIDs returns the ids of all registered agents.
func (o *Orchestrator) AgentIDs() []string {
	var out []string
	o.call(func() {
		for id := range o.agents {
			out = append(out, id)
		}
	})
	return out
}

// RequestConversation applies admission control and, on success, queues a
// new conversation between the two agents and returns its id. A rejected
// request returns ok=false and emits an agent:busy notification; it never
// returns an error.
func (o *Orchestrator) RequestConversation(initiatorID, targetID string, opts RequestOptions) (string, bool) {
	var id string
	var ok bool
	o.call(func() {
		id, ok = o.requestConversation(initiatorID, targetID, opts)
	})
	return id, ok
}

func (o *Orchestrator) requestConversation(initiatorID, targetID string, opts RequestOptions) (string, bool) {
	if initiatorID == targetID {
		o.reject(initiatorID, "cannot converse with self")
		return "", false
	}

	initiator, okA := o.agents[initiatorID]
	target, okB := o.agents[targetID]
	if !okA {
		o.reject(initiatorID, "agent not registered")
		return "", false
	}
	if !okB {
		o.reject(targetID, "agent not registered")
		return "", false
	}

	if !o.isAgentAvailable(initiator, "") {
		o.reject(initiatorID, "agent busy")
		return "", false
	}
	if !o.isAgentAvailable(target, "") {
		o.reject(targetID, "agent busy")
		return "", false
	}

	now := time.Now()
	conv := &model.Conversation{
		ID: model.NewConversationID(),
		Participants: [2]model.Participant{
			{AgentID: initiator.ID, DisplayName: initiator.DisplayName, Role: model.RoleInitiator},
			{AgentID: target.ID, DisplayName: target.DisplayName, Role: model.RoleResponder},
		},
		Status:       model.StatusInitializing,
		StartTime:    now,
		LastActivity: now,
		Topic:        opts.Topic,
		Simulated:    o.router.Simulated(),
	}

	priority := opts.Priority
	if priority == 0 {
		priority = model.PriorityNormal
	}
	if opts.UserInitiated && o.cfg.UserPriorityBoost {
		priority++
	}

	o.store.Add(conv)
	o.queue.Enqueue(conv, priority)

	o.logger.Info("conversation queued",
		zap.String("conversation_id", conv.ID),
		zap.String("initiator", initiatorID),
		zap.String("target", targetID),
		zap.Int("priority", int(priority)),
	)

	o.publish(events.KindConversationCreated, events.ConversationPayload{Conversation: conv})
	o.publishQueueUpdate()
	return conv.ID, true
}

// isAgentAvailable checks the admission predicate: the agent is idle and its
// non-terminal conversation count is under the per-agent cap. The pending
// conversation itself counts toward the cap from admission time on, which is
// what prevents double-booking during the queue wait; at promotion time the
// candidate is excluded so it does not block itself.
func (o *Orchestrator) isAgentAvailable(agent *model.Agent, excludeConvID string) bool {
	if agent.State != model.AgentIdle {
		return false
	}
	count := 0
	for _, conv := range o.store.ForAgent(agent.ID) {
		if conv.ID != excludeConvID {
			count++
		}
	}
	return count < o.cfg.MaxPerAgent
}

func (o *Orchestrator) reject(agentID, reason string) {
	metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	o.publish(events.KindAgentBusy, events.AgentPayload{AgentID: agentID, Reason: reason})
}

// SendMessage injects an externally supplied turn into a live conversation.
// The transport relays it back through the normal message flow.
func (o *Orchestrator) SendMessage(conversationID, senderID, text string) error {
	var err error
	o.call(func() {
		conv := o.store.Get(conversationID)
		if conv == nil || conv.Status.Terminal() {
			err = ErrConversationNotActive
			return
		}
		if !conv.HasParticipant(senderID) {
			err = ErrNotAParticipant
			return
		}

		senderName := senderID
		if agent, ok := o.agents[senderID]; ok {
			senderName = agent.DisplayName
		}

		err = o.router.SendMessage(conversationID, model.Message{
			SenderID:   senderID,
			SenderName: senderName,
			Text:       text,
			Timestamp:  time.Now(),
		})
	})
	return err
}

// EndConversation ends a live conversation as a success. Idempotent: ending
// an absent or already-terminal conversation is a no-op.
func (o *Orchestrator) EndConversation(id, reason string) {
	if reason == "" {
		reason = ReasonUserCancelled
	}
	o.call(func() {
		o.endConversation(id, reason)
	})
}

func (o *Orchestrator) endConversation(id, reason string) {
	conv := o.store.Get(id)
	if conv == nil || conv.Status.Terminal() {
		return
	}
	o.finalize(conv, model.StatusCompleted, reason)
}

// finalize drives a conversation to a terminal status and runs every end
// side effect exactly once: agent release, transport cancellation, queue
// removal, and the conversation:ended emission.
func (o *Orchestrator) finalize(conv *model.Conversation, status model.Status, reason string) {
	conv.Status = status
	conv.Touch(time.Now())

	for _, p := range conv.Participants {
		agent, ok := o.agents[p.AgentID]
		if !ok {
			continue
		}
		if agent.State == model.AgentChatting && agent.ConversationPartnerID != "" {
			agent.Release()
			o.publish(events.KindAgentAvailable, events.AgentPayload{AgentID: agent.ID})
		}
	}

	o.router.CancelConversation(conv.ID)

	// Defensive: the conversation may not have been promoted yet.
	if o.queue.Remove(conv.ID) {
		o.publishQueueUpdate()
	}

	duration := conv.Duration()
	metrics.RecordConversationEnd(reason, string(status), duration.Seconds())
	metrics.SetEngineGauges(o.store.ActiveCount(), o.queue.Size())

	o.logger.Info("conversation ended",
		zap.String("conversation_id", conv.ID),
		zap.String("reason", reason),
		zap.String("status", string(status)),
		zap.Int("messages", len(conv.Messages)),
		zap.Duration("duration", duration),
	)

	o.publish(events.KindConversationEnded, events.EndedPayload{
		ConversationID: conv.ID,
		Reason:         reason,
		MessageCount:   len(conv.Messages),
		Duration:       duration,
	})
}

// GetConversation returns a copy of the conversation record.
func (o *Orchestrator) GetConversation(id string) (model.Conversation, bool) {
	var out model.Conversation
	var ok bool
	o.call(func() {
		if conv := o.store.Get(id); conv != nil {
			out = copyConversation(conv)
			ok = true
		}
	})
	return out, ok
}

// GetAllConversations returns copies of every conversation in the store.
func (o *Orchestrator) GetAllConversations() []model.Conversation {
	var out []model.Conversation
	o.call(func() {
		for _, conv := range o.store.All() {
			out = append(out, copyConversation(conv))
		}
	})
	return out
}

// GetConversationsForAgent returns copies of an agent's non-terminal
// conversations.
func (o *Orchestrator) GetConversationsForAgent(agentID string) []model.Conversation {
	var out []model.Conversation
	o.call(func() {
		for _, conv := range o.store.ForAgent(agentID) {
			out = append(out, copyConversation(conv))
		}
	})
	return out
}

// ActiveConversationCount returns the number of running conversations.
func (o *Orchestrator) ActiveConversationCount() int {
	var n int
	o.call(func() { n = o.store.ActiveCount() })
	return n
}

// QueueLength returns the number of conversations awaiting promotion.
func (o *Orchestrator) QueueLength() int {
	var n int
	o.call(func() { n = o.queue.Size() })
	return n
}

// QueueEntry describes one pending conversation for observability surfaces.
type QueueEntry struct {
	ConversationID string         `json:"conversation_id"`
	InitiatorID    string         `json:"initiator_id"`
	TargetID       string         `json:"target_id"`
	Topic          string         `json:"topic,omitempty"`
	Priority       model.Priority `json:"priority"`
	QueuedAt       time.Time      `json:"queued_at"`
	WaitTime       time.Duration  `json:"wait_time"`
}

// QueueSnapshot returns the pending conversations in dispatch order.
func (o *Orchestrator) QueueSnapshot() []QueueEntry {
	var out []QueueEntry
	o.call(func() {
		now := time.Now()
		for _, item := range o.queue.Entries() {
			conv := item.Conversation
			out = append(out, QueueEntry{
				ConversationID: conv.ID,
				InitiatorID:    conv.Participants[0].AgentID,
				TargetID:       conv.Participants[1].AgentID,
				Topic:          conv.Topic,
				Priority:       item.Priority,
				QueuedAt:       item.QueuedAt,
				WaitTime:       now.Sub(item.QueuedAt),
			})
		}
	})
	return out
}

// GetStats returns aggregate conversation statistics.
func (o *Orchestrator) GetStats() store.Stats {
	var s store.Stats
	o.call(func() { s = o.store.GetStats() })
	return s
}

func (o *Orchestrator) publish(kind events.Kind, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (o *Orchestrator) publishQueueUpdate() {
	o.publish(events.KindQueueUpdated, events.QueuePayload{Length: o.queue.Size()})
}

func copyConversation(conv *model.Conversation) model.Conversation {
	out := *conv
	out.Messages = append([]model.Message(nil), conv.Messages...)
	if conv.Partial != nil {
		partial := *conv.Partial
		out.Partial = &partial
	}
	return out
}
