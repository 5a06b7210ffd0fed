package orchestrator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/internal/transport"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// fakeRouter records transport calls and lets tests drive the handler.
type fakeRouter struct {
	mu        sync.Mutex
	handler   transport.Handler
	started   []string
	cancelled []string
	failStart bool
}

func (f *fakeRouter) SetHandler(h transport.Handler) {
	f.handler = h
}

func (f *fakeRouter) StartConversation(conv *model.Conversation, a, b model.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("backend unavailable")
	}
	f.started = append(f.started, conv.ID)
	return nil
}

func (f *fakeRouter) SendMessage(conversationID string, msg model.Message) error {
	return nil
}

func (f *fakeRouter) CancelConversation(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, conversationID)
}

func (f *fakeRouter) Simulated() bool { return true }

func (f *fakeRouter) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// eventRecorder captures bus traffic for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config) (*Orchestrator, *fakeRouter, *eventRecorder) {
	t.Helper()
	router := &fakeRouter{}
	bus := events.NewBus(logger.NewNop())
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	o := New(cfg, router, bus, logger.NewNop())
	t.Cleanup(o.Close)
	return o, router, rec
}

func registerPair(o *Orchestrator) {
	o.RegisterAgent(model.Agent{ID: "alice", DisplayName: "Alice"})
	o.RegisterAgent(model.Agent{ID: "bob", DisplayName: "Bob"})
}

// tick drives one scheduling pass on the actor goroutine.
func tick(o *Orchestrator) {
	o.call(o.processQueue)
}

// flush waits until all posted transport callbacks have run.
func flush(o *Orchestrator) {
	o.call(func() {})
}

func TestRequestConversation_Queues(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{Topic: "greeting"})
	require.True(t, ok)
	assert.True(t, model.ValidConversationID(id))

	conv, found := o.GetConversation(id)
	require.True(t, found)
	assert.Equal(t, model.StatusInitializing, conv.Status)
	assert.Equal(t, "alice", conv.Participants[0].AgentID)
	assert.Equal(t, model.RoleInitiator, conv.Participants[0].Role)
	assert.Equal(t, "bob", conv.Participants[1].AgentID)
	assert.Equal(t, model.RoleResponder, conv.Participants[1].Role)
	assert.Equal(t, "greeting", conv.Topic)
	assert.True(t, conv.Simulated)

	assert.Equal(t, 1, o.QueueLength())
	assert.Zero(t, o.ActiveConversationCount())
	assert.Len(t, rec.byKind(events.KindConversationCreated), 1)
	assert.Len(t, rec.byKind(events.KindQueueUpdated), 1)
}

func TestRequestConversation_RejectsSelf(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)

	_, ok := o.RequestConversation("alice", "alice", RequestOptions{})
	assert.False(t, ok)
	assert.Len(t, rec.byKind(events.KindAgentBusy), 1)
}

func TestRequestConversation_RejectsUnknownAgent(t *testing.T) {
	o, _, _ := newTestEngine(t, Config{})
	o.RegisterAgent(model.Agent{ID: "alice", DisplayName: "Alice"})

	_, ok := o.RequestConversation("alice", "ghost", RequestOptions{})
	assert.False(t, ok)
	assert.Zero(t, o.QueueLength())
}

func TestRequestConversation_RejectsAgentAlreadyBooked(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)
	o.RegisterAgent(model.Agent{ID: "carol", DisplayName: "Carol"})

	_, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)

	// The queued conversation already counts against alice's cap.
	_, ok = o.RequestConversation("carol", "alice", RequestOptions{})
	assert.False(t, ok)
	assert.Equal(t, 1, o.QueueLength())
	assert.Len(t, rec.byKind(events.KindAgentBusy), 1)
}

func TestRequestConversation_RejectsNonIdleAgent(t *testing.T) {
	o, _, _ := newTestEngine(t, Config{})
	registerPair(o)
	moving := model.AgentMoving
	require.True(t, o.UpdateAgent("bob", AgentUpdate{State: &moving}))

	_, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	assert.False(t, ok)
}

func TestTick_PromotesQueuedConversation(t *testing.T) {
	o, router, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)

	tick(o)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusGenerating, conv.Status)
	assert.Equal(t, []string{id}, router.startedIDs())
	assert.Zero(t, o.QueueLength())
	assert.Equal(t, 1, o.ActiveConversationCount())

	alice, _ := o.GetAgent("alice")
	bob, _ := o.GetAgent("bob")
	assert.Equal(t, model.AgentChatting, alice.State)
	assert.Equal(t, "bob", alice.ConversationPartnerID)
	assert.Equal(t, model.AgentChatting, bob.State)
	assert.Equal(t, "alice", bob.ConversationPartnerID)

	assert.Len(t, rec.byKind(events.KindConversationUpdated), 1)
}

func TestTick_RespectsConcurrencyCap(t *testing.T) {
	o, router, _ := newTestEngine(t, Config{MaxConcurrent: 1})
	registerPair(o)
	o.RegisterAgent(model.Agent{ID: "carol", DisplayName: "Carol"})
	o.RegisterAgent(model.Agent{ID: "dave", DisplayName: "Dave"})

	first, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	second, ok := o.RequestConversation("carol", "dave", RequestOptions{})
	require.True(t, ok)

	tick(o)

	assert.Equal(t, []string{first}, router.startedIDs())
	assert.Equal(t, 1, o.ActiveConversationCount())
	assert.Equal(t, 1, o.QueueLength())

	// Freeing the slot lets the next queued conversation through.
	o.EndConversation(first, "")
	tick(o)

	assert.Contains(t, router.startedIDs(), second)
	assert.Equal(t, 1, o.ActiveConversationCount())
	assert.Zero(t, o.QueueLength())
}

func TestTick_HighPriorityPromotedFirst(t *testing.T) {
	o, router, _ := newTestEngine(t, Config{MaxConcurrent: 1})
	registerPair(o)
	o.RegisterAgent(model.Agent{ID: "carol", DisplayName: "Carol"})
	o.RegisterAgent(model.Agent{ID: "dave", DisplayName: "Dave"})

	_, ok := o.RequestConversation("alice", "bob", RequestOptions{Priority: model.PriorityLow})
	require.True(t, ok)
	urgent, ok := o.RequestConversation("carol", "dave", RequestOptions{Priority: model.PriorityHigh})
	require.True(t, ok)

	tick(o)
	assert.Equal(t, []string{urgent}, router.startedIDs())
}

func TestTick_RequeuesOnContention(t *testing.T) {
	o, router, _ := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)

	// Alice wanders off between admission and promotion.
	moving := model.AgentMoving
	require.True(t, o.UpdateAgent("alice", AgentUpdate{State: &moving}))

	tick(o)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusInitializing, conv.Status)
	assert.Empty(t, router.startedIDs())
	assert.Equal(t, 1, o.QueueLength())

	// Once she is idle again the next tick promotes it.
	idle := model.AgentIdle
	require.True(t, o.UpdateAgent("alice", AgentUpdate{State: &idle}))
	tick(o)

	conv, _ = o.GetConversation(id)
	assert.Equal(t, model.StatusGenerating, conv.Status)
}

func TestTick_FailedTransportStartEndsWithError(t *testing.T) {
	o, router, rec := newTestEngine(t, Config{})
	router.failStart = true
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)

	tick(o)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusError, conv.Status)
	assert.Len(t, rec.byKind(events.KindConversationError), 1)

	alice, _ := o.GetAgent("alice")
	assert.Equal(t, model.AgentIdle, alice.State)
}

func TestEndConversation_Idempotent(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	o.EndConversation(id, "")
	o.EndConversation(id, "")
	o.EndConversation(id, ReasonNaturalEnd)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusCompleted, conv.Status)

	ended := rec.byKind(events.KindConversationEnded)
	require.Len(t, ended, 1)
	payload := ended[0].Payload.(events.EndedPayload)
	assert.Equal(t, ReasonUserCancelled, payload.Reason)

	alice, _ := o.GetAgent("alice")
	bob, _ := o.GetAgent("bob")
	assert.Equal(t, model.AgentIdle, alice.State)
	assert.Empty(t, alice.ConversationPartnerID)
	assert.Equal(t, model.AgentIdle, bob.State)
}

func TestRelay_StreamingThenMessage(t *testing.T) {
	o, router, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	router.handler.OnStreaming(model.PartialMessage{
		ConversationID: id,
		RequestID:      "req-1",
		SenderID:       "alice",
		SenderName:     "Alice",
	})
	flush(o)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusStreaming, conv.Status)
	require.NotNil(t, conv.Partial)

	bob, _ := o.GetAgent("bob")
	assert.Equal(t, typingPreview, bob.LastMessage)

	router.handler.OnMessage(id, model.Message{
		SenderID:   "alice",
		SenderName: "Alice",
		Text:       "Hi",
		Timestamp:  time.Now(),
	})
	flush(o)

	conv, _ = o.GetConversation(id)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Hi", conv.Messages[0].Text)
	assert.Nil(t, conv.Partial)

	alice, _ := o.GetAgent("alice")
	bob, _ = o.GetAgent("bob")
	assert.Equal(t, "Hi", alice.LastMessage)
	assert.Len(t, alice.ActiveConversation, 1)
	assert.Len(t, bob.ActiveConversation, 1)

	assert.Len(t, rec.byKind(events.KindMessageReceived), 1)
}

func TestRelay_CompleteEndsNaturally(t *testing.T) {
	o, router, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	router.handler.OnComplete(id)
	flush(o)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusCompleted, conv.Status)

	ended := rec.byKind(events.KindConversationEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonNaturalEnd, ended[0].Payload.(events.EndedPayload).Reason)
}

func TestRelay_TransportErrorEndsWithError(t *testing.T) {
	o, router, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	router.handler.OnError(id, "backend crashed", "Sorry, lost my train of thought.")
	flush(o)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusError, conv.Status)

	errs := rec.byKind(events.KindConversationError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(events.ErrorPayload)
	assert.Equal(t, "backend crashed", payload.Reason)
	assert.Equal(t, "Sorry, lost my train of thought.", payload.FallbackMessage)
}

func TestRelay_EventsForEndedConversationDropped(t *testing.T) {
	o, router, _ := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)
	o.EndConversation(id, "")

	router.handler.OnMessage(id, model.Message{SenderID: "alice", Text: "late"})
	flush(o)

	conv, _ := o.GetConversation(id)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, model.StatusCompleted, conv.Status)
}

func TestTick_TimesOutStaleConversation(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	o.call(func() {
		o.store.Get(id).LastActivity = time.Now().Add(-2 * time.Minute)
	})
	tick(o)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusError, conv.Status)

	ended := rec.byKind(events.KindConversationEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonTimeout, ended[0].Payload.(events.EndedPayload).Reason)

	alice, _ := o.GetAgent("alice")
	assert.Equal(t, model.AgentIdle, alice.State)
}

func TestTick_PurgesOldTerminalConversations(t *testing.T) {
	o, _, _ := newTestEngine(t, Config{RetentionWindow: time.Minute})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)
	o.EndConversation(id, "")

	o.call(func() {
		o.store.Get(id).LastActivity = time.Now().Add(-2 * time.Minute)
	})
	tick(o)

	_, found := o.GetConversation(id)
	assert.False(t, found)
}

func TestUnregisterAgent_EndsItsConversations(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	require.True(t, o.UnregisterAgent("alice"))
	assert.False(t, o.UnregisterAgent("alice"))

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusError, conv.Status)

	ended := rec.byKind(events.KindConversationEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonAgentLeft, ended[0].Payload.(events.EndedPayload).Reason)

	bob, _ := o.GetAgent("bob")
	assert.Equal(t, model.AgentIdle, bob.State)
	assert.Empty(t, bob.ConversationPartnerID)
}

func TestUpdateAgent_StateRefusedWhileChatting(t *testing.T) {
	o, _, _ := newTestEngine(t, Config{})
	registerPair(o)

	_, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	moving := model.AgentMoving
	name := "Alice B."
	require.True(t, o.UpdateAgent("alice", AgentUpdate{DisplayName: &name, State: &moving}))

	alice, _ := o.GetAgent("alice")
	assert.Equal(t, "Alice B.", alice.DisplayName)
	assert.Equal(t, model.AgentChatting, alice.State)
}

func TestSyncAgents_PreservesEngineOwnedFields(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)
	o.RegisterAgent(model.Agent{ID: "carol", DisplayName: "Carol"})

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	// Carol disappears; alice and bob survive with new display names.
	o.SyncAgents(map[string]model.Agent{
		"alice": {ID: "alice", DisplayName: "Alice II"},
		"bob":   {ID: "bob", DisplayName: "Bob II"},
	})

	alice, found := o.GetAgent("alice")
	require.True(t, found)
	assert.Equal(t, "Alice II", alice.DisplayName)
	assert.Equal(t, model.AgentChatting, alice.State)
	assert.Equal(t, "bob", alice.ConversationPartnerID)

	_, found = o.GetAgent("carol")
	assert.False(t, found)

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusGenerating, conv.Status)
	assert.Empty(t, rec.byKind(events.KindConversationEnded))
}

func TestSyncAgents_EndsConversationsOfRemovedAgents(t *testing.T) {
	o, _, rec := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	o.SyncAgents(map[string]model.Agent{
		"bob": {ID: "bob", DisplayName: "Bob"},
	})

	conv, _ := o.GetConversation(id)
	assert.Equal(t, model.StatusError, conv.Status)

	ended := rec.byKind(events.KindConversationEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonAgentLeft, ended[0].Payload.(events.EndedPayload).Reason)

	// The surviving partner is released, not left pointing at the removed
	// agent, and can be booked again.
	bob, found := o.GetAgent("bob")
	require.True(t, found)
	assert.Equal(t, model.AgentIdle, bob.State)
	assert.Empty(t, bob.ConversationPartnerID)

	o.RegisterAgent(model.Agent{ID: "carol", DisplayName: "Carol"})
	_, ok = o.RequestConversation("bob", "carol", RequestOptions{})
	assert.True(t, ok)
}

func TestUserInitiatedRequestGetsPriorityBoost(t *testing.T) {
	o, router, _ := newTestEngine(t, Config{MaxConcurrent: 1, UserPriorityBoost: true})
	registerPair(o)
	o.RegisterAgent(model.Agent{ID: "carol", DisplayName: "Carol"})
	o.RegisterAgent(model.Agent{ID: "dave", DisplayName: "Dave"})

	_, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	boosted, ok := o.RequestConversation("carol", "dave", RequestOptions{UserInitiated: true})
	require.True(t, ok)

	tick(o)
	assert.Equal(t, []string{boosted}, router.startedIDs())
}

func TestQueueSnapshot(t *testing.T) {
	o, _, _ := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{Topic: "market", Priority: model.PriorityHigh})
	require.True(t, ok)

	entries := o.QueueSnapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ConversationID)
	assert.Equal(t, "alice", entries[0].InitiatorID)
	assert.Equal(t, "bob", entries[0].TargetID)
	assert.Equal(t, "market", entries[0].Topic)
	assert.Equal(t, model.PriorityHigh, entries[0].Priority)
}

func TestSendMessage(t *testing.T) {
	o, _, _ := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	require.NoError(t, o.SendMessage(id, "alice", "Hi"))

	assert.ErrorIs(t, o.SendMessage(id, "carol", "not mine"), ErrNotAParticipant)
	assert.ErrorIs(t, o.SendMessage("conv-1-missing", "alice", "Hi"), ErrConversationNotActive)

	o.EndConversation(id, "")
	assert.ErrorIs(t, o.SendMessage(id, "alice", "too late"), ErrConversationNotActive)
}

func TestSetTransport(t *testing.T) {
	o, oldRouter, _ := newTestEngine(t, Config{})
	registerPair(o)
	o.RegisterAgent(model.Agent{ID: "carol", DisplayName: "Carol"})
	o.RegisterAgent(model.Agent{ID: "dave", DisplayName: "Dave"})

	active, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)
	require.Equal(t, []string{active}, oldRouter.startedIDs())

	queued, ok := o.RequestConversation("carol", "dave", RequestOptions{})
	require.True(t, ok)

	newRouter := &fakeRouter{}
	o.SetTransport(newRouter)

	// The in-flight conversation was cancelled on the outgoing router.
	oldRouter.mu.Lock()
	cancelled := append([]string(nil), oldRouter.cancelled...)
	oldRouter.mu.Unlock()
	assert.Contains(t, cancelled, active)

	conv, found := o.GetConversation(active)
	require.True(t, found)
	assert.True(t, conv.Status.Terminal())

	// The queued conversation is promoted on the replacement router.
	tick(o)
	assert.Equal(t, []string{queued}, newRouter.startedIDs())
	assert.Len(t, oldRouter.startedIDs(), 1)
}

func TestGetStats(t *testing.T) {
	o, router, _ := newTestEngine(t, Config{})
	registerPair(o)

	id, ok := o.RequestConversation("alice", "bob", RequestOptions{})
	require.True(t, ok)
	tick(o)

	router.handler.OnMessage(id, model.Message{SenderID: "alice", Text: "Hi"})
	router.handler.OnMessage(id, model.Message{SenderID: "bob", Text: "Hello"})
	flush(o)
	o.EndConversation(id, ReasonNaturalEnd)

	stats := o.GetStats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2.0, stats.AverageMessages)
}
