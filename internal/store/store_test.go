package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/townsim-ai/dialogue-engine/internal/model"
)

func conv(id string, status model.Status, a, b string) *model.Conversation {
	now := time.Now()
	return &model.Conversation{
		ID: id,
		Participants: [2]model.Participant{
			{AgentID: a, Role: model.RoleInitiator},
			{AgentID: b, Role: model.RoleResponder},
		},
		Status:       status,
		StartTime:    now,
		LastActivity: now,
	}
}

func TestAddGetRemove(t *testing.T) {
	s := New(time.Minute)
	c := conv("conv-1-a", model.StatusInitializing, "alice", "bob")

	s.Add(c)
	assert.True(t, s.Has(c.ID))
	assert.Same(t, c, s.Get(c.ID))

	s.Remove(c.ID)
	assert.False(t, s.Has(c.ID))
	assert.Nil(t, s.Get(c.ID))
}

func TestActiveCount_CountsOnlyRunning(t *testing.T) {
	s := New(time.Minute)
	s.Add(conv("conv-1-a", model.StatusInitializing, "a", "b"))
	s.Add(conv("conv-2-b", model.StatusGenerating, "c", "d"))
	s.Add(conv("conv-3-c", model.StatusStreaming, "e", "f"))
	s.Add(conv("conv-4-d", model.StatusCompleted, "g", "h"))
	s.Add(conv("conv-5-e", model.StatusError, "i", "j"))

	assert.Equal(t, 2, s.ActiveCount())
}

func TestForAgent_ExcludesTerminal(t *testing.T) {
	s := New(time.Minute)
	s.Add(conv("conv-1-a", model.StatusInitializing, "alice", "bob"))
	s.Add(conv("conv-2-b", model.StatusGenerating, "alice", "carol"))
	s.Add(conv("conv-3-c", model.StatusCompleted, "alice", "dave"))
	s.Add(conv("conv-4-d", model.StatusStreaming, "bob", "carol"))

	assert.Len(t, s.ForAgent("alice"), 2)
	assert.Len(t, s.ForAgent("bob"), 2)
	assert.Len(t, s.ForAgent("dave"), 0)
}

func TestCleanup_MarksStaleAsError(t *testing.T) {
	s := New(time.Minute)

	stale := conv("conv-1-a", model.StatusStreaming, "a", "b")
	stale.LastActivity = time.Now().Add(-2 * time.Minute)
	fresh := conv("conv-2-b", model.StatusStreaming, "c", "d")
	done := conv("conv-3-c", model.StatusCompleted, "e", "f")
	done.LastActivity = time.Now().Add(-2 * time.Minute)

	s.Add(stale)
	s.Add(fresh)
	s.Add(done)

	ids := s.Cleanup()
	require.Len(t, ids, 1)
	assert.Equal(t, stale.ID, ids[0])
	assert.Equal(t, model.StatusError, stale.Status)

	assert.Equal(t, model.StatusStreaming, fresh.Status)
	assert.Equal(t, model.StatusCompleted, done.Status)
}

func TestPurgeOld_TerminalOnly(t *testing.T) {
	s := New(time.Minute)

	oldDone := conv("conv-1-a", model.StatusCompleted, "a", "b")
	oldDone.LastActivity = time.Now().Add(-10 * time.Minute)
	oldErr := conv("conv-2-b", model.StatusError, "c", "d")
	oldErr.LastActivity = time.Now().Add(-10 * time.Minute)
	oldLive := conv("conv-3-c", model.StatusStreaming, "e", "f")
	oldLive.LastActivity = time.Now().Add(-10 * time.Minute)
	recentDone := conv("conv-4-d", model.StatusCompleted, "g", "h")

	s.Add(oldDone)
	s.Add(oldErr)
	s.Add(oldLive)
	s.Add(recentDone)

	assert.Equal(t, 2, s.PurgeOld(5*time.Minute))
	assert.False(t, s.Has(oldDone.ID))
	assert.False(t, s.Has(oldErr.ID))
	assert.True(t, s.Has(oldLive.ID))
	assert.True(t, s.Has(recentDone.ID))
}

func TestGetStats(t *testing.T) {
	s := New(time.Minute)

	done := conv("conv-1-a", model.StatusCompleted, "a", "b")
	done.StartTime = time.Now().Add(-10 * time.Second)
	done.LastActivity = done.StartTime.Add(4 * time.Second)
	done.Messages = []model.Message{{Text: "hi"}, {Text: "hello"}}

	done2 := conv("conv-2-b", model.StatusCompleted, "c", "d")
	done2.StartTime = time.Now().Add(-10 * time.Second)
	done2.LastActivity = done2.StartTime.Add(2 * time.Second)
	done2.Messages = []model.Message{{Text: "hey"}, {Text: "yo"}, {Text: "bye"}, {Text: "later"}}

	s.Add(done)
	s.Add(done2)
	s.Add(conv("conv-3-c", model.StatusStreaming, "e", "f"))
	s.Add(conv("conv-4-d", model.StatusError, "g", "h"))

	stats := s.GetStats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Errored)
	assert.Equal(t, 3*time.Second, stats.AverageDuration)
	assert.Equal(t, 3.0, stats.AverageMessages)
}

func TestGetStats_Empty(t *testing.T) {
	s := New(time.Minute)
	stats := s.GetStats()
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.AverageDuration)
	assert.Zero(t, stats.AverageMessages)
}
