// Package store maintains the authoritative table of all conversations:
// queued, active, and recently terminal.
package store

import (
	"time"

	"github.com/townsim-ai/dialogue-engine/internal/model"
)

// Stats summarizes the store contents. Averages are computed only over
// completed conversations.
type Stats struct {
	Total           int           `json:"total"`
	Active          int           `json:"active"`
	Completed       int           `json:"completed"`
	Errored         int           `json:"errored"`
	AverageDuration time.Duration `json:"average_duration"`
	AverageMessages float64       `json:"average_messages"`
}

// Store is a passive table keyed by conversation id. It performs no side
// effects outside its own map; the orchestrator actor is its single owner,
// so it carries no locks.
type Store struct {
	conversations map[string]*model.Conversation
	timeout       time.Duration
}

// New creates a store. Conversations with no activity within timeout are
// flagged by Cleanup.
func New(timeout time.Duration) *Store {
	return &Store{
		conversations: make(map[string]*model.Conversation),
		timeout:       timeout,
	}
}

// Add inserts or replaces a conversation record.
func (s *Store) Add(conv *model.Conversation) {
	s.conversations[conv.ID] = conv
}

// Get returns the conversation with the given id, or nil.
func (s *Store) Get(id string) *model.Conversation {
	return s.conversations[id]
}

// Has reports whether the id is present.
func (s *Store) Has(id string) bool {
	_, ok := s.conversations[id]
	return ok
}

// Remove deletes the conversation with the given id.
func (s *Store) Remove(id string) {
	delete(s.conversations, id)
}

// All returns every conversation currently held.
func (s *Store) All() []*model.Conversation {
	out := make([]*model.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	return out
}

// ActiveCount returns the number of conversations actually running
// (generating or streaming). Conversations still waiting in the queue do
// not occupy a concurrency slot.
func (s *Store) ActiveCount() int {
	count := 0
	for _, conv := range s.conversations {
		if conv.Status == model.StatusGenerating || conv.Status == model.StatusStreaming {
			count++
		}
	}
	return count
}

// ForAgent returns the agent's non-terminal conversations. Admission control
// counts these against the per-agent cap, which deliberately includes
// conversations still waiting in the queue.
func (s *Store) ForAgent(agentID string) []*model.Conversation {
	var out []*model.Conversation
	for _, conv := range s.conversations {
		if !conv.Status.Terminal() && conv.HasParticipant(agentID) {
			out = append(out, conv)
		}
	}
	return out
}

// Cleanup marks every non-terminal conversation whose last activity is older
// than the configured timeout as errored and returns the affected ids. The
// caller runs the side effects of ending them (agent release, transport
// cancellation).
func (s *Store) Cleanup() []string {
	cutoff := time.Now().Add(-s.timeout)

	var stale []string
	for id, conv := range s.conversations {
		if conv.Status.Terminal() {
			continue
		}
		if conv.LastActivity.Before(cutoff) {
			conv.Status = model.StatusError
			stale = append(stale, id)
		}
	}
	return stale
}

// PurgeOld deletes terminal conversations whose last activity exceeds maxAge
// and returns the number removed. Non-terminal conversations are never
// purged, regardless of age.
func (s *Store) PurgeOld(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	purged := 0
	for id, conv := range s.conversations {
		if !conv.Status.Terminal() {
			continue
		}
		if conv.LastActivity.Before(cutoff) {
			delete(s.conversations, id)
			purged++
		}
	}
	return purged
}

// GetStats computes aggregate counters over the current table.
func (s *Store) GetStats() Stats {
	stats := Stats{Total: len(s.conversations)}

	var totalDuration time.Duration
	var totalMessages int
	for _, conv := range s.conversations {
		switch conv.Status {
		case model.StatusCompleted:
			stats.Completed++
			totalDuration += conv.Duration()
			totalMessages += len(conv.Messages)
		case model.StatusError:
			stats.Errored++
		default:
			stats.Active++
		}
	}

	if stats.Completed > 0 {
		stats.AverageDuration = totalDuration / time.Duration(stats.Completed)
		stats.AverageMessages = float64(totalMessages) / float64(stats.Completed)
	}
	return stats
}
