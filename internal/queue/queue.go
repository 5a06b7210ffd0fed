// Package queue holds conversation requests awaiting a scheduling slot.
package queue

import (
	"time"

	"github.com/townsim-ai/dialogue-engine/internal/model"
)

// Item wraps a queued conversation. Priority lives on the queue entry, not
// on the conversation itself.
type Item struct {
	Conversation *model.Conversation
	Priority     model.Priority
	QueuedAt     time.Time
}

// PriorityQueue orders pending conversations by priority, FIFO within each
// priority band. It is a passive data structure: the orchestrator actor is
// its only owner, so it carries no locks.
type PriorityQueue struct {
	items []Item
}

// New creates an empty queue.
func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue inserts the conversation before the first entry with strictly
// lower priority, placing it behind every entry of equal or higher priority.
func (q *PriorityQueue) Enqueue(conv *model.Conversation, priority model.Priority) {
	q.insert(Item{Conversation: conv, Priority: priority, QueuedAt: time.Now()})
}

func (q *PriorityQueue) insert(item Item) {
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.Priority < item.Priority {
			pos = i
			break
		}
	}

	q.items = append(q.items, Item{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// Dequeue removes and returns the highest-priority conversation, or nil when
// the queue is empty.
func (q *PriorityQueue) Dequeue() *model.Conversation {
	if len(q.items) == 0 {
		return nil
	}
	conv := q.items[0].Conversation
	q.items = q.items[1:]
	return conv
}

// Peek returns the next conversation without removing it.
func (q *PriorityQueue) Peek() *model.Conversation {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].Conversation
}

// Remove deletes the conversation with the given id. Returns false if the id
// is not queued.
func (q *PriorityQueue) Remove(id string) bool {
	for i, item := range q.items {
		if item.Conversation.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// BoostPriority raises a queued conversation's priority by delta. The entry
// re-enters at the back of its new priority band. Returns false if the id is
// not queued.
func (q *PriorityQueue) BoostPriority(id string, delta model.Priority) bool {
	for i, item := range q.items {
		if item.Conversation.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			item.Priority += delta
			q.insert(item)
			return true
		}
	}
	return false
}

// Size returns the number of queued conversations.
func (q *PriorityQueue) Size() int {
	return len(q.items)
}

// Entries returns a copy of the queue contents in dispatch order.
func (q *PriorityQueue) Entries() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Position returns the zero-based queue position of the given id, or -1.
func (q *PriorityQueue) Position(id string) int {
	for i, item := range q.items {
		if item.Conversation.ID == id {
			return i
		}
	}
	return -1
}

// WaitTime returns how long the given conversation has been queued, or 0 if
// it is not queued.
func (q *PriorityQueue) WaitTime(id string) time.Duration {
	for _, item := range q.items {
		if item.Conversation.ID == id {
			return time.Since(item.QueuedAt)
		}
	}
	return 0
}
