package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the conversation lifecycle state. Transitions only move forward
// (initializing → generating → streaming → completed), except that any
// non-terminal status may drop to StatusError on timeout, transport failure
// or agent disappearance.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusGenerating   Status = "generating"
	StatusStreaming    Status = "streaming"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Role distinguishes which side of a conversation a participant is on.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Participant is an immutable snapshot of an agent taken at conversation
// creation time, decoupling conversation records from later agent mutations.
type Participant struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// Priority orders queued conversations; higher values dequeue first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// Conversation is the authoritative record of one pairwise dialogue.
type Conversation struct {
	ID           string          `json:"id"`
	Participants [2]Participant  `json:"participants"`
	Status       Status          `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	LastActivity time.Time       `json:"last_activity"`
	Messages     []Message       `json:"messages"`
	Partial      *PartialMessage `json:"partial,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Simulated    bool            `json:"simulated"`
}

// Touch advances the activity clock; staleness detection keys off this.
func (c *Conversation) Touch(now time.Time) {
	if now.After(c.LastActivity) {
		c.LastActivity = now
	}
}

// HasParticipant reports whether the agent is one of the two participants.
func (c *Conversation) HasParticipant(agentID string) bool {
	return c.Participants[0].AgentID == agentID || c.Participants[1].AgentID == agentID
}

// Partner returns the participant opposite the given agent.
func (c *Conversation) Partner(agentID string) (Participant, bool) {
	switch agentID {
	case c.Participants[0].AgentID:
		return c.Participants[1], true
	case c.Participants[1].AgentID:
		return c.Participants[0], true
	}
	return Participant{}, false
}

// Duration is the elapsed time between start and last activity.
func (c *Conversation) Duration() time.Duration {
	return c.LastActivity.Sub(c.StartTime)
}

// conversationIDPattern is the wire-visible id shape: literal "conv-",
// a millisecond timestamp, and a random token.
var conversationIDPattern = regexp.MustCompile(`^conv-\d+-[A-Za-z0-9]+$`)

// NewConversationID generates a globally unique conversation id.
func NewConversationID() string {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("conv-%d-%s", time.Now().UnixMilli(), token)
}

// ValidConversationID reports whether id matches the wire pattern.
func ValidConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}
