// Package model defines data structures for the dialogue engine.
package model

// AgentState describes what an agent is currently doing in the world.
type AgentState string

const (
	AgentIdle     AgentState = "idle"
	AgentMoving   AgentState = "moving"
	AgentChatting AgentState = "chatting"
)

// TranscriptCap bounds the per-agent transcript buffer. Oldest entries are
// evicted first.
const TranscriptCap = 20

// Agent represents a simulated entity capable of holding conversations.
// Identity and spatial attributes are owned by the presentation collaborator;
// the engine owns State, ConversationPartnerID, ActiveConversation and
// LastMessage once the agent is registered.
type Agent struct {
	ID                    string     `json:"id"`
	DisplayName           string     `json:"display_name"`
	Bio                   string     `json:"bio,omitempty"`
	State                 AgentState `json:"state"`
	ConversationPartnerID string     `json:"conversation_partner_id,omitempty"`
	ActiveConversation    []Message  `json:"active_conversation,omitempty"`
	LastMessage           string     `json:"last_message,omitempty"`
}

// AppendTranscript appends a message to the agent's bounded transcript,
// evicting the oldest entry once the cap is reached.
func (a *Agent) AppendTranscript(msg Message) {
	a.ActiveConversation = append(a.ActiveConversation, msg)
	if len(a.ActiveConversation) > TranscriptCap {
		a.ActiveConversation = a.ActiveConversation[len(a.ActiveConversation)-TranscriptCap:]
	}
}

// ResetTranscript clears the transcript buffer at conversation start.
func (a *Agent) ResetTranscript() {
	a.ActiveConversation = nil
}

// Release returns the agent to the idle state and clears its conversation
// linkage. Called when a conversation ends for any reason.
func (a *Agent) Release() {
	a.State = AgentIdle
	a.ConversationPartnerID = ""
}
