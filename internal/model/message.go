package model

import (
	"time"
)

// Message is one completed turn of a conversation. Text is an opaque payload
// supplied by the transport backend or the scripted substitute.
type Message struct {
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// PartialMessage accumulates the in-flight text of a streaming turn.
// RequestID is unique per generation attempt and correlates chunk events.
type PartialMessage struct {
	ConversationID  string `json:"conversation_id"`
	RequestID       string `json:"request_id"`
	AccumulatedText string `json:"accumulated_text"`
	ChunkCount      int    `json:"chunk_count"`
	IsComplete      bool   `json:"is_complete"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name"`
}
