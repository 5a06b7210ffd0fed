package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/townsim-ai/dialogue-engine/internal/model"
)

// Wire limits for inbound frames. A frame exceeding any of these fails
// validation and is dropped without mutating conversation state.
const (
	maxChunkLen       = 500
	maxChunkIndex     = 1000
	maxAccumulatedLen = 2000
	maxMessageLen     = 2000
	maxErrorLen       = 500
	maxHistoryEntries = 50
)

// FrameType tags each wire frame.
type FrameType string

const (
	// Inbound frame types.
	FrameStreamStart    FrameType = "stream_start"
	FrameChunk          FrameType = "chunk"
	FrameStreamComplete FrameType = "stream_complete"
	FrameStreamError    FrameType = "stream_error"
	FrameCancelled      FrameType = "cancelled"

	// Outbound frame types.
	FrameGenerate FrameType = "generate_request"
	FrameSend     FrameType = "send_message"
	FrameCancel   FrameType = "cancel"
)

// Envelope is the outer shape of every wire frame.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StreamStartFrame announces a new streaming turn.
type StreamStartFrame struct {
	ConversationID  string `json:"conversationId"`
	RequestID       string `json:"requestId"`
	SenderID        string `json:"senderId"`
	SenderName      string `json:"senderName"`
	EstimatedLength int    `json:"estimatedLength,omitempty"`
}

// Validate checks the frame against the wire contract.
func (f *StreamStartFrame) Validate() error {
	if err := validateCorrelation(f.ConversationID, f.RequestID); err != nil {
		return err
	}
	if f.SenderID == "" {
		return errors.New("stream_start: missing senderId")
	}
	return nil
}

// ChunkFrame carries one increment of a streaming turn.
type ChunkFrame struct {
	ConversationID  string `json:"conversationId"`
	RequestID       string `json:"requestId"`
	Chunk           string `json:"chunk"`
	ChunkIndex      int    `json:"chunkIndex"`
	IsComplete      bool   `json:"isComplete"`
	AccumulatedText string `json:"accumulatedText,omitempty"`
}

// Validate checks the frame against the wire contract.
func (f *ChunkFrame) Validate() error {
	if err := validateCorrelation(f.ConversationID, f.RequestID); err != nil {
		return err
	}
	if len(f.Chunk) > maxChunkLen {
		return fmt.Errorf("chunk: chunk exceeds %d bytes", maxChunkLen)
	}
	if f.ChunkIndex < 0 || f.ChunkIndex > maxChunkIndex {
		return fmt.Errorf("chunk: chunkIndex %d out of range", f.ChunkIndex)
	}
	if len(f.AccumulatedText) > maxAccumulatedLen {
		return fmt.Errorf("chunk: accumulatedText exceeds %d bytes", maxAccumulatedLen)
	}
	return nil
}

// FinalMessage is the completed turn carried by a stream_complete frame.
type FinalMessage struct {
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// StreamCompleteFrame finalizes a streaming turn.
type StreamCompleteFrame struct {
	ConversationID string       `json:"conversationId"`
	RequestID      string       `json:"requestId"`
	FinalMessage   FinalMessage `json:"finalMessage"`
	Success        bool         `json:"success"`
	TotalChunks    int          `json:"totalChunks"`
	Duration       int64        `json:"duration,omitempty"`
	MessageHash    string       `json:"messageHash,omitempty"`
}

// Validate checks the frame against the wire contract.
func (f *StreamCompleteFrame) Validate() error {
	if err := validateCorrelation(f.ConversationID, f.RequestID); err != nil {
		return err
	}
	if f.FinalMessage.SenderID == "" {
		return errors.New("stream_complete: missing finalMessage.senderId")
	}
	if len(f.FinalMessage.Text) > maxMessageLen {
		return fmt.Errorf("stream_complete: text exceeds %d bytes", maxMessageLen)
	}
	return nil
}

// ErrorCode classifies backend-reported failures.
type ErrorCode string

const (
	ErrCodeAPI        ErrorCode = "api_error"
	ErrCodeTimeout    ErrorCode = "timeout"
	ErrCodeRateLimit  ErrorCode = "rate_limit"
	ErrCodeValidation ErrorCode = "validation_error"
	ErrCodeUnknown    ErrorCode = "unknown"
)

func (c ErrorCode) valid() bool {
	switch c {
	case ErrCodeAPI, ErrCodeTimeout, ErrCodeRateLimit, ErrCodeValidation, ErrCodeUnknown:
		return true
	}
	return false
}

// StreamErrorFrame reports a backend failure for an in-flight turn.
type StreamErrorFrame struct {
	ConversationID  string    `json:"conversationId"`
	RequestID       string    `json:"requestId"`
	Error           string    `json:"error"`
	ErrorCode       ErrorCode `json:"errorCode"`
	FallbackMessage string    `json:"fallbackMessage,omitempty"`
	CanRetry        bool      `json:"canRetry"`
	RetryAfter      int       `json:"retryAfter,omitempty"`
}

// Validate checks the frame against the wire contract.
func (f *StreamErrorFrame) Validate() error {
	if err := validateCorrelation(f.ConversationID, f.RequestID); err != nil {
		return err
	}
	if len(f.Error) > maxErrorLen {
		return fmt.Errorf("stream_error: error exceeds %d bytes", maxErrorLen)
	}
	if !f.ErrorCode.valid() {
		return fmt.Errorf("stream_error: unknown errorCode %q", f.ErrorCode)
	}
	return nil
}

// CancelReason explains a backend-initiated cancellation.
type CancelReason string

const (
	CancelTimeout        CancelReason = "timeout"
	CancelServerShutdown CancelReason = "server_shutdown"
	CancelRateLimit      CancelReason = "rate_limit"
	CancelUserRequested  CancelReason = "user_cancelled"
)

func (r CancelReason) valid() bool {
	switch r {
	case CancelTimeout, CancelServerShutdown, CancelRateLimit, CancelUserRequested:
		return true
	}
	return false
}

// CancelledFrame acknowledges that the backend stopped work on a turn.
type CancelledFrame struct {
	ConversationID string       `json:"conversationId"`
	RequestID      string       `json:"requestId"`
	Reason         CancelReason `json:"reason"`
}

// Validate checks the frame against the wire contract.
func (f *CancelledFrame) Validate() error {
	if err := validateCorrelation(f.ConversationID, f.RequestID); err != nil {
		return err
	}
	if !f.Reason.valid() {
		return fmt.Errorf("cancelled: unknown reason %q", f.Reason)
	}
	return nil
}

// AgentSnapshot is the capability-limited view of an agent sent to the
// generation backend. Spatial and engine-owned fields never cross the wire.
type AgentSnapshot struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio,omitempty"`
}

// HistoryEntry is one prior turn included in a generation request.
type HistoryEntry struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

// GenerateRequestFrame asks the backend to produce the next turn. Timestamp
// and Nonce are replay-protection fields.
type GenerateRequestFrame struct {
	ConversationID string         `json:"conversationId"`
	AgentA         AgentSnapshot  `json:"agentA"`
	AgentB         AgentSnapshot  `json:"agentB"`
	History        []HistoryEntry `json:"history"`
	Turn           string         `json:"turn"`
	Topic          string         `json:"topic,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Nonce          string         `json:"nonce"`
}

// SendMessageFrame pushes an externally supplied turn to the backend.
type SendMessageFrame struct {
	ConversationID string       `json:"conversationId"`
	Message        FinalMessage `json:"message"`
}

// CancelFrame asks the backend to stop work on a conversation.
type CancelFrame struct {
	ConversationID string       `json:"conversationId"`
	Reason         CancelReason `json:"reason"`
}

func validateCorrelation(conversationID, requestID string) error {
	if !model.ValidConversationID(conversationID) {
		return fmt.Errorf("invalid conversationId %q", conversationID)
	}
	if _, err := uuid.Parse(requestID); err != nil {
		return fmt.Errorf("invalid requestId %q", requestID)
	}
	return nil
}

// marshalEnvelope wraps a typed payload in the outer envelope.
func marshalEnvelope(t FrameType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}
