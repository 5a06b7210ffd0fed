package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/pkg/metrics"
)

const (
	// StreamName is the name of the dialogue event stream.
	StreamName = "DIALOGUE"

	// SubjectPrefix is the prefix for all dialogue subjects.
	SubjectPrefix = "dialogue"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the dialogue stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024, // 1GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Dialogue engine event feed mirror",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event kind, e.g.
// "dialogue.conversation.ended" for kind "conversation:ended".
func EventSubject(kind events.Kind) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, strings.ReplaceAll(string(kind), ":", "."))
}

// PublishEvent publishes an engine event to JetStream.
func (m *StreamManager) PublishEvent(ctx context.Context, ev events.Event) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(ev.Kind), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(ack.Sequence))
	return ack.Sequence, nil
}
