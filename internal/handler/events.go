package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
	"github.com/townsim-ai/dialogue-engine/pkg/metrics"
)

// eventBufferSize bounds the per-client backlog. A client that falls this
// far behind starts losing events rather than blocking the engine.
const eventBufferSize = 64

// EventHandler streams the engine event feed over SSE.
type EventHandler struct {
	bus    *events.Bus
	logger *logger.Logger
}

// NewEventHandler creates a new event stream handler.
func NewEventHandler(bus *events.Bus, log *logger.Logger) *EventHandler {
	return &EventHandler{
		bus:    bus,
		logger: log,
	}
}

type sseFrame struct {
	event string
	data  []byte
}

// Stream handles GET /api/v1/events
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// Bus handlers run on the engine goroutine, so the subscription must
	// marshal and hand off without blocking. A full buffer drops the event
	// for this client only.
	frames := make(chan sseFrame, eventBufferSize)

	unsubscribe := h.bus.SubscribeAll(func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to marshal event", zap.Error(err))
			return
		}
		select {
		case frames <- sseFrame{event: string(ev.Kind), data: data}:
		default:
			metrics.SSEEventsDropped.Inc()
		}
	})
	defer unsubscribe()

	sendSSEEvent(w, flusher, "connected", []byte(`{"status":"connected"}`))

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected")
			return

		case frame := <-frames:
			sendSSEEvent(w, flusher, frame.event, frame.data)

		case <-heartbeat.C:
			data, _ := json.Marshal(map[string]interface{}{
				"timestamp": time.Now(),
			})
			sendSSEEvent(w, flusher, "heartbeat", data)
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
