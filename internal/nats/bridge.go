package nats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/events"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// bridgeBufferSize bounds the publish backlog. Bus handlers run on the
// engine goroutine, so the bridge must never block there; a full buffer
// sheds events instead.
const bridgeBufferSize = 256

// Bridge forwards engine events to the JetStream mirror on its own
// goroutine.
type Bridge struct {
	streams     *StreamManager
	logger      *logger.Logger
	buf         chan events.Event
	unsubscribe func()
	done        chan struct{}
}

// NewBridge subscribes to the bus and starts the publish loop.
func NewBridge(bus *events.Bus, streams *StreamManager, log *logger.Logger) *Bridge {
	b := &Bridge{
		streams: streams,
		logger:  log,
		buf:     make(chan events.Event, bridgeBufferSize),
		done:    make(chan struct{}),
	}

	b.unsubscribe = bus.SubscribeAll(func(ev events.Event) {
		select {
		case b.buf <- ev:
		default:
			log.Warn("NATS bridge buffer full, dropping event",
				zap.String("kind", string(ev.Kind)),
			)
		}
	})

	go b.run()
	return b
}

func (b *Bridge) run() {
	defer close(b.done)
	for ev := range b.buf {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := b.streams.PublishEvent(ctx, ev); err != nil {
			b.logger.Error("failed to mirror event to NATS",
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close detaches from the bus and drains pending events.
func (b *Bridge) Close() {
	b.unsubscribe()
	close(b.buf)
	<-b.done
}
