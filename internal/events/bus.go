package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives every published event, after sequencing. Sinks must not
// block; slow external transports should buffer internally.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus fans events out to subscribers and sinks. Sequence numbers are
// assigned per run under the bus lock, so subscribers on a single run
// always observe strictly increasing Seq values.
type Bus struct {
	mu     sync.Mutex
	seqs   map[string]uint64
	subs   map[int]chan Event
	nextID int
	sinks  []Sink
	logger *zap.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSink mirrors published events to an external sink.
func WithSink(s Sink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		seqs:   make(map[string]uint64),
		subs:   make(map[int]chan Event),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the event's sequence number and timestamp, then fans
// it out. Subscribers with full buffers drop the event rather than
// blocking the pipeline; sink errors are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, ev Event) Event {
	b.mu.Lock()
	b.seqs[ev.RunID]++
	ev.Seq = b.seqs[ev.RunID]
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	metrics := busMetrics()
	metrics.PublishedTotal.WithLabelValues(string(ev.Type)).Inc()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.DroppedTotal.Inc()
			b.logger.Warn("dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("run_id", ev.RunID),
				zap.Uint64("seq", ev.Seq),
			)
		}
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.SinkErrorsTotal.Inc()
			b.logger.Warn("event sink publish failed",
				zap.String("run_id", ev.RunID),
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
	return ev
}

// Subscribe registers a buffered subscription to all events. The
// returned cancel func must be called to release the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
