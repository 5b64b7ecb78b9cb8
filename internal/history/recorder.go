package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/metrics"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder forwards alert events to sinks from a single worker so sinks see
// events in the order the engine emitted them. When the queue is full new
// events are dropped rather than blocking the engine.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan alert.Event
	done    chan struct{}
	dropped atomic.Int64
}

func NewRecorder(logger *slog.Logger, queueSize int, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		sinks:   sinks,
		timeout: DefaultSendTimeout,
		logger:  logger,
		queue:   make(chan alert.Event, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) OnAlertEvent(ev alert.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		metrics.IncHistory("dropped")
		r.logger.Warn("history queue full, event dropped", "alert", ev.Alert.ID, "event", ev.Type)
	}
}

// Dropped reports how many events never reached the worker.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := s.Send(ctx, ev)
			cancel()
			if err != nil {
				metrics.IncHistory("error")
				r.logger.Warn("history sink send failed", "alert", ev.Alert.ID, "event", ev.Type, "error", err)
				continue
			}
			metrics.IncHistory("ok")
		}
	}
}

// Close drains queued events and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
