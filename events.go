package callbridge

import (
	"context"
	"sync"
	"time"

	"github.com/bt-bridge/callbridge/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle event types exposed to persistence/analytics collaborators.
const (
	EventSessionCreated    = "session.created"
	EventStateTransitioned = "session.state_transitioned"
	EventSessionEnded      = "session.ended"
)

// LifecycleEvent describes one observable moment in a call's life.
type LifecycleEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CallID    string    `json:"callId"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	StateFrom string    `json:"stateFrom,omitempty"`
	StateTo   string    `json:"stateTo,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives lifecycle events. Implementations must tolerate concurrent
// calls; slow sinks delay only the emitter worker, never a call session.
type Sink interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

// LogSink writes lifecycle events to the service log.
type LogSink struct {
	Logger shared.LoggerAdapter
}

var _ Sink = (*LogSink)(nil)

func (s *LogSink) Publish(_ context.Context, ev LifecycleEvent) error {
	s.Logger.Info("lifecycle event",
		zap.String("type", ev.Type),
		zap.String("call_id", ev.CallID),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// Emitter fans lifecycle events out to sinks from a background worker so
// publishing never blocks a session's event loop. Events are dropped with a
// warning if the sinks cannot keep up.
type Emitter struct {
	logger shared.LoggerAdapter
	sinks  []Sink
	ch     chan LifecycleEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewEmitter(logger shared.LoggerAdapter, sinks ...Sink) *Emitter {
	e := &Emitter{
		logger: logger,
		sinks:  sinks,
		ch:     make(chan LifecycleEvent, 256),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) run() {
	for ev := range e.ch {
		for _, sink := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Publish(ctx, ev); err != nil {
				e.logger.Warn("publishing lifecycle event",
					zap.String("type", ev.Type),
					zap.String("call_id", ev.CallID),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
	close(e.done)
}

// Emit queues one event. Never blocks; events arriving after Close are
// dropped with a warning rather than lost to a panic.
func (e *Emitter) Emit(evType, callID string, mutate ...func(*LifecycleEvent)) {
	ev := LifecycleEvent{
		ID:        uuid.NewString(),
		Type:      evType,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
	}
	for _, m := range mutate {
		m(&ev)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("lifecycle emitter closed, dropping event",
			zap.String("type", ev.Type),
			zap.String("call_id", ev.CallID),
		)
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.logger.Warn("lifecycle event queue full, dropping event",
			zap.String("type", ev.Type),
			zap.String("call_id", ev.CallID),
		)
	}
}

// Close flushes queued events and stops the worker. Idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	<-e.done
}
