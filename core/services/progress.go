// Package services holds the application services sitting between the
// HTTP layer and the model runtime.
package services

import (
	"sync"
	"time"

	"github.com/loramint/loramint/core/schema"
)

// ProgressRelay carries progress events from a worker goroutine to an
// SSE writer. Progress events are dropped when the consumer falls
// behind; terminal events are never dropped. One relay serves exactly
// one streamed operation.
type ProgressRelay struct {
	events chan schema.ProgressEvent

	once sync.Once
	done chan struct{}
}

// NewProgressRelay builds a relay with the given buffer capacity.
func NewProgressRelay(buffer int) *ProgressRelay {
	if buffer < 1 {
		buffer = 64
	}
	return &ProgressRelay{
		events: make(chan schema.ProgressEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Send enqueues a progress event without blocking. When the buffer is
// full the event is dropped: the trail thins out but the worker never
// stalls on a slow consumer.
func (r *ProgressRelay) Send(ev schema.ProgressEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	default:
	}
}

// SendTerminal enqueues the stream-ending event and closes the relay.
// Blocks until the consumer takes it, unless the relay was already
// closed from the consumer side.
func (r *ProgressRelay) SendTerminal(ev schema.ProgressEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
	r.Close()
}

// Close releases anyone blocked on the relay. Safe to call repeatedly
// and from either side.
func (r *ProgressRelay) Close() {
	r.once.Do(func() { close(r.done) })
}

// Closed reports whether the relay has been closed. Buffered events may
// still be pending.
func (r *ProgressRelay) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// RelayChannel adapts a channel-producing worker to a relay. The
// channel is always drained to the end, so a consumer that goes away
// mid-stream never leaves the worker blocked on a send.
func RelayChannel(events <-chan schema.ProgressEvent, buffer int) *ProgressRelay {
	relay := NewProgressRelay(buffer)
	go func() {
		for ev := range events {
			if ev.Terminal() {
				relay.SendTerminal(ev)
				continue
			}
			relay.Send(ev)
		}
		relay.Close()
	}()
	return relay
}

// Next returns the next event, waiting up to timeout. ok is false on
// timeout and after the relay is closed and drained; check Closed to
// tell the two apart.
func (r *ProgressRelay) Next(timeout time.Duration) (schema.ProgressEvent, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-r.events:
		return ev, true
	case <-r.done:
		// The terminal event may still sit in the buffer.
		select {
		case ev := <-r.events:
			return ev, true
		default:
			return schema.ProgressEvent{}, false
		}
	case <-timer.C:
		return schema.ProgressEvent{}, false
	}
}
