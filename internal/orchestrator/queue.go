package orchestrator

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/sse"
)

// queueCapacity bounds the in-memory event buffer between the turn loop and
// the SSE drainer.
const queueCapacity = 256

// eventQueue decouples upstream consumption from downstream SSE writes. The
// turn loop pushes without ever blocking; a drainer goroutine pops and
// writes. When the buffer is full, the oldest buffered delta is dropped —
// tool_call, tool_result, error and done are never dropped.
type eventQueue struct {
	mu     sync.Mutex
	buf    []sse.Event
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newEventQueue(writer *sse.Writer) *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.drain(writer)
	return q
}

// push enqueues an event, shedding buffered deltas under pressure.
func (q *eventQueue) push(evt sse.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.buf) >= queueCapacity {
		if !q.dropOldestDelta() && evt.Name == sse.EventDelta {
			// Nothing sheddable and the newcomer is itself a delta: drop it.
			q.mu.Unlock()
			return
		}
	}
	q.buf = append(q.buf, evt)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dropOldestDelta removes the first buffered delta. Must hold q.mu.
func (q *eventQueue) dropOldestDelta() bool {
	for i, evt := range q.buf {
		if evt.Name == sse.EventDelta {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			log.Debug().Msg("slow SSE consumer, dropped buffered delta")
			return true
		}
	}
	return false
}

// close marks the stream finished; drain exits once the buffer empties.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// wait blocks until the drainer has written everything.
func (q *eventQueue) wait() {
	<-q.done
}

func (q *eventQueue) drain(writer *sse.Writer) {
	defer close(q.done)
	dead := false
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.notify
			continue
		}
		evt := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		if dead {
			continue
		}
		if err := writer.Send(evt); err != nil {
			// Client went away; keep consuming so the producer never blocks.
			log.Debug().Err(err).Msg("SSE write failed, draining remaining events")
			dead = true
		}
	}
}
