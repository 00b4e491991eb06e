package stream

import "sync"

// eventQueue buffers relay events for one SSE client. Turn updates carry the full text so far,
// so a queued update is replaced by the next one for the same turn. Other events are never
// dropped: when they cannot be queued the queue overflows and the stream is ended.
type eventQueue struct {
	mu       sync.Mutex
	events   []namedEvent
	limit    int
	ready    chan struct{}
	overflow chan struct{}
	once     sync.Once
}

func newEventQueue(limit int) *eventQueue {
	return &eventQueue{
		limit:    limit,
		ready:    make(chan struct{}, 1),
		overflow: make(chan struct{}),
	}
}

// push never blocks. It reports false once the queue has overflowed.
func (q *eventQueue) push(ev namedEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.overflow:
		return false
	default:
	}

	if isUpdate(ev) {
		for i := len(q.events) - 1; i >= 0; i-- {
			if isUpdate(q.events[i]) && q.events[i].data.TurnID == ev.data.TurnID {
				q.events[i] = ev
				return true
			}
		}
	}

	if len(q.events) >= q.limit {
		q.once.Do(func() { close(q.overflow) })
		return false
	}
	q.events = append(q.events, ev)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// take returns every queued event in order.
func (q *eventQueue) take() []namedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Ready is signalled when events are queued.
func (q *eventQueue) Ready() <-chan struct{} { return q.ready }

// Overflow is closed when an event had to be refused.
func (q *eventQueue) Overflow() <-chan struct{} { return q.overflow }

func isUpdate(ev namedEvent) bool {
	return ev.name == "turn" && ev.data.Kind == "updated"
}
