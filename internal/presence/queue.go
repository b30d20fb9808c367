package presence

import "sync"

// eventQueue is an unbounded FIFO drained by a single dispatcher goroutine,
// so publishers never wait on subscribers.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newEventQueue(deliver func(Event)) *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run(deliver)
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close stops accepting events and waits for the queued ones to be delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *eventQueue) run(deliver func(Event)) {
	defer close(q.done)

	for range q.notify {
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			closed := q.closed
			q.mu.Unlock()

			for _, ev := range batch {
				deliver(ev)
			}

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}
