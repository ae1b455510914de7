package engine

import "sync"

// EventType distinguishes the work items of the Run loop.
type EventType int

const (
	// EventPush runs one push pass over all push mappings.
	EventPush EventType = iota + 1
	// EventPull runs one pull pass: updated records, deleted records and
	// the pull queue.
	EventPull
	// EventReload reloads the mapping definitions from the mappings dir.
	EventReload
)

func (t EventType) String() string {
	switch t {
	case EventPush:
		return "push"
	case EventPull:
		return "pull"
	case EventReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the Run loop.
type Event struct {
	Type EventType
	// Path is the file that triggered a reload, if any.
	Path string
}

// eventQueue is a FIFO of pending events with a coalescing wake-up
// signal. Consecutive duplicates are dropped so a burst of file events
// or a slow tick does not stack identical passes.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. It returns false once the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if n := len(q.events); n > 0 && q.events[n-1].Type == e.Type {
		return true
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that fires when events may be available.
// It is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes any waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
