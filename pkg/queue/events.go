package queue

import "time"

// EventType names a job lifecycle transition.
type EventType string

// Job lifecycle events.
const (
	EventQueued  EventType = "queued"
	EventStarted EventType = "started"
	EventRetry   EventType = "retry"
	EventDone    EventType = "done"
	EventFailed  EventType = "failed"
	EventDropped EventType = "dropped"
)

// Event describes one transition of a job.
type Event struct {
	Type EventType
	ID   string

	// Attempt and Wait are set for EventRetry.
	Attempt int
	Wait    time.Duration
	Reason  string

	Err     error
	Elapsed time.Duration
}

// Listener receives events synchronously. It must not block.
type Listener func(Event)

// Subscribe registers l for all future events.
func (q *Queue) Subscribe(l Listener) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Emit delivers e to all listeners. Jobs use it to report retries.
func (q *Queue) Emit(e Event) {
	q.listenersMu.RLock()
	listeners := q.listeners
	q.listenersMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}
