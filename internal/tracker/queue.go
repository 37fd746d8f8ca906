package tracker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("notification queue closed")

// Source says which path observed the record that paid an invoice.
type Source string

const (
	SourcePoll      Source = "poll"
	SourcePush      Source = "push"
	SourceFinalScan Source = "final-scan"
)

// Event announces a paid invoice. Invoice is a complete snapshot taken at the
// moment of the paid transition.
type Event struct {
	ID         string
	Invoice    Invoice
	Rule       Rule
	Source     Source
	EnqueuedAt time.Time
}

// NotificationQueue is an unbounded queue with a single consumer. Push never
// blocks; Next blocks until an event arrives, ctx is done, or the queue is
// closed and drained.
type NotificationQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

// NewNotificationQueue creates an empty queue.
func NewNotificationQueue() *NotificationQueue {
	return &NotificationQueue{signal: make(chan struct{}, 1)}
}

// Push appends an event. Events pushed after Close are dropped and false is
// returned.
func (q *NotificationQueue) Push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	q.wake()
	return true
}

func (q *NotificationQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Redeliver puts an event taken by Next back at the head of the queue, for
// consumers that failed to hand it on. It works after Close so nothing
// already accepted is lost.
func (q *NotificationQueue) Redeliver(ev Event) {
	q.mu.Lock()
	q.events = append([]Event{ev}, q.events...)
	q.mu.Unlock()

	q.wake()
}

// Next removes and returns the oldest event.
func (q *NotificationQueue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events[0] = Event{}
			q.events = q.events[1:]
			more := len(q.events) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Event{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Close stops accepting events and wakes a waiting consumer. Events already
// queued can still be drained.
func (q *NotificationQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of queued events.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
