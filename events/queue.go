// Package events provides the outbound event queue for coordination
// alerts. Producers publish, one consumer drains; the bounded buffer
// preserves ordering and surfaces backpressure instead of dropping
// silently or growing without limit.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrQueueFull = errors.New("event queue is full")

// Kind classifies an outbound event.
type Kind string

const (
	KindAllocationCreated    Kind = "allocation_created"
	KindTaskCompleted        Kind = "task_completed"
	KindRebalanceApplied     Kind = "rebalance_applied"
	KindRebalanceRejected    Kind = "rebalance_rejected"
	KindRecoveryPlanned      Kind = "recovery_planned"
	KindDeliveryEscalated    Kind = "delivery_escalated"
	KindNegotiationConcluded Kind = "negotiation_concluded"
	KindConsensusConcluded   Kind = "consensus_concluded"
	KindVoteConcluded        Kind = "vote_concluded"
)

// Event is one coordination alert.
type Event struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	At      time.Time         `json:"at"`
	Subject string            `json:"subject"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Queue is a bounded, ordered event queue.
type Queue struct {
	ch        chan Event
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan Event, size)}
}

// Publish enqueues an event without blocking. When the buffer is full the
// event is counted as dropped and ErrQueueFull is returned, letting the
// producer decide whether to slow down.
func (q *Queue) Publish(ev Event) error {
	if q.closed.Load() {
		return errors.New("event queue is closed")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Events returns the consumer channel. Events arrive in publish order.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Dropped reports how many events were refused due to backpressure.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops the queue. Pending events remain readable until drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}
