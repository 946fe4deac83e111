package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// DefaultVisibilityTimeout is how long a received MemoryQueue message stays
// invisible before it is redelivered.
const DefaultVisibilityTimeout = 30 * time.Second

// memoryPoll bounds how long Receive sleeps before rechecking visibility.
const memoryPoll = 20 * time.Millisecond

type memItem struct {
	msg       Message
	invisible time.Time
}

// MemoryQueue is an in-process Queue with visibility-timeout redelivery.
//
// Thread Safety: all methods are safe for concurrent use.
type MemoryQueue struct {
	visibility time.Duration
	dead       DeadLetterStore
	now        func() time.Time

	mu      sync.Mutex
	items   []*memItem
	nextID  int
	changed chan struct{}
	closed  bool
}

// NewMemoryQueue creates an empty queue. dead may be nil, in which case
// dead-lettered messages are dropped.
func NewMemoryQueue(visibility time.Duration, dead DeadLetterStore) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		visibility: visibility,
		dead:       dead,
		now:        time.Now,
		changed:    make(chan struct{}),
	}
}

// Enqueue adds a raw body enqueued at the given time.
func (q *MemoryQueue) Enqueue(body []byte, enqueuedAt time.Time) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := strconv.Itoa(q.nextID)
	q.items = append(q.items, &memItem{msg: Message{ID: id, Body: body, EnqueuedAt: enqueuedAt}})
	q.signalLocked()
	return id
}

// EnqueueAlert encodes and enqueues an alert now.
func (q *MemoryQueue) EnqueueAlert(a Alert) (string, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding alert: %w", err)
	}
	return q.Enqueue(body, q.now()), nil
}

// Len returns the number of messages in the queue, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes waiting receivers; later calls fail with ErrQueueClosed.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signalLocked()
}

// signalLocked wakes every waiting Receive. Caller holds q.mu.
func (q *MemoryQueue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Receive implements Queue.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		now := q.now()
		var out []*Message
		for _, it := range q.items {
			if len(out) == max {
				break
			}
			if it.invisible.After(now) {
				continue
			}
			it.invisible = now.Add(q.visibility)
			it.msg.Deliveries++
			m := it.msg
			m.handle = it
			out = append(out, &m)
		}
		changed := q.changed
		q.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(remaining, memoryPoll))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// itemLocked returns the index of the entry behind m, or -1 once it is gone.
// Caller holds q.mu.
func (q *MemoryQueue) itemLocked(m *Message) (int, error) {
	it, ok := m.handle.(*memItem)
	if !ok {
		return -1, ErrForeignMessage
	}
	for i, cur := range q.items {
		if cur == it {
			return i, nil
		}
	}
	return -1, nil
}

// Acknowledge implements Queue. Acknowledging a message twice is a no-op.
func (q *MemoryQueue) Acknowledge(_ context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.itemLocked(m)
	if err != nil || i < 0 {
		return err
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return nil
}

// Release implements Queue.
func (q *MemoryQueue) Release(_ context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.itemLocked(m)
	if err != nil || i < 0 {
		return err
	}
	q.items[i].invisible = time.Time{}
	q.signalLocked()
	return nil
}

// DeadLetter implements Queue.
func (q *MemoryQueue) DeadLetter(ctx context.Context, m *Message, reason string) error {
	if q.dead != nil {
		if err := q.dead.Record(ctx, newDeadLetter(m, reason, q.now())); err != nil {
			return err
		}
	}
	return q.Acknowledge(ctx, m)
}

// newDeadLetter builds the stored form of m, reading device and type from
// the body when it parses.
func newDeadLetter(m *Message, reason string, now time.Time) DeadLetter {
	d := DeadLetter{
		MessageID:      m.ID,
		Body:           string(m.Body),
		Deliveries:     m.Deliveries,
		Reason:         reason,
		EnqueuedAt:     m.EnqueuedAt.UTC(),
		DeadLetteredAt: now.UTC(),
	}
	var a Alert
	if json.Unmarshal(m.Body, &a) == nil {
		d.DeviceID = a.DeviceID
		d.AlertType = a.AlertType
	}
	return d
}
