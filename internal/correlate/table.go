// Package correlate matches inbound replies to outstanding requests by key.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout reports a record that expired before a reply arrived.
	ErrTimeout = errors.New("correlation timeout")
	// ErrClosed reports a record removed because its table shut down.
	ErrClosed = errors.New("correlation table closed")
	// ErrCollision reports a key whose queue of outstanding records is full.
	ErrCollision = errors.New("correlation collision")
)

// Pending is one outstanding request. It is resolved, cancelled or expired
// exactly once, and leaves the table at that moment.
type Pending[V any] struct {
	Seq       uint64
	Key       string
	Owner     string
	CreatedAt time.Time

	table *Table[V]
	done  chan outcome[V]
}

type outcome[V any] struct {
	value V
	err   error
}

// Table holds outstanding records grouped per key. Records under one key are
// resolved oldest first.
type Table[V any] struct {
	maxPerKey int
	now       func() time.Time

	mu     sync.Mutex
	seq    uint64
	queues map[string][]*Pending[V]
	closed error
}

// New returns a table allowing at most maxPerKey outstanding records per key.
// A non-positive limit means unbounded.
func New[V any](maxPerKey int) *Table[V] {
	return &Table[V]{
		maxPerKey: maxPerKey,
		now:       time.Now,
		queues:    make(map[string][]*Pending[V]),
	}
}

// Register adds a record for key owned by owner.
func (t *Table[V]) Register(key string, owner string) (*Pending[V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	queue := t.queues[key]
	if t.maxPerKey > 0 && len(queue) >= t.maxPerKey {
		return nil, ErrCollision
	}

	t.seq++
	p := &Pending[V]{
		Seq:       t.seq,
		Key:       key,
		Owner:     owner,
		CreatedAt: t.now(),
		table:     t,
		done:      make(chan outcome[V], 1),
	}
	t.queues[key] = append(queue, p)
	return p, nil
}

// Resolve delivers value to the oldest record for key. It reports false when
// no record is waiting on key.
func (t *Table[V]) Resolve(key string, value V) bool {
	t.mu.Lock()
	queue := t.queues[key]
	if len(queue) == 0 {
		t.mu.Unlock()
		return false
	}
	p := queue[0]
	t.removeLocked(p)
	t.mu.Unlock()

	p.done <- outcome[V]{value: value}
	return true
}

// Cancel removes p with err. It reports false when p already left the table.
func (t *Table[V]) Cancel(p *Pending[V], err error) bool {
	t.mu.Lock()
	removed := t.removeLocked(p)
	t.mu.Unlock()

	if removed {
		p.done <- outcome[V]{err: err}
	}
	return removed
}

// CancelOwner removes every record owned by owner and returns how many it
// removed.
func (t *Table[V]) CancelOwner(owner string, err error) int {
	t.mu.Lock()
	var victims []*Pending[V]
	for _, queue := range t.queues {
		for _, p := range queue {
			if p.Owner == owner {
				victims = append(victims, p)
			}
		}
	}
	for _, p := range victims {
		t.removeLocked(p)
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.done <- outcome[V]{err: err}
	}
	return len(victims)
}

// Close fails every outstanding record with err and rejects later
// registrations.
func (t *Table[V]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return
	}
	t.closed = err
	var victims []*Pending[V]
	for _, queue := range t.queues {
		victims = append(victims, queue...)
	}
	t.queues = make(map[string][]*Pending[V])
	t.mu.Unlock()

	for _, p := range victims {
		p.done <- outcome[V]{err: err}
	}
}

// Len returns the number of outstanding records.
func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, queue := range t.queues {
		n += len(queue)
	}
	return n
}

// Waiting reports whether any record is outstanding for key.
func (t *Table[V]) Waiting(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[key]) > 0
}

func (t *Table[V]) removeLocked(p *Pending[V]) bool {
	queue := t.queues[p.Key]
	for i, candidate := range queue {
		if candidate != p {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(t.queues, p.Key)
		} else {
			t.queues[p.Key] = queue
		}
		return true
	}
	return false
}

// Wait blocks until p is resolved, timeout elapses or ctx ends. A resolution
// that races with expiry wins.
func (p *Pending[V]) Wait(ctx context.Context, timeout time.Duration) (V, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.value, out.err
	case <-timer.C:
		p.table.Cancel(p, ErrTimeout)
	case <-ctx.Done():
		p.table.Cancel(p, ctx.Err())
	}

	out := <-p.done
	return out.value, out.err
}
