package realtime

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/iliyamo/seatmap-sync/internal/model"
)

// PushResult describes what happened to one pushed event.
type PushResult struct {
	Accepted  bool // false for duplicates
	Duplicate bool
	Dropped   int // oldest events evicted to make room
	Len       int // queue length after the push
}

// EventQueue is a bounded FIFO of sync events. When full it drops the
// oldest entries: clients care about fresh seat state more than about
// every intermediate step. With dedup enabled, an id seen within the
// window is rejected.
type EventQueue struct {
	mu   sync.Mutex
	buf  []model.SyncEvent
	head int
	size int

	dedup  bool
	window time.Duration
	seen   *expiremap.ExpireMap[string, int64]
	now    func() time.Time
}

// NewEventQueue allocates a queue holding at most max events. window <= 0
// disables deduplication.
func NewEventQueue(max int, window time.Duration) *EventQueue {
	if max < 1 {
		max = 1
	}
	q := &EventQueue{
		buf:    make([]model.SyncEvent, max),
		window: window,
		now:    time.Now,
	}
	if window > 0 {
		q.dedup = true
		q.seen = expiremap.NewEx[string, int64](cullInterval(window), window)
	}
	return q
}

func cullInterval(window time.Duration) time.Duration {
	if c := window / 6; c > time.Second {
		return c
	}
	return time.Second
}

// Push appends ev, evicting the oldest event when the queue is full.
func (q *EventQueue) Push(ev model.SyncEvent) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dedup && ev.ID != "" {
		now := q.now()
		if at, ok := q.seen.Load(ev.ID); ok && now.Sub(time.Unix(0, *at)) < q.window {
			return PushResult{Duplicate: true, Len: q.size}
		}
		q.seen.Set(ev.ID, now.UnixNano())
	}

	res := PushResult{Accepted: true}
	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = model.SyncEvent{}
		q.head = (q.head + 1) % capacity
		q.size--
		res.Dropped = 1
	}
	q.buf[(q.head+q.size)%capacity] = ev
	q.size++
	res.Len = q.size
	return res
}

// Drain removes and returns up to n events in arrival order.
func (q *EventQueue) Drain(n int) []model.SyncEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	if n <= 0 {
		return nil
	}
	capacity := len(q.buf)
	out := make([]model.SyncEvent, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = model.SyncEvent{}
		q.head = (q.head + 1) % capacity
	}
	q.size -= n
	return out
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the maximum queue length.
func (q *EventQueue) Cap() int { return len(q.buf) }
