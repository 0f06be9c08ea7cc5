package services

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock abstracts time so retry schedules and rate limits are testable without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type delayedTask struct {
	due   time.Time
	seq   uint64
	key   string
	fn    func()
	index int
}

type taskHeap []*delayedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*delayedTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// DelayQueue holds deferred tasks ordered by due time. Due tasks run when RunDue is called,
// either by the Start loop or directly from tests after advancing a FakeClock.
type DelayQueue struct {
	mu    sync.Mutex
	clock Clock
	tasks taskHeap
	seq   uint64
	wake  chan struct{}
}

func NewDelayQueue(clock Clock) *DelayQueue {
	if clock == nil {
		clock = SystemClock()
	}
	return &DelayQueue{clock: clock, wake: make(chan struct{}, 1)}
}

// Schedule registers fn to run at or after due. key identifies the task for Cancel.
func (q *DelayQueue) Schedule(due time.Time, key string, fn func()) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.tasks, &delayedTask{due: due, seq: q.seq, key: key, fn: fn})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel drops every pending task with the key and reports how many were removed.
func (q *DelayQueue) Cancel(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for i := 0; i < len(q.tasks); {
		if q.tasks[i].key == key {
			heap.Remove(&q.tasks, i)
			removed++
			continue
		}
		i++
	}
	return removed
}

func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// NextDue returns the due time of the earliest task.
func (q *DelayQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return time.Time{}, false
	}
	return q.tasks[0].due, true
}

// RunDue runs every task whose due time has passed, in due order, and returns how many ran.
// Tasks run outside the lock so they may schedule follow-ups.
func (q *DelayQueue) RunDue() int {
	now := q.clock.Now()
	var ready []*delayedTask
	q.mu.Lock()
	for len(q.tasks) > 0 && !q.tasks[0].due.After(now) {
		ready = append(ready, heap.Pop(&q.tasks).(*delayedTask))
	}
	q.mu.Unlock()
	for _, t := range ready {
		t.fn()
	}
	return len(ready)
}

// Start polls the queue every interval (or sooner when a task is scheduled) until ctx is done.
func (q *DelayQueue) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.RunDue()
		case <-q.wake:
			q.RunDue()
		}
	}
}
