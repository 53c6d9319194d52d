package runtime

import (
	"container/heap"
	"context"
	"time"

	"github.com/robertkrimen/otto"
)

type timer struct {
	id       int64
	due      time.Time
	interval time.Duration
	repeat   bool
	fn       otto.Value
	args     []any
	index    int
}

type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].id < q[j].id
	}
	return q[i].due.Before(q[j].due)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// loop is the session's timer queue. It is only touched from the goroutine
// running the session, so it carries no lock.
type loop struct {
	queue  timerQueue
	byID   map[int64]*timer
	nextID int64
	now    func() time.Time
}

func newLoop() *loop {
	return &loop{
		byID: make(map[int64]*timer),
		now:  time.Now,
	}
}

func (l *loop) schedule(fn otto.Value, delay time.Duration, repeat bool, args []any) int64 {
	if delay < 0 {
		delay = 0
	}
	l.nextID++
	t := &timer{
		id:       l.nextID,
		due:      l.now().Add(delay),
		interval: delay,
		repeat:   repeat,
		fn:       fn,
		args:     args,
	}
	heap.Push(&l.queue, t)
	l.byID[t.id] = t
	return t.id
}

func (l *loop) cancel(id int64) {
	t, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	if t.index >= 0 {
		heap.Remove(&l.queue, t.index)
	}
}

func (l *loop) pending() int {
	return len(l.queue)
}

func (l *loop) clear() {
	l.queue = nil
	l.byID = make(map[int64]*timer)
}

// next waits for the earliest timer to become due and pops it. It returns
// nil when the queue is empty, ctx ends or wake fires.
func (l *loop) next(ctx context.Context, wake <-chan struct{}) (*timer, error) {
	if len(l.queue) == 0 {
		return nil, nil
	}
	t := l.queue[0]
	if wait := t.due.Sub(l.now()); wait > 0 {
		tm := time.NewTimer(wait)
		defer tm.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
			return nil, ErrInterrupted
		case <-tm.C:
		}
	}
	heap.Pop(&l.queue)
	if t.repeat {
		interval := max(t.interval, time.Millisecond)
		t.due = l.now().Add(interval)
		heap.Push(&l.queue, t)
	} else {
		delete(l.byID, t.id)
	}
	return t, nil
}
