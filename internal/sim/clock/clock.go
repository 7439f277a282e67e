package clock

import (
	"container/heap"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Manual is a test clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual { return &Manual{now: start} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

type Handle uint64

type timer struct {
	id       Handle
	due      time.Time
	interval time.Duration
	order    uint64
	fn       func(now time.Time)
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].order < h[j].order
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler fires callbacks in due-time order when RunDue is called. It owns
// no goroutine; the run loop drives it.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	timers timerHeap
	byID   map[Handle]*timer
	nextID Handle
	order  uint64
}

func NewScheduler(c Clock) *Scheduler {
	if c == nil {
		c = Real{}
	}
	return &Scheduler{clock: c, byID: map[Handle]*timer{}}
}

func (s *Scheduler) Clock() Clock { return s.clock }

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule registers a recurring callback; the first run is one interval from now.
func (s *Scheduler) Schedule(interval time.Duration, fn func(now time.Time)) Handle {
	if interval <= 0 || fn == nil {
		return 0
	}
	return s.add(s.clock.Now().Add(interval), interval, fn)
}

// After registers a one-shot callback.
func (s *Scheduler) After(d time.Duration, fn func(now time.Time)) Handle {
	if fn == nil {
		return 0
	}
	if d < 0 {
		d = 0
	}
	return s.add(s.clock.Now().Add(d), 0, fn)
}

func (s *Scheduler) add(due time.Time, interval time.Duration, fn func(time.Time)) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.order++
	t := &timer{id: s.nextID, due: due, interval: interval, order: s.order, fn: fn}
	heap.Push(&s.timers, t)
	s.byID[t.id] = t
	return t.id
}

func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[h]
	if !ok {
		return false
	}
	delete(s.byID, h)
	if t.index >= 0 {
		heap.Remove(&s.timers, t.index)
	}
	return true
}

// CancelAll drops every pending timer.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	s.timers = nil
	s.byID = map[Handle]*timer{}
	s.mu.Unlock()
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// NextDue reports the earliest pending due time.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].due, true
}

// RunDue fires every callback due at or before now, oldest first. Recurring
// timers that fell behind fire once per missed interval. Callbacks receive
// their scheduled time, not the wall time. wrap, if non-nil, runs around each
// callback so the caller can isolate panics.
func (s *Scheduler) RunDue(now time.Time, wrap func(fn func())) int {
	fired := 0
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].due.After(now) {
			s.mu.Unlock()
			return fired
		}
		t := heap.Pop(&s.timers).(*timer)
		due := t.due
		if t.interval > 0 {
			t.due = t.due.Add(t.interval)
			s.order++
			t.order = s.order
			heap.Push(&s.timers, t)
		} else {
			delete(s.byID, t.id)
		}
		fn := t.fn
		s.mu.Unlock()

		fired++
		if wrap != nil {
			wrap(func() { fn(due) })
		} else {
			fn(due)
		}
	}
}
