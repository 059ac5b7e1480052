package scenario

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/timectrl"
)

// Scheduler runs named callbacks once the simulation clock reaches their
// due time. Events due at the same instant run in scheduling order.
type Scheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduled // ordered by due time, earliest first
	index   map[string]*scheduled
}

type scheduled struct {
	id        string
	name      string
	due       time.Time
	run       func()
	cancelled bool
}

// NewScheduler returns a scheduler reading time from clock.
func NewScheduler(clock timectrl.SimClock) *Scheduler {
	return &Scheduler{
		clock: clock,
		index: make(map[string]*scheduled),
	}
}

// Schedule registers run to fire at due and returns an ID for Cancel.
func (s *Scheduler) Schedule(due time.Time, name string, run func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &scheduled{
		id:   fmt.Sprintf("%s-%d", name, s.counter),
		name: name,
		due:  due,
		run:  run,
	}

	// Insert after every event due at or before ev so equal times keep FIFO order.
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].due.After(due)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
	s.index[ev.id] = ev
	return ev.id
}

// Cancel drops a pending event. It reports false for unknown or already
// executed IDs.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.index[id]
	if !ok {
		return false
	}
	ev.cancelled = true
	delete(s.index, id)
	return true
}

// Now returns the clock's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Pending returns the number of events not yet run or cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// RunDue executes every event due at or before Now and returns how many ran.
// Callbacks run without the lock held, so they may schedule further events;
// ones that are already due run in the same call.
func (s *Scheduler) RunDue() int {
	ran := 0
	for {
		ev := s.popDue()
		if ev == nil {
			return ran
		}
		if ev.run != nil {
			ev.run()
		}
		ran++
	}
}

func (s *Scheduler) popDue() *scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.due.After(now) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}
