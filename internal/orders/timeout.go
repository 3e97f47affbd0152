package orders

import (
	"container/heap"
	"sync"
	"time"
)

// scheduler fires order acknowledgment deadlines from a min-heap. Deadlines
// for orders that were acknowledged in time are popped and ignored by the
// fire callback, so nothing is ever removed early.
type scheduler struct {
	mu    sync.Mutex
	items deadlineHeap
	fire  func(orderID string)

	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

type deadline struct {
	at      time.Time
	orderID string
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadline)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newScheduler(fire func(orderID string)) *scheduler {
	return &scheduler{
		fire:   fire,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (s *scheduler) start() { go s.loop() }

func (s *scheduler) close() { s.once.Do(func() { close(s.stopCh) }) }

func (s *scheduler) schedule(orderID string, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.items, deadline{at: at, orderID: orderID})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		s.mu.Lock()
		for len(s.items) > 0 {
			next := s.items[0]
			now := time.Now()
			if next.at.After(now) {
				wait = next.at.Sub(now)
				break
			}
			heap.Pop(&s.items)
			s.mu.Unlock()
			s.fire(next.orderID)
			s.mu.Lock()
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
