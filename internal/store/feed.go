package store

import "sync"

// Feed fans published values out to subscribers. Each subscriber has its own
// goroutine and unbounded queue, so a slow callback never blocks Publish and
// values reach every callback in publish order.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*feedSub[T]
	nextID uint64
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[uint64]*feedSub[T])}
}

type feedSub[T any] struct {
	feed  *Feed[T]
	id    uint64
	match func(T) bool
	fn    func(T)

	mu      sync.Mutex
	queue   []T
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// Subscribe registers fn for every published value accepted by match (nil matches all).
func (f *Feed[T]) Subscribe(match func(T) bool, fn func(T)) Subscription {
	s := &feedSub[T]{
		feed:  f,
		match: match,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.stop()
		return s
	}
	f.nextID++
	s.id = f.nextID
	f.subs[s.id] = s
	f.mu.Unlock()

	go s.run()
	return s
}

// Publish queues v for every matching subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	targets := make([]*feedSub[T], 0, len(f.subs))
	for _, s := range f.subs {
		if s.match == nil || s.match(v) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	for _, s := range targets {
		s.push(v)
	}
}

// Len returns the number of active subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close stops every subscriber. Later subscriptions are inert.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*feedSub[T])
	f.closed = true
	f.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *feedSub[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *feedSub[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(v)
		}
	}
}

func (s *feedSub[T]) stop() {
	s.stopped.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscriber. Values still queued are dropped.
func (s *feedSub[T]) Unsubscribe() {
	s.feed.mu.Lock()
	delete(s.feed.subs, s.id)
	s.feed.mu.Unlock()
	s.stop()
}
