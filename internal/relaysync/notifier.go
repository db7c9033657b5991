package relaysync

import (
	"sync"
)

// notifier delivers the latest value to fn on its own goroutine, coalescing
// bursts so a slow consumer only sees the most recent state.
type notifier[T any] struct {
	fn      func(T)
	mu      sync.Mutex
	latest  T
	pending bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newNotifier[T any](fn func(T)) *notifier[T] {
	n := &notifier[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier[T]) publish(v T) {
	n.mu.Lock()
	n.latest = v
	n.pending = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier[T]) run() {
	defer close(n.done)
	for {
		select {
		case <-n.stop:
			return
		case <-n.wake:
		}
		n.mu.Lock()
		v, ok := n.latest, n.pending
		n.pending = false
		n.mu.Unlock()
		if ok {
			n.fn(v)
		}
	}
}

// close stops delivery. It does not wait when called from fn itself.
func (n *notifier[T]) close(wait bool) {
	n.once.Do(func() {
		close(n.stop)
	})
	if wait {
		<-n.done
	}
}
