package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const defaultSubscriberBuffer = 256

var (
	errSlowSubscriber = errors.New("subscriber fell behind")
	errDisconnected   = errors.New("disconnected")
)

// fanout delivers change events to live subscriptions keyed by predicate.
// Publishing never blocks: a subscriber whose buffer is full is dropped with
// a transport error and is expected to reconnect and refetch.
type fanout struct {
	buffer int
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func newFanout(buffer int, logger *slog.Logger) *fanout {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &fanout{
		buffer: buffer,
		logger: logger,
		subs:   map[string]map[*subscription]struct{}{},
	}
}

func (f *fanout) subscribe(ctx context.Context, pred relaysync.Predicate) (*subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{
		owner:  f,
		key:    pred.Key(),
		events: make(chan relaysync.ChangeEvent, f.buffer),
	}
	f.mu.Lock()
	if f.subs[s.key] == nil {
		f.subs[s.key] = map[*subscription]struct{}{}
	}
	f.subs[s.key][s] = struct{}{}
	f.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { s.end(nil) })
	s.mu.Lock()
	s.stop = stop
	ended := s.closed
	s.mu.Unlock()
	if ended {
		stop()
	}
	return s, nil
}

func (f *fanout) publish(ev relaysync.ChangeEvent) {
	key := relaysync.Predicate{Kind: ev.Record.Kind, TopicID: ev.Record.TopicID}.Key()
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs[key]))
	for s := range f.subs[key] {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		if !s.deliver(ev) {
			f.logger.Warn("dropping slow subscriber", "predicate", key)
			s.end(&relaysync.TransportError{Op: "subscription", Err: errSlowSubscriber})
		}
	}
}

func (f *fanout) disconnect(key string, err error) int {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs[key]))
	for s := range f.subs[key] {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.end(err)
	}
	return len(subs)
}

func (f *fanout) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for key := range f.subs {
		out = append(out, key)
	}
	return out
}

func (f *fanout) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}

func (f *fanout) closeAll(err error) {
	f.mu.Lock()
	var subs []*subscription
	for _, set := range f.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.end(err)
	}
}

func (f *fanout) remove(s *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(f.subs, s.key)
		}
	}
}

type subscription struct {
	owner  *fanout
	key    string
	events chan relaysync.ChangeEvent
	stop   func() bool

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *subscription) Events() <-chan relaysync.ChangeEvent {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *subscription) deliver(ev relaysync.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	ev.Record = ev.Record.Clone()
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.owner.remove(s)
}
