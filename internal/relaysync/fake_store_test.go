package relaysync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var testTopic = Predicate{Kind: KindMessage, TopicID: "chat-1"}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// rec builds a confirmed message in testTopic created n seconds after testEpoch.
func rec(id string, n int, text string) Record {
	return Record{
		ID:        id,
		TopicID:   testTopic.TopicID,
		Kind:      testTopic.Kind,
		CreatedAt: testEpoch.Add(time.Duration(n) * time.Second),
		Revision:  1,
		Payload:   Payload{FieldText: text, FieldSenderID: "u1"},
	}
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

// fakeStore is an in-memory Store whose reads, writes and subscriptions can
// be held, failed or severed by the test.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]Record
	rev     int64
	seq     int

	fetchErr   error
	fetchGate  chan struct{}
	fetches    int
	writeErr   error
	writeGate  chan struct{}
	subErr     error
	subs       []*fakeSub
	subscribes int
	marked     []string
}

func newFakeStore(records ...Record) *fakeStore {
	s := &fakeStore{records: map[string]Record{}}
	for _, r := range records {
		s.records[r.ID] = r.Clone()
		if r.Revision > s.rev {
			s.rev = r.Revision
		}
	}
	return s
}

func (s *fakeStore) Fetch(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	s.fetches++
	gate, err := s.fetchGate, s.fetchErr
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if q.Predicate.Matches(r) && !r.Deleted {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[j].SortKey().Less(out[i].SortKey())
		}
		return out[i].SortKey().Less(out[j].SortKey())
	})
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fakeStore) waitWrite(ctx context.Context) error {
	s.mu.Lock()
	gate, err := s.writeGate, s.writeErr
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *fakeStore) Insert(ctx context.Context, r Record) (Record, error) {
	if err := s.waitWrite(ctx); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	for _, existing := range s.records {
		if r.IdempotencyToken != "" && existing.IdempotencyToken == r.IdempotencyToken {
			s.mu.Unlock()
			return existing.Clone(), nil
		}
	}
	s.seq++
	s.rev++
	out := r.Clone()
	out.ID = fmt.Sprintf("s%d", s.seq)
	out.CreatedAt = testEpoch.Add(time.Hour + time.Duration(s.seq)*time.Second)
	out.Revision = s.rev
	out.State = ""
	s.records[out.ID] = out
	s.mu.Unlock()
	s.Push(EventInsert, out)
	return out.Clone(), nil
}

func (s *fakeStore) Update(ctx context.Context, kind Kind, id string, patch Payload) (Record, error) {
	if err := s.waitWrite(ctx); err != nil {
		return Record{}, err
	}
	out, err := s.Edit(id, patch)
	if err != nil {
		return Record{}, err
	}
	s.Push(EventUpdate, out)
	return out, nil
}

func (s *fakeStore) Delete(ctx context.Context, kind Kind, id string) (Record, error) {
	if err := s.waitWrite(ctx); err != nil {
		return Record{}, err
	}
	out, err := s.Remove(id)
	if err != nil {
		return Record{}, err
	}
	s.Push(EventDelete, out)
	return out, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, kind Kind, ids []string, at time.Time) ([]Record, error) {
	if err := s.waitWrite(ctx); err != nil {
		return nil, err
	}
	var out []Record
	for _, id := range ids {
		r, err := s.Edit(id, Payload{FieldReadAt: FormatReadAt(at)})
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.marked = append(s.marked, id)
		s.mu.Unlock()
		out = append(out, r)
	}
	return out, nil
}

// Edit changes a stored record without publishing, as a write the push
// stream missed would.
func (s *fakeStore) Edit(id string, patch Payload) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Deleted {
		return Record{}, &WriteConflictError{RecordID: id, Reason: "missing"}
	}
	s.rev++
	r.Payload = r.Payload.Merge(patch)
	r.Revision = s.rev
	s.records[id] = r
	return r.Clone(), nil
}

func (s *fakeStore) Remove(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, errors.New("missing")
	}
	s.rev++
	r.Deleted = true
	r.Revision = s.rev
	s.records[id] = r
	return r.Clone(), nil
}

func (s *fakeStore) Put(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r.Clone()
}

func (s *fakeStore) Subscribe(ctx context.Context, pred Predicate) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes++
	if s.subErr != nil {
		return nil, s.subErr
	}
	sub := &fakeSub{pred: pred, events: make(chan ChangeEvent, 64)}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Push publishes an event to every open subscription for the record's topic.
func (s *fakeStore) Push(t EventType, r Record) {
	s.mu.Lock()
	subs := append([]*fakeSub(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		if sub.pred.Matches(r) {
			sub.send(ChangeEvent{Type: t, Record: r.Clone()})
		}
	}
}

// Sever ends every open subscription with err.
func (s *fakeStore) Sever(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.end(err)
	}
}

func (s *fakeStore) setFetchGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchGate = gate
}

func (s *fakeStore) setWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *fakeStore) setWriteGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeGate = gate
}

func (s *fakeStore) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

type fakeSub struct {
	pred   Predicate
	events chan ChangeEvent
	mu     sync.Mutex
	closed bool
	err    error
}

func (s *fakeSub) Events() <-chan ChangeEvent { return s.events }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.end(nil)
	return nil
}

func (s *fakeSub) send(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *fakeSub) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}
