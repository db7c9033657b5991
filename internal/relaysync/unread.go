package relaysync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ReadMarker is the slice of the Store the aggregator writes through.
type ReadMarker interface {
	MarkRead(ctx context.Context, kind Kind, ids []string, at time.Time) ([]Record, error)
}

type UnreadOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type unreadTopic struct {
	coll    *Collection
	tracker *Tracker
	unwatch func()
	count   int
	version uint64
}

// UnreadAggregator derives per-topic unread counts from tracked collections.
// Counts are recomputed from the snapshot on every collection change.
type UnreadAggregator struct {
	selfID string
	marker ReadMarker
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	topics      map[string]*unreadTopic
	watchers    map[uint64]*notifier[int]
	nextWatcher uint64
}

func NewUnreadAggregator(selfID string, marker ReadMarker, opts UnreadOptions) *UnreadAggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &UnreadAggregator{
		selfID:   selfID,
		marker:   marker,
		logger:   logger,
		now:      now,
		topics:   map[string]*unreadTopic{},
		watchers: map[uint64]*notifier[int]{},
	}
}

// CountUnread counts visible records not yet read and not sent by selfID.
func CountUnread(records []Record, selfID string) int {
	n := 0
	for _, rec := range records {
		if isUnread(rec, selfID) {
			n++
		}
	}
	return n
}

func isUnread(rec Record, selfID string) bool {
	if !rec.Visible() {
		return false
	}
	if selfID != "" && rec.SenderID() == selfID {
		return false
	}
	_, read := rec.ReadAt()
	return !read
}

func (a *UnreadAggregator) Track(coll *Collection, tracker *Tracker) {
	key := coll.Predicate().Key()
	t := &unreadTopic{coll: coll, tracker: tracker}
	t.unwatch = coll.Watch(func(uint64) { a.recount(key, t) })

	a.mu.Lock()
	prev, replaced := a.topics[key]
	a.topics[key] = t
	a.mu.Unlock()

	if replaced {
		prev.unwatch()
	}
	a.recount(key, t)
}

// Untrack stops counting coll. A collection that has since been replaced
// under the same predicate is left alone.
func (a *UnreadAggregator) Untrack(coll *Collection) {
	key := coll.Predicate().Key()
	a.mu.Lock()
	t, ok := a.topics[key]
	if !ok || t.coll != coll {
		a.mu.Unlock()
		return
	}
	delete(a.topics, key)
	total := a.totalLocked()
	watchers := a.watchersLocked()
	a.mu.Unlock()

	if t.unwatch != nil {
		t.unwatch()
	}
	for _, w := range watchers {
		w.publish(total)
	}
}

func (a *UnreadAggregator) CountUnread(topicID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.topics {
		if t.coll.Predicate().TopicID == topicID {
			n += t.count
		}
	}
	return n
}

func (a *UnreadAggregator) CountFor(pred Predicate) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.topics[pred.Key()]; ok {
		return t.count
	}
	return 0
}

func (a *UnreadAggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalLocked()
}

// Watch calls fn with the new total after it changes. Calls are made on a
// separate goroutine and coalesced.
func (a *UnreadAggregator) Watch(fn func(total int)) func() {
	w := newNotifier(fn)
	a.mu.Lock()
	a.nextWatcher++
	id := a.nextWatcher
	a.watchers[id] = w
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers, id)
			a.mu.Unlock()
			w.close(false)
		})
	}
}

// Close stops every watcher.
func (a *UnreadAggregator) Close() {
	a.mu.Lock()
	watchers := a.watchers
	a.watchers = map[uint64]*notifier[int]{}
	a.mu.Unlock()
	for _, w := range watchers {
		w.close(false)
	}
}

// MarkRead flips every unread record in the topic up to and including upTo.
// A zero upTo covers the whole loaded window. Records are flipped locally at
// once; a failed write reverts them.
func (a *UnreadAggregator) MarkRead(ctx context.Context, topicID string, upTo SortKey) error {
	return a.markRead(ctx, topicID, func(rec Record) bool {
		return upTo.IsZero() || !upTo.Less(rec.SortKey())
	})
}

func (a *UnreadAggregator) ResetZero(ctx context.Context, topicID string) error {
	return a.markRead(ctx, topicID, func(Record) bool { return true })
}

func (a *UnreadAggregator) markRead(ctx context.Context, topicID string, include func(Record) bool) error {
	a.mu.Lock()
	targets := make([]*unreadTopic, 0, 1)
	for _, t := range a.topics {
		if t.coll.Predicate().TopicID == topicID {
			targets = append(targets, t)
		}
	}
	a.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].coll.Predicate().Kind < targets[j].coll.Predicate().Kind
	})

	at := a.now().UTC()
	var errs []error
	for _, t := range targets {
		if err := a.markTopic(ctx, t, at, include); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *UnreadAggregator) markTopic(ctx context.Context, t *unreadTopic, at time.Time, include func(Record) bool) error {
	var (
		ids       []string
		mutations []Mutation
	)
	patch := Payload{FieldReadAt: FormatReadAt(at)}
	for _, rec := range t.coll.Snapshot() {
		if rec.State == StatePendingCreate || !include(rec) || !isUnread(rec, a.selfID) {
			continue
		}
		m, err := t.tracker.BeginUpdate(rec.ID, patch)
		if err != nil {
			a.logger.Debug("skipped read flip", "id", rec.ID, "error", err)
			continue
		}
		ids = append(ids, rec.ID)
		mutations = append(mutations, m)
	}
	if len(ids) == 0 {
		return nil
	}

	kind := t.coll.Predicate().Kind
	updated, err := a.marker.MarkRead(ctx, kind, ids, at)
	if err != nil {
		for _, m := range mutations {
			if _, failErr := t.tracker.Fail(m, err); failErr != nil {
				a.logger.Debug("read flip already settled", "id", m.RecordID, "error", failErr)
			}
		}
		return AsTransportError("mark read", err)
	}
	byID := make(map[string]Record, len(updated))
	for _, rec := range updated {
		byID[rec.ID] = rec
	}
	for _, m := range mutations {
		if err := t.tracker.Confirm(m, byID[m.RecordID]); err != nil && !errors.Is(err, ErrRecordGone) {
			a.logger.Warn("confirming read flip failed", "id", m.RecordID, "error", err)
		}
	}
	return nil
}

func (a *UnreadAggregator) recount(key string, t *unreadTopic) {
	version := t.coll.Version()
	n := CountUnread(t.coll.Snapshot(), a.selfID)

	a.mu.Lock()
	if a.topics[key] != t || version < t.version {
		a.mu.Unlock()
		return
	}
	changed := t.count != n || t.version == 0
	t.count = n
	t.version = version
	total := a.totalLocked()
	watchers := a.watchersLocked()
	a.mu.Unlock()

	if !changed {
		return
	}
	for _, w := range watchers {
		w.publish(total)
	}
}

func (a *UnreadAggregator) totalLocked() int {
	total := 0
	for _, t := range a.topics {
		total += t.count
	}
	return total
}

func (a *UnreadAggregator) watchersLocked() []*notifier[int] {
	out := make([]*notifier[int], 0, len(a.watchers))
	for _, w := range a.watchers {
		out = append(out, w)
	}
	return out
}
