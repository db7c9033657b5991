package relaysync

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
)

type CollectionOptions struct {
	Predicate Predicate
	Validator Validator
	Logger    *slog.Logger
	Metrics   *Metrics
}

// entry holds one logical record. The visible view is the authoritative base
// (or the optimistic draft while a create is pending) with the queued local
// patches applied in order.
type entry struct {
	key       SortKey
	base      *Record
	draft     *Record
	patches   []Payload
	deleting  bool
	tombstone bool
	view      Record

	// touched is the collection version that last changed base.
	touched uint64
}

func (e *entry) recompute() {
	var r Record
	if e.base != nil {
		r = e.base.Clone()
		r.State = StateConfirmed
	} else {
		r = e.draft.Clone()
		r.State = StatePendingCreate
	}
	for _, patch := range e.patches {
		r.Payload = r.Payload.Merge(patch)
		if r.State == StateConfirmed {
			r.State = StatePendingUpdate
		}
	}
	if e.deleting {
		r.State = StatePendingDelete
	}
	if e.tombstone {
		r.Deleted = true
		r.State = StateConfirmed
	}
	e.view = r
}

// Collection is an ordered, deduplicated set of records for one topic.
// Every mutation is serialized under one mutex; watchers run after it is
// released, on the mutating goroutine.
type Collection struct {
	pred      Predicate
	validator Validator
	logger    *slog.Logger
	metrics   *Metrics

	mu          sync.Mutex
	byID        map[string]*entry
	order       []*entry
	tokens      map[string]string
	removed     map[string]struct{}
	version     uint64
	watchers    map[uint64]func(uint64)
	nextWatcher uint64
	held        int
	deferred    bool
}

func NewCollection(opts CollectionOptions) *Collection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{
		pred:      opts.Predicate,
		validator: opts.Validator,
		logger:    logger.With("topic", opts.Predicate.Key()),
		metrics:   opts.Metrics,
		byID:      map[string]*entry{},
		tokens:    map[string]string{},
		removed:   map[string]struct{}{},
		watchers:  map[uint64]func(uint64){},
	}
}

func (c *Collection) Predicate() Predicate {
	return c.pred
}

// Upsert merges an authoritative record (page row or push event).
func (c *Collection) Upsert(rec Record) error {
	c.mu.Lock()
	changed, err := c.mergeLocked(rec)
	c.unlockAndNotify(changed)
	if changed {
		c.metrics.recordMerged(rec.Kind, "push", 1)
	}
	return err
}

// AppendPage merges a fetched page and returns how many rows were accepted.
// Rows already present count as accepted; malformed rows are skipped.
func (c *Collection) AppendPage(records []Record) (int, error) {
	c.mu.Lock()
	merged := 0
	changed := false
	var errs []error
	for _, rec := range records {
		recChanged, err := c.mergeLocked(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		merged++
		changed = changed || recChanged
	}
	c.unlockAndNotify(changed)
	c.metrics.recordMerged(c.pred.Kind, "page", merged)
	return merged, errors.Join(errs...)
}

// Remove drops a record. Unknown ids are remembered so a late insert for a
// record deleted elsewhere cannot resurrect it.
func (c *Collection) Remove(id string) {
	c.mu.Lock()
	changed := false
	if e, ok := c.byID[id]; ok {
		c.retireLocked(e)
		changed = true
	}
	c.removed[id] = struct{}{}
	c.unlockAndNotify(changed)
}

// Snapshot returns visible records in sort key order.
func (c *Collection) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.order))
	for _, e := range c.order {
		if !e.view.Visible() {
			continue
		}
		out = append(out, e.view.Clone())
	}
	return out
}

// SnapshotAll includes tombstones and records with a pending delete.
func (c *Collection) SnapshotAll() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.order))
	for _, e := range c.order {
		out = append(out, e.view.Clone())
	}
	return out
}

func (c *Collection) Thread() []*ThreadNode {
	return BuildTree(c.SnapshotAll())
}

func (c *Collection) Get(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return Record{}, false
	}
	return e.view.Clone(), true
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.order {
		if e.view.Visible() {
			n++
		}
	}
	return n
}

func (c *Collection) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Watch registers fn to run after every change. The returned func unregisters it.
// fn runs on the mutating goroutine with no Collection lock held. Changes
// made through a Tracker are reported after the Tracker releases its lock,
// so fn may call Tracker accessors.
func (c *Collection) Watch(fn func(version uint64)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// evictMissing drops confirmed, non-pending records whose sort key lies in
// [lo, hi] and whose id is not in present. A nil bound is open. Records whose
// base changed after version since are kept, since the read that produced
// present may predate them. Evicted ids are not remembered, so a later push
// or page row brings them back.
func (c *Collection) evictMissing(lo, hi *SortKey, present map[string]struct{}, since uint64) []string {
	c.mu.Lock()
	var missing []*entry
	for _, e := range c.order {
		if e.base == nil || e.tombstone || len(e.patches) > 0 || e.deleting {
			continue
		}
		if e.touched > since {
			continue
		}
		if (lo != nil && e.key.Less(*lo)) || (hi != nil && hi.Less(e.key)) {
			continue
		}
		if _, ok := present[e.view.ID]; ok {
			continue
		}
		missing = append(missing, e)
	}
	ids := make([]string, 0, len(missing))
	for _, e := range missing {
		if c.byID[e.view.ID] != e {
			continue
		}
		ids = append(ids, e.view.ID)
		if c.hasChildrenLocked(e.view.ID) {
			e.tombstone = true
			e.recompute()
			continue
		}
		c.evictLocked(e, false)
	}
	c.unlockAndNotify(len(ids) > 0)
	return ids
}

func (c *Collection) unlockAndNotify(changed bool) {
	if !changed {
		c.mu.Unlock()
		return
	}
	c.version++
	if c.held > 0 {
		c.deferred = true
		c.mu.Unlock()
		return
	}
	c.notifyLocked()
}

// holdNotify defers watcher calls until the matching releaseNotify. Changes
// made meanwhile are reported once, with the latest version.
func (c *Collection) holdNotify() {
	c.mu.Lock()
	c.held++
	c.mu.Unlock()
}

func (c *Collection) releaseNotify() {
	c.mu.Lock()
	c.held--
	if c.held > 0 || !c.deferred {
		c.mu.Unlock()
		return
	}
	c.deferred = false
	c.notifyLocked()
}

// notifyLocked releases c.mu and runs every watcher with the current version.
func (c *Collection) notifyLocked() {
	version := c.version
	watchers := make([]func(uint64), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(version)
	}
}

func (c *Collection) validateLocked(rec *Record) error {
	if rec.Kind == "" {
		rec.Kind = c.pred.Kind
	}
	if strings.TrimSpace(rec.ID) == "" {
		return malformed("record has no id")
	}
	if strings.TrimSpace(rec.TopicID) == "" {
		return malformed("record %s has no topic", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		return malformed("record %s has no createdAt", rec.ID)
	}
	if c.pred.Kind != "" && rec.Kind != c.pred.Kind {
		return malformed("record %s has kind %s, collection holds %s", rec.ID, rec.Kind, c.pred.Kind)
	}
	if c.pred.TopicID != "" && rec.TopicID != c.pred.TopicID {
		return malformed("record %s belongs to topic %s", rec.ID, rec.TopicID)
	}
	if c.validator != nil && !rec.Deleted {
		if err := c.validator.Validate(*rec); err != nil {
			return malformed("record %s: %v", rec.ID, err)
		}
	}
	return nil
}

func (c *Collection) mergeLocked(rec Record) (bool, error) {
	rec = rec.Clone()
	rec.State = ""
	if err := c.validateLocked(&rec); err != nil {
		c.metrics.recordMalformed(rec.Kind)
		c.logger.Warn("rejected malformed record", "id", rec.ID, "error", err)
		return false, err
	}
	if _, gone := c.removed[rec.ID]; gone {
		return false, nil
	}
	if existing, ok := c.byID[rec.ID]; ok {
		return c.mergeExistingLocked(existing, rec), nil
	}
	if rec.IdempotencyToken != "" {
		if id, ok := c.tokens[rec.IdempotencyToken]; ok {
			if e := c.byID[id]; e != nil && e.base == nil {
				c.rekeyLocked(e, rec)
				return true, nil
			}
		}
	}
	if rec.Deleted {
		if !c.hasChildrenLocked(rec.ID) {
			c.removed[rec.ID] = struct{}{}
			return false, nil
		}
		e := &entry{key: rec.SortKey(), base: &rec, tombstone: true}
		c.touchLocked(e)
		e.recompute()
		c.byID[rec.ID] = e
		c.insertSortedLocked(e)
		return true, nil
	}
	e := &entry{key: rec.SortKey(), base: &rec}
	c.touchLocked(e)
	e.recompute()
	c.byID[rec.ID] = e
	c.insertSortedLocked(e)
	return true, nil
}

func (c *Collection) mergeExistingLocked(e *entry, rec Record) bool {
	if e.tombstone {
		return false
	}
	if e.base == nil {
		e.base = &rec
		e.draft = nil
		c.touchLocked(e)
		e.recompute()
		return true
	}
	base := e.base
	if rec.Revision != 0 && base.Revision != 0 {
		if rec.Revision < base.Revision {
			c.metrics.recordStale("revision")
			return false
		}
		if rec.Revision == base.Revision && rec.Deleted == base.Deleted {
			return false
		}
	}
	merged := mergeRecords(*base, rec)
	c.touchLocked(e)
	if merged.Deleted {
		e.base = &merged
		c.retireLocked(e)
		return true
	}
	e.base = &merged
	e.recompute()
	return true
}

func mergeRecords(base, incoming Record) Record {
	out := base.Clone()
	out.Payload = out.Payload.Merge(incoming.Payload)
	if incoming.Revision > out.Revision {
		out.Revision = incoming.Revision
	}
	if incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	if out.IdempotencyToken == "" {
		out.IdempotencyToken = incoming.IdempotencyToken
	}
	out.Deleted = out.Deleted || incoming.Deleted
	return out
}

// rekeyLocked replaces a pending create with its authoritative record. Queued
// local patches move along with it.
func (c *Collection) rekeyLocked(temp *entry, rec Record) {
	c.removeSortedLocked(temp)
	delete(c.byID, temp.view.ID)
	c.tokens[rec.IdempotencyToken] = rec.ID
	if existing, ok := c.byID[rec.ID]; ok {
		c.mergeExistingLocked(existing, rec)
		existing.patches = append(existing.patches, temp.patches...)
		existing.deleting = existing.deleting || temp.deleting
		existing.recompute()
		return
	}
	e := &entry{
		key:      rec.SortKey(),
		base:     &rec,
		patches:  temp.patches,
		deleting: temp.deleting,
	}
	c.touchLocked(e)
	e.recompute()
	c.byID[rec.ID] = e
	c.insertSortedLocked(e)
}

// retireLocked removes a record, keeping a tombstone while children still
// point at it.
func (c *Collection) retireLocked(e *entry) {
	id := e.view.ID
	if e.base != nil && c.hasChildrenLocked(id) {
		e.tombstone = true
		e.patches = nil
		e.deleting = false
		e.recompute()
		return
	}
	c.evictLocked(e, true)
}

// touchLocked stamps e with the version the pending change will publish.
func (c *Collection) touchLocked(e *entry) {
	e.touched = c.version + 1
}

// evictLocked drops e. When remember is set a confirmed id is kept in
// removed so late events cannot resurrect it.
func (c *Collection) evictLocked(e *entry, remember bool) {
	id := e.view.ID
	parentID := e.view.ParentID()
	c.removeSortedLocked(e)
	delete(c.byID, id)
	if remember && e.base != nil {
		c.removed[id] = struct{}{}
	}
	if e.view.IdempotencyToken != "" && c.tokens[e.view.IdempotencyToken] == id {
		delete(c.tokens, e.view.IdempotencyToken)
	}
	if parentID == "" {
		return
	}
	if parent, ok := c.byID[parentID]; ok && parent.tombstone && !c.hasChildrenLocked(parentID) {
		c.evictLocked(parent, true)
	}
}

func (c *Collection) hasChildrenLocked(id string) bool {
	for _, e := range c.order {
		if e.view.ID != id && e.view.ParentID() == id {
			return true
		}
	}
	return false
}

func (c *Collection) searchLocked(key SortKey) int {
	return sort.Search(len(c.order), func(i int) bool {
		return !c.order[i].key.Less(key)
	})
}

func (c *Collection) insertSortedLocked(e *entry) {
	c.order = slices.Insert(c.order, c.searchLocked(e.key), e)
}

func (c *Collection) removeSortedLocked(e *entry) {
	for i := c.searchLocked(e.key); i < len(c.order); i++ {
		if c.order[i] == e {
			c.order = slices.Delete(c.order, i, i+1)
			return
		}
		if e.key.Less(c.order[i].key) {
			break
		}
	}
	if i := slices.Index(c.order, e); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// The methods below are driven by the Tracker.

func (c *Collection) insertPending(rec Record) error {
	c.mu.Lock()
	if err := c.validateLocked(&rec); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, exists := c.byID[rec.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidInput, rec.ID)
	}
	rec.State = StatePendingCreate
	e := &entry{key: rec.SortKey(), draft: &rec}
	e.recompute()
	c.byID[rec.ID] = e
	c.insertSortedLocked(e)
	if rec.IdempotencyToken != "" {
		c.tokens[rec.IdempotencyToken] = rec.ID
	}
	c.unlockAndNotify(true)
	return nil
}

// setOverlay replaces the queued local patches of a record.
func (c *Collection) setOverlay(id string, patches []Payload, deleting bool) error {
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok || e.tombstone {
		c.mu.Unlock()
		return ErrRecordGone
	}
	e.patches = clonePatches(patches)
	e.deleting = deleting
	e.recompute()
	c.unlockAndNotify(true)
	return nil
}

// settle folds a confirmed write into the record's base and installs the
// remaining overlay. applied is used when the Store returned no record.
func (c *Collection) settle(id string, server Record, applied Payload, patches []Payload, deleting bool) (string, error) {
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok || e.tombstone {
		c.mu.Unlock()
		return id, ErrRecordGone
	}
	switch {
	case server.ID != "" && e.base == nil:
		server = server.Clone()
		server.State = ""
		if err := c.validateLocked(&server); err != nil {
			c.removeSortedLocked(e)
			delete(c.byID, id)
			c.unlockAndNotify(true)
			return id, err
		}
		if server.IdempotencyToken == "" {
			server.IdempotencyToken = e.draft.IdempotencyToken
		}
		c.rekeyLocked(e, server)
		e = c.byID[server.ID]
		id = server.ID
	case server.ID != "":
		c.mergeExistingLocked(e, server)
		if cur, ok := c.byID[id]; !ok || cur.tombstone {
			c.unlockAndNotify(true)
			return id, ErrRecordGone
		}
	case applied != nil && e.base != nil:
		merged := e.base.Clone()
		merged.Payload = merged.Payload.Merge(applied)
		e.base = &merged
		c.touchLocked(e)
	}
	e.patches = clonePatches(patches)
	e.deleting = deleting
	e.recompute()
	c.unlockAndNotify(true)
	return id, nil
}

// settleCreate resolves a pending create by token. The create may already
// have been re-keyed by a push event carrying the same token.
func (c *Collection) settleCreate(token string, server Record, patches []Payload, deleting bool) (string, error) {
	c.mu.Lock()
	id, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		if server.ID == "" {
			return "", ErrRecordGone
		}
		if err := c.Upsert(server); err != nil {
			return "", err
		}
		id = server.ID
	}
	return c.settle(id, server, nil, patches, deleting)
}

// dropCreate removes a still-pending create. It reports false when the
// record was already confirmed by a push.
func (c *Collection) dropCreate(token string) bool {
	c.mu.Lock()
	id, ok := c.tokens[token]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := c.byID[id]
	if e == nil || e.base != nil {
		c.mu.Unlock()
		return false
	}
	delete(c.tokens, token)
	c.removeSortedLocked(e)
	delete(c.byID, id)
	c.unlockAndNotify(true)
	return true
}

func (c *Collection) confirmDelete(id string, server Record) {
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok {
		c.removed[id] = struct{}{}
		c.mu.Unlock()
		return
	}
	if server.ID == id && e.base != nil {
		merged := mergeRecords(*e.base, server)
		e.base = &merged
	}
	c.retireLocked(e)
	c.unlockAndNotify(true)
}

func (c *Collection) idForToken(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.tokens[token]
	return id, ok
}

func (c *Collection) releaseToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.tokens[token]; ok {
		if e := c.byID[id]; e == nil || e.base != nil {
			delete(c.tokens, token)
		}
	}
}

func clonePatches(patches []Payload) []Payload {
	if len(patches) == 0 {
		return nil
	}
	out := make([]Payload, len(patches))
	for i := range patches {
		out[i] = patches[i].Clone()
	}
	return out
}
