package relaysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation identifies one optimistic write. Payload is the draft for a
// create and the patch for an update.
type Mutation struct {
	ID       string
	Kind     MutationKind
	RecordID string
	Token    string
	Payload  Payload
}

type TrackerOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

type pendingOp struct {
	m        Mutation
	recordID string
	ready    chan struct{}
	isReady  bool
	outcome  *opOutcome
	err      error
}

type opOutcome struct {
	confirmed bool
	server    Record
	reason    error
}

// Tracker applies local writes to a Collection ahead of the Store and
// settles them once the write returns. Mutations on the same record are
// queued: each is visible immediately, but settles only after the ones
// before it.
type Tracker struct {
	coll    *Collection
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	ops    map[string]*pendingOp
	queues map[string][]*pendingOp
}

func NewTracker(coll *Collection, opts TrackerOptions) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		coll:    coll,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
		ops:     map[string]*pendingOp{},
		queues:  map[string][]*pendingOp{},
	}
}

func NewTempID() string {
	return "tmp_" + strings.ToLower(ulid.Make().String())
}

func NewIdempotencyToken() string {
	return ulid.Make().String()
}

func (t *Tracker) BeginCreate(draft Payload) (Mutation, error) {
	pred := t.coll.Predicate()
	m := Mutation{
		ID:       uuid.NewString(),
		Kind:     MutationCreate,
		RecordID: NewTempID(),
		Token:    NewIdempotencyToken(),
		Payload:  draft.Clone(),
	}
	rec := Record{
		ID:               m.RecordID,
		TopicID:          pred.TopicID,
		Kind:             pred.Kind,
		CreatedAt:        t.now().UTC(),
		Payload:          draft.Clone(),
		IdempotencyToken: m.Token,
	}

	t.lock()
	defer t.unlock()
	if err := t.coll.insertPending(rec); err != nil {
		return Mutation{}, err
	}
	t.enqueueLocked(m.RecordID, &pendingOp{m: m, recordID: m.RecordID})
	t.metrics.recordMutation(MutationCreate, "begun")
	return m, nil
}

func (t *Tracker) BeginUpdate(id string, patch Payload) (Mutation, error) {
	if len(patch) == 0 {
		return Mutation{}, fmt.Errorf("%w: empty patch", ErrInvalidInput)
	}
	t.lock()
	defer t.unlock()
	key, err := t.targetLocked(id)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{
		ID:       uuid.NewString(),
		Kind:     MutationUpdate,
		RecordID: id,
		Payload:  patch.Clone(),
	}
	t.enqueueLocked(key, &pendingOp{m: m, recordID: key})
	if err := t.applyOverlayLocked(key); err != nil {
		t.dequeueLocked(key, m.ID)
		return Mutation{}, err
	}
	t.metrics.recordMutation(MutationUpdate, "begun")
	return m, nil
}

func (t *Tracker) BeginDelete(id string) (Mutation, error) {
	t.lock()
	defer t.unlock()
	key, err := t.targetLocked(id)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{
		ID:       uuid.NewString(),
		Kind:     MutationDelete,
		RecordID: id,
	}
	t.enqueueLocked(key, &pendingOp{m: m, recordID: key})
	if err := t.applyOverlayLocked(key); err != nil {
		t.dequeueLocked(key, m.ID)
		return Mutation{}, err
	}
	t.metrics.recordMutation(MutationDelete, "begun")
	return m, nil
}

// Confirm settles a mutation with the record the Store returned. A zero
// server record means the write succeeded without echoing the row.
func (t *Tracker) Confirm(m Mutation, server Record) error {
	t.lock()
	defer t.unlock()
	op, ok := t.ops[m.ID]
	if !ok {
		return ErrUnknownMutation
	}
	if op.err != nil {
		delete(t.ops, m.ID)
		return op.err
	}
	op.outcome = &opOutcome{confirmed: true, server: server.Clone()}
	t.drainLocked(op.recordID)
	return nil
}

// Fail reverts a mutation and returns the optimistic view it had, stamped
// failed.
func (t *Tracker) Fail(m Mutation, reason error) (Record, error) {
	t.lock()
	defer t.unlock()
	op, ok := t.ops[m.ID]
	if !ok {
		return Record{}, ErrUnknownMutation
	}
	failed, _ := t.coll.Get(t.liveIDLocked(op.recordID))
	failed.State = StateFailed
	if op.err != nil {
		delete(t.ops, m.ID)
		return failed, nil
	}
	op.outcome = &opOutcome{reason: reason}
	t.drainLocked(op.recordID)
	return failed, nil
}

// Await blocks until every earlier mutation on the same record has settled
// and returns the record's current id.
func (t *Tracker) Await(ctx context.Context, m Mutation) (string, error) {
	t.mu.Lock()
	op, ok := t.ops[m.ID]
	if !ok {
		t.mu.Unlock()
		return "", ErrUnknownMutation
	}
	ready := op.ready
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-ready:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if op.err != nil {
		return "", op.err
	}
	return t.liveIDLocked(op.recordID), nil
}

// lock takes t.mu and holds back Collection watchers until unlock, so a
// watcher may call back into the Tracker.
func (t *Tracker) lock() {
	t.mu.Lock()
	t.coll.holdNotify()
}

func (t *Tracker) unlock() {
	t.mu.Unlock()
	t.coll.releaseNotify()
}

// Pending reports how many unsettled mutations target the record.
func (t *Tracker) Pending(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, err := t.targetLocked(id)
	if err != nil {
		return len(t.queues[id])
	}
	return len(t.queues[key])
}

func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// targetLocked resolves the queue key for a record. A record confirmed by a
// push while its create is still unsettled stays under the temporary key.
func (t *Tracker) targetLocked(id string) (string, error) {
	rec, ok := t.coll.Get(id)
	if !ok || rec.Deleted {
		return "", fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	key := id
	if rec.IdempotencyToken != "" {
		for k, q := range t.queues {
			if len(q) > 0 && q[0].m.Kind == MutationCreate && q[0].m.Token == rec.IdempotencyToken {
				key = k
				break
			}
		}
	}
	for _, op := range t.queues[key] {
		if op.m.Kind == MutationDelete {
			return "", fmt.Errorf("%w: %s", ErrPendingDelete, id)
		}
	}
	return key, nil
}

func (t *Tracker) liveIDLocked(key string) string {
	q := t.queues[key]
	if len(q) > 0 && q[0].m.Kind == MutationCreate {
		if id, ok := t.coll.idForToken(q[0].m.Token); ok {
			return id
		}
	}
	return key
}

func (t *Tracker) enqueueLocked(key string, op *pendingOp) {
	op.ready = make(chan struct{})
	t.ops[op.m.ID] = op
	t.queues[key] = append(t.queues[key], op)
	if len(t.queues[key]) == 1 {
		op.isReady = true
		close(op.ready)
	}
}

func (t *Tracker) dequeueLocked(key, mutationID string) {
	q := t.queues[key]
	for i, op := range q {
		if op.m.ID == mutationID {
			t.queues[key] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(t.queues[key]) == 0 {
		delete(t.queues, key)
	}
	delete(t.ops, mutationID)
}

func overlayOf(q []*pendingOp) ([]Payload, bool) {
	var patches []Payload
	deleting := false
	for _, op := range q {
		switch op.m.Kind {
		case MutationUpdate:
			patches = append(patches, op.m.Payload)
		case MutationDelete:
			deleting = true
		}
	}
	return patches, deleting
}

func (t *Tracker) applyOverlayLocked(key string) error {
	patches, deleting := overlayOf(t.queues[key])
	return t.coll.setOverlay(t.liveIDLocked(key), patches, deleting)
}

// drainLocked settles queue heads that already have an outcome.
func (t *Tracker) drainLocked(key string) {
	for {
		q := t.queues[key]
		if len(q) == 0 {
			delete(t.queues, key)
			return
		}
		head := q[0]
		if head.outcome == nil {
			if !head.isReady {
				head.isReady = true
				close(head.ready)
			}
			return
		}
		key = t.resolveHeadLocked(key, head)
	}
}

func (t *Tracker) resolveHeadLocked(key string, head *pendingOp) string {
	q := t.queues[key]
	rest := append([]*pendingOp(nil), q[1:]...)
	out := *head.outcome
	delete(t.ops, head.m.ID)
	patches, deleting := overlayOf(rest)
	liveID := t.liveIDLocked(key)

	var err error
	nextKey := key
	switch head.m.Kind {
	case MutationCreate:
		token := head.m.Token
		if out.confirmed {
			var newID string
			newID, err = t.coll.settleCreate(token, out.server, patches, deleting)
			if err == nil {
				nextKey = newID
			}
		} else if !t.coll.dropCreate(token) {
			if id, ok := t.coll.idForToken(token); ok {
				t.logger.Warn("create failed after push confirmed it", "record", id, "error", out.reason)
				nextKey = id
				err = t.coll.setOverlay(id, patches, deleting)
			} else {
				err = ErrRecordGone
			}
		} else {
			err = ErrRecordGone
		}
		t.coll.releaseToken(token)
	case MutationUpdate:
		if out.confirmed {
			_, err = t.coll.settle(liveID, out.server, head.m.Payload, patches, deleting)
		} else {
			err = t.coll.setOverlay(liveID, patches, deleting)
		}
	case MutationDelete:
		if out.confirmed {
			t.coll.confirmDelete(liveID, out.server)
			err = ErrRecordGone
		} else {
			err = t.coll.setOverlay(liveID, patches, deleting)
		}
	}

	outcome := "confirmed"
	if !out.confirmed {
		outcome = "failed"
		t.logger.Info("reverted optimistic mutation", "mutation", head.m.ID, "kind", head.m.Kind, "record", liveID, "error", out.reason)
	}
	t.metrics.recordMutation(head.m.Kind, outcome)

	delete(t.queues, key)
	if len(rest) == 0 {
		return nextKey
	}
	if errors.Is(err, ErrRecordGone) {
		t.orphanLocked(rest)
		return nextKey
	}
	for _, op := range rest {
		op.recordID = nextKey
	}
	t.queues[nextKey] = append(rest, t.queues[nextKey]...)
	return nextKey
}

// orphanLocked fails mutations whose record disappeared before they settled.
func (t *Tracker) orphanLocked(ops []*pendingOp) {
	for _, op := range ops {
		op.err = ErrRecordGone
		if !op.isReady {
			op.isReady = true
			close(op.ready)
		}
		if op.outcome != nil {
			delete(t.ops, op.m.ID)
		}
		t.metrics.recordMutation(op.m.Kind, "orphaned")
	}
}
