package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrClosed         = errors.New("store closed")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is a relaysync.Store that owns its resources and can purge
// tombstones.
type Backend interface {
	relaysync.Store
	Get(ctx context.Context, kind relaysync.Kind, id string) (relaysync.Record, error)
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)
	Close() error
}

type Options struct {
	Validator        relaysync.Validator
	Logger           *slog.Logger
	Now              func() time.Time
	SubscriberBuffer int
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) now() func() time.Time {
	if o.Now == nil {
		return time.Now
	}
	return o.Now
}

// NewRecordID returns a Store-assigned id such as message_01hx....
func NewRecordID(kind relaysync.Kind) string {
	return string(kind) + "_" + strings.ToLower(ulid.Make().String())
}

// table is the row storage underneath engine. Callers hold engine.mu.
type table interface {
	get(id string) (relaysync.Record, bool, error)
	idForToken(token string) (string, bool, error)
	put(rec relaysync.Record, prev *relaysync.Record) error
	remove(rec relaysync.Record) error
	scan(q relaysync.Query) ([]relaysync.Record, error)
	tombstones(before time.Time) ([]relaysync.Record, error)
	nextRevision() (int64, error)
	close() error
}

// engine implements the write rules shared by the in-process backends:
// Store-assigned ids and revisions, token-idempotent inserts, soft deletes
// and change fan-out.
type engine struct {
	mu        sync.Mutex
	table     table
	fanout    *fanout
	validator relaysync.Validator
	logger    *slog.Logger
	now       func() time.Time
	closed    bool

	// afterWrite runs under mu once a write is applied and before it is
	// published.
	afterWrite func() error
}

func newEngine(t table, opts Options) *engine {
	return &engine{
		table:     t,
		fanout:    newFanout(opts.SubscriberBuffer, opts.logger()),
		validator: opts.Validator,
		logger:    opts.logger(),
		now:       opts.now(),
	}
}

func (e *engine) Fetch(ctx context.Context, q relaysync.Query) ([]relaysync.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Predicate.Validate(); err != nil {
		return nil, err
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative offset or limit", relaysync.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.table.scan(q)
}

// Get returns one record, tombstones included.
func (e *engine) Get(ctx context.Context, kind relaysync.Kind, id string) (relaysync.Record, error) {
	if err := ctx.Err(); err != nil {
		return relaysync.Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return relaysync.Record{}, ErrClosed
	}
	return e.lookupLocked(kind, id)
}

func (e *engine) Insert(ctx context.Context, rec relaysync.Record) (relaysync.Record, error) {
	if err := ctx.Err(); err != nil {
		return relaysync.Record{}, err
	}
	pred := relaysync.Predicate{Kind: rec.Kind, TopicID: rec.TopicID}
	if err := pred.Validate(); err != nil {
		return relaysync.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return relaysync.Record{}, ErrClosed
	}
	if token := strings.TrimSpace(rec.IdempotencyToken); token != "" {
		id, ok, err := e.table.idForToken(token)
		if err != nil {
			return relaysync.Record{}, err
		}
		if ok {
			existing, found, err := e.table.get(id)
			if err != nil {
				return relaysync.Record{}, err
			}
			if found {
				return existing, nil
			}
		}
	}

	now := e.now().UTC()
	out := relaysync.Record{
		ID:               NewRecordID(rec.Kind),
		TopicID:          rec.TopicID,
		Kind:             rec.Kind,
		CreatedAt:        now,
		UpdatedAt:        now,
		Payload:          rec.Payload.Clone(),
		IdempotencyToken: strings.TrimSpace(rec.IdempotencyToken),
	}
	if out.Payload == nil {
		out.Payload = relaysync.Payload{}
	}
	if err := e.validate(out); err != nil {
		return relaysync.Record{}, err
	}
	rev, err := e.table.nextRevision()
	if err != nil {
		return relaysync.Record{}, err
	}
	out.Revision = rev
	if err := e.table.put(out, nil); err != nil {
		return relaysync.Record{}, err
	}
	return e.commit(relaysync.EventInsert, out, nil)
}

func (e *engine) Update(ctx context.Context, kind relaysync.Kind, id string, patch relaysync.Payload) (relaysync.Record, error) {
	if err := ctx.Err(); err != nil {
		return relaysync.Record{}, err
	}
	if len(patch) == 0 {
		return relaysync.Record{}, fmt.Errorf("%w: empty patch", relaysync.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return relaysync.Record{}, ErrClosed
	}
	prev, err := e.lookupLocked(kind, id)
	if err != nil {
		return relaysync.Record{}, err
	}
	if prev.Deleted {
		return relaysync.Record{}, &relaysync.WriteConflictError{RecordID: id, Reason: "record deleted"}
	}
	next := prev.Clone()
	next.Payload = next.Payload.Merge(patch)
	if err := e.validate(next); err != nil {
		return relaysync.Record{}, err
	}
	if next, err = e.bumpLocked(next); err != nil {
		return relaysync.Record{}, err
	}
	if err := e.table.put(next, &prev); err != nil {
		return relaysync.Record{}, err
	}
	return e.commit(relaysync.EventUpdate, next, &prev)
}

// Delete soft-deletes a record and returns its tombstone. Deleting a
// tombstone returns it unchanged.
func (e *engine) Delete(ctx context.Context, kind relaysync.Kind, id string) (relaysync.Record, error) {
	if err := ctx.Err(); err != nil {
		return relaysync.Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return relaysync.Record{}, ErrClosed
	}
	prev, err := e.lookupLocked(kind, id)
	if err != nil {
		return relaysync.Record{}, err
	}
	if prev.Deleted {
		return prev, nil
	}
	next := prev.Clone()
	next.Deleted = true
	if next, err = e.bumpLocked(next); err != nil {
		return relaysync.Record{}, err
	}
	if err := e.table.put(next, &prev); err != nil {
		return relaysync.Record{}, err
	}
	return e.commit(relaysync.EventDelete, next, &prev)
}

// MarkRead sets read_at on every listed record that is still unread. Unknown
// and deleted ids are skipped.
func (e *engine) MarkRead(ctx context.Context, kind relaysync.Kind, ids []string, at time.Time) ([]relaysync.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = e.now()
	}
	stamp := relaysync.FormatReadAt(at)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	var (
		out    []relaysync.Record
		events []relaysync.Record
		prevs  []relaysync.Record
	)
	for _, id := range ids {
		prev, err := e.lookupLocked(kind, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if prev.Deleted {
			continue
		}
		if _, read := prev.ReadAt(); read {
			out = append(out, prev)
			continue
		}
		next := prev.Clone()
		next.Payload = next.Payload.Merge(relaysync.Payload{relaysync.FieldReadAt: stamp})
		if next, err = e.bumpLocked(next); err != nil {
			return nil, err
		}
		if err := e.table.put(next, &prev); err != nil {
			return nil, err
		}
		out = append(out, next)
		events = append(events, next)
		prevs = append(prevs, prev)
	}
	if len(events) == 0 {
		return out, nil
	}
	if err := e.persistLocked(); err != nil {
		for i := range events {
			e.undoLocked(events[i], &prevs[i])
		}
		return nil, err
	}
	for _, rec := range events {
		e.fanout.publish(relaysync.ChangeEvent{Type: relaysync.EventUpdate, Record: rec})
	}
	return out, nil
}

func (e *engine) Subscribe(ctx context.Context, pred relaysync.Predicate) (relaysync.Subscription, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return e.fanout.subscribe(ctx, pred)
}

// Disconnect ends every subscription for pred with a transport error, as a
// dropped connection would.
func (e *engine) Disconnect(pred relaysync.Predicate) int {
	return e.fanout.disconnect(pred.Key(), &relaysync.TransportError{Op: "subscription", Err: errDisconnected})
}

func (e *engine) Subscribers(pred relaysync.Predicate) int {
	return e.fanout.count(pred.Key())
}

func (e *engine) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	expired, err := e.table.tombstones(before)
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if err := e.table.remove(rec); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		if err := e.persistLocked(); err != nil {
			return 0, err
		}
		e.logger.Info("purged tombstones", "count", len(expired), "before", before)
	}
	return len(expired), nil
}

func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.fanout.closeAll(&relaysync.TransportError{Op: "subscription", Err: ErrClosed})
	return e.table.close()
}

func (e *engine) lookupLocked(kind relaysync.Kind, id string) (relaysync.Record, error) {
	rec, ok, err := e.table.get(id)
	if err != nil {
		return relaysync.Record{}, err
	}
	if !ok || (kind != "" && rec.Kind != kind) {
		return relaysync.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (e *engine) bumpLocked(rec relaysync.Record) (relaysync.Record, error) {
	rev, err := e.table.nextRevision()
	if err != nil {
		return relaysync.Record{}, err
	}
	rec.Revision = rev
	rec.UpdatedAt = e.now().UTC()
	return rec, nil
}

func (e *engine) validate(rec relaysync.Record) error {
	return checkPayload(e.validator, rec)
}

func checkPayload(v relaysync.Validator, rec relaysync.Record) error {
	if v == nil {
		return nil
	}
	if err := v.Validate(rec); err != nil {
		return &relaysync.WriteConflictError{RecordID: rec.ID, Reason: "payload rejected", Err: err}
	}
	return nil
}

// commit persists an applied write and publishes it. When persisting fails
// the row is put back to prev, or removed for an insert.
func (e *engine) commit(kind relaysync.EventType, rec relaysync.Record, prev *relaysync.Record) (relaysync.Record, error) {
	if err := e.persistLocked(); err != nil {
		e.undoLocked(rec, prev)
		return relaysync.Record{}, err
	}
	e.fanout.publish(relaysync.ChangeEvent{Type: kind, Record: rec})
	return rec, nil
}

func (e *engine) undoLocked(applied relaysync.Record, prev *relaysync.Record) {
	var err error
	if prev == nil {
		err = e.table.remove(applied)
	} else {
		err = e.table.put(*prev, &applied)
	}
	if err != nil {
		e.logger.Error("rolling back unpersisted write failed", "id", applied.ID, "error", err)
	}
}

func (e *engine) persistLocked() error {
	if e.afterWrite == nil {
		return nil
	}
	if err := e.afterWrite(); err != nil {
		e.logger.Error("persisting store failed", "error", err)
		return err
	}
	return nil
}
