package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/store/migrations"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const (
	postgresRecordsTable        = "relaysync_records"
	postgresChangeChannel       = "relaysync_changes"
	postgresOperationTimeout    = 5 * time.Second
	postgresListenerMinInterval = 100 * time.Millisecond
	postgresListenerMaxInterval = 10 * time.Second
	postgresListenerPing        = 90 * time.Second
	postgresRecordColumns       = "id, kind, topic_id, created_at, updated_at, revision, payload, idempotency_token, deleted"
)

var errListenerReconnected = errors.New("change listener reconnected")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// gooseUp is replaced in tests that have no database.
var gooseUp = func(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

type changeNotice struct {
	Type relaysync.EventType `json:"type"`
	ID   string              `json:"id"`
}

// PostgresStore keeps records in Postgres. Every write notifies
// relaysync_changes inside its transaction; one shared pq.Listener loads the
// changed rows and fans them out to subscriptions.
type PostgresStore struct {
	dsn       string
	openDB    sqlOpenFunc
	validator relaysync.Validator
	logger    *slog.Logger
	now       func() time.Time
	fanout    *fanout

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenMu   sync.Mutex
	listener   *pq.Listener
	listenDone chan struct{}
	listenWG   sync.WaitGroup
	closed     bool
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, relaysync.ErrInvalidInput
	}
	return &PostgresStore{
		dsn:        dsn,
		openDB:     sql.Open,
		validator:  opts.Validator,
		logger:     opts.logger(),
		now:        opts.now(),
		fanout:     newFanout(opts.SubscriberBuffer, opts.logger()),
		listenDone: make(chan struct{}),
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 4*postgresOperationTimeout)
		defer cancel()
		if err := gooseUp(ctx, db); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("migrate: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Fetch(ctx context.Context, q relaysync.Query) ([]relaysync.Record, error) {
	if err := q.Predicate.Validate(); err != nil {
		return nil, err
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative offset or limit", relaysync.ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE kind = $1 AND topic_id = $2 AND NOT deleted
		ORDER BY created_at %s, id %s
		LIMIT NULLIF($3, 0) OFFSET $4`,
		postgresRecordColumns, postgresQuoteIdentifier(postgresRecordsTable), order, order)
	rows, err := s.db.QueryContext(ctx, query, string(q.Predicate.Kind), q.Predicate.TopicID, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]relaysync.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, kind relaysync.Kind, id string) (relaysync.Record, error) {
	if err := s.ensureReady(); err != nil {
		return relaysync.Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND kind = $2`,
		postgresRecordColumns, postgresQuoteIdentifier(postgresRecordsTable))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return relaysync.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func (s *PostgresStore) Insert(ctx context.Context, rec relaysync.Record) (relaysync.Record, error) {
	pred := relaysync.Predicate{Kind: rec.Kind, TopicID: rec.TopicID}
	if err := pred.Validate(); err != nil {
		return relaysync.Record{}, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
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
	if err := checkPayload(s.validator, out); err != nil {
		return relaysync.Record{}, err
	}
	payload, err := json.Marshal(out.Payload)
	if err != nil {
		return relaysync.Record{}, err
	}

	var saved relaysync.Record
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, kind, topic_id, created_at, updated_at, revision, payload, idempotency_token, deleted)
			VALUES ($1, $2, $3, $4, $4, nextval('relaysync_revision_seq'), $5, NULLIF($6, ''), FALSE)
			ON CONFLICT (idempotency_token) WHERE idempotency_token IS NOT NULL DO NOTHING
			RETURNING %s`, postgresQuoteIdentifier(postgresRecordsTable), postgresRecordColumns)
		row := tx.QueryRowContext(ctx, query, out.ID, string(out.Kind), out.TopicID, out.CreatedAt, string(payload), out.IdempotencyToken)
		var scanErr error
		saved, scanErr = scanRecord(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			existing := fmt.Sprintf(`SELECT %s FROM %s WHERE idempotency_token = $1`,
				postgresRecordColumns, postgresQuoteIdentifier(postgresRecordsTable))
			saved, scanErr = scanRecord(tx.QueryRowContext(ctx, existing, out.IdempotencyToken))
			return scanErr
		}
		if scanErr != nil {
			return scanErr
		}
		return notifyChange(ctx, tx, relaysync.EventInsert, saved.ID)
	})
	if err != nil {
		return relaysync.Record{}, err
	}
	return saved, nil
}

func (s *PostgresStore) Update(ctx context.Context, kind relaysync.Kind, id string, patch relaysync.Payload) (relaysync.Record, error) {
	if len(patch) == 0 {
		return relaysync.Record{}, fmt.Errorf("%w: empty patch", relaysync.ErrInvalidInput)
	}
	var saved relaysync.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := lockRecord(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if prev.Deleted {
			return &relaysync.WriteConflictError{RecordID: id, Reason: "record deleted"}
		}
		next := prev.Clone()
		next.Payload = next.Payload.Merge(patch)
		if err := checkPayload(s.validator, next); err != nil {
			return err
		}
		saved, err = s.rewrite(ctx, tx, next)
		if err != nil {
			return err
		}
		return notifyChange(ctx, tx, relaysync.EventUpdate, saved.ID)
	})
	if err != nil {
		return relaysync.Record{}, err
	}
	return saved, nil
}

func (s *PostgresStore) Delete(ctx context.Context, kind relaysync.Kind, id string) (relaysync.Record, error) {
	var saved relaysync.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := lockRecord(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if prev.Deleted {
			saved = prev
			return nil
		}
		next := prev.Clone()
		next.Deleted = true
		saved, err = s.rewrite(ctx, tx, next)
		if err != nil {
			return err
		}
		return notifyChange(ctx, tx, relaysync.EventDelete, saved.ID)
	})
	if err != nil {
		return relaysync.Record{}, err
	}
	return saved, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, kind relaysync.Kind, ids []string, at time.Time) ([]relaysync.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if at.IsZero() {
		at = s.now()
	}
	stamp := relaysync.FormatReadAt(at)
	var out []relaysync.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE kind = $1 AND id = ANY($2) AND NOT deleted
			ORDER BY id
			FOR UPDATE`, postgresRecordColumns, postgresQuoteIdentifier(postgresRecordsTable))
		rows, err := tx.QueryContext(ctx, query, string(kind), pq.Array(ids))
		if err != nil {
			return err
		}
		var current []relaysync.Record
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			current = append(current, rec)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, rec := range current {
			if _, read := rec.ReadAt(); read {
				out = append(out, rec)
				continue
			}
			next := rec.Clone()
			next.Payload = next.Payload.Merge(relaysync.Payload{relaysync.FieldReadAt: stamp})
			saved, err := s.rewrite(ctx, tx, next)
			if err != nil {
				return err
			}
			if err := notifyChange(ctx, tx, relaysync.EventUpdate, saved.ID); err != nil {
				return err
			}
			out = append(out, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, pred relaysync.Predicate) (relaysync.Subscription, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.ensureListener(); err != nil {
		return nil, err
	}
	return s.fanout.subscribe(ctx, pred)
}

func (s *PostgresStore) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE deleted AND updated_at < $1`, postgresQuoteIdentifier(postgresRecordsTable))
	result, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged tombstones", "count", n, "before", before)
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	s.listenMu.Lock()
	if s.closed {
		s.listenMu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	close(s.listenDone)
	s.listenMu.Unlock()

	var errs []error
	if listener != nil {
		errs = append(errs, listener.Close())
	}
	s.listenWG.Wait()
	s.fanout.closeAll(&relaysync.TransportError{Op: "subscription", Err: ErrClosed})
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func (s *PostgresStore) ensureListener() error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return nil
	}
	listener := pq.NewListener(s.dsn, postgresListenerMinInterval, postgresListenerMaxInterval, s.onListenerEvent)
	if err := listener.Listen(postgresChangeChannel); err != nil {
		_ = listener.Close()
		return &relaysync.TransportError{Op: "listen", Err: err}
	}
	s.listener = listener
	s.listenWG.Add(1)
	go s.listen(listener)
	return nil
}

func (s *PostgresStore) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("change listener connection attempt failed", "error", err)
	case pq.ListenerEventDisconnected:
		s.logger.Warn("change listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		s.logger.Info("change listener reconnected")
	}
}

func (s *PostgresStore) listen(listener *pq.Listener) {
	defer s.listenWG.Done()
	ping := time.NewTicker(postgresListenerPing)
	defer ping.Stop()
	for {
		select {
		case <-s.listenDone:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Notifications may have been lost while reconnecting.
				dropped := 0
				for _, key := range s.fanout.keys() {
					dropped += s.fanout.disconnect(key, &relaysync.TransportError{Op: "subscription", Err: errListenerReconnected})
				}
				s.logger.Info("dropped subscriptions after listener reconnect", "count", dropped)
				continue
			}
			s.deliver(n.Extra)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warn("change listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (s *PostgresStore) deliver(raw string) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(raw), &notice); err != nil {
		s.logger.Warn("ignored malformed change notice", "payload", raw, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, postgresRecordColumns, postgresQuoteIdentifier(postgresRecordsTable))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, notice.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		s.logger.Warn("loading changed record failed", "id", notice.ID, "error", err)
		return
	}
	eventType := notice.Type
	if rec.Deleted {
		eventType = relaysync.EventDelete
	}
	s.fanout.publish(relaysync.ChangeEvent{Type: eventType, Record: rec})
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) rewrite(ctx context.Context, tx *sql.Tx, rec relaysync.Record) (relaysync.Record, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return relaysync.Record{}, err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET payload = $2, deleted = $3, updated_at = $4, revision = nextval('relaysync_revision_seq')
		WHERE id = $1
		RETURNING %s`, postgresQuoteIdentifier(postgresRecordsTable), postgresRecordColumns)
	updatedAt := s.now().UTC().Truncate(time.Microsecond)
	return scanRecord(tx.QueryRowContext(ctx, query, rec.ID, string(payload), rec.Deleted, updatedAt))
}

func lockRecord(ctx context.Context, tx *sql.Tx, kind relaysync.Kind, id string) (relaysync.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND kind = $2 FOR UPDATE`,
		postgresRecordColumns, postgresQuoteIdentifier(postgresRecordsTable))
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, id, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return relaysync.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func notifyChange(ctx context.Context, tx *sql.Tx, eventType relaysync.EventType, id string) error {
	payload, err := json.Marshal(changeNotice{Type: eventType, ID: id})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresChangeChannel, string(payload))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (relaysync.Record, error) {
	var (
		rec     relaysync.Record
		kind    string
		payload []byte
		token   sql.NullString
	)
	if err := row.Scan(&rec.ID, &kind, &rec.TopicID, &rec.CreatedAt, &rec.UpdatedAt, &rec.Revision, &payload, &token, &rec.Deleted); err != nil {
		return relaysync.Record{}, err
	}
	rec.Kind = relaysync.Kind(kind)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.IdempotencyToken = token.String
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return relaysync.Record{}, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
