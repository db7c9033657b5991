package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/cockroachdb/pebble"
)

const keySep = "\x00"

var (
	pebbleRecordPrefix = []byte("rec" + keySep)
	pebbleIndexPrefix  = []byte("idx" + keySep)
	pebbleTokenPrefix  = []byte("tok" + keySep)
	pebbleRevisionKey  = []byte("meta" + keySep + "rev")
)

// pebbleTable stores each record under rec/<id> and keeps live records in a
// (kind, topic, createdAt, id) index so range reads are ordered scans.
type pebbleTable struct {
	db         *pebble.DB
	revCounter int64
}

func openPebbleTable(dir string) (*pebbleTable, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	t := &pebbleTable{db: db}
	value, closer, err := db.Get(pebbleRevisionKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, err
	default:
		if len(value) == 8 {
			t.revCounter = int64(binary.BigEndian.Uint64(value))
		}
		_ = closer.Close()
	}
	return t, nil
}

func pebbleRecordKey(id string) []byte {
	return append(append([]byte{}, pebbleRecordPrefix...), id...)
}

func pebbleTokenKey(token string) []byte {
	return append(append([]byte{}, pebbleTokenPrefix...), token...)
}

func pebbleTopicPrefix(pred relaysync.Predicate) []byte {
	return []byte(string(pebbleIndexPrefix) + string(pred.Kind) + keySep + pred.TopicID + keySep)
}

func pebbleIndexKey(rec relaysync.Record) []byte {
	nanos := rec.CreatedAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	prefix := pebbleTopicPrefix(relaysync.Predicate{Kind: rec.Kind, TopicID: rec.TopicID})
	return append(prefix, fmt.Sprintf("%020d%s%s", nanos, keySep, rec.ID)...)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (t *pebbleTable) get(id string) (relaysync.Record, bool, error) {
	value, closer, err := t.db.Get(pebbleRecordKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return relaysync.Record{}, false, nil
	}
	if err != nil {
		return relaysync.Record{}, false, err
	}
	defer closer.Close()
	var rec relaysync.Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return relaysync.Record{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, true, nil
}

func (t *pebbleTable) idForToken(token string) (string, bool, error) {
	value, closer, err := t.db.Get(pebbleTokenKey(token))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	return string(value), true, nil
}

func (t *pebbleTable) put(rec relaysync.Record, prev *relaysync.Record) error {
	rec = rec.Clone()
	rec.State = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch := t.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(pebbleRecordKey(rec.ID), data, nil); err != nil {
		return err
	}
	if prev != nil && !prev.Deleted {
		if err := batch.Delete(pebbleIndexKey(*prev), nil); err != nil {
			return err
		}
	}
	if !rec.Deleted {
		if err := batch.Set(pebbleIndexKey(rec), nil, nil); err != nil {
			return err
		}
	}
	if rec.IdempotencyToken != "" {
		if err := batch.Set(pebbleTokenKey(rec.IdempotencyToken), []byte(rec.ID), nil); err != nil {
			return err
		}
	}
	var rev [8]byte
	binary.BigEndian.PutUint64(rev[:], uint64(t.revCounter))
	if err := batch.Set(pebbleRevisionKey, rev[:], nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (t *pebbleTable) remove(rec relaysync.Record) error {
	batch := t.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(pebbleRecordKey(rec.ID), nil); err != nil {
		return err
	}
	if !rec.Deleted {
		if err := batch.Delete(pebbleIndexKey(rec), nil); err != nil {
			return err
		}
	}
	if rec.IdempotencyToken != "" {
		if err := batch.Delete(pebbleTokenKey(rec.IdempotencyToken), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (t *pebbleTable) scan(q relaysync.Query) ([]relaysync.Record, error) {
	prefix := pebbleTopicPrefix(q.Predicate)
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	skipped := 0
	step := iter.Next
	valid := iter.First()
	if q.Descending {
		step = iter.Prev
		valid = iter.Last()
	}
	for ; valid; valid = step() {
		if skipped < q.Offset {
			skipped++
			continue
		}
		key := string(iter.Key()[len(prefix):])
		sep := strings.Index(key, keySep)
		if sep < 0 {
			continue
		}
		ids = append(ids, key[sep+1:])
		if q.Limit > 0 && len(ids) >= q.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]relaysync.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := t.get(id)
		if err != nil {
			return nil, err
		}
		if ok && !rec.Deleted {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *pebbleTable) tombstones(before time.Time) ([]relaysync.Record, error) {
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleRecordPrefix,
		UpperBound: prefixUpperBound(pebbleRecordPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []relaysync.Record
	for valid := iter.First(); valid; valid = iter.Next() {
		var rec relaysync.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", iter.Key()[len(pebbleRecordPrefix):], err)
		}
		if rec.Deleted && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, iter.Error()
}

func (t *pebbleTable) nextRevision() (int64, error) {
	t.revCounter++
	return t.revCounter, nil
}

func (t *pebbleTable) close() error {
	return t.db.Close()
}

// PebbleStore keeps records in an embedded pebble database.
type PebbleStore struct {
	*engine
	dir string
}

func OpenPebbleStore(dir string, opts Options) (*PebbleStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, relaysync.ErrInvalidInput
	}
	t, err := openPebbleTable(dir)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{engine: newEngine(t, opts), dir: dir}, nil
}

func (s *PebbleStore) Dir() string {
	return s.dir
}
