package store

import (
	"sort"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type memoryTable struct {
	records    map[string]relaysync.Record
	tokens     map[string]string
	revCounter int64
}

func newMemoryTable() *memoryTable {
	return &memoryTable{
		records: map[string]relaysync.Record{},
		tokens:  map[string]string{},
	}
}

func (t *memoryTable) get(id string) (relaysync.Record, bool, error) {
	rec, ok := t.records[id]
	if !ok {
		return relaysync.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (t *memoryTable) idForToken(token string) (string, bool, error) {
	id, ok := t.tokens[token]
	return id, ok, nil
}

func (t *memoryTable) put(rec relaysync.Record, _ *relaysync.Record) error {
	rec = rec.Clone()
	rec.State = ""
	t.records[rec.ID] = rec
	if rec.IdempotencyToken != "" {
		t.tokens[rec.IdempotencyToken] = rec.ID
	}
	if rec.Revision > t.revCounter {
		t.revCounter = rec.Revision
	}
	return nil
}

func (t *memoryTable) remove(rec relaysync.Record) error {
	delete(t.records, rec.ID)
	if rec.IdempotencyToken != "" && t.tokens[rec.IdempotencyToken] == rec.ID {
		delete(t.tokens, rec.IdempotencyToken)
	}
	return nil
}

func (t *memoryTable) scan(q relaysync.Query) ([]relaysync.Record, error) {
	matches := make([]relaysync.Record, 0)
	for _, rec := range t.records {
		if rec.Deleted || !q.Predicate.Matches(rec) {
			continue
		}
		matches = append(matches, rec)
	}
	sort.Slice(matches, func(i, j int) bool {
		if q.Descending {
			return matches[j].SortKey().Less(matches[i].SortKey())
		}
		return matches[i].SortKey().Less(matches[j].SortKey())
	})
	return window(matches, q.Offset, q.Limit), nil
}

func (t *memoryTable) tombstones(before time.Time) ([]relaysync.Record, error) {
	var out []relaysync.Record
	for _, rec := range t.records {
		if rec.Deleted && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memoryTable) nextRevision() (int64, error) {
	t.revCounter++
	return t.revCounter, nil
}

func (t *memoryTable) close() error {
	return nil
}

func (t *memoryTable) all() []relaysync.Record {
	out := make([]relaysync.Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SortKey().Less(out[j].SortKey())
	})
	return out
}

func (t *memoryTable) reset(records []relaysync.Record, revCounter int64) {
	t.records = make(map[string]relaysync.Record, len(records))
	t.tokens = map[string]string{}
	t.revCounter = revCounter
	for _, rec := range records {
		_ = t.put(rec, nil)
	}
}

func window(records []relaysync.Record, offset, limit int) []relaysync.Record {
	if offset >= len(records) {
		return []relaysync.Record{}
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	out := make([]relaysync.Record, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out
}

// MemoryStore keeps every record in process. It is the default backend and
// the one used by tests.
type MemoryStore struct {
	*engine
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{engine: newEngine(newMemoryTable(), opts)}
}
