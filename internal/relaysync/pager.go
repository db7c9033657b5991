package relaysync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultPageSize = 50

type PagerOptions struct {
	PageSize   int
	Descending bool
	Logger     *slog.Logger
	Metrics    *Metrics
}

type PageResult struct {
	Count     int
	Exhausted bool
	Stale     bool
}

// Pager walks a topic's history page by page into a Collection. Loads are
// serialized; Reset never waits for one and instead bumps the generation so
// the in-flight result is dropped when it arrives.
type Pager struct {
	reader     RangeReader
	coll       *Collection
	pageSize   int
	descending bool
	logger     *slog.Logger
	metrics    *Metrics

	loadMu sync.Mutex

	mu         sync.Mutex
	offset     int
	exhausted  bool
	generation uint64
}

func NewPager(reader RangeReader, coll *Collection, opts PagerOptions) *Pager {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pager{
		reader:     reader,
		coll:       coll,
		pageSize:   pageSize,
		descending: opts.Descending,
		logger:     logger,
		metrics:    opts.Metrics,
		generation: 1,
	}
}

func (p *Pager) LoadNext(ctx context.Context) (PageResult, error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	p.mu.Lock()
	if p.exhausted {
		p.mu.Unlock()
		return PageResult{Exhausted: true}, nil
	}
	generation, offset := p.generation, p.offset
	p.mu.Unlock()

	records, err := p.fetch(ctx, offset, p.pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if generation != p.generation {
		p.metrics.recordStale("page")
		p.logger.Debug("dropped page for stale generation", "generation", generation, "current", p.generation)
		return PageResult{Stale: true}, nil
	}
	if err != nil {
		return PageResult{}, AsTransportError("fetch", err)
	}
	merged, mergeErr := p.coll.AppendPage(records)
	if mergeErr != nil {
		p.logger.Warn("page contained malformed records", "offset", offset, "rejected", len(records)-merged)
	}
	p.offset += len(records)
	p.exhausted = len(records) < p.pageSize
	return PageResult{Count: merged, Exhausted: p.exhausted}, nil
}

// RefetchWindow re-reads every row loaded so far and merges it. Confirmed
// rows the refetched window covers that the Store no longer returns were
// deleted while the push stream was down and are dropped. Rows merged while
// the read was in flight are never dropped.
func (p *Pager) RefetchWindow(ctx context.Context) (int, error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	p.mu.Lock()
	generation := p.generation
	limit := p.offset
	if limit < p.pageSize {
		limit = p.pageSize
	}
	p.mu.Unlock()

	since := p.coll.Version()
	records, err := p.fetch(ctx, 0, limit)

	p.mu.Lock()
	defer p.mu.Unlock()
	if generation != p.generation {
		p.metrics.recordStale("refetch")
		return 0, nil
	}
	if err != nil {
		return 0, AsTransportError("refetch", err)
	}
	p.metrics.recordRefetch()
	merged, _ := p.coll.AppendPage(records)
	exhausted := len(records) < limit
	present := make(map[string]struct{}, len(records))
	var lo, hi *SortKey
	for _, rec := range records {
		present[rec.ID] = struct{}{}
		key := rec.SortKey()
		if lo == nil || key.Less(*lo) {
			lo = &key
		}
		if hi == nil || hi.Less(key) {
			hi = &key
		}
	}
	// The window always starts at the head of the ordering; an exhausted
	// read covers the tail as well.
	if exhausted || !p.descending {
		lo = nil
	}
	if exhausted || p.descending {
		hi = nil
	}
	if len(records) > 0 || exhausted {
		for _, id := range p.coll.evictMissing(lo, hi, present, since) {
			p.logger.Debug("removed record missing from refetched window", "id", id)
		}
	}
	if len(records) > p.offset {
		p.offset = len(records)
	}
	p.exhausted = exhausted
	return merged, nil
}

func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = 0
	p.exhausted = false
	p.generation++
}

func (p *Pager) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Pager) Offset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

func (p *Pager) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

func (p *Pager) fetch(ctx context.Context, offset, limit int) ([]Record, error) {
	started := time.Now()
	defer p.metrics.observeFetch(started)
	return p.reader.Fetch(ctx, Query{
		Predicate:  p.coll.Predicate(),
		Offset:     offset,
		Limit:      limit,
		Descending: p.descending,
	})
}
