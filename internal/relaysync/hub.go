package relaysync

import (
	"context"
	"log/slog"
	"sync"
)

type hubEntry struct {
	ready chan struct{}
	feed  *Feed
	err   error
	refs  int
}

// Hub shares one Feed per predicate between every consumer that acquires it
// and owns the unread aggregator across all of them.
type Hub struct {
	store    Store
	channels *Channels
	unread   *UnreadAggregator
	opts     FeedOptions
	logger   *slog.Logger

	mu         sync.Mutex
	feeds      map[string]*hubEntry
	generation uint64
	closed     bool
}

func NewHub(store Store, opts FeedOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:    store,
		channels: NewChannels(store, BindingOptions{Logger: logger, Metrics: opts.Metrics}),
		logger:   logger,
		feeds:    map[string]*hubEntry{},
	}
	h.unread = opts.Unread
	if h.unread == nil {
		h.unread = NewUnreadAggregator(opts.SelfID, store, UnreadOptions{Logger: logger, Now: opts.Now})
	}
	opts.Unread = h.unread
	h.opts = opts
	return h
}

func (h *Hub) Unread() *UnreadAggregator {
	return h.unread
}

// Acquire returns the live Feed for pred, opening it on first use. Every
// Acquire must be paired with a Release.
func (h *Hub) Acquire(ctx context.Context, pred Predicate) (*Feed, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	key := pred.Key()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrFeedClosed
	}
	if e, ok := h.feeds[key]; ok {
		e.refs++
		h.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			h.release(key, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.feed, nil
	}
	h.generation++
	generation := h.generation
	e := &hubEntry{ready: make(chan struct{}), refs: 1}
	h.feeds[key] = e
	h.mu.Unlock()

	feed, err := OpenFeed(ctx, h.store, h.channels, pred, h.opts)
	if err == nil {
		feed.generation = generation
	}

	h.mu.Lock()
	e.feed, e.err = feed, err
	if err != nil && h.feeds[key] == e {
		delete(h.feeds, key)
	}
	closed := h.closed
	h.mu.Unlock()
	close(e.ready)

	if err != nil {
		return nil, err
	}
	if closed {
		_ = feed.Close()
		return nil, ErrFeedClosed
	}
	h.logger.Debug("opened feed", "feed", key, "generation", generation)
	return feed, nil
}

// Release drops one reference to feed and closes it when none remain. A
// Feed from an earlier generation is already closed and is ignored.
func (h *Hub) Release(feed *Feed) {
	if feed == nil {
		return
	}
	key := feed.Predicate().Key()
	h.mu.Lock()
	e, ok := h.feeds[key]
	current := ok && e.feed == feed
	h.mu.Unlock()
	if !current {
		return
	}
	h.release(key, e)
}

func (h *Hub) release(key string, e *hubEntry) {
	h.mu.Lock()
	e.refs--
	if e.refs > 0 || h.feeds[key] != e {
		h.mu.Unlock()
		return
	}
	delete(h.feeds, key)
	h.mu.Unlock()

	select {
	case <-e.ready:
		if e.feed != nil {
			_ = e.feed.Close()
		}
	default:
		go func() {
			<-e.ready
			if e.feed != nil {
				_ = e.feed.Close()
			}
		}()
	}
}

// Feeds reports how many predicates currently have a live Feed.
func (h *Hub) Feeds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	entries := make([]*hubEntry, 0, len(h.feeds))
	for _, e := range h.feeds {
		entries = append(entries, e)
	}
	h.feeds = map[string]*hubEntry{}
	h.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.feed != nil {
			_ = e.feed.Close()
		}
	}
	h.unread.Close()
	return nil
}
