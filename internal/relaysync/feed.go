package relaysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const feedErrorBuffer = 64

type FeedOptions struct {
	SelfID     string
	PageSize   int
	Descending bool
	Validator  Validator
	Logger     *slog.Logger
	Metrics    *Metrics
	Now        func() time.Time

	// Unread is shared by every Feed of a Hub. A standalone Feed gets its own.
	Unread *UnreadAggregator

	// OnChange and OnError run on goroutines owned by the Feed, never on the
	// caller's or the binding's.
	OnChange func(version uint64)
	OnError  func(error)
}

// Feed is one topic's live session: a Collection kept current by a push
// binding, paged in from the Store, and written to optimistically.
type Feed struct {
	pred       Predicate
	store      Store
	coll       *Collection
	tracker    *Tracker
	pager      *Pager
	unread     *UnreadAggregator
	ownsUnread bool
	binding    *Binding
	logger     *slog.Logger
	selfID     string
	generation uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	writes sync.WaitGroup

	onError  func(error)
	errs     chan error
	stopErrs chan struct{}
	change   *notifier[uint64]
	unwatch  func()
}

// OpenFeed subscribes to pred and then loads the first page. channels may be
// nil, in which case the Feed opens its binding on a private registry.
func OpenFeed(ctx context.Context, store Store, channels *Channels, pred Predicate, opts FeedOptions) (*Feed, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("feed", pred.Key())
	if channels == nil {
		channels = NewChannels(store, BindingOptions{Logger: logger, Metrics: opts.Metrics})
	}

	coll := NewCollection(CollectionOptions{
		Predicate: pred,
		Validator: opts.Validator,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	tracker := NewTracker(coll, TrackerOptions{Logger: logger, Metrics: opts.Metrics, Now: opts.Now})
	pager := NewPager(store, coll, PagerOptions{
		PageSize:   opts.PageSize,
		Descending: opts.Descending,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})

	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &Feed{
		pred:     pred,
		store:    store,
		coll:     coll,
		tracker:  tracker,
		pager:    pager,
		unread:   opts.Unread,
		logger:   logger,
		selfID:   opts.SelfID,
		ctx:      feedCtx,
		cancel:   cancel,
		onError:  opts.OnError,
		errs:     make(chan error, feedErrorBuffer),
		stopErrs: make(chan struct{}),
	}
	if f.unread == nil {
		f.unread = NewUnreadAggregator(opts.SelfID, store, UnreadOptions{Logger: logger, Now: opts.Now})
		f.ownsUnread = true
	}
	f.unread.Track(coll, tracker)
	if opts.OnChange != nil {
		f.change = newNotifier(opts.OnChange)
		f.unwatch = coll.Watch(f.change.publish)
	}
	if f.onError != nil {
		go f.dispatchErrors()
	}

	binding, err := channels.Open(ctx, pred, Handlers{
		OnInsert: f.onUpsert,
		OnUpdate: f.onUpsert,
		OnDelete: f.onDelete,
		OnState:  f.onState,
		OnActive: f.onActive,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	f.binding = binding

	if _, err := pager.LoadNext(ctx); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *Feed) Predicate() Predicate {
	return f.pred
}

// Generation is the Hub generation this Feed was opened under. Standalone
// Feeds report zero.
func (f *Feed) Generation() uint64 {
	return f.generation
}

func (f *Feed) Collection() *Collection {
	return f.coll
}

func (f *Feed) Tracker() *Tracker {
	return f.tracker
}

func (f *Feed) State() ChannelState {
	if f.closed.Load() || f.binding == nil {
		return ChannelClosed
	}
	return f.binding.State()
}

func (f *Feed) Snapshot() []Record {
	return f.coll.Snapshot()
}

func (f *Feed) Thread() []*ThreadNode {
	return f.coll.Thread()
}

func (f *Feed) CountUnread() int {
	return f.unread.CountFor(f.pred)
}

func (f *Feed) LoadMore(ctx context.Context) (PageResult, error) {
	if f.closed.Load() {
		return PageResult{}, ErrFeedClosed
	}
	return f.pager.LoadNext(ctx)
}

// Refresh re-reads the loaded window from the Store.
func (f *Feed) Refresh(ctx context.Context) error {
	if f.closed.Load() {
		return ErrFeedClosed
	}
	_, err := f.pager.RefetchWindow(ctx)
	return err
}

// Send creates a record optimistically. sender_id defaults to the Feed's
// SelfID.
func (f *Feed) Send(draft Payload) (Mutation, error) {
	if f.closed.Load() {
		return Mutation{}, ErrFeedClosed
	}
	draft = draft.Clone()
	if draft == nil {
		draft = Payload{}
	}
	if _, ok := draft[FieldSenderID]; !ok && f.selfID != "" {
		draft[FieldSenderID] = f.selfID
	}
	m, err := f.tracker.BeginCreate(draft)
	if err != nil {
		return Mutation{}, err
	}
	f.settle(m, func(ctx context.Context, _ string) (Record, error) {
		return f.store.Insert(ctx, Record{
			TopicID:          f.pred.TopicID,
			Kind:             f.pred.Kind,
			Payload:          m.Payload,
			IdempotencyToken: m.Token,
		})
	})
	return m, nil
}

func (f *Feed) Edit(id string, patch Payload) (Mutation, error) {
	if f.closed.Load() {
		return Mutation{}, ErrFeedClosed
	}
	m, err := f.tracker.BeginUpdate(id, patch)
	if err != nil {
		return Mutation{}, err
	}
	f.settle(m, func(ctx context.Context, liveID string) (Record, error) {
		return f.store.Update(ctx, f.pred.Kind, liveID, m.Payload)
	})
	return m, nil
}

func (f *Feed) Delete(id string) (Mutation, error) {
	if f.closed.Load() {
		return Mutation{}, ErrFeedClosed
	}
	m, err := f.tracker.BeginDelete(id)
	if err != nil {
		return Mutation{}, err
	}
	f.settle(m, func(ctx context.Context, liveID string) (Record, error) {
		return f.store.Delete(ctx, f.pred.Kind, liveID)
	})
	return m, nil
}

// MarkRead marks the topic read up to and including upTo. A zero upTo marks
// everything loaded.
func (f *Feed) MarkRead(ctx context.Context, upTo SortKey) error {
	if f.closed.Load() {
		return ErrFeedClosed
	}
	return f.unread.MarkRead(ctx, f.pred.TopicID, upTo)
}

// Wait blocks until every write started so far has settled.
func (f *Feed) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.writes.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops the binding and drops the results of writes still in flight.
func (f *Feed) Close() error {
	f.once.Do(func() {
		f.closed.Store(true)
		f.cancel()
		if f.binding != nil {
			_ = f.binding.Close()
		}
		f.pager.Reset()
		f.writes.Wait()
		f.unread.Untrack(f.coll)
		if f.ownsUnread {
			f.unread.Close()
		}
		if f.unwatch != nil {
			f.unwatch()
		}
		if f.change != nil {
			f.change.close(false)
		}
		close(f.stopErrs)
	})
	return nil
}

func (f *Feed) settle(m Mutation, write func(ctx context.Context, liveID string) (Record, error)) {
	f.writes.Add(1)
	go func() {
		defer f.writes.Done()
		liveID, err := f.tracker.Await(f.ctx, m)
		if f.closed.Load() {
			return
		}
		if err != nil {
			failed, _ := f.tracker.Fail(m, err)
			f.reportError(&MutationError{Mutation: m, Record: failed, Err: err})
			return
		}

		server, err := write(f.ctx, liveID)
		if f.closed.Load() {
			return
		}
		if err != nil {
			err = AsTransportError(string(m.Kind), err)
			failed, failErr := f.tracker.Fail(m, err)
			if failErr != nil {
				f.logger.Warn("reverting mutation failed", "mutation", m.ID, "error", failErr)
			}
			f.reportError(&MutationError{Mutation: m, Record: failed, Err: err})
			return
		}
		if err := f.tracker.Confirm(m, server); err != nil {
			if errors.Is(err, ErrRecordGone) {
				f.logger.Debug("record vanished before its write settled", "mutation", m.ID, "record", m.RecordID)
				return
			}
			f.logger.Warn("confirming mutation failed", "mutation", m.ID, "error", err)
		}
	}()
}

func (f *Feed) onUpsert(rec Record) {
	if err := f.coll.Upsert(rec); err != nil {
		f.logger.Debug("push record rejected", "id", rec.ID, "error", err)
	}
}

func (f *Feed) onDelete(rec Record) {
	rec.Deleted = true
	if err := f.coll.Upsert(rec); err != nil {
		f.coll.Remove(rec.ID)
	}
}

func (f *Feed) onState(state ChannelState, err error) {
	f.logger.Debug("binding state changed", "state", state.String(), "error", err)
	if err != nil && state == ChannelReconnecting {
		f.reportError(err)
	}
}

func (f *Feed) onActive(reconnected bool) {
	if !reconnected {
		return
	}
	if _, err := f.pager.RefetchWindow(f.ctx); err != nil {
		if f.closed.Load() {
			return
		}
		f.reportError(fmt.Errorf("gap repair: %w", err))
	}
}

func (f *Feed) reportError(err error) {
	if err == nil || f.closed.Load() {
		return
	}
	if f.onError == nil {
		f.logger.Warn("feed error", "error", err)
		return
	}
	select {
	case f.errs <- err:
	default:
		f.logger.Warn("dropped feed error, handler is behind", "error", err)
	}
}

func (f *Feed) dispatchErrors() {
	for {
		select {
		case <-f.stopErrs:
			return
		case err := <-f.errs:
			f.onError(err)
		}
	}
}
