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

type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelActive
	ChannelReconnecting
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelActive:
		return "active"
	case ChannelReconnecting:
		return "reconnecting"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// Handlers receive push events for one predicate. They run on the binding's
// goroutine, one at a time, and must not call Close on their own binding.
type Handlers struct {
	OnInsert func(Record)
	OnUpdate func(Record)
	OnDelete func(Record)
	OnState  func(ChannelState, error)
	OnActive func(reconnected bool)
}

type BindingOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
	Metrics    *Metrics
}

const (
	defaultMinBackoff = 200 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

var errStreamEnded = errors.New("push stream ended")

// Channels hands out at most one Binding per predicate.
type Channels struct {
	source Subscriber
	opts   BindingOptions

	mu   sync.Mutex
	open map[string]*Binding
}

func NewChannels(source Subscriber, opts BindingOptions) *Channels {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channels{
		source: source,
		opts:   opts,
		open:   map[string]*Binding{},
	}
}

func (c *Channels) Open(ctx context.Context, pred Predicate, handlers Handlers) (*Binding, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	key := pred.Key()

	c.mu.Lock()
	if _, exists := c.open[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBindingExists, key)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Binding{
		pred:     pred,
		source:   c.source,
		handlers: handlers,
		opts:     c.opts,
		logger:   c.opts.Logger.With("binding", key),
		owner:    c,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.open[key] = b
	c.mu.Unlock()

	go b.run(runCtx)
	return b, nil
}

// Len reports how many bindings are open.
func (c *Channels) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

func (c *Channels) release(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open[b.pred.Key()] == b {
		delete(c.open, b.pred.Key())
	}
}

// Binding keeps one push subscription alive, re-subscribing with
// exponential backoff whenever the stream drops.
type Binding struct {
	pred     Predicate
	source   Subscriber
	handlers Handlers
	opts     BindingOptions
	logger   *slog.Logger
	owner    *Channels

	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	stateMu sync.Mutex
	state   ChannelState
}

func (b *Binding) Predicate() Predicate {
	return b.pred
}

func (b *Binding) State() ChannelState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// Done is closed once the binding's goroutine has exited.
func (b *Binding) Done() <-chan struct{} {
	return b.done
}

// Close stops the subscription and returns after the last handler call has
// finished. It is safe to call more than once.
func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.cancel()
		b.owner.release(b)
	})
	<-b.done
	b.stateMu.Lock()
	b.state = ChannelClosed
	b.stateMu.Unlock()
	return nil
}

func (b *Binding) run(ctx context.Context) {
	defer close(b.done)
	defer b.owner.release(b)

	backoff := b.opts.MinBackoff
	connected := false
	b.setState(ChannelConnecting, nil)
	for {
		sub, err := b.source.Subscribe(ctx, b.pred)
		if ctx.Err() != nil {
			if sub != nil {
				_ = sub.Close()
			}
			return
		}
		if err != nil {
			err = AsTransportError("subscribe", err)
			b.logger.Warn("subscribe failed", "error", err, "retry_in", backoff)
			b.setState(ChannelReconnecting, err)
			if !waitWithContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, b.opts.MaxBackoff)
			b.opts.Metrics.recordReconnect()
			continue
		}

		backoff = b.opts.MinBackoff
		b.opts.Metrics.bindingActive(1)
		b.setState(ChannelActive, nil)
		reconnected := connected
		connected = true
		b.dispatch(func() {
			if b.handlers.OnActive != nil {
				b.handlers.OnActive(reconnected)
			}
		})

		err = b.pump(ctx, sub)
		b.opts.Metrics.bindingActive(-1)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamEnded
		}
		err = AsTransportError("subscription", err)
		b.logger.Info("push stream dropped", "error", err, "retry_in", backoff)
		b.setState(ChannelReconnecting, err)
		if !waitWithContext(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, b.opts.MaxBackoff)
		b.opts.Metrics.recordReconnect()
	}
}

func (b *Binding) pump(ctx context.Context, sub Subscription) error {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return sub.Err()
			}
			b.deliver(ev)
		}
	}
}

func (b *Binding) deliver(ev ChangeEvent) {
	if ev.Record.Kind == "" {
		ev.Record.Kind = b.pred.Kind
	}
	if !b.pred.Matches(ev.Record) {
		b.logger.Debug("ignored event for another predicate", "id", ev.Record.ID, "topic", ev.Record.TopicID)
		return
	}
	var fn func(Record)
	switch ev.Type {
	case EventInsert:
		fn = b.handlers.OnInsert
	case EventUpdate:
		fn = b.handlers.OnUpdate
	case EventDelete:
		fn = b.handlers.OnDelete
	default:
		b.logger.Warn("ignored event with unknown type", "type", ev.Type, "id", ev.Record.ID)
		return
	}
	if fn == nil {
		return
	}
	rec := ev.Record
	b.dispatch(func() { fn(rec) })
}

func (b *Binding) setState(state ChannelState, err error) {
	b.stateMu.Lock()
	b.state = state
	b.stateMu.Unlock()
	b.dispatch(func() {
		if b.handlers.OnState != nil {
			b.handlers.OnState(state, err)
		}
	})
}

func (b *Binding) dispatch(fn func()) {
	if b.closed.Load() {
		return
	}
	fn()
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func waitWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
