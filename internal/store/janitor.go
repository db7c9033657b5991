package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const DefaultRetentionCron = "0 3 * * *"

// Purger is the part of a Backend the Janitor drives.
type Purger interface {
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)
}

type JanitorOptions struct {
	Cron   string
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Janitor purges tombstones older than TTL on a cron schedule. Tombstones
// are kept long enough for reconnecting clients to observe the delete.
type Janitor struct {
	purger Purger
	cron   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
	purged  int
}

func NewJanitor(purger Purger, opts JanitorOptions) (*Janitor, error) {
	cron := opts.Cron
	if cron == "" {
		cron = DefaultRetentionCron
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cron)
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("retention ttl must be positive, got %s", opts.TTL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Janitor{
		purger: purger,
		cron:   cron,
		ttl:    opts.TTL,
		logger: logger,
		now:    now,
	}, nil
}

// RunOnce purges tombstones last updated before now minus TTL.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	now := j.now().UTC()
	n, err := j.purger.PurgeTombstones(ctx, now.Add(-j.ttl))
	j.mu.Lock()
	j.lastRun = now
	if err == nil {
		j.purged += n
	}
	j.mu.Unlock()
	return n, err
}

// Next reports the next scheduled run after t.
func (j *Janitor) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.cron, t.UTC(), false)
}

// Stats reports when the janitor last ran and how many tombstones it has
// purged in total.
func (j *Janitor) Stats() (time.Time, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.purged
}

func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.schedule(runCtx, j.done)
	j.logger.Info("retention janitor started", "cron", j.cron, "ttl", j.ttl)
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) schedule(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := j.Next(j.now())
		wait := time.Until(next)
		if err != nil {
			j.logger.Error("retention next tick failed", "cron", j.cron, "error", err)
			wait = 30 * time.Second
		}
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		n, runErr := j.RunOnce(ctx)
		if runErr != nil {
			j.logger.Error("retention run failed", "error", runErr)
			continue
		}
		j.logger.Info("retention run finished", "purged", n)
	}
}
