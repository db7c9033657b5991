package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/storeclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type options struct {
	baseURL        string
	token          string
	jwtSecret      string
	user           string
	kind           relaysync.Kind
	topic          string
	send           string
	interval       time.Duration
	intervalJitter float64
	timeout        time.Duration
	once           bool
	metricsAddr    string
	logLevel       string
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaysync-watch: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaysync-watch: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	var opts options
	var kind string
	flags := flag.NewFlagSet("relaysync-watch", flag.ContinueOnError)
	flags.StringVar(&opts.baseURL, "base-url", envOrDefault("RELAYSYNC_BASE_URL", "http://127.0.0.1:8080"), "relaysync base URL")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYSYNC_TOKEN")), "bearer token")
	flags.StringVar(&opts.jwtSecret, "jwt-secret", strings.TrimSpace(os.Getenv("RELAYSYNC_JWT_SECRET")), "mint a token with this secret when -token is empty")
	flags.StringVar(&opts.user, "user", strings.TrimSpace(os.Getenv("RELAYSYNC_USER")), "user ID; own records never count as unread")
	flags.StringVar(&kind, "kind", envOrDefault("RELAYSYNC_KIND", string(relaysync.KindMessage)), "record kind: message, comment or notification")
	flags.StringVar(&opts.topic, "topic", strings.TrimSpace(os.Getenv("RELAYSYNC_TOPIC")), "topic ID")
	flags.StringVar(&opts.send, "send", "", "send one record with this text before watching")
	flags.DurationVar(&opts.interval, "interval", durationEnv("RELAYSYNC_WATCH_INTERVAL", 30*time.Second), "window refetch interval")
	flags.Float64Var(&opts.intervalJitter, "interval-jitter", floatEnv("RELAYSYNC_WATCH_INTERVAL_JITTER", 0.2), "refetch interval jitter ratio (0.0-1.0)")
	flags.DurationVar(&opts.timeout, "timeout", durationEnv("RELAYSYNC_WATCH_TIMEOUT", 15*time.Second), "per-request timeout")
	flags.BoolVar(&opts.once, "once", false, "print the current window and exit")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", strings.TrimSpace(os.Getenv("RELAYSYNC_WATCH_METRICS_ADDR")), "serve client metrics on this address")
	flags.StringVar(&opts.logLevel, "log-level", envOrDefault("RELAYSYNC_LOG_LEVEL", "info"), "debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	parsed, err := relaysync.ParseKind(kind)
	if err != nil {
		return options{}, err
	}
	opts.kind = parsed
	opts.topic = strings.TrimSpace(opts.topic)
	if opts.topic == "" {
		return options{}, errors.New("topic is required (--topic or RELAYSYNC_TOPIC)")
	}
	if opts.token == "" && opts.jwtSecret == "" {
		return options{}, errors.New("token is required (--token, RELAYSYNC_TOKEN or --jwt-secret)")
	}
	if opts.token == "" && opts.user == "" {
		return options{}, errors.New("user is required to mint a token (--user or RELAYSYNC_USER)")
	}
	if opts.interval <= 0 {
		opts.interval = 30 * time.Second
	}
	if opts.timeout <= 0 {
		opts.timeout = 15 * time.Second
	}
	opts.intervalJitter = clampJitterRatio(opts.intervalJitter)
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	logger, err := logging.New(opts.logLevel, "text", nil)
	if err != nil {
		return err
	}
	token := opts.token
	if token == "" {
		token, err = httpapi.MintToken(opts.jwtSecret, "", opts.user, []string{httpapi.ScopeRead, httpapi.ScopeWrite}, 24*time.Hour, time.Now())
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := relaysync.NewMetrics(reg)
	if opts.metricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server failed", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	client := storeclient.NewClient(opts.baseURL, token, storeclient.Options{
		HTTPClient: &http.Client{Timeout: opts.timeout},
		Logger:     logger,
	})
	hub := relaysync.NewHub(client, relaysync.FeedOptions{
		SelfID:  opts.user,
		Logger:  logger,
		Metrics: metrics,
		OnError: func(err error) {
			logger.Warn("feed error", "error", err)
		},
	})
	defer hub.Close()

	pred := relaysync.Predicate{Kind: opts.kind, TopicID: opts.topic}
	acquireCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	feed, err := hub.Acquire(acquireCtx, pred)
	cancel()
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer hub.Release(feed)

	if opts.send != "" {
		if _, err := feed.Send(relaysync.Payload{relaysync.FieldText: opts.send}); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		err := feed.Wait(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	printer := &windowPrinter{out: out, seen: map[string]int64{}}
	printer.print(feed, hub.Unread().Total())
	if opts.once {
		return nil
	}

	changed := make(chan struct{}, 1)
	unwatch := feed.Collection().Watch(func(uint64) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unwatch()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("watch stopping", "reason", ctx.Err())
			return nil
		case <-changed:
			printer.print(feed, hub.Unread().Total())
		case <-timer.C:
			refreshCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			if err := feed.Refresh(refreshCtx); err != nil {
				logger.Warn("window refetch failed", "error", err)
			}
			cancel()
			timer.Reset(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
		}
	}
}

// windowPrinter writes each record once per revision.
type windowPrinter struct {
	out     io.Writer
	seen    map[string]int64
	unread  int
	printed bool
}

func (p *windowPrinter) print(feed *relaysync.Feed, unread int) {
	for _, rec := range feed.Snapshot() {
		if rev, ok := p.seen[rec.ID]; ok && rev == rec.Revision {
			continue
		}
		p.seen[rec.ID] = rec.Revision
		marker := " "
		if _, read := rec.ReadAt(); !read {
			marker = "*"
		}
		fmt.Fprintf(p.out, "%s %s %s %s: %s\n", marker, rec.CreatedAt.UTC().Format(time.RFC3339), rec.ID, rec.SenderID(), rec.Text())
	}
	if !p.printed || unread != p.unread {
		fmt.Fprintf(p.out, "state=%s unread=%d\n", feed.State(), unread)
	}
	p.printed = true
	p.unread = unread
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
