package storeclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const subscriptionBuffer = 64

type streamFrame struct {
	Status  string              `json:"status,omitempty"`
	Message string              `json:"message,omitempty"`
	Type    relaysync.EventType `json:"type,omitempty"`
	Record  *relaysync.Record   `json:"record,omitempty"`
}

// Subscribe opens a websocket push stream for pred. It returns once the
// server has confirmed the subscription.
func (c *Client) Subscribe(ctx context.Context, pred relaysync.Predicate) (relaysync.Subscription, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	// The handshake is bounded by dialCtx; a client timeout would also cut
	// the long-lived stream.
	httpClient := *c.httpClient
	httpClient.Timeout = 0
	conn, resp, err := websocket.Dial(dialCtx, c.wsURL(topicPath(pred, "subscribe")), &websocket.DialOptions{
		HTTPClient: &httpClient,
		HTTPHeader: http.Header{
			"Authorization":    []string{"Bearer " + c.token},
			"X-Correlation-Id": []string{correlationID()},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &relaysync.TransportError{Op: "subscribe", Err: &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}}
		}
		return nil, handshakeError(ctx, dialCtx, err)
	}

	var first streamFrame
	if err := wsjson.Read(dialCtx, conn, &first); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, handshakeError(ctx, dialCtx, err)
	}
	switch first.Status {
	case "subscribed":
	case "error":
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, &relaysync.TransportError{Op: "subscribe", Err: errors.New(first.Message)}
	default:
		_ = conn.Close(websocket.StatusProtocolError, "expected subscribed frame")
		return nil, &relaysync.TransportError{Op: "subscribe", Err: fmt.Errorf("unexpected handshake frame %+v", first)}
	}

	runCtx, runCancel := context.WithCancel(ctx)
	s := &subscription{
		conn:         conn,
		events:       make(chan relaysync.ChangeEvent, subscriptionBuffer),
		cancel:       runCancel,
		done:         make(chan struct{}),
		pingInterval: c.pingInterval,
		pingTimeout:  c.pingTimeout,
		logger:       c.logger.With("predicate", pred.Key()),
	}
	go s.run(runCtx)
	return s, nil
}

func handshakeError(parent, dialCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
		return &relaysync.TransportError{Op: "subscribe", Err: relaysync.ErrSubscriptionTimeout}
	}
	return &relaysync.TransportError{Op: "subscribe", Err: err}
}

func (c *Client) wsURL(path string) string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path
	default:
		return c.baseURL + path
	}
}

type subscription struct {
	conn         *websocket.Conn
	events       chan relaysync.ChangeEvent
	cancel       context.CancelFunc
	done         chan struct{}
	pingInterval time.Duration
	pingTimeout  time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	err     error
	closing bool
}

func (s *subscription) Events() <-chan relaysync.ChangeEvent {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

// fail records the first cause of the stream ending and stops it. Causes
// after Close are ignored.
func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.closing {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *subscription) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(ctx)
	}()
	defer func() {
		s.cancel()
		wg.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		close(s.events)
		close(s.done)
	}()

	for {
		var frame streamFrame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			if ctx.Err() == nil {
				s.fail(&relaysync.TransportError{Op: "subscription", Err: err})
			}
			return
		}
		if frame.Status == "error" {
			s.fail(&relaysync.TransportError{Op: "subscription", Err: errors.New(frame.Message)})
			return
		}
		if frame.Record == nil || frame.Type == "" {
			s.logger.Warn("ignoring frame without change event", "status", frame.Status)
			continue
		}
		select {
		case s.events <- relaysync.ChangeEvent{Type: frame.Type, Record: *frame.Record}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.logger.Info("subscription ping failed", "error", err)
				s.fail(&relaysync.TransportError{Op: "subscription", Err: fmt.Errorf("%w: %v", relaysync.ErrSubscriptionTimeout, err)})
				return
			}
		}
	}
}
