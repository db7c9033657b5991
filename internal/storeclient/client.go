package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

// HTTPError is a non-2xx answer from the Store server.
type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// PageSize caps a single range request; larger Fetch windows are read in
	// several requests.
	PageSize         int
	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Client is a relaysync.Store backed by a remote Store server.
type Client struct {
	baseURL          string
	token            string
	httpClient       *http.Client
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	pageSize         int
	pingInterval     time.Duration
	pingTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

var _ relaysync.Store = (*Client)(nil)

func NewClient(baseURL, token string, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		baseURL:          baseURL,
		token:            strings.TrimSpace(token),
		httpClient:       httpClient,
		maxRetries:       opts.MaxRetries,
		baseDelay:        opts.BaseDelay,
		maxDelay:         opts.MaxDelay,
		pageSize:         opts.PageSize,
		pingInterval:     opts.PingInterval,
		pingTimeout:      opts.PingTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		logger:           opts.Logger,
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	if c.pageSize <= 0 {
		c.pageSize = 500
	}
	if c.pingInterval <= 0 {
		c.pingInterval = 20 * time.Second
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = 10 * time.Second
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = 10 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type recordsResponse struct {
	Records []relaysync.Record `json:"records"`
}

func (c *Client) Fetch(ctx context.Context, q relaysync.Query) ([]relaysync.Record, error) {
	if err := q.Predicate.Validate(); err != nil {
		return nil, err
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative offset or limit", relaysync.ErrInvalidInput)
	}
	var out []relaysync.Record
	offset := q.Offset
	for {
		chunk := c.pageSize
		if q.Limit > 0 && q.Limit-len(out) < chunk {
			chunk = q.Limit - len(out)
		}
		values := url.Values{}
		values.Set("offset", strconv.Itoa(offset))
		values.Set("limit", strconv.Itoa(chunk))
		if q.Descending {
			values.Set("order", "desc")
		}
		var resp recordsResponse
		if err := c.doJSON(ctx, http.MethodGet, topicPath(q.Predicate, "records")+"?"+values.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Records...)
		offset += len(resp.Records)
		if len(resp.Records) < chunk || (q.Limit > 0 && len(out) >= q.Limit) {
			return out, nil
		}
	}
}

func (c *Client) Insert(ctx context.Context, rec relaysync.Record) (relaysync.Record, error) {
	pred := relaysync.Predicate{Kind: rec.Kind, TopicID: rec.TopicID}
	if err := pred.Validate(); err != nil {
		return relaysync.Record{}, err
	}
	body := map[string]any{
		"payload":          rec.Payload,
		"idempotencyToken": rec.IdempotencyToken,
	}
	var out relaysync.Record
	err := c.doJSON(ctx, http.MethodPost, topicPath(pred, "records"), body, &out)
	return out, err
}

// Update and Delete address a record by kind and id; the server resolves the
// topic, so the path carries a placeholder topic segment.
func (c *Client) Update(ctx context.Context, kind relaysync.Kind, id string, patch relaysync.Payload) (relaysync.Record, error) {
	if len(patch) == 0 {
		return relaysync.Record{}, fmt.Errorf("%w: empty patch", relaysync.ErrInvalidInput)
	}
	var out relaysync.Record
	err := c.doJSON(ctx, http.MethodPatch, recordPath(kind, id), map[string]any{"patch": patch}, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, kind relaysync.Kind, id string) (relaysync.Record, error) {
	var out relaysync.Record
	err := c.doJSON(ctx, http.MethodDelete, recordPath(kind, id), nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, kind relaysync.Kind, ids []string, at time.Time) ([]relaysync.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string]any{"ids": ids}
	if !at.IsZero() {
		body["at"] = at.UTC()
	}
	var resp recordsResponse
	pred := relaysync.Predicate{Kind: kind, TopicID: anyTopic}
	if err := c.doJSON(ctx, http.MethodPost, topicPath(pred, "read"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// anyTopic fills the topic segment of routes the server resolves by id.
const anyTopic = "_"

func topicPath(pred relaysync.Predicate, tail string) string {
	return "/v1/topics/" + url.PathEscape(string(pred.Kind)) + "/" + url.PathEscape(pred.TopicID) + "/" + tail
}

func recordPath(kind relaysync.Kind, id string) string {
	return topicPath(relaysync.Predicate{Kind: kind, TopicID: anyTopic}, "records") + "/" + url.PathEscape(id)
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	op := method + " " + strings.SplitN(requestPath, "?", 2)[0]
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		correlation := correlationID()
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlation)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				c.logger.Debug("store request failed, retrying", "op", op, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &relaysync.TransportError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &relaysync.TransportError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return &relaysync.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: correlation,
		}
		return classify(op, requestPath, httpErr)
	}
}

func classify(op, requestPath string, httpErr *HTTPError) error {
	switch httpErr.StatusCode {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return &relaysync.WriteConflictError{
			RecordID: recordIDFromPath(requestPath),
			Reason:   httpErr.Message,
			Err:      httpErr,
		}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, httpErr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", relaysync.ErrInvalidInput, httpErr)
	default:
		return &relaysync.TransportError{Op: op, Err: httpErr}
	}
}

func recordIDFromPath(requestPath string) string {
	parts := strings.Split(strings.SplitN(requestPath, "?", 2)[0], "/")
	if len(parts) == 7 && parts[5] == "records" {
		id, err := url.PathUnescape(parts[6])
		if err == nil {
			return id
		}
	}
	return ""
}

func correlationID() string {
	return "rs_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
