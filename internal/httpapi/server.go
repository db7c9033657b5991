package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type ServerConfig struct {
	JWTSecret      string
	Audience       string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	// OriginPatterns lists the browser origins allowed to open subscriptions.
	// Non-browser clients send no Origin and are always accepted.
	OriginPatterns []string
	Logger         *slog.Logger
	Registry       *prometheus.Registry
}

type Server struct {
	store       relaysync.Store
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	metrics     *serverMetrics
	metricsView http.Handler
}

type rateLimiter struct {
	mu    sync.Mutex
	rps   float64
	burst int
	m     map[string]*rate.Limiter
}

func NewServer(st relaysync.Store) *Server {
	return NewServerWithConfig(st, ServerConfig{})
}

func NewServerWithConfig(st relaysync.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.RateLimitRPS < 0 {
		cfg.RateLimitRPS = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(math.Max(1, math.Ceil(cfg.RateLimitRPS)))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	var limiter *rateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = &rateLimiter{
			rps:   cfg.RateLimitRPS,
			burst: cfg.RateLimitBurst,
			m:     map[string]*rate.Limiter{},
		}
	}
	return &Server{
		store:       st,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		metrics:     newServerMetrics(reg),
		metricsView: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metricsView.ServeHTTP(w, r)
		return
	}

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 5 || parts[0] != "v1" || parts[1] != "topics" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && parts[4] == "records" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "fetch"
	case len(parts) == 5 && parts[4] == "records" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "insert"
	case len(parts) == 6 && parts[4] == "records" && r.Method == http.MethodPatch:
		requiredScope = ScopeWrite
		route = "update"
	case len(parts) == 6 && parts[4] == "records" && r.Method == http.MethodDelete:
		requiredScope = ScopeWrite
		route = "delete"
	case len(parts) == 5 && parts[4] == "read" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "mark_read"
	case len(parts) == 5 && parts[4] == "subscribe" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "subscribe"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() { s.metrics.observe(route, rw.status) }()
	w = rw

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID) {
		retryAfter := int(math.Ceil(1 / s.rateLimiter.rps))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	kind, err := relaysync.ParseKind(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	pred := relaysync.Predicate{Kind: kind, TopicID: parts[3]}
	if err := pred.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	switch route {
	case "fetch":
		s.handleFetch(w, r, pred, correlationID)
	case "insert":
		s.handleInsert(w, r, pred, correlationID)
	case "update":
		s.handleUpdate(w, r, pred, parts[5], correlationID)
	case "delete":
		s.handleDelete(w, r, pred, parts[5], correlationID)
	case "mark_read":
		s.handleMarkRead(w, r, pred, correlationID)
	case "subscribe":
		s.handleSubscribe(w, r, pred, claims, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type recordsResponse struct {
	Records []relaysync.Record `json:"records"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, pred relaysync.Predicate, correlationID string) {
	q := r.URL.Query()
	offset, err := parseOptionalBoundedInt(q.Get("offset"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid offset", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(q.Get("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	var descending bool
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "asc":
	case "desc":
		descending = true
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "order must be asc or desc", correlationID)
		return
	}
	records, err := s.store.Fetch(r.Context(), relaysync.Query{
		Predicate:  pred,
		Offset:     offset,
		Limit:      limit,
		Descending: descending,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if records == nil {
		records = []relaysync.Record{}
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: records})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, pred relaysync.Predicate, correlationID string) {
	var body struct {
		Payload          relaysync.Payload `json:"payload"`
		IdempotencyToken string            `json:"idempotencyToken"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	rec, err := s.store.Insert(r.Context(), relaysync.Record{
		Kind:             pred.Kind,
		TopicID:          pred.TopicID,
		Payload:          body.Payload,
		IdempotencyToken: body.IdempotencyToken,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// recordGetter is implemented by stores that can resolve a single record.
// Servers over such a store refuse to touch records outside the addressed
// topic.
type recordGetter interface {
	Get(ctx context.Context, kind relaysync.Kind, id string) (relaysync.Record, error)
}

// anyTopic in the topic segment addresses a record by id alone.
const anyTopic = "_"

// inTopic reports whether id may be written through pred. It writes the
// error response itself when it returns false.
func (s *Server) inTopic(w http.ResponseWriter, r *http.Request, pred relaysync.Predicate, id, correlationID string) bool {
	getter, ok := s.store.(recordGetter)
	if !ok || pred.TopicID == anyTopic {
		return true
	}
	rec, err := getter.Get(r.Context(), pred.Kind, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return false
	}
	if rec.TopicID != pred.TopicID {
		writeError(w, http.StatusNotFound, "not_found", "record not found in topic", correlationID)
		return false
	}
	return true
}

// idsInTopic drops ids that belong to another topic. Unknown ids are kept;
// the store skips them.
func (s *Server) idsInTopic(ctx context.Context, pred relaysync.Predicate, ids []string) ([]string, error) {
	getter, ok := s.store.(recordGetter)
	if !ok || pred.TopicID == anyTopic {
		return ids, nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := getter.Get(ctx, pred.Kind, id)
		if errors.Is(err, store.ErrNotFound) {
			out = append(out, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.TopicID == pred.TopicID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, pred relaysync.Predicate, id, correlationID string) {
	var body struct {
		Patch relaysync.Payload `json:"patch"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if len(body.Patch) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "patch is required", correlationID)
		return
	}
	if !s.inTopic(w, r, pred, id, correlationID) {
		return
	}
	rec, err := s.store.Update(r.Context(), pred.Kind, id, body.Patch)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, pred relaysync.Predicate, id, correlationID string) {
	if !s.inTopic(w, r, pred, id, correlationID) {
		return
	}
	rec, err := s.store.Delete(r.Context(), pred.Kind, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, pred relaysync.Predicate, correlationID string) {
	var body struct {
		IDs []string  `json:"ids"`
		At  time.Time `json:"at"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ids are required", correlationID)
		return
	}
	ids, err := s.idsInTopic(r.Context(), pred, body.IDs)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	records, err := s.store.MarkRead(r.Context(), pred.Kind, ids, body.At)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if records == nil {
		records = []relaysync.Record{}
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: records})
}

// streamFrame is one websocket message. Status frames carry no record.
type streamFrame struct {
	Status  string              `json:"status,omitempty"`
	Message string              `json:"message,omitempty"`
	Type    relaysync.EventType `json:"type,omitempty"`
	Record  *relaysync.Record   `json:"record,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, pred relaysync.Predicate, claims tokenClaims, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// CloseRead keeps control frames flowing and reports the peer going away.
	ctx := conn.CloseRead(r.Context())
	sub, err := s.store.Subscribe(ctx, pred)
	if err != nil {
		_ = s.writeFrame(ctx, conn, streamFrame{Status: "error", Message: err.Error()})
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()
	if err := s.writeFrame(ctx, conn, streamFrame{Status: "subscribed"}); err != nil {
		return
	}
	s.metrics.subscriptions.Inc()
	defer s.metrics.subscriptions.Dec()
	s.logger.Debug("subscription opened", "predicate", pred.Key(), "user", claims.UserID, "correlation_id", correlationID)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("subscription closed by peer", "predicate", pred.Key(), "correlation_id", correlationID)
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Info("subscription ping failed", "predicate", pred.Key(), "correlation_id", correlationID, "error", err)
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				msg := "subscription ended"
				if err := sub.Err(); err != nil {
					msg = err.Error()
				}
				_ = s.writeFrame(ctx, conn, streamFrame{Status: "error", Message: msg})
				_ = conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			rec := ev.Record
			if err := s.writeFrame(ctx, conn, streamFrame{Type: ev.Type, Record: &rec}); err != nil {
				s.logger.Info("subscription write failed", "predicate", pred.Key(), "correlation_id", correlationID, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *relaysync.WriteConflictError
	switch {
	case errors.As(err, &conflict) && conflict.Err != nil:
		writeError(w, http.StatusUnprocessableEntity, "invalid_record", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrWriteConflict):
		writeError(w, http.StatusConflict, "write_conflict", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, store.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("store request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			return nil, false
		}
		parts = append(parts, decoded)
	}
	return parts, true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	l, ok := r.m[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.m[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if parsed < min {
		return 0, errors.New("value below minimum")
	}
	if parsed > max {
		return max, nil
	}
	return parsed, nil
}
