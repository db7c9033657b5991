package storeclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/store"
	"github.com/stretchr/testify/require"
)

var chat = relaysync.Predicate{Kind: relaysync.KindMessage, TopicID: "chat-1"}

func fastOptions() Options {
	return Options{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/topics/message/chat-1/records" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" || r.Header.Get("X-Correlation-Id") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"message_1","topicId":"chat-1","kind":"message","createdAt":"2026-03-01T12:00:00Z","revision":1,"payload":{"text":"hi"}}]}`))
	}))
	defer server.Close()

	opts := fastOptions()
	opts.HTTPClient = server.Client()
	client := NewClient(server.URL, "token", opts)
	records, err := client.Fetch(context.Background(), relaysync.Query{Predicate: chat, Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "hi", records[0].Text())
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClientMapsErrorResponses(t *testing.T) {
	cases := []struct {
		status int
		code   string
		check  func(t *testing.T, err error)
	}{
		{http.StatusConflict, "write_conflict", func(t *testing.T, err error) {
			var conflict *relaysync.WriteConflictError
			require.ErrorAs(t, err, &conflict)
			require.Equal(t, "message_9", conflict.RecordID)
			require.Equal(t, "boom", conflict.Reason)
		}},
		{http.StatusUnprocessableEntity, "invalid_record", func(t *testing.T, err error) {
			require.ErrorIs(t, err, relaysync.ErrWriteConflict)
		}},
		{http.StatusNotFound, "not_found", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ErrNotFound)
		}},
		{http.StatusBadRequest, "bad_request", func(t *testing.T, err error) {
			require.ErrorIs(t, err, relaysync.ErrInvalidInput)
		}},
		{http.StatusUnauthorized, "unauthorized", func(t *testing.T, err error) {
			require.ErrorIs(t, err, relaysync.ErrTransport)
			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			require.Equal(t, "unauthorized", httpErr.Code)
			require.NotEmpty(t, httpErr.CorrelationID)
		}},
		{http.StatusInternalServerError, "internal_error", func(t *testing.T, err error) {
			require.ErrorIs(t, err, relaysync.ErrTransport)
		}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = fmt.Fprintf(w, `{"code":%q,"message":"boom"}`, tc.code)
			}))
			defer server.Close()

			opts := fastOptions()
			opts.HTTPClient = server.Client()
			client := NewClient(server.URL, "token", opts)
			_, err := client.Update(context.Background(), relaysync.KindMessage, "message_9", relaysync.Payload{"text": "x"})
			require.Error(t, err)
			tc.check(t, err)
			if tc.status == http.StatusInternalServerError {
				require.EqualValues(t, 4, atomic.LoadInt32(&calls), "5xx is retried three times")
			} else {
				require.EqualValues(t, 1, atomic.LoadInt32(&calls))
			}
		})
	}
}

func TestClientNetworkFailureIsTransport(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	opts := fastOptions()
	opts.MaxRetries = -1
	client := NewClient(url, "token", opts)
	_, err := client.Fetch(context.Background(), relaysync.Query{Predicate: chat, Limit: 1})
	require.ErrorIs(t, err, relaysync.ErrTransport)
}

func TestClientRetryDelay(t *testing.T) {
	client := NewClient("", "", Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	require.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	require.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	require.Equal(t, time.Second, client.retryDelay(10, ""))
	require.Equal(t, time.Second, client.retryDelay(1, "30"), "Retry-After is capped")

	require.Equal(t, 2*time.Second, parseRetryAfter("2"))
	require.Zero(t, parseRetryAfter(""))
	require.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	require.Greater(t, parseRetryAfter(future), 30*time.Second)
}

func TestClientValidatesLocally(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "token", fastOptions())
	ctx := context.Background()
	_, err := client.Fetch(ctx, relaysync.Query{Predicate: relaysync.Predicate{Kind: "bogus", TopicID: "x"}})
	require.ErrorIs(t, err, relaysync.ErrInvalidInput)
	_, err = client.Insert(ctx, relaysync.Record{Kind: relaysync.KindMessage})
	require.ErrorIs(t, err, relaysync.ErrInvalidInput)
	_, err = client.Update(ctx, relaysync.KindMessage, "message_1", nil)
	require.ErrorIs(t, err, relaysync.ErrInvalidInput)
	records, err := client.MarkRead(ctx, relaysync.KindMessage, nil, time.Time{})
	require.NoError(t, err)
	require.Empty(t, records)
}

type remote struct {
	backend *store.MemoryStore
	server  *httptest.Server
	client  *Client
}

func newRemote(t *testing.T, opts Options, scopes ...string) *remote {
	t.Helper()
	backend := store.NewMemoryStore(store.Options{})
	server := httptest.NewServer(httpapi.NewServerWithConfig(backend, httpapi.ServerConfig{
		JWTSecret:    "test-secret",
		PingInterval: 50 * time.Millisecond,
	}))
	t.Cleanup(func() {
		server.Close()
		_ = backend.Close()
	})
	if len(scopes) == 0 {
		scopes = []string{httpapi.ScopeRead, httpapi.ScopeWrite}
	}
	token, err := httpapi.MintToken("test-secret", "", "alice", scopes, time.Hour, time.Now())
	require.NoError(t, err)
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	opts.HTTPClient = server.Client()
	return &remote{backend: backend, server: server, client: NewClient(server.URL, token, opts)}
}

func TestClientAgainstServer(t *testing.T) {
	r := newRemote(t, Options{PageSize: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := r.client.Insert(ctx, relaysync.Record{
			Kind:             chat.Kind,
			TopicID:          chat.TopicID,
			Payload:          relaysync.Payload{relaysync.FieldText: fmt.Sprintf("m%d", i), relaysync.FieldSenderID: "alice"},
			IdempotencyToken: fmt.Sprintf("tok-%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	again, err := r.client.Insert(ctx, relaysync.Record{
		Kind:             chat.Kind,
		TopicID:          chat.TopicID,
		Payload:          relaysync.Payload{relaysync.FieldText: "m0"},
		IdempotencyToken: "tok-0",
	})
	require.NoError(t, err)
	require.Equal(t, ids[0], again.ID)

	all, err := r.client.Fetch(ctx, relaysync.Query{Predicate: chat})
	require.NoError(t, err)
	require.Equal(t, ids, recordIDs(all), "unbounded fetch reads every chunk")

	window, err := r.client.Fetch(ctx, relaysync.Query{Predicate: chat, Offset: 1, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, ids[1:4], recordIDs(window))

	newest, err := r.client.Fetch(ctx, relaysync.Query{Predicate: chat, Limit: 1, Descending: true})
	require.NoError(t, err)
	require.Equal(t, []string{ids[4]}, recordIDs(newest))

	edited, err := r.client.Update(ctx, chat.Kind, ids[0], relaysync.Payload{relaysync.FieldText: "edited"})
	require.NoError(t, err)
	require.Equal(t, "edited", edited.Text())
	require.Equal(t, "alice", edited.SenderID())

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	read, err := r.client.MarkRead(ctx, chat.Kind, []string{ids[0], ids[1], "message_missing"}, at)
	require.NoError(t, err)
	require.Len(t, read, 2)
	readAt, ok := read[0].ReadAt()
	require.True(t, ok)
	require.True(t, readAt.Equal(at))

	tomb, err := r.client.Delete(ctx, chat.Kind, ids[2])
	require.NoError(t, err)
	require.True(t, tomb.Deleted)

	_, err = r.client.Update(ctx, chat.Kind, ids[2], relaysync.Payload{relaysync.FieldText: "zombie"})
	var conflict *relaysync.WriteConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, ids[2], conflict.RecordID)

	_, err = r.client.Delete(ctx, chat.Kind, "message_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func recordIDs(records []relaysync.Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}
