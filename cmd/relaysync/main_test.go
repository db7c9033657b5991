package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/logging"
)

func testApp(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	a, err := newApp(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	server := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		server.Close()
		_ = a.close()
	})
	return server
}

func post(t *testing.T, server *httptest.Server, path, body string) *http.Response {
	t.Helper()
	token, err := httpapi.MintToken(config.Defaults().Auth.JWTSecret, "", "alice", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", "corr-main")
	req.Header.Set("Content-Type", "application/json")
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAppServesHealthAndRecords(t *testing.T) {
	server := testApp(t, config.Defaults())

	resp, err := server.Client().Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", resp.StatusCode)
	}

	resp = post(t, server, "/v1/topics/message/listing-9/records", `{"payload":{"text":"still available?","sender_id":"alice"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var rec struct {
		ID      string `json:"id"`
		TopicID string `json:"topicId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ID == "" || rec.TopicID != "listing-9" {
		t.Fatalf("unexpected record %+v", rec)
	}

	resp, err = server.Client().Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected runtime collectors in /metrics")
	}
}

func TestAppSchemaValidation(t *testing.T) {
	cfg := config.Defaults()
	server := testApp(t, cfg)
	resp := post(t, server, "/v1/topics/message/listing-9/records", `{"payload":{"sender_id":"alice"}}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for payload without text, got %d", resp.StatusCode)
	}

	cfg.SchemaValidation = false
	server = testApp(t, cfg)
	resp = post(t, server, "/v1/topics/message/listing-9/records", `{"payload":{"sender_id":"alice"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with validation off, got %d", resp.StatusCode)
	}
}

func TestNewAppRejectsUnsupportedBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.DSN = "redis://localhost:6379"
	if _, err := newApp(cfg, logging.Discard()); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}

	cfg = config.Defaults()
	cfg.Storage.Profile = "production"
	if _, err := newApp(cfg, logging.Discard()); err == nil {
		t.Fatalf("expected error for production profile without dsn")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Chdir(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-addr", "127.0.0.1:0", "-log-level", "error"}, ready)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := run(context.Background(), []string{"-log-format", "xml"}, nil); err == nil {
		t.Fatalf("expected config validation error")
	}
}
