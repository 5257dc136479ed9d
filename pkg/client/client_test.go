package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"logogen/pkg/domain"
)

func TestStartGenerationMapsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req["prompt"] {
		case "ok":
			_ = json.NewEncoder(w).Encode(domain.StartResult{Success: true, GenerationID: "gen-1", Message: "Generation started successfully"})
		case "down":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"transient","message":"try again"}}`))
		case "teapot":
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"internal","message":"short and stout"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"validation","message":"Missing required fields: prompt and style"}}`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL + "/")
	ctx := context.Background()

	res, err := c.StartGeneration(ctx, "ok", "none")
	if err != nil || res.GenerationID != "gen-1" {
		t.Fatalf("start ok: %+v %v", res, err)
	}

	_, err = c.StartGeneration(ctx, "", "none")
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) || vErr.Message != "Missing required fields: prompt and style" {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = c.StartGeneration(ctx, "down", "none")
	var tErr *domain.TransientStoreError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected transient error, got %v", err)
	}

	_, err = c.StartGeneration(ctx, "teapot", "none")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTeapot {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestGetGenerationNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"not_found","message":"generation not found"}}`))
	}))
	defer srv.Close()
	if _, err := New(srv.URL).GetGeneration(context.Background(), "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("limit") != "2" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			_, _ = w.Write([]byte(`{"items":[{"id":"b","status":"done"},{"id":"a","status":"processing"}]}`))
		case http.MethodDelete:
			deleted = strings.TrimPrefix(r.URL.Path, "/generations/")
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)
	items, err := c.ListGenerations(context.Background(), 2)
	if err != nil || len(items) != 2 || items[0].ID != "b" {
		t.Fatalf("list: %+v %v", items, err)
	}
	if err := c.DeleteGeneration(context.Background(), "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != "a" {
		t.Fatalf("deleted %q", deleted)
	}
}

type collector struct {
	mu    sync.Mutex
	snaps []*domain.Generation
	errs  []error
	done  chan struct{}
	want  int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) onChange(g *domain.Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, g)
	c.check()
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
	c.check()
}

func (c *collector) check() {
	if len(c.snaps)+len(c.errs) == c.want {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d deliveries", c.want)
	}
}

func streamHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, ev := range events {
			_, _ = fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		"event: snapshot\ndata: null\n\n",
		": keepalive\n\n",
		"id: 1\nevent: snapshot\ndata: {\"id\":\"g\",\"status\":\"processing\",\"version\":1}\n\n",
		"id: 2\nevent: snapshot\ndata: {\"id\":\"g\",\"status\":\"done\",\"imageUrl\":\"https://img\",\"version\":2}\n\n",
	))
	defer srv.Close()

	col := newCollector(3)
	unsub, err := New(srv.URL).Subscribe(context.Background(), "g", col.onChange, col.onError)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	col.wait(t)

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.snaps[0] != nil || col.snaps[1].Status != domain.StatusProcessing || col.snaps[2].ImageURL != "https://img" {
		t.Fatalf("unexpected snapshots: %+v", col.snaps)
	}
	time.Sleep(20 * time.Millisecond)
	if len(col.errs) != 0 {
		t.Fatalf("stream end after terminal snapshot reported errors: %v", col.errs)
	}
}

func TestSubscribeReportsStreamError(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		"event: snapshot\ndata: {\"id\":\"g\",\"status\":\"processing\",\"version\":1}\n\n",
		"event: error\ndata: {\"kind\":\"subscription\",\"message\":\"broker closed\"}\n\n",
	))
	defer srv.Close()

	col := newCollector(2)
	unsub, err := New(srv.URL).Subscribe(context.Background(), "g", col.onChange, col.onError)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	col.wait(t)

	var subErr *domain.SubscriptionError
	if len(col.errs) != 1 || !errors.As(col.errs[0], &subErr) || !strings.Contains(subErr.Error(), "broker closed") {
		t.Fatalf("unexpected errors: %v", col.errs)
	}
}

func TestSubscribeReportsPrematureEOF(t *testing.T) {
	srv := httptest.NewServer(streamHandler("event: snapshot\ndata: null\n\n"))
	defer srv.Close()

	col := newCollector(2)
	unsub, err := New(srv.URL).Subscribe(context.Background(), "g", col.onChange, col.onError)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	col.wait(t)
	if len(col.errs) != 1 {
		t.Fatalf("expected one error, got %v", col.errs)
	}
}

func TestSubscribeRejectedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"subscription","message":"redis down"}}`))
	}))
	defer srv.Close()
	_, err := New(srv.URL).Subscribe(context.Background(), "g", func(*domain.Generation) {}, nil)
	var subErr *domain.SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected subscription error, got %v", err)
	}
}

func TestQueueCallsSendToken(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/queue/stats":
			_, _ = w.Write([]byte(`{"due":3,"leased":1,"dead":2}`))
		case "/queue/dead-letters":
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			_, _ = w.Write([]byte(`{"items":[{"generationId":"gen-1","attempts":3,"error":"boom","failedAt":"2026-03-01T12:00:00Z"}]}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL).WithToken(func() (string, error) { return "t0k", nil })
	stats, err := c.QueueStats(context.Background())
	if err != nil || stats.Due != 3 || stats.Dead != 2 {
		t.Fatalf("stats: %+v %v", stats, err)
	}
	dead, err := c.DeadLetters(context.Background(), 5)
	if err != nil || len(dead) != 1 || dead[0].Error != "boom" {
		t.Fatalf("dead letters: %+v %v", dead, err)
	}
	for _, h := range auth {
		if h != "Bearer t0k" {
			t.Fatalf("authorization = %q", h)
		}
	}
}

func TestTokenErrorStopsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()
	c := New(srv.URL).WithToken(func() (string, error) { return "", errors.New("no key") })
	if _, err := c.QueueStats(context.Background()); err == nil || !strings.Contains(err.Error(), "no key") {
		t.Fatalf("expected token error, got %v", err)
	}
	if called {
		t.Fatalf("request sent without token")
	}
}
