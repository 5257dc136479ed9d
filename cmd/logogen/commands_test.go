package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"logogen/internal/servicetoken"
	"logogen/pkg/domain"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleGeneration(status domain.Status, version int64) domain.Generation {
	g := domain.Generation{
		ID:        "gen-1",
		Prompt:    "A blue lion",
		Style:     domain.StyleAbstract,
		Status:    status,
		Version:   version,
		CreatedAt: fixedTime,
		UpdatedAt: fixedTime,
	}
	if status == domain.StatusDone {
		g.ImageURL = "https://img.example/gen-1.png"
	}
	if status == domain.StatusError {
		g.Error = "renderer exploded"
	}
	return g
}

func writeSnapshots(w http.ResponseWriter, snaps ...domain.Generation) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, g := range snaps {
		data, _ := json.Marshal(g)
		fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", g.Version, data)
	}
}

// newTestServer answers canned responses keyed by "METHOD path".
func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"not_found","message":"generation not found"}}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(append([]string{"--server", srv.URL, "--no-color"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestGenerateWaitsForImage(t *testing.T) {
	var gotReq map[string]string
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"POST /startGeneration": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&gotReq)
			_ = json.NewEncoder(w).Encode(domain.StartResult{Success: true, GenerationID: "gen-1", Message: "Generation started successfully"})
		},
		"GET /generations/gen-1/events": func(w http.ResponseWriter, _ *http.Request) {
			writeSnapshots(w, sampleGeneration(domain.StatusProcessing, 1), sampleGeneration(domain.StatusDone, 2))
		},
	})

	stdout, stderr, err := run(t, srv, "generate", "A", "blue", "lion", "--style", "abstract")
	if err != nil {
		t.Fatalf("generate: %v (stderr %q)", err, stderr)
	}
	if gotReq["prompt"] != "A blue lion" || gotReq["style"] != "abstract" {
		t.Fatalf("unexpected request body: %v", gotReq)
	}
	if strings.TrimSpace(stdout) != "https://img.example/gen-1.png" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
	if !strings.Contains(stderr, "logo ready") {
		t.Fatalf("missing success line: %q", stderr)
	}
}

func TestGenerateReportsFailedRecord(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"POST /startGeneration": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(domain.StartResult{Success: true, GenerationID: "gen-1"})
		},
		"GET /generations/gen-1/events": func(w http.ResponseWriter, _ *http.Request) {
			writeSnapshots(w, sampleGeneration(domain.StatusError, 2))
		},
	})
	_, _, err := run(t, srv, "generate", "lion")
	if err == nil || !strings.Contains(err.Error(), "renderer exploded") {
		t.Fatalf("expected failure detail, got %v", err)
	}
}

func TestGenerateNoWaitPrintsID(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"POST /startGeneration": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(domain.StartResult{Success: true, GenerationID: "gen-9", Message: "Generation started successfully"})
		},
	})
	stdout, _, err := run(t, srv, "generate", "lion", "--no-wait")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.TrimSpace(stdout) != "gen-9" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestGenerateValidationError(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"POST /startGeneration": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"validation","message":"unknown style: neon"}}`))
		},
	})
	_, _, err := run(t, srv, "generate", "lion", "--style", "neon", "--no-wait")
	if err == nil || err.Error() != "invalid request: unknown style: neon" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWatchStopsAtTerminalSnapshot(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /generations/gen-1/events": func(w http.ResponseWriter, _ *http.Request) {
			writeSnapshots(w, sampleGeneration(domain.StatusProcessing, 1), sampleGeneration(domain.StatusDone, 2))
		},
	})
	stdout, _, err := run(t, srv, "watch", "gen-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	for _, want := range []string{"processing", "done", "https://img.example/gen-1.png"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout %q missing %q", stdout, want)
		}
	}
}

func TestGetPrintsJSON(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /generations/gen-1": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(sampleGeneration(domain.StatusDone, 2))
		},
	})
	stdout, _, err := run(t, srv, "get", "gen-1", "--json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var g domain.Generation
	if err := json.Unmarshal([]byte(stdout), &g); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout)
	}
	if g.ID != "gen-1" || g.Status != domain.StatusDone {
		t.Fatalf("unexpected generation: %+v", g)
	}
}

func TestGetMissing(t *testing.T) {
	srv := newTestServer(t, nil)
	_, _, err := run(t, srv, "get", "nope")
	if err == nil || err.Error() != "generation not found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListPassesLimit(t *testing.T) {
	var limit string
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /generations": func(w http.ResponseWriter, r *http.Request) {
			limit = r.URL.Query().Get("limit")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []domain.Generation{sampleGeneration(domain.StatusProcessing, 1)},
				"count": 1,
			})
		},
	})
	stdout, _, err := run(t, srv, "list", "--limit", "5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if limit != "5" {
		t.Fatalf("limit = %q", limit)
	}
	if !strings.Contains(stdout, "gen-1") || !strings.Contains(stdout, "STATUS") {
		t.Fatalf("unexpected table: %q", stdout)
	}
}

func TestDeleteAndHealth(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"DELETE /generations/gen-1": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"POST /healthCheck": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(domain.Health{Success: true, Message: "Generation service is working correctly", Timestamp: fixedTime})
		},
	})
	if _, stderr, err := run(t, srv, "delete", "gen-1"); err != nil || !strings.Contains(stderr, "deleted gen-1") {
		t.Fatalf("delete: %v %q", err, stderr)
	}
	if _, stderr, err := run(t, srv, "health"); err != nil || !strings.Contains(stderr, "working correctly") {
		t.Fatalf("health: %v %q", err, stderr)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Fatalf("got %q", got)
	}
}

func TestQueueStatsSignsAdminToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "admin.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		Key:            &key.PublicKey,
		AllowedIssuers: []string{"logogen-cli"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /queue/stats": func(w http.ResponseWriter, r *http.Request) {
			token, _ := servicetoken.BearerToken(r)
			claims, err := verifier.Verify(token)
			if err != nil || !claims.HasScope(servicetoken.ScopeQueueRead) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"unauthorized","message":"invalid token"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"due":4,"leased":1,"dead":0}`))
		},
	})

	stdout, _, err := run(t, srv, "queue", "stats", "--admin-key", keyPath)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if !strings.Contains(stdout, "due:     4") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}

	if _, _, err := run(t, srv, "queue", "stats", "--admin-key", ""); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected unauthorized without key, got %v", err)
	}
}
