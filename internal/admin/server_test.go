package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"completiond/internal/dispatch"
	"completiond/internal/storage"
	logx "completiond/pkg/logx"
)

func newDispatcher(t *testing.T) *dispatch.Service {
	t.Helper()
	tick := 2 * time.Millisecond
	cfg := dispatch.Config{
		ConcurrencyLimit:      2,
		RateLimit:             -1,
		ExecutionTimeout:      time.Second,
		CapacityRetryInterval: tick,
		ResultPollInterval:    tick,
		Backpressure:          dispatch.Backpressure{HighDelay: tick, MidDelay: tick, QueueDelay: tick, IdleDelay: tick},
	}
	exec := dispatch.ExecutorFunc(func(ctx context.Context, req dispatch.ExecRequest) (string, error) {
		return "```json\n{\"echo\": true}\n```", nil
	})
	d := dispatch.New(cfg, exec, logx.Nop(), nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func do(t *testing.T, srv *httptest.Server, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(bytes.TrimSpace(b)) > 0 && b[0] == '{' {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %q: %v", b, err)
		}
	}
	return resp.StatusCode, out
}

func TestSubmitAndPollResult(t *testing.T) {
	t.Parallel()

	s := New(Config{}, newDispatcher(t), nil, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, body := do(t, srv, http.MethodPost, "/v1/tasks",
		`{"type":"crm_analysis","priority":"high","submitter_id":"u1","payload":"score this lead"}`, "")
	if code != http.StatusAccepted {
		t.Fatalf("submit status = %d (%v)", code, body)
	}
	id, _ := body["task_id"].(string)
	if !strings.HasPrefix(id, "crm_analysis_u1_") {
		t.Fatalf("task_id = %q", id)
	}

	code, body = do(t, srv, http.MethodGet, "/v1/tasks/"+id+"?wait=2s", "", "")
	if code != http.StatusOK {
		t.Fatalf("result status = %d (%v)", code, body)
	}
	if body["priority"] != "HIGH" {
		t.Fatalf("priority = %v, want HIGH", body["priority"])
	}
	res, _ := body["result"].(map[string]any)
	if res["echo"] != true {
		t.Fatalf("result = %v", body["result"])
	}

	if code, _ := do(t, srv, http.MethodDelete, "/v1/tasks/"+id, "", ""); code != http.StatusNoContent {
		t.Fatalf("forget status = %d", code)
	}
	if code, _ := do(t, srv, http.MethodDelete, "/v1/tasks/"+id, "", ""); code != http.StatusNotFound {
		t.Fatalf("second forget status = %d", code)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	s := New(Config{}, newDispatcher(t), nil, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tests := []struct {
		name, body, field string
	}{
		{"unknown type", `{"type":"poetry","submitter_id":"u1","payload":"x"}`, "type"},
		{"missing submitter", `{"type":"crm_analysis","payload":"x"}`, "submitter_id"},
		{"bad priority", `{"type":"crm_analysis","priority":"urgent","submitter_id":"u1"}`, "priority"},
		{"unknown field", `{"type":"crm_analysis","submitter":"u1"}`, ""},
	}
	for _, tt := range tests {
		code, body := do(t, srv, http.MethodPost, "/v1/tasks", tt.body, "")
		if code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tt.name, code)
		}
		if tt.field != "" && body["field"] != tt.field {
			t.Fatalf("%s: field = %v, want %s", tt.name, body["field"], tt.field)
		}
	}
}

func TestUnknownResultTimesOut(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxWait: 20 * time.Millisecond}, newDispatcher(t), nil, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	start := time.Now()
	code, _ := do(t, srv, http.MethodGet, "/v1/tasks/missing?wait=10m", "", "")
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("wait was not capped")
	}
	if code, _ := do(t, srv, http.MethodGet, "/v1/tasks/missing?wait=soon", "", ""); code != http.StatusBadRequest {
		t.Fatalf("bad wait status = %d", code)
	}
}

func TestAuthAndAnalytics(t *testing.T) {
	t.Parallel()

	s := New(Config{Token: "sekret"}, newDispatcher(t), nil, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if code, _ := do(t, srv, http.MethodGet, "/healthz", "", ""); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if code, _ := do(t, srv, http.MethodGet, "/v1/analytics", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", code)
	}
	code, body := do(t, srv, http.MethodGet, "/v1/analytics", "", "sekret")
	if code != http.StatusOK {
		t.Fatalf("analytics status = %d", code)
	}
	if body["concurrency_limit"] != 2.0 {
		t.Fatalf("analytics = %v", body)
	}
	if code, _ := do(t, srv, http.MethodGet, "/v1/analytics?token=sekret", "", ""); code != http.StatusOK {
		t.Fatalf("query token status = %d", code)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t)
	noArchive := httptest.NewServer(New(Config{}, d, nil, logx.Nop()).Handler())
	defer noArchive.Close()
	if code, _ := do(t, noArchive, http.MethodGet, "/v1/results", "", ""); code != http.StatusNotFound {
		t.Fatalf("status without archive = %d", code)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()
	done := time.Now()
	if err := storage.NewArchiver(st).ArchiveTask(context.Background(), dispatch.Task{ID: "x1", Type: "crm_analysis", Priority: dispatch.PriorityLow, CompletedAt: &done, Result: map[string]any{}}); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	srv := httptest.NewServer(New(Config{}, d, st, logx.Nop()).Handler())
	defer srv.Close()
	code, body := do(t, srv, http.MethodGet, "/v1/results?limit=5", "", "")
	if code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if recs, _ := body["results"].([]any); len(recs) != 1 {
		t.Fatalf("results = %v", body["results"])
	}
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newDispatcher(t), nil, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatalf("still bound after Stop")
	}

	// Disabled config keeps it stopped.
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Enabled() {
		t.Fatalf("Enabled after disable")
	}
}

func TestLoopbackDetection(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"localhost:80": true,
		":80":          false,
		"0.0.0.0:80":   false,
		"10.0.0.1:80":  false,
		"garbage":      false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
