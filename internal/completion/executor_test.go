package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"completiond/internal/dispatch"
	logx "completiond/pkg/logx"
)

const okBody = `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"score\":0.9}"}}],
"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`

func newServer(t *testing.T, status int, body string, seen *map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if seen != nil {
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func request() dispatch.ExecRequest {
	return dispatch.ExecRequest{
		TaskID:   "t1",
		Type:     dispatch.TypeSentimentAnalysis,
		Payload:  map[string]any{"text": "great service"},
		Settings: dispatch.Settings{Model: "gpt-3.5-turbo", Temperature: 0.3, MaxOutputTokens: 100},
	}
}

func TestExecuteSendsSettingsAndReturnsContent(t *testing.T) {
	t.Parallel()

	var seen map[string]any
	srv, _ := newServer(t, http.StatusOK, okBody, &seen)
	e := New(Config{APIKey: "test-key", BaseURL: srv.URL}, logx.Nop())

	out, err := e.Execute(context.Background(), request())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != `{"score":0.9}` {
		t.Fatalf("content = %q", out)
	}

	if seen["model"] != "gpt-3.5-turbo" || seen["temperature"] != 0.3 || seen["max_tokens"] != 100.0 {
		t.Fatalf("request = %v", seen)
	}
	msgs, _ := seen["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", seen["messages"])
	}
	sys, _ := msgs[0].(map[string]any)
	usr, _ := msgs[1].(map[string]any)
	if sys["role"] != "system" || !strings.Contains(sys["content"].(string), "sentiment analysis") {
		t.Fatalf("system message = %v", sys)
	}
	if usr["role"] != "user" || usr["content"] != `{"text":"great service"}` {
		t.Fatalf("user message = %v", usr)
	}
}

func TestExecuteReportsServiceErrors(t *testing.T) {
	t.Parallel()

	srv, calls := newServer(t, http.StatusBadRequest, `{"error":{"message":"bad model","type":"invalid_request_error"}}`, nil)
	e := New(Config{APIKey: "test-key", BaseURL: srv.URL}, logx.Nop())

	_, err := e.Execute(context.Background(), request())
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("err = %v, want status 400", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (no retries)", calls.Load())
	}
}

func TestExecuteNoChoices(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, http.StatusOK, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4","choices":[]}`, nil)
	e := New(Config{APIKey: "test-key", BaseURL: srv.URL}, logx.Nop())
	if _, err := e.Execute(context.Background(), request()); err != ErrNoChoices {
		t.Fatalf("err = %v, want ErrNoChoices", err)
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	srv, calls := newServer(t, http.StatusOK, okBody, nil)
	e := New(Config{APIKey: "test-key", BaseURL: srv.URL, RequestsPerSecond: 0.01, Burst: 1}, logx.Nop())

	if _, err := e.Execute(context.Background(), request()); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := e.Execute(ctx, request()); err == nil {
		t.Fatalf("second Execute should fail waiting for the limiter")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

type label string

func (l label) String() string { return "label:" + string(l) }

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{"string", "hello", "hello", false},
		{"bytes", []byte("raw"), "raw", false},
		{"stringer", label("x"), "label:x", false},
		{"map", map[string]int{"a": 1}, `{"a":1}`, false},
		{"nil", nil, "", true},
		{"unencodable", func() {}, "", true},
	}
	for _, tt := range tests {
		got, err := userMessage(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("%s: userMessage = %q, %v; want %q (err %v)", tt.name, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestSystemPromptNamesType(t *testing.T) {
	t.Parallel()

	got := SystemPrompt(dispatch.TypeCRMAnalysis)
	if !strings.Contains(got, "crm analysis") || !strings.Contains(got, "JSON") {
		t.Fatalf("SystemPrompt = %q", got)
	}
}
