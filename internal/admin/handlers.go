package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"completiond/internal/dispatch"
	logx "completiond/pkg/logx"
)

const maxBodyBytes = 1 << 20

type submitBody struct {
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	SubmitterID string          `json:"submitter_id"`
	Payload     json.RawMessage `json:"payload"`
	Overrides   *overridesBody  `json:"overrides,omitempty"`
}

type overridesBody struct {
	Model           *string  `json:"model_id,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
}

// taskView renders Priority by name.
type taskView struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Priority    string              `json:"priority"`
	SubmitterID string              `json:"submitter_id"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Result      any                 `json:"result,omitempty"`
	Error       *dispatch.TaskError `json:"error,omitempty"`
}

func viewOf(t dispatch.Task) taskView {
	return taskView{
		ID:          t.ID,
		Type:        t.Type,
		Priority:    t.Priority.String(),
		SubmitterID: t.SubmitterID,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Result:      t.Result,
		Error:       t.Error,
	}
}

// Handler returns the routed, authenticated handler.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks", s.handleQueued)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleResult(cfg.MaxWait))
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleForget)
	mux.HandleFunc("GET /v1/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /v1/results", s.handleHistory)

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(cfg.Token, mux)
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error(), "")
		return
	}

	prio := dispatch.PriorityNormal
	if strings.TrimSpace(body.Priority) != "" {
		p, err := dispatch.ParsePriority(body.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "priority")
			return
		}
		prio = p
	}

	req := dispatch.SubmitRequest{
		Type:        body.Type,
		Priority:    prio,
		SubmitterID: body.SubmitterID,
		Payload:     decodePayload(body.Payload),
	}
	if o := body.Overrides; o != nil {
		req.Overrides = &dispatch.Overrides{Model: o.Model, Temperature: o.Temperature, MaxOutputTokens: o.MaxOutputTokens}
	}

	id, err := s.d.Submit(r.Context(), req)
	if err != nil {
		var ve *dispatch.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error(), ve.Field)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// decodePayload keeps JSON strings as Go strings so executors send them verbatim.
func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func (s *Service) handleResult(maxWait time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var wait time.Duration
		if raw := r.URL.Query().Get("wait"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "invalid wait duration", "wait")
				return
			}
			wait = min(d, maxWait)
		}

		t, err := s.d.GetResult(r.Context(), id, wait)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, viewOf(t))
		case dispatch.IsTimeout(err):
			// Not terminal yet (or unknown). The caller may poll again.
			writeError(w, http.StatusAccepted, err.Error(), "")
		default:
			writeError(w, http.StatusServiceUnavailable, err.Error(), "")
		}
	}
}

func (s *Service) handleForget(w http.ResponseWriter, r *http.Request) {
	if !s.d.Forget(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "no such result", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleQueued(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queued": s.d.QueuedIDs()})
}

func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Analytics())
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, "result archive disabled", "")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit")
			return
		}
		limit = min(n, 1000)
	}
	recs, err := s.hist.RecentResults(r.Context(), limit)
	if err != nil {
		s.log.Warn("history query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history query failed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": recs})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// /healthz stays open so supervisors can probe without credentials.
func withAuth(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			h.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, field string) {
	body := map[string]string{"error": msg}
	if field != "" {
		body["field"] = field
	}
	writeJSON(w, status, body)
}
