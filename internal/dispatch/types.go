package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks in the queue. The zero value is invalid.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityRealTime
)

// Priorities lists every valid priority, lowest first.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical, PriorityRealTime}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	case PriorityRealTime:
		return "REAL_TIME"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityRealTime }

// ParsePriority accepts the String() form, case-insensitively. "realtime" and
// "real-time" are accepted as aliases of REAL_TIME.
func ParsePriority(s string) (Priority, error) {
	k := strings.ToUpper(strings.TrimSpace(s))
	k = strings.ReplaceAll(k, "-", "_")
	if k == "REALTIME" {
		k = "REAL_TIME"
	}
	for _, p := range Priorities {
		if p.String() == k {
			return p, nil
		}
	}
	return 0, &ValidationError{Field: "priority", Value: s, Reason: "unknown priority"}
}

// Settings is the executor configuration resolved for a task.
type Settings struct {
	Model           string  `json:"model_id"`
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

// Overrides supersede the type defaults field by field. Nil fields keep the default.
type Overrides struct {
	Model           *string
	Temperature     *float64
	MaxOutputTokens *int
}

func (s Settings) apply(o *Overrides) Settings {
	if o == nil {
		return s
	}
	if o.Model != nil && strings.TrimSpace(*o.Model) != "" {
		s.Model = strings.TrimSpace(*o.Model)
	}
	if o.Temperature != nil {
		s.Temperature = *o.Temperature
	}
	if o.MaxOutputTokens != nil && *o.MaxOutputTokens > 0 {
		s.MaxOutputTokens = *o.MaxOutputTokens
	}
	return s
}

// Error kinds recorded on TaskError.
const (
	KindExecution   = "execution"
	KindPanic       = "panic"
	KindCircuitOpen = "circuit_open"
	KindStopped     = "stopped"
)

// TaskError is the terminal failure descriptor stored on a Task.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string { return e.Kind + ": " + e.Message }

// Task is one unit of requested work.
//
// Once terminal, exactly one of Result and Error is set.
type Task struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Priority    Priority   `json:"priority"`
	SubmitterID string     `json:"submitter_id"`
	Payload     any        `json:"payload,omitempty"`
	Overrides   *Overrides `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool { return t.Result != nil || t.Error != nil }

// ExecRequest is what an Executor receives for one invocation.
type ExecRequest struct {
	TaskID   string
	Type     string
	Payload  any
	Settings Settings
}

// Executor performs the actual unit of work against the external completion service.
// It returns the service's raw text output. It never calls back into the dispatcher.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (string, error) {
	return f(ctx, req)
}

// Archiver receives a copy of every terminal task (audit sink).
// Failures are logged and never affect the task.
type Archiver interface {
	ArchiveTask(ctx context.Context, t Task) error
}

// Analytics is a read-only snapshot for observability.
type Analytics struct {
	QueueDepth      int            `json:"queue_depth"`
	ActiveCount     int            `json:"active_count"`
	CompletedCount  int            `json:"completed_count"`
	RateUsed        int            `json:"rate_used"`
	RateLimit       int            `json:"rate_limit"`
	RateUtilization float64        `json:"rate_utilization"`
	PerType         map[string]int `json:"per_type_breakdown"`
	PerPriority     map[string]int `json:"per_priority_breakdown"`

	ConcurrencyLimit int          `json:"concurrency_limit"`
	Pruned           uint64       `json:"pruned"`
	Circuit          CircuitStats `json:"circuit"`
}

type CircuitStats struct {
	Total int `json:"total"`
	Open  int `json:"open"`
}

// TaskEvent is the Data payload of task.* bus events.
type TaskEvent struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Priority    string        `json:"priority"`
	SubmitterID string        `json:"submitter_id"`
	QueueDelay  time.Duration `json:"queue_delay"`
	Duration    time.Duration `json:"duration"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Fallback    bool          `json:"fallback,omitempty"`
}
