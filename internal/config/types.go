package config

type Config struct {
	Logging    LoggingConfig             `json:"logging"`
	Dispatcher DispatcherConfig          `json:"dispatcher"`
	TaskTypes  map[string]TaskTypeConfig `json:"task_types,omitempty"`
	Session    SessionConfig             `json:"session"`
	Completion CompletionConfig          `json:"completion"`
	Storage    *StorageConfig            `json:"storage,omitempty"`
	Metrics    MetricsConfig             `json:"metrics"`
	Admin      AdminConfig               `json:"admin"`
	Systemd    SystemdConfig             `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls the priority dispatcher.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - concurrency_limit: 5
//   - rate_limit_per_window: 60 (negative disables)
//   - window_length: "60s"
//   - execution_timeout: "60s" ("off" disables)
//   - rate_retry_interval: "1s"
//   - capacity_retry_interval: "500ms"
//   - result_poll_interval: "100ms"
//   - result_ttl: "0s" (keep forever), result_max_entries: 0 (unbounded)
//   - prune_schedule: "" (no scheduled pruning)
//   - circuit_trip_failures: 5 (negative disables)
type DispatcherConfig struct {
	ConcurrencyLimit   int    `json:"concurrency_limit,omitempty"`
	RateLimitPerWindow int    `json:"rate_limit_per_window,omitempty"`
	WindowLength       string `json:"window_length,omitempty"`
	ExecutionTimeout   string `json:"execution_timeout,omitempty"`

	RateRetryInterval     string `json:"rate_retry_interval,omitempty"`
	CapacityRetryInterval string `json:"capacity_retry_interval,omitempty"`
	ResultPollInterval    string `json:"result_poll_interval,omitempty"`

	ResultTTL        string `json:"result_ttl,omitempty"`
	ResultMaxEntries int    `json:"result_max_entries,omitempty"`
	PruneSchedule    string `json:"prune_schedule,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// TaskTypeConfig overrides or adds a task type's executor settings.
// Zero fields fall back to the built-in defaults for that type.
type TaskTypeConfig struct {
	Model           string   `json:"model,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

// SessionConfig controls session-file acquisition.
type SessionConfig struct {
	Dir          string `json:"dir,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MinValidSize int64  `json:"min_valid_size,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
}

// CompletionConfig configures the OpenAI-compatible executor.
//
// APIKey supports ${ENV} expansion; prefer api_key: "${OPENAI_API_KEY}".
type CompletionConfig struct {
	APIKey            string  `json:"api_key,omitempty"`
	BaseURL           string  `json:"base_url,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
	MaxRetries        int     `json:"max_retries,omitempty"`
}

// StorageConfig controls the optional result archive.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./completiond.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the OpenTelemetry exporter.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "30s"
}

// AdminConfig controls the HTTP admin/API listener.
//
// Security: binding to a non-loopback addr requires token or allow_insecure.
// token supports ${ENV} expansion.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8470"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	MaxWait      string `json:"max_wait,omitempty"` // cap for ?wait=, default "60s"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
