package config

import (
	"errors"
	"strings"
	"time"

	"completiond/internal/admin"
	"completiond/internal/completion"
	"completiond/internal/dispatch"
	"completiond/internal/session"
	"completiond/internal/storage"
	logx "completiond/pkg/logx"
)

// LogConfig maps the logging section.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// DispatchConfig maps dispatcher and task_types into dispatch.Config.
// Invalid duration strings are reported with their config path.
func (c *Config) DispatchConfig() (dispatch.Config, error) {
	d := c.Dispatcher
	out := dispatch.Config{
		ConcurrencyLimit:    d.ConcurrencyLimit,
		RateLimit:           d.RateLimitPerWindow,
		ResultMaxEntries:    d.ResultMaxEntries,
		PruneSchedule:       strings.TrimSpace(d.PruneSchedule),
		CircuitTripFailures: d.CircuitTripFailures,
	}

	var errs []error
	dur := func(path, raw string, dst *time.Duration) {
		v, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	dur("dispatcher.window_length", d.WindowLength, &out.RateWindow)
	if v, err := parseSwitchableDuration("dispatcher.execution_timeout", d.ExecutionTimeout); err != nil {
		errs = append(errs, err)
	} else {
		out.ExecutionTimeout = v
	}
	dur("dispatcher.rate_retry_interval", d.RateRetryInterval, &out.RateRetryInterval)
	dur("dispatcher.capacity_retry_interval", d.CapacityRetryInterval, &out.CapacityRetryInterval)
	dur("dispatcher.result_poll_interval", d.ResultPollInterval, &out.ResultPollInterval)
	dur("dispatcher.result_ttl", d.ResultTTL, &out.ResultTTL)
	dur("dispatcher.circuit_base_delay", d.CircuitBaseDelay, &out.CircuitBaseDelay)
	dur("dispatcher.circuit_max_delay", d.CircuitMaxDelay, &out.CircuitMaxDelay)
	dur("dispatcher.circuit_reset_after", d.CircuitResetAfter, &out.CircuitResetAfter)

	if out.PruneSchedule != "" {
		if err := dispatch.ValidateSchedule(out.PruneSchedule); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.TaskTypes) > 0 {
		builtin := dispatch.DefaultTypeSettings()
		out.Types = make(map[string]dispatch.Settings, len(c.TaskTypes))
		for name, tc := range c.TaskTypes {
			name = strings.TrimSpace(name)
			if name == "" {
				errs = append(errs, errors.New("task_types: empty type name"))
				continue
			}
			s, ok := builtin[name]
			if !ok {
				s = dispatch.DefaultSettings()
			}
			if m := strings.TrimSpace(tc.Model); m != "" {
				s.Model = m
			}
			if tc.Temperature != nil {
				s.Temperature = *tc.Temperature
			}
			if tc.MaxOutputTokens > 0 {
				s.MaxOutputTokens = tc.MaxOutputTokens
			}
			out.Types[name] = s
		}
	}
	return out, errors.Join(errs...)
}

// SessionConfig maps the session section.
func (c *Config) SessionConfig() (session.Config, error) {
	s := c.Session
	base, err := ParseDurationField("session.base_delay", s.BaseDelay)
	if err != nil {
		return session.Config{}, err
	}
	busy, err := ParseDurationField("session.busy_timeout", s.BusyTimeout)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Dir:          s.Dir,
		MaxAttempts:  s.MaxAttempts,
		BaseDelay:    base,
		MinValidSize: s.MinValidSize,
		BusyTimeout:  busy,
	}, nil
}

// CompletionConfig maps the completion section.
func (c *Config) CompletionConfig() completion.Config {
	return completion.Config{
		APIKey:            c.Completion.APIKey,
		BaseURL:           c.Completion.BaseURL,
		RequestsPerSecond: c.Completion.RequestsPerSecond,
		Burst:             c.Completion.Burst,
		MaxRetries:        c.Completion.MaxRetries,
	}
}

// StorageConfig maps the optional storage section. A nil section disables storage.
func (c *Config) StorageConfig() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		DSN:         c.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

// MetricsInterval returns the export interval (default 30s).
func (c *Config) MetricsInterval() (time.Duration, error) {
	return ParseDurationOrDefault("metrics.interval", c.Metrics.Interval, 30*time.Second)
}

// AdminConfig maps the admin section.
func (c *Config) AdminConfig() (admin.Config, error) {
	a := c.Admin
	out := admin.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
	}
	var errs []error
	for _, f := range []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"admin.max_wait", a.MaxWait, &out.MaxWait},
		{"admin.read_timeout", a.ReadTimeout, &out.ReadTimeout},
		{"admin.write_timeout", a.WriteTimeout, &out.WriteTimeout},
		{"admin.idle_timeout", a.IdleTimeout, &out.IdleTimeout},
	} {
		v, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = v
	}
	return out, errors.Join(errs...)
}

// Validate checks every section that has a mapping.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.DispatchConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SessionConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.MetricsInterval(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AdminConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
