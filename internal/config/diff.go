package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "completiond/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (api keys, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.concurrency_limit", d.ConcurrencyLimit),
			logx.Int("dispatcher.rate_limit_per_window", d.RateLimitPerWindow),
			logx.String("dispatcher.window_length", strings.TrimSpace(d.WindowLength)),
			logx.String("dispatcher.prune_schedule", strings.TrimSpace(d.PruneSchedule)),
		)
	}

	if types := diffTaskTypes(oldCfg.TaskTypes, newCfg.TaskTypes); len(types) > 0 {
		changed = append(changed, "task_types")
		attrs = append(attrs, logx.String("task_types.changed", strings.Join(types, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.dir", newCfg.Session.Dir))
	}

	oc, nc := oldCfg.Completion, newCfg.Completion
	if oc.BaseURL != nc.BaseURL || oc.RequestsPerSecond != nc.RequestsPerSecond || oc.Burst != nc.Burst ||
		oc.MaxRetries != nc.MaxRetries || (oc.APIKey != "") != (nc.APIKey != "") || hashString(oc.APIKey) != hashString(nc.APIKey) {
		changed = append(changed, "completion")
		attrs = append(attrs,
			logx.String("completion.base_url", nc.BaseURL),
			logx.Float64("completion.requests_per_second", nc.RequestsPerSecond),
			logx.Bool("completion.api_key_set", nc.APIKey != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	return changed, attrs
}

func diffTaskTypes(oldM, newM map[string]TaskTypeConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func hashString(s string) uint64 { return hashBytes([]byte(s)) }
