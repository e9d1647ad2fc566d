package dispatch

import (
	"strings"
	"time"
)

// Config controls the dispatcher.
//
// The app layer maps config.dispatcher and config.task_types into this struct.
type Config struct {
	// ConcurrencyLimit caps tasks executing at once. Default 5.
	ConcurrencyLimit int

	// RateLimit is the number of dispatches allowed per RateWindow. Default 60.
	// A negative value disables rate limiting.
	RateLimit  int
	RateWindow time.Duration

	// ExecutionTimeout bounds a single executor call. Default 60s, negative disables.
	ExecutionTimeout time.Duration

	RateRetryInterval     time.Duration
	CapacityRetryInterval time.Duration
	ResultPollInterval    time.Duration

	Backpressure Backpressure

	// Result retention. Zero TTL or MaxEntries disables that bound.
	ResultTTL        time.Duration
	ResultMaxEntries int
	// PruneSchedule is a cron spec ("@every 1m", "*/5 * * * *"). Empty disables scheduled pruning.
	PruneSchedule string

	// Per-type executor settings. Unknown types resolve to DefaultSettings.
	Types           map[string]Settings
	DefaultSettings Settings

	// Circuit breaker (consecutive-failure based, keyed by task type).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

// Built-in task types.
const (
	TypeCharacterInteraction = "character_interaction"
	TypeCRMAnalysis          = "crm_analysis"
	TypeSocialGaming         = "social_gaming"
	TypeVoiceProcessing      = "voice_processing"
	TypeSentimentAnalysis    = "sentiment_analysis"
	TypePersonalityAnalysis  = "personality_analysis"
	TypePredictiveAnalytics  = "predictive_analytics"
	TypeRealTimeAnalysis     = "real_time_analysis"
	TypeContentGeneration    = "content_generation"
	TypeVisionAnalysis       = "vision_analysis"
	TypeHeavyAnalysis        = "heavy_analysis"
)

// BuiltinTypes lists the task types known without configuration.
var BuiltinTypes = []string{
	TypeCharacterInteraction,
	TypeCRMAnalysis,
	TypeSocialGaming,
	TypeVoiceProcessing,
	TypeSentimentAnalysis,
	TypePersonalityAnalysis,
	TypePredictiveAnalytics,
	TypeRealTimeAnalysis,
	TypeContentGeneration,
	TypeVisionAnalysis,
	TypeHeavyAnalysis,
}

const (
	modelLarge = "gpt-4"
	modelSmall = "gpt-3.5-turbo"
)

// DefaultSettings applies to types with no explicit entry.
func DefaultSettings() Settings {
	return Settings{Model: modelLarge, Temperature: 0.7, MaxOutputTokens: 1000}
}

// DefaultTypeSettings returns the built-in per-type table.
func DefaultTypeSettings() map[string]Settings {
	return map[string]Settings{
		TypeCharacterInteraction: {Model: modelLarge, Temperature: 0.7, MaxOutputTokens: 500},
		TypeCRMAnalysis:          {Model: modelLarge, Temperature: 0.3, MaxOutputTokens: 2000},
		TypeSocialGaming:         {Model: modelSmall, Temperature: 0.8, MaxOutputTokens: 300},
		TypeSentimentAnalysis:    {Model: modelSmall, Temperature: 0.3, MaxOutputTokens: 100},
		TypePredictiveAnalytics:  {Model: modelLarge, Temperature: 0.2, MaxOutputTokens: 1000},
		TypeContentGeneration:    {Model: modelLarge, Temperature: 0.7, MaxOutputTokens: 1000},
	}
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 5
	}
	if c.RateLimit == 0 {
		c.RateLimit = 60
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = 60 * time.Second
	}
	if c.RateRetryInterval <= 0 {
		c.RateRetryInterval = time.Second
	}
	if c.CapacityRetryInterval <= 0 {
		c.CapacityRetryInterval = 500 * time.Millisecond
	}
	if c.ResultPollInterval <= 0 {
		c.ResultPollInterval = 100 * time.Millisecond
	}
	c.Backpressure = c.Backpressure.withDefaults()
	if c.ResultMaxEntries < 0 {
		c.ResultMaxEntries = 0
	}
	c.PruneSchedule = strings.TrimSpace(c.PruneSchedule)

	def := DefaultSettings()
	if c.DefaultSettings.Model == "" {
		c.DefaultSettings.Model = def.Model
	}
	if c.DefaultSettings.Temperature == 0 {
		c.DefaultSettings.Temperature = def.Temperature
	}
	if c.DefaultSettings.MaxOutputTokens <= 0 {
		c.DefaultSettings.MaxOutputTokens = def.MaxOutputTokens
	}

	types := DefaultTypeSettings()
	for k, v := range c.Types {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		types[k] = v
	}
	c.Types = types
	return c
}

// settingsFor resolves executor settings: type defaults, then task overrides.
func (c Config) settingsFor(taskType string, o *Overrides) Settings {
	s, ok := c.Types[taskType]
	if !ok {
		s = c.DefaultSettings
	}
	if s.Model == "" {
		s.Model = c.DefaultSettings.Model
	}
	if s.MaxOutputTokens <= 0 {
		s.MaxOutputTokens = c.DefaultSettings.MaxOutputTokens
	}
	return s.apply(o)
}

// knownType reports whether taskType is built in or configured.
func (c Config) knownType(taskType string) bool {
	if _, ok := c.Types[taskType]; ok {
		return true
	}
	for _, t := range BuiltinTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
