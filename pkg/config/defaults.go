package config

import (
	"time"

	"github.com/bbblb/bbblb/internal/bytesize"
)

// Default values for all optional configuration keys. Domain and Secret have
// no default; they must be provided by the operator.
const (
	DefaultDBURI        = "sqlite://bbblb.sqlite3"
	DefaultTenantHeader = "X-Tenant-Realm"
	DefaultListen       = ":8080"

	DefaultMaxBody      = 1 * bytesize.MiB
	DefaultMaxItems     = 100
	DefaultWebhookRetry = 5

	DefaultPollInterval = Duration(30 * time.Second)
	DefaultPollFail     = 3
	DefaultPollRecover  = 2

	DefaultLoadBase     = 1.0
	DefaultLoadUser     = 1.0
	DefaultLoadVideo    = 2.0
	DefaultLoadVoice    = 1.0
	DefaultLoadPenalty  = 10.0
	DefaultLoadCooldown = Duration(15 * time.Minute)

	DefaultLoadFactorInitial = 10.0
	DefaultLoadFactorMeeting = 1.0
	DefaultLoadFactorSize    = 1.0

	DefaultRecordingThreads = 2

	DefaultTelemetryEndpoint = "localhost:4317"
	DefaultProfilingEndpoint = "http://localhost:4040"
)

// defaultProfileTypes returns the default Pyroscope profile type selection.
func defaultProfileTypes() []string {
	return []string{
		"cpu",
		"alloc_objects",
		"alloc_space",
		"inuse_objects",
		"inuse_space",
		"goroutines",
	}
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved. Load
// already registers defaults with viper, so this mainly serves configs built
// directly in code (tests, state snapshots).
func ApplyDefaults(cfg *Config) {
	if cfg.DBURI == "" {
		cfg.DBURI = DefaultDBURI
	}
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = DefaultTenantHeader
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.MaxBody == 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.WebhookRetry == 0 {
		cfg.WebhookRetry = DefaultWebhookRetry
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollFail == 0 {
		cfg.PollFail = DefaultPollFail
	}
	if cfg.PollRecover == 0 {
		cfg.PollRecover = DefaultPollRecover
	}

	// Load weights legitimately include 0 to ignore a signal, so only the
	// whole-block zero value (a freshly constructed Config) is defaulted.
	if cfg.LoadBase == 0 && cfg.LoadUser == 0 && cfg.LoadVideo == 0 &&
		cfg.LoadVoice == 0 && cfg.LoadPenalty == 0 {
		cfg.LoadBase = DefaultLoadBase
		cfg.LoadUser = DefaultLoadUser
		cfg.LoadVideo = DefaultLoadVideo
		cfg.LoadVoice = DefaultLoadVoice
		cfg.LoadPenalty = DefaultLoadPenalty
	}
	if cfg.LoadCooldown == 0 {
		cfg.LoadCooldown = DefaultLoadCooldown
	}

	if cfg.LoadFactorInitial == 0 {
		cfg.LoadFactorInitial = DefaultLoadFactorInitial
	}
	if cfg.LoadFactorMeeting == 0 {
		cfg.LoadFactorMeeting = DefaultLoadFactorMeeting
	}
	if cfg.LoadFactorSize == 0 {
		cfg.LoadFactorSize = DefaultLoadFactorSize
	}

	if cfg.RecordingThreads == 0 {
		cfg.RecordingThreads = DefaultRecordingThreads
	}

	applyTelemetryDefaults(&cfg.Telemetry)
	applyProfilingDefaults(&cfg.Profiling)
}

// applyTelemetryDefaults sets OpenTelemetry defaults. Enabled stays opt-in.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultTelemetryEndpoint
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

// applyProfilingDefaults sets Pyroscope defaults. Enabled stays opt-in.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultProfilingEndpoint
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = defaultProfileTypes()
	}
}

// GetDefaultConfig returns a Config with all default values applied. Domain
// and Secret are left empty and must be filled in before the config
// validates.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
