// Package config loads the autopilot's static policy file: daily schedule,
// canary parameters, sliding-bounds defaults, drift thresholds, and
// incident-triage settings.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root policy-file structure. Hot reload is not supported;
// the process restarts to adopt changes.
type Config struct {
	DailyScheduleUTC   string        `mapstructure:"daily_schedule_utc"`
	MaxExecutionTime   time.Duration `mapstructure:"max_execution_minutes"`
	EmergencyPause     bool          `mapstructure:"emergency_pause"`
	ManualOverrideTime time.Duration `mapstructure:"manual_override_hours"`

	Canary         CanaryConfig         `mapstructure:"canary"`
	SlidingBounds  SlidingBoundsConfig  `mapstructure:"sliding_bounds"`
	DriftMonitor   DriftMonitorConfig   `mapstructure:"drift_monitoring"`
	IncidentTriage IncidentTriageConfig `mapstructure:"incident_triage"`
	Proposer       ProposerConfig       `mapstructure:"proposer"`

	Log     LogConfig     `mapstructure:"log"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Storage StorageConfig `mapstructure:"storage"`
	Server  ServerConfig  `mapstructure:"server"`
}

// CanaryConfig holds Canary Deployer defaults.
type CanaryConfig struct {
	TrafficFraction      float64       `mapstructure:"traffic_fraction"`
	DurationMinutes      time.Duration `mapstructure:"duration_minutes"`
	WarmupSeconds        time.Duration `mapstructure:"warmup_seconds"`
	ConfidenceThreshold  float64       `mapstructure:"confidence_threshold"`
	RollbackTolerance    float64       `mapstructure:"rollback_tolerance"`
	NonInferiorityTol    float64       `mapstructure:"non_inferiority_tolerance"`
	CommitOnInconclusive bool          `mapstructure:"commit_on_inconclusive"`
	BucketingPrime       uint32        `mapstructure:"bucketing_prime"`
	EmergencyStopPoll    time.Duration `mapstructure:"emergency_stop_poll_interval"`
	GateKPIs             []string      `mapstructure:"gate_kpis"`
}

// SlidingBoundsConfig holds Bounds Manager defaults.
type SlidingBoundsConfig struct {
	StabilityThresholdDays int     `mapstructure:"stability_threshold_days"`
	ExpansionRatePerWeek   float64 `mapstructure:"expansion_rate_per_week"`
	ContractionRateAfterRB float64 `mapstructure:"contraction_rate_after_rollback"`
	RollbackThreshold      int     `mapstructure:"rollback_threshold"`
	RollbackWindowDays     int     `mapstructure:"rollback_window_days"`
	AntiWindupCooldownDays int     `mapstructure:"anti_windup_cooldown_days"`
	MaxStepFraction        float64 `mapstructure:"max_step_fraction"`
}

// DriftMonitorConfig holds Drift Monitor defaults.
type DriftMonitorConfig struct {
	PollInterval                time.Duration `mapstructure:"poll_interval"`
	WindowDays                  int           `mapstructure:"window_days"`
	PredictionErrorThresholdPct float64       `mapstructure:"prediction_error_threshold_pct"`
	RollbackRateThresholdPct    float64       `mapstructure:"rollback_rate_threshold_pct"`
	ConsecutiveFailureThreshold int           `mapstructure:"consecutive_failure_threshold"`
	PauseDurationHours          time.Duration `mapstructure:"pause_duration_hours"`
	MaxPauseDurationDays        time.Duration `mapstructure:"max_pause_duration_days"`
	TopKContractOnError         int           `mapstructure:"top_k_contract_on_error"`
}

// IncidentTriageConfig holds Incident Triage defaults.
type IncidentTriageConfig struct {
	ScheduleUTC              string `mapstructure:"schedule_utc"`
	WindowDays               int    `mapstructure:"window_days"`
	FailureThresholdForPatch int    `mapstructure:"failure_threshold_for_patch"`
	IssueTrackerEnabled      bool   `mapstructure:"issue_tracker_enabled"`
}

// ProposerConfig holds Parameter Proposer defaults.
type ProposerConfig struct {
	MinConfidence        float64 `mapstructure:"min_confidence"`
	MaxChangesPerCycle   int     `mapstructure:"max_changes_per_cycle"`
	MinValueDeltaEpsilon float64 `mapstructure:"min_value_delta_epsilon"`
}

// LogConfig mirrors pkg/logger.Config.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// RedisConfig backs the Drift Monitor's rolling-window counters.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig points at the History Store's base directory and the
// external MetricsStore reference implementation's backend.
type StorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MetricsBackend string `mapstructure:"metrics_backend"` // "postgres" | "sqlite"
	MetricsDSN     string `mapstructure:"metrics_dsn"`
	RetentionDays  int    `mapstructure:"retention_days"`
}

// ServerConfig is the operator-facing HTTP API (internal/httpapi).
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads the policy file at path (if non-empty) and layers
// AUTOPILOT_-prefixed environment-variable overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("AUTOPILOT")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading policy file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling policy file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daily_schedule_utc", "02:00")
	v.SetDefault("max_execution_minutes", 10*time.Minute)
	v.SetDefault("emergency_pause", false)
	v.SetDefault("manual_override_hours", 0)

	v.SetDefault("canary.traffic_fraction", 0.2)
	v.SetDefault("canary.duration_minutes", 60*time.Minute)
	v.SetDefault("canary.warmup_seconds", 30*time.Second)
	v.SetDefault("canary.confidence_threshold", 0.95)
	v.SetDefault("canary.rollback_tolerance", 0.02)
	v.SetDefault("canary.non_inferiority_tolerance", 0.01)
	v.SetDefault("canary.commit_on_inconclusive", false)
	v.SetDefault("canary.bucketing_prime", 997)
	v.SetDefault("canary.emergency_stop_poll_interval", 5*time.Second)
	v.SetDefault("canary.gate_kpis", []string{"selection_entropy", "retention"})

	v.SetDefault("sliding_bounds.stability_threshold_days", 7)
	v.SetDefault("sliding_bounds.expansion_rate_per_week", 0.10)
	v.SetDefault("sliding_bounds.contraction_rate_after_rollback", 0.25)
	v.SetDefault("sliding_bounds.rollback_threshold", 3)
	v.SetDefault("sliding_bounds.rollback_window_days", 30)
	v.SetDefault("sliding_bounds.anti_windup_cooldown_days", 7)
	v.SetDefault("sliding_bounds.max_step_fraction", 0.25)

	v.SetDefault("drift_monitoring.poll_interval", 15*time.Minute)
	v.SetDefault("drift_monitoring.window_days", 14)
	v.SetDefault("drift_monitoring.prediction_error_threshold_pct", 0.30)
	v.SetDefault("drift_monitoring.rollback_rate_threshold_pct", 0.10)
	v.SetDefault("drift_monitoring.consecutive_failure_threshold", 3)
	v.SetDefault("drift_monitoring.pause_duration_hours", 48*time.Hour)
	v.SetDefault("drift_monitoring.max_pause_duration_days", 7*24*time.Hour)
	v.SetDefault("drift_monitoring.top_k_contract_on_error", 3)

	v.SetDefault("incident_triage.schedule_utc", "Sun 02:00")
	v.SetDefault("incident_triage.window_days", 7)
	v.SetDefault("incident_triage.failure_threshold_for_patch", 3)
	v.SetDefault("incident_triage.issue_tracker_enabled", false)

	v.SetDefault("proposer.min_confidence", 0.6)
	v.SetDefault("proposer.max_changes_per_cycle", 3)
	v.SetDefault("proposer.min_value_delta_epsilon", 1e-6)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.base_dir", "/var/lib/autopilot")
	v.SetDefault("storage.metrics_backend", "sqlite")
	v.SetDefault("storage.retention_days", 90)

	v.SetDefault("server.addr", ":8090")
}

// Validate enforces the ordering invariants a malformed policy file could
// violate.
func (c *Config) Validate() error {
	if c.Canary.TrafficFraction <= 0 || c.Canary.TrafficFraction > 0.5 {
		return fmt.Errorf("canary.traffic_fraction must be in (0, 0.5], got %v", c.Canary.TrafficFraction)
	}
	if c.Canary.ConfidenceThreshold <= 0 || c.Canary.ConfidenceThreshold >= 1 {
		return fmt.Errorf("canary.confidence_threshold must be in (0,1), got %v", c.Canary.ConfidenceThreshold)
	}
	if c.SlidingBounds.MaxStepFraction <= 0 || c.SlidingBounds.MaxStepFraction > 1 {
		return fmt.Errorf("sliding_bounds.max_step_fraction must be in (0,1], got %v", c.SlidingBounds.MaxStepFraction)
	}
	if c.Proposer.MinConfidence < 0 || c.Proposer.MinConfidence > 1 {
		return fmt.Errorf("proposer.min_confidence must be in [0,1], got %v", c.Proposer.MinConfidence)
	}
	if c.Proposer.MaxChangesPerCycle <= 0 {
		return fmt.Errorf("proposer.max_changes_per_cycle must be positive")
	}
	if c.MaxExecutionTime <= 0 {
		return fmt.Errorf("max_execution_minutes must be positive")
	}
	return nil
}

// VersionHash returns a content hash of the effective configuration,
// exposed on the status endpoint so operators can tell which policy file
// a running process loaded.
func (c *Config) VersionHash() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshalling config for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
