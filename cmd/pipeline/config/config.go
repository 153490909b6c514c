// Package config provides configuration parsing and management for the
// pipeline daemon.
//
// It handles both command-line flags and environment variables, with flags
// taking precedence over environment variables. The Config struct contains
// all runtime configuration for the pipeline including:
//   - Vessel/batch identification
//   - Window cadence (window length, cycle interval, nominal sample period)
//   - Cleaning policy (gap thresholds, outlier z-score, filter noise)
//   - Feature constants (reactor volume, gas/pressure constants, DCW factor,
//     phase thresholds, alarm thresholds)
//   - Window source settings (URL, JSON paths)
//   - Storage backend (memory or Redis) and alert sink (log or NATS)
//   - Logging and TLS configuration
//
// The per-tag sensor table (physical bounds, units) is loaded from a JSON
// file given by -sensor-config and validated at startup; an invalid or
// incomplete table is fatal.
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/features"
	"github.com/fermlab/biopipe/pkg/tls"
)

// Config holds all pipeline configuration.
type Config struct {
	Listen    string
	LogFormat string
	LogLevel  string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	AlertSink  string
	NATSURL    string
	NATSPrefix string

	TLS tls.Config

	Vessel string
	Batch  string

	SourceURL             string
	SourceMethod          string
	SourceBody            string
	SourceValuePath       string
	SourceTimestampPath   string
	SourceTimestampFormat string
	SourceVars            map[string]string

	SensorConfigPath string

	Window       time.Duration
	Interval     time.Duration
	SamplePeriod time.Duration
	FetchTimeout time.Duration

	GapInterpolateMax time.Duration
	GapFilterMax      time.Duration
	OutlierZ          float64
	ProcessNoise      float64
	MeasurementNoise  float64

	ReactorVolume      float64
	PStd               float64
	YO2In              float64
	DCWFactor          float64
	MuExp              float64
	MuStat             float64
	CSatRef            float64
	MotorTempMax       float64
	PressureRef        float64
	PressureAnomalyMax float64

	QualityWarnRatio float64
	QualityCritRatio float64
}

// ParseFlags parses command-line flags and environment variables into a
// Config. Environment variables are used as fallbacks when flags are not
// provided.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8085"), "HTTP listen address")

	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Feature store backend: memory or redis")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flag.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 24*time.Hour), "Redis record TTL")

	flag.StringVar(&cfg.AlertSink, "alert-sink", getEnv("ALERT_SINK", "log"), "Alert sink: log or nats")
	flag.StringVar(&cfg.NATSURL, "nats-url", getEnv("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	flag.StringVar(&cfg.NATSPrefix, "nats-prefix", getEnv("NATS_PREFIX", "biopipe.alerts"), "NATS alert subject prefix")

	flag.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for HTTP server")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")

	flag.StringVar(&cfg.Vessel, "vessel", getEnv("VESSEL", ""), "Vessel identifier (required)")
	flag.StringVar(&cfg.Batch, "batch", getEnv("BATCH", ""), "Batch identifier (required)")

	flag.StringVar(&cfg.SourceURL, "source-url", getEnv("SOURCE_URL", ""), "Window source URL template (required)")
	flag.StringVar(&cfg.SourceMethod, "source-method", getEnv("SOURCE_METHOD", ""), "Window source HTTP method")
	flag.StringVar(&cfg.SourceBody, "source-body", getEnv("SOURCE_BODY", ""), "Window source request body template")
	flag.StringVar(&cfg.SourceValuePath, "source-value-path", getEnv("SOURCE_VALUE_PATH", "points.#.value"), "gjson path to sample values")
	flag.StringVar(&cfg.SourceTimestampPath, "source-timestamp-path", getEnv("SOURCE_TIMESTAMP_PATH", "points.#.ts"), "gjson path to sample timestamps")
	flag.StringVar(&cfg.SourceTimestampFormat, "source-timestamp-format", getEnv("SOURCE_TIMESTAMP_FORMAT", "rfc3339"), "Timestamp format: rfc3339, unix, unix_milli")

	flag.StringVar(&cfg.SensorConfigPath, "sensor-config", getEnv("SENSOR_CONFIG", ""), "Path to the per-tag sensor table JSON (required)")

	flag.DurationVar(&cfg.Window, "window", getEnvDuration("WINDOW", 30*time.Second), "Processing window length")
	flag.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", 30*time.Second), "Cycle interval")
	flag.DurationVar(&cfg.SamplePeriod, "sample-period", getEnvDuration("SAMPLE_PERIOD", 5*time.Second), "Nominal sensor sampling period")
	flag.DurationVar(&cfg.FetchTimeout, "fetch-timeout", getEnvDuration("FETCH_TIMEOUT", 10*time.Second), "Window fetch timeout")

	flag.DurationVar(&cfg.GapInterpolateMax, "gap-interpolate-max", getEnvDuration("GAP_INTERPOLATE_MAX", 5*time.Minute), "Longest gap repaired by interpolation")
	flag.DurationVar(&cfg.GapFilterMax, "gap-filter-max", getEnvDuration("GAP_FILTER_MAX", 30*time.Minute), "Longest gap repaired by the Kalman path")
	flag.Float64Var(&cfg.OutlierZ, "outlier-z", getEnvFloat("OUTLIER_Z", 3.0), "Outlier z-score clip threshold")
	flag.Float64Var(&cfg.ProcessNoise, "process-noise", getEnvFloat("PROCESS_NOISE", 0.001), "Gap filter process-noise variance")
	flag.Float64Var(&cfg.MeasurementNoise, "measurement-noise", getEnvFloat("MEASUREMENT_NOISE", 0.1), "Gap filter measurement-noise variance")

	flag.Float64Var(&cfg.ReactorVolume, "reactor-volume", getEnvFloat("REACTOR_VOLUME", 2.0), "Reactor working volume (L)")
	flag.Float64Var(&cfg.PStd, "p-std", getEnvFloat("P_STD", 1.013), "Reference pressure for gas correction (bar)")
	flag.Float64Var(&cfg.YO2In, "y-o2-in", getEnvFloat("Y_O2_IN", 0.21), "Inlet gas oxygen mole fraction")
	flag.Float64Var(&cfg.DCWFactor, "dcw-factor", getEnvFloat("DCW_FACTOR", 0.45), "OD to dry-cell-weight conversion (g/L per OD)")
	flag.Float64Var(&cfg.MuExp, "mu-exp", getEnvFloat("MU_EXP", 0.08), "Growth rate entering exponential phase (1/h)")
	flag.Float64Var(&cfg.MuStat, "mu-stat", getEnvFloat("MU_STAT", 0.02), "Growth rate entering stationary phase (1/h)")
	flag.Float64Var(&cfg.CSatRef, "c-sat-ref", getEnvFloat("C_SAT_REF", 0.25), "DO saturation concentration at P_std (mmol/L)")
	flag.Float64Var(&cfg.MotorTempMax, "motor-temp-max", getEnvFloat("MOTOR_TEMP_MAX", 70), "Motor thermal warning threshold (°C)")
	flag.Float64Var(&cfg.PressureRef, "pressure-ref", getEnvFloat("PRESSURE_REF", 1.013), "Atmospheric pressure reference (bar)")
	flag.Float64Var(&cfg.PressureAnomalyMax, "pressure-anomaly-max", getEnvFloat("PRESSURE_ANOMALY_MAX", 0.2), "Pressure deviation anomaly threshold (bar)")

	flag.Float64Var(&cfg.QualityWarnRatio, "quality-warn-ratio", getEnvFloat("QUALITY_WARN_RATIO", 0.2), "Unusable ratio raising a warning alert")
	flag.Float64Var(&cfg.QualityCritRatio, "quality-crit-ratio", getEnvFloat("QUALITY_CRIT_RATIO", 0.5), "Unusable ratio raising a critical alert")

	flag.Parse()

	cfg.SourceVars = parseSourceVars()

	return cfg
}

var vesselNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,251}[a-zA-Z0-9])?$`)

// Validate checks the configuration for fatal problems. Any error here
// aborts startup.
func (c *Config) Validate() error {
	if c.Vessel == "" {
		return fmt.Errorf("vessel is required")
	}
	if !vesselNameRegex.MatchString(c.Vessel) {
		return fmt.Errorf("invalid vessel name %q (must be alphanumeric with dash/underscore, 1-253 chars)", c.Vessel)
	}
	if c.Batch == "" {
		return fmt.Errorf("batch is required")
	}
	if c.SensorConfigPath == "" {
		return fmt.Errorf("sensor-config is required")
	}
	if c.SourceURL == "" {
		return fmt.Errorf("source-url is required")
	}

	if c.Window <= 0 {
		return fmt.Errorf("window must be > 0")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if c.SamplePeriod <= 0 || c.SamplePeriod > c.Window {
		return fmt.Errorf("sample-period must be in (0, window]")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch-timeout must be > 0")
	}

	if c.GapInterpolateMax <= 0 || c.GapFilterMax <= c.GapInterpolateMax {
		return fmt.Errorf("gap thresholds must satisfy 0 < interpolate-max < filter-max")
	}
	if c.OutlierZ <= 0 {
		return fmt.Errorf("outlier-z must be > 0")
	}

	if c.Storage != "memory" && c.Storage != "redis" {
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}
	if c.AlertSink != "log" && c.AlertSink != "nats" {
		return fmt.Errorf("invalid alert-sink %q (must be log or nats)", c.AlertSink)
	}
	if c.AlertSink == "nats" && c.NATSURL == "" {
		return fmt.Errorf("nats-url is required when alert-sink=nats")
	}

	for name, v := range map[string]float64{
		"reactor-volume": c.ReactorVolume,
		"p-std":          c.PStd,
		"y-o2-in":        c.YO2In,
		"dcw-factor":     c.DCWFactor,
		"mu-exp":         c.MuExp,
		"mu-stat":        c.MuStat,
		"c-sat-ref":      c.CSatRef,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.MuStat >= c.MuExp {
		return fmt.Errorf("mu-stat must be below mu-exp")
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	return nil
}

// LoadSensors reads and validates the per-tag sensor table.
func (c *Config) LoadSensors() (cleaning.SensorTable, error) {
	data, err := os.ReadFile(c.SensorConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read sensor config: %w", err)
	}

	var table cleaning.SensorTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse sensor config: %w", err)
	}

	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("sensor config: %w", err)
	}

	return table, nil
}

// CleaningConfig maps the flat config onto the cleaner's policy.
func (c *Config) CleaningConfig() cleaning.Config {
	return cleaning.Config{
		SamplePeriod:      c.SamplePeriod,
		GapInterpolateMax: c.GapInterpolateMax,
		GapFilterMax:      c.GapFilterMax,
		OutlierZ:          c.OutlierZ,
		ProcessNoise:      c.ProcessNoise,
		MeasurementNoise:  c.MeasurementNoise,
	}
}

// FeatureConfig maps the flat config onto the feature engineer's constants.
func (c *Config) FeatureConfig() features.Config {
	return features.Config{
		ReactorVolume:      c.ReactorVolume,
		PStd:               c.PStd,
		YO2In:              c.YO2In,
		DCWFactor:          c.DCWFactor,
		MuExp:              c.MuExp,
		MuStat:             c.MuStat,
		CSatRef:            c.CSatRef,
		MotorTempMax:       c.MotorTempMax,
		PressureRef:        c.PressureRef,
		PressureAnomalyMax: c.PressureAnomalyMax,
	}
}

// Public returns the non-secret configuration as a flat map for the
// control surface's config endpoint.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"vessel":               c.Vessel,
		"batch":                c.Batch,
		"storage":              c.Storage,
		"alert_sink":           c.AlertSink,
		"window":               c.Window.String(),
		"interval":             c.Interval.String(),
		"sample_period":        c.SamplePeriod.String(),
		"fetch_timeout":        c.FetchTimeout.String(),
		"gap_interpolate_max":  c.GapInterpolateMax.String(),
		"gap_filter_max":       c.GapFilterMax.String(),
		"outlier_z":            c.OutlierZ,
		"reactor_volume":       c.ReactorVolume,
		"p_std":                c.PStd,
		"y_o2_in":              c.YO2In,
		"dcw_factor":           c.DCWFactor,
		"mu_exp":               c.MuExp,
		"mu_stat":              c.MuStat,
		"motor_temp_max":       c.MotorTempMax,
		"pressure_ref":         c.PressureRef,
		"pressure_anomaly_max": c.PressureAnomalyMax,
	}
}

// parseSourceVars parses SOURCE_VAR_* environment variables into template
// variables for the window source. SOURCE_VAR_TOKEN becomes "Token" in the
// URL/body/header templates.
func parseSourceVars() map[string]string {
	const prefix = "SOURCE_VAR_"
	vars := make(map[string]string)

	for _, env := range os.Environ() {
		if len(env) <= len(prefix) || env[:len(prefix)] != prefix {
			continue
		}
		for i := 0; i < len(env); i++ {
			if env[i] == '=' {
				vars[toTitleCase(env[len(prefix):i])] = env[i+1:]
				break
			}
		}
	}

	return vars
}

// toTitleCase converts SNAKE_CASE to TitleCase (API_KEY → ApiKey).
func toTitleCase(s string) string {
	out := make([]rune, 0, len(s))
	upper := true
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			out = append(out, toUpper(r))
			upper = false
		} else {
			out = append(out, toLower(r))
		}
	}
	return string(out)
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 32
	}
	return r
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + 32
	}
	return r
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
