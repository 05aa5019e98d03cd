package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that cannot boot a session. It is fatal at
// session start only; configuration is never re-validated mid-session.
var ErrInvalid = errors.New("invalid configuration")

// Config captures the settings required to run the share analyzer.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Narrative NarrativeConfig `yaml:"narrative"`
	Reports   ReportsConfig   `yaml:"reports"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the probe listener and metrics endpoint.
type ServerConfig struct {
	ProbeAddress    string        `yaml:"probeAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// CaptureConfig controls windowing of the packet stream and backlog bounds.
type CaptureConfig struct {
	Interface      string        `yaml:"interface"`
	WindowPackets  int           `yaml:"windowPackets"`
	WindowDuration time.Duration `yaml:"windowDuration"`
	Backlog        int           `yaml:"backlog"`
	Timeout        time.Duration `yaml:"timeout"`
}

// AnalysisConfig holds detection thresholds and history retention bounds.
type AnalysisConfig struct {
	MaxLatencyMS       float64       `yaml:"maxLatencyMS"`
	MinBandwidthMbps   float64       `yaml:"minBandwidthMbps"`
	MaxPacketLoss      float64       `yaml:"maxPacketLoss"`
	MaxRetransmitRatio float64       `yaml:"maxRetransmitRatio"`
	MinTCPWindow       int           `yaml:"minTCPWindow"`
	MTUDelta           int           `yaml:"mtuDelta"`
	IssueClearSamples  int           `yaml:"issueClearSamples"`
	HistoryWindow      int           `yaml:"historyWindow"`
	PredictionWindow   int           `yaml:"predictionWindow"`
	ConnTTL            time.Duration `yaml:"connTTL"`
	ActionPackPath     string        `yaml:"actionPackPath"`
}

// AnomalyConfig controls the unsupervised scorer.
type AnomalyConfig struct {
	Threshold           float64 `yaml:"threshold"`
	MinSamples          int     `yaml:"minSamples"`
	ModelUpdateInterval int     `yaml:"modelUpdateInterval"`
	MaxFitSamples       int     `yaml:"maxFitSamples"`
	Seed                int64   `yaml:"seed"`
}

// NarrativeConfig configures the optional narrative-enrichment collaborator.
type NarrativeConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerMinute int           `yaml:"ratePerMinute"`
}

// ReportsConfig controls Redis-backed persistence of finalized session reports.
type ReportsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EventsConfig controls optional NATS event publication.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SHARE_ANALYZER_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ProbeAddress:    ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Capture: CaptureConfig{
			WindowPackets:  200,
			WindowDuration: 5 * time.Second,
			Backlog:        8,
			Timeout:        10 * time.Second,
		},
		Analysis: AnalysisConfig{
			MaxLatencyMS:       100,
			MinBandwidthMbps:   100,
			MaxPacketLoss:      0.05,
			MaxRetransmitRatio: 0.02,
			MinTCPWindow:       65535,
			MTUDelta:           100,
			IssueClearSamples:  2,
			HistoryWindow:      120,
			PredictionWindow:   30,
			ConnTTL:            2 * time.Minute,
		},
		Anomaly: AnomalyConfig{
			Threshold:           2.5,
			MinSamples:          10,
			ModelUpdateInterval: 20,
			MaxFitSamples:       512,
			Seed:                42,
		},
		Narrative: NarrativeConfig{
			Timeout:       5 * time.Second,
			RatePerMinute: 12,
		},
		Reports: ReportsConfig{
			Enabled: false,
			TTL:     24 * time.Hour,
			Timeout: 2 * time.Second,
		},
		Events: EventsConfig{
			Enabled:       false,
			SubjectPrefix: "share_analyzer",
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHARE_ANALYZER_PROBE_ADDRESS"); v != "" {
		cfg.Server.ProbeAddress = v
	}
	if v := os.Getenv("SHARE_ANALYZER_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SHARE_ANALYZER_INTERFACE"); v != "" {
		cfg.Capture.Interface = v
	}
	if v := os.Getenv("SHARE_ANALYZER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SHARE_ANALYZER_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SHARE_ANALYZER_NARRATIVE_ENDPOINT"); v != "" {
		cfg.Narrative.Endpoint = v
	}
	if v := os.Getenv("SHARE_ANALYZER_REDIS_ADDR"); v != "" {
		cfg.Reports.Addr = v
		cfg.Reports.Enabled = true
	}
	if v := os.Getenv("SHARE_ANALYZER_REDIS_PASSWORD"); v != "" {
		cfg.Reports.Password = v
	}
	if v := os.Getenv("SHARE_ANALYZER_NATS_URL"); v != "" {
		cfg.Events.URL = v
		cfg.Events.Enabled = true
	}

	// Core tunables are recognised under their canonical names as well.
	if f, ok := floatEnv("MAX_LATENCY_MS"); ok {
		cfg.Analysis.MaxLatencyMS = f
	}
	if f, ok := floatEnv("MIN_BANDWIDTH_MBPS"); ok {
		cfg.Analysis.MinBandwidthMbps = f
	}
	if f, ok := floatEnv("MAX_PACKET_LOSS"); ok {
		cfg.Analysis.MaxPacketLoss = f
	}
	if n, ok := intEnv("MIN_TCP_WINDOW"); ok {
		cfg.Analysis.MinTCPWindow = n
	}
	if f, ok := floatEnv("ANOMALY_THRESHOLD"); ok {
		cfg.Anomaly.Threshold = f
	}
	if n, ok := intEnv("HISTORY_WINDOW"); ok {
		cfg.Analysis.HistoryWindow = n
	}
	if n, ok := intEnv("MODEL_UPDATE_INTERVAL"); ok {
		cfg.Anomaly.ModelUpdateInterval = n
	}
	if n, ok := intEnv("PREDICTION_WINDOW"); ok {
		cfg.Analysis.PredictionWindow = n
	}
}

func floatEnv(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func intEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations that cannot produce meaningful analysis.
func (c *Config) Validate() error {
	if c.Analysis.MaxLatencyMS <= 0 {
		return fmt.Errorf("%w: maxLatencyMS must be positive", ErrInvalid)
	}
	if c.Analysis.MaxPacketLoss <= 0 || c.Analysis.MaxPacketLoss >= 1 {
		return fmt.Errorf("%w: maxPacketLoss must be in (0,1)", ErrInvalid)
	}
	if c.Analysis.MinTCPWindow <= 0 {
		return fmt.Errorf("%w: minTCPWindow must be positive", ErrInvalid)
	}
	if c.Analysis.HistoryWindow < 2 {
		return fmt.Errorf("%w: historyWindow must retain at least 2 samples", ErrInvalid)
	}
	if c.Analysis.IssueClearSamples < 1 {
		return fmt.Errorf("%w: issueClearSamples must be at least 1", ErrInvalid)
	}
	if c.Anomaly.Threshold <= 0 {
		return fmt.Errorf("%w: anomaly threshold must be positive", ErrInvalid)
	}
	if c.Anomaly.MinSamples < 2 {
		return fmt.Errorf("%w: anomaly minSamples must be at least 2", ErrInvalid)
	}
	if c.Anomaly.ModelUpdateInterval < 1 {
		return fmt.Errorf("%w: modelUpdateInterval must be at least 1", ErrInvalid)
	}
	if c.Capture.WindowPackets <= 0 && c.Capture.WindowDuration <= 0 {
		return fmt.Errorf("%w: one of windowPackets or windowDuration must be set", ErrInvalid)
	}
	if c.Capture.Backlog < 1 {
		return fmt.Errorf("%w: capture backlog must be at least 1", ErrInvalid)
	}
	return nil
}
