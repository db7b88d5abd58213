// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SimConfig tunes the synthetic venue used when feed.mode is "sim".
type SimConfig struct {
	Seed         int64         `yaml:"seed"`
	ConID        int64         `yaml:"conId"`
	Spot         float64       `yaml:"spot"`
	BaseVol      float64       `yaml:"baseVol"`
	Skew         float64       `yaml:"skew"`
	Smile        float64       `yaml:"smile"`
	Expirations  int           `yaml:"expirations"`
	StrikeStep   float64       `yaml:"strikeStep"`
	StrikeCount  int           `yaml:"strikeCount"`
	TickInterval time.Duration `yaml:"tickInterval"`
	Workers      int           `yaml:"workers"`
	InvalidEvery int           `yaml:"invalidEvery"`
}

func (c *SimConfig) applyDefaults() {
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.ConID <= 0 {
		c.ConID = 756733
	}
	if c.Spot <= 0 {
		c.Spot = 100
	}
	if c.BaseVol <= 0 {
		c.BaseVol = 0.2
	}
	if c.Skew == 0 {
		c.Skew = -0.15
	}
	if c.Smile == 0 {
		c.Smile = 0.8
	}
	if c.Expirations <= 0 {
		c.Expirations = 8
	}
	if c.StrikeStep <= 0 {
		c.StrikeStep = 1
	}
	if c.StrikeCount <= 0 {
		c.StrikeCount = 21
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.InvalidEvery < 0 {
		c.InvalidEvery = 0
	}
}

// FeedConfig describes how the session reaches the market data venue and filters its callbacks.
type FeedConfig struct {
	Mode               FeedMode      `yaml:"mode"`
	BridgeURL          string        `yaml:"bridgeURL"`
	Exchange           string        `yaml:"exchange"`
	Currency           string        `yaml:"currency"`
	PrimaryRoute       string        `yaml:"primaryRoute"`
	SpotTickTypes      []int         `yaml:"spotTickTypes"`
	ImpliedVolTickType int           `yaml:"impliedVolTickType"`
	InformationalCodes []int         `yaml:"informationalCodes"`
	OptionGenericTicks string        `yaml:"optionGenericTicks"`
	RequestsPerSecond  float64       `yaml:"requestsPerSecond"`
	ResolveTimeout     time.Duration `yaml:"resolveTimeout"`
	ChainTimeout       time.Duration `yaml:"chainTimeout"`
	SpotPollInterval   time.Duration `yaml:"spotPollInterval"`
	SpotPollAttempts   int           `yaml:"spotPollAttempts"`
	Sim                SimConfig     `yaml:"sim"`
}

func (c *FeedConfig) applyDefaults() {
	c.Mode = FeedMode(normaliseLower(string(c.Mode)))
	if c.Mode == "" {
		c.Mode = FeedSim
	}
	c.BridgeURL = strings.TrimSpace(c.BridgeURL)
	c.Exchange = normaliseSymbol(c.Exchange)
	if c.Exchange == "" {
		c.Exchange = "SMART"
	}
	c.Currency = normaliseSymbol(c.Currency)
	if c.Currency == "" {
		c.Currency = "USD"
	}
	c.PrimaryRoute = normaliseSymbol(c.PrimaryRoute)
	if c.PrimaryRoute == "" {
		c.PrimaryRoute = "SMART"
	}
	if len(c.SpotTickTypes) == 0 {
		c.SpotTickTypes = []int{4, 9}
	}
	if c.ImpliedVolTickType <= 0 {
		c.ImpliedVolTickType = 13
	}
	if c.InformationalCodes == nil {
		c.InformationalCodes = []int{2104, 2106, 2158}
	}
	c.OptionGenericTicks = strings.TrimSpace(c.OptionGenericTicks)
	if c.OptionGenericTicks == "" {
		c.OptionGenericTicks = "106"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 5 * time.Second
	}
	if c.ChainTimeout <= 0 {
		c.ChainTimeout = 5 * time.Second
	}
	if c.SpotPollInterval <= 0 {
		c.SpotPollInterval = 100 * time.Millisecond
	}
	if c.SpotPollAttempts <= 0 {
		c.SpotPollAttempts = 50
	}
	c.Sim.applyDefaults()
}

func (c FeedConfig) validate() error {
	switch c.Mode {
	case FeedSim:
	case FeedBridge:
		if c.BridgeURL == "" {
			return fmt.Errorf("bridgeURL required when mode is bridge")
		}
		if !strings.HasPrefix(c.BridgeURL, "ws://") && !strings.HasPrefix(c.BridgeURL, "wss://") {
			return fmt.Errorf("bridgeURL must use ws:// or wss://")
		}
	default:
		return fmt.Errorf("mode must be one of sim, bridge")
	}
	for _, tick := range c.SpotTickTypes {
		if tick <= 0 {
			return fmt.Errorf("spotTickTypes must be >0")
		}
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requestsPerSecond must be >=0")
	}
	return nil
}

// PlannerConfig bounds the planned option grid.
type PlannerConfig struct {
	MaxExpirations    int     `yaml:"maxExpirations"`
	StrikeBandPercent float64 `yaml:"strikeBandPercent"`
}

// StrikeBand returns the band as a fraction of spot.
func (c PlannerConfig) StrikeBand() float64 {
	return c.StrikeBandPercent / 100
}

// ViewerConfig controls the refresh loop that turns the live surface into frames.
type ViewerConfig struct {
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	MinPoints       int           `yaml:"minPoints"`
}

// RedisConfig configures the optional live frame cache.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// APIServerConfig configures the read/write HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the logrus sink and its rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/volsurface"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified volsurface configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Symbol      string          `yaml:"symbol"`
	Feed        FeedConfig      `yaml:"feed"`
	Planner     PlannerConfig   `yaml:"planner"`
	Viewer      ViewerConfig    `yaml:"viewer"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns a normalised configuration for a simulated SPY session.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Symbol:      "SPY",
	}
	cfg.normalise()
	return cfg
}

// Load reads, expands and validates an AppConfig from the provided YAML file. Environment
// variables referenced as ${VAR} are substituted before parsing and VOLSURFACE_* variables
// override the parsed values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalise(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default when configPath does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	return finalise(AppConfig{Environment: EnvDev, Symbol: "SPY"})
}

func finalise(cfg AppConfig) (AppConfig, error) {
	if err := applyEnvOverrides(&cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normaliseLower(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Symbol = normaliseSymbol(c.Symbol)
	c.Feed.applyDefaults()

	if c.Planner.MaxExpirations <= 0 {
		c.Planner.MaxExpirations = 6
	}
	if c.Planner.StrikeBandPercent <= 0 {
		c.Planner.StrikeBandPercent = 2
	}

	if c.Viewer.RefreshInterval <= 0 {
		c.Viewer.RefreshInterval = 500 * time.Millisecond
	}
	if c.Viewer.MinPoints <= 0 {
		c.Viewer.MinPoints = 10
	}

	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	c.Redis.KeyPrefix = strings.TrimSpace(c.Redis.KeyPrefix)
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "volsurface"
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 30 * time.Second
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "volsurface"
	}

	c.Logging.Level = normaliseLower(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = normaliseLower(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 2
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 3
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	if err := c.Feed.validate(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if c.Planner.StrikeBandPercent >= 100 {
		return fmt.Errorf("planner strikeBandPercent must be <100")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr required when enabled")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		return nil, nil, fmt.Errorf("open app config: %w", fs.ErrNotExist)
	}
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
