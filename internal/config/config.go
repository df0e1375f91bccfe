// Package config provides configuration management for the wheel engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when optional values are unset.
const (
	defaultOpportunityMaxAgeMinutes = 20
	defaultMaxWorkers               = 10
	defaultOrderTimeout             = 30 * time.Second
	defaultRetentionDays            = 7
	defaultKellyWinProbability      = 0.70
	defaultMaxOTMDistance           = 0.20
	defaultMaxCandidatesPerSymbol   = 3
	defaultTargetAnnualReturn       = 0.50
	defaultRetryMaxAttempts         = 3
	defaultRetryInitialBackoff      = 1 * time.Second
	defaultRetryMaxBackoff          = 30 * time.Second
	defaultBrokerTimeout            = 10 * time.Second
	defaultServerPort               = 8080
	defaultTimezone                 = "America/New_York"
)

// Config represents the complete application configuration.
// It is populated once by Load and must be treated as read-only afterwards.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	GapRisk     GapRiskConfig     `yaml:"gap_risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Retry       RetryConfig       `yaml:"retry"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string           `yaml:"provider"` // tradier | mock
	APIKey      string           `yaml:"api_key"`
	APIEndpoint string           `yaml:"api_endpoint"`
	AccountID   string           `yaml:"account_id"`
	Timeout     time.Duration    `yaml:"timeout"`
	RateLimits  RateLimitsConfig `yaml:"rate_limits"`
}

// RateLimitsConfig holds per-minute request budgets by endpoint class.
type RateLimitsConfig struct {
	MarketData int `yaml:"market_data"`
	Trading    int `yaml:"trading"`
	Standard   int `yaml:"standard"`
}

// StrategyConfig defines opportunity discovery parameters.
type StrategyConfig struct {
	Symbols                []string  `yaml:"symbols"`
	PutTargetDTE           int       `yaml:"put_target_dte"`
	CallTargetDTE          int       `yaml:"call_target_dte"`
	PutDeltaRange          []float64 `yaml:"put_delta_range"`
	CallDeltaRange         []float64 `yaml:"call_delta_range"`
	MinPutPremium          float64   `yaml:"min_put_premium"`
	MinCallPremium         float64   `yaml:"min_call_premium"`
	MinStockPrice          float64   `yaml:"min_stock_price"`
	MaxStockPrice          float64   `yaml:"max_stock_price"`
	MinStockVolume         int64     `yaml:"min_stock_volume"`
	MaxBidAskSpread        float64   `yaml:"max_bid_ask_spread"` // fraction of mid
	MinOptionVolume        int64     `yaml:"min_option_volume"`
	MaxCandidatesPerSymbol int       `yaml:"max_candidates_per_symbol"`
	TargetAnnualReturn     float64   `yaml:"target_annual_return"` // annualized return earning the full return score
}

// RiskConfig defines portfolio, ticker and option level limits.
type RiskConfig struct {
	MaxPositionSize      float64 `yaml:"max_position_size"` // fraction of portfolio value
	MaxTotalPositions    int     `yaml:"max_total_positions"`
	MaxPositionsPerStock int     `yaml:"max_positions_per_stock"`
	MaxExposurePerTicker float64 `yaml:"max_exposure_per_ticker"` // dollars
	MinCashReserve       float64 `yaml:"min_cash_reserve"`        // fraction of portfolio value
	MinPortfolioValue    float64 `yaml:"min_portfolio_value"`
	KellyWinProbability  float64 `yaml:"kelly_win_probability"`
	MaxOTMDistance       float64 `yaml:"max_otm_distance"` // fraction of underlying price
}

// GapRiskConfig defines overnight gap detection controls.
type GapRiskConfig struct {
	EnableGapDetection     bool    `yaml:"enable_gap_detection"`
	MaxOvernightGapPercent float64 `yaml:"max_overnight_gap_percent"`
	GapLookbackDays        int     `yaml:"gap_lookback_days"`
	MaxGapFrequency        float64 `yaml:"max_gap_frequency"`
	QualityGapThreshold    float64 `yaml:"quality_gap_threshold"`   // percent
	ExecutionGapThreshold  float64 `yaml:"execution_gap_threshold"` // percent
	MarketOpenDelayMinutes int     `yaml:"market_open_delay_minutes"`
	MaxHistoricalVol       float64 `yaml:"max_historical_vol"` // annualized, decimal
}

// ExecutionConfig defines scan/run handoff and order submission settings.
type ExecutionConfig struct {
	OpportunityMaxAgeMinutes int           `yaml:"opportunity_max_age_minutes"`
	MaxWorkers               int           `yaml:"max_workers"`
	OrderTimeout             time.Duration `yaml:"order_timeout"`
	MaxNewPositionsPerRun    int           `yaml:"max_new_positions_per_run"` // 0 = unlimited
	RetentionDays            int           `yaml:"retention_days"`
}

// MonitorConfig defines early-close rules for open short options.
type MonitorConfig struct {
	ProfitTarget     float64 `yaml:"profit_target"`      // fraction of credit captured
	StopLossMultiple float64 `yaml:"stop_loss_multiple"` // loss as multiple of credit, 0 disables
}

// RetryConfig defines the broker retry policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// StorageConfig defines where scan batches and wheel state live.
type StorageConfig struct {
	Backend        string   `yaml:"backend"` // file | s3
	Path           string   `yaml:"path"`
	WheelStatePath string   `yaml:"wheel_state_path"`
	S3             S3Config `yaml:"s3"`
}

// S3Config defines the object storage location for scan batches.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// ServerConfig defines the HTTP control surface.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// ScheduleConfig defines optional in-process cron triggers. Empty expressions disable a job.
type ScheduleConfig struct {
	Timezone    string `yaml:"timezone"`
	ScanCron    string `yaml:"scan_cron"`
	RunCron     string `yaml:"run_cron"`
	MonitorCron string `yaml:"monitor_cron"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Strategy.MaxCandidatesPerSymbol == 0 {
		c.Strategy.MaxCandidatesPerSymbol = defaultMaxCandidatesPerSymbol
	}
	if c.Strategy.TargetAnnualReturn == 0 {
		c.Strategy.TargetAnnualReturn = defaultTargetAnnualReturn
	}
	if c.Risk.KellyWinProbability == 0 {
		c.Risk.KellyWinProbability = defaultKellyWinProbability
	}
	if c.Risk.MaxOTMDistance == 0 {
		c.Risk.MaxOTMDistance = defaultMaxOTMDistance
	}
	if c.Execution.OpportunityMaxAgeMinutes == 0 {
		c.Execution.OpportunityMaxAgeMinutes = defaultOpportunityMaxAgeMinutes
	}
	if c.Execution.MaxWorkers == 0 {
		c.Execution.MaxWorkers = defaultMaxWorkers
	}
	if c.Execution.OrderTimeout == 0 {
		c.Execution.OrderTimeout = defaultOrderTimeout
	}
	if c.Execution.RetentionDays == 0 {
		c.Execution.RetentionDays = defaultRetentionDays
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = defaultRetryInitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = defaultRetryMaxBackoff
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Storage.WheelStatePath == "" {
		c.Storage.WheelStatePath = "data/wheel_state.json"
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return errors.New("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level %q must be one of debug|info|warn|error", c.Environment.LogLevel)
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return errors.New("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return errors.New("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return errors.New("broker.account_id is required")
		}
	case "mock":
	default:
		return fmt.Errorf("broker.provider %q must be 'tradier' or 'mock'", c.Broker.Provider)
	}
	if c.Broker.Timeout < 0 {
		return errors.New("broker.timeout must be >= 0")
	}

	if err := c.validateStrategy(); err != nil {
		return err
	}
	if err := c.validateRisk(); err != nil {
		return err
	}
	if err := c.validateGapRisk(); err != nil {
		return err
	}

	// Execution validation
	if c.Execution.OpportunityMaxAgeMinutes < 0 {
		return errors.New("execution.opportunity_max_age_minutes must be > 0")
	}
	if c.Execution.MaxWorkers < 1 || c.Execution.MaxWorkers > 10 {
		return errors.New("execution.max_workers must be between 1 and 10")
	}
	if c.Execution.MaxNewPositionsPerRun < 0 {
		return errors.New("execution.max_new_positions_per_run must be >= 0")
	}
	if c.Execution.RetentionDays < 0 {
		return errors.New("execution.retention_days must be >= 0")
	}

	// Monitor validation
	if c.Monitor.ProfitTarget <= 0 || c.Monitor.ProfitTarget >= 1 {
		return errors.New("monitor.profit_target must be in (0,1)")
	}
	if c.Monitor.StopLossMultiple < 0 {
		return errors.New("monitor.stop_loss_multiple must be >= 0")
	}

	// Retry validation
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("retry.initial_backoff (%v) must be <= retry.max_backoff (%v)",
			c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	}

	// Storage validation
	switch c.Storage.Backend {
	case "file":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required when storage.backend is 's3'")
		}
	default:
		return fmt.Errorf("storage.backend %q must be 'file' or 's3'", c.Storage.Backend)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}

	return nil
}

func (c *Config) validateStrategy() error {
	s := c.Strategy
	if len(s.Symbols) == 0 {
		return errors.New("strategy.symbols must list at least one symbol")
	}
	for _, sym := range s.Symbols {
		if strings.TrimSpace(sym) == "" {
			return errors.New("strategy.symbols must not contain empty entries")
		}
	}
	if s.PutTargetDTE <= 0 {
		return errors.New("strategy.put_target_dte must be > 0")
	}
	if s.CallTargetDTE <= 0 {
		return errors.New("strategy.call_target_dte must be > 0")
	}
	if err := validateDeltaRange("strategy.put_delta_range", s.PutDeltaRange); err != nil {
		return err
	}
	if err := validateDeltaRange("strategy.call_delta_range", s.CallDeltaRange); err != nil {
		return err
	}
	if s.MinPutPremium <= 0 {
		return errors.New("strategy.min_put_premium must be > 0")
	}
	if s.MinCallPremium <= 0 {
		return errors.New("strategy.min_call_premium must be > 0")
	}
	if s.MinStockPrice < 0 || (s.MaxStockPrice > 0 && s.MaxStockPrice < s.MinStockPrice) {
		return errors.New("strategy stock price bounds invalid (min_stock_price <= max_stock_price)")
	}
	if s.MinStockVolume < 0 || s.MinOptionVolume < 0 {
		return errors.New("strategy volume minimums must be >= 0")
	}
	if s.MaxBidAskSpread <= 0 || s.MaxBidAskSpread > 1 {
		return errors.New("strategy.max_bid_ask_spread must be in (0,1]")
	}
	if s.MaxCandidatesPerSymbol < 1 {
		return errors.New("strategy.max_candidates_per_symbol must be >= 1")
	}
	if s.TargetAnnualReturn <= 0 {
		return errors.New("strategy.target_annual_return must be > 0")
	}
	return nil
}

func validateDeltaRange(name string, r []float64) error {
	if len(r) != 2 || r[0] <= 0 || r[1] >= 1 || r[0] > r[1] {
		return fmt.Errorf("%s must be [min,max] with 0 < min <= max < 1", name)
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := c.Risk
	if r.MaxPositionSize <= 0 || r.MaxPositionSize > 1.0 {
		return errors.New("risk.max_position_size must be between 0 and 1.0")
	}
	if r.MaxTotalPositions <= 0 {
		return errors.New("risk.max_total_positions must be > 0")
	}
	if r.MaxPositionsPerStock <= 0 {
		return errors.New("risk.max_positions_per_stock must be > 0")
	}
	if r.MaxExposurePerTicker <= 0 {
		return errors.New("risk.max_exposure_per_ticker must be > 0")
	}
	if r.MinCashReserve < 0 || r.MinCashReserve >= 1 {
		return errors.New("risk.min_cash_reserve must be in [0,1)")
	}
	if r.MinPortfolioValue < 0 {
		return errors.New("risk.min_portfolio_value must be >= 0")
	}
	if r.KellyWinProbability <= 0 || r.KellyWinProbability >= 1 {
		return errors.New("risk.kelly_win_probability must be in (0,1)")
	}
	if r.MaxOTMDistance <= 0 || r.MaxOTMDistance >= 1 {
		return errors.New("risk.max_otm_distance must be in (0,1)")
	}
	return nil
}

func (c *Config) validateGapRisk() error {
	g := c.GapRisk
	if !g.EnableGapDetection {
		return nil
	}
	if g.MaxOvernightGapPercent <= 0 {
		return errors.New("gap_risk.max_overnight_gap_percent must be > 0")
	}
	if g.GapLookbackDays < 2 {
		return errors.New("gap_risk.gap_lookback_days must be >= 2")
	}
	if g.MaxGapFrequency <= 0 || g.MaxGapFrequency > 1 {
		return errors.New("gap_risk.max_gap_frequency must be in (0,1]")
	}
	if g.QualityGapThreshold <= 0 || g.ExecutionGapThreshold <= 0 {
		return errors.New("gap_risk gap thresholds must be > 0")
	}
	if g.ExecutionGapThreshold > g.QualityGapThreshold {
		return fmt.Errorf("gap_risk.execution_gap_threshold (%.2f) must be <= quality_gap_threshold (%.2f)",
			g.ExecutionGapThreshold, g.QualityGapThreshold)
	}
	if g.MarketOpenDelayMinutes < 0 {
		return errors.New("gap_risk.market_open_delay_minutes must be >= 0")
	}
	if g.MaxHistoricalVol <= 0 {
		return errors.New("gap_risk.max_historical_vol must be > 0")
	}
	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// OpportunityMaxAge returns the scan-to-run staleness window.
func (c *Config) OpportunityMaxAge() time.Duration {
	return time.Duration(c.Execution.OpportunityMaxAgeMinutes) * time.Minute
}

// Retention returns how long scan batches are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Execution.RetentionDays) * 24 * time.Hour
}

// Location returns the configured market timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Redacted returns a copy safe to expose over the control surface.
func (c *Config) Redacted() Config {
	out := *c
	if out.Broker.APIKey != "" {
		out.Broker.APIKey = "***"
	}
	if out.Server.AuthToken != "" {
		out.Server.AuthToken = "***"
	}
	out.Strategy.Symbols = append([]string(nil), c.Strategy.Symbols...)
	return out
}
