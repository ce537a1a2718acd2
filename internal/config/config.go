// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the full file-level configuration. Every recognized option is
// an explicit field; unknown values fail validation instead of defaulting
// silently deep in business logic.
type Config struct {
	License      string   `mapstructure:"license"`
	RPCList      []string `mapstructure:"rpc_list"`
	WebSocketURL string   `mapstructure:"websocket_url"`
	PrivateKey   string   `mapstructure:"private_key"`
	DryRun       bool     `mapstructure:"dry_run"`
	DebugLogging bool     `mapstructure:"debug_logging"`
	LogFile      string   `mapstructure:"log_file"`
	PostgresURL  string   `mapstructure:"postgres_url"`
	MetricsAddr  string   `mapstructure:"metrics_addr"`
	Dashboard    bool     `mapstructure:"dashboard"`

	Machine   MachineConfig   `mapstructure:"machine"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// MachineConfig bounds the lifecycle machine.
type MachineConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	MaxRetries        int           `mapstructure:"max_retries"`
	WarmingTimeout    time.Duration `mapstructure:"warming_timeout"`
	ValidatingTimeout time.Duration `mapstructure:"validating_timeout"`
	SafetyTimeout     time.Duration `mapstructure:"safety_timeout"`
	ScoringTimeout    time.Duration `mapstructure:"scoring_timeout"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	TradingTimeout    time.Duration `mapstructure:"trading_timeout"`
	SellingTimeout    time.Duration `mapstructure:"selling_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	StaleAge          time.Duration `mapstructure:"stale_age"`
	TerminalGrace     time.Duration `mapstructure:"terminal_grace"`
}

// PipelineConfig drives the coordinator poll loops.
type PipelineConfig struct {
	WarmupPeriod          time.Duration `mapstructure:"warmup_period"`
	WarmingInterval       time.Duration `mapstructure:"warming_interval"`
	ValidatingInterval    time.Duration `mapstructure:"validating_interval"`
	SafetyInterval        time.Duration `mapstructure:"safety_interval"`
	ScoringInterval       time.Duration `mapstructure:"scoring_interval"`
	ReadyInterval         time.Duration `mapstructure:"ready_interval"`
	MaxValidationAttempts int           `mapstructure:"max_validation_attempts"`
	ScoreThreshold        float64       `mapstructure:"score_threshold"`
	BuyAmountSOL          float64       `mapstructure:"buy_amount_sol"`
	SlippageBP            int           `mapstructure:"slippage_bp"`
}

// ExecutionConfig selects and tunes the dual-path trade submission. The fee
// multipliers scale congestion samples per path: the jito one into the tip,
// the public one into the compute-unit price that outbids ordinary traffic.
type ExecutionConfig struct {
	Strategy            string        `mapstructure:"strategy"`
	JitoTimeout         time.Duration `mapstructure:"jito_timeout"`
	PublicTimeout       time.Duration `mapstructure:"public_timeout"`
	FallbackDelay       time.Duration `mapstructure:"fallback_delay"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	JitoFeeMultiplier   float64       `mapstructure:"jito_fee_multiplier"`
	PublicFeeMultiplier float64       `mapstructure:"public_fee_multiplier"`
	BaseTipLamports     uint64        `mapstructure:"base_tip_lamports"`
	JitoSenderURL       string        `mapstructure:"jito_sender_url"`
}

// ExitConfig tunes the position exit watcher.
type ExitConfig struct {
	PollInterval  time.Duration     `mapstructure:"poll_interval"`
	MinHold       time.Duration     `mapstructure:"min_hold"`
	MaxHold       time.Duration     `mapstructure:"max_hold"`
	TakeProfitROI float64           `mapstructure:"take_profit_roi"`
	StopLossROI   float64           `mapstructure:"stop_loss_roi"`
	SellCooldown  time.Duration     `mapstructure:"sell_cooldown"`
	DustFraction  float64           `mapstructure:"dust_fraction"`
	ScaleOutTiers []TierConfig      `mapstructure:"scale_out_tiers"`
	TrailingTiers []TrailTierConfig `mapstructure:"trailing_tiers"`
}

// TierConfig is one scale-out step: at ROI >= threshold sell Fraction of
// the current remaining amount.
type TierConfig struct {
	ROI      float64 `mapstructure:"roi"`
	Fraction float64 `mapstructure:"fraction"`
}

// TrailTierConfig is one trailing-stop step: once peak ROI has reached
// Threshold, tolerate at most Drop of pull-back from the peak.
type TrailTierConfig struct {
	ROI  float64 `mapstructure:"roi"`
	Drop float64 `mapstructure:"drop"`
}

// DiscoveryConfig tunes the websocket discovery listener.
type DiscoveryConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Programs    []string `mapstructure:"programs"`
	RedialDelay int      `mapstructure:"redial_delay_ms"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, validateConfig(&cfg)
}

func setDefaultValues(v *viper.Viper) {
	defaults := map[string]interface{}{
		"machine.capacity":           50,
		"machine.max_retries":        3,
		"machine.warming_timeout":    "20s",
		"machine.validating_timeout": "30s",
		"machine.safety_timeout":     "45s",
		"machine.scoring_timeout":    "10s",
		"machine.ready_timeout":      "5s",
		"machine.trading_timeout":    "60s",
		"machine.selling_timeout":    "60s",
		"machine.sweep_interval":     "60s",
		"machine.stale_age":          "10m",
		"machine.terminal_grace":     "30s",

		"pipeline.warmup_period":           "2s",
		"pipeline.warming_interval":        "1s",
		"pipeline.validating_interval":     "2s",
		"pipeline.safety_interval":         "5s",
		"pipeline.scoring_interval":        "2s",
		"pipeline.ready_interval":          "500ms",
		"pipeline.max_validation_attempts": 3,
		"pipeline.score_threshold":         0.6,
		"pipeline.buy_amount_sol":          0.1,
		"pipeline.slippage_bp":             300,

		"execution.strategy":              "jito_fallback",
		"execution.jito_timeout":          "15s",
		"execution.public_timeout":        "20s",
		"execution.fallback_delay":        "200ms",
		"execution.confirm_timeout":       "30s",
		"execution.jito_fee_multiplier":   1.2,
		"execution.public_fee_multiplier": 2.0,
		"execution.base_tip_lamports":     500_000,
		"execution.jito_sender_url":       "https://mainnet.block-engine.jito.wtf/api/v1/transactions",

		"exit.poll_interval":   "500ms",
		"exit.min_hold":        "10s",
		"exit.max_hold":        "30m",
		"exit.take_profit_roi": 0.5,
		"exit.stop_loss_roi":   -0.3,
		"exit.sell_cooldown":   "5s",
		"exit.dust_fraction":   0.02,
		"exit.scale_out_tiers": []map[string]interface{}{
			{"roi": 0.3, "fraction": 0.25},
			{"roi": 0.6, "fraction": 0.33},
			{"roi": 1.0, "fraction": 0.5},
		},
		"exit.trailing_tiers": []map[string]interface{}{
			{"roi": 0.2, "drop": 0.15},
			{"roi": 0.5, "drop": 0.1},
			{"roi": 1.0, "drop": 0.07},
		},

		"discovery.enabled":         true,
		"discovery.programs":        []string{"pumpfun"},
		"discovery.redial_delay_ms": 1000,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.RPCList) == 0 {
		return errors.New("rpc_list is empty")
	}
	for _, rpcURL := range cfg.RPCList {
		if err := validateURLWithCache(rpcURL, "http"); err != nil {
			return errors.New("invalid RPC URL protocol")
		}
	}
	if cfg.WebSocketURL != "" {
		if err := validateURLWithCache(cfg.WebSocketURL, "ws"); err != nil {
			return errors.New("invalid WebSocket URL protocol")
		}
	}
	if !cfg.DryRun && cfg.PrivateKey == "" {
		return errors.New("private_key required unless dry_run is set")
	}
	if cfg.Discovery.Enabled && cfg.WebSocketURL == "" {
		return errors.New("websocket_url required when discovery is enabled")
	}
	if err := validateMachine(&cfg.Machine); err != nil {
		return err
	}
	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return err
	}
	if err := validateExecution(&cfg.Execution); err != nil {
		return err
	}
	return validateExit(&cfg.Exit)
}

func validateMachine(m *MachineConfig) error {
	if m.Capacity <= 0 {
		return errors.New("invalid machine capacity")
	}
	for name, d := range map[string]time.Duration{
		"warming_timeout":    m.WarmingTimeout,
		"validating_timeout": m.ValidatingTimeout,
		"safety_timeout":     m.SafetyTimeout,
		"scoring_timeout":    m.ScoringTimeout,
		"ready_timeout":      m.ReadyTimeout,
		"trading_timeout":    m.TradingTimeout,
		"selling_timeout":    m.SellingTimeout,
		"sweep_interval":     m.SweepInterval,
		"stale_age":          m.StaleAge,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid machine.%s", name)
		}
	}
	if m.TerminalGrace < 0 {
		return errors.New("invalid machine.terminal_grace")
	}
	return nil
}

func validatePipeline(p *PipelineConfig) error {
	if p.MaxValidationAttempts <= 0 {
		return errors.New("invalid pipeline.max_validation_attempts")
	}
	if p.BuyAmountSOL <= 0 {
		return errors.New("invalid pipeline.buy_amount_sol")
	}
	if p.SlippageBP <= 0 || p.SlippageBP > 10_000 {
		return errors.New("invalid pipeline.slippage_bp")
	}
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 1 {
		return errors.New("pipeline.score_threshold outside [0,1]")
	}
	for name, d := range map[string]time.Duration{
		"warming_interval":    p.WarmingInterval,
		"validating_interval": p.ValidatingInterval,
		"safety_interval":     p.SafetyInterval,
		"scoring_interval":    p.ScoringInterval,
		"ready_interval":      p.ReadyInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid pipeline.%s", name)
		}
	}
	return nil
}

var knownStrategies = map[string]struct{}{
	"jito_only":     {},
	"rpc_only":      {},
	"jito_fallback": {},
	"race":          {},
}

func validateExecution(e *ExecutionConfig) error {
	if _, ok := knownStrategies[e.Strategy]; !ok {
		return fmt.Errorf("unknown execution.strategy %q", e.Strategy)
	}
	if e.JitoTimeout <= 0 || e.PublicTimeout <= 0 || e.ConfirmTimeout <= 0 {
		return errors.New("execution timeouts must be positive")
	}
	if e.FallbackDelay < 0 {
		return errors.New("invalid execution.fallback_delay")
	}
	if e.JitoFeeMultiplier <= 0 || e.PublicFeeMultiplier <= 0 {
		return errors.New("execution fee multipliers must be positive")
	}
	if e.BaseTipLamports == 0 {
		return errors.New("invalid execution.base_tip_lamports")
	}
	return nil
}

func validateExit(e *ExitConfig) error {
	if e.PollInterval <= 0 {
		return errors.New("invalid exit.poll_interval")
	}
	if e.MinHold < 0 || e.MaxHold <= 0 || e.MinHold >= e.MaxHold {
		return errors.New("exit hold window is inconsistent")
	}
	if e.TakeProfitROI <= 0 {
		return errors.New("invalid exit.take_profit_roi")
	}
	if e.StopLossROI >= 0 {
		return errors.New("exit.stop_loss_roi must be negative")
	}
	if e.SellCooldown < 0 {
		return errors.New("invalid exit.sell_cooldown")
	}
	if e.DustFraction < 0 || e.DustFraction >= 1 {
		return errors.New("invalid exit.dust_fraction")
	}
	lastROI := 0.0
	for i, tier := range e.ScaleOutTiers {
		if tier.ROI <= lastROI {
			return fmt.Errorf("scale_out_tiers[%d]: thresholds must be strictly ascending", i)
		}
		if tier.Fraction <= 0 || tier.Fraction > 1 {
			return fmt.Errorf("scale_out_tiers[%d]: fraction out of range", i)
		}
		lastROI = tier.ROI
	}
	lastROI = 0.0
	lastDrop := 0.0
	for i, tier := range e.TrailingTiers {
		if tier.ROI <= lastROI {
			return fmt.Errorf("trailing_tiers[%d]: thresholds must be strictly ascending", i)
		}
		if tier.Drop <= 0 || tier.Drop >= 1 {
			return fmt.Errorf("trailing_tiers[%d]: drop out of range", i)
		}
		if i > 0 && tier.Drop > lastDrop {
			return fmt.Errorf("trailing_tiers[%d]: drops must not increase with higher thresholds", i)
		}
		lastROI = tier.ROI
		lastDrop = tier.Drop
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("SNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envLicense := v.GetString("LICENSE"); envLicense != "" {
		cfg.License = envLicense
	}
	if envKey := v.GetString("PRIVATE_KEY"); envKey != "" {
		cfg.PrivateKey = envKey
	}
	if envPostgres := v.GetString("POSTGRES_URL"); envPostgres != "" {
		cfg.PostgresURL = envPostgres
	}
	if envRPCList := v.GetString("RPC_LIST"); envRPCList != "" {
		var cleanRPCs []string
		for _, rpc := range strings.Split(envRPCList, ",") {
			if clean := strings.TrimSpace(rpc); clean != "" {
				cleanRPCs = append(cleanRPCs, clean)
			}
		}
		if len(cleanRPCs) > 0 {
			cfg.RPCList = cleanRPCs
		}
	}
	return nil
}
