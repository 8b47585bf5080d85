package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Params holds the trading parameters loaded from config.yaml.
type Params struct {
	Exchange ExchangeParams `yaml:"exchange"`
	Risk     RiskParams     `yaml:"risk"`
	Strategy StrategyParams `yaml:"strategy"`
	Sync     SyncParams     `yaml:"sync"`
	Runner   RunnerParams   `yaml:"runner"`
}

type ExchangeParams struct {
	Market       string  `yaml:"market"`         // e.g. "KRW-BTC"
	FeeRate      float64 `yaml:"fee_rate"`       // taker fee, decimal
	RateLimitRPS float64 `yaml:"rate_limit_rps"` // REST requests per second
}

type RiskParams struct {
	RiskBps         float64 `yaml:"risk_bps"`          // basis points of equity risked per trade
	DailyStopR      float64 `yaml:"daily_stop_r"`      // halt floor, in R
	WeeklyStopR     float64 `yaml:"weekly_stop_r"`     // halt floor, in R
	DailyHaltHours  int     `yaml:"daily_halt_hours"`  // halt duration after a daily breach
	WeeklyHaltHours int     `yaml:"weekly_halt_hours"` // halt duration after a weekly breach
	StopATRMult     float64 `yaml:"stop_atr_mult"`
	TrailATRMult    float64 `yaml:"trail_atr_mult"`
	MinOrderSize    float64 `yaml:"min_order_size"` // minimum tradable volume
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	VolumePrecision int     `yaml:"volume_precision"` // decimal places for volume
	PricePrecision  int     `yaml:"price_precision"`  // decimal places for price (0 = whole KRW)
}

type StrategyParams struct {
	Provider string `yaml:"provider"` // "hold" when signals come from an external process

	// Trend provider windows
	ShortMA    int     `yaml:"short_ma"`
	LongMA     int     `yaml:"long_ma"`
	ATRPeriod  int     `yaml:"atr_period"`
	Confidence float64 `yaml:"confidence"`
}

type SyncParams struct {
	IntervalSec    int `yaml:"interval_sec"`
	SnapshotMin    int `yaml:"snapshot_min"`
	CacheTTLSec    int `yaml:"cache_ttl_sec"`
	TimeoutSec     int `yaml:"timeout_sec"` // bound on each store/cache/gateway call
	StartupRetries int `yaml:"startup_retries"`
}

type RunnerParams struct {
	CycleSec  int `yaml:"cycle_sec"`
	MaxErrors int `yaml:"max_errors"`
}

// LoadParams reads the YAML parameter file and fills in defaults for
// anything the file leaves unset.
func LoadParams(path string) (*Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read params file: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse params file: %w", err)
	}
	p.applyDefaults()
	return p, nil
}

// DefaultParams returns the built-in parameter set.
func DefaultParams() *Params {
	p := &Params{}
	p.applyDefaults()
	return p
}

func (p *Params) applyDefaults() {
	if p.Exchange.Market == "" {
		p.Exchange.Market = "KRW-BTC"
	}
	if p.Exchange.FeeRate == 0 {
		p.Exchange.FeeRate = 0.0005
	}
	if p.Exchange.RateLimitRPS == 0 {
		p.Exchange.RateLimitRPS = 8
	}
	if p.Risk.RiskBps == 0 {
		p.Risk.RiskBps = 50
	}
	if p.Risk.DailyStopR == 0 {
		p.Risk.DailyStopR = -2.0
	}
	if p.Risk.WeeklyStopR == 0 {
		p.Risk.WeeklyStopR = -5.0
	}
	if p.Risk.DailyHaltHours == 0 {
		p.Risk.DailyHaltHours = 24
	}
	if p.Risk.WeeklyHaltHours == 0 {
		p.Risk.WeeklyHaltHours = 168
	}
	if p.Risk.StopATRMult == 0 {
		p.Risk.StopATRMult = 2.5
	}
	if p.Risk.TrailATRMult == 0 {
		p.Risk.TrailATRMult = 3.0
	}
	if p.Risk.MinOrderSize == 0 {
		p.Risk.MinOrderSize = 0.00008
	}
	if p.Risk.MaxPositionPct == 0 {
		p.Risk.MaxPositionPct = 0.95
	}
	if p.Risk.VolumePrecision == 0 {
		p.Risk.VolumePrecision = 8
	}
	if p.Strategy.Provider == "" {
		p.Strategy.Provider = "hold"
	}
	if p.Strategy.ShortMA == 0 {
		p.Strategy.ShortMA = 7
	}
	if p.Strategy.LongMA == 0 {
		p.Strategy.LongMA = 25
	}
	if p.Strategy.ATRPeriod == 0 {
		p.Strategy.ATRPeriod = 14
	}
	if p.Strategy.Confidence == 0 {
		p.Strategy.Confidence = 1.0
	}
	if p.Sync.IntervalSec == 0 {
		p.Sync.IntervalSec = 30
	}
	if p.Sync.SnapshotMin == 0 {
		p.Sync.SnapshotMin = 10
	}
	if p.Sync.CacheTTLSec == 0 {
		p.Sync.CacheTTLSec = 3600
	}
	if p.Sync.TimeoutSec == 0 {
		p.Sync.TimeoutSec = 10
	}
	if p.Sync.StartupRetries == 0 {
		p.Sync.StartupRetries = 3
	}
	if p.Runner.CycleSec == 0 {
		p.Runner.CycleSec = 60
	}
	if p.Runner.MaxErrors == 0 {
		p.Runner.MaxErrors = 10
	}
}

// SyncInterval returns the background reconciliation period.
func (p *Params) SyncInterval() time.Duration {
	return time.Duration(p.Sync.IntervalSec) * time.Second
}

// SnapshotInterval returns the account snapshot period.
func (p *Params) SnapshotInterval() time.Duration {
	return time.Duration(p.Sync.SnapshotMin) * time.Minute
}

// CycleInterval returns the foreground control loop period.
func (p *Params) CycleInterval() time.Duration {
	return time.Duration(p.Runner.CycleSec) * time.Second
}

// CallTimeout bounds a single store, cache or gateway call.
func (p *Params) CallTimeout() time.Duration {
	return time.Duration(p.Sync.TimeoutSec) * time.Second
}
