package kernel

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"futures-supervisor/exchange"
	"futures-supervisor/risk"
)

// Kernel kinds, in resolution precedence order (highest first).
const (
	KindLLM           = "llm"
	KindML            = "ml"
	KindGrid          = "grid"
	KindTrend         = "trend"
	KindMeanReversion = "meanReversion"
	KindDCA           = "dca"
	KindMartingale    = "martingale"
)

// Reconcile modes for venue positions found at start.
const (
	ReconcileAdopt = "adopt"
	ReconcileClose = "close"
)

// Config is a parsed strategy configuration document. Section structs keep
// the YAML key names of the document format; kernel-specific sections are
// pointers so presence selects the kernel.
type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Trigger    TriggerConfig    `yaml:"trigger"`

	Martingale    *MartingaleConfig    `yaml:"martingale"`
	DCA           *DCAConfig           `yaml:"dca"`
	Grid          *GridConfig          `yaml:"grid"`
	Trend         *TrendConfig         `yaml:"trend"`
	MeanReversion *MeanReversionConfig `yaml:"meanReversion"`
	ML            *MLConfig            `yaml:"ml"`
	LLM           *LLMConfig           `yaml:"llm"`

	kind string
}

type TradingConfig struct {
	Symbol           string `yaml:"symbol"`
	Side             string `yaml:"side"`
	Leverage         int    `yaml:"leverage"`
	ReconcileOnStart string `yaml:"reconcileOnStart"`
}

type RiskConfig struct {
	StopLossPercent   float64 `yaml:"stopLossPercent"`
	TakeProfitPercent float64 `yaml:"takeProfitPercent"`
	MaxLossPercent    float64 `yaml:"maxLossPercent"`
}

type MonitoringConfig struct {
	CheckInterval  int `yaml:"checkInterval"`
	PricePrecision int `yaml:"pricePrecision"`
}

type TriggerConfig struct {
	PriceDropPercent float64 `yaml:"priceDropPercent"`
	StartImmediately *bool   `yaml:"startImmediately"`
	CooldownSeconds  int     `yaml:"cooldownSeconds"`
}

type MartingaleConfig struct {
	InitialPosition float64 `yaml:"initialPosition"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxAdditions    int     `yaml:"maxAdditions"`
}

type DCAConfig struct {
	Amount          float64 `yaml:"amount"`
	IntervalMinutes int     `yaml:"intervalMinutes"`
	PriceCeiling    float64 `yaml:"priceCeiling"`
	MaxInvestment   float64 `yaml:"maxInvestment"`
}

type GridConfig struct {
	Levels       int     `yaml:"levels"`
	PriceLow     float64 `yaml:"priceLow"`
	PriceHigh    float64 `yaml:"priceHigh"`
	RangePercent float64 `yaml:"rangePercent"`
	OrderSize    float64 `yaml:"orderSize"`
}

type TrendConfig struct {
	PositionSize   float64 `yaml:"positionSize"`
	FastPeriod     int     `yaml:"fastPeriod"`
	SlowPeriod     int     `yaml:"slowPeriod"`
	ConfirmPercent float64 `yaml:"confirmPercent"`
}

type MeanReversionConfig struct {
	PositionSize     float64 `yaml:"positionSize"`
	MAPeriod         int     `yaml:"maPeriod"`
	DeviationPercent float64 `yaml:"deviationPercent"`
	TargetPercent    float64 `yaml:"targetPercent"`
}

type MLConfig struct {
	PositionSize         float64 `yaml:"positionSize"`
	ConfidenceThreshold  float64 `yaml:"confidenceThreshold"`
	RetrainIntervalHours float64 `yaml:"retrainIntervalHours"`
	Lookback             int     `yaml:"lookback"`
	CooldownSeconds      int     `yaml:"cooldownSeconds"`
}

type LLMConfig struct {
	PositionSize        float64 `yaml:"positionSize"`
	Model               string  `yaml:"model"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	CallIntervalSeconds int     `yaml:"callIntervalSeconds"`
	Timeframe           string  `yaml:"timeframe"`
}

// Parse unmarshals a strategy document, applies defaults, validates, and
// resolves which kernel the document selects. The first invalid field wins.
func Parse(doc []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return nil, &ConfigError{Field: "document", Reason: err.Error()}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.Trading.Symbol = strings.TrimSpace(c.Trading.Symbol)
	if c.Trading.Symbol == "" {
		return &ConfigError{Field: "trading.symbol", Reason: "required"}
	}
	c.Trading.Side = strings.ToLower(strings.TrimSpace(c.Trading.Side))
	if c.Trading.Side == "" {
		c.Trading.Side = exchange.SideLong
	}
	if c.Trading.Side != exchange.SideLong && c.Trading.Side != exchange.SideShort {
		return &ConfigError{Field: "trading.side", Reason: fmt.Sprintf("must be long or short, got %q", c.Trading.Side)}
	}
	if c.Trading.Leverage == 0 {
		c.Trading.Leverage = 1
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		return &ConfigError{Field: "trading.leverage", Reason: "must be between 1 and 125"}
	}
	c.Trading.ReconcileOnStart = strings.ToLower(strings.TrimSpace(c.Trading.ReconcileOnStart))
	if c.Trading.ReconcileOnStart == "" {
		c.Trading.ReconcileOnStart = ReconcileAdopt
	}
	if c.Trading.ReconcileOnStart != ReconcileAdopt && c.Trading.ReconcileOnStart != ReconcileClose {
		return &ConfigError{Field: "trading.reconcileOnStart", Reason: fmt.Sprintf("must be adopt or close, got %q", c.Trading.ReconcileOnStart)}
	}

	if c.Risk.StopLossPercent < 0 {
		return &ConfigError{Field: "risk.stopLossPercent", Reason: "must be >= 0"}
	}
	if c.Risk.TakeProfitPercent < 0 {
		return &ConfigError{Field: "risk.takeProfitPercent", Reason: "must be >= 0"}
	}
	if c.Risk.MaxLossPercent < 0 {
		return &ConfigError{Field: "risk.maxLossPercent", Reason: "must be >= 0"}
	}

	if c.Monitoring.CheckInterval == 0 {
		c.Monitoring.CheckInterval = 5
	}
	if c.Monitoring.CheckInterval < 0 {
		return &ConfigError{Field: "monitoring.checkInterval", Reason: "must be > 0"}
	}
	if c.Monitoring.PricePrecision == 0 {
		c.Monitoring.PricePrecision = 2
	}
	if c.Monitoring.PricePrecision < 0 {
		return &ConfigError{Field: "monitoring.pricePrecision", Reason: "must be >= 0"}
	}

	if c.Trigger.CooldownSeconds < 0 {
		return &ConfigError{Field: "trigger.cooldownSeconds", Reason: "must be >= 0"}
	}

	if err := c.resolveKind(); err != nil {
		return err
	}

	switch c.kind {
	case KindMartingale:
		return c.validateMartingale()
	case KindDCA:
		return c.validateDCA()
	case KindGrid:
		return c.validateGrid()
	case KindTrend:
		return c.validateTrend()
	case KindMeanReversion:
		return c.validateMeanReversion()
	case KindML:
		return c.validateML()
	case KindLLM:
		return c.validateLLM()
	}
	return nil
}

func (c *Config) resolveKind() error {
	switch {
	case c.LLM != nil:
		c.kind = KindLLM
	case c.ML != nil:
		c.kind = KindML
	case c.Grid != nil:
		c.kind = KindGrid
	case c.Trend != nil:
		c.kind = KindTrend
	case c.MeanReversion != nil:
		c.kind = KindMeanReversion
	case c.DCA != nil:
		c.kind = KindDCA
	case c.Martingale != nil:
		c.kind = KindMartingale
	default:
		return &ConfigError{Field: "strategy", Reason: "no strategy section (martingale, dca, grid, trend, meanReversion, ml, llm)"}
	}
	return nil
}

func (c *Config) validateMartingale() error {
	m := c.Martingale
	if m.InitialPosition <= 0 {
		return &ConfigError{Field: "martingale.initialPosition", Reason: "must be > 0"}
	}
	if m.Multiplier == 0 {
		m.Multiplier = 2.0
	}
	if m.Multiplier < 1 {
		return &ConfigError{Field: "martingale.multiplier", Reason: "must be >= 1"}
	}
	if m.MaxAdditions == 0 {
		m.MaxAdditions = 5
	}
	if m.MaxAdditions < 0 {
		return &ConfigError{Field: "martingale.maxAdditions", Reason: "must be >= 0"}
	}
	if c.Trigger.PriceDropPercent <= 0 {
		return &ConfigError{Field: "trigger.priceDropPercent", Reason: "must be > 0"}
	}
	return nil
}

func (c *Config) validateDCA() error {
	d := c.DCA
	if d.Amount <= 0 {
		return &ConfigError{Field: "dca.amount", Reason: "must be > 0"}
	}
	if d.IntervalMinutes == 0 {
		d.IntervalMinutes = 60
	}
	if d.IntervalMinutes < 0 {
		return &ConfigError{Field: "dca.intervalMinutes", Reason: "must be > 0"}
	}
	if d.PriceCeiling < 0 {
		return &ConfigError{Field: "dca.priceCeiling", Reason: "must be >= 0"}
	}
	if d.MaxInvestment < 0 {
		return &ConfigError{Field: "dca.maxInvestment", Reason: "must be >= 0"}
	}
	return nil
}

func (c *Config) validateGrid() error {
	g := c.Grid
	if c.Trading.Side != exchange.SideLong {
		return &ConfigError{Field: "trading.side", Reason: "grid strategy is long only"}
	}
	if g.OrderSize <= 0 {
		return &ConfigError{Field: "grid.orderSize", Reason: "must be > 0"}
	}
	if g.Levels == 0 {
		g.Levels = 10
	}
	if g.Levels < 2 {
		return &ConfigError{Field: "grid.levels", Reason: "must be >= 2"}
	}
	switch {
	case g.PriceLow == 0 && g.PriceHigh == 0:
		if g.RangePercent == 0 {
			g.RangePercent = 5.0
		}
		if g.RangePercent <= 0 {
			return &ConfigError{Field: "grid.rangePercent", Reason: "must be > 0"}
		}
	case g.PriceLow > 0 && g.PriceHigh > 0:
		if g.PriceLow >= g.PriceHigh {
			return &ConfigError{Field: "grid.priceLow", Reason: "must be less than priceHigh"}
		}
	default:
		return &ConfigError{Field: "grid.priceLow", Reason: "priceLow and priceHigh must be set together"}
	}
	return nil
}

func (c *Config) validateTrend() error {
	t := c.Trend
	if t.PositionSize <= 0 {
		return &ConfigError{Field: "trend.positionSize", Reason: "must be > 0"}
	}
	if t.FastPeriod == 0 {
		t.FastPeriod = 10
	}
	if t.SlowPeriod == 0 {
		t.SlowPeriod = 30
	}
	if t.FastPeriod < 2 {
		return &ConfigError{Field: "trend.fastPeriod", Reason: "must be >= 2"}
	}
	if t.FastPeriod >= t.SlowPeriod {
		return &ConfigError{Field: "trend.fastPeriod", Reason: "must be less than slowPeriod"}
	}
	if t.ConfirmPercent == 0 {
		t.ConfirmPercent = 1.0
	}
	if t.ConfirmPercent < 0 {
		return &ConfigError{Field: "trend.confirmPercent", Reason: "must be >= 0"}
	}
	return nil
}

func (c *Config) validateMeanReversion() error {
	m := c.MeanReversion
	if m.PositionSize <= 0 {
		return &ConfigError{Field: "meanReversion.positionSize", Reason: "must be > 0"}
	}
	if m.MAPeriod == 0 {
		m.MAPeriod = 20
	}
	if m.MAPeriod < 2 {
		return &ConfigError{Field: "meanReversion.maPeriod", Reason: "must be >= 2"}
	}
	if m.DeviationPercent == 0 {
		m.DeviationPercent = 3.0
	}
	if m.DeviationPercent <= 0 {
		return &ConfigError{Field: "meanReversion.deviationPercent", Reason: "must be > 0"}
	}
	if m.TargetPercent == 0 {
		m.TargetPercent = 1.5
	}
	if m.TargetPercent < 0 {
		return &ConfigError{Field: "meanReversion.targetPercent", Reason: "must be >= 0"}
	}
	if m.TargetPercent >= m.DeviationPercent {
		return &ConfigError{Field: "meanReversion.targetPercent", Reason: "must be less than deviationPercent"}
	}
	return nil
}

func (c *Config) validateML() error {
	m := c.ML
	if m.PositionSize <= 0 {
		return &ConfigError{Field: "ml.positionSize", Reason: "must be > 0"}
	}
	if m.ConfidenceThreshold == 0 {
		m.ConfidenceThreshold = 0.65
	}
	if m.ConfidenceThreshold <= 0 || m.ConfidenceThreshold > 1 {
		return &ConfigError{Field: "ml.confidenceThreshold", Reason: "must be in (0, 1]"}
	}
	if m.RetrainIntervalHours == 0 {
		m.RetrainIntervalHours = 24
	}
	if m.RetrainIntervalHours < 0 {
		return &ConfigError{Field: "ml.retrainIntervalHours", Reason: "must be > 0"}
	}
	if m.Lookback == 0 {
		m.Lookback = 200
	}
	if m.Lookback < 100 {
		return &ConfigError{Field: "ml.lookback", Reason: "must be >= 100"}
	}
	if m.CooldownSeconds == 0 {
		m.CooldownSeconds = 30
	}
	if m.CooldownSeconds < 0 {
		return &ConfigError{Field: "ml.cooldownSeconds", Reason: "must be >= 0"}
	}
	return nil
}

func (c *Config) validateLLM() error {
	l := c.LLM
	if l.PositionSize <= 0 {
		return &ConfigError{Field: "llm.positionSize", Reason: "must be > 0"}
	}
	if l.ConfidenceThreshold == 0 {
		l.ConfidenceThreshold = 0.7
	}
	if l.ConfidenceThreshold <= 0 || l.ConfidenceThreshold > 1 {
		return &ConfigError{Field: "llm.confidenceThreshold", Reason: "must be in (0, 1]"}
	}
	if l.CallIntervalSeconds == 0 {
		l.CallIntervalSeconds = 300
	}
	if l.CallIntervalSeconds < 0 {
		return &ConfigError{Field: "llm.callIntervalSeconds", Reason: "must be > 0"}
	}
	if l.Timeframe == "" {
		l.Timeframe = "5m"
	}
	if _, ok := exchange.Timeframes[l.Timeframe]; !ok {
		return &ConfigError{Field: "llm.timeframe", Reason: fmt.Sprintf("unknown timeframe %q", l.Timeframe)}
	}
	return nil
}

// Kind reports which kernel the document selected.
func (c *Config) Kind() string { return c.kind }

// CheckInterval is the decision tick period.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Monitoring.CheckInterval) * time.Second
}

// StartImmediately reports the trigger flag, defaulting to true.
func (c *Config) StartImmediately() bool {
	if c.Trigger.StartImmediately == nil {
		return true
	}
	return *c.Trigger.StartImmediately
}

// Policy assembles the risk gate policy for this strategy.
func (c *Config) Policy() risk.Policy {
	p := risk.Policy{
		StopLossPercent:   c.Risk.StopLossPercent,
		TakeProfitPercent: c.Risk.TakeProfitPercent,
		MaxLossPercent:    c.Risk.MaxLossPercent,
		Cooldown:          time.Duration(c.Trigger.CooldownSeconds) * time.Second,
	}
	if c.Martingale != nil {
		p.MaxAdditions = c.Martingale.MaxAdditions
	}
	return p
}
