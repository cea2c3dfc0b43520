// Package risk decides whether a position may stay open and whether a
// proposed trade may proceed. The gate is a pure function: the engine and
// the backtest runner feed it the same inputs and get the same answers.
package risk

import (
	"fmt"
	"time"
)

// Policy is the per-strategy risk configuration. Percent thresholds are raw
// price-move percentages, not leveraged returns; zero disables a rule.
type Policy struct {
	StopLossPercent   float64
	TakeProfitPercent float64
	MaxLossPercent    float64
	MaxAdditions      int
	Cooldown          time.Duration
}

// Proposed actions. ActionNone asks only whether the position may stay open.
const (
	ActionNone  = ""
	ActionOpen  = "open"
	ActionAdd   = "add"
	ActionClose = "close"
)

// Verdict kinds.
const (
	Allow      = "allow"
	Deny       = "deny"
	ForceClose = "force_close"
)

// Input is everything the gate evaluates.
type Input struct {
	HasPosition      bool
	UnrealizedPnLPct float64 // signed raw price move percent
	UnrealizedPnL    float64 // quote currency
	RealizedPnL      float64 // quote currency, closed trades this run
	StartBalance     float64 // balance when the run opened
	Additions        int     // add trades executed on the current position
	SinceLastTrade   time.Duration
	Action           string
}

// Verdict is the gate's decision. Terminal means the run must end after the
// forced close.
type Verdict struct {
	Kind     string
	Reason   string
	Terminal bool
}

// Allowed reports whether the proposed action may proceed.
func (v Verdict) Allowed() bool { return v.Kind == Allow }

// Evaluate applies the rules in fixed order: stop-loss, take-profit,
// max-loss, max-additions, cooldown. The first hit wins.
func Evaluate(p Policy, in Input) Verdict {
	if in.HasPosition && p.StopLossPercent > 0 && in.UnrealizedPnLPct <= -p.StopLossPercent {
		return Verdict{
			Kind:   ForceClose,
			Reason: fmt.Sprintf("stop-loss hit: %.2f%% <= -%.2f%%", in.UnrealizedPnLPct, p.StopLossPercent),
		}
	}

	if in.HasPosition && p.TakeProfitPercent > 0 && in.UnrealizedPnLPct >= p.TakeProfitPercent {
		return Verdict{
			Kind:   ForceClose,
			Reason: fmt.Sprintf("take-profit hit: %.2f%% >= %.2f%%", in.UnrealizedPnLPct, p.TakeProfitPercent),
		}
	}

	if p.MaxLossPercent > 0 && in.StartBalance > 0 {
		total := in.RealizedPnL + in.UnrealizedPnL
		lossPct := -total / in.StartBalance * 100
		if lossPct >= p.MaxLossPercent {
			return Verdict{
				Kind:     ForceClose,
				Terminal: true,
				Reason:   fmt.Sprintf("max run loss hit: %.2f%% >= %.2f%% of start balance", lossPct, p.MaxLossPercent),
			}
		}
	}

	if in.Action == ActionAdd && p.MaxAdditions > 0 && in.Additions >= p.MaxAdditions {
		return Verdict{
			Kind:   Deny,
			Reason: fmt.Sprintf("max additions reached: %d/%d", in.Additions, p.MaxAdditions),
		}
	}

	if (in.Action == ActionOpen || in.Action == ActionAdd) && p.Cooldown > 0 && in.SinceLastTrade < p.Cooldown {
		return Verdict{
			Kind:   Deny,
			Reason: fmt.Sprintf("cooldown active: %v since last trade, need %v", in.SinceLastTrade.Round(time.Second), p.Cooldown),
		}
	}

	return Verdict{Kind: Allow}
}
