package risk

import (
	"strings"
	"testing"
	"time"
)

func TestEvaluateRuleOrder(t *testing.T) {
	policy := Policy{
		StopLossPercent:   10,
		TakeProfitPercent: 15,
		MaxLossPercent:    20,
		MaxAdditions:      2,
		Cooldown:          time.Minute,
	}

	tests := []struct {
		name         string
		policy       Policy
		in           Input
		wantKind     string
		wantTerminal bool
		wantReason   string
	}{
		{
			name:   "stop-loss forces close",
			policy: policy,
			in: Input{
				HasPosition:      true,
				UnrealizedPnLPct: -11,
				SinceLastTrade:   time.Hour,
			},
			wantKind:   ForceClose,
			wantReason: "stop-loss",
		},
		{
			name:   "stop-loss wins over max-loss",
			policy: policy,
			in: Input{
				HasPosition:      true,
				UnrealizedPnLPct: -12,
				UnrealizedPnL:    -250,
				StartBalance:     1000,
				SinceLastTrade:   time.Hour,
			},
			wantKind:     ForceClose,
			wantTerminal: false,
			wantReason:   "stop-loss",
		},
		{
			name:   "take-profit forces close",
			policy: policy,
			in: Input{
				HasPosition:      true,
				UnrealizedPnLPct: 16,
				SinceLastTrade:   time.Hour,
			},
			wantKind:   ForceClose,
			wantReason: "take-profit",
		},
		{
			name:   "max run loss is terminal",
			policy: Policy{MaxLossPercent: 20},
			in: Input{
				HasPosition:      true,
				UnrealizedPnLPct: -5,
				RealizedPnL:      -150,
				UnrealizedPnL:    -60,
				StartBalance:     1000,
			},
			wantKind:     ForceClose,
			wantTerminal: true,
			wantReason:   "max run loss",
		},
		{
			name:   "max additions denies add",
			policy: policy,
			in: Input{
				HasPosition:    true,
				Additions:      2,
				SinceLastTrade: time.Hour,
				Action:         ActionAdd,
			},
			wantKind:   Deny,
			wantReason: "max additions",
		},
		{
			name:   "max additions does not deny open",
			policy: policy,
			in: Input{
				Additions:      2,
				SinceLastTrade: time.Hour,
				Action:         ActionOpen,
			},
			wantKind: Allow,
		},
		{
			name:   "cooldown denies add",
			policy: policy,
			in: Input{
				HasPosition:    true,
				Additions:      1,
				SinceLastTrade: 30 * time.Second,
				Action:         ActionAdd,
			},
			wantKind:   Deny,
			wantReason: "cooldown",
		},
		{
			name:   "cooldown denies open",
			policy: policy,
			in: Input{
				SinceLastTrade: 30 * time.Second,
				Action:         ActionOpen,
			},
			wantKind:   Deny,
			wantReason: "cooldown",
		},
		{
			name:   "cooldown never blocks close",
			policy: policy,
			in: Input{
				HasPosition:    true,
				SinceLastTrade: time.Second,
				Action:         ActionClose,
			},
			wantKind: Allow,
		},
		{
			name:   "elapsed cooldown allows",
			policy: policy,
			in: Input{
				HasPosition:    true,
				Additions:      1,
				SinceLastTrade: 61 * time.Second,
				Action:         ActionAdd,
			},
			wantKind: Allow,
		},
		{
			name:   "zero policy allows everything",
			policy: Policy{},
			in: Input{
				HasPosition:      true,
				UnrealizedPnLPct: -90,
				RealizedPnL:      -900,
				StartBalance:     1000,
				Additions:        50,
				Action:           ActionAdd,
			},
			wantKind: Allow,
		},
		{
			name:   "position check without action",
			policy: policy,
			in: Input{
				HasPosition:      true,
				UnrealizedPnLPct: -3,
				SinceLastTrade:   time.Second,
			},
			wantKind: Allow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.policy, tt.in)
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %q (%s), want %q", got.Kind, got.Reason, tt.wantKind)
			}
			if got.Terminal != tt.wantTerminal {
				t.Errorf("terminal = %v, want %v", got.Terminal, tt.wantTerminal)
			}
			if tt.wantReason != "" && !strings.Contains(got.Reason, tt.wantReason) {
				t.Errorf("reason %q does not mention %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluateStopLossBoundary(t *testing.T) {
	// Long 200 USDT at 50000 with a 10% stop: 44500 is an 11% drop and
	// must close, 45100 is 9.8% and must not.
	policy := Policy{StopLossPercent: 10}

	pct := (44500.0 - 50000.0) / 50000.0 * 100
	v := Evaluate(policy, Input{HasPosition: true, UnrealizedPnLPct: pct})
	if v.Kind != ForceClose {
		t.Errorf("at %.2f%%: kind = %q, want force close", pct, v.Kind)
	}

	pct = (45100.0 - 50000.0) / 50000.0 * 100
	v = Evaluate(policy, Input{HasPosition: true, UnrealizedPnLPct: pct})
	if v.Kind != Allow {
		t.Errorf("at %.2f%%: kind = %q, want allow", pct, v.Kind)
	}

	// Exactly at the threshold closes.
	v = Evaluate(policy, Input{HasPosition: true, UnrealizedPnLPct: -10})
	if v.Kind != ForceClose {
		t.Errorf("at threshold: kind = %q, want force close", v.Kind)
	}
}

func TestEvaluateIgnoresPositionRulesWhenFlat(t *testing.T) {
	policy := Policy{StopLossPercent: 10, TakeProfitPercent: 15}
	v := Evaluate(policy, Input{HasPosition: false, UnrealizedPnLPct: -50})
	if v.Kind != Allow {
		t.Errorf("flat position: kind = %q, want allow", v.Kind)
	}
}
