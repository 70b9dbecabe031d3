// Package strategy implements the quoting brain of the engine: the regime
// classifier that widens spreads under stress, the three-tier grid with
// inventory skew, the order-flow-imbalance monitor, and the shadow-mode fill
// simulator.
//
// All components here are pure with respect to engine state: they read
// inputs handed to them by the orchestrator and return values. Inventory and
// halt state are owned by the orchestrator alone.
package strategy

import (
	"time"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

// RegimeResult is the classifier's output for one asset on one tick.
type RegimeResult struct {
	Label string
	// Multiplier applied to the base half-spread. Meaningless when Label is
	// halt (quoting is suppressed entirely).
	Multiplier float64
	// Reason names the dominant contributing factor, for telemetry.
	Reason string
}

// RegimeClassifier maps a rolling volatility/latency/funding picture onto a
// discrete regime and a spread multiplier.
//
// Contributing factors combine by taking the MAXIMUM multiplier, not the
// product: independent stress signals must not compound into runaway
// widening.
type RegimeClassifier struct {
	cfg config.RegimeConfig
	cfr float64 // cancel/fill ceiling, shared with the risk guard
}

// NewRegimeClassifier creates a classifier with the given thresholds.
// maxCancelFillRatio is the same ceiling the risk guard reports against.
func NewRegimeClassifier(cfg config.RegimeConfig, maxCancelFillRatio float64) *RegimeClassifier {
	return &RegimeClassifier{cfg: cfg, cfr: maxCancelFillRatio}
}

// Classify computes the regime for one asset.
//
//   - volFraction at or above the chaos threshold → halt.
//   - |funding| at or above the funding ceiling → halt.
//   - Otherwise multiplier = max(vol, cancel/fill, latency) clamped to
//     [1, MaxMultiplier]; label is uncertain above 1.5, calm otherwise.
func (rc *RegimeClassifier) Classify(volFraction, cancelFillRatio float64, p95 time.Duration, fundingRate float64) RegimeResult {
	if volFraction >= rc.cfg.ChaosVolThreshold {
		return RegimeResult{Label: types.RegimeHalt, Multiplier: rc.cfg.MaxMultiplier, Reason: "volatility"}
	}
	if fundingRate >= rc.cfg.FundingHaltAbs || fundingRate <= -rc.cfg.FundingHaltAbs {
		return RegimeResult{Label: types.RegimeHalt, Multiplier: rc.cfg.MaxMultiplier, Reason: "funding"}
	}

	volMult := 1.0
	if volFraction >= rc.cfg.CalmVolThreshold {
		// Linear ramp from 1.0 at calm to 3.0 approaching chaos.
		t := (volFraction - rc.cfg.CalmVolThreshold) /
			(rc.cfg.ChaosVolThreshold - rc.cfg.CalmVolThreshold)
		volMult = 1.0 + t*2.0
	}

	cfrMult := 1.0
	switch {
	case cancelFillRatio > rc.cfr*2:
		cfrMult = 2.0
	case cancelFillRatio > rc.cfr:
		cfrMult = 1.0 + (cancelFillRatio-rc.cfr)/rc.cfr
	}

	latMult := 1.0
	switch {
	case p95 > rc.cfg.LatencyCritical:
		latMult = 2.0
	case p95 > rc.cfg.LatencyWarn:
		latMult = 1.5
	}

	mult, reason := volMult, "volatility"
	if cfrMult > mult {
		mult, reason = cfrMult, "cancel_fill_ratio"
	}
	if latMult > mult {
		mult, reason = latMult, "latency"
	}
	if mult > rc.cfg.MaxMultiplier {
		mult = rc.cfg.MaxMultiplier
	}
	if mult <= 1.0 {
		reason = "calm"
	}

	label := types.RegimeCalm
	if mult > 1.5 {
		label = types.RegimeUncertain
	}
	return RegimeResult{Label: label, Multiplier: mult, Reason: reason}
}
