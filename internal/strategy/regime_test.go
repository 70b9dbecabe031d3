package strategy

import (
	"math"
	"testing"
	"time"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

func testRegimeConfig() config.RegimeConfig {
	return config.RegimeConfig{
		CalmVolThreshold:  0.0015,
		ChaosVolThreshold: 0.005,
		MaxMultiplier:     4.0,
		FundingHaltAbs:    0.003,
		LatencyWarn:       50 * time.Millisecond,
		LatencyCritical:   100 * time.Millisecond,
	}
}

func newTestClassifier() *RegimeClassifier {
	return NewRegimeClassifier(testRegimeConfig(), 50)
}

func TestClassifyCalmBaseline(t *testing.T) {
	t.Parallel()
	rc := newTestClassifier()

	r := rc.Classify(0.001, 0, 10*time.Millisecond, 0.0001)
	if r.Label != types.RegimeCalm {
		t.Errorf("label = %q, want calm", r.Label)
	}
	if r.Multiplier != 1.0 {
		t.Errorf("multiplier = %v, want 1.0", r.Multiplier)
	}
}

func TestClassifyVolatilityRamp(t *testing.T) {
	t.Parallel()
	rc := newTestClassifier()

	// Midway between calm (0.0015) and chaos (0.005) the ramp sits at 2.0.
	r := rc.Classify(0.00325, 0, 0, 0)
	if math.Abs(r.Multiplier-2.0) > 1e-9 {
		t.Errorf("multiplier = %v, want 2.0 at ramp midpoint", r.Multiplier)
	}
	if r.Label != types.RegimeUncertain {
		t.Errorf("label = %q, want uncertain above 1.5x", r.Label)
	}
	if r.Reason != "volatility" {
		t.Errorf("reason = %q, want volatility", r.Reason)
	}
}

func TestClassifyChaosVolatilityHalts(t *testing.T) {
	t.Parallel()
	rc := newTestClassifier()

	r := rc.Classify(0.005, 0, 0, 0)
	if r.Label != types.RegimeHalt {
		t.Errorf("label = %q, want halt at chaos threshold", r.Label)
	}
	if r.Reason != "volatility" {
		t.Errorf("reason = %q, want volatility", r.Reason)
	}
}

func TestClassifyFundingHalts(t *testing.T) {
	t.Parallel()
	rc := newTestClassifier()

	for _, rate := range []float64{0.003, -0.003, 0.01} {
		r := rc.Classify(0.001, 0, 0, rate)
		if r.Label != types.RegimeHalt {
			t.Errorf("funding %v: label = %q, want halt", rate, r.Label)
		}
		if r.Reason != "funding" {
			t.Errorf("funding %v: reason = %q, want funding", rate, r.Reason)
		}
	}

	// Just inside the ceiling keeps quoting.
	if r := rc.Classify(0.001, 0, 0, 0.0029); r.Label == types.RegimeHalt {
		t.Error("funding below ceiling must not halt")
	}
}

func TestClassifyCancelFillWidensWithoutHalt(t *testing.T) {
	t.Parallel()
	rc := newTestClassifier()

	// Ratio just past the ceiling widens marginally; it never halts.
	r := rc.Classify(0.001, 51, 0, 0)
	if r.Label == types.RegimeHalt {
		t.Fatal("cancel/fill breach must never halt")
	}
	if math.Abs(r.Multiplier-1.02) > 1e-9 {
		t.Errorf("multiplier = %v, want 1.02 at ratio 51 over ceiling 50", r.Multiplier)
	}
	if r.Reason != "cancel_fill_ratio" {
		t.Errorf("reason = %q, want cancel_fill_ratio", r.Reason)
	}

	// Twice the ceiling saturates at 2.0.
	r = rc.Classify(0.001, 150, 0, 0)
	if r.Multiplier != 2.0 {
		t.Errorf("multiplier = %v, want 2.0 saturated", r.Multiplier)
	}
	if r.Label != types.RegimeUncertain {
		t.Errorf("label = %q, want uncertain", r.Label)
	}
}

func TestClassifyLatencyTiers(t *testing.T) {
	t.Parallel()
	rc := newTestClassifier()

	if r := rc.Classify(0.001, 0, 60*time.Millisecond, 0); r.Multiplier != 1.5 {
		t.Errorf("multiplier = %v, want 1.5 above warn threshold", r.Multiplier)
	}
	if r := rc.Classify(0.001, 0, 150*time.Millisecond, 0); r.Multiplier != 2.0 {
		t.Errorf("multiplier = %v, want 2.0 above critical threshold", r.Multiplier)
	}
}

func TestClassifyFactorsCombineByMax(t *testing.T) {
	t.Parallel()
	rc := newTestClassifier()

	// Vol midpoint (2.0), cancel/fill 51 (1.02) and warm latency (1.5)
	// together must yield the max, not the product.
	r := rc.Classify(0.00325, 51, 60*time.Millisecond, 0)
	if math.Abs(r.Multiplier-2.0) > 1e-9 {
		t.Errorf("multiplier = %v, want max(2.0, 1.02, 1.5) = 2.0", r.Multiplier)
	}
	if r.Reason != "volatility" {
		t.Errorf("reason = %q, want the dominant factor (volatility)", r.Reason)
	}
}

func TestClassifyClampsToMaxMultiplier(t *testing.T) {
	t.Parallel()
	cfg := testRegimeConfig()
	cfg.MaxMultiplier = 2.5
	rc := NewRegimeClassifier(cfg, 50)

	// Just under chaos the ramp approaches 3.0; the clamp wins.
	r := rc.Classify(0.00499, 0, 0, 0)
	if r.Multiplier > 2.5 {
		t.Errorf("multiplier = %v, want clamped to 2.5", r.Multiplier)
	}
}
