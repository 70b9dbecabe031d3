package risk

import (
	"log/slog"
	"time"

	"perp-mm/pkg/types"
)

// HaltController owns the engine's global HaltState. It is not safe for
// concurrent use on its own: the orchestrator serializes every transition
// under its state lock, which is the whole point: halts are decided, never
// raced.
//
// ModeHalted is terminal. Nothing in this package (or the engine) clears it;
// only an explicit external Reset does.
type HaltController struct {
	state  types.HaltState
	logger *slog.Logger
}

// NewHaltController starts in ModeActive.
func NewHaltController(logger *slog.Logger) *HaltController {
	return &HaltController{
		state:  types.HaltState{Mode: types.ModeActive},
		logger: logger.With("component", "halt"),
	}
}

// State returns the current halt state.
func (h *HaltController) State() types.HaltState { return h.state }

// Mode returns the current engine mode.
func (h *HaltController) Mode() types.EngineMode { return h.state.Mode }

// Halt transitions to ModeHalted. Idempotent; a later halt never downgrades
// an earlier one, and the first reason wins.
func (h *HaltController) Halt(reason string, now time.Time) {
	if h.state.Mode == types.ModeHalted {
		return
	}
	h.state = types.HaltState{Mode: types.ModeHalted, Reason: reason, Since: now}
	h.logger.Error("HALTED, explicit external reset required", "reason", reason)
}

// EnterDark transitions Active → Dark. A halted engine stays halted.
func (h *HaltController) EnterDark(reason string, now time.Time) {
	if h.state.Mode != types.ModeActive {
		return
	}
	h.state = types.HaltState{Mode: types.ModeDark, Reason: reason, Since: now}
	h.logger.Warn("entering dark state", "reason", reason)
}

// LeaveDark transitions Dark → Active. Only reconciliation calls this, and
// only after a clean authoritative diff.
func (h *HaltController) LeaveDark(now time.Time) {
	if h.state.Mode != types.ModeDark {
		return
	}
	h.state = types.HaltState{Mode: types.ModeActive, Since: now}
	h.logger.Info("leaving dark state, quoting resumes")
}

// Reset clears a halt. This is the explicit external restart path (operator
// action), never called from inside the control loop.
func (h *HaltController) Reset(now time.Time) {
	prev := h.state
	h.state = types.HaltState{Mode: types.ModeActive, Since: now}
	h.logger.Warn("halt state externally reset", "previous_mode", prev.Mode.String(), "previous_reason", prev.Reason)
}

// DrawdownStop halts the engine when daily PnL breaches the configured
// fraction of starting capital. Evaluated on a fixed period by the
// orchestrator's breaker timer.
type DrawdownStop struct {
	maxFrac float64
	logger  *slog.Logger
}

// NewDrawdownStop creates the stop with its loss fraction.
func NewDrawdownStop(maxFrac float64, logger *slog.Logger) *DrawdownStop {
	return &DrawdownStop{maxFrac: maxFrac, logger: logger.With("component", "drawdown")}
}

// Breached reports whether daily realized+unrealized PnL has crossed
// −(starting capital × fraction), logging the numbers the operator needs
// to audit the stop.
func (d *DrawdownStop) Breached(stats *SessionStats, unrealizedUSD float64) bool {
	pnl := stats.DailyPnLUSD(unrealizedUSD)
	limit := -stats.StartingCapitalUSD * d.maxFrac
	if pnl > limit {
		return false
	}
	d.logger.Error("daily drawdown breached",
		"daily_pnl_usd", pnl,
		"limit_usd", limit,
		"starting_capital_usd", stats.StartingCapitalUSD,
		"max_drawdown_frac", d.maxFrac,
	)
	return true
}

// CancelFillGuard watches the cancel/fill ratio. It never halts: a breach
// feeds back into the regime classifier, which widens spreads to cut churn.
type CancelFillGuard struct {
	ceiling float64
	logger  *slog.Logger
	tripped bool
}

// NewCancelFillGuard creates the guard with its ratio ceiling.
func NewCancelFillGuard(ceiling float64, logger *slog.Logger) *CancelFillGuard {
	return &CancelFillGuard{ceiling: ceiling, logger: logger.With("component", "cf_guard")}
}

// Check logs on the breach edge (once per excursion above the ceiling) and
// returns whether the ratio currently exceeds it.
func (g *CancelFillGuard) Check(stats *SessionStats) bool {
	ratio := stats.CancelFillRatio()
	breached := ratio > g.ceiling
	if breached && !g.tripped {
		g.logger.Warn("cancel/fill ratio above ceiling, widening spreads",
			"ratio", ratio, "ceiling", g.ceiling)
	}
	g.tripped = breached
	return breached
}

// StallWatchdog panics the engine into the dark state when the feed goes
// silent while connected. It latches: the cancel-all fires exactly once per
// stall episode, and the latch clears only when the engine recovers.
type StallWatchdog struct {
	timeout time.Duration
	fired   bool
	logger  *slog.Logger
}

// NewStallWatchdog creates the watchdog with its silence timeout.
func NewStallWatchdog(timeout time.Duration, logger *slog.Logger) *StallWatchdog {
	return &StallWatchdog{timeout: timeout, logger: logger.With("component", "stall")}
}

// Check returns true exactly once when the gap since the last feed event
// exceeds the timeout. Subsequent calls during the same stall return false.
func (w *StallWatchdog) Check(lastEvent, now time.Time) bool {
	gap := now.Sub(lastEvent)
	if gap <= w.timeout {
		return false
	}
	if w.fired {
		return false
	}
	w.fired = true
	w.logger.Error("feed stall detected, cancelling all orders",
		"silence", gap, "timeout", w.timeout)
	return true
}

// RecoveryObserved clears the latch once the engine has reconciled and
// resumed. A fresh stall afterwards fires again.
func (w *StallWatchdog) RecoveryObserved() {
	w.fired = false
}
