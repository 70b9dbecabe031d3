// Package risk implements the engine's circuit breakers and session
// accounting: the drawdown stop, the cancel/fill ratio guard, the feed-stall
// watchdog, and the serialized halt-state transitions they drive.
//
// Nothing in this package owns a goroutine. The orchestrator calls breakers
// under its own state lock, so every HaltState transition is serialized and
// breakers evaluated from a separate timer still go through the same lock.
package risk

import "time"

// SessionStats holds cumulative counters for the current trading session.
// Counters are monotonic and only ever incremented by the orchestrator;
// they reset exclusively at the daily session boundary.
type SessionStats struct {
	Cancels        uint64
	Fills          uint64
	RealizedPnLUSD float64
	RebatesUSD     float64
	VolumeUSD      float64

	StartingCapitalUSD float64
	SessionStart       time.Time
}

// NewSessionStats opens a session anchored at the given capital.
func NewSessionStats(startingCapitalUSD float64, now time.Time) *SessionStats {
	return &SessionStats{
		StartingCapitalUSD: startingCapitalUSD,
		SessionStart:       now,
	}
}

// CancelFillRatio returns cancels per fill. With zero fills the raw cancel
// count is already the concerning number, so it is returned as-is.
func (s *SessionStats) CancelFillRatio() float64 {
	if s.Fills == 0 {
		return float64(s.Cancels)
	}
	return float64(s.Cancels) / float64(s.Fills)
}

// DailyPnLUSD returns realized PnL plus rebates plus the caller-supplied
// mark-to-market of open inventory.
func (s *SessionStats) DailyPnLUSD(unrealizedUSD float64) float64 {
	return s.RealizedPnLUSD + s.RebatesUSD + unrealizedUSD
}

// Reset rolls the session at the daily boundary: counters zero and the
// drawdown anchor re-captures at the session-end equity.
func (s *SessionStats) Reset(newCapitalUSD float64, now time.Time) {
	*s = SessionStats{
		StartingCapitalUSD: newCapitalUSD,
		SessionStart:       now,
	}
}

// Snapshot returns a copy for telemetry readers.
func (s *SessionStats) Snapshot() SessionStats {
	return *s
}
