package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"perp-mm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHaltControllerStartsActive(t *testing.T) {
	t.Parallel()
	h := NewHaltController(testLogger())
	if h.Mode() != types.ModeActive {
		t.Errorf("mode = %v, want active", h.Mode())
	}
}

func TestHaltIsTerminalUntilReset(t *testing.T) {
	t.Parallel()
	h := NewHaltController(testLogger())
	now := time.Now()

	h.Halt("drawdown", now)
	if h.Mode() != types.ModeHalted {
		t.Fatalf("mode = %v, want halted", h.Mode())
	}

	// Nothing internal clears a halt.
	h.LeaveDark(now.Add(time.Minute))
	h.EnterDark("feed_stall", now.Add(time.Minute))
	if h.Mode() != types.ModeHalted {
		t.Errorf("mode = %v, halt must be terminal", h.Mode())
	}

	// The first reason wins over later halts.
	h.Halt("funding", now.Add(2*time.Minute))
	if h.State().Reason != "drawdown" {
		t.Errorf("reason = %q, want the original drawdown", h.State().Reason)
	}

	h.Reset(now.Add(time.Hour))
	if h.Mode() != types.ModeActive {
		t.Errorf("mode = %v after explicit reset, want active", h.Mode())
	}
}

func TestDarkTransitions(t *testing.T) {
	t.Parallel()
	h := NewHaltController(testLogger())
	now := time.Now()

	h.EnterDark("connection_lost", now)
	if h.Mode() != types.ModeDark {
		t.Fatalf("mode = %v, want dark", h.Mode())
	}
	if h.State().Reason != "connection_lost" {
		t.Errorf("reason = %q", h.State().Reason)
	}

	// EnterDark from dark is a no-op; the original reason stands.
	h.EnterDark("feed_stall", now.Add(time.Second))
	if h.State().Reason != "connection_lost" {
		t.Errorf("reason = %q, want original", h.State().Reason)
	}

	h.LeaveDark(now.Add(time.Minute))
	if h.Mode() != types.ModeActive {
		t.Errorf("mode = %v after reconciliation, want active", h.Mode())
	}
}

func TestDrawdownStop(t *testing.T) {
	t.Parallel()
	d := NewDrawdownStop(0.05, testLogger())
	stats := NewSessionStats(5000, time.Now())

	// Limit is -250. Realized -200 with -40 unrealized is inside it.
	stats.RealizedPnLUSD = -200
	if d.Breached(stats, -40) {
		t.Error("breached inside the limit")
	}

	// -200 realized and -60 unrealized crosses -250 exactly.
	if !d.Breached(stats, -50) {
		t.Error("not breached at exactly the limit")
	}
	if !d.Breached(stats, -600) {
		t.Error("not breached well past the limit")
	}

	// Rebates offset losses.
	stats.RebatesUSD = 100
	if d.Breached(stats, -50) {
		t.Error("breached despite rebates pulling PnL inside the limit")
	}
}

func TestCancelFillGuardNeverHalts(t *testing.T) {
	t.Parallel()
	g := NewCancelFillGuard(50, testLogger())
	stats := NewSessionStats(5000, time.Now())

	stats.Cancels = 51
	stats.Fills = 1
	if !g.Check(stats) {
		t.Error("guard not tripped at ratio 51 over ceiling 50")
	}
	// The guard reports; it has no halt side effects, so repeated checks
	// simply keep reporting.
	if !g.Check(stats) {
		t.Error("guard cleared while the ratio is still above the ceiling")
	}

	stats.Fills = 2 // ratio 25.5
	if g.Check(stats) {
		t.Error("guard tripped below the ceiling")
	}
}

func TestStallWatchdogFiresOncePerEpisode(t *testing.T) {
	t.Parallel()
	w := NewStallWatchdog(30*time.Second, testLogger())
	t0 := time.Now()

	if w.Check(t0, t0.Add(10*time.Second)) {
		t.Error("fired inside the timeout")
	}
	if !w.Check(t0, t0.Add(31*time.Second)) {
		t.Error("did not fire past the timeout")
	}
	// Still stalled: the cancel-all must not repeat.
	if w.Check(t0, t0.Add(45*time.Second)) {
		t.Error("fired twice in one stall episode")
	}

	// After recovery a fresh stall fires again.
	w.RecoveryObserved()
	t1 := t0.Add(time.Minute)
	if !w.Check(t1, t1.Add(31*time.Second)) {
		t.Error("did not fire on a new stall after recovery")
	}
}
