// Package engine is the control loop: a fixed-period tick that drains feed
// events, classifies the regime, recomputes the quote grid, diffs it against
// resting orders, and hands the resulting intents to the gateway. All
// mutable engine state (inventory, session stats, halt state, previous
// levels) is owned by one mutex; the tick, the drawdown timer and the
// telemetry reporter all serialize through it.
package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/internal/market"
	"perp-mm/internal/recon"
	"perp-mm/internal/risk"
	"perp-mm/internal/screener"
	"perp-mm/internal/store"
	"perp-mm/internal/strategy"
	"perp-mm/pkg/types"
)

// FundingSource supplies current funding rates; the REST client implements
// it. Nil disables funding-based halts.
type FundingSource interface {
	FetchFundingRates(ctx context.Context) (map[string]float64, error)
}

const fundingPollInterval = time.Minute

// Deps are the engine's collaborators, wired up in main.
type Deps struct {
	Feed    *exchange.Feed
	Gateway exchange.OrderGateway
	State   recon.StateClient
	Funding FundingSource  // optional
	Link    *screener.Link // optional
	Store   *store.Store   // optional
	Logger  *slog.Logger
}

// Engine runs the market-making loop.
type Engine struct {
	cfg       *config.Config
	sessionID string
	logger    *slog.Logger

	feed    *exchange.Feed
	gateway exchange.OrderGateway
	funding FundingSource
	link    *screener.Link
	store   *store.Store
	recon   *recon.Reconciler

	// Lock-free collaborators (internally synchronized or tick-owned).
	hub        *market.Hub
	latency    *market.LatencyAuditor
	classifier *strategy.RegimeClassifier
	grid       *strategy.GridEngine
	ofi        *strategy.OFIMonitor
	sim        *strategy.FillSimulator
	simMirror  *exchange.SimGateway // non-nil in shadow mode

	// mu owns everything below it.
	mu            sync.Mutex
	inventory     *Inventory
	stats         *risk.SessionStats
	halt          *risk.HaltController
	drawdown      *risk.DrawdownStop
	cfGuard       *risk.CancelFillGuard
	stall         *risk.StallWatchdog
	assetCfgs     map[string]types.AssetConfig
	prevLevels    map[string]map[types.LevelKey]types.QuoteLevel
	regimes       map[string]strategy.RegimeResult
	reconInFlight bool
	darkFromStall bool
}

// New wires up an engine from config and collaborators. Persisted positions
// and session accounting are restored when a store is present.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger.With("component", "engine")

	e := &Engine{
		cfg:        cfg,
		sessionID:  uuid.NewString(),
		logger:     logger,
		feed:       deps.Feed,
		gateway:    deps.Gateway,
		funding:    deps.Funding,
		link:       deps.Link,
		store:      deps.Store,
		recon:      recon.New(deps.State, cfg.Risk.ReconTimeout, cfg.Risk.ReconMaxBackoff, deps.Logger),
		hub:        market.NewHub(),
		latency:    market.NewLatencyAuditor(),
		classifier: strategy.NewRegimeClassifier(cfg.Regime, cfg.Risk.MaxCancelFillRatio),
		grid:       strategy.NewGridEngine(cfg.Engine.MaxTiers),
		ofi: strategy.NewOFIMonitor(
			cfg.Risk.OFIWindow, cfg.Risk.OFIMinTrades,
			cfg.Risk.OFIMinNotionalUSD, cfg.Risk.OFIThreshold,
		),
		sim:        strategy.NewFillSimulator(cfg.Engine.FillProbThreshold, cfg.Engine.MakerRebateRate),
		inventory:  NewInventory(),
		stats:      risk.NewSessionStats(cfg.Risk.StartingCapitalUSD, time.Now()),
		halt:       risk.NewHaltController(deps.Logger),
		drawdown:   risk.NewDrawdownStop(cfg.Risk.MaxDrawdownFrac, deps.Logger),
		cfGuard:    risk.NewCancelFillGuard(cfg.Risk.MaxCancelFillRatio, deps.Logger),
		stall:      risk.NewStallWatchdog(cfg.Risk.StallTimeout, deps.Logger),
		assetCfgs:  make(map[string]types.AssetConfig),
		prevLevels: make(map[string]map[types.LevelKey]types.QuoteLevel),
		regimes:    make(map[string]strategy.RegimeResult),
	}

	if sg, ok := deps.Gateway.(*exchange.SimGateway); ok {
		e.simMirror = sg
	}

	// Built-in defaults until the screener delivers real parameters.
	for _, asset := range cfg.Assets {
		e.assetCfgs[asset] = types.DefaultAssetConfig(asset)
	}

	if e.store != nil {
		if err := e.restoreState(); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) restoreState() error {
	positions, err := e.store.LoadPositions()
	if err != nil {
		return err
	}
	if len(positions) > 0 {
		e.inventory.Restore(positions)
		e.logger.Info("restored positions", "assets", len(positions))
	}

	session, err := e.store.LoadSession()
	if err != nil {
		return err
	}
	if session != nil {
		e.stats.SessionStart = session.SessionStart
		e.stats.StartingCapitalUSD = session.StartingCapitalUSD
		e.stats.RealizedPnLUSD = session.RealizedPnLUSD
		e.stats.RebatesUSD = session.RebatesUSD
		e.stats.VolumeUSD = session.VolumeUSD
		e.stats.Cancels = session.Cancels
		e.stats.Fills = session.Fills
		e.logger.Info("restored session", "session_start", session.SessionStart)
	}
	return nil
}

// SessionID returns this run's unique identifier.
func (e *Engine) SessionID() string { return e.sessionID }

// Run starts the tick loop and all supporting goroutines, blocking until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"session_id", e.sessionID,
		"shadow_mode", e.cfg.ShadowMode,
		"assets", e.cfg.Assets,
		"tick_interval", e.cfg.Engine.TickInterval,
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.feed.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("feed terminated", "error", err)
		}
	}()

	if e.link != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.link.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("screener link terminated", "error", err)
			}
		}()
	}

	if e.funding != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.fundingLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.drawdownLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.telemetryLoop(ctx)
	}()

	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.persistState()
			return ctx.Err()
		case now := <-ticker.C:
			e.tick(ctx, now)
		}
	}
}

// tick is one iteration of the control loop. All feed events queued since
// the previous tick are drained first so every decision sees the same
// snapshot of the world.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	e.drainFeed(now)
	e.drainConfigs(ctx)
	e.drainLiveness(ctx, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halt.Mode() == types.ModeHalted {
		return
	}

	e.checkSessionBoundary(now)

	// Stall: feed is connected but silent. Pull quotes once and go dark.
	if e.halt.Mode() == types.ModeActive && e.stall.Check(e.hub.LastEventTime(), now) {
		e.cancelAllLocked(ctx, "feed_stall")
		e.halt.EnterDark("feed_stall", now)
		e.darkFromStall = true
		return
	}

	e.drainRealFills()
	e.applySimFills(ctx, now)

	if e.halt.Mode() == types.ModeDark {
		// Fresh events while dark from a stall mean the feed recovered;
		// reconcile before quoting again.
		if e.darkFromStall && now.Sub(e.hub.LastEventTime()) < e.cfg.Risk.StallTimeout {
			e.triggerReconcile(ctx)
		}
		return
	}

	e.cfGuard.Check(e.stats)

	assets := make([]string, 0, len(e.assetCfgs))
	for asset := range e.assetCfgs {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		e.quoteAsset(ctx, asset, now)
		if e.halt.Mode() != types.ModeActive {
			// A per-asset halt condition (funding, chaos vol) stops the
			// whole engine; no point quoting the rest of the tick.
			e.cancelAllLocked(ctx, e.halt.State().Reason)
			return
		}
	}
}

// quoteAsset recomputes and applies the grid for one asset. Called with
// e.mu held.
func (e *Engine) quoteAsset(ctx context.Context, asset string, now time.Time) {
	acfg := e.assetCfgs[asset]

	book, ok := e.hub.Book(asset)
	if !ok {
		return // no market data yet
	}
	mid := book.Mid()
	if mid <= 0 {
		return
	}

	regime := e.classifier.Classify(
		e.hub.VolFraction(asset),
		e.stats.CancelFillRatio(),
		e.latency.P95(),
		e.hub.Funding(asset),
	)
	e.regimes[asset] = regime

	if regime.Label == types.RegimeHalt {
		e.logger.Error("regime halt",
			"asset", asset, "reason", regime.Reason,
			"vol_fraction", e.hub.VolFraction(asset),
			"funding", e.hub.Funding(asset),
		)
		e.halt.Halt("regime_"+regime.Reason, now)
		return
	}

	sup := e.ofi.Evaluate(asset)
	acfg.Regime = regime.Label

	levels := e.grid.Compute(
		mid, acfg,
		e.inventory.NotionalUSD(asset, mid),
		regime.Multiplier,
		sup.Bid, sup.Ask,
	)

	intents := diffLevels(asset, e.prevLevels[asset], levels, acfg.TickSize)
	if len(intents) == 0 {
		return
	}

	results := e.gateway.Apply(ctx, intents)
	applied := make(map[types.LevelKey]types.QuoteLevel, len(levels))
	for k, lvl := range e.prevLevels[asset] {
		applied[k] = lvl
	}

	target := make(map[types.LevelKey]types.QuoteLevel, len(levels))
	for _, lvl := range levels {
		target[lvl.Key] = lvl
	}

	for _, res := range results {
		if !res.OK {
			e.logger.Warn("intent failed",
				"key", res.Key, "op", res.Op, "error", res.Err)
			continue
		}
		switch res.Op {
		case types.OpPlace:
			applied[res.Key] = target[res.Key]
		case types.OpReplace:
			applied[res.Key] = target[res.Key]
			e.stats.Cancels++
		case types.OpCancel:
			delete(applied, res.Key)
			e.stats.Cancels++
		}
	}
	e.prevLevels[asset] = applied

	if e.cfg.ShadowMode {
		// Register only what actually applied so the simulator and the
		// gateway mirror never diverge.
		synced := make([]types.QuoteLevel, 0, len(applied))
		for _, lvl := range applied {
			synced = append(synced, lvl)
		}
		e.sim.SyncLevels(asset, synced, acfg.TickSize, now)
	}
}

// diffLevels turns (previous, target) into the minimal intent batch. A level
// whose price moved by at most half a tick and whose size is unchanged is
// left alone.
func diffLevels(asset string, prev map[types.LevelKey]types.QuoteLevel, target []types.QuoteLevel, tickSize float64) []types.OrderIntent {
	var intents []types.OrderIntent

	targetByKey := make(map[types.LevelKey]types.QuoteLevel, len(target))
	for _, lvl := range target {
		targetByKey[lvl.Key] = lvl
		old, exists := prev[lvl.Key]
		switch {
		case !exists:
			intents = append(intents, intentFor(types.OpPlace, asset, lvl))
		case math.Abs(old.Price-lvl.Price) > tickSize/2 || old.SizeUSD != lvl.SizeUSD:
			intents = append(intents, intentFor(types.OpReplace, asset, lvl))
		}
	}

	var cancels []types.OrderIntent
	for key, old := range prev {
		if _, ok := targetByKey[key]; !ok {
			cancels = append(cancels, intentFor(types.OpCancel, asset, old))
		}
	}
	sort.Slice(cancels, func(i, j int) bool { return cancels[i].Key < cancels[j].Key })

	// Cancels go first so a replace never trips self-match protection.
	return append(cancels, intents...)
}

func intentFor(op types.IntentOp, asset string, lvl types.QuoteLevel) types.OrderIntent {
	return types.OrderIntent{
		Op:       op,
		Asset:    asset,
		Key:      lvl.Key,
		Side:     lvl.Side,
		Tier:     lvl.Tier,
		Price:    lvl.Price,
		SizeUSD:  lvl.SizeUSD,
		PostOnly: true,
	}
}

// drainFeed empties the book and trade channels into the hub, the OFI
// monitor and (in shadow mode) the fill simulator.
func (e *Engine) drainFeed(now time.Time) {
	drained := false
	for {
		select {
		case snap := <-e.feed.Books():
			e.hub.ApplyBook(snap)
			drained = true
			if !snap.Time.IsZero() {
				e.latency.Record(now.Sub(snap.Time))
			}
		case t := <-e.feed.Trades():
			e.hub.ApplyTrade(t)
			e.ofi.Observe(t)
			drained = true
			if e.cfg.ShadowMode {
				e.sim.ObserveTrade(t)
			}
		default:
			if drained {
				// The stall watchdog runs on our receive clock. Venue
				// payload timestamps only feed the latency tracker.
				e.hub.Touch(now)
			}
			return
		}
	}
}

// drainConfigs applies screener parameter updates. Each batch is a full
// replacement set: assets missing from it are retired.
func (e *Engine) drainConfigs(ctx context.Context) {
	if e.link == nil {
		return
	}
	for {
		select {
		case batch := <-e.link.Configs():
			e.applyConfigBatch(ctx, batch)
		default:
			return
		}
	}
}

func (e *Engine) applyConfigBatch(ctx context.Context, batch []types.AssetConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]types.AssetConfig, len(batch))
	for _, cfg := range batch {
		next[cfg.Asset] = cfg
	}

	// Retire assets the screener dropped: pull their quotes and forget all
	// per-asset state so a later re-listing starts clean.
	for asset := range e.assetCfgs {
		if _, keep := next[asset]; keep {
			continue
		}
		prev := e.prevLevels[asset]
		if len(prev) > 0 {
			intents := diffLevels(asset, prev, nil, e.assetCfgs[asset].TickSize)
			for _, res := range e.gateway.Apply(ctx, intents) {
				if res.OK {
					e.stats.Cancels++
				}
			}
		}
		delete(e.prevLevels, asset)
		delete(e.regimes, asset)
		e.sim.RemoveAsset(asset)
		e.ofi.RemoveAsset(asset)
		e.hub.RemoveAsset(asset)
		e.logger.Info("asset retired by screener", "asset", asset)
	}

	e.assetCfgs = next
}

// drainLiveness reacts to feed connection transitions.
func (e *Engine) drainLiveness(ctx context.Context, now time.Time) {
	for {
		select {
		case evt := <-e.feed.Liveness():
			e.mu.Lock()
			switch evt {
			case types.ConnectionLost:
				if e.halt.Mode() == types.ModeActive {
					e.cancelAllLocked(ctx, "connection_lost")
					e.halt.EnterDark("connection_lost", now)
				}
			case types.ConnectionRestored:
				e.hub.Touch(now) // the stall clock restarts with the feed
				if e.halt.Mode() == types.ModeDark {
					e.triggerReconcile(ctx)
				}
			}
			e.mu.Unlock()
		default:
			return
		}
	}
}

// drainRealFills applies executions reported by the venue's fill stream.
// Called with e.mu held.
func (e *Engine) drainRealFills() {
	for {
		select {
		case fill := <-e.feed.Fills():
			// Attribute the fill to the grid level resting at that price.
			if key, ok := e.matchTracked(fill); ok {
				e.gateway.Drop([]types.LevelKey{key})
				if prev, exists := e.prevLevels[fill.Asset]; exists {
					delete(prev, key)
				}
			}
			if fill.RebateUSD == 0 {
				// Payload carried no fee; estimate with the configured
				// maker rate.
				fill.RebateUSD = fill.SizeUSD * e.cfg.Engine.MakerRebateRate
			}
			e.applyFill(fill)
		default:
			return
		}
	}
}

func (e *Engine) matchTracked(fill types.FillEvent) (types.LevelKey, bool) {
	for key, o := range e.gateway.Tracked() {
		if o.Asset == fill.Asset && o.Side == fill.Side &&
			math.Abs(o.Price-fill.Price) < 1e-9 {
			return key, true
		}
	}
	return "", false
}

// applySimFills collects simulator fills and applies them to inventory,
// stats and the shadow gateway mirror. Called with e.mu held.
func (e *Engine) applySimFills(ctx context.Context, now time.Time) {
	if !e.cfg.ShadowMode {
		return
	}
	for _, fill := range e.sim.CollectFills(now) {
		e.applyFill(fill)
		if e.simMirror != nil {
			e.simMirror.RecordFill(fill, e.inventory.Position(fill.Asset))
		}
		if prev, exists := e.prevLevels[fill.Asset]; exists {
			delete(prev, types.NewLevelKey(fill.Asset, fill.Side, fill.Tier))
		}
		if e.link != nil {
			f := fill
			go func() {
				pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				if err := e.link.PublishFill(pubCtx, f); err != nil {
					e.logger.Warn("publish fill failed", "error", err)
				}
			}()
		}
	}
}

// applyFill is the single bookkeeping path for every execution, simulated or
// real. Called with e.mu held.
func (e *Engine) applyFill(fill types.FillEvent) {
	realized := e.inventory.ApplyFill(fill)
	e.stats.Fills++
	e.stats.RealizedPnLUSD += realized
	e.stats.RebatesUSD += fill.RebateUSD
	e.stats.VolumeUSD += fill.SizeUSD

	e.logger.Info("fill",
		"asset", fill.Asset,
		"side", fill.Side,
		"tier", fill.Tier,
		"price", fill.Price,
		"size_usd", fill.SizeUSD,
		"rebate_usd", fill.RebateUSD,
		"realized_usd", realized,
		"simulated", fill.Simulated,
		"position_coins", e.inventory.Position(fill.Asset).SizeCoins,
	)

	if e.store != nil {
		pos := e.inventory.Position(fill.Asset)
		var err error
		if pos.SizeCoins == 0 {
			err = e.store.DeletePosition(fill.Asset)
		} else {
			err = e.store.SavePosition(pos)
		}
		if err != nil {
			e.logger.Error("persist position failed", "asset", fill.Asset, "error", err)
		}
	}
}

// triggerReconcile starts the reconciliation procedure unless one is
// already running. Called with e.mu held.
func (e *Engine) triggerReconcile(ctx context.Context) {
	if e.reconInFlight || e.halt.Mode() == types.ModeHalted {
		return
	}
	e.reconInFlight = true
	e.logger.Info("reconciliation started")

	go func() {
		snap, err := e.recon.Fetch(ctx)
		if err != nil {
			// Only context cancellation exits Fetch with an error; the
			// engine is shutting down and stays dark.
			e.mu.Lock()
			e.reconInFlight = false
			e.mu.Unlock()
			return
		}
		e.applyReconciliation(snap)
	}()
}

// applyReconciliation overwrites internal state with the authoritative
// snapshot and resumes quoting.
func (e *Engine) applyReconciliation(snap *types.AccountSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	diffs := recon.DiffInventory(e.inventory.SizeCoins(), snap)
	entries := make(map[string]types.Position, len(snap.Positions))
	for _, p := range snap.Positions {
		entries[p.Asset] = p
	}
	for _, d := range diffs {
		// A non-zero delta is a dark fill: log it with full context, then
		// let the authoritative value win.
		e.logger.Warn("dark fill detected during reconciliation", "diff", d.String())
		e.inventory.SetAuthoritative(d.Asset, d.AuthoritativeCoins, entries[d.Asset].EntryPrice)
		if e.store != nil {
			pos := e.inventory.Position(d.Asset)
			if pos.SizeCoins == 0 {
				e.store.DeletePosition(d.Asset)
			} else {
				e.store.SavePosition(pos)
			}
		}
	}

	stale := recon.StaleOrders(e.gateway.Tracked(), snap)
	if len(stale) > 0 {
		e.logger.Warn("dropping stale orders", "count", len(stale))
		e.gateway.Drop(stale)
		for _, key := range stale {
			for _, prev := range e.prevLevels {
				delete(prev, key)
			}
		}
	}

	e.reconInFlight = false
	e.darkFromStall = false
	e.stall.RecoveryObserved()
	if e.halt.Mode() == types.ModeDark {
		e.halt.LeaveDark(now)
	}
	e.logger.Info("reconciliation complete",
		"inventory_diffs", len(diffs),
		"stale_orders", len(stale),
		"balance_usd", snap.BalanceUSD,
	)
}

// cancelAllLocked pulls every resting order and clears quoting state.
// Called with e.mu held.
func (e *Engine) cancelAllLocked(ctx context.Context, reason string) {
	n, err := e.gateway.CancelAll(ctx)
	if err != nil {
		e.logger.Error("cancel all failed", "reason", reason, "error", err)
	} else {
		e.logger.Warn("cancelled all orders", "reason", reason, "count", n)
	}
	e.stats.Cancels += uint64(n)
	e.prevLevels = make(map[string]map[types.LevelKey]types.QuoteLevel)
	e.sim.Reset()
}

// checkSessionBoundary resets session accounting when the daily boundary
// passes. The new session's capital anchor is the previous session's closing
// equity, so the drawdown stop tracks the account rather than a stale
// constant. Called with e.mu held.
func (e *Engine) checkSessionBoundary(now time.Time) {
	boundary := time.Date(
		now.UTC().Year(), now.UTC().Month(), now.UTC().Day(),
		e.cfg.Engine.SessionResetHourUTC, 0, 0, 0, time.UTC,
	)
	if now.UTC().Before(boundary) {
		boundary = boundary.Add(-24 * time.Hour)
	}
	if !e.stats.SessionStart.Before(boundary) {
		return
	}

	closingEquity := e.stats.StartingCapitalUSD + e.stats.RealizedPnLUSD + e.stats.RebatesUSD
	e.logger.Info("session boundary",
		"closing_equity_usd", closingEquity,
		"realized_usd", e.stats.RealizedPnLUSD,
		"rebates_usd", e.stats.RebatesUSD,
		"fills", e.stats.Fills,
		"cancels", e.stats.Cancels,
	)
	e.stats.Reset(closingEquity, now)
	e.persistSessionLocked()
}

// drawdownLoop evaluates the drawdown stop on its own timer, independent of
// tick cadence, so a stalled tick loop cannot mask a breach.
func (e *Engine) drawdownLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Risk.DrawdownCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.mu.Lock()
			if e.halt.Mode() == types.ModeHalted {
				e.mu.Unlock()
				continue
			}
			if e.drawdown.Breached(e.stats, e.unrealizedLocked()) {
				e.halt.Halt("drawdown", now)
				e.cancelAllLocked(ctx, "drawdown")
			}
			e.persistSessionLocked()
			e.mu.Unlock()
		}
	}
}

// unrealizedLocked marks open inventory against current mids. Called with
// e.mu held.
func (e *Engine) unrealizedLocked() float64 {
	mids := make(map[string]float64, len(e.assetCfgs))
	for asset := range e.assetCfgs {
		if book, ok := e.hub.Book(asset); ok {
			mids[asset] = book.Mid()
		}
	}
	return e.inventory.UnrealizedPnLUSD(mids)
}

// Status is the engine's externally visible state, used by the telemetry
// reporter and tests.
type Status struct {
	SessionID       string
	Mode            types.EngineMode
	HaltReason      string
	Regimes         map[string]string
	Stats           risk.SessionStats
	UnrealizedUSD   float64
	CancelFillRatio float64
	Assets          int
}

// Snapshot returns a consistent copy of engine state.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	regimes := make(map[string]string, len(e.regimes))
	for asset, r := range e.regimes {
		regimes[asset] = r.Label
	}
	return Status{
		SessionID:       e.sessionID,
		Mode:            e.halt.Mode(),
		HaltReason:      e.halt.State().Reason,
		Regimes:         regimes,
		Stats:           e.stats.Snapshot(),
		UnrealizedUSD:   e.unrealizedLocked(),
		CancelFillRatio: e.stats.CancelFillRatio(),
		Assets:          len(e.assetCfgs),
	}
}

// Reset restarts a halted engine. This is the explicit external restart:
// nothing inside the engine ever calls it.
func (e *Engine) Reset(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.halt.Reset(now)
	e.stall.RecoveryObserved()
	e.darkFromStall = false
	e.hub.Touch(now)
	e.triggerReconcile(ctx)
}

func (e *Engine) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reportTelemetry(ctx)
		}
	}
}

func (e *Engine) reportTelemetry(ctx context.Context) {
	st := e.Snapshot()

	worst := types.RegimeCalm
	for _, label := range st.Regimes {
		if label == types.RegimeHalt {
			worst = label
			break
		}
		if label == types.RegimeUncertain {
			worst = label
		}
	}

	e.logger.Info("status",
		"mode", st.Mode.String(),
		"regime", worst,
		"daily_pnl_usd", st.Stats.DailyPnLUSD(st.UnrealizedUSD),
		"realized_usd", st.Stats.RealizedPnLUSD,
		"rebates_usd", st.Stats.RebatesUSD,
		"volume_usd", st.Stats.VolumeUSD,
		"fills", st.Stats.Fills,
		"cancels", st.Stats.Cancels,
		"cancel_fill_ratio", st.CancelFillRatio,
		"feed_latency", e.latency.Report(),
	)

	if e.link == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := e.link.PublishStatus(pubCtx, screener.StatusReport{
		SessionID:       st.SessionID,
		Mode:            st.Mode.String(),
		HaltReason:      st.HaltReason,
		Regime:          worst,
		Assets:          st.Assets,
		DailyPnLUSD:     st.Stats.DailyPnLUSD(st.UnrealizedUSD),
		RebatesUSD:      st.Stats.RebatesUSD,
		Cancels:         st.Stats.Cancels,
		Fills:           st.Stats.Fills,
		CancelFillRatio: st.CancelFillRatio,
		Time:            time.Now(),
	})
	if err != nil {
		e.logger.Warn("publish status failed", "error", err)
	}
}

func (e *Engine) fundingLoop(ctx context.Context) {
	ticker := time.NewTicker(fundingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rates, err := e.funding.FetchFundingRates(ctx)
			if err != nil {
				e.logger.Warn("funding poll failed", "error", err)
				continue
			}
			e.mu.Lock()
			for asset := range e.assetCfgs {
				if rate, ok := rates[asset]; ok {
					e.hub.SetFunding(asset, rate)
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) persistState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistSessionLocked()
}

// persistSessionLocked saves session accounting. Called with e.mu held.
func (e *Engine) persistSessionLocked() {
	if e.store == nil {
		return
	}
	err := e.store.SaveSession(store.SessionState{
		SessionStart:       e.stats.SessionStart,
		StartingCapitalUSD: e.stats.StartingCapitalUSD,
		RealizedPnLUSD:     e.stats.RealizedPnLUSD,
		RebatesUSD:         e.stats.RebatesUSD,
		VolumeUSD:          e.stats.VolumeUSD,
		Cancels:            e.stats.Cancels,
		Fills:              e.stats.Fills,
	})
	if err != nil {
		e.logger.Error("persist session failed", "error", err)
	}
}
