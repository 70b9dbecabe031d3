// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: asset configs,
// market data events, quote levels, order intents, and account state. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// Side is the resting side of a quote: bid or ask.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Regime labels published by the screener and produced by the classifier.
const (
	RegimeCalm      = "calm"
	RegimeUncertain = "uncertain"
	RegimeHalt      = "halt"
)

// EngineMode is the global quoting state of the engine.
//
//   - ModeActive: normal quoting.
//   - ModeDark:   feed discontinuity detected; no new quotes until
//     reconciliation completes.
//   - ModeHalted: a fatal breaker fired; terminal until an explicit reset.
type EngineMode int

const (
	ModeActive EngineMode = iota
	ModeDark
	ModeHalted
)

func (m EngineMode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeDark:
		return "dark"
	case ModeHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// HaltState couples the engine mode with the reason it was entered.
// Transitions are serialized by the engine; ModeHalted never auto-clears.
type HaltState struct {
	Mode   EngineMode
	Reason string
	Since  time.Time
}

// AssetConfig is the per-asset quoting configuration published by the
// external screener. Immutable within a tick; the engine swaps whole values
// when an update arrives.
type AssetConfig struct {
	Asset string `json:"asset"`
	// Minimum price increment for the asset.
	TickSize float64 `json:"tick_size"`
	// Minimum order size in USD notional.
	MinOrderUSD float64 `json:"min_order_usd"`
	// Maximum inventory the engine is willing to hold, in USD notional.
	MaxInventoryUSD float64 `json:"max_inv_usd"`
	// Base half-spread in basis points at neutral inventory (tier 1).
	BaseSpreadBps float64 `json:"base_spread_bps"`
	// Rolling realized volatility as a fraction of price (e.g. 0.002 = 0.2%).
	ATRFraction float64 `json:"atr_fraction"`
	// Screener-assigned regime: calm, uncertain, or halt.
	Regime string `json:"regime"`
}

// DefaultAssetConfig returns the built-in defaults used until the first
// screener update ever arrives.
func DefaultAssetConfig(asset string) AssetConfig {
	return AssetConfig{
		Asset:           asset,
		TickSize:        0.1,
		MinOrderUSD:     10.0,
		MaxInventoryUSD: 20.0,
		BaseSpreadBps:   1.5,
		ATRFraction:     0.002,
		Regime:          RegimeCalm,
	}
}

// Validate checks the config invariants.
func (c AssetConfig) Validate() error {
	if c.Asset == "" {
		return fmt.Errorf("asset name is empty")
	}
	if c.TickSize <= 0 {
		return fmt.Errorf("%s: tick_size must be > 0", c.Asset)
	}
	if c.MaxInventoryUSD <= 0 {
		return fmt.Errorf("%s: max_inv_usd must be > 0", c.Asset)
	}
	if c.MinOrderUSD > c.MaxInventoryUSD {
		return fmt.Errorf("%s: min_order_usd %.2f exceeds max_inv_usd %.2f",
			c.Asset, c.MinOrderUSD, c.MaxInventoryUSD)
	}
	return nil
}

// BookSnapshot is the top of book for one asset at one instant. Owned
// transiently by the engine for a tick; superseded, never mutated.
type BookSnapshot struct {
	Asset   string
	BestBid float64
	BestAsk float64
	Time    time.Time
}

// Mid returns the arithmetic mid price, or 0 if either side is missing.
func (b BookSnapshot) Mid() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 {
		return 0
	}
	return (b.BestBid + b.BestAsk) / 2
}

// TradePrint is a single taker trade observed on the public feed.
type TradePrint struct {
	Asset string
	Price float64
	Size  float64
	// IsBuy is true when the aggressor was a taker buy.
	IsBuy bool
	Time  time.Time
}

// NotionalUSD returns the trade's USD volume.
func (t TradePrint) NotionalUSD() float64 { return t.Price * t.Size }

// FillEvent is a confirmed execution against one of our resting orders,
// real (user feed) or simulated (shadow mode).
type FillEvent struct {
	Asset     string
	Side      Side
	Tier      int
	Price     float64
	SizeUSD   float64
	RebateUSD float64
	Simulated bool
	Time      time.Time
}

// Liveness signals emitted by the feed adapter.
type LivenessEvent int

const (
	ConnectionLost LivenessEvent = iota
	ConnectionRestored
)

// LevelKey is the stable identity of a grid slot: (asset, side, tier).
// It is how the engine recognizes "this target already has a resting order"
// across ticks, and how the fill simulator avoids phantom re-registrations.
type LevelKey string

// NewLevelKey builds the canonical key for a grid slot.
func NewLevelKey(asset string, side Side, tier int) LevelKey {
	return LevelKey(fmt.Sprintf("%s/%s/L%d", asset, side, tier))
}

// QuoteLevel is one target resting order in the grid.
type QuoteLevel struct {
	Key     LevelKey
	Asset   string
	Side    Side
	Tier    int // 1 = tightest
	Price   float64
	SizeUSD float64
}

// IntentOp is the action requested from the order gateway for one level.
type IntentOp string

const (
	OpPlace   IntentOp = "place"
	OpReplace IntentOp = "replace"
	OpCancel  IntentOp = "cancel"
)

// OrderIntent is one instruction emitted by the engine's per-tick diff.
// PostOnly is always set by the quoting path: the engine never crosses.
type OrderIntent struct {
	Op       IntentOp
	Asset    string
	Key      LevelKey
	Side     Side
	Tier     int
	Price    float64
	SizeUSD  float64
	PostOnly bool
}

// IntentResult is the gateway's per-intent outcome. Gateways report failures
// per intent rather than failing a batch silently.
type IntentResult struct {
	Key     LevelKey
	Op      IntentOp
	OK      bool
	OrderID string
	Err     string
}

// Position is one authoritative exchange position.
type Position struct {
	Asset string
	// SizeCoins is signed: positive = long, negative = short.
	SizeCoins  float64
	EntryPrice float64
}

// OpenOrder is one authoritative resting order.
type OpenOrder struct {
	OrderID string
	Asset   string
	Side    Side
	Price   float64
	SizeUSD float64
}

// AccountSnapshot is the authoritative external state fetched during
// reconciliation. Internal state is advisory; this always wins.
type AccountSnapshot struct {
	BalanceUSD float64
	Positions  []Position
	OpenOrders []OpenOrder
	FetchedAt  time.Time
}
