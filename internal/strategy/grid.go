package strategy

import (
	"math"

	"perp-mm/pkg/types"
)

// Tier geometry. Offsets are multiples of the effective half-spread, sizes
// are multiples of the base order size. Tier 1 is tightest and smallest.
var (
	tierOffsets = [3]float64{1.0, 2.5, 5.0}
	tierSizes   = [3]float64{1.0, 2.0, 3.0}
)

// skewGain scales how hard inventory pushes the grid. At full inventory the
// raw shift is 1.5× the effective half-spread before the profitability cap.
const skewGain = 1.5

// minExitDistanceBps keeps the unwind side far enough from mid that a fill
// still clears maker fees.
const minExitDistanceBps = 1.5

// defaultBaseSizeUSD is the tier-1 notional when the screener's minimum is
// smaller. Tuned for venue minimums of around 10 USD.
const defaultBaseSizeUSD = 12.0

// GridEngine turns (mid, config, inventory, regime multiplier) into the
// target quote levels per side. It is deterministic: identical inputs
// produce identical levels, which is what makes the per-tick level diff
// meaningful.
type GridEngine struct {
	maxTiers int
}

// NewGridEngine creates a grid engine quoting up to maxTiers per side.
func NewGridEngine(maxTiers int) *GridEngine {
	if maxTiers < 1 {
		maxTiers = 1
	}
	if maxTiers > len(tierOffsets) {
		maxTiers = len(tierOffsets)
	}
	return &GridEngine{maxTiers: maxTiers}
}

// Compute returns the target grid for one asset. A suppressed side comes
// back empty; inventory alone never empties the grid: at |skew| = 1 the
// engine still quotes both sides, shifted toward the exit.
//
// Long inventory shifts every price on BOTH sides down: bids retreat
// (discourage buying) and asks sweeten (encourage maker-side selling).
// Short inventory shifts symmetrically up.
func (g *GridEngine) Compute(
	mid float64,
	cfg types.AssetConfig,
	inventoryUSD float64,
	regimeMultiplier float64,
	suppressBid, suppressAsk bool,
) []types.QuoteLevel {
	if mid <= 0 || cfg.Regime == types.RegimeHalt {
		return nil
	}

	baseHalfSpread := mid * cfg.BaseSpreadBps / 10_000
	effSpread := baseHalfSpread * regimeMultiplier

	skew := inventoryUSD / cfg.MaxInventoryUSD
	skew = clamp(skew, -1, 1)
	shift := skew * effSpread * skewGain

	// Cap the shift so the exit side never comes closer to mid than the
	// maker-profitability floor.
	minDistance := mid * minExitDistanceBps / 10_000
	maxShift := math.Max(effSpread-minDistance, 0)
	shift = clamp(shift, -maxShift, maxShift)

	baseSize := math.Max(cfg.MinOrderUSD, defaultBaseSizeUSD)

	levels := make([]types.QuoteLevel, 0, g.maxTiers*2)
	for i := 0; i < g.maxTiers; i++ {
		tier := i + 1
		offset := effSpread * tierOffsets[i]
		size := baseSize * tierSizes[i]

		if !suppressBid {
			price := snapToTick(mid-offset-shift, cfg.TickSize)
			if price > 0 {
				levels = append(levels, types.QuoteLevel{
					Key:     types.NewLevelKey(cfg.Asset, types.Bid, tier),
					Asset:   cfg.Asset,
					Side:    types.Bid,
					Tier:    tier,
					Price:   price,
					SizeUSD: size,
				})
			}
		}

		if !suppressAsk {
			price := snapToTick(mid+offset-shift, cfg.TickSize)
			// Sanity: a shifted ask must stay above mid, or we'd cross.
			if price > mid {
				levels = append(levels, types.QuoteLevel{
					Key:     types.NewLevelKey(cfg.Asset, types.Ask, tier),
					Asset:   cfg.Asset,
					Side:    types.Ask,
					Tier:    tier,
					Price:   price,
					SizeUSD: size,
				})
			}
		}
	}

	return levels
}

// snapToTick rounds a price to the nearest valid tick.
func snapToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
