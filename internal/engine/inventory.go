package engine

import (
	"math"

	"perp-mm/pkg/types"
)

// Inventory is the engine's internal position book, tracked as signed coin
// sizes with a volume-weighted entry price per asset. Not internally locked;
// the engine serializes all access under its own mutex.
type Inventory struct {
	positions map[string]types.Position
}

// NewInventory creates an empty position book.
func NewInventory() *Inventory {
	return &Inventory{positions: make(map[string]types.Position)}
}

// Restore seeds the book from persisted or authoritative positions.
func (inv *Inventory) Restore(positions map[string]types.Position) {
	inv.positions = make(map[string]types.Position, len(positions))
	for asset, pos := range positions {
		if pos.SizeCoins != 0 {
			inv.positions[asset] = pos
		}
	}
}

// Position returns the current position for an asset. The zero value means
// flat.
func (inv *Inventory) Position(asset string) types.Position {
	return inv.positions[asset]
}

// Positions returns a copy of the full book.
func (inv *Inventory) Positions() map[string]types.Position {
	out := make(map[string]types.Position, len(inv.positions))
	for asset, pos := range inv.positions {
		out[asset] = pos
	}
	return out
}

// SizeCoins returns the signed coin position per asset, for reconciliation.
func (inv *Inventory) SizeCoins() map[string]float64 {
	out := make(map[string]float64, len(inv.positions))
	for asset, pos := range inv.positions {
		out[asset] = pos.SizeCoins
	}
	return out
}

// NotionalUSD marks the position to the given mid.
func (inv *Inventory) NotionalUSD(asset string, mid float64) float64 {
	return inv.positions[asset].SizeCoins * mid
}

// UnrealizedPnLUSD marks open positions against current mids. Assets with no
// mid available are skipped.
func (inv *Inventory) UnrealizedPnLUSD(mids map[string]float64) float64 {
	total := 0.0
	for asset, pos := range inv.positions {
		mid, ok := mids[asset]
		if !ok || mid <= 0 {
			continue
		}
		total += (mid - pos.EntryPrice) * pos.SizeCoins
	}
	return total
}

// ApplyFill updates the book for one fill and returns the realized PnL in
// USD. Bid fills add coins, ask fills remove them. Entry price is
// volume-weighted when adding; reducing realizes PnL against the entry, and
// crossing through flat re-opens at the fill price.
func (inv *Inventory) ApplyFill(fill types.FillEvent) float64 {
	if fill.Price <= 0 || fill.SizeUSD <= 0 {
		return 0
	}

	delta := fill.SizeUSD / fill.Price
	if fill.Side == types.Ask {
		delta = -delta
	}

	pos := inv.positions[fill.Asset]
	pos.Asset = fill.Asset

	realized := 0.0
	switch {
	case pos.SizeCoins == 0 || sameSign(pos.SizeCoins, delta):
		// Opening or adding: blend the entry price by size.
		total := pos.SizeCoins + delta
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.SizeCoins) + fill.Price*math.Abs(delta)) / math.Abs(total)
		pos.SizeCoins = total

	case math.Abs(delta) <= math.Abs(pos.SizeCoins):
		// Reducing: realize against entry on the closed portion.
		closed := math.Abs(delta)
		if pos.SizeCoins > 0 {
			realized = (fill.Price - pos.EntryPrice) * closed
		} else {
			realized = (pos.EntryPrice - fill.Price) * closed
		}
		pos.SizeCoins += delta

	default:
		// Crossing through flat: close the whole position, re-open the
		// remainder at the fill price.
		closed := math.Abs(pos.SizeCoins)
		if pos.SizeCoins > 0 {
			realized = (fill.Price - pos.EntryPrice) * closed
		} else {
			realized = (pos.EntryPrice - fill.Price) * closed
		}
		pos.SizeCoins += delta
		pos.EntryPrice = fill.Price
	}

	if pos.SizeCoins == 0 {
		delete(inv.positions, fill.Asset)
	} else {
		inv.positions[fill.Asset] = pos
	}
	return realized
}

// SetAuthoritative overwrites one asset's position with the venue's view.
// A zero size clears the asset.
func (inv *Inventory) SetAuthoritative(asset string, sizeCoins, entryPrice float64) {
	if sizeCoins == 0 {
		delete(inv.positions, asset)
		return
	}
	inv.positions[asset] = types.Position{
		Asset:      asset,
		SizeCoins:  sizeCoins,
		EntryPrice: entryPrice,
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
