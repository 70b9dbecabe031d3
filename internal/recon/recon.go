// Package recon implements the state reconciliation procedure that runs
// after any feed discontinuity. While the engine is dark it will not quote;
// this package fetches the authoritative account state (with timeout and
// backoff, never resuming on unconfirmed state) and computes the diffs the
// orchestrator applies before leaving the dark state.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"perp-mm/pkg/types"
)

// StateClient fetches authoritative positions and open orders from the
// venue. The live gateway implements it over REST; the sim gateway returns
// its own book.
type StateClient interface {
	FetchAccountState(ctx context.Context) (*types.AccountSnapshot, error)
}

// Reconciler drives the fetch-with-backoff loop.
type Reconciler struct {
	client     StateClient
	timeout    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// New creates a reconciler. timeout bounds each individual fetch;
// maxBackoff caps the retry delay between failed fetches.
func New(client StateClient, timeout, maxBackoff time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		client:     client,
		timeout:    timeout,
		maxBackoff: maxBackoff,
		logger:     logger.With("component", "recon"),
	}
}

// Fetch retrieves the authoritative snapshot, retrying with exponential
// backoff until it succeeds or ctx is cancelled. A timed-out fetch retries;
// it never crashes the engine and never lets quoting resume unconfirmed.
func (r *Reconciler) Fetch(ctx context.Context) (*types.AccountSnapshot, error) {
	backoff := time.Second

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
		snap, err := r.client.FetchAccountState(fetchCtx)
		cancel()

		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		r.logger.Warn("authoritative fetch failed, staying dark",
			"error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

// InventoryDiff is one per-asset discrepancy between internal and
// authoritative position. Any non-zero delta is a dark fill: an execution
// that happened while nobody was telling us.
type InventoryDiff struct {
	Asset              string
	InternalCoins      float64
	AuthoritativeCoins float64
	DeltaCoins         float64
}

func (d InventoryDiff) String() string {
	return fmt.Sprintf("%s internal=%.6f authoritative=%.6f delta=%.6f",
		d.Asset, d.InternalCoins, d.AuthoritativeCoins, d.DeltaCoins)
}

// DiffInventory compares internally tracked positions (asset → signed coins)
// against the authoritative snapshot, over the union of assets. The
// authoritative value always wins, including an implicit zero for assets the
// venue no longer reports.
func DiffInventory(internal map[string]float64, snap *types.AccountSnapshot) []InventoryDiff {
	authoritative := make(map[string]float64, len(snap.Positions))
	for _, p := range snap.Positions {
		authoritative[p.Asset] = p.SizeCoins
	}

	assets := make(map[string]struct{}, len(internal)+len(authoritative))
	for a := range internal {
		assets[a] = struct{}{}
	}
	for a := range authoritative {
		assets[a] = struct{}{}
	}

	var diffs []InventoryDiff
	for asset := range assets {
		in := internal[asset]
		auth := authoritative[asset]
		if math.Abs(auth-in) <= 1e-9 {
			continue
		}
		diffs = append(diffs, InventoryDiff{
			Asset:              asset,
			InternalCoins:      in,
			AuthoritativeCoins: auth,
			DeltaCoins:         auth - in,
		})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Asset < diffs[j].Asset })
	return diffs
}

// StaleOrders returns the keys of internally tracked orders whose order ID
// is absent from the authoritative open-order set. Those orders no longer
// exist on the venue and must be discarded, not re-cancelled.
func StaleOrders(tracked map[types.LevelKey]types.OpenOrder, snap *types.AccountSnapshot) []types.LevelKey {
	live := make(map[string]struct{}, len(snap.OpenOrders))
	for _, o := range snap.OpenOrders {
		live[o.OrderID] = struct{}{}
	}

	var stale []types.LevelKey
	for key, o := range tracked {
		if _, ok := live[o.OrderID]; !ok {
			stale = append(stale, key)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale
}
