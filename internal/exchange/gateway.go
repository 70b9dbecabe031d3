package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-mm/pkg/types"
)

// OrderGateway is the engine's write path to the venue. The live
// implementation signs and submits real actions; the shadow implementation
// records intents without touching the network so the fill simulator can own
// execution.
type OrderGateway interface {
	// Apply executes a batch of order intents, returning one result per
	// intent in the same order. Failures are isolated per intent.
	Apply(ctx context.Context, intents []types.OrderIntent) []types.IntentResult

	// CancelAll pulls every resting order. Used on halt and shutdown.
	CancelAll(ctx context.Context) (int, error)

	// Tracked returns the orders the gateway believes are resting, keyed by
	// grid level. Reconciliation diffs this against the venue.
	Tracked() map[types.LevelKey]types.OpenOrder

	// Drop forgets tracked orders the venue no longer knows about.
	Drop(keys []types.LevelKey)
}

// LiveGateway submits real signed orders through the REST client.
type LiveGateway struct {
	client *Client
	logger *slog.Logger

	mu      sync.Mutex
	tracked map[types.LevelKey]types.OpenOrder
}

// NewLiveGateway wraps an authenticated REST client.
func NewLiveGateway(client *Client, logger *slog.Logger) *LiveGateway {
	return &LiveGateway{
		client:  client,
		logger:  logger.With("component", "gateway"),
		tracked: make(map[types.LevelKey]types.OpenOrder),
	}
}

func (g *LiveGateway) Apply(ctx context.Context, intents []types.OrderIntent) []types.IntentResult {
	results := make([]types.IntentResult, 0, len(intents))
	for _, intent := range intents {
		results = append(results, g.applyOne(ctx, intent))
	}
	return results
}

func (g *LiveGateway) applyOne(ctx context.Context, intent types.OrderIntent) types.IntentResult {
	res := types.IntentResult{Key: intent.Key, Op: intent.Op}

	switch intent.Op {
	case types.OpPlace:
		oid, err := g.client.PlaceOrder(ctx, intent.Asset, intent.Side, intent.Price, intent.SizeUSD)
		if err != nil {
			res.Err = err.Error()
			return res
		}
		res.OK = true
		res.OrderID = oid
		g.track(intent, oid)

	case types.OpReplace:
		// Cancel first so the venue never holds two orders at one level.
		if old, ok := g.lookup(intent.Key); ok {
			if err := g.client.CancelOrder(ctx, intent.Asset, old.OrderID); err != nil {
				res.Err = "replace cancel leg: " + err.Error()
				return res
			}
			g.untrack(intent.Key)
		}
		oid, err := g.client.PlaceOrder(ctx, intent.Asset, intent.Side, intent.Price, intent.SizeUSD)
		if err != nil {
			res.Err = "replace place leg: " + err.Error()
			return res
		}
		res.OK = true
		res.OrderID = oid
		g.track(intent, oid)

	case types.OpCancel:
		old, ok := g.lookup(intent.Key)
		if !ok {
			res.OK = true // already gone
			return res
		}
		if err := g.client.CancelOrder(ctx, intent.Asset, old.OrderID); err != nil {
			res.Err = err.Error()
			return res
		}
		res.OK = true
		g.untrack(intent.Key)

	default:
		res.Err = fmt.Sprintf("unknown intent op %q", intent.Op)
	}

	return res
}

func (g *LiveGateway) CancelAll(ctx context.Context) (int, error) {
	n, err := g.client.CancelAll(ctx)
	if err != nil {
		return n, err
	}
	g.mu.Lock()
	g.tracked = make(map[types.LevelKey]types.OpenOrder)
	g.mu.Unlock()
	return n, nil
}

func (g *LiveGateway) Tracked() map[types.LevelKey]types.OpenOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[types.LevelKey]types.OpenOrder, len(g.tracked))
	for k, v := range g.tracked {
		out[k] = v
	}
	return out
}

func (g *LiveGateway) Drop(keys []types.LevelKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		delete(g.tracked, k)
	}
}

func (g *LiveGateway) track(intent types.OrderIntent, oid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracked[intent.Key] = types.OpenOrder{
		OrderID: oid,
		Asset:   intent.Asset,
		Side:    intent.Side,
		Price:   intent.Price,
		SizeUSD: intent.SizeUSD,
	}
}

func (g *LiveGateway) untrack(key types.LevelKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tracked, key)
}

func (g *LiveGateway) lookup(key types.LevelKey) (types.OpenOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.tracked[key]
	return o, ok
}

// SimGateway mirrors gateway state in memory for shadow mode. It never
// touches the network. It doubles as the authoritative state source for
// reconciliation, so shadow-mode reconciles exercise the same code path as
// live ones against a mirror the engine itself maintains.
type SimGateway struct {
	mu       sync.Mutex
	tracked  map[types.LevelKey]types.OpenOrder
	position map[string]types.Position
	balance  float64
	logger   *slog.Logger
}

// NewSimGateway creates a shadow gateway seeded with the configured capital.
func NewSimGateway(startingCapitalUSD float64, logger *slog.Logger) *SimGateway {
	return &SimGateway{
		tracked:  make(map[types.LevelKey]types.OpenOrder),
		position: make(map[string]types.Position),
		balance:  startingCapitalUSD,
		logger:   logger.With("component", "gateway", "mode", "shadow"),
	}
}

func (g *SimGateway) Apply(_ context.Context, intents []types.OrderIntent) []types.IntentResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	results := make([]types.IntentResult, 0, len(intents))
	for _, intent := range intents {
		res := types.IntentResult{Key: intent.Key, Op: intent.Op, OK: true}
		switch intent.Op {
		case types.OpPlace, types.OpReplace:
			res.OrderID = uuid.NewString()
			g.tracked[intent.Key] = types.OpenOrder{
				OrderID: res.OrderID,
				Asset:   intent.Asset,
				Side:    intent.Side,
				Price:   intent.Price,
				SizeUSD: intent.SizeUSD,
			}
		case types.OpCancel:
			delete(g.tracked, intent.Key)
		}
		results = append(results, res)
	}
	return results
}

func (g *SimGateway) CancelAll(_ context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.tracked)
	g.tracked = make(map[types.LevelKey]types.OpenOrder)
	return n, nil
}

func (g *SimGateway) Tracked() map[types.LevelKey]types.OpenOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[types.LevelKey]types.OpenOrder, len(g.tracked))
	for k, v := range g.tracked {
		out[k] = v
	}
	return out
}

func (g *SimGateway) Drop(keys []types.LevelKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		delete(g.tracked, k)
	}
}

// RecordFill removes the filled level and updates the mirrored position so
// shadow-mode reconciles see a consistent account.
func (g *SimGateway) RecordFill(fill types.FillEvent, pos types.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tracked, types.NewLevelKey(fill.Asset, fill.Side, fill.Tier))
	if pos.SizeCoins == 0 {
		delete(g.position, fill.Asset)
	} else {
		g.position[fill.Asset] = pos
	}
	g.balance += fill.RebateUSD
}

// SetBalance overwrites the mirrored account balance.
func (g *SimGateway) SetBalance(usd float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance = usd
}

// FetchAccountState returns the mirrored account. Implements the same
// interface as the live REST client so reconciliation is mode-agnostic.
func (g *SimGateway) FetchAccountState(_ context.Context) (*types.AccountSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &types.AccountSnapshot{
		BalanceUSD: g.balance,
		FetchedAt:  time.Now(),
	}
	assets := make([]string, 0, len(g.position))
	for asset := range g.position {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		snap.Positions = append(snap.Positions, g.position[asset])
	}

	keys := make([]string, 0, len(g.tracked))
	byKey := make(map[string]types.OpenOrder, len(g.tracked))
	for k, o := range g.tracked {
		keys = append(keys, string(k))
		byKey[string(k)] = o
	}
	sort.Strings(keys)
	for _, k := range keys {
		snap.OpenOrders = append(snap.OpenOrders, byKey[k])
	}
	return snap, nil
}
