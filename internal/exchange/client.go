package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

// Client is the authenticated REST client for the venue. It serves two
// concerns: authoritative account state for reconciliation and order
// actions for live quoting.
type Client struct {
	http    *resty.Client
	signer  *Signer
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewClient creates a venue REST client. The signer may be nil in shadow
// mode, where only unauthenticated info queries are issued.
func NewClient(baseURL string, signer *Signer, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    http,
		signer:  signer,
		limiter: NewRateLimiter(),
		logger:  logger.With("component", "rest"),
	}
}

// Address returns the wallet address, or empty when unauthenticated.
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// Venue wire formats for the info endpoint.
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	AssetPositions []struct {
		Position struct {
			Coin     string `json:"coin"`
			Szi      string `json:"szi"` // signed size in coins
			EntryPx  string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}

type restOpenOrder struct {
	Coin    string `json:"coin"`
	Oid     int64  `json:"oid"`
	Side    string `json:"side"` // "B" bid, "A" ask
	LimitPx string `json:"limitPx"`
	Sz      string `json:"sz"`
}

// FetchAccountState queries the venue for balance, positions and open
// orders. This is the authoritative snapshot reconciliation diffs against.
func (c *Client) FetchAccountState(ctx context.Context) (*types.AccountSnapshot, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("account state requires a configured wallet")
	}
	if err := c.limiter.Info.Wait(ctx); err != nil {
		return nil, err
	}

	var state clearinghouseState
	if err := c.postInfo(ctx, infoRequest{Type: "clearinghouseState", User: c.signer.Address()}, &state); err != nil {
		return nil, fmt.Errorf("fetch clearinghouse state: %w", err)
	}

	var rawOrders []restOpenOrder
	if err := c.postInfo(ctx, infoRequest{Type: "openOrders", User: c.signer.Address()}, &rawOrders); err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	snap := &types.AccountSnapshot{
		FetchedAt: time.Now(),
	}

	balance, err := strconv.ParseFloat(state.MarginSummary.AccountValue, 64)
	if err != nil {
		return nil, fmt.Errorf("parse account value %q: %w", state.MarginSummary.AccountValue, err)
	}
	snap.BalanceUSD = balance

	for _, ap := range state.AssetPositions {
		szi, err := strconv.ParseFloat(ap.Position.Szi, 64)
		if err != nil || szi == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(ap.Position.EntryPx, 64)
		snap.Positions = append(snap.Positions, types.Position{
			Asset:      ap.Position.Coin,
			SizeCoins:  szi,
			EntryPrice: entry,
		})
	}

	for _, o := range rawOrders {
		px, err := strconv.ParseFloat(o.LimitPx, 64)
		if err != nil {
			continue
		}
		sz, _ := strconv.ParseFloat(o.Sz, 64)
		side := types.Bid
		if o.Side == "A" {
			side = types.Ask
		}
		snap.OpenOrders = append(snap.OpenOrders, types.OpenOrder{
			OrderID: strconv.FormatInt(o.Oid, 10),
			Asset:   o.Coin,
			Side:    side,
			Price:   px,
			SizeUSD: px * sz,
		})
	}

	return snap, nil
}

// FetchFundingRates returns the current hourly funding rate per asset.
func (c *Client) FetchFundingRates(ctx context.Context) (map[string]float64, error) {
	if err := c.limiter.Info.Wait(ctx); err != nil {
		return nil, err
	}

	// metaAndAssetCtxs returns [universe, contexts] as a two-element array.
	var raw []json.RawMessage
	if err := c.postInfo(ctx, infoRequest{Type: "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, fmt.Errorf("fetch asset contexts: %w", err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("unexpected asset context shape: %d elements", len(raw))
	}

	var meta struct {
		Universe []struct {
			Name string `json:"name"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, fmt.Errorf("unmarshal universe: %w", err)
	}

	var ctxs []struct {
		Funding string `json:"funding"`
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("unmarshal contexts: %w", err)
	}

	rates := make(map[string]float64, len(meta.Universe))
	for i, u := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		rate, err := strconv.ParseFloat(ctxs[i].Funding, 64)
		if err != nil {
			continue
		}
		rates[u.Name] = rate
	}
	return rates, nil
}

func (c *Client) postInfo(ctx context.Context, req infoRequest, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(out).
		Post("/info")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("info %s: status %d: %s", req.Type, resp.StatusCode(), resp.String())
	}
	return nil
}

// Order action wire formats for the exchange endpoint. Prices and sizes are
// decimal strings; the venue rejects floats with binary noise.
type orderWire struct {
	Coin     string `json:"coin"`
	IsBuy    bool   `json:"isBuy"`
	LimitPx  string `json:"limitPx"`
	Sz       string `json:"sz"`
	PostOnly bool   `json:"postOnly"`
}

type cancelWire struct {
	Coin string `json:"coin"`
	Oid  int64  `json:"oid"`
}

type exchangeRequest struct {
	Action    any              `json:"action"`
	Nonce     int64            `json:"nonce"`
	Signature *ActionSignature `json:"signature"`
}

type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Data struct {
			Statuses []struct {
				Resting struct {
					Oid int64 `json:"oid"`
				} `json:"resting"`
				Error string `json:"error"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// PlaceOrder submits a post-only limit order and returns the venue order ID.
// Size is converted from USD notional to coins at the limit price.
func (c *Client) PlaceOrder(ctx context.Context, asset string, side types.Side, price, sizeUSD float64) (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("order placement requires a configured wallet")
	}
	if err := c.limiter.Order.Wait(ctx); err != nil {
		return "", err
	}

	px := decimal.NewFromFloat(price)
	sz := decimal.NewFromFloat(sizeUSD).Div(px).Round(6)

	action := map[string]any{
		"type": "order",
		"orders": []orderWire{{
			Coin:     asset,
			IsBuy:    side == types.Bid,
			LimitPx:  px.String(),
			Sz:       sz.String(),
			PostOnly: true,
		}},
	}

	result, err := c.postAction(ctx, action)
	if err != nil {
		return "", fmt.Errorf("place %s %s: %w", asset, side, err)
	}
	if len(result.Response.Data.Statuses) == 0 {
		return "", fmt.Errorf("place %s %s: empty status response", asset, side)
	}
	st := result.Response.Data.Statuses[0]
	if st.Error != "" {
		return "", fmt.Errorf("place %s %s: venue rejected: %s", asset, side, st.Error)
	}
	return strconv.FormatInt(st.Resting.Oid, 10), nil
}

// CancelOrder cancels a single resting order.
func (c *Client) CancelOrder(ctx context.Context, asset, orderID string) error {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse order id %q: %w", orderID, err)
	}
	if err := c.limiter.Cancel.Wait(ctx); err != nil {
		return err
	}

	action := map[string]any{
		"type":    "cancel",
		"cancels": []cancelWire{{Coin: asset, Oid: oid}},
	}
	if _, err := c.postAction(ctx, action); err != nil {
		return fmt.Errorf("cancel %s/%s: %w", asset, orderID, err)
	}
	return nil
}

// CancelAll fetches open orders and cancels them in one batch action.
// Returns the number of orders cancelled.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	snap, err := c.FetchAccountState(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	if len(snap.OpenOrders) == 0 {
		return 0, nil
	}

	cancels := make([]cancelWire, 0, len(snap.OpenOrders))
	for _, o := range snap.OpenOrders {
		oid, err := strconv.ParseInt(o.OrderID, 10, 64)
		if err != nil {
			continue
		}
		cancels = append(cancels, cancelWire{Coin: o.Asset, Oid: oid})
	}

	if err := c.limiter.Cancel.Wait(ctx); err != nil {
		return 0, err
	}
	action := map[string]any{"type": "cancel", "cancels": cancels}
	if _, err := c.postAction(ctx, action); err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	return len(cancels), nil
}

func (c *Client) postAction(ctx context.Context, action any) (*exchangeResponse, error) {
	nonce := time.Now().UnixMilli()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return nil, err
	}

	var result exchangeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(exchangeRequest{Action: action, Nonce: nonce, Signature: sig}).
		SetResult(&result).
		Post("/exchange")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Status != "ok" {
		return nil, fmt.Errorf("venue status %q", result.Status)
	}
	return &result, nil
}
