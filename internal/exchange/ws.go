// ws.go implements the market data feed adapter.
//
// One WebSocket connection subscribes to the venue's l2Book and trades
// channels for every configured asset. Parsed events are delivered on typed
// channels the orchestrator drains at the start of each tick; the connection
// itself reconnects on its own with exponential backoff (1s → 32s max).
//
// Liveness contract: the adapter emits ConnectionLost when the socket drops
// and ConnectionRestored once it has reconnected and re-subscribed. The
// engine treats Lost as entry into the dark state and Restored as the
// trigger for reconciliation.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-mm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // keep-alive cadence
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 32 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	bookBufferSize   = 256
	tradeBufferSize  = 512
	livenessBuffer   = 8
)

// Feed manages the venue WebSocket connection and fans events out to the
// engine. All channels are buffered; a full channel drops the event with a
// warning rather than blocking the read loop.
type Feed struct {
	url      string
	assets   []string
	userAddr string // when set, userFills is subscribed too

	conn   *websocket.Conn
	connMu sync.Mutex

	bookCh     chan types.BookSnapshot
	tradeCh    chan types.TradePrint
	fillCh     chan types.FillEvent
	livenessCh chan types.LivenessEvent

	logger *slog.Logger
}

// NewFeed creates a feed adapter for the given assets. userAddr may be empty
// (shadow mode); when set, the adapter also subscribes to the wallet's fill
// stream.
func NewFeed(wsURL string, assets []string, userAddr string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		assets:     assets,
		userAddr:   userAddr,
		bookCh:     make(chan types.BookSnapshot, bookBufferSize),
		tradeCh:    make(chan types.TradePrint, tradeBufferSize),
		fillCh:     make(chan types.FillEvent, tradeBufferSize),
		livenessCh: make(chan types.LivenessEvent, livenessBuffer),
		logger:     logger.With("component", "feed"),
	}
}

// Books returns the read-only channel of top-of-book snapshots.
func (f *Feed) Books() <-chan types.BookSnapshot { return f.bookCh }

// Trades returns the read-only channel of trade prints.
func (f *Feed) Trades() <-chan types.TradePrint { return f.tradeCh }

// Fills returns the read-only channel of our own executions. Only delivers
// when a user address was configured.
func (f *Feed) Fills() <-chan types.FillEvent { return f.fillCh }

// Liveness returns the read-only channel of connection transitions.
func (f *Feed) Liveness() <-chan types.LivenessEvent { return f.livenessCh }

// Run connects and maintains the WebSocket with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	first := true

	for {
		err := f.connectAndRead(ctx, first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false

		f.emitLiveness(types.ConnectionLost)
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context, first bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "assets", len(f.assets))
	if !first {
		// Reconnect: the engine must reconcile before quoting again.
		f.emitLiveness(types.ConnectionRestored)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// wsSubscription is the venue's subscribe payload.
type wsSubscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

func (f *Feed) subscribeAll() error {
	for _, asset := range f.assets {
		for _, channel := range []string{"l2Book", "trades"} {
			req := wsRequest{
				Method:       "subscribe",
				Subscription: &wsSubscription{Type: channel, Coin: asset},
			}
			if err := f.writeJSON(req); err != nil {
				return err
			}
		}
	}
	if f.userAddr != "" {
		req := wsRequest{
			Method:       "subscribe",
			Subscription: &wsSubscription{Type: "userFills", User: f.userAddr},
		}
		if err := f.writeJSON(req); err != nil {
			return err
		}
	}
	return nil
}

// Venue wire formats. Prices and sizes arrive as strings.
type wsL2Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type wsL2Book struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]wsL2Level `json:"levels"` // [bids desc, asks asc]
}

type wsTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"` // "B" taker buy, "A" taker sell
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Channel {
	case "l2Book":
		var book wsL2Book
		if err := json.Unmarshal(envelope.Data, &book); err != nil {
			f.logger.Error("unmarshal l2Book", "error", err)
			return
		}
		snap, ok := book.toSnapshot()
		if !ok {
			return
		}
		select {
		case f.bookCh <- snap:
		default:
			f.logger.Warn("book channel full, dropping event", "asset", snap.Asset)
		}

	case "trades":
		var trades []wsTrade
		if err := json.Unmarshal(envelope.Data, &trades); err != nil {
			f.logger.Error("unmarshal trades", "error", err)
			return
		}
		for _, t := range trades {
			tp, ok := t.toPrint()
			if !ok {
				continue
			}
			select {
			case f.tradeCh <- tp:
			default:
				f.logger.Warn("trade channel full, dropping event", "asset", tp.Asset)
			}
		}

	case "userFills":
		var fills wsUserFills
		if err := json.Unmarshal(envelope.Data, &fills); err != nil {
			f.logger.Error("unmarshal userFills", "error", err)
			return
		}
		if fills.IsSnapshot {
			return // historical backfill, already accounted for
		}
		for _, wf := range fills.Fills {
			fill, ok := wf.toFill()
			if !ok {
				continue
			}
			select {
			case f.fillCh <- fill:
			default:
				f.logger.Warn("fill channel full, dropping event", "asset", fill.Asset)
			}
		}

	case "subscriptionResponse", "pong":
		// Acknowledgements, nothing to route.

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

func (b wsL2Book) toSnapshot() (types.BookSnapshot, bool) {
	if len(b.Levels) < 2 || len(b.Levels[0]) == 0 || len(b.Levels[1]) == 0 {
		return types.BookSnapshot{}, false
	}
	bid, err1 := strconv.ParseFloat(b.Levels[0][0].Px, 64)
	ask, err2 := strconv.ParseFloat(b.Levels[1][0].Px, 64)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		return types.BookSnapshot{}, false
	}
	return types.BookSnapshot{
		Asset:   b.Coin,
		BestBid: bid,
		BestAsk: ask,
		Time:    time.UnixMilli(b.Time),
	}, true
}

func (t wsTrade) toPrint() (types.TradePrint, bool) {
	px, err1 := strconv.ParseFloat(t.Px, 64)
	sz, err2 := strconv.ParseFloat(t.Sz, 64)
	if err1 != nil || err2 != nil || px <= 0 || sz <= 0 {
		return types.TradePrint{}, false
	}
	return types.TradePrint{
		Asset: t.Coin,
		Price: px,
		Size:  sz,
		IsBuy: t.Side == "B",
		Time:  time.UnixMilli(t.Time),
	}, true
}

type wsUserFills struct {
	IsSnapshot bool         `json:"isSnapshot"`
	Fills      []wsUserFill `json:"fills"`
}

type wsUserFill struct {
	Coin string `json:"coin"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Side string `json:"side"` // "B" means we bought
	Time int64  `json:"time"`
	Fee  string `json:"fee"` // USD; negative for a maker rebate
}

func (wf wsUserFill) toFill() (types.FillEvent, bool) {
	px, err1 := strconv.ParseFloat(wf.Px, 64)
	sz, err2 := strconv.ParseFloat(wf.Sz, 64)
	if err1 != nil || err2 != nil || px <= 0 || sz <= 0 {
		return types.FillEvent{}, false
	}
	side := types.Bid
	if wf.Side == "A" {
		side = types.Ask
	}
	fill := types.FillEvent{
		Asset:   wf.Coin,
		Side:    side,
		Price:   px,
		SizeUSD: px * sz,
		Time:    time.UnixMilli(wf.Time),
	}
	// The venue reports what we paid; a rebate is a negative fee. A missing
	// or malformed fee leaves RebateUSD zero and the engine estimates it.
	if fee, err := strconv.ParseFloat(wf.Fee, 64); err == nil {
		fill.RebateUSD = -fee
	}
	return fill, true
}

func (f *Feed) emitLiveness(evt types.LivenessEvent) {
	select {
	case f.livenessCh <- evt:
	default:
		f.logger.Warn("liveness channel full, dropping event")
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(wsRequest{Method: "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
