// Package screener connects the engine to the external asset screener over
// Redis pub/sub. The screener decides which assets to quote and with what
// parameters; this package only transports its decisions and publishes
// engine telemetry back.
package screener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"perp-mm/pkg/types"
)

const (
	// Pub/sub channels shared with the screener process.
	ChannelAssetConfig  = "mm:asset_config"
	ChannelShadowFills  = "mm:shadow_fills"
	ChannelEngineStatus = "mm:engine_status"

	configBufferSize = 16
)

// Link owns the Redis connection for both directions.
type Link struct {
	rdb      *redis.Client
	configCh chan []types.AssetConfig
	logger   *slog.Logger
}

// New connects to Redis using a redis:// URL.
func New(redisURL string, logger *slog.Logger) (*Link, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Link{
		rdb:      redis.NewClient(opts),
		configCh: make(chan []types.AssetConfig, configBufferSize),
		logger:   logger.With("component", "screener"),
	}, nil
}

// Ping verifies the connection.
func (l *Link) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Configs returns the channel of asset config batches. Each message from the
// screener is a full replacement set, not a delta.
func (l *Link) Configs() <-chan []types.AssetConfig { return l.configCh }

// Run subscribes to the asset config channel and forwards validated batches
// until ctx is cancelled. go-redis resubscribes transparently on connection
// loss, so no reconnect loop is needed here.
func (l *Link) Run(ctx context.Context) error {
	sub := l.rdb.Subscribe(ctx, ChannelAssetConfig)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelAssetConfig, err)
	}
	l.logger.Info("subscribed to screener", "channel", ChannelAssetConfig)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			l.handleConfigMessage(msg.Payload)
		}
	}
}

func (l *Link) handleConfigMessage(payload string) {
	var configs []types.AssetConfig
	if err := json.Unmarshal([]byte(payload), &configs); err != nil {
		l.logger.Error("malformed asset config message", "error", err)
		return
	}

	valid := configs[:0]
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			l.logger.Warn("rejecting asset config", "asset", cfg.Asset, "error", err)
			continue
		}
		valid = append(valid, cfg)
	}
	if len(valid) == 0 {
		l.logger.Warn("asset config batch had no valid entries")
		return
	}

	select {
	case l.configCh <- valid:
	default:
		// Stale batches are worthless; drop the oldest and queue the newest.
		select {
		case <-l.configCh:
		default:
		}
		l.configCh <- valid
	}
	l.logger.Info("asset config received", "assets", len(valid))
}

// PublishFill emits a simulated fill for downstream analysis.
func (l *Link) PublishFill(ctx context.Context, fill types.FillEvent) error {
	payload, err := json.Marshal(fill)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	if err := l.rdb.Publish(ctx, ChannelShadowFills, payload).Err(); err != nil {
		return fmt.Errorf("publish fill: %w", err)
	}
	return nil
}

// StatusReport is the heartbeat payload consumers watch for engine health.
type StatusReport struct {
	SessionID       string    `json:"session_id"`
	Mode            string    `json:"mode"`
	HaltReason      string    `json:"halt_reason,omitempty"`
	Regime          string    `json:"regime"`
	Assets          int       `json:"assets"`
	DailyPnLUSD     float64   `json:"daily_pnl_usd"`
	RebatesUSD      float64   `json:"rebates_usd"`
	Cancels         uint64    `json:"cancels"`
	Fills           uint64    `json:"fills"`
	CancelFillRatio float64   `json:"cancel_fill_ratio"`
	Time            time.Time `json:"time"`
}

// PublishStatus emits the heartbeat.
func (l *Link) PublishStatus(ctx context.Context, report StatusReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := l.rdb.Publish(ctx, ChannelEngineStatus, payload).Err(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (l *Link) Close() error { return l.rdb.Close() }
