// Package notify publishes settled transactions to Redis pub/sub channels
// for external consumers (alert bots, downstream recorders). Publishing is
// fire-and-forget: failures are logged and never reach the trading path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const publishTimeout = 3 * time.Second

// Publisher fans settled transactions out to Redis. A nil Publisher is
// valid and drops everything, so callers need no enabled-check.
type Publisher struct {
	cfg    config.NotifyConfig
	client *redis.Client
	logger *slog.Logger
}

// New builds a publisher from config. An empty redis_url disables
// notifications and returns nil. The connection itself is lazy; call Ping
// to surface reachability at startup.
func New(cfg config.NotifyConfig, logger *slog.Logger) (*Publisher, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Publisher{
		cfg:    cfg,
		client: redis.NewClient(opts),
		logger: logger.With("component", "notify"),
	}, nil
}

// Ping checks reachability once. The client reconnects on its own, so a
// failure here only degrades notifications, it does not disable them.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.client.Ping(ctx).Err()
}

// PublishTransaction routes a settled transaction to the channel for its
// type: arbitrage fills to the execution channel, inventory transfers to
// the rebalance channel.
func (p *Publisher) PublishTransaction(ctx context.Context, tx types.Transaction) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		p.logger.Warn("marshal transaction for publish failed", "id", tx.ID, "error", err)
		return
	}

	channel := channelFor(p.cfg, tx.Type)
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Warn("redis publish failed", "channel", channel, "id", tx.ID, "error", err)
		return
	}
	p.logger.Debug("transaction published", "channel", channel, "id", tx.ID)
}

// Close releases the client. Safe on nil.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

func channelFor(cfg config.NotifyConfig, t types.TransactionType) string {
	if t == types.TxTypeRebalance {
		return cfg.RebalanceChannel
	}
	return cfg.ExecutionChannel
}
