// Package strategy drives trade execution: the controller adapts the
// profit threshold to market activity, the executor turns opportunities
// into orders, and the passive rebalancer accepts thin trades that improve
// inventory balance.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/state"
	"crossarb/internal/stats"
	"crossarb/pkg/types"
)

// Threshold tiers in percent, picked by the current hour's activity score.
var (
	aggressiveThresholdPct = decimal.NewFromFloat(0.05)
	standardThresholdPct   = decimal.NewFromFloat(0.10)
	defensiveThresholdPct  = decimal.NewFromFloat(0.15)
)

// ActivityProfile supplies the calendar scoring the controller reads.
type ActivityProfile interface {
	GetStats(ctx context.Context) (*stats.Stats, error)
}

// Controller re-tunes the detection threshold on a schedule. With the
// smart strategy enabled it reads the current hour's calendar cell and
// picks a tier by volatility score; disabled, it re-asserts the user's
// manual threshold.
type Controller struct {
	cfg     config.StrategyConfig
	profile ActivityProfile
	st      *state.Manager
	bus     *bus.Bus
	logger  *slog.Logger
}

func NewController(cfg config.StrategyConfig, profile ActivityProfile, st *state.Manager, b *bus.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		profile: profile,
		st:      st,
		bus:     b,
		logger:  logger.With("component", "strategy"),
	}
}

// Run decides once at startup and then on the configured cron schedule
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	spec := c.cfg.CronSpec
	if spec == "" {
		spec = "0 */15 * * * *"
	}

	if _, err := c.Decide(ctx); err != nil {
		c.logger.Error("initial strategy decision failed", "error", err)
	}

	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(spec, func() {
		if _, err := c.Decide(ctx); err != nil {
			c.logger.Error("strategy decision failed", "error", err)
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// Decide computes and publishes the strategy update for this instant.
func (c *Controller) Decide(ctx context.Context) (types.StrategyUpdate, error) {
	now := time.Now().UTC()
	snap := c.st.Snapshot()

	update := types.StrategyUpdate{Timestamp: now}
	if !snap.IsSmartStrategyEnabled {
		update.Threshold = snap.MinProfitThreshold
		update.Reason = "Manual Mode"
		c.publish(update)
		return update, nil
	}

	score, err := c.currentScore(ctx, now)
	if err != nil {
		return types.StrategyUpdate{}, err
	}

	switch {
	case score >= 0.7:
		update.Threshold = aggressiveThresholdPct
		update.Reason = "High activity: lowering threshold to capture frequent spreads"
	case score < 0.2:
		update.Threshold = defensiveThresholdPct
		update.Reason = "Quiet market: raising threshold to filter noise"
	default:
		update.Threshold = standardThresholdPct
		update.Reason = "Balanced conditions: holding the standard threshold"
	}

	c.publish(update)
	return update, nil
}

// currentScore reads the volatility score of the calendar cell covering
// now; an hour with no history scores zero.
func (c *Controller) currentScore(ctx context.Context, now time.Time) (float64, error) {
	s, err := c.profile.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	day := now.Weekday().String()[:3]
	cell, ok := s.Calendar[day][now.Hour()]
	if !ok {
		return 0, nil
	}
	return cell.VolatilityScore, nil
}

func (c *Controller) publish(update types.StrategyUpdate) {
	c.bus.PublishStrategyUpdate(update)
	c.logger.Info("strategy threshold decided",
		"threshold", update.Threshold, "reason", update.Reason)
}
