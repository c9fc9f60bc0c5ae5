package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/internal/events"
	"strategy-agent/internal/models"
)

// ControllerState is the lifecycle state machine for one strategy run.
type ControllerState string

const (
	StateInitializing   ControllerState = "INITIALIZING"
	StateWaitingRunning ControllerState = "WAITING_RUNNING"
	StateRunning        ControllerState = "RUNNING"
	StateStopped        ControllerState = "STOPPED"
)

// ControllerOptions are the loop timing knobs. Zero values select the
// production defaults; tests shrink them.
type ControllerOptions struct {
	WaitRunningTimeout time.Duration // max wait for status=running, default 5m
	WaitPollInterval   time.Duration // poll period while waiting, default 1s
	DecideInterval     time.Duration // overrides the request's decide_interval when set
}

// Controller owns one strategy's lifecycle: it waits for the persistence
// layer to authorize the run, seeds initial state, drives the decision
// loop on the decide interval, and finalizes with a recorded stop reason.
// The persisted status field is the kill switch; every persistence call
// is best-effort and never ends the loop on its own.
type Controller struct {
	strategyID     string
	req            *models.UserRequest
	coord          *Coordinator
	store          Store
	bus            *events.EventBus
	waitTimeout    time.Duration
	waitPoll       time.Duration
	decideInterval time.Duration
	logger         zerolog.Logger

	mu    sync.RWMutex
	state ControllerState
}

// NewController wires a controller over a built coordinator.
func NewController(strategyID string, req *models.UserRequest, coord *Coordinator, store Store, bus *events.EventBus, opts ControllerOptions, logger zerolog.Logger) *Controller {
	waitTimeout := opts.WaitRunningTimeout
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Minute
	}
	waitPoll := opts.WaitPollInterval
	if waitPoll <= 0 {
		waitPoll = time.Second
	}
	decideInterval := opts.DecideInterval
	if decideInterval <= 0 {
		decideInterval = time.Duration(req.TradingConfig.DecideIntervalSec) * time.Second
	}
	if decideInterval <= 0 {
		decideInterval = time.Duration(models.DefaultDecideInterval) * time.Second
	}
	return &Controller{
		strategyID:     strategyID,
		req:            req,
		coord:          coord,
		store:          store,
		bus:            bus,
		waitTimeout:    waitTimeout,
		waitPoll:       waitPoll,
		decideInterval: decideInterval,
		logger:         logger,
		state:          StateInitializing,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() ControllerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) transitionTo(next ControllerState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Controller state transition")
}

// Run drives the strategy until the store revokes the running status or
// the context is cancelled. It always finalizes: status set to stopped,
// gateway closed, stop reason recorded in metadata.
func (c *Controller) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Strategy loop panicked")
			c.finalize(models.StopError, fmt.Sprintf("panic: %v", r))
		}
	}()

	c.bus.PublishStatus(c.strategyID, models.StatusRunning, "")

	if err := c.waitRunning(ctx); err != nil {
		c.finalize(models.StopCancelled, "")
		return
	}

	c.persistInitialState(ctx)
	c.logger.Info().Dur("decide_interval", c.decideInterval).Msg("Starting decision loop")

	for {
		select {
		case <-ctx.Done():
			c.finalize(models.StopCancelled, "")
			return
		default:
		}

		if !c.running(ctx) {
			c.logger.Info().Msg("Strategy no longer marked running, exiting decision loop")
			c.finalize(models.StopNormalExit, "")
			return
		}

		result := c.coord.RunOnce(ctx)
		c.persistCycle(result)
		c.bus.PublishCycle(c.strategyID, result)
		for _, trade := range result.Trades {
			c.bus.PublishTrade(c.strategyID, trade)
		}

		select {
		case <-ctx.Done():
			c.finalize(models.StopCancelled, "")
			return
		case <-time.After(c.decideInterval):
		}
	}
}

// waitRunning polls the store until the strategy is marked running. On
// timeout it warns and proceeds anyway; only context cancellation aborts.
func (c *Controller) waitRunning(ctx context.Context) error {
	c.transitionTo(StateWaitingRunning)
	deadline := time.Now().Add(c.waitTimeout)
	for !c.running(ctx) {
		if time.Now().After(deadline) {
			c.logger.Warn().
				Dur("timeout", c.waitTimeout).
				Msg("Timeout waiting for strategy to be marked running, proceeding")
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.waitPoll):
		}
		c.logger.Info().Msg("Waiting for strategy to be marked running")
	}
	c.transitionTo(StateRunning)
	return nil
}

// running checks the kill switch. Store errors read as not running so a
// lost database also winds the strategy down cleanly.
func (c *Controller) running(ctx context.Context) bool {
	rec, err := c.store.GetStrategy(ctx, c.strategyID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Running check failed")
		return false
	}
	return rec.Running()
}

// persistInitialState seeds the run: the initial portfolio view, the
// initial empty summary, and on the first-ever live snapshot the initial
// capital bookkeeping. Every step is best-effort.
func (c *Controller) persistInitialState(ctx context.Context) {
	firstSnapshot := !c.hasInitialState(ctx)

	view := c.coord.Portfolio().View(nil)
	if err := c.store.SavePortfolioView(ctx, view); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist initial portfolio view")
	} else {
		c.logger.Info().Msg("Persisted initial portfolio view")
	}

	summary := c.coord.BuildSummary(view.Ts, view)
	if err := c.store.SaveSummary(ctx, summary); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist initial strategy summary")
	} else {
		c.logger.Info().Msg("Persisted initial strategy summary")
	}

	// In live mode the factory seeded the portfolio with the exchange
	// free cash; record it on the row once so restarts and user edits are
	// never overwritten.
	if c.req.ExchangeConfig.TradingMode == models.ModeLive && firstSnapshot {
		c.recordInitialCapital(ctx, view.FreeCash, view.Ts)
	}
}

// recordInitialCapital writes the live starting cash into the stored
// request config and the strategy metadata.
func (c *Controller) recordInitialCapital(ctx context.Context, cash float64, ts int64) {
	if cash <= 0 {
		cash = c.req.TradingConfig.InitialCapital
	}
	if cash <= 0 {
		return
	}

	if err := c.store.UpdateInitialCapital(ctx, c.strategyID, cash); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update stored initial capital")
	}
	patch := map[string]interface{}{
		models.MetaKeyInitialCapital:   cash,
		models.MetaKeyInitialCapSource: "live_snapshot_cash",
		models.MetaKeyInitialCapTs:     ts,
	}
	if err := c.store.MergeStrategyMetadata(ctx, c.strategyID, patch); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record initial capital metadata")
	} else {
		c.logger.Info().Float64("initial_capital", cash).Msg("Recorded live initial capital")
	}
}

// hasInitialState reports whether a portfolio snapshot already exists,
// making restarts idempotent. Store errors read as "no snapshot".
func (c *Controller) hasInitialState(ctx context.Context) bool {
	snap, err := c.store.LatestPortfolioSnapshot(ctx, c.strategyID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Initial state check failed")
		return false
	}
	return snap != nil
}

// persistCycle writes one cycle's artifacts. Each write is independent;
// a failure is logged and the rest still run. NOOP cycles persist too so
// the cycle history has no gaps. Uses a fresh context so a cancelled run
// still lands its final cycle.
func (c *Controller) persistCycle(result models.DecisionCycleResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.store.SaveCycle(ctx, c.strategyID, result.ComposeID, result.CycleIndex, result.Ts, result.Rationale); err != nil {
		c.logger.Warn().Err(err).Str("compose_id", result.ComposeID).Msg("Failed to persist compose cycle")
	}
	if len(result.Instructions) > 0 {
		if err := c.store.SaveInstructions(ctx, c.strategyID, result.Instructions); err != nil {
			c.logger.Warn().Err(err).Str("compose_id", result.ComposeID).Msg("Failed to persist instructions")
		}
	}
	if len(result.Trades) > 0 {
		if err := c.store.SaveTrades(ctx, c.strategyID, result.Trades); err != nil {
			c.logger.Warn().Err(err).Str("compose_id", result.ComposeID).Msg("Failed to persist trades")
		} else {
			c.logger.Info().Int("trades", len(result.Trades)).Msg("Persisted executed trades")
		}
	}
	if err := c.store.SavePortfolioView(ctx, result.Portfolio); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist portfolio view")
	}
	if err := c.store.SaveSummary(ctx, result.Summary); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist strategy summary")
	}
}

// finalize closes resources and marks the strategy stopped with its stop
// reason. It uses a fresh context: finalization runs after cancellation.
func (c *Controller) finalize(reason models.StopReason, detail string) {
	c.transitionTo(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.coord.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close gateway")
	}

	view := c.coord.Portfolio().View(nil)
	if err := c.store.SavePortfolioView(ctx, view); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist final portfolio snapshot")
	}

	if err := c.store.SetStrategyStatus(ctx, c.strategyID, models.StatusStopped); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to mark strategy stopped")
	}
	patch := map[string]interface{}{
		models.MetaKeyStopReason:       string(reason),
		models.MetaKeyStopReasonDetail: nil,
	}
	if detail != "" {
		patch[models.MetaKeyStopReasonDetail] = detail
	}
	if err := c.store.MergeStrategyMetadata(ctx, c.strategyID, patch); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record stop reason")
	}

	c.bus.PublishStatus(c.strategyID, models.StatusStopped, string(reason))
	c.logger.Info().Str("reason", string(reason)).Msg("Strategy finalized")
}
