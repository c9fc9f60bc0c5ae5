// Package runtime assembles and drives strategies: the Coordinator runs
// single decision cycles, the Controller owns the lifecycle state machine
// and persistence, and the Manager keeps the registry of live strategies.
package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"strategy-agent/internal/composer"
	"strategy-agent/internal/digest"
	"strategy-agent/internal/execution"
	"strategy-agent/internal/features"
	"strategy-agent/internal/models"
	"strategy-agent/internal/portfolio"
)

// equityWindow bounds the per-cycle equity history kept for the summary
// Sharpe ratio.
const equityWindow = 512

// FeatureSource is the slice of the feature layer the coordinator
// consumes; *features.Pipeline satisfies it.
type FeatureSource interface {
	Compute(ctx context.Context) features.Result
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Coordinator runs one decision cycle at a time for a single strategy:
// features, digest, portfolio view, compose, execute, apply. It is driven
// from the controller's loop only, so no internal locking is needed.
type Coordinator struct {
	strategyID  string
	req         *models.UserRequest
	features    FeatureSource
	portfolio   portfolio.Service
	composer    composer.Composer
	gateway     execution.Gateway
	recorder    digest.Recorder
	digests     digest.Builder
	constraints *models.Constraints
	promptText  string
	clock       Clock
	logger      zerolog.Logger

	cycleCount int64
	equity     []float64
}

// NewCoordinator wires a coordinator over pre-built strategy components.
func NewCoordinator(
	strategyID string,
	req *models.UserRequest,
	featureSource FeatureSource,
	portfolioSvc portfolio.Service,
	comp composer.Composer,
	gateway execution.Gateway,
	recorder digest.Recorder,
	builder digest.Builder,
	constraints *models.Constraints,
	clock Clock,
	logger zerolog.Logger,
) *Coordinator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Coordinator{
		strategyID:  strategyID,
		req:         req,
		features:    featureSource,
		portfolio:   portfolioSvc,
		composer:    comp,
		gateway:     gateway,
		recorder:    recorder,
		digests:     builder,
		constraints: constraints,
		promptText:  req.ResolvePromptText(),
		clock:       clock,
		logger:      logger,
	}
}

// Portfolio exposes the portfolio service for the controller's snapshot
// duties.
func (c *Coordinator) Portfolio() portfolio.Service { return c.portfolio }

// Close releases gateway resources.
func (c *Coordinator) Close() error {
	if c.gateway == nil {
		return nil
	}
	return c.gateway.Close()
}

// RunOnce executes one full decision cycle. Upstream failures (market
// data, planner, execution) fold into the result's rationale; the method
// never fails, so one bad cycle cannot end the loop.
func (c *Coordinator) RunOnce(ctx context.Context) models.DecisionCycleResult {
	ts := c.clock.NowMs()
	c.cycleCount++
	composeID := newID("compose")
	log := c.logger.With().Str("compose_id", composeID).Int64("cycle_index", c.cycleCount).Logger()

	featRes := c.features.Compute(ctx)
	c.recorder.Record(models.HistoryRecord{
		Ts:          ts,
		Kind:        models.RecordKindFeatures,
		ReferenceID: composeID,
		Payload:     map[string]interface{}{"feature_count": len(featRes.Features)},
	})

	dg := c.digests.Build(c.recorder.Records())
	priceMap := features.ExtractPriceMap(featRes.Features)
	view := c.portfolio.View(priceMap)

	composeCtx := models.ComposeContext{
		Ts:             ts,
		ComposeID:      composeID,
		StrategyID:     c.strategyID,
		Features:       featRes.Features,
		Portfolio:      view,
		Digest:         dg,
		PromptText:     c.promptText,
		MarketSnapshot: featRes.Snapshot,
		Constraints:    c.constraints,
	}

	composeRes, err := c.composer.Compose(ctx, composeCtx)
	rationale := composeRes.Rationale
	if err != nil {
		log.Error().Err(err).Msg("Plan composition failed, cycle degrades to NOOP")
		rationale = fmt.Sprintf("plan composition failed: %v", err)
		composeRes.Instructions = nil
	}
	c.recorder.Record(models.HistoryRecord{
		Ts:          ts,
		Kind:        models.RecordKindCompose,
		ReferenceID: composeID,
		Payload: map[string]interface{}{
			"instruction_count": len(composeRes.Instructions),
			"rationale":         rationale,
		},
	})

	var trades []models.TradeHistoryEntry
	if len(composeRes.Instructions) > 0 {
		c.recorder.Record(models.HistoryRecord{
			Ts:          ts,
			Kind:        models.RecordKindInstructions,
			ReferenceID: composeID,
			Payload:     map[string]interface{}{"instructions": composeRes.Instructions},
		})

		results := c.gateway.Execute(ctx, composeRes.Instructions, featRes.Snapshot)
		applied := c.tradesFromResults(composeID, ts, composeRes.Instructions, results)
		if len(applied) > 0 {
			c.portfolio.ApplyTrades(applied, priceMap)
		}
		trades = make([]models.TradeHistoryEntry, 0, len(applied))
		for _, t := range applied {
			trades = append(trades, *t)
		}
		// recorded after ApplyTrades so the digest sees backfilled
		// entry/exit prices and realized pnl
		c.recorder.Record(models.HistoryRecord{
			Ts:          ts,
			Kind:        models.RecordKindExecution,
			ReferenceID: composeID,
			Payload:     map[string]interface{}{"trades": trades},
		})
		if notes := executionNotes(results); notes != "" {
			rationale = joinRationale(rationale, notes)
		}
		log.Info().
			Int("instructions", len(composeRes.Instructions)).
			Int("fills", len(trades)).
			Msg("Cycle executed")
	} else {
		log.Info().Str("rationale", rationale).Msg("Cycle produced no instructions")
	}

	finalView := c.portfolio.View(priceMap)
	finalView.Ts = ts
	c.trackEquity(finalView.Equity())
	summary := c.BuildSummary(ts, finalView)

	return models.DecisionCycleResult{
		ComposeID:    composeID,
		CycleIndex:   c.cycleCount,
		Ts:           ts,
		Rationale:    rationale,
		Instructions: composeRes.Instructions,
		Trades:       trades,
		Portfolio:    finalView,
		Summary:      summary,
	}
}

// tradesFromResults converts fills into history entries. Rejected and
// errored results produce nothing: the portfolio is only mutated by real
// fills. Which price field is set depends on the instruction's action so
// the portfolio backfills the other side correctly.
func (c *Coordinator) tradesFromResults(composeID string, ts int64, instructions []models.TradeInstruction, results []models.TxResult) []*models.TradeHistoryEntry {
	byID := make(map[string]models.TradeInstruction, len(instructions))
	for _, inst := range instructions {
		byID[inst.InstructionID] = inst
	}

	var trades []*models.TradeHistoryEntry
	for _, tx := range results {
		if tx.Status != models.TxFilled && tx.Status != models.TxPartial {
			continue
		}
		if tx.FilledQty <= models.QuantityPrecision || tx.AvgExecPrice <= 0 {
			continue
		}
		inst := byID[tx.InstructionID]
		trade := &models.TradeHistoryEntry{
			TradeID:       newID("trade"),
			ComposeID:     composeID,
			InstructionID: tx.InstructionID,
			StrategyID:    c.strategyID,
			Instrument:    tx.Instrument,
			Side:          tx.Side,
			Quantity:      tx.FilledQty,
			TradeTs:       ts,
			Note:          inst.Meta.Rationale,
		}
		price := tx.AvgExecPrice
		if inst.Action.IsClose() {
			trade.ExitPrice = &price
		} else {
			trade.EntryPrice = &price
		}
		if tx.FeeCost > 0 {
			fee := tx.FeeCost
			trade.FeeCost = &fee
		}
		if tx.Leverage > 0 {
			lev := tx.Leverage
			trade.Leverage = &lev
		}
		trades = append(trades, trade)
	}
	return trades
}

// BuildSummary assembles the rolling strategy summary from the digest and
// the given portfolio view. The controller calls it once before the loop
// starts for the initial (empty) summary.
func (c *Coordinator) BuildSummary(ts int64, view models.PortfolioView) models.StrategySummary {
	dg := c.digests.Build(c.recorder.Records())

	summary := models.StrategySummary{
		StrategyID:    c.strategyID,
		Name:          c.req.TradingConfig.StrategyName,
		ModelProvider: c.req.LLMModelConfig.Provider,
		ModelID:       c.req.LLMModelConfig.ModelID,
		ExchangeID:    c.req.ExchangeConfig.ExchangeID,
		Mode:          c.req.ExchangeConfig.TradingMode,
		Status:        models.StatusRunning,
		TotalTrades:   dg.TotalTrades,
		Wins:          dg.Wins,
		Losses:        dg.Losses,
		WinRate:       dg.WinRate,
		RealizedPnl:   dg.RealizedPnl,
		UnrealizedPnl: view.TotalUnrealizedPnl,
		TotalValue:    view.TotalValue,
		FreeCash:      view.FreeCash,
		GrossExposure: view.GrossExposure,
		AvgHoldingMs:  dg.AvgHoldingMs,
		SharpeRatio:   sharpeRatio(c.equity),
		LastUpdatedTs: ts,
	}
	if initial := c.req.TradingConfig.InitialCapital; initial > 0 {
		summary.PnlPct = (view.Equity() - initial) / initial * 100
	}
	return summary
}

func (c *Coordinator) trackEquity(equity float64) {
	if equity <= 0 {
		return
	}
	c.equity = append(c.equity, equity)
	if len(c.equity) > equityWindow {
		c.equity = c.equity[len(c.equity)-equityWindow:]
	}
}

// sharpeRatio computes mean/stddev over per-cycle equity returns. Zero
// until at least two returns exist or while returns have no variance.
func sharpeRatio(equity []float64) float64 {
	if len(equity) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std <= 0 {
		return 0
	}
	return mean / std
}

// executionNotes summarizes non-filled results for the cycle rationale.
func executionNotes(results []models.TxResult) string {
	var parts []string
	for _, r := range results {
		switch r.Status {
		case models.TxRejected:
			parts = append(parts, fmt.Sprintf("%s rejected: %s", r.Instrument.Symbol, r.Reason))
		case models.TxError:
			parts = append(parts, fmt.Sprintf("%s execution error: %s", r.Instrument.Symbol, r.Reason))
		}
	}
	return strings.Join(parts, "; ")
}

func joinRationale(rationale, notes string) string {
	if rationale == "" {
		return notes
	}
	return rationale + "; " + notes
}
