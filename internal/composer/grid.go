package composer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"strategy-agent/internal/features"
	"strategy-agent/internal/llm"
	"strategy-agent/internal/models"
)

// Fallback grid parameters when Options leaves them unset.
const (
	defaultGridStepPct      = 0.005
	defaultGridMaxSteps     = 3
	defaultGridBaseFraction = 0.08
	defaultAdviceRefreshSec = 300
	defaultChangeThreshold  = 0.01
)

// Stability clamps applied to advised parameters: zone widths never fall
// below ±10% of the average price, and grid_count moves at most ±2 per
// refresh to avoid oscillation.
const (
	minGridZonePct    = 0.10
	maxGridCountDelta = 2
)

// GridComposer is the rule-based mean-reversion composer. With a position
// it adds one base size per grid line crossed down and reduces per line
// crossed up (shorts are symmetric); without one it opens when the move
// from the previous to the current price crosses a full step. All emitted
// items run through the shared normalizer for filters and buying power.
//
// Parameter state is mutated only from the owning strategy's decision
// loop, so no locking is needed.
type GridComposer struct {
	request    *models.UserRequest
	normalizer *Normalizer
	advisor    *ParamAdvisor
	logger     zerolog.Logger

	stepPct      float64
	maxSteps     int
	baseFraction float64
	gridLowerPct float64 // 0 means no zone configured
	gridUpperPct float64
	gridCount    int // 0 means not discretized

	adviceRefreshMs int64
	changeThreshold float64
	paramsApplied   bool
	lastAdviceTs    int64
	adviceRationale string
}

// NewGridComposer builds the grid composer. A non-nil planner enables the
// LLM parameter advisor; otherwise the configured parameters stay fixed.
func NewGridComposer(req *models.UserRequest, planner llm.Planner, opts Options, logger zerolog.Logger) *GridComposer {
	stepPct := opts.GridStepPct
	if stepPct <= 0 {
		stepPct = defaultGridStepPct
	}
	maxSteps := opts.GridMaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultGridMaxSteps
	}
	baseFraction := opts.GridBaseFraction
	if baseFraction <= 0 {
		baseFraction = defaultGridBaseFraction
	}
	refreshSec := opts.AdviceRefreshSec
	if refreshSec <= 0 {
		refreshSec = defaultAdviceRefreshSec
	}
	// Config carries the threshold in percent units; features carry fractions.
	threshold := opts.MarketChangeThresholdPct / 100
	if threshold <= 0 {
		threshold = defaultChangeThreshold
	}

	var advisor *ParamAdvisor
	if planner != nil {
		advisor = NewParamAdvisor(req, planner, logger)
	}

	return &GridComposer{
		request:         req,
		normalizer:      NewNormalizer(req, logger),
		advisor:         advisor,
		logger:          logger,
		stepPct:         stepPct,
		maxSteps:        maxSteps,
		baseFraction:    baseFraction,
		adviceRefreshMs: int64(refreshSec) * 1000,
		changeThreshold: threshold,
	}
}

// Compose evaluates the grid rules for every configured symbol and hands
// the resulting plan to the normalizer. Symbols that produce no action
// contribute a reason string to the NOOP rationale instead.
func (g *GridComposer) Compose(ctx context.Context, cc models.ComposeContext) (models.ComposeResult, error) {
	g.refreshAdvice(ctx, cc)

	constraints := cc.EffectiveConstraints()
	equity := planEquity(g.request.ExchangeConfig.MarketType, cc.Portfolio)
	prices := refPrices(cc)
	isSpot := g.request.ExchangeConfig.MarketType == models.MarketSpot

	var items []models.PlanItem
	var noopReasons []string

	for _, symbol := range g.request.TradingConfig.Symbols {
		price := prices[symbol]
		if price <= 0 {
			noopReasons = append(noopReasons, fmt.Sprintf(
				"%s: missing or invalid price (%s)", symbol, snapshotPriceDebug(cc.Features, symbol)))
			continue
		}

		pos := cc.Portfolio.Position(symbol)
		qty := pos.Quantity
		avgPx := pos.AvgPrice

		baseQty := math.Max(0, equity*g.baseFraction/price)
		if baseQty <= 0 {
			noopReasons = append(noopReasons, fmt.Sprintf(
				"%s: base_qty=0 (equity=%.4f, base_fraction=%.4f, price=%.4f)",
				symbol, equity, g.baseFraction, price))
			continue
		}

		prevPx, currPx, havePair := prevCurrPrices(cc.Features, symbol)

		// Flat: open when the move from the previous to the current price
		// crosses a full grid step.
		if math.Abs(qty) <= models.QuantityPrecision {
			if !havePair {
				noopReasons = append(noopReasons, symbol+": prev/curr price unavailable; prefer NOOP")
				continue
			}
			movedDown := currPx <= prevPx*(1-g.stepPct)
			movedUp := currPx >= prevPx*(1+g.stepPct)
			switch {
			case movedDown:
				items = append(items, models.PlanItem{
					Instrument: g.instrument(symbol),
					Action:     models.ActionOpenLong,
					TargetQty:  baseQty,
					Leverage:   g.openLeverage(constraints),
					Confidence: 1,
					Rationale: fmt.Sprintf(
						"Grid open-long: crossed down >=1 step from prev %.4f to %.4f%s",
						prevPx, currPx, g.zoneSuffix(cc)),
				})
			case movedUp && !isSpot:
				items = append(items, models.PlanItem{
					Instrument: g.instrument(symbol),
					Action:     models.ActionOpenShort,
					TargetQty:  baseQty,
					Leverage:   g.openLeverage(constraints),
					Confidence: 1,
					Rationale: fmt.Sprintf(
						"Grid open-short: crossed up >=1 step from prev %.4f to %.4f%s",
						prevPx, currPx, g.zoneSuffix(cc)),
				})
			default:
				noopReasons = append(noopReasons, fmt.Sprintf(
					"%s: no position and no grid step crossed (prev=%.4f, curr=%.4f)",
					symbol, prevPx, currPx))
			}
			continue
		}

		// Holding: act only when the price crosses one or more grid lines
		// anchored at the average entry price.
		if !havePair || avgPx <= 0 {
			noopReasons = append(noopReasons, symbol+": missing prev/curr or avg price; cannot evaluate grid crossing")
			continue
		}
		deltaIdx := gridIndex(currPx, avgPx, g.stepPct) - gridIndex(prevPx, avgPx, g.stepPct)
		if deltaIdx == 0 {
			noopReasons = append(noopReasons, fmt.Sprintf(
				"%s: no grid index change (prev=%.4f, curr=%.4f) within [%.4f, %.4f]",
				symbol, prevPx, currPx, avgPx*(1-g.stepPct), avgPx*(1+g.stepPct)))
			continue
		}

		if g.gridLowerPct > 0 || g.gridUpperPct > 0 {
			lowerBound := avgPx * (1 - g.gridLowerPct)
			upperBound := avgPx * (1 + g.gridUpperPct)
			if price < lowerBound || price > upperBound {
				noopReasons = append(noopReasons, fmt.Sprintf(
					"%s: price %.4f outside grid zone [%.4f, %.4f]",
					symbol, price, lowerBound, upperBound))
				continue
			}
		}

		crossed := deltaIdx
		if crossed < 0 {
			crossed = -crossed
		}
		appliedSteps := min(crossed, g.maxSteps)
		confidence := math.Min(1, float64(appliedSteps)/float64(g.maxSteps))
		stepQty := baseQty * float64(appliedSteps)

		switch {
		case qty > 0 && deltaIdx < 0:
			items = append(items, models.PlanItem{
				Instrument: g.instrument(symbol),
				Action:     models.ActionOpenLong,
				TargetQty:  stepQty,
				Leverage:   g.openLeverage(constraints),
				Confidence: confidence,
				Rationale: fmt.Sprintf(
					"Grid long add: crossed %d grid(s) down, applying %d (prev=%.4f -> curr=%.4f) around avg %.4f%s",
					crossed, appliedSteps, prevPx, currPx, avgPx, g.zoneSuffix(cc)),
			})
		case qty > 0 && deltaIdx > 0:
			items = append(items, models.PlanItem{
				Instrument: g.instrument(symbol),
				Action:     models.ActionCloseLong,
				TargetQty:  math.Min(math.Abs(qty), stepQty),
				Leverage:   1,
				Confidence: confidence,
				Rationale: fmt.Sprintf(
					"Grid long reduce: crossed %d grid(s) up, applying %d (prev=%.4f -> curr=%.4f) around avg %.4f%s",
					crossed, appliedSteps, prevPx, currPx, avgPx, g.zoneSuffix(cc)),
			})
		case qty < 0 && deltaIdx > 0 && !isSpot:
			items = append(items, models.PlanItem{
				Instrument: g.instrument(symbol),
				Action:     models.ActionOpenShort,
				TargetQty:  stepQty,
				Leverage:   g.openLeverage(constraints),
				Confidence: confidence,
				Rationale: fmt.Sprintf(
					"Grid short add: crossed %d grid(s) up, applying %d (prev=%.4f -> curr=%.4f) around avg %.4f%s",
					crossed, appliedSteps, prevPx, currPx, avgPx, g.zoneSuffix(cc)),
			})
		case qty < 0 && deltaIdx < 0:
			items = append(items, models.PlanItem{
				Instrument: g.instrument(symbol),
				Action:     models.ActionCloseShort,
				TargetQty:  math.Min(math.Abs(qty), stepQty),
				Leverage:   1,
				Confidence: confidence,
				Rationale: fmt.Sprintf(
					"Grid short cover: crossed %d grid(s) down, applying %d (prev=%.4f -> curr=%.4f) around avg %.4f%s",
					crossed, appliedSteps, prevPx, currPx, avgPx, g.zoneSuffix(cc)),
			})
		default:
			noopReasons = append(noopReasons, fmt.Sprintf("%s: short adjustment suppressed on spot", symbol))
		}
	}

	paramsDesc := g.paramsDescription(cc)
	if len(items) == 0 {
		summary := "no triggers hit"
		if len(noopReasons) > 0 {
			summary = strings.Join(noopReasons, "; ")
		}
		g.logger.Debug().Str("compose_id", cc.ComposeID).Msg("Grid composer produced NOOP plan")
		return models.ComposeResult{
			Rationale: fmt.Sprintf("Grid NOOP. Reasons: %s. %s", summary, paramsDesc),
		}, nil
	}

	plan := models.PlanProposal{
		Ts:        cc.Ts,
		Items:     items,
		Rationale: "Grid plan. " + paramsDesc,
	}
	instructions := g.normalizer.Normalize(cc, plan)
	return models.ComposeResult{Instructions: instructions, Rationale: plan.Rationale}, nil
}

// refreshAdvice asks the advisor for new parameters when the refresh
// period elapsed or none were ever applied. Advice lands only when the
// market moved clearly since the last application; advisor errors are
// logged and the current parameters stay in force.
func (g *GridComposer) refreshAdvice(ctx context.Context, cc models.ComposeContext) {
	if g.advisor == nil {
		return
	}
	due := !g.paramsApplied || g.lastAdviceTs == 0 || cc.Ts-g.lastAdviceTs >= g.adviceRefreshMs
	if !due {
		return
	}

	prev := GridParamSet{
		StepPct:      g.stepPct,
		MaxSteps:     g.maxSteps,
		BaseFraction: g.baseFraction,
		LowerPct:     g.gridLowerPct,
		UpperPct:     g.gridUpperPct,
		Count:        g.gridCount,
	}
	advice, err := g.advisor.Advise(ctx, cc, prev)
	if err != nil {
		g.logger.Error().Err(err).Str("compose_id", cc.ComposeID).Msg("Grid param advisor failed")
		return
	}
	if advice == nil {
		return
	}

	if !g.paramsApplied || g.hasClearMarketChange(cc) {
		g.applyAdvice(advice)
	} else {
		g.logger.Info().
			Float64("threshold", g.changeThreshold).
			Float64("step_pct", g.stepPct).
			Int("max_steps", g.maxSteps).
			Float64("base_fraction", g.baseFraction).
			Msg("Suppressed grid param update due to stable market")
	}
	g.adviceRationale = advice.AdvisorRationale
	g.lastAdviceTs = cc.Ts
}

func (g *GridComposer) applyAdvice(advice *GridAdvice) {
	g.stepPct = math.Max(1e-6, advice.GridStepPct)
	g.maxSteps = max(1, advice.GridMaxSteps)
	g.baseFraction = math.Max(1e-6, advice.GridBaseFraction)

	proposedLower := minGridZonePct
	if advice.GridLowerPct != nil {
		proposedLower = math.Max(0, *advice.GridLowerPct)
	}
	proposedUpper := minGridZonePct
	if advice.GridUpperPct != nil {
		proposedUpper = math.Max(0, *advice.GridUpperPct)
	}
	g.gridLowerPct = math.Max(minGridZonePct, proposedLower)
	g.gridUpperPct = math.Max(minGridZonePct, proposedUpper)

	if advice.GridCount != nil {
		proposed := max(1, *advice.GridCount)
		if g.gridCount > 0 {
			lo := max(1, g.gridCount-maxGridCountDelta)
			hi := g.gridCount + maxGridCountDelta
			proposed = max(lo, min(hi, proposed))
		}
		g.gridCount = proposed
		// A discretized zone overrides step/steps: the step is the span
		// divided by the count.
		if span := g.gridLowerPct + g.gridUpperPct; span > 0 {
			g.stepPct = math.Max(1e-6, span/float64(g.gridCount))
			g.maxSteps = max(1, g.gridCount)
		}
	}
	g.paramsApplied = true

	g.logger.Info().
		Float64("step_pct", g.stepPct).
		Int("max_steps", g.maxSteps).
		Float64("base_fraction", g.baseFraction).
		Float64("lower_pct", g.gridLowerPct).
		Float64("upper_pct", g.gridUpperPct).
		Int("grid_count", g.gridCount).
		Msg("Applied advised grid params")
}

func (g *GridComposer) hasClearMarketChange(cc models.ComposeContext) bool {
	best, ok := maxAbsChangePct(cc.Features, g.request.TradingConfig.Symbols)
	return ok && best >= g.changeThreshold
}

func (g *GridComposer) instrument(symbol string) models.InstrumentRef {
	return models.InstrumentRef{Symbol: symbol, ExchangeID: g.request.ExchangeConfig.ExchangeID}
}

// openLeverage is the leverage attached to opening items: the tighter of
// the strategy limit and the exchange constraint, at least 1x, and always
// 1x on spot.
func (g *GridComposer) openLeverage(c models.Constraints) float64 {
	if g.request.ExchangeConfig.MarketType == models.MarketSpot {
		return 1
	}
	lev := g.request.TradingConfig.MaxLeverage
	if lev <= 0 {
		lev = 1
	}
	if c.MaxLeverage > 0 && c.MaxLeverage < lev {
		lev = c.MaxLeverage
	}
	return math.Max(1, lev)
}

// paramsDescription renders the active parameters for rationales so every
// plan records the configuration that produced it.
func (g *GridComposer) paramsDescription(cc models.ComposeContext) string {
	src := "static"
	if g.paramsApplied {
		src = "llm"
	}
	desc := fmt.Sprintf("params(source=%s, step_pct=%.4f, max_steps=%d, base_fraction=%.4f",
		src, g.stepPct, g.maxSteps, g.baseFraction)
	if zone := g.zoneDescription(cc); zone != "" {
		desc += ", " + zone
	}
	if g.gridCount > 0 {
		desc += fmt.Sprintf(", count=%d", g.gridCount)
	}
	desc += ")"
	if g.adviceRationale != "" {
		desc += "; advisor_rationale=" + g.adviceRationale
	}
	return desc
}

// zoneDescription prefers price bounds anchored at each position's average
// price, falling back to the raw percentages when nothing is held.
func (g *GridComposer) zoneDescription(cc models.ComposeContext) string {
	if g.gridLowerPct <= 0 && g.gridUpperPct <= 0 {
		return ""
	}
	var entries []string
	for _, symbol := range g.request.TradingConfig.Symbols {
		pos, ok := cc.Portfolio.Positions[symbol]
		if !ok || pos.AvgPrice <= 0 {
			continue
		}
		entries = append(entries, fmt.Sprintf("%s=[%.4f, %.4f]",
			symbol, pos.AvgPrice*(1-g.gridLowerPct), pos.AvgPrice*(1+g.gridUpperPct)))
	}
	if len(entries) > 0 {
		return "zone_prices(" + strings.Join(entries, "; ") + ")"
	}
	return fmt.Sprintf("zone_pct=[-%.4f, +%.4f]", g.gridLowerPct, g.gridUpperPct)
}

func (g *GridComposer) zoneSuffix(cc models.ComposeContext) string {
	if zone := g.zoneDescription(cc); zone != "" {
		return ", " + zone
	}
	return ""
}

// gridIndex maps a price onto the integer grid anchored at avg.
func gridIndex(px, avg, stepPct float64) int {
	return int(math.Floor((px/avg - 1) / math.Max(stepPct, 1e-9)))
}

// featureRank orders feature vectors by freshness for price resolution:
// 1s candles beat the market snapshot, which beats 1m candles.
func featureRank(fv models.FeatureVector) int {
	switch {
	case fv.Interval() == models.Interval1s:
		return 0
	case fv.IsSnapshot():
		return 1
	case fv.Interval() == models.Interval1m:
		return 2
	}
	return 3
}

// prevCurrPrices resolves the previous and current price for symbol from
// the best-ranked feature vector carrying both an open and a last or
// close price.
func prevCurrPrices(fvs []models.FeatureVector, symbol string) (prev, curr float64, ok bool) {
	bestRank := len(fvs) + 4
	for _, fv := range fvs {
		if fv.Instrument.Symbol != symbol {
			continue
		}
		openPx := fv.Values[models.FeatureKeyPriceOpen]
		lastPx := fv.Values[models.FeatureKeyPriceLast]
		if lastPx <= 0 {
			lastPx = fv.Values[models.FeatureKeyPriceClose]
		}
		if openPx <= 0 || lastPx <= 0 {
			continue
		}
		if r := featureRank(fv); r < bestRank {
			bestRank = r
			prev, curr, ok = openPx, lastPx, true
		}
	}
	return prev, curr, ok
}

// maxAbsChangePct finds the largest absolute fractional move across the
// watched symbols, deriving it from prices when no change key is present.
func maxAbsChangePct(fvs []models.FeatureVector, symbols []string) (float64, bool) {
	watch := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		watch[s] = true
	}

	var best float64
	found := false
	for _, fv := range fvs {
		if !watch[fv.Instrument.Symbol] {
			continue
		}
		change, ok := fv.Values[models.FeatureKeyChangePct]
		if !ok {
			change, ok = fv.Values[models.FeatureKeyPriceChgPct]
		}
		if !ok {
			lastPx := fv.Values[models.FeatureKeyPriceLast]
			if lastPx <= 0 {
				lastPx = fv.Values[models.FeatureKeyPriceClose]
			}
			openPx := fv.Values[models.FeatureKeyPriceOpen]
			if lastPx > 0 && openPx > 0 {
				change, ok = lastPx/openPx-1, true
			}
		}
		if !ok {
			continue
		}
		if v := math.Abs(change); !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

// refPrices merges the feature-derived price map with the authoritative
// snapshot reference prices.
func refPrices(cc models.ComposeContext) map[string]float64 {
	prices := features.ExtractPriceMap(cc.Features)
	for symbol := range cc.MarketSnapshot {
		if px := cc.MarketSnapshot.RefPrice(symbol); px > 0 {
			prices[symbol] = px
		}
	}
	return prices
}

// snapshotPriceDebug lists which snapshot price keys exist for a symbol,
// for NOOP reason strings when no usable price was found.
func snapshotPriceDebug(fvs []models.FeatureVector, symbol string) string {
	keys := []string{
		models.FeatureKeyPriceLast,
		models.FeatureKeyPriceClose,
		models.FeatureKeyPriceOpen,
		models.FeatureKeyPriceBid,
		models.FeatureKeyPriceAsk,
		models.FeatureKeyMarkPrice,
	}
	var found []string
	for _, fv := range fvs {
		if fv.Instrument.Symbol != symbol || !fv.IsSnapshot() {
			continue
		}
		for _, k := range keys {
			if v, ok := fv.Values[k]; ok {
				found = append(found, fmt.Sprintf("%s=%.4f", k, v))
			}
		}
	}
	if len(found) == 0 {
		return "no snapshot price keys present"
	}
	return strings.Join(found, ", ")
}
