package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"strategy-agent/internal/models"
)

func gridOptions() Options {
	return Options{
		GridStepPct:              0.01,
		GridMaxSteps:             3,
		GridBaseFraction:         0.1,
		AdviceRefreshSec:         300,
		MarketChangeThresholdPct: 1.0,
	}
}

// pricePairVector is a 1s candle carrying the prev/curr price pair the
// grid rules evaluate.
func pricePairVector(symbol string, prev, curr float64) models.FeatureVector {
	return candleVector(symbol, models.Interval1s, map[string]float64{
		models.FeatureKeyPriceOpen:  prev,
		models.FeatureKeyPriceClose: curr,
	})
}

// TestGridOpenLongOnDownStep covers the spot open: a full step down from
// 50000 to 49500 with no position opens one base quantity, floored to the
// exchange step.
func TestGridOpenLongOnDownStep(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "g-open",
		Features: []models.FeatureVector{
			pricePairVector("BTC-USDT", 50000, 49500),
		},
		Portfolio:      models.PortfolioView{FreeCash: 10000},
		Constraints:    &models.Constraints{QuantityStep: 0.001},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 49500),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 1 {
		t.Fatalf("Compose() = %d instructions, want 1; rationale=%q", len(got.Instructions), got.Rationale)
	}

	// base_qty = 10000 * 0.1 / 49500 = 0.020202..., floored to 0.020.
	inst := got.Instructions[0]
	if inst.Side != models.SideBuy || !almostEqual(inst.Quantity, 0.020) {
		t.Errorf("instruction = %s %.6f, want BUY 0.020", inst.Side, inst.Quantity)
	}
	if inst.Leverage != 1 {
		t.Errorf("spot leverage = %v, want 1", inst.Leverage)
	}
	if !strings.Contains(got.Rationale, "Grid plan.") {
		t.Errorf("rationale = %q, want grid plan prefix", got.Rationale)
	}
}

// TestGridOpenShortOnUpStepDerivatives opens a short on an up-crossing
// when the market is not spot, at the clamped leverage.
func TestGridOpenShortOnUpStepDerivatives(t *testing.T) {
	req := testRequest(models.MarketSwap, 10000, 5)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "g-short",
		Features: []models.FeatureVector{
			pricePairVector("BTC-USDT", 50000, 50500),
		},
		Portfolio:      models.PortfolioView{FreeCash: 10000, TotalValue: 10000},
		Constraints:    &models.Constraints{MaxLeverage: 3, QuantityStep: 0.001},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50500),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 1 {
		t.Fatalf("Compose() = %d instructions, want 1; rationale=%q", len(got.Instructions), got.Rationale)
	}
	inst := got.Instructions[0]
	if inst.Side != models.SideSell {
		t.Errorf("side = %s, want SELL", inst.Side)
	}
	if inst.Leverage != 3 {
		t.Errorf("leverage = %v, want 3 (exchange tighter than strategy)", inst.Leverage)
	}
}

// TestGridSpotSuppressesShortOpen verifies the up-crossing is ignored on
// spot markets and lands in the NOOP reasons instead.
func TestGridSpotSuppressesShortOpen(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "g-spot-up",
		Features: []models.FeatureVector{
			pricePairVector("BTC-USDT", 50000, 50500),
		},
		Portfolio:      models.PortfolioView{FreeCash: 10000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50500),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0", len(got.Instructions))
	}
	if !strings.HasPrefix(got.Rationale, "Grid NOOP. Reasons:") {
		t.Errorf("rationale = %q, want NOOP prefix", got.Rationale)
	}
	if !strings.Contains(got.Rationale, "no grid step crossed") {
		t.Errorf("rationale = %q, want no-crossing reason", got.Rationale)
	}
}

// TestGridReduceAfterUpMove covers the long reduce: holding 0.030 at avg
// 49000 while the price moves from 49000 to 50000 crosses two grid lines
// up, so the reduce is two base quantities capped at the held amount.
func TestGridReduceAfterUpMove(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "g-reduce",
		Features: []models.FeatureVector{
			pricePairVector("BTC-USDT", 49000, 50000),
		},
		Portfolio: models.PortfolioView{
			FreeCash: 8530,
			Positions: map[string]models.PositionSnapshot{
				"BTC-USDT": {Instrument: models.InstrumentRef{Symbol: "BTC-USDT"}, Quantity: 0.030, AvgPrice: 49000},
			},
		},
		Constraints:    &models.Constraints{QuantityStep: 0.001},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 1 {
		t.Fatalf("Compose() = %d instructions, want 1; rationale=%q", len(got.Instructions), got.Rationale)
	}

	// grid_index(50000) - grid_index(49000) = 2; applied = min(2, 3) = 2;
	// close = min(0.030, base_qty*2) = 0.030.
	inst := got.Instructions[0]
	if inst.Side != models.SideSell || !almostEqual(inst.Quantity, 0.030) {
		t.Errorf("instruction = %s %.6f, want SELL 0.030", inst.Side, inst.Quantity)
	}
	if !almostEqual(inst.Meta.FinalTargetQty, 0) {
		t.Errorf("final target = %v, want 0 (flat after reduce)", inst.Meta.FinalTargetQty)
	}
}

// TestGridAddCappedAtMaxSteps verifies a deep down-move adds at most
// max_steps base quantities with full confidence.
func TestGridAddCappedAtMaxSteps(t *testing.T) {
	req := testRequest(models.MarketSwap, 100000, 5)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "g-add",
		Features: []models.FeatureVector{
			// From avg 50000: 50000 -> 47500 is a -5% move, five lines down.
			pricePairVector("BTC-USDT", 50000, 47500),
		},
		Portfolio: models.PortfolioView{
			FreeCash:   100000,
			TotalValue: 100000,
			Positions: map[string]models.PositionSnapshot{
				"BTC-USDT": {Instrument: models.InstrumentRef{Symbol: "BTC-USDT"}, Quantity: 0.1, AvgPrice: 50000},
			},
		},
		Constraints:    &models.Constraints{QuantityStep: 0.001},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 47500),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 1 {
		t.Fatalf("Compose() = %d instructions, want 1; rationale=%q", len(got.Instructions), got.Rationale)
	}

	// base_qty = 100000*0.1/47500 = 0.2105...; applied steps capped at 3
	// gives 0.6315..., floored to 0.631.
	inst := got.Instructions[0]
	if inst.Side != models.SideBuy || !almostEqual(inst.Quantity, 0.631) {
		t.Errorf("instruction = %s %.6f, want BUY 0.631", inst.Side, inst.Quantity)
	}
}

// TestGridNoopWithoutIndexChange holds still when the move stays inside
// one grid cell.
func TestGridNoopWithoutIndexChange(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "g-still",
		Features: []models.FeatureVector{
			pricePairVector("BTC-USDT", 50000, 50100),
		},
		Portfolio: models.PortfolioView{
			FreeCash: 5000,
			Positions: map[string]models.PositionSnapshot{
				"BTC-USDT": {Instrument: models.InstrumentRef{Symbol: "BTC-USDT"}, Quantity: 0.1, AvgPrice: 50000},
			},
		},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50100),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0", len(got.Instructions))
	}
	if !strings.Contains(got.Rationale, "no grid index change") {
		t.Errorf("rationale = %q, want index-change reason", got.Rationale)
	}
	if !strings.Contains(got.Rationale, "params(source=static") {
		t.Errorf("rationale = %q, want static params description", got.Rationale)
	}
}

// TestGridMissingPricePair prefers NOOP when no feature carries a usable
// prev/curr pair.
func TestGridMissingPricePair(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "g-nopair",
		Features: []models.FeatureVector{
			snapshotVector("BTC-USDT", map[string]float64{models.FeatureKeyPriceLast: 50000}),
		},
		Portfolio:      models.PortfolioView{FreeCash: 10000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0", len(got.Instructions))
	}
	if !strings.Contains(got.Rationale, "prev/curr price unavailable") {
		t.Errorf("rationale = %q, want missing-pair reason", got.Rationale)
	}
}

// TestGridZoneBoundsBlockAdjustment verifies an advised zone suppresses
// adjustments once the price leaves it.
func TestGridZoneBoundsBlockAdjustment(t *testing.T) {
	req := testRequest(models.MarketSwap, 100000, 5)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	lower, upper := 0.10, 0.10
	g.applyAdvice(&GridAdvice{
		GridStepPct:      0.01,
		GridMaxSteps:     3,
		GridBaseFraction: 0.1,
		GridLowerPct:     &lower,
		GridUpperPct:     &upper,
	})

	cc := models.ComposeContext{
		ComposeID: "g-zone",
		Features: []models.FeatureVector{
			// 50000 -> 42000 crosses lines but sits below avg*(1-0.10)=45000.
			pricePairVector("BTC-USDT", 50000, 42000),
		},
		Portfolio: models.PortfolioView{
			FreeCash:   100000,
			TotalValue: 100000,
			Positions: map[string]models.PositionSnapshot{
				"BTC-USDT": {Instrument: models.InstrumentRef{Symbol: "BTC-USDT"}, Quantity: 0.1, AvgPrice: 50000},
			},
		},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 42000),
	}

	got, err := g.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0", len(got.Instructions))
	}
	if !strings.Contains(got.Rationale, "outside grid zone") {
		t.Errorf("rationale = %q, want zone reason", got.Rationale)
	}
	if !strings.Contains(got.Rationale, "zone_prices(BTC-USDT=[45000.0000, 55000.0000])") {
		t.Errorf("rationale = %q, want zone price bounds", got.Rationale)
	}
}

// TestGridAdvisorGating walks the advice lifecycle: first advice applies
// unconditionally, refresh waits out the interval, stable markets suppress
// the update and a clear move lets it through.
func TestGridAdvisorGating(t *testing.T) {
	req := testRequest(models.MarketSwap, 10000, 5)
	planner := &stubPlanner{reply: `{"grid_step_pct": 0.004, "grid_max_steps": 4, "grid_base_fraction": 0.05, "advisor_rationale": "volatility elevated"}`}
	g := NewGridComposer(req, planner, gridOptions(), zerolog.Nop())

	flatCtx := func(ts int64, changePct float64) models.ComposeContext {
		return models.ComposeContext{
			Ts:        ts,
			ComposeID: "g-advice",
			Features: []models.FeatureVector{
				snapshotVector("BTC-USDT", map[string]float64{
					models.FeatureKeyPriceLast:   50000,
					models.FeatureKeyPriceChgPct: changePct,
				}),
				pricePairVector("BTC-USDT", 50000, 50000),
			},
			Portfolio:      models.PortfolioView{FreeCash: 10000, TotalValue: 10000},
			MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
		}
	}

	// First cycle: no params applied yet, advice lands regardless of the
	// stable market.
	if _, err := g.Compose(context.Background(), flatCtx(1_000_000, 0)); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if planner.calls != 1 {
		t.Fatalf("advisor calls = %d, want 1", planner.calls)
	}
	if !almostEqual(g.stepPct, 0.004) || g.maxSteps != 4 || !almostEqual(g.baseFraction, 0.05) {
		t.Fatalf("params = (%.4f, %d, %.4f), want advised (0.0040, 4, 0.0500)", g.stepPct, g.maxSteps, g.baseFraction)
	}

	// Within the refresh window nothing is asked.
	if _, err := g.Compose(context.Background(), flatCtx(1_000_000+1000, 0)); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if planner.calls != 1 {
		t.Fatalf("advisor calls = %d, want still 1 inside refresh window", planner.calls)
	}

	// Refresh due but the market is stable: new advice is fetched and
	// suppressed, parameters stay at the previous application.
	planner.reply = `{"grid_step_pct": 0.009, "grid_max_steps": 2, "grid_base_fraction": 0.09}`
	if _, err := g.Compose(context.Background(), flatCtx(1_000_000+300_000, 0)); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if planner.calls != 2 {
		t.Fatalf("advisor calls = %d, want 2 after refresh window", planner.calls)
	}
	if !almostEqual(g.stepPct, 0.004) {
		t.Errorf("step_pct = %.4f, want 0.0040 (stable market suppresses update)", g.stepPct)
	}

	// Clear move (2% >= 1% threshold): the next refresh applies.
	if _, err := g.Compose(context.Background(), flatCtx(1_000_000+600_000, 0.02)); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if planner.calls != 3 {
		t.Fatalf("advisor calls = %d, want 3", planner.calls)
	}
	if !almostEqual(g.stepPct, 0.009) || g.maxSteps != 2 {
		t.Errorf("params = (%.4f, %d), want applied (0.0090, 2) on clear move", g.stepPct, g.maxSteps)
	}
}

// TestGridAdvisorErrorKeepsParams keeps the running parameters on advisor
// failure and retries on the next cycle.
func TestGridAdvisorErrorKeepsParams(t *testing.T) {
	req := testRequest(models.MarketSwap, 10000, 5)
	planner := &stubPlanner{err: errors.New("rate limited")}
	g := NewGridComposer(req, planner, gridOptions(), zerolog.Nop())

	cc := models.ComposeContext{
		Ts:        1_000_000,
		ComposeID: "g-adv-err",
		Features: []models.FeatureVector{
			pricePairVector("BTC-USDT", 50000, 50000),
		},
		Portfolio:      models.PortfolioView{FreeCash: 10000, TotalValue: 10000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	if _, err := g.Compose(context.Background(), cc); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !almostEqual(g.stepPct, 0.01) || g.maxSteps != 3 {
		t.Errorf("params changed on advisor failure: (%.4f, %d)", g.stepPct, g.maxSteps)
	}

	// The failed attempt does not advance the refresh clock.
	if _, err := g.Compose(context.Background(), cc); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if planner.calls != 2 {
		t.Errorf("advisor calls = %d, want 2 (retry after failure)", planner.calls)
	}
}

// TestGridCountDeltaClamp limits grid_count moves to two per refresh and
// rederives step_pct from the zone span.
func TestGridCountDeltaClamp(t *testing.T) {
	req := testRequest(models.MarketSwap, 10000, 5)
	g := NewGridComposer(req, nil, gridOptions(), zerolog.Nop())

	ten := 10
	g.applyAdvice(&GridAdvice{GridStepPct: 0.005, GridMaxSteps: 3, GridBaseFraction: 0.08, GridCount: &ten})
	if g.gridCount != 10 {
		t.Fatalf("gridCount = %d, want 10", g.gridCount)
	}
	// Zone defaults to +-10% when advised without explicit bounds, so the
	// span 0.20 over 10 lines gives step 0.02.
	if !almostEqual(g.stepPct, 0.02) || g.maxSteps != 10 {
		t.Fatalf("derived (step, steps) = (%.4f, %d), want (0.0200, 10)", g.stepPct, g.maxSteps)
	}

	three := 3
	g.applyAdvice(&GridAdvice{GridStepPct: 0.005, GridMaxSteps: 3, GridBaseFraction: 0.08, GridCount: &three})
	if g.gridCount != 8 {
		t.Errorf("gridCount = %d, want 8 (delta clamped to -2)", g.gridCount)
	}
}

// TestAdvisorPayloadAndParsing checks the advisor context carries the
// snapshot metrics, previous parameters and portfolio block, and that the
// reply is validated.
func TestAdvisorPayloadAndParsing(t *testing.T) {
	req := testRequest(models.MarketSwap, 10000, 5)
	planner := &stubPlanner{reply: "```json\n" +
		`{"grid_step_pct": 0.006, "grid_max_steps": 3, "grid_base_fraction": 0.07, "grid_lower_pct": 0.12, "grid_upper_pct": 0.15, "advisor_rationale": "wide chop"}` +
		"\n```"}
	a := NewParamAdvisor(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		Ts: 5_000_000,
		Features: []models.FeatureVector{
			snapshotVector("BTC-USDT", map[string]float64{
				models.FeatureKeyPriceLast:   50000,
				models.FeatureKeyPriceChgPct: 0.005,
				models.FeatureKeyFundingRate: 0.0001,
			}),
		},
		Portfolio: models.PortfolioView{FreeCash: 6000, TotalValue: 10000, BuyingPower: 30000},
	}
	prev := GridParamSet{StepPct: 0.005, MaxSteps: 3, BaseFraction: 0.08}

	advice, err := a.Advise(context.Background(), cc, prev)
	if err != nil {
		t.Fatalf("Advise() error = %v", err)
	}
	if !almostEqual(advice.GridStepPct, 0.006) {
		t.Errorf("GridStepPct = %v, want 0.006", advice.GridStepPct)
	}
	if advice.GridLowerPct == nil || !almostEqual(*advice.GridLowerPct, 0.12) {
		t.Errorf("GridLowerPct = %v, want 0.12", advice.GridLowerPct)
	}
	if advice.AdvisorRationale != "wide chop" {
		t.Errorf("AdvisorRationale = %q, want wide chop", advice.AdvisorRationale)
	}

	for _, want := range []string{
		`"market_type":"swap"`,
		`"price.last":50000`,
		`"funding.rate":0.0001`,
		`"grid_step_pct":0.005`,
		`"grid_max_steps":3`,
		`"buying_power":30000`,
		`"free_cash":6000`,
	} {
		if !strings.Contains(planner.userPrompt, want) {
			t.Errorf("advisor prompt missing %s", want)
		}
	}
	if planner.systemPrompt != advisorSystemPrompt {
		t.Errorf("advisor system prompt not forwarded verbatim")
	}
}

// TestAdvisorRejectsNonPositiveParams treats non-positive core values as a
// validation failure.
func TestAdvisorRejectsNonPositiveParams(t *testing.T) {
	req := testRequest(models.MarketSwap, 10000, 5)
	planner := &stubPlanner{reply: `{"grid_step_pct": 0, "grid_max_steps": 3, "grid_base_fraction": 0.08}`}
	a := NewParamAdvisor(req, planner, zerolog.Nop())

	if _, err := a.Advise(context.Background(), models.ComposeContext{}, GridParamSet{}); err == nil {
		t.Fatalf("Advise() error = nil, want validation failure")
	}
}

// TestComposerFactory selects the implementation from the request and
// rejects a prompt strategy without a planner.
func TestComposerFactory(t *testing.T) {
	opts := gridOptions()

	promptReq := testRequest(models.MarketSpot, 10000, 1)
	c, err := New(promptReq, &stubPlanner{reply: "{}"}, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New(prompt) error = %v", err)
	}
	if _, ok := c.(*PromptComposer); !ok {
		t.Errorf("New(prompt) = %T, want *PromptComposer", c)
	}

	if _, err := New(promptReq, nil, opts, zerolog.Nop()); err == nil {
		t.Errorf("New(prompt, nil planner) error = nil, want error")
	}

	gridReq := testRequest(models.MarketSwap, 10000, 5)
	gridReq.TradingConfig.Composer = models.ComposerGrid
	c, err = New(gridReq, nil, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New(grid) error = %v", err)
	}
	if _, ok := c.(*GridComposer); !ok {
		t.Errorf("New(grid) = %T, want *GridComposer", c)
	}
}
