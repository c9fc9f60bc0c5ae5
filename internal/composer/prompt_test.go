package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"strategy-agent/internal/models"
)

// stubPlanner returns a canned completion (or error) and records the
// prompts it was called with.
type stubPlanner struct {
	reply string
	err   error

	calls        int
	systemPrompt string
	userPrompt   string
}

func (s *stubPlanner) Complete(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	s.calls++
	s.systemPrompt = systemPrompt
	s.userPrompt = userPrompt
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func snapshotVector(symbol string, values map[string]float64) models.FeatureVector {
	return models.FeatureVector{
		Instrument: models.InstrumentRef{Symbol: symbol},
		Values:     values,
		Meta:       map[string]string{models.FeatureMetaGroupBy: models.FeatureGroupSnapshot},
	}
}

func candleVector(symbol, interval string, values map[string]float64) models.FeatureVector {
	return models.FeatureVector{
		Instrument: models.InstrumentRef{Symbol: symbol},
		Values:     values,
		Meta:       map[string]string{models.FeatureMetaInterval: interval},
	}
}

// TestPromptComposeEmptyPlan covers the spot NOOP cycle: the planner
// returns an empty items array with a rationale, so the result carries no
// instructions and echoes that rationale.
func TestPromptComposeEmptyPlan(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	planner := &stubPlanner{reply: `{"items": [], "rationale": "change_pct 0.0000 below threshold; holding"}`}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "c-noop",
		Features: []models.FeatureVector{
			snapshotVector("BTC-USDT", map[string]float64{
				models.FeatureKeyPriceLast:   50000,
				models.FeatureKeyPriceChgPct: 0,
			}),
		},
		Portfolio:      models.PortfolioView{FreeCash: 10000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := c.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0", len(got.Instructions))
	}
	if got.Rationale != "change_pct 0.0000 below threshold; holding" {
		t.Errorf("rationale = %q, want planner rationale echoed", got.Rationale)
	}
	if planner.calls != 1 {
		t.Errorf("planner calls = %d, want 1", planner.calls)
	}
}

// TestPromptComposePlannerError verifies a planner failure degrades to an
// empty result with an explanatory rationale instead of an error.
func TestPromptComposePlannerError(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	planner := &stubPlanner{err: errors.New("upstream timeout")}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID:      "c-err",
		Portfolio:      models.PortfolioView{FreeCash: 10000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := c.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v, want nil (failure folds into rationale)", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0", len(got.Instructions))
	}
	if got.Rationale != "LLM invocation failed: upstream timeout" {
		t.Errorf("rationale = %q, want invocation failure message", got.Rationale)
	}
}

// TestPromptComposeFencedJSON checks the parser unwraps markdown fences
// and normalizes the plan into instructions.
func TestPromptComposeFencedJSON(t *testing.T) {
	req := testRequest(models.MarketSwap, 100000, 5)
	planner := &stubPlanner{reply: "Here is my plan:\n```json\n" +
		`{"items": [{"instrument": {"symbol": "BTC-USDT"}, "action": "open_long", "target_qty": 0.25, "leverage": 2, "confidence": 0.7}], "rationale": "momentum up"}` +
		"\n```"}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID:      "c-fence",
		Portfolio:      models.PortfolioView{FreeCash: 100000, TotalValue: 100000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := c.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 1 {
		t.Fatalf("Compose() = %d instructions, want 1", len(got.Instructions))
	}
	inst := got.Instructions[0]
	if inst.Side != models.SideBuy || !almostEqual(inst.Quantity, 0.25) {
		t.Errorf("instruction = %s %v, want BUY 0.25", inst.Side, inst.Quantity)
	}
	if inst.Leverage != 2 {
		t.Errorf("leverage = %v, want 2", inst.Leverage)
	}
	if got.Rationale != "momentum up" {
		t.Errorf("rationale = %q, want plan rationale", got.Rationale)
	}
}

// TestPromptComposeBareSymbolItem accepts the flat symbol form in plan
// items and uppercases it.
func TestPromptComposeBareSymbolItem(t *testing.T) {
	req := testRequest(models.MarketSwap, 100000, 5)
	planner := &stubPlanner{reply: `{"items": [{"symbol": "btc-usdt", "action": "open_long", "target_qty": 0.1}]}`}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID:      "c-bare",
		Portfolio:      models.PortfolioView{FreeCash: 100000, TotalValue: 100000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := c.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(got.Instructions) != 1 {
		t.Fatalf("Compose() = %d instructions, want 1", len(got.Instructions))
	}
	if got.Instructions[0].Instrument.Symbol != "BTC-USDT" {
		t.Errorf("symbol = %q, want BTC-USDT", got.Instructions[0].Instrument.Symbol)
	}
}

// TestPromptComposeValidationFailure covers unparseable output: the
// rationale names the configured model and echoes the raw reply.
func TestPromptComposeValidationFailure(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	req.LLMModelConfig = models.LLMModelConfig{Provider: "openai", ModelID: "gpt-4o"}
	planner := &stubPlanner{reply: "I think you should buy low and sell high."}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID:      "c-bad",
		Portfolio:      models.PortfolioView{FreeCash: 10000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := c.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v, want nil", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0", len(got.Instructions))
	}
	if !strings.Contains(got.Rationale, "LLM output failed validation") {
		t.Errorf("rationale = %q, want validation failure prefix", got.Rationale)
	}
	if !strings.Contains(got.Rationale, "`openai/gpt-4o`") {
		t.Errorf("rationale = %q, want model reference", got.Rationale)
	}
	if !strings.Contains(got.Rationale, planner.reply) {
		t.Errorf("rationale = %q, want raw output echoed", got.Rationale)
	}
}

// TestPromptComposeUnknownAction rejects plans with actions outside the
// contract rather than guessing.
func TestPromptComposeUnknownAction(t *testing.T) {
	req := testRequest(models.MarketSwap, 100000, 5)
	planner := &stubPlanner{reply: `{"items": [{"symbol": "BTC-USDT", "action": "yolo_long", "target_qty": 1}]}`}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID:      "c-action",
		Portfolio:      models.PortfolioView{FreeCash: 100000, TotalValue: 100000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	got, err := c.Compose(context.Background(), cc)
	if err != nil {
		t.Fatalf("Compose() error = %v, want nil", err)
	}
	if len(got.Instructions) != 0 {
		t.Fatalf("Compose() = %d instructions, want 0 (plan rejected)", len(got.Instructions))
	}
	if !strings.Contains(got.Rationale, "LLM output failed validation") {
		t.Errorf("rationale = %q, want validation failure", got.Rationale)
	}
}

// TestPromptUserPromptContents spot-checks the serialized context: the
// strategy prompt, market aliases, positions and summary fields must all
// reach the planner.
func TestPromptUserPromptContents(t *testing.T) {
	req := testRequest(models.MarketSwap, 100000, 5)
	req.TradingConfig.PromptText = "Trade BTC momentum conservatively."
	planner := &stubPlanner{reply: `{"items": []}`}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID: "c-payload",
		Features: []models.FeatureVector{
			snapshotVector("BTC-USDT", map[string]float64{
				models.FeatureKeyPriceLast:   50000,
				models.FeatureKeyPriceChgPct: 0.012,
				models.FeatureKeyFundingRate: 0.0001,
			}),
			candleVector("BTC-USDT", models.Interval1m, map[string]float64{
				"sma_20": 49800,
			}),
		},
		Portfolio: models.PortfolioView{
			FreeCash:   60000,
			TotalValue: 100000,
			Positions: map[string]models.PositionSnapshot{
				"BTC-USDT": {Instrument: models.InstrumentRef{Symbol: "BTC-USDT"}, Quantity: 0.4, AvgPrice: 48000, UnrealizedPnl: 800},
			},
		},
		Digest:         models.TradeDigest{SharpeRatio: 1.25},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	if _, err := c.Compose(context.Background(), cc); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	if planner.systemPrompt != plannerSystemPrompt {
		t.Errorf("system prompt not forwarded verbatim")
	}
	for _, want := range []string{
		`"strategy_prompt":"Trade BTC momentum conservatively."`,
		`"active_positions":1`,
		`"total_value":100000`,
		`"free_cash":60000`,
		`"sharpe_ratio":1.25`,
		`"funding_rate":0.0001`,
		`"change_pct":0.012`,
		`"symbol":"BTC-USDT"`,
		`"qty":0.4`,
	} {
		if !strings.Contains(planner.userPrompt, want) {
			t.Errorf("user prompt missing %s", want)
		}
	}
	if !strings.Contains(planner.userPrompt, models.FeatureGroupSnapshot) {
		t.Errorf("user prompt missing grouped snapshot features")
	}
}

// TestPromptTextOverride prefers the per-cycle prompt text over the
// request's configured prompt.
func TestPromptTextOverride(t *testing.T) {
	req := testRequest(models.MarketSpot, 10000, 1)
	req.TradingConfig.PromptText = "configured prompt"
	planner := &stubPlanner{reply: `{"items": []}`}
	c := NewPromptComposer(req, planner, zerolog.Nop())

	cc := models.ComposeContext{
		ComposeID:      "c-override",
		PromptText:     "resolved template prompt",
		Portfolio:      models.PortfolioView{FreeCash: 10000},
		MarketSnapshot: snapshotWithPrice("BTC-USDT", 50000),
	}

	if _, err := c.Compose(context.Background(), cc); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.Contains(planner.userPrompt, "resolved template prompt") {
		t.Errorf("user prompt should carry the per-cycle prompt text")
	}
	if strings.Contains(planner.userPrompt, "configured prompt") {
		t.Errorf("user prompt should not fall back to the configured prompt when overridden")
	}
}

// TestExtractJSON exercises fence stripping and brace slicing.
func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain object", `{"a": 1}`, `{"a": 1}`},
		{"fenced with language", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around object", `Sure! {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"no object at all", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.raw); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
