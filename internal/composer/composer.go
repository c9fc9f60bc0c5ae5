// Package composer turns a per-cycle decision context into executable
// trade instructions. Two variants implement the same contract: the
// prompt composer delegates planning to an LLM, the grid composer applies
// mean-reversion grid rules locally. Both route their raw proposals
// through the shared Normalizer so every instruction obeys the same
// exchange filters and sizing caps.
package composer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"strategy-agent/internal/llm"
	"strategy-agent/internal/models"
)

// Composer produces the instruction list for one decision cycle. A nil
// error with an empty instruction list is a valid NOOP outcome; the
// rationale explains why.
type Composer interface {
	Compose(ctx context.Context, cc models.ComposeContext) (models.ComposeResult, error)
}

// Options carries the runtime-level composer tunables that are not part
// of the user request. Zero fields fall back to package defaults.
type Options struct {
	GridStepPct              float64
	GridMaxSteps             int
	GridBaseFraction         float64
	AdviceRefreshSec         int
	MarketChangeThresholdPct float64
}

// New builds the composer variant selected by the request. The grid
// composer uses the planner as its optional parameter advisor; passing a
// nil planner leaves the grid on static parameters.
func New(req *models.UserRequest, planner llm.Planner, opts Options, logger zerolog.Logger) (Composer, error) {
	switch req.TradingConfig.Composer {
	case models.ComposerGrid:
		return NewGridComposer(req, planner, opts, logger), nil
	case models.ComposerPrompt, "":
		if planner == nil {
			return nil, fmt.Errorf("prompt composer requires an LLM planner")
		}
		return NewPromptComposer(req, planner, logger), nil
	}
	return nil, fmt.Errorf("unknown composer kind %q", req.TradingConfig.Composer)
}

// planEquity is the equity basis used for sizing decisions. Spot sizes
// against cash only; derivatives size against total value, falling back
// to cash plus net exposure when the aggregate is absent.
func planEquity(marketType models.MarketType, pv models.PortfolioView) float64 {
	if marketType == models.MarketSpot {
		return pv.FreeCash
	}
	if pv.TotalValue > 0 {
		return pv.TotalValue
	}
	return pv.FreeCash + pv.NetExposure
}
