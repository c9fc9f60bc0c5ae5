package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/config"
	"strategy-agent/internal/composer"
	"strategy-agent/internal/digest"
	"strategy-agent/internal/events"
	"strategy-agent/internal/exchange"
	"strategy-agent/internal/execution"
	"strategy-agent/internal/features"
	"strategy-agent/internal/llm"
	"strategy-agent/internal/marketdata"
	"strategy-agent/internal/models"
	"strategy-agent/internal/portfolio"
)

// BalanceSource is implemented by gateways that can report real account
// balances (the live gateway). The factory probes for it to seed the
// portfolio with exchange cash instead of the requested initial capital.
type BalanceSource interface {
	FreeCash(quotes []string) (float64, error)
}

// PromptResolver supplies prompt text for a template id, typically backed
// by the prompt store.
type PromptResolver interface {
	ResolvePrompt(ctx context.Context, templateID string) (string, error)
}

// Deps are the process-level services a strategy is built against. Store
// and Config are required; the rest degrade gracefully when nil.
type Deps struct {
	Config      *config.Config
	Store       Store
	Bus         *events.EventBus
	Guard       execution.IdempotencyGuard
	Credentials execution.CredentialResolver
	Prompts     PromptResolver
	Clock       Clock
	Logger      zerolog.Logger
}

// Strategy bundles one strategy's component graph, ready to launch.
type Strategy struct {
	ID          string
	Request     *models.UserRequest
	Coordinator *Coordinator
	Controller  *Controller
}

// NewStrategyID mints a fresh strategy id.
func NewStrategyID() string { return newID("strategy") }

// New validates the request and assembles the full component graph for
// one strategy: market data source, feature pipeline, planner, composer,
// portfolio, execution gateway, coordinator and controller. Construction
// fails fast on configuration errors; runtime faults after this point
// degrade per cycle instead.
func New(ctx context.Context, strategyID string, req *models.UserRequest, deps Deps) (*Strategy, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Bus == nil {
		deps.Bus = events.NewEventBus()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if strategyID == "" {
		strategyID = NewStrategyID()
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy request: %w", err)
	}

	cfg := deps.Config
	logger := deps.Logger.With().Str("strategy_id", strategyID).Logger()

	resolveTemplatePrompt(ctx, req, deps.Prompts, logger)

	exchangeID := req.ExchangeConfig.ExchangeID
	if exchangeID == "" {
		exchangeID = cfg.MarketConfig.DefaultExchangeID
	}
	if exchangeID == "" {
		exchangeID = "binance"
	}

	// Market data uses public endpoints only, no credentials needed.
	marketClient := exchange.NewClient(exchange.Config{
		Testnet:    req.ExchangeConfig.Testnet,
		MarketType: req.ExchangeConfig.MarketType,
	})
	source := marketdata.NewSource(marketClient, exchangeID, req.ExchangeConfig.MarketType, logger)
	pipeline := features.NewPipeline(source, req.TradingConfig.Symbols, exchangeID, candleConfigs(cfg), logger)

	planner, err := buildPlanner(req, cfg)
	if err != nil {
		return nil, err
	}

	comp, err := composer.New(req, planner, composer.Options{
		GridStepPct:              cfg.RuntimeConfig.GridStepPct,
		GridMaxSteps:             cfg.RuntimeConfig.GridMaxSteps,
		GridBaseFraction:         cfg.RuntimeConfig.GridBaseFraction,
		AdviceRefreshSec:         cfg.RuntimeConfig.AdviceRefreshSec,
		MarketChangeThresholdPct: cfg.RuntimeConfig.MarketChangeThresholdPct,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("building composer: %w", err)
	}

	gateway, err := execution.New(ctx, req, deps.Guard, deps.Credentials, logger)
	if err != nil {
		return nil, fmt.Errorf("building execution gateway: %w", err)
	}

	portfolioSvc := portfolio.NewPaperService(strategyID, req, logger)

	// Resume: a strategy that already has snapshots continues from its
	// last persisted book instead of restarting flat.
	if snap, err := deps.Store.LatestPortfolioSnapshot(ctx, strategyID); err != nil {
		logger.Warn().Err(err).Msg("Could not check for a previous portfolio snapshot")
	} else if snap != nil {
		portfolioSvc.Restore(*snap)
	}

	// Live strategies trade the account's real cash, not the requested
	// capital. Opening positions draws down this cash; there is no
	// financing.
	if req.ExchangeConfig.TradingMode == models.ModeLive {
		if balances, ok := gateway.(BalanceSource); ok {
			cash, err := balances.FreeCash(req.QuoteCurrencies())
			switch {
			case err != nil:
				logger.Warn().Err(err).Msg("Live balance fetch failed, keeping requested initial capital")
			case cash > 0:
				req.TradingConfig.InitialCapital = cash
				portfolioSvc.SetFreeCash(cash)
				logger.Info().Float64("free_cash", cash).Msg("Seeded portfolio from live balance")
			default:
				logger.Warn().Msg("Live account reports no free cash, keeping requested initial capital")
			}
		}
	}

	constraints := buildConstraints(req, source, logger)
	portfolioSvc.SetConstraints(constraints)

	recorder := digest.NewMemoryRecorder()
	builder := digest.NewRollingBuilder(digestWindow(cfg))

	coord := NewCoordinator(strategyID, req, pipeline, portfolioSvc, comp, gateway, recorder, builder, constraints, deps.Clock, logger)
	ctrl := NewController(strategyID, req, coord, deps.Store, deps.Bus, ControllerOptions{
		WaitRunningTimeout: waitRunningTimeout(cfg),
	}, logger)

	return &Strategy{
		ID:          strategyID,
		Request:     req,
		Coordinator: coord,
		Controller:  ctrl,
	}, nil
}

// resolveTemplatePrompt fills prompt_text from the template store when
// the request names a template but carries no inline prompt. Resolution
// failures degrade to the default prompt.
func resolveTemplatePrompt(ctx context.Context, req *models.UserRequest, prompts PromptResolver, logger zerolog.Logger) {
	templateID := req.TradingConfig.TemplateID
	if templateID == "" || req.TradingConfig.PromptText != "" || prompts == nil {
		return
	}
	text, err := prompts.ResolvePrompt(ctx, templateID)
	if err != nil {
		logger.Warn().Err(err).Str("template_id", templateID).Msg("Prompt template resolution failed, using default prompt")
		return
	}
	req.TradingConfig.PromptText = text
}

// buildPlanner constructs the LLM client from the request, falling back
// to configured defaults. The grid composer runs without a planner (its
// parameter advisor just stays off); the prompt composer requires one.
func buildPlanner(req *models.UserRequest, cfg *config.Config) (llm.Planner, error) {
	provider := req.LLMModelConfig.Provider
	if provider == "" {
		provider = cfg.LLMConfig.Provider
	}
	model := req.LLMModelConfig.ModelID
	if model == "" {
		model = cfg.LLMConfig.Model
	}
	apiKey := req.LLMModelConfig.APIKey
	if apiKey == "" {
		apiKey = cfg.LLMConfig.APIKeyFor(provider)
	}

	if apiKey == "" {
		if req.TradingConfig.Composer == models.ComposerPrompt {
			return nil, fmt.Errorf("no API key available for LLM provider %q", provider)
		}
		return nil, nil
	}

	clientCfg := llm.DefaultClientConfig()
	clientCfg.Provider = llm.ParseProvider(provider)
	clientCfg.APIKey = apiKey
	if model != "" {
		clientCfg.Model = model
	}
	if cfg.LLMConfig.MaxTokens > 0 {
		clientCfg.MaxTokens = cfg.LLMConfig.MaxTokens
	}
	if cfg.LLMConfig.Temperature > 0 {
		clientCfg.Temperature = cfg.LLMConfig.Temperature
	}
	if cfg.LLMConfig.Timeout > 0 {
		clientCfg.Timeout = cfg.LLMConfig.Timeout
	}
	return llm.NewClient(clientCfg), nil
}

// buildConstraints merges the request's risk limits with the venue's
// order filters. Filters are fetched for live strategies only and
// best-effort: without them the normalizer works from the risk limits
// alone, which is also the paper-mode behavior.
func buildConstraints(req *models.UserRequest, source *marketdata.Source, logger zerolog.Logger) *models.Constraints {
	var constraints *models.Constraints
	if req.ExchangeConfig.TradingMode == models.ModeLive {
		constraints = source.GetMarketConstraints(req.TradingConfig.Symbols)
		if constraints == nil {
			logger.Warn().Msg("No exchange filters available, normalizing against risk limits only")
		}
	}
	if constraints == nil {
		constraints = &models.Constraints{}
	}
	constraints.MaxPositions = req.TradingConfig.MaxPositions
	if lev := req.TradingConfig.MaxLeverage; constraints.MaxLeverage == 0 || (lev > 0 && lev < constraints.MaxLeverage) {
		constraints.MaxLeverage = lev
	}
	return constraints
}

func candleConfigs(cfg *config.Config) []models.CandleConfig {
	mc := cfg.MarketConfig
	if mc.MicroInterval == "" && mc.MediumInterval == "" {
		return nil // pipeline falls back to its defaults
	}
	var configs []models.CandleConfig
	if mc.MediumInterval != "" {
		configs = append(configs, models.CandleConfig{Interval: mc.MediumInterval, Lookback: mc.MediumLookback})
	}
	if mc.MicroInterval != "" {
		configs = append(configs, models.CandleConfig{Interval: mc.MicroInterval, Lookback: mc.MicroLookback})
	}
	return configs
}

func digestWindow(cfg *config.Config) int {
	if cfg.RuntimeConfig.DigestWindow > 0 {
		return cfg.RuntimeConfig.DigestWindow
	}
	return 50
}

func waitRunningTimeout(cfg *config.Config) time.Duration {
	if cfg.RuntimeConfig.WaitRunningTimeoutSec > 0 {
		return time.Duration(cfg.RuntimeConfig.WaitRunningTimeoutSec) * time.Second
	}
	return 0 // controller default
}
