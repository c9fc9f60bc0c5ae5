package models

import (
	"fmt"
	"strings"
)

// TradingMode selects simulated versus real execution.
type TradingMode string

const (
	ModeVirtual TradingMode = "virtual"
	ModeLive    TradingMode = "live"
)

// MarketType is the venue market family a strategy trades.
type MarketType string

const (
	MarketSpot   MarketType = "spot"
	MarketFuture MarketType = "future"
	MarketSwap   MarketType = "swap"
)

// IsDerivative reports whether the market supports leverage and shorts.
func (m MarketType) IsDerivative() bool {
	return m == MarketFuture || m == MarketSwap
}

// MarginMode for leveraged positions.
type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// ComposerKind selects the decision composer variant for a strategy.
type ComposerKind string

const (
	ComposerPrompt ComposerKind = "prompt"
	ComposerGrid   ComposerKind = "grid"
)

// LLMModelConfig selects the planner model.
type LLMModelConfig struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
	APIKey   string `json:"api_key,omitempty"`
}

// ExchangeConfig describes the venue a strategy trades on. API credentials
// are required only for live mode.
type ExchangeConfig struct {
	ExchangeID  string      `json:"exchange_id,omitempty"`
	TradingMode TradingMode `json:"trading_mode"`
	APIKey      string      `json:"api_key,omitempty"`
	SecretKey   string      `json:"secret_key,omitempty"`
	Passphrase  string      `json:"passphrase,omitempty"`
	Testnet     bool        `json:"testnet"`
	MarketType  MarketType  `json:"market_type,omitempty"`
	MarginMode  MarginMode  `json:"margin_mode,omitempty"`
	FeeBps      float64     `json:"fee_bps,omitempty"`
}

// TradingConfig holds the user-tunable strategy parameters.
type TradingConfig struct {
	StrategyName      string       `json:"strategy_name,omitempty"`
	Composer          ComposerKind `json:"composer,omitempty"`
	InitialCapital    float64      `json:"initial_capital,omitempty"`
	MaxLeverage       float64      `json:"max_leverage,omitempty"`
	MaxPositions      int          `json:"max_positions,omitempty"`
	Symbols           []string     `json:"symbols"`
	DecideIntervalSec int          `json:"decide_interval_sec,omitempty"`
	TemplateID        string       `json:"template_id,omitempty"`
	PromptText        string       `json:"prompt_text,omitempty"`
	CustomPrompt      string       `json:"custom_prompt,omitempty"`
	CapFactor         float64      `json:"cap_factor,omitempty"`
}

// UserRequest is the full strategy creation request.
type UserRequest struct {
	LLMModelConfig LLMModelConfig `json:"llm_model_config"`
	ExchangeConfig ExchangeConfig `json:"exchange_config"`
	TradingConfig  TradingConfig  `json:"trading_config"`
}

// Validate normalizes the request in place and reports the first
// violation. Symbols are uppercased and deduplicated; omitted fields
// receive defaults; market_type is inferred from max_leverage when absent
// (≤1 means spot, otherwise perpetual swap).
func (r *UserRequest) Validate() error {
	tc := &r.TradingConfig
	ec := &r.ExchangeConfig

	if len(tc.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(tc.Symbols))
	symbols := make([]string, 0, len(tc.Symbols))
	for _, s := range tc.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if len(symbols) > DefaultMaxSymbols {
		return fmt.Errorf("maximum %d symbols allowed, got %d", DefaultMaxSymbols, len(symbols))
	}
	tc.Symbols = symbols

	if tc.InitialCapital == 0 {
		tc.InitialCapital = DefaultInitialCapital
	}
	if tc.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive, got %v", tc.InitialCapital)
	}
	if tc.MaxLeverage == 0 {
		tc.MaxLeverage = DefaultMaxLeverage
	}
	if tc.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage must be positive, got %v", tc.MaxLeverage)
	}
	if tc.MaxPositions == 0 {
		tc.MaxPositions = DefaultMaxPositions
	}
	if tc.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", tc.MaxPositions)
	}
	if tc.DecideIntervalSec == 0 {
		tc.DecideIntervalSec = DefaultDecideInterval
	}
	if tc.DecideIntervalSec <= 0 {
		return fmt.Errorf("decide_interval_sec must be positive, got %d", tc.DecideIntervalSec)
	}
	if tc.CapFactor == 0 {
		tc.CapFactor = DefaultCapFactor
	}
	if tc.CapFactor <= 0 {
		return fmt.Errorf("cap_factor must be positive, got %v", tc.CapFactor)
	}

	switch tc.Composer {
	case "":
		tc.Composer = ComposerPrompt
	case ComposerPrompt, ComposerGrid:
	default:
		return fmt.Errorf("composer must be prompt or grid, got %q", tc.Composer)
	}

	switch ec.TradingMode {
	case "":
		ec.TradingMode = ModeVirtual
	case ModeVirtual, ModeLive:
	default:
		return fmt.Errorf("trading_mode must be virtual or live, got %q", ec.TradingMode)
	}
	if ec.TradingMode == ModeLive {
		if ec.ExchangeID == "" {
			return fmt.Errorf("exchange_id is required for live trading")
		}
		if ec.APIKey == "" || ec.SecretKey == "" {
			return fmt.Errorf("api_key and secret_key are required for live trading")
		}
	}

	switch ec.MarketType {
	case "":
		if tc.MaxLeverage <= 1.0 {
			ec.MarketType = MarketSpot
		} else {
			ec.MarketType = MarketSwap
		}
	case MarketSpot, MarketFuture, MarketSwap:
	default:
		return fmt.Errorf("market_type must be spot, future or swap, got %q", ec.MarketType)
	}

	switch ec.MarginMode {
	case "":
		ec.MarginMode = MarginCross
	case MarginCross, MarginIsolated:
	default:
		return fmt.Errorf("margin_mode must be cross or isolated, got %q", ec.MarginMode)
	}

	if ec.FeeBps == 0 {
		ec.FeeBps = DefaultFeeBps
	}
	if ec.FeeBps < 0 {
		return fmt.Errorf("fee_bps must not be negative, got %v", ec.FeeBps)
	}

	return nil
}

// ResolvePromptText fuses custom_prompt and prompt_text: both present are
// joined with a blank line, custom first; else whichever is set; else a
// generated default mentioning the symbols.
func (r *UserRequest) ResolvePromptText() string {
	custom := strings.TrimSpace(r.TradingConfig.CustomPrompt)
	prompt := strings.TrimSpace(r.TradingConfig.PromptText)
	switch {
	case custom != "" && prompt != "":
		return custom + "\n\n" + prompt
	case custom != "":
		return custom
	case prompt != "":
		return prompt
	}
	return fmt.Sprintf("Compose trading instructions for symbols: %s.", strings.Join(r.TradingConfig.Symbols, ", "))
}

// QuoteCurrencies extracts the quote legs from the configured symbols
// ("BTC-USDT" → "USDT"), falling back to the common stablecoins when no
// symbol encodes one.
func (r *UserRequest) QuoteCurrencies() []string {
	seen := make(map[string]bool)
	var quotes []string
	for _, sym := range r.TradingConfig.Symbols {
		var quote string
		if i := strings.IndexAny(sym, "-/"); i >= 0 && i+1 < len(sym) {
			quote = sym[i+1:]
		}
		if j := strings.Index(quote, ":"); j >= 0 {
			quote = quote[:j]
		}
		quote = strings.ToUpper(strings.TrimSpace(quote))
		if quote != "" && !seen[quote] {
			seen[quote] = true
			quotes = append(quotes, quote)
		}
	}
	if len(quotes) == 0 {
		quotes = []string{"USDT", "USD", "USDC"}
	}
	return quotes
}
