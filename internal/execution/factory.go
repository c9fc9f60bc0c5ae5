package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"strategy-agent/internal/exchange"
	"strategy-agent/internal/models"
)

// CredentialResolver supplies venue API credentials when the request does
// not embed them, typically backed by a secret store.
type CredentialResolver interface {
	ExchangeCredentials(ctx context.Context, exchangeID string) (apiKey, secretKey, passphrase string, err error)
}

// New builds the execution gateway for a validated request: a simulated
// gateway for virtual mode, a venue-backed one for live mode. guard and
// creds may be nil; live mode then relies on request-embedded keys and
// venue-side client order id dedup.
func New(ctx context.Context, req *models.UserRequest, guard IdempotencyGuard, creds CredentialResolver, logger zerolog.Logger) (Gateway, error) {
	ec := req.ExchangeConfig
	if ec.TradingMode != models.ModeLive {
		return NewPaperGateway(ec.FeeBps, logger), nil
	}

	exchangeID := strings.ToLower(strings.TrimSpace(ec.ExchangeID))
	if exchangeID == "" {
		return nil, fmt.Errorf("exchange_id is required for live trading")
	}
	if !strings.HasPrefix(exchangeID, "binance") {
		return nil, fmt.Errorf("unsupported exchange %q", ec.ExchangeID)
	}

	apiKey, secretKey := ec.APIKey, ec.SecretKey
	if (apiKey == "" || secretKey == "") && creds != nil {
		k, s, _, err := creds.ExchangeCredentials(ctx, exchangeID)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials for %s: %w", exchangeID, err)
		}
		apiKey, secretKey = k, s
	}
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("missing api credentials for live trading on %s", exchangeID)
	}

	client := exchange.NewClient(exchange.Config{
		APIKey:     apiKey,
		SecretKey:  secretKey,
		Testnet:    ec.Testnet,
		MarketType: ec.MarketType,
	})

	marginMode := exchange.MarginTypeCrossed
	if ec.MarginMode == models.MarginIsolated {
		marginMode = exchange.MarginTypeIsolated
	}

	return NewLiveGateway(client, ec.MarketType, marginMode, ec.FeeBps, guard, logger), nil
}
