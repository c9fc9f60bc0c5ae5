package features

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"strategy-agent/internal/models"
)

// DataSource is the slice of the market data layer the pipeline consumes.
type DataSource interface {
	GetRecentCandles(ctx context.Context, symbols []string, interval string, lookback int) ([]models.Candle, error)
	GetMarketSnapshot(ctx context.Context, symbols []string) (models.MarketSnapshot, error)
}

// Result bundles the computed feature vectors with the raw snapshot they
// were derived from, so downstream stages reuse it instead of refetching.
type Result struct {
	Features []models.FeatureVector
	Snapshot models.MarketSnapshot
}

// DefaultCandleConfigs returns the standard micro + medium candle streams.
func DefaultCandleConfigs() []models.CandleConfig {
	return []models.CandleConfig{
		{Interval: models.Interval1s, Lookback: 180},
		{Interval: models.Interval1m, Lookback: 240},
	}
}

// Pipeline fetches all configured candle streams plus the market snapshot
// concurrently and computes the cycle's feature vectors. Every fetch is
// best-effort; a failed stream contributes nothing.
type Pipeline struct {
	source     DataSource
	symbols    []string
	configs    []models.CandleConfig
	exchangeID string
	logger     zerolog.Logger
}

// NewPipeline creates a feature pipeline for the given symbols. Passing no
// candle configs selects the defaults.
func NewPipeline(source DataSource, symbols []string, exchangeID string, configs []models.CandleConfig, logger zerolog.Logger) *Pipeline {
	if len(configs) == 0 {
		configs = DefaultCandleConfigs()
	}
	seen := make(map[string]bool, len(symbols))
	uniq := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		uniq = append(uniq, s)
	}
	return &Pipeline{
		source:     source,
		symbols:    uniq,
		configs:    configs,
		exchangeID: exchangeID,
		logger:     logger,
	}
}

// Compute runs one pipeline pass. The returned features are ordered with
// the slower candle intervals first, then the 1s stream, then the snapshot
// vectors; consumers select by meta rather than position.
func (p *Pipeline) Compute(ctx context.Context) Result {
	candleSets := make([][]models.Candle, len(p.configs))
	var snapshot models.MarketSnapshot

	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range p.configs {
		i, cfg := i, cfg
		g.Go(func() error {
			candles, err := p.source.GetRecentCandles(gctx, p.symbols, cfg.Interval, cfg.Lookback)
			if err != nil {
				p.logger.Warn().
					Err(err).
					Str("interval", cfg.Interval).
					Msg("Candle fetch failed, interval contributes no features")
				return nil
			}
			candleSets[i] = candles
			return nil
		})
	}
	g.Go(func() error {
		snap, err := p.source.GetMarketSnapshot(gctx, p.symbols)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Market snapshot fetch failed, snapshot contributes no features")
			return nil
		}
		snapshot = snap
		return nil
	})
	_ = g.Wait()

	var features []models.FeatureVector
	for i, cfg := range p.configs {
		if cfg.Interval == models.Interval1s {
			continue
		}
		features = append(features, ComputeCandleFeatures(candleSets[i])...)
	}
	for i, cfg := range p.configs {
		if cfg.Interval != models.Interval1s {
			continue
		}
		features = append(features, ComputeCandleFeatures(candleSets[i])...)
	}
	features = append(features, ComputeSnapshotFeatures(time.Now().UnixMilli(), snapshot, p.exchangeID)...)

	if snapshot == nil {
		snapshot = models.MarketSnapshot{}
	}
	p.logger.Debug().
		Int("features", len(features)).
		Int("snapshot_symbols", len(snapshot)).
		Msg("Feature pipeline pass complete")
	return Result{Features: features, Snapshot: snapshot}
}
