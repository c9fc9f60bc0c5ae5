package features

import (
	"math"

	"github.com/markcheno/go-talib"

	"strategy-agent/internal/models"
)

const (
	rsiPeriod = 14
	emaPeriod = 20
)

// ComputeCandleFeatures folds a flat candle list into one feature vector
// per symbol. change_pct is the fractional move of the last bar, and the
// bar's open/close are carried as price.open/price.close so downstream
// consumers can resolve a prev/curr price pair at candle resolution.
// rsi14 and ema20 are added when the lookback is deep enough for the
// indicator.
func ComputeCandleFeatures(candles []models.Candle) []models.FeatureVector {
	if len(candles) == 0 {
		return nil
	}

	order := make([]string, 0)
	grouped := make(map[string][]models.Candle)
	for _, c := range candles {
		sym := c.Instrument.Symbol
		if _, ok := grouped[sym]; !ok {
			order = append(order, sym)
		}
		grouped[sym] = append(grouped[sym], c)
	}

	features := make([]models.FeatureVector, 0, len(order))
	for _, sym := range order {
		series := grouped[sym]
		last := series[len(series)-1]

		values := map[string]float64{}
		if last.Open != 0 {
			values[models.FeatureKeyChangePct] = (last.Close - last.Open) / last.Open
		}
		if last.Open > 0 {
			values[models.FeatureKeyPriceOpen] = last.Open
		}
		if last.Close > 0 {
			values[models.FeatureKeyPriceClose] = last.Close
		}

		closes := make([]float64, len(series))
		for i, c := range series {
			closes[i] = c.Close
		}
		if len(closes) > rsiPeriod {
			if rsi := talib.Rsi(closes, rsiPeriod); len(rsi) > 0 && !math.IsNaN(rsi[len(rsi)-1]) {
				values["rsi14"] = rsi[len(rsi)-1]
			}
		}
		if len(closes) >= emaPeriod {
			if ema := talib.Ema(closes, emaPeriod); len(ema) > 0 && !math.IsNaN(ema[len(ema)-1]) {
				values["ema20"] = ema[len(ema)-1]
			}
		}
		if len(values) == 0 {
			continue
		}

		features = append(features, models.FeatureVector{
			Ts:         last.Ts,
			Instrument: last.Instrument,
			Values:     values,
			Meta:       map[string]string{models.FeatureMetaInterval: last.Interval},
		})
	}
	return features
}
