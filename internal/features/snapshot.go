package features

import (
	"sort"

	"strategy-agent/internal/models"
)

// ComputeSnapshotFeatures flattens a market snapshot into one feature
// vector per symbol tagged with the market_snapshot group. Symbols whose
// snapshot carried no usable values are skipped. Output is sorted by
// symbol so repeated runs over the same snapshot are identical.
func ComputeSnapshotFeatures(ts int64, snapshot models.MarketSnapshot, exchangeID string) []models.FeatureVector {
	if len(snapshot) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(snapshot))
	for sym := range snapshot {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	features := make([]models.FeatureVector, 0, len(symbols))
	for _, sym := range symbols {
		snap := snapshot[sym]
		values := map[string]float64{}

		if p := snap.Price; p != nil {
			putPositive(values, models.FeatureKeyPriceLast, p.Last)
			putPositive(values, models.FeatureKeyPriceClose, p.Close)
			putPositive(values, models.FeatureKeyPriceOpen, p.Open)
			putPositive(values, models.FeatureKeyPriceHigh, p.High)
			putPositive(values, models.FeatureKeyPriceLow, p.Low)
			putPositive(values, models.FeatureKeyPriceBid, p.Bid)
			putPositive(values, models.FeatureKeyPriceAsk, p.Ask)
			// change_pct is meaningful at zero and below
			values[models.FeatureKeyPriceChgPct] = p.ChangePct
			putPositive(values, models.FeatureKeyPriceVolume, p.Volume)
		}
		if oi := snap.OpenInterest; oi != nil {
			values[models.FeatureKeyOpenIntrst] = oi.Amount
		}
		if f := snap.Funding; f != nil {
			values[models.FeatureKeyFundingRate] = f.Rate
			putPositive(values, models.FeatureKeyMarkPrice, f.MarkPrice)
		}
		if len(values) == 0 {
			continue
		}

		features = append(features, models.FeatureVector{
			Ts:         ts,
			Instrument: models.InstrumentRef{Symbol: sym, ExchangeID: exchangeID},
			Values:     values,
			Meta:       map[string]string{models.FeatureMetaGroupBy: models.FeatureGroupSnapshot},
		})
	}
	return features
}

func putPositive(values map[string]float64, key string, v float64) {
	if v > 0 {
		values[key] = v
	}
}
