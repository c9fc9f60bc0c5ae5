package features

import (
	"strategy-agent/internal/models"
)

// SnapshotFeatures filters a feature list down to the snapshot-derived
// vectors.
func SnapshotFeatures(features []models.FeatureVector) []models.FeatureVector {
	var out []models.FeatureVector
	for _, fv := range features {
		if fv.IsSnapshot() {
			out = append(out, fv)
		}
	}
	return out
}

// GroupFeatures organizes feature vectors by their group_by meta tag,
// falling back to the interval tag. Vectors with neither are dropped.
func GroupFeatures(features []models.FeatureVector) map[string][]models.FeatureVector {
	grouped := make(map[string][]models.FeatureVector)
	for _, fv := range features {
		key := ""
		if fv.Meta != nil {
			key = fv.Meta[models.FeatureMetaGroupBy]
			if key == "" {
				key = fv.Meta[models.FeatureMetaInterval]
			}
		}
		if key == "" {
			continue
		}
		grouped[key] = append(grouped[key], fv)
	}
	return grouped
}

// ExtractPriceMap builds symbol → reference price from the snapshot
// vectors, preferring last over close over mark price.
func ExtractPriceMap(features []models.FeatureVector) map[string]float64 {
	priceMap := make(map[string]float64)
	for _, fv := range features {
		if !fv.IsSnapshot() || fv.Instrument.Symbol == "" {
			continue
		}
		for _, key := range []string{
			models.FeatureKeyPriceLast,
			models.FeatureKeyPriceClose,
			models.FeatureKeyMarkPrice,
		} {
			if v, ok := fv.Values[key]; ok && v > 0 {
				priceMap[fv.Instrument.Symbol] = v
				break
			}
		}
	}
	return priceMap
}
