package mapengine

import (
	"sort"

	geojson "github.com/paulmach/go.geojson"
	"gonum.org/v1/gonum/stat"
)

const heatFloorDBm = -100.0

// HeatWeights maps each feature's signal strength onto [0,1] relative
// to the P10..P90 band of the batch, so one hot reading does not wash
// out the rest of the layer.
func HeatWeights(feats []*geojson.Feature) []float64 {
	weights := make([]float64, len(feats))
	if len(feats) == 0 {
		return weights
	}

	signals := make([]float64, len(feats))
	for i, f := range feats {
		signals[i] = signalOf(f)
	}

	sorted := append([]float64(nil), signals...)
	sort.Float64s(sorted)
	lo := stat.Quantile(0.1, stat.Empirical, sorted, nil)
	hi := stat.Quantile(0.9, stat.Empirical, sorted, nil)

	if hi <= lo {
		for i := range weights {
			weights[i] = 0.5
		}
		return weights
	}
	for i, s := range signals {
		w := (s - lo) / (hi - lo)
		if w < 0 {
			w = 0
		}
		if w > 1 {
			w = 1
		}
		weights[i] = w
	}
	return weights
}

func signalOf(f *geojson.Feature) float64 {
	if f == nil || f.Properties == nil {
		return heatFloorDBm
	}
	for _, key := range []string{"signalStrength", "rssi", "signal_strength"} {
		switch v := f.Properties[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return heatFloorDBm
}
