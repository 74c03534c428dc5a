// Package normalize converts the payload shapes produced by the event API,
// CSV exports and live feeds into one canonical GeoJSON contract: every
// feature carries at least a "kind" and a "signalStrength" property, and
// every point coordinate is finite.
package normalize

import (
	"encoding/json"
	"strconv"

	geojson "github.com/paulmach/go.geojson"

	"radiomap/pkg/geo"
)

const (
	// UnknownKind is assigned when no kind alias is present on a row.
	UnknownKind = "UNKNOWN"
	// SignalUnknown is the sentinel for rows without a signal reading.
	SignalUnknown = -100.0
)

// Field alias tables. First present wins; adding an alias is a data
// change, not a code change.
var (
	lngAliases    = []string{"longitude", "lon", "lng"}
	latAliases    = []string{"latitude", "lat"}
	kindAliases   = []string{"kind", "network_type", "networkType", "source", "message_type", "messageType"}
	signalAliases = []string{"signalStrength", "rssi", "signal_strength"}
	idAliases     = []string{"id", "event_id", "eventId"}
	timeAliases   = []string{"timestamp", "deviceTime", "device_time", "time"}
	deviceAliases = []string{"deviceId", "device_id", "device"}
	sourceAliases = []string{"sourceCategory", "source_category", "source", "message_type", "messageType"}
	totalAliases  = []string{"total", "totalCount", "total_count"}
	countAliases  = []string{"count"}
)

// Normalize decodes a raw payload and canonicalizes it. Any decode failure
// or unrecognized shape degrades to an empty collection; callers that need
// to distinguish malformed input use Decode directly.
func Normalize(raw []byte) *geojson.FeatureCollection {
	env, err := Decode(raw)
	if err != nil {
		return geojson.NewFeatureCollection()
	}
	return env.Canonical()
}

// Rows canonicalizes pre-decoded row maps, as produced by the CSV loader.
func Rows(rows []map[string]interface{}) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, row := range rows {
		if f, ok := RowFeature(row); ok {
			fc.AddFeature(f)
		}
	}
	return fc
}

// RowFeature converts one row-shaped record into a canonical point
// feature. ok is false when either coordinate is missing or non-finite;
// such rows are dropped silently upstream.
func RowFeature(m map[string]interface{}) (*geojson.Feature, bool) {
	if f, ok := embeddedFeature(m); ok {
		return canonicalFeature(f)
	}

	lng, ok := floatField(m, lngAliases)
	if !ok {
		return nil, false
	}
	lat, ok := floatField(m, latAliases)
	if !ok {
		return nil, false
	}
	if !geo.IsFinite(lng) || !geo.IsFinite(lat) {
		return nil, false
	}

	f := geojson.NewPointFeature([]float64{lng, lat})
	for k, v := range m {
		f.Properties[k] = v
	}

	if id, ok := stringField(m, idAliases); ok {
		f.ID = id
	}
	if ts, ok := stringField(m, timeAliases); ok {
		f.Properties["timestamp"] = ts
	}
	if dev, ok := stringField(m, deviceAliases); ok {
		f.Properties["deviceId"] = dev
	}
	if src, ok := stringField(m, sourceAliases); ok {
		f.Properties["sourceCategory"] = src
	}
	applyCanonicalProps(f.Properties)
	return f, true
}

// applyCanonicalProps re-derives the two properties every consumer relies
// on. Applied uniformly so feature-shaped input gets the same contract.
func applyCanonicalProps(props map[string]interface{}) {
	kind := UnknownKind
	if k, ok := stringField(props, kindAliases); ok {
		kind = k
	}
	props["kind"] = kind

	signal := SignalUnknown
	if s, ok := floatField(props, signalAliases); ok && geo.IsFinite(s) {
		signal = s
	}
	props["signalStrength"] = signal
}

func canonicalFeature(f *geojson.Feature) (*geojson.Feature, bool) {
	if f == nil || f.Geometry == nil {
		return nil, false
	}
	if f.Geometry.IsPoint() {
		if len(f.Geometry.Point) < 2 {
			return nil, false
		}
		if !geo.IsFinite(f.Geometry.Point[0]) || !geo.IsFinite(f.Geometry.Point[1]) {
			return nil, false
		}
	}
	if f.Properties == nil {
		f.Properties = make(map[string]interface{})
	}
	applyCanonicalProps(f.Properties)
	return f, true
}

// embeddedFeature recognizes a row that is already a GeoJSON feature.
func embeddedFeature(m map[string]interface{}) (*geojson.Feature, bool) {
	if _, ok := m["geometry"]; !ok {
		return nil, false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	f, err := geojson.UnmarshalFeature(raw)
	if err != nil || f.Geometry == nil {
		return nil, false
	}
	return f, true
}

// firstPresent returns the value of the first alias present with a
// non-nil value.
func firstPresent(m map[string]interface{}, aliases []string) (interface{}, bool) {
	for _, a := range aliases {
		if v, ok := m[a]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// floatField resolves an alias chain to a float. Numeric strings are
// coerced; anything that does not parse counts as absent.
func floatField(m map[string]interface{}, aliases []string) (float64, bool) {
	v, ok := firstPresent(m, aliases)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringField resolves an alias chain to a non-empty string. Numbers are
// rendered so numeric ids survive.
func stringField(m map[string]interface{}, aliases []string) (string, bool) {
	v, ok := firstPresent(m, aliases)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return "", false
		}
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

func intField(m map[string]interface{}, aliases []string) (int, bool) {
	f, ok := floatField(m, aliases)
	if !ok {
		return 0, false
	}
	return int(f), true
}

var bucketCountAliases = []string{"count"}

// BucketCount reads a tile bucket's aggregate event count. A feature
// carrying one represents multiple underlying rows, not a literal event.
func BucketCount(props map[string]interface{}) (int, bool) {
	if props == nil {
		return 0, false
	}
	n, ok := intField(props, bucketCountAliases)
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}
