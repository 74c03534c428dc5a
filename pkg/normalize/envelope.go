package normalize

import (
	"bytes"
	"encoding/json"

	geojson "github.com/paulmach/go.geojson"
)

// Shape identifies the recognized payload envelope variants, listed in
// the order they are attempted.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeFeatureCollection
	ShapeEvents
	ShapeFeatures
	ShapeData
	ShapeArray
)

func (s Shape) String() string {
	switch s {
	case ShapeFeatureCollection:
		return "feature-collection"
	case ShapeEvents:
		return "events"
	case ShapeFeatures:
		return "features"
	case ShapeData:
		return "data"
	case ShapeArray:
		return "array"
	default:
		return "unknown"
	}
}

// Envelope is the tagged decode of a raw response body. Exactly one of
// Collection or Rows is populated for recognized shapes.
type Envelope struct {
	Shape      Shape
	Collection *geojson.FeatureCollection
	Rows       []map[string]interface{}

	// Backend-reported totals, when the envelope carried them.
	Total *int
	Count *int
}

// Decode sniffs the payload shape. It returns an error only for JSON
// that does not parse; a valid but unrecognized shape yields an
// Envelope with ShapeUnknown and no rows.
func Decode(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		rows, err := decodeRows(trimmed)
		if err != nil {
			return nil, err
		}
		return &Envelope{Shape: ShapeArray, Rows: rows}, nil
	}

	var head map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, err
	}

	env := &Envelope{Shape: ShapeUnknown}
	env.Total = headerInt(head, totalAliases)
	env.Count = headerInt(head, countAliases)

	var typ string
	if rawType, ok := head["type"]; ok {
		_ = json.Unmarshal(rawType, &typ)
	}

	switch {
	case typ == "FeatureCollection" && head["features"] != nil:
		fc, err := geojson.UnmarshalFeatureCollection(trimmed)
		if err != nil {
			return nil, err
		}
		env.Shape = ShapeFeatureCollection
		env.Collection = fc
	case head["events"] != nil:
		rows, err := decodeRows(head["events"])
		if err != nil {
			return nil, err
		}
		env.Shape = ShapeEvents
		env.Rows = rows
	case head["features"] != nil:
		rows, err := decodeRows(head["features"])
		if err != nil {
			return nil, err
		}
		env.Shape = ShapeFeatures
		env.Rows = rows
	case head["data"] != nil:
		rows, err := decodeRows(head["data"])
		if err != nil {
			return nil, err
		}
		env.Shape = ShapeData
		env.Rows = rows
	}
	return env, nil
}

// Canonical converts the envelope into the canonical collection. Rows
// with missing or non-finite coordinates are dropped silently.
func (e *Envelope) Canonical() *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	if e == nil {
		return out
	}
	switch {
	case e.Collection != nil:
		for _, f := range e.Collection.Features {
			if cf, ok := canonicalFeature(f); ok {
				out.AddFeature(cf)
			}
		}
	case e.Rows != nil:
		for _, row := range e.Rows {
			if f, ok := RowFeature(row); ok {
				out.AddFeature(f)
			}
		}
	}
	return out
}

// decodeRows accepts an array of objects, skipping entries that are not
// objects rather than failing the whole payload.
func decodeRows(raw json.RawMessage) ([]map[string]interface{}, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		var m map[string]interface{}
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		rows = append(rows, m)
	}
	return rows, nil
}

func headerInt(head map[string]json.RawMessage, aliases []string) *int {
	for _, a := range aliases {
		raw, ok := head[a]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		n := int(f)
		return &n
	}
	return nil
}
