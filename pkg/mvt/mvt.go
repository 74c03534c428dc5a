// Package mvt decodes Mapbox vector tiles into GeoJSON point features.
// Only the point geometry type is materialized; event tile layers carry
// nothing else.
package mvt

import (
	"fmt"
	"math"

	geojson "github.com/paulmach/go.geojson"
	"google.golang.org/protobuf/encoding/protowire"

	"radiomap/pkg/geo"
)

// Wire field numbers from the vector tile schema.
const (
	tileLayerField = 3

	layerNameField    = 1
	layerFeatureField = 2
	layerKeysField    = 3
	layerValuesField  = 4
	layerExtentField  = 5

	featureIDField   = 1
	featureTagsField = 2
	featureTypeField = 3
	featureGeomField = 4

	geomPoint = 1

	cmdMoveTo = 1

	defaultExtent = 4096
)

// Layer is one decoded tile layer with its features in lng/lat space.
type Layer struct {
	Name     string
	Extent   int
	Features []*geojson.Feature
}

// Decode parses a vector tile. The z/x/y address places tile-local
// integer coordinates onto the globe.
func Decode(data []byte, z, x, y int) ([]Layer, error) {
	var layers []Layer
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num == tileLayerField && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			layer, err := decodeLayer(raw, z, x, y)
			if err != nil {
				return nil, err
			}
			layers = append(layers, layer)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return layers, nil
}

// Find returns the named layer from a decoded tile.
func Find(layers []Layer, name string) (Layer, bool) {
	for _, l := range layers {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

func decodeLayer(raw []byte, z, x, y int) (Layer, error) {
	layer := Layer{Extent: defaultExtent}
	var keys []string
	var values []interface{}
	var features [][]byte

	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return layer, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == layerNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return layer, protowire.ParseError(n)
			}
			b = b[n:]
			layer.Name = string(v)
		case num == layerFeatureField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return layer, protowire.ParseError(n)
			}
			b = b[n:]
			features = append(features, v)
		case num == layerKeysField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return layer, protowire.ParseError(n)
			}
			b = b[n:]
			keys = append(keys, string(v))
		case num == layerValuesField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return layer, protowire.ParseError(n)
			}
			b = b[n:]
			val, err := decodeValue(v)
			if err != nil {
				return layer, err
			}
			values = append(values, val)
		case num == layerExtentField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return layer, protowire.ParseError(n)
			}
			b = b[n:]
			if v > 0 {
				layer.Extent = int(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return layer, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	// Features decode last: keys and values may follow them in wire order.
	for _, fraw := range features {
		f, err := decodeFeature(fraw, keys, values, layer.Extent, z, x, y)
		if err != nil {
			return layer, err
		}
		if f != nil {
			layer.Features = append(layer.Features, f)
		}
	}
	return layer, nil
}

func decodeFeature(raw []byte, keys []string, values []interface{}, extent, z, x, y int) (*geojson.Feature, error) {
	var id uint64
	var hasID bool
	var geomType uint64
	var tags, geom []uint64

	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == featureIDField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			id, hasID = v, true
		case num == featureTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			geomType = v
		case num == featureTagsField:
			vals, rest, err := consumePacked(b, typ)
			if err != nil {
				return nil, err
			}
			b = rest
			tags = append(tags, vals...)
		case num == featureGeomField:
			vals, rest, err := consumePacked(b, typ)
			if err != nil {
				return nil, err
			}
			b = rest
			geom = append(geom, vals...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if geomType != geomPoint {
		return nil, nil
	}
	coords, err := decodePointGeometry(geom, extent, z, x, y)
	if err != nil {
		return nil, err
	}
	if len(coords) == 0 {
		return nil, nil
	}

	var f *geojson.Feature
	if len(coords) == 1 {
		f = geojson.NewPointFeature(coords[0])
	} else {
		f = geojson.NewMultiPointFeature(coords...)
	}
	if hasID {
		f.ID = id
	}
	for i := 0; i+1 < len(tags); i += 2 {
		ki, vi := tags[i], tags[i+1]
		if int(ki) >= len(keys) || int(vi) >= len(values) {
			return nil, fmt.Errorf("tag pair (%d, %d) out of range", ki, vi)
		}
		f.Properties[keys[ki]] = values[vi]
	}
	return f, nil
}

// consumePacked reads a packed repeated varint field, tolerating the
// unpacked encoding as well.
func consumePacked(b []byte, typ protowire.Type) ([]uint64, []byte, error) {
	switch typ {
	case protowire.BytesType:
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		var vals []uint64
		for len(raw) > 0 {
			v, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return nil, nil, protowire.ParseError(m)
			}
			raw = raw[m:]
			vals = append(vals, v)
		}
		return vals, b[n:], nil
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		return []uint64{v}, b[n:], nil
	default:
		return nil, nil, fmt.Errorf("unexpected wire type %d for packed field", typ)
	}
}

// decodePointGeometry walks the command stream and converts tile-local
// cursor positions to lng/lat.
func decodePointGeometry(geom []uint64, extent, z, x, y int) ([][]float64, error) {
	var coords [][]float64
	var cx, cy int64
	i := 0
	for i < len(geom) {
		cmd := geom[i] & 0x7
		count := int(geom[i] >> 3)
		i++
		if cmd != cmdMoveTo {
			return nil, fmt.Errorf("unexpected geometry command %d in point feature", cmd)
		}
		for j := 0; j < count; j++ {
			if i+1 >= len(geom) {
				return nil, fmt.Errorf("truncated geometry stream")
			}
			cx += protowire.DecodeZigZag(geom[i])
			cy += protowire.DecodeZigZag(geom[i+1])
			i += 2

			lng, lat := geo.UnprojectTile(
				float64(x)+float64(cx)/float64(extent),
				float64(y)+float64(cy)/float64(extent),
				z, 1)
			coords = append(coords, []float64{lng, lat})
		}
	}
	return coords, nil
}

func decodeValue(raw []byte) (interface{}, error) {
	var out interface{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1: // string_value
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = string(v)
		case 2: // float_value
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = float64(math.Float32frombits(v))
		case 3: // double_value
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = math.Float64frombits(v)
		case 4: // int_value
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = int64(v)
		case 5: // uint_value
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = v
		case 6: // sint_value
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = protowire.DecodeZigZag(v)
		case 7: // bool_value
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = v != 0
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return out, nil
}
