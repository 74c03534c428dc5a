// Package geo provides the spherical and tile-space math shared by the map
// engine, the fetch layer and the session layer.
package geo

import (
	"fmt"
	"math"
)

const (
	earthRadiusM   = 6371000.0
	maxMercatorLat = 85.05112878

	// PointEpsilon is the per-axis expansion applied to a degenerate
	// bounding box so framing it does not zoom into a single pixel.
	PointEpsilon = 0.0005
)

// BBox is a geographic bounding box in degrees.
type BBox struct {
	MinLng, MinLat, MaxLng, MaxLat float64
}

// EmptyBBox returns an accumulator that the first Extend call overwrites.
func EmptyBBox() BBox {
	return BBox{
		MinLng: math.Inf(1),
		MinLat: math.Inf(1),
		MaxLng: math.Inf(-1),
		MaxLat: math.Inf(-1),
	}
}

// NewBBox builds a box from two corners, swapping axes if needed.
func NewBBox(minLng, minLat, maxLng, maxLat float64) BBox {
	if minLng > maxLng {
		minLng, maxLng = maxLng, minLng
	}
	if minLat > maxLat {
		minLat, maxLat = maxLat, minLat
	}
	return BBox{MinLng: minLng, MinLat: minLat, MaxLng: maxLng, MaxLat: maxLat}
}

// Extend grows the box to include the point. Non-finite coordinates are
// ignored so a poisoned row cannot invalidate the whole accumulation.
func (b BBox) Extend(lng, lat float64) BBox {
	if !IsFinite(lng) || !IsFinite(lat) {
		return b
	}
	if lng < b.MinLng {
		b.MinLng = lng
	}
	if lng > b.MaxLng {
		b.MaxLng = lng
	}
	if lat < b.MinLat {
		b.MinLat = lat
	}
	if lat > b.MaxLat {
		b.MaxLat = lat
	}
	return b
}

// IsValid reports whether at least one point has been accumulated.
func (b BBox) IsValid() bool {
	return b.MinLng <= b.MaxLng && b.MinLat <= b.MaxLat
}

// IsDegenerate reports whether the box has zero span on either axis.
func (b BBox) IsDegenerate() bool {
	return b.MaxLng-b.MinLng == 0 || b.MaxLat-b.MinLat == 0
}

// Pad expands the box by d degrees on every side.
func (b BBox) Pad(d float64) BBox {
	return BBox{
		MinLng: b.MinLng - d,
		MinLat: b.MinLat - d,
		MaxLng: b.MaxLng + d,
		MaxLat: b.MaxLat + d,
	}
}

// Center returns the midpoint of the box.
func (b BBox) Center() (lng, lat float64) {
	return (b.MinLng + b.MaxLng) / 2, (b.MinLat + b.MaxLat) / 2
}

// Contains reports whether the point lies inside the box, edges included.
func (b BBox) Contains(lng, lat float64) bool {
	return lng >= b.MinLng && lng <= b.MaxLng && lat >= b.MinLat && lat <= b.MaxLat
}

// Slice returns the box as [minLng, minLat, maxLng, maxLat].
func (b BBox) Slice() []float64 {
	return []float64{b.MinLng, b.MinLat, b.MaxLng, b.MaxLat}
}

// String renders the box as a comma-separated query parameter value.
func (b BBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinLng, b.MinLat, b.MaxLng, b.MaxLat)
}

// PointBBox returns a box of the given padding centered on a coordinate.
func PointBBox(lng, lat, padding float64) BBox {
	return BBox{
		MinLng: lng - padding,
		MinLat: lat - padding,
		MaxLng: lng + padding,
		MaxLat: lat + padding,
	}
}

// IsFinite reports whether v is a usable coordinate value.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// clickPaddingSteps maps a minimum zoom to the bbox padding used when
// expanding a clicked tile bucket into a row query. Hand-tuned.
var clickPaddingSteps = []struct {
	MinZoom float64
	Degrees float64
}{
	{14, 0.005},
	{12, 0.01},
	{10, 0.02},
	{8, 0.05},
}

const clickPaddingFar = 0.2

// ClickPadding returns the bucket-click bbox padding for a zoom level.
// Tighter at high zoom, looser at low zoom.
func ClickPadding(zoom float64) float64 {
	for _, s := range clickPaddingSteps {
		if zoom >= s.MinZoom {
			return s.Degrees
		}
	}
	return clickPaddingFar
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ClampLat limits a latitude to the web-mercator projectable range.
func ClampLat(lat float64) float64 {
	return math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
}

// ProjectTile converts lng/lat to tile-space coordinates at a zoom level:
// the world spans [0, 2^zoom * extent) on both axes.
func ProjectTile(lng, lat float64, zoom, extent int) (x, y float64) {
	lng = math.Max(-180, math.Min(180, lng))
	latRad := ClampLat(lat) * math.Pi / 180

	nx := (lng + 180) / 360
	ny := 0.5 - math.Log(math.Tan(latRad/2+math.Pi/4))/math.Pi*0.5

	scale := math.Exp2(float64(zoom)) * float64(extent)
	return nx * scale, ny * scale
}

// UnprojectTile is the inverse of ProjectTile.
func UnprojectTile(x, y float64, zoom, extent int) (lng, lat float64) {
	scale := math.Exp2(float64(zoom)) * float64(extent)
	nx := x / scale
	ny := y / scale

	lng = nx*360 - 180
	lat = math.Atan(math.Sinh(math.Pi*(1-2*ny))) * 180 / math.Pi
	return lng, lat
}

// TileAt returns the z/x/y tile containing a coordinate.
func TileAt(lng, lat float64, zoom int) (tx, ty int) {
	x, y := ProjectTile(lng, lat, zoom, 1)
	n := int(math.Exp2(float64(zoom)))
	tx = int(math.Floor(x))
	ty = int(math.Floor(y))
	if tx < 0 {
		tx = 0
	}
	if ty < 0 {
		ty = 0
	}
	if tx >= n {
		tx = n - 1
	}
	if ty >= n {
		ty = n - 1
	}
	return tx, ty
}

// TileBBox returns the geographic bounds of a z/x/y tile.
func TileBBox(z, x, y int) BBox {
	minLng, maxLat := UnprojectTile(float64(x), float64(y), z, 1)
	maxLng, minLat := UnprojectTile(float64(x+1), float64(y+1), z, 1)
	return BBox{MinLng: minLng, MinLat: minLat, MaxLng: maxLng, MaxLat: maxLat}
}
