package geo

import (
	"math"
	"testing"
)

func TestBBoxExtend(t *testing.T) {
	b := EmptyBBox()
	if b.IsValid() {
		t.Error("Expected empty bbox to be invalid")
	}

	b = b.Extend(8.54, 47.37)
	b = b.Extend(8.56, 47.39)
	b = b.Extend(math.NaN(), 47.40)
	b = b.Extend(8.60, math.Inf(1))

	if !b.IsValid() {
		t.Fatal("Expected bbox to be valid after extending")
	}
	want := BBox{MinLng: 8.54, MinLat: 47.37, MaxLng: 8.56, MaxLat: 47.39}
	if b != want {
		t.Errorf("Extend() = %+v; want %+v", b, want)
	}
}

func TestBBoxDegenerate(t *testing.T) {
	b := EmptyBBox().Extend(8.54, 47.37)
	if !b.IsDegenerate() {
		t.Fatal("Expected single-point bbox to be degenerate")
	}

	b = b.Pad(PointEpsilon)
	if b.IsDegenerate() {
		t.Error("Expected padded bbox to be non-degenerate")
	}
	if b.MinLng >= b.MaxLng || b.MinLat >= b.MaxLat {
		t.Errorf("Expected min < max on both axes, got %+v", b)
	}
}

func TestNewBBoxSwapsCorners(t *testing.T) {
	b := NewBBox(10, 50, 8, 47)
	want := BBox{MinLng: 8, MinLat: 47, MaxLng: 10, MaxLat: 50}
	if b != want {
		t.Errorf("NewBBox() = %+v; want %+v", b, want)
	}
}

func TestBBoxContains(t *testing.T) {
	b := NewBBox(8, 47, 10, 50)
	tests := []struct {
		lng, lat float64
		want     bool
	}{
		{9, 48, true},
		{8, 47, true}, // edge
		{10, 50, true},
		{7.99, 48, false},
		{9, 50.01, false},
	}
	for _, tt := range tests {
		if got := b.Contains(tt.lng, tt.lat); got != tt.want {
			t.Errorf("Contains(%g, %g) = %v; want %v", tt.lng, tt.lat, got, tt.want)
		}
	}
}

func TestClickPadding(t *testing.T) {
	tests := []struct {
		zoom float64
		want float64
	}{
		{16, 0.005},
		{14, 0.005},
		{13, 0.01},
		{12, 0.01},
		{11, 0.02},
		{10, 0.02},
		{9, 0.05},
		{8, 0.05},
		{7.5, 0.2},
		{3, 0.2},
	}
	for _, tt := range tests {
		if got := ClickPadding(tt.zoom); got != tt.want {
			t.Errorf("ClickPadding(%g) = %g; want %g", tt.zoom, got, tt.want)
		}
	}
}

func TestProjectTileRoundTrip(t *testing.T) {
	tests := []struct {
		lng, lat float64
		zoom     int
	}{
		{0, 0, 0},
		{8.5417, 47.3769, 12},
		{-122.4194, 37.7749, 15},
		{151.2093, -33.8688, 9},
	}
	for _, tt := range tests {
		x, y := ProjectTile(tt.lng, tt.lat, tt.zoom, 256)
		lng, lat := UnprojectTile(x, y, tt.zoom, 256)
		if math.Abs(lng-tt.lng) > 1e-9 || math.Abs(lat-tt.lat) > 1e-9 {
			t.Errorf("Round trip (%g, %g) z%d = (%g, %g)", tt.lng, tt.lat, tt.zoom, lng, lat)
		}
	}
}

func TestProjectTileCenter(t *testing.T) {
	// The origin maps to the middle of the single zoom-0 tile.
	x, y := ProjectTile(0, 0, 0, 256)
	if math.Abs(x-128) > 1e-9 || math.Abs(y-128) > 1e-9 {
		t.Errorf("ProjectTile(0, 0) = (%g, %g); want (128, 128)", x, y)
	}
}

func TestTileAt(t *testing.T) {
	z := 10
	tx, ty := TileAt(8.5417, 47.3769, z)
	bb := TileBBox(z, tx, ty)
	if !bb.Contains(8.5417, 47.3769) {
		t.Errorf("TileBBox(%d, %d, %d) = %+v does not contain source point", z, tx, ty, bb)
	}
}

func TestHaversine(t *testing.T) {
	// Zurich HB to Bern, roughly 95km.
	d := Haversine(47.3779, 8.5403, 46.9490, 7.4386)
	if d < 90000 || d > 100000 {
		t.Errorf("Haversine() = %f; want roughly 95000", d)
	}

	if d := Haversine(47.0, 8.0, 47.0, 8.0); d != 0 {
		t.Errorf("Haversine() same point = %f; want 0", d)
	}
}
