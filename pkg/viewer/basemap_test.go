package viewer

import (
	"testing"
)

func TestVisibleTilesCoversViewport(t *testing.T) {
	// 512px screen at zoom 2: the world is 1024px wide, so half of it
	// is visible and that half spans a 3x3 tile block around center.
	cam := camera{lng: 0, lat: 0, zoom: 2, w: 512, h: 512}
	keys := visibleTiles(cam)

	if len(keys) != 9 {
		t.Fatalf("len(visibleTiles) = %d, want 9", len(keys))
	}
	for _, k := range keys {
		if k.Z != 2 {
			t.Errorf("tile %+v not at zoom 2", k)
		}
		if k.X < 1 || k.X > 3 || k.Y < 1 || k.Y > 3 {
			t.Errorf("tile %+v outside the expected 1..3 block", k)
		}
	}
	// Row-major: first tile is the northwest corner.
	if keys[0] != (tileKey{Z: 2, X: 1, Y: 1}) {
		t.Errorf("keys[0] = %+v, want {2 1 1}", keys[0])
	}
}

func TestVisibleTilesZoomRounding(t *testing.T) {
	for _, tt := range []struct {
		zoom float64
		want int
	}{
		{2.4, 2},
		{2.6, 3},
		{-3, 0},
		{25, basemapMaxZoom},
	} {
		keys := visibleTiles(camera{lng: 8.5, lat: 47.3, zoom: tt.zoom, w: 800, h: 600})
		if len(keys) == 0 {
			t.Fatalf("zoom %v: no tiles", tt.zoom)
		}
		if keys[0].Z != tt.want {
			t.Errorf("zoom %v: tile zoom = %d, want %d", tt.zoom, keys[0].Z, tt.want)
		}
	}
}

func TestVisibleTilesClampedAtWorldEdge(t *testing.T) {
	// Camera at the north pole edge: indexes must stay inside 0..n-1.
	cam := camera{lng: -179.9, lat: 85.0, zoom: 3, w: 1280, h: 800}
	n := 1 << 3
	for _, k := range visibleTiles(cam) {
		if k.X < 0 || k.X >= n || k.Y < 0 || k.Y >= n {
			t.Errorf("tile %+v outside the %dx%d grid", k, n, n)
		}
	}
}

func TestVisibleTilesZoomZeroSingleTile(t *testing.T) {
	keys := visibleTiles(camera{lng: 0, lat: 0, zoom: 0, w: 1280, h: 800})
	if len(keys) != 1 || keys[0] != (tileKey{Z: 0, X: 0, Y: 0}) {
		t.Errorf("visibleTiles at z0 = %+v, want the single root tile", keys)
	}
}
