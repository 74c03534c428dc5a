package mapengine

import (
	"context"
	"testing"

	geojson "github.com/paulmach/go.geojson"
)

func eventPoint(lng, lat float64, props map[string]interface{}) *geojson.Feature {
	f := geojson.NewPointFeature([]float64{lng, lat})
	for k, v := range props {
		f.Properties[k] = v
	}
	return f
}

func stack(n int, lng, lat float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		fc.AddFeature(eventPoint(lng, lat, map[string]interface{}{"id": i}))
	}
	return fc
}

func findCluster(t *testing.T, e *Engine) *geojson.Feature {
	t.Helper()
	for _, f := range e.VisibleFeatures() {
		if IsCluster(f) {
			return f
		}
	}
	t.Fatal("Expected a cluster feature in view")
	return nil
}

func TestClusterStack(t *testing.T) {
	e := New(800, 600)
	e.SetCollection(stack(120, 8.5, 47.3))
	e.JumpTo(8.5, 47.3, 3)

	f := findCluster(t, e)
	if f.Properties["point_count"] != 120 {
		t.Errorf("point_count = %v; want 120", f.Properties["point_count"])
	}
	if f.Properties["point_count_abbreviated"] != "120" {
		t.Errorf("point_count_abbreviated = %v; want 120", f.Properties["point_count_abbreviated"])
	}
	if _, ok := ClusterID(f); !ok {
		t.Error("Expected cluster_id on cluster feature")
	}
}

func TestClusterLeavesPaging(t *testing.T) {
	e := New(800, 600)
	e.SetCollection(stack(120, 8.5, 47.3))
	e.JumpTo(8.5, 47.3, 3)

	id, _ := ClusterID(findCluster(t, e))
	ctx := context.Background()

	seen := make(map[int]bool)
	for page := 1; page <= 4; page++ {
		leaves, err := e.ClusterLeaves(ctx, id, 50, (page-1)*50)
		if err != nil {
			t.Fatalf("ClusterLeaves(page %d) error: %v", page, err)
		}
		want := 120 - 50*(page-1)
		if want < 0 {
			want = 0
		}
		if want > 50 {
			want = 50
		}
		if len(leaves) != want {
			t.Errorf("page %d: got %d leaves; want %d", page, len(leaves), want)
		}
		for _, l := range leaves {
			i := l.Properties["id"].(int)
			if seen[i] {
				t.Errorf("page %d: leaf %d repeated across pages", page, i)
			}
			seen[i] = true
		}
	}
	if len(seen) != 120 {
		t.Errorf("Expected 120 distinct leaves across pages, got %d", len(seen))
	}
}

func TestClusterLeavesStableOrder(t *testing.T) {
	e := New(800, 600)
	e.SetCollection(stack(10, 8.5, 47.3))
	e.JumpTo(8.5, 47.3, 3)

	id, _ := ClusterID(findCluster(t, e))
	ctx := context.Background()

	a, err := e.ClusterLeaves(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("ClusterLeaves() error: %v", err)
	}
	b, err := e.ClusterLeaves(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("ClusterLeaves() error: %v", err)
	}
	for i := range a {
		if a[i].Properties["id"] != b[i].Properties["id"] {
			t.Fatalf("leaf order changed between calls at %d", i)
		}
	}
}

func TestClusterLeavesErrors(t *testing.T) {
	e := New(800, 600)
	e.SetCollection(stack(5, 8.5, 47.3))
	e.JumpTo(8.5, 47.3, 3)
	id, _ := ClusterID(findCluster(t, e))
	ctx := context.Background()

	if _, err := e.ClusterLeaves(ctx, 9999, 10, 0); err != ErrUnknownCluster {
		t.Errorf("ClusterLeaves(9999) error = %v; want ErrUnknownCluster", err)
	}

	// A reload invalidates old cluster ids.
	e.SetCollection(stack(5, 9.0, 48.0))
	if _, err := e.ClusterLeaves(ctx, id, 10, 0); err != ErrUnknownCluster {
		t.Errorf("ClusterLeaves(stale id) error = %v; want ErrUnknownCluster", err)
	}

	e.SetTileTemplate("https://api.example.com/tiles/{z}/{x}/{y}.pbf")
	if _, err := e.ClusterLeaves(ctx, 0, 10, 0); err != ErrNoClusterIndex {
		t.Errorf("ClusterLeaves(tile mode) error = %v; want ErrNoClusterIndex", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	e.SetCollection(stack(5, 8.5, 47.3))
	e.JumpTo(8.5, 47.3, 3)
	id, _ = ClusterID(findCluster(t, e))
	if _, err := e.ClusterLeaves(cancelled, id, 10, 0); err != context.Canceled {
		t.Errorf("ClusterLeaves(cancelled) error = %v; want context.Canceled", err)
	}
}

func TestClusterExpansionZoom(t *testing.T) {
	e := New(800, 600)
	fc := geojson.NewFeatureCollection()
	fc.AddFeature(eventPoint(0, 0, nil))
	fc.AddFeature(eventPoint(1, 0, nil))
	e.SetCollection(fc)
	e.JumpTo(0.5, 0, 2)

	id, _ := ClusterID(findCluster(t, e))
	z, err := e.ClusterExpansionZoom(id)
	if err != nil {
		t.Fatalf("ClusterExpansionZoom() error: %v", err)
	}
	// One degree of longitude splits once the radius shrinks under it.
	if z != 5 {
		t.Errorf("ClusterExpansionZoom() = %d; want 5", z)
	}
}

func TestCoincidentNeverSplit(t *testing.T) {
	e := New(800, 600)
	e.SetCollection(stack(4, 8.5, 47.3))
	e.JumpTo(8.5, 47.3, 3)

	id, _ := ClusterID(findCluster(t, e))
	z, err := e.ClusterExpansionZoom(id)
	if err != nil {
		t.Fatalf("ClusterExpansionZoom() error: %v", err)
	}
	if z != e.opts.MaxZoom+1 {
		t.Errorf("ClusterExpansionZoom() = %d; want %d", z, e.opts.MaxZoom+1)
	}
}

func TestClusterKindSums(t *testing.T) {
	e := New(800, 600)
	opts := DefaultClusterOptions()
	opts.SumKinds = []string{"WIFI", "BT"}
	e.SetClusterOptions(opts)

	fc := geojson.NewFeatureCollection()
	for i := 0; i < 3; i++ {
		fc.AddFeature(eventPoint(8.5, 47.3, map[string]interface{}{"kind": "WIFI"}))
	}
	for i := 0; i < 2; i++ {
		fc.AddFeature(eventPoint(8.5, 47.3, map[string]interface{}{"kind": "BT"}))
	}
	fc.AddFeature(eventPoint(8.5, 47.3, map[string]interface{}{"kind": "LTE"}))
	e.SetCollection(fc)
	e.JumpTo(8.5, 47.3, 3)

	f := findCluster(t, e)
	if f.Properties["wifi_count"] != 3 {
		t.Errorf("wifi_count = %v; want 3", f.Properties["wifi_count"])
	}
	if f.Properties["bt_count"] != 2 {
		t.Errorf("bt_count = %v; want 2", f.Properties["bt_count"])
	}
	if _, ok := f.Properties["lte_count"]; ok {
		t.Error("Expected no lte_count for untallied kind")
	}
}

func TestFarPointsStaySingle(t *testing.T) {
	e := New(800, 600)
	fc := geojson.NewFeatureCollection()
	fc.AddFeature(eventPoint(-120, 40, map[string]interface{}{"id": "a"}))
	fc.AddFeature(eventPoint(120, -40, map[string]interface{}{"id": "b"}))
	e.SetCollection(fc)
	e.JumpTo(0, 0, 0)

	feats := e.VisibleFeatures()
	if len(feats) != 2 {
		t.Fatalf("Expected 2 visible features, got %d", len(feats))
	}
	for _, f := range feats {
		if IsCluster(f) {
			t.Errorf("Expected no clusters for far-apart points, got %v", f.Properties)
		}
	}
}

func TestAbbreviate(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{7, "7"},
		{999, "999"},
		{1200, "1.2k"},
		{25000, "25k"},
	}
	for _, c := range cases {
		if got := abbreviate(c.n); got != c.want {
			t.Errorf("abbreviate(%d) = %q; want %q", c.n, got, c.want)
		}
	}
}
