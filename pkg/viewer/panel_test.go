package viewer

import (
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
	geojson "github.com/paulmach/go.geojson"
)

func TestKindColor(t *testing.T) {
	tests := []struct {
		kind string
		want color.RGBA
	}{
		{"WIFI", ColorWifi},
		{"wifi", ColorWifi},
		{"BT", ColorBluetooth},
		{"LTE", ColorCell},
		{"NR", ColorCell},
		{"GPS", ColorGNSS},
		{"phone_message", ColorPhone},
		{"UNKNOWN", ColorOther},
		{"", ColorOther},
	}
	for _, tt := range tests {
		if got := kindColor(tt.kind); got != tt.want {
			t.Errorf("kindColor(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestClusterColorPicksDominantKind(t *testing.T) {
	f := geojson.NewPointFeature([]float64{8.5, 47.3})
	f.Properties["cluster"] = true
	f.Properties["point_count"] = 30
	f.Properties["wifi_count"] = 8
	f.Properties["bt_count"] = 22

	if got := clusterColor(f); got != ColorBluetooth {
		t.Errorf("clusterColor = %v, want bluetooth", got)
	}
}

func TestClusterColorIgnoresPointCount(t *testing.T) {
	// point_count is the cluster size, not a kind tally; a cluster
	// with no kind sums falls back to the neutral color.
	f := geojson.NewPointFeature([]float64{8.5, 47.3})
	f.Properties["cluster"] = true
	f.Properties["point_count"] = 500

	if got := clusterColor(f); got != ColorOther {
		t.Errorf("clusterColor = %v, want neutral", got)
	}
}

func TestClusterRadiusGrowsWithCount(t *testing.T) {
	if r2, r200 := clusterRadius(2), clusterRadius(200); r200 <= r2 {
		t.Errorf("clusterRadius(200) = %v not above clusterRadius(2) = %v", r200, r2)
	}
}

func TestRowTitle(t *testing.T) {
	tests := []struct {
		name string
		row  map[string]interface{}
		want string
	}{
		{"ssid wins", map[string]interface{}{"ssid": "CoffeeAP", "bssid": "aa:bb"}, "CoffeeAP"},
		{"bssid fallback", map[string]interface{}{"bssid": "aa:bb:cc:dd:ee:ff"}, "aa:bb:cc:dd:ee:ff"},
		{"kind last", map[string]interface{}{"kind": "LTE"}, "LTE"},
		{"nothing", map[string]interface{}{}, "(unnamed)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rowTitle(tt.row); got != tt.want {
				t.Errorf("rowTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRowDetail(t *testing.T) {
	row := map[string]interface{}{
		"kind":           "WIFI",
		"signalStrength": -67.0,
		"country":        "CH",
		"tags":           []interface{}{"printer"},
	}
	got := rowDetail(row)
	want := "WIFI - -67 dBm - Switzerland - printer"
	if got != want {
		t.Errorf("rowDetail = %q, want %q", got, want)
	}
}

func TestRowDetailUnknownCountryKeepsRaw(t *testing.T) {
	row := map[string]interface{}{"kind": "BT", "country": "XZ"}
	if got := rowDetail(row); got != "BT - XZ" {
		t.Errorf("rowDetail = %q, want %q", got, "BT - XZ")
	}
}

func TestTagList(t *testing.T) {
	got := tagList([]interface{}{"printer", 7, "camera"})
	if diff := cmp.Diff([]string{"printer", "camera"}, got); diff != "" {
		t.Errorf("tagList mismatch (-want +got):\n%s", diff)
	}
	if tagList(nil) != nil {
		t.Error("tagList(nil) should be nil")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate kept = %q", got)
	}
	if got := truncate("a very long network name", 10); got != "a very ..." {
		t.Errorf("truncate = %q, want %q", got, "a very ...")
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("the server said the index rebuild is in progress", 16)
	want := []string{"the server said", "the index", "rebuild is in", "progress"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrapText mismatch (-want +got):\n%s", diff)
	}
	if wrapText("", 10) != nil {
		t.Error("wrapText(\"\") should be nil")
	}
}
