package classify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	geojson "github.com/paulmach/go.geojson"
)

func TestTagsKnownDevices(t *testing.T) {
	c := New()
	cases := []struct {
		name string
		want []string
	}{
		{"HP-Print-42-LaserJet", []string{"printer"}},
		{"DIRECT-EPSON WF-3720", []string{"printer"}},
		{"Ring Doorbell", []string{"camera"}},
		{"WYZE_CAM_V3", []string{"camera"}},
		{"NETGEAR-5G", []string{"router-default"}},
		{"Tesla Model 3", []string{"vehicle"}},
		{"iPhone von Anna", []string{"hotspot"}},
		{"NETGEAR ipcam", []string{"camera", "router-default"}},
		{"totally normal network", nil},
		{"", nil},
	}
	for _, tc := range cases {
		if got := c.Tags(tc.name); !cmp.Equal(got, tc.want) {
			t.Errorf("Tags(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTagsCustomRules(t *testing.T) {
	c := NewWithRules([]Rule{
		{Tag: "lab", Patterns: []string{"bench-", "rig"}},
	})
	if got := c.Tags("Bench-07"); !cmp.Equal(got, []string{"lab"}) {
		t.Fatalf("Tags = %v", got)
	}
	if got := c.Tags("NETGEAR-5G"); got != nil {
		t.Fatalf("default rules leaked into custom classifier: %v", got)
	}
}

func TestTagsDedup(t *testing.T) {
	c := New()
	// Two printer patterns in one name still yield the tag once.
	got := c.Tags("EPSON LaserJet combo")
	if !cmp.Equal(got, []string{"printer"}) {
		t.Fatalf("Tags = %v", got)
	}
}

func TestAnnotate(t *testing.T) {
	c := New()
	fc := geojson.NewFeatureCollection()

	tagged := geojson.NewPointFeature([]float64{8.5, 47.3})
	tagged.Properties["ssid"] = "Linksys00321"
	fc.AddFeature(tagged)

	aliased := geojson.NewPointFeature([]float64{8.6, 47.4})
	aliased.Properties["deviceName"] = "ESP_A4B2C2"
	fc.AddFeature(aliased)

	plain := geojson.NewPointFeature([]float64{8.7, 47.5})
	plain.Properties["ssid"] = "home-wifi"
	fc.AddFeature(plain)

	if n := c.Annotate(fc); n != 2 {
		t.Fatalf("Annotate = %d, want 2", n)
	}
	if got := tagged.Properties["tags"]; !cmp.Equal(got, []string{"router-default"}) {
		t.Errorf("ssid tags = %v", got)
	}
	if got := aliased.Properties["tags"]; !cmp.Equal(got, []string{"iot"}) {
		t.Errorf("deviceName tags = %v", got)
	}
	if _, ok := plain.Properties["tags"]; ok {
		t.Error("unmatched feature got a tags property")
	}
}

func TestAnnotateNil(t *testing.T) {
	if n := New().Annotate(nil); n != 0 {
		t.Fatalf("Annotate(nil) = %d", n)
	}
}
