// Package classify tags observed network and device names by matching
// them against a dictionary of known substrings: default router SSIDs,
// cameras, printers, vehicles, payment terminals. One Aho-Corasick pass
// covers the whole dictionary regardless of its size.
package classify

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
	geojson "github.com/paulmach/go.geojson"
)

// Rule maps lowercase name substrings to one tag.
type Rule struct {
	Tag      string
	Patterns []string
}

// DefaultRules cover the device families that show up in wardriving
// surveys often enough to be worth calling out.
func DefaultRules() []Rule {
	return []Rule{
		{Tag: "printer", Patterns: []string{"hp-print", "epson", "canon_ij", "brother", "laserjet", "deskjet"}},
		{Tag: "camera", Patterns: []string{"ring-", "ring doorbell", "nest cam", "wyze", "arlo", "hikvision", "dahua", "reolink", "ipcam"}},
		{Tag: "hotspot", Patterns: []string{"iphone", "android", "mifi", "hotspot", "jetpack"}},
		{Tag: "router-default", Patterns: []string{"netgear", "linksys", "tp-link", "dlink", "d-link", "xfinitywifi", "att-wifi", "spectrum", "orbi", "eero", "fritz!box"}},
		{Tag: "vehicle", Patterns: []string{"tesla", "uconnect", "ford sync", "toyota", "subaru", "chevrolet"}},
		{Tag: "pos", Patterns: []string{"square", "clover", "verifone", "ingenico"}},
		{Tag: "iot", Patterns: []string{"esp_", "esp-", "sonoff", "tuya", "shelly", "tasmota"}},
	}
}

var nameAliases = []string{"ssid", "name", "deviceName", "device_name"}

type Classifier struct {
	matcher *ahocorasick.Matcher
	tags    []string // pattern index -> tag
	order   map[string]int
}

func New() *Classifier {
	return NewWithRules(DefaultRules())
}

func NewWithRules(rules []Rule) *Classifier {
	var patterns []string
	var tags []string
	order := make(map[string]int, len(rules))
	for i, r := range rules {
		order[r.Tag] = i
		for _, p := range r.Patterns {
			patterns = append(patterns, strings.ToLower(p))
			tags = append(tags, r.Tag)
		}
	}
	return &Classifier{
		matcher: ahocorasick.NewStringMatcher(patterns),
		tags:    tags,
		order:   order,
	}
}

// Tags returns the matched tags for a name, deduplicated, in rule
// declaration order.
func (c *Classifier) Tags(name string) []string {
	if name == "" {
		return nil
	}
	hits := c.matcher.Match([]byte(strings.ToLower(name)))
	if len(hits) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(hits))
	var out []string
	for _, h := range hits {
		t := c.tags[h]
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	// Match reports dictionary order of first occurrence, which is not
	// rule order once rules share prefixes. Sort back to rule order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && c.order[out[j-1]] > c.order[out[j]]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Annotate adds a "tags" property to every feature whose name matched
// at least one rule and reports how many it tagged.
func (c *Classifier) Annotate(fc *geojson.FeatureCollection) int {
	if fc == nil {
		return 0
	}
	return c.AnnotateFeatures(fc.Features)
}

// AnnotateFeatures is Annotate over a bare feature slice, for callers
// holding tile payloads or live batches instead of a collection.
func (c *Classifier) AnnotateFeatures(fs []*geojson.Feature) int {
	n := 0
	for _, f := range fs {
		if f == nil || f.Properties == nil {
			continue
		}
		name := ""
		for _, k := range nameAliases {
			if s, ok := f.Properties[k].(string); ok && s != "" {
				name = s
				break
			}
		}
		if tags := c.Tags(name); len(tags) > 0 {
			f.Properties["tags"] = tags
			n++
		}
	}
	return n
}
