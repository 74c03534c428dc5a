// Package query derives the canonical fetch filter from UI toggle state
// and the active time range.
package query

import (
	"net/url"
	"sort"
	"strconv"
	"time"
)

// DefaultWindow is the lookback applied when no time range is supplied.
const DefaultWindow = 24 * time.Hour

// TimeRange bounds a query. Zero values mean "unset" and are filled with
// the default window at build time.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Filter is the normalized query intent. Each set is sorted and
// deduplicated; an empty set means "no filter on this dimension", not
// "exclude everything".
type Filter struct {
	SourceCategories []string
	NetworkTypes     []string
	DeviceIDs        []string
	TimeRange        TimeRange
}

// toggleContribution is the backend tokens one UI toggle key feeds. A
// toggle may contribute to both dimensions.
type toggleContribution struct {
	Networks []string
	Sources  []string
}

var toggleTable = map[string]toggleContribution{
	"wifi":      {Networks: []string{"WIFI"}, Sources: []string{"beacon_message"}},
	"bluetooth": {Networks: []string{"BT"}, Sources: []string{"bluetooth_message"}},
	"lte":       {Networks: []string{"LTE"}, Sources: []string{"cellular_message"}},
	"nr":        {Networks: []string{"NR"}, Sources: []string{"cellular_message"}},
	"gsm":       {Networks: []string{"GSM"}, Sources: []string{"cellular_message"}},
	"cdma":      {Networks: []string{"CDMA"}, Sources: []string{"cellular_message"}},
	"wcdma":     {Networks: []string{"WCDMA"}, Sources: []string{"cellular_message"}},
	"gnss":      {Networks: []string{"GPS"}, Sources: []string{"gnss_message"}},
	"phone":     {Sources: []string{"phone_message"}},
}

// ToggleNames lists every known layer toggle in display order, for the
// viewer's legend and key bindings.
func ToggleNames() []string {
	return []string{"wifi", "bluetooth", "lte", "nr", "gsm", "cdma", "wcdma", "gnss", "phone"}
}

// Build derives a Filter from toggle state. Unknown keys are ignored,
// toggles are additive, and repeated tokens collapse. Calling it twice
// with the same input yields a deep-equal Filter.
func Build(toggles map[string]bool, tr TimeRange) Filter {
	return BuildAt(toggles, tr, time.Now())
}

// BuildAt is Build with an injectable clock for the default time window.
func BuildAt(toggles map[string]bool, tr TimeRange, now time.Time) Filter {
	var networks, sources []string
	for key, on := range toggles {
		if !on {
			continue
		}
		c, ok := toggleTable[key]
		if !ok {
			continue
		}
		networks = append(networks, c.Networks...)
		sources = append(sources, c.Sources...)
	}

	if tr.End.IsZero() {
		tr.End = now
	}
	if tr.Start.IsZero() {
		tr.Start = tr.End.Add(-DefaultWindow)
	}
	tr.Start = tr.Start.UTC()
	tr.End = tr.End.UTC()

	return Filter{
		SourceCategories: dedupSorted(sources),
		NetworkTypes:     dedupSorted(networks),
		TimeRange:        tr,
	}
}

// WithDevices returns a copy of the filter narrowed to the given device
// ids. The device picker lives outside this package; toggles never feed
// this dimension.
func (f Filter) WithDevices(ids ...string) Filter {
	f.DeviceIDs = dedupSorted(ids)
	return f
}

// IsEmpty reports whether all three token sets are empty. The time range
// does not count; it is always populated.
func (f Filter) IsEmpty() bool {
	return len(f.SourceCategories) == 0 && len(f.NetworkTypes) == 0 && len(f.DeviceIDs) == 0
}

// Equal reports whether two filters request the same data.
func (f Filter) Equal(o Filter) bool {
	return f.Key() == o.Key()
}

// Matches reports whether one canonical event passes the filter's
// network and source dimensions. Toggles are additive, so a hit on
// either dimension is enough; when both dimensions are unset the rest
// of the filter decides nothing here and everything passes. A wholly
// empty filter matches nothing, consistent with the cleared map it
// produces. Device and time dimensions are left to the backend.
func (f Filter) Matches(kind, source string) bool {
	if f.IsEmpty() {
		return false
	}
	if len(f.NetworkTypes) == 0 && len(f.SourceCategories) == 0 {
		return true
	}
	return containsToken(f.NetworkTypes, kind) || containsToken(f.SourceCategories, source)
}

func containsToken(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// QueryValues serializes the filter into request parameters.
func (f Filter) QueryValues() url.Values {
	v := url.Values{}
	v.Set("start_time", f.TimeRange.Start.Format(time.RFC3339))
	v.Set("end_time", f.TimeRange.End.Format(time.RFC3339))
	for _, s := range f.SourceCategories {
		v.Add("source", s)
	}
	for _, n := range f.NetworkTypes {
		v.Add("network_type", n)
	}
	for _, d := range f.DeviceIDs {
		v.Add("device", d)
	}
	return v
}

// PageValues returns QueryValues plus bbox and paging parameters.
func (f Filter) PageValues(bbox []float64, page, pageSize int) url.Values {
	v := f.QueryValues()
	if len(bbox) == 4 {
		v.Set("bbox", joinFloats(bbox))
	}
	v.Set("page", strconv.Itoa(page))
	v.Set("page_size", strconv.Itoa(pageSize))
	return v
}

// Key returns a stable string identity for change detection. Two filters
// with the same Key request the same data.
func (f Filter) Key() string {
	return f.QueryValues().Encode()
}

func dedupSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func joinFloats(fs []float64) string {
	out := ""
	for i, f := range fs {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatFloat(f, 'g', -1, 64)
	}
	return out
}
