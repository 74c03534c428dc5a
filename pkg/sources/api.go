// Package sources knows where event data comes from: the HTTP API, its
// vector tile endpoint, the live websocket feed, and survey CSV exports.
package sources

import (
	"strconv"
	"strings"

	"radiomap/pkg/geo"
	"radiomap/pkg/query"
)

const (
	eventsPath = "/api/v1/events"
	tilePath   = "/api/v1/tiles/{z}/{x}/{y}.pbf"
	livePath   = "/api/v1/live"
)

// API builds request URLs against one backend deployment.
type API struct {
	BaseURL string
}

func (a API) base() string {
	return strings.TrimRight(a.BaseURL, "/")
}

func (a API) EventsURL(f query.Filter) string {
	return a.base() + eventsPath + "?" + f.QueryValues().Encode()
}

func (a API) PagedEventsURL(f query.Filter, box geo.BBox, page, pageSize int) string {
	return a.base() + eventsPath + "?" + f.PageValues(box.Slice(), page, pageSize).Encode()
}

// TileTemplate carries the filter in the query string so the backend
// serves pre-filtered tiles.
func (a API) TileTemplate(f query.Filter) string {
	return a.base() + tilePath + "?" + f.QueryValues().Encode()
}

// LiveURL is the websocket endpoint of the streaming feed.
func (a API) LiveURL() string {
	u := a.base() + livePath
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// ExpandTile substitutes a tile address into a {z}/{x}/{y} template.
func ExpandTile(tpl string, z, x, y int) string {
	s := strings.Replace(tpl, "{z}", strconv.Itoa(z), 1)
	s = strings.Replace(s, "{x}", strconv.Itoa(x), 1)
	return strings.Replace(s, "{y}", strconv.Itoa(y), 1)
}
