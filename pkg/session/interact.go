package session

import (
	geojson "github.com/paulmach/go.geojson"

	"radiomap/pkg/geo"
	"radiomap/pkg/mapengine"
	"radiomap/pkg/normalize"
)

// HoverInfo is the transient record behind the cursor affordance and
// tooltip. Zero value means nothing is under the pointer.
type HoverInfo struct {
	Active  bool
	Cluster bool
	Count   int
	Feature *geojson.Feature
	X, Y    float64
}

// hitLayersLocked returns the engine layers queried for the current
// view mode. Heatmap view is non-interactive and returns nil.
func (s *Session) hitLayersLocked() []string {
	switch s.viewMode {
	case ViewClusters:
		return []string{mapengine.LayerClusters, mapengine.LayerUnclustered}
	case ViewHeatmap:
		return nil
	default:
		return []string{mapengine.LayerPoints, mapengine.LayerUnclustered}
	}
}

// Click resolves a pointer press at screen coordinates. Cluster hits
// open the leaves pager, aggregate buckets open a bbox page fetch,
// literal single events show directly. Empty hits are ignored.
func (s *Session) Click(sx, sy float64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	layers := s.hitLayersLocked()
	s.mu.Unlock()
	if layers == nil {
		return
	}

	hits := s.engine.QueryRenderedFeatures(sx, sy, layers)
	if len(hits) == 0 {
		return
	}

	if f := firstClusterHit(hits); f != nil {
		s.clickCluster(f)
		return
	}
	s.clickPoint(hits[0])
}

func (s *Session) clickCluster(f *geojson.Feature) {
	id, ok := mapengine.ClusterID(f)
	if !ok {
		s.clickPoint(f)
		return
	}
	total, err := s.engine.ClusterCount(id)
	if err != nil {
		// No cluster index behind this source: log and leave the
		// panel closed.
		s.log.Warn().Err(err).Uint32("cluster", id).Msg("cluster drill-down unavailable")
		return
	}
	s.metrics.IncInteraction("cluster")

	s.mu.Lock()
	if !s.closed {
		s.openLeavesLocked(id, total)
	}
	s.mu.Unlock()
}

func (s *Session) clickPoint(f *geojson.Feature) {
	lng, lat, ok := featureLngLat(f)
	if !ok {
		return
	}
	if count, isBucket := normalize.BucketCount(f.Properties); isBucket && count > 1 {
		pad := geo.ClickPadding(s.engine.Zoom())
		box := geo.PointBBox(lng, lat, pad)
		s.metrics.IncInteraction("bucket")

		s.mu.Lock()
		if !s.closed {
			s.openBBoxLocked(box, count)
		}
		s.mu.Unlock()
		return
	}
	s.metrics.IncInteraction("point")

	s.mu.Lock()
	if !s.closed {
		s.openSingleLocked(f)
	}
	s.mu.Unlock()
}

// Hover records a pointer move for the next frame. Moves arriving
// while one is already pending are dropped, keeping the engine query
// rate at one per frame.
func (s *Session) Hover(sx, sy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.hoverPending {
		return
	}
	s.hoverPending = true
	s.hoverX, s.hoverY = sx, sy
}

// FrameTick runs the pending hover query. The viewer calls it once
// per update frame.
func (s *Session) FrameTick() {
	s.mu.Lock()
	if s.closed || !s.hoverPending {
		s.mu.Unlock()
		return
	}
	sx, sy := s.hoverX, s.hoverY
	layers := s.hitLayersLocked()
	s.mu.Unlock()

	var info HoverInfo
	if layers != nil {
		if hits := s.engine.QueryRenderedFeatures(sx, sy, layers); len(hits) > 0 {
			info = hoverFrom(hits, sx, sy)
		}
	}

	s.mu.Lock()
	// Leave may have cleared the pending flag while the query ran; a
	// stale result must not resurrect the hover.
	if s.hoverPending {
		s.hover = info
		s.hoverPending = false
	}
	s.mu.Unlock()
}

// Leave clears hover state unconditionally, pending query included.
func (s *Session) Leave() {
	s.mu.Lock()
	s.hover = HoverInfo{}
	s.hoverPending = false
	s.mu.Unlock()
}

func (s *Session) HoverState() HoverInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hover
}

func hoverFrom(hits []*geojson.Feature, sx, sy float64) HoverInfo {
	if f := firstClusterHit(hits); f != nil {
		return HoverInfo{
			Active:  true,
			Cluster: true,
			Count:   intProp(f, "point_count"),
			Feature: f,
			X:       sx,
			Y:       sy,
		}
	}
	f := hits[0]
	count := 1
	if n, ok := normalize.BucketCount(f.Properties); ok {
		count = n
	}
	return HoverInfo{Active: true, Count: count, Feature: f, X: sx, Y: sy}
}

func firstClusterHit(hits []*geojson.Feature) *geojson.Feature {
	for _, f := range hits {
		if mapengine.IsCluster(f) {
			return f
		}
	}
	return nil
}

func featureLngLat(f *geojson.Feature) (lng, lat float64, ok bool) {
	if f == nil || f.Geometry == nil || len(f.Geometry.Point) < 2 {
		return 0, 0, false
	}
	lng, lat = f.Geometry.Point[0], f.Geometry.Point[1]
	if !geo.IsFinite(lng) || !geo.IsFinite(lat) {
		return 0, 0, false
	}
	return lng, lat, true
}

// featureRow flattens a feature into the map shape the detail panel
// renders, injecting coordinates when the properties lack them.
func featureRow(f *geojson.Feature) map[string]interface{} {
	row := make(map[string]interface{}, len(f.Properties)+2)
	for k, v := range f.Properties {
		row[k] = v
	}
	if lng, lat, ok := featureLngLat(f); ok {
		if _, present := row["longitude"]; !present {
			row["longitude"] = lng
		}
		if _, present := row["latitude"]; !present {
			row["latitude"] = lat
		}
	}
	return row
}

func intProp(f *geojson.Feature, key string) int {
	switch v := f.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
