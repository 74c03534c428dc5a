// Package mapengine keeps the map viewport and the event sources it
// renders: either a clustered GeoJSON collection or a set of decoded
// vector tiles. It answers the hit-testing and camera questions the
// session layer asks, without touching the network itself.
package mapengine

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	geojson "github.com/paulmach/go.geojson"

	"radiomap/pkg/geo"
)

// Layer names used for hit testing.
const (
	LayerClusters    = "clusters"
	LayerUnclustered = "unclustered-points"
	LayerPoints      = "points"
	LayerHeatmap     = "heatmap"
)

const (
	tileSize     = 256
	clusterHitPx = 20.0
	pointHitPx   = 9.0
	maxViewZoom  = 20.0
	minTileZoom  = 0
	maxTileZoom  = 16
	viewMarginPx = 64.0
)

var (
	ErrNoClusterIndex = errors.New("no cluster index for current source")
	ErrUnknownCluster = errors.New("unknown cluster id")
)

type SourceMode int

const (
	ModeNone SourceMode = iota
	ModeCollection
	ModeTiles
)

type TileCoord struct {
	Z, X, Y int
}

type FitOptions struct {
	Padding float64 // screen pixels kept clear on every edge
	MaxZoom float64
}

type Engine struct {
	Width, Height int

	centerLng, centerLat float64
	zoom                 float64
	viewMu               sync.Mutex

	mode         SourceMode
	tileTemplate string
	collection   *geojson.FeatureCollection
	feats        []*geojson.Feature
	points       []clusterPoint
	kinds        []string
	sortedX      []int
	levels       map[int]*clusterLevel
	nodesByID    map[uint32]*clusterNode
	nextID       uint32
	opts         ClusterOptions
	sourceMu     sync.Mutex

	tiles   map[TileCoord][]*geojson.Feature
	tilesMu sync.Mutex

	viewportChanged func()
	dataChanged     func()
	funcMu          sync.Mutex
}

func New(width, height int) *Engine {
	return &Engine{
		Width:     width,
		Height:    height,
		centerLng: 0,
		centerLat: 20,
		zoom:      1.5,
		opts:      DefaultClusterOptions(),
		levels:    make(map[int]*clusterLevel),
		nodesByID: make(map[uint32]*clusterNode),
		tiles:     make(map[TileCoord][]*geojson.Feature),
	}
}

// SetViewportChangeFunc registers the hook invoked after every camera
// move or resize.
func (e *Engine) SetViewportChangeFunc(f func()) {
	e.funcMu.Lock()
	e.viewportChanged = f
	e.funcMu.Unlock()
}

func (e *Engine) notifyViewport() {
	e.funcMu.Lock()
	f := e.viewportChanged
	e.funcMu.Unlock()
	if f != nil {
		f()
	}
}

// SetDataChangeFunc registers the hook invoked after the data source
// is replaced via SetCollection or SetTileTemplate.
func (e *Engine) SetDataChangeFunc(f func()) {
	e.funcMu.Lock()
	e.dataChanged = f
	e.funcMu.Unlock()
}

func (e *Engine) notifyData() {
	e.funcMu.Lock()
	f := e.dataChanged
	e.funcMu.Unlock()
	if f != nil {
		f()
	}
}

func (e *Engine) Resize(width, height int) {
	e.viewMu.Lock()
	changed := width != e.Width || height != e.Height
	e.Width, e.Height = width, height
	e.viewMu.Unlock()
	if changed {
		e.notifyViewport()
	}
}

func (e *Engine) Center() (lng, lat float64) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.centerLng, e.centerLat
}

func (e *Engine) Zoom() float64 {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.zoom
}

func (e *Engine) SetCenter(lng, lat float64) {
	e.viewMu.Lock()
	e.centerLng = lng
	e.centerLat = geo.ClampLat(lat)
	e.viewMu.Unlock()
	e.notifyViewport()
}

func (e *Engine) SetZoom(z float64) {
	e.viewMu.Lock()
	e.zoom = clampZoom(z)
	e.viewMu.Unlock()
	e.notifyViewport()
}

// JumpTo moves the camera in one step.
func (e *Engine) JumpTo(lng, lat, zoom float64) {
	e.viewMu.Lock()
	e.centerLng = lng
	e.centerLat = geo.ClampLat(lat)
	e.zoom = clampZoom(zoom)
	e.viewMu.Unlock()
	e.notifyViewport()
}

func clampZoom(z float64) float64 {
	if z < 0 {
		return 0
	}
	if z > maxViewZoom {
		return maxViewZoom
	}
	return z
}

// FitBounds centers the viewport on a bounding box at the largest zoom
// that keeps the whole box on screen, honoring padding and the zoom cap.
func (e *Engine) FitBounds(b geo.BBox, o FitOptions) {
	if !b.IsValid() {
		return
	}
	maxZoom := o.MaxZoom
	if maxZoom <= 0 {
		maxZoom = maxViewZoom
	}

	x1, y1 := geo.ProjectTile(b.MinLng, b.MaxLat, 0, 1)
	x2, y2 := geo.ProjectTile(b.MaxLng, b.MinLat, 0, 1)
	fx, fy := x2-x1, y2-y1

	e.viewMu.Lock()
	availW := float64(e.Width) - 2*o.Padding
	availH := float64(e.Height) - 2*o.Padding
	if availW < 1 {
		availW = 1
	}
	if availH < 1 {
		availH = 1
	}

	z := maxZoom
	if fx > 0 {
		z = math.Min(z, math.Log2(availW/(fx*tileSize)))
	}
	if fy > 0 {
		z = math.Min(z, math.Log2(availH/(fy*tileSize)))
	}
	if z > maxZoom {
		z = maxZoom
	}

	lng, lat := geo.UnprojectTile((x1+x2)/2, (y1+y2)/2, 0, 1)
	e.centerLng = lng
	e.centerLat = lat
	e.zoom = clampZoom(z)
	e.viewMu.Unlock()
	e.notifyViewport()
}

type viewport struct {
	cx, cy float64 // worldspace center
	zoom   float64
	w, h   float64
}

func (e *Engine) snapshot() viewport {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	cx, cy := geo.ProjectTile(e.centerLng, e.centerLat, 0, 1)
	return viewport{cx: cx, cy: cy, zoom: e.zoom, w: float64(e.Width), h: float64(e.Height)}
}

func (v viewport) scale() float64 { return tileSize * math.Exp2(v.zoom) }

func (v viewport) toScreen(wx, wy float64) (x, y float64) {
	s := v.scale()
	return v.w/2 + (wx-v.cx)*s, v.h/2 + (wy-v.cy)*s
}

func (v viewport) toWorld(sx, sy float64) (wx, wy float64) {
	s := v.scale()
	return v.cx + (sx-v.w/2)/s, v.cy + (sy-v.h/2)/s
}

// ScreenToLngLat converts a screen position to geographic coordinates
// under the current camera.
func (e *Engine) ScreenToLngLat(sx, sy float64) (lng, lat float64) {
	v := e.snapshot()
	wx, wy := v.toWorld(sx, sy)
	return geo.UnprojectTile(wx, wy, 0, 1)
}

func (e *Engine) LngLatToScreen(lng, lat float64) (x, y float64) {
	v := e.snapshot()
	wx, wy := geo.ProjectTile(lng, lat, 0, 1)
	return v.toScreen(wx, wy)
}

// ViewBBox is the geographic box currently on screen, expanded by a
// small pixel margin.
func (e *Engine) ViewBBox() geo.BBox {
	v := e.snapshot()
	x1, y1 := v.toWorld(-viewMarginPx, v.h+viewMarginPx)
	x2, y2 := v.toWorld(v.w+viewMarginPx, -viewMarginPx)
	minLng, minLat := geo.UnprojectTile(clamp01(x1), clamp01(y1), 0, 1)
	maxLng, maxLat := geo.UnprojectTile(clamp01(x2), clamp01(y2), 0, 1)
	return geo.NewBBox(minLng, minLat, maxLng, maxLat)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TilesInView lists the tile addresses covering the viewport at the
// current integer zoom, row-major.
func (e *Engine) TilesInView() []TileCoord {
	v := e.snapshot()
	z := int(math.Floor(v.zoom + 0.5))
	if z < minTileZoom {
		z = minTileZoom
	}
	if z > maxTileZoom {
		z = maxTileZoom
	}
	n := 1 << uint(z)

	x1, y1 := v.toWorld(0, 0)
	x2, y2 := v.toWorld(v.w, v.h)
	tx1 := tileIndex(x1, n)
	ty1 := tileIndex(y1, n)
	tx2 := tileIndex(x2, n)
	ty2 := tileIndex(y2, n)

	var coords []TileCoord
	for ty := ty1; ty <= ty2; ty++ {
		for tx := tx1; tx <= tx2; tx++ {
			coords = append(coords, TileCoord{Z: z, X: tx, Y: ty})
		}
	}
	return coords
}

func tileIndex(world float64, n int) int {
	i := int(math.Floor(world * float64(n)))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// SetCollection replaces the data source with a GeoJSON collection and
// rebuilds the cluster index lazily. A nil collection clears the map.
func (e *Engine) SetCollection(fc *geojson.FeatureCollection) {
	e.sourceMu.Lock()
	e.mode = ModeCollection
	e.tileTemplate = ""
	e.collection = fc
	e.feats = nil
	if fc != nil {
		e.feats = fc.Features
	}
	e.points = make([]clusterPoint, len(e.feats))
	e.kinds = make([]string, len(e.feats))
	e.sortedX = make([]int, len(e.feats))
	for i, f := range e.feats {
		lng, lat := featurePoint(f)
		x, y := geo.ProjectTile(lng, lat, 0, 1)
		e.points[i] = clusterPoint{x: x, y: y}
		e.kinds[i] = stringProp(f, "kind")
		e.sortedX[i] = i
	}
	sort.Slice(e.sortedX, func(a, b int) bool {
		return e.points[e.sortedX[a]].x < e.points[e.sortedX[b]].x
	})
	e.levels = make(map[int]*clusterLevel)
	e.nodesByID = make(map[uint32]*clusterNode)
	e.sourceMu.Unlock()

	e.tilesMu.Lock()
	e.tiles = make(map[TileCoord][]*geojson.Feature)
	e.tilesMu.Unlock()

	e.notifyData()
}

// AppendFeatures adds freshly arrived points to a collection source
// without a full reload. The cluster index rebuilds lazily on the next
// query, and no data-change notification fires: streaming points in
// must not move the camera out from under the user. Tile sources
// ignore appends; their points come from the backend.
func (e *Engine) AppendFeatures(fs ...*geojson.Feature) {
	if len(fs) == 0 {
		return
	}
	e.sourceMu.Lock()
	if e.mode == ModeTiles {
		e.sourceMu.Unlock()
		return
	}
	e.mode = ModeCollection
	for _, f := range fs {
		if f == nil {
			continue
		}
		lng, lat := featurePoint(f)
		x, y := geo.ProjectTile(lng, lat, 0, 1)
		e.feats = append(e.feats, f)
		e.points = append(e.points, clusterPoint{x: x, y: y})
		e.kinds = append(e.kinds, stringProp(f, "kind"))
		e.sortedX = append(e.sortedX, len(e.feats)-1)
	}
	sort.Slice(e.sortedX, func(a, b int) bool {
		return e.points[e.sortedX[a]].x < e.points[e.sortedX[b]].x
	})
	// Collection() hands its pointer out, so readers may still be
	// ranging the old Features slice. Wrap the grown slice in a fresh
	// collection instead of mutating the one they hold.
	nc := geojson.NewFeatureCollection()
	nc.Features = e.feats
	e.collection = nc
	e.levels = make(map[int]*clusterLevel)
	e.nodesByID = make(map[uint32]*clusterNode)
	e.sourceMu.Unlock()
}

// SetTileTemplate switches the source to vector tiles served from the
// given URL template. Tile payloads arrive later through PutTile.
func (e *Engine) SetTileTemplate(tpl string) {
	e.sourceMu.Lock()
	e.mode = ModeTiles
	e.tileTemplate = tpl
	e.collection = nil
	e.feats = nil
	e.points = nil
	e.kinds = nil
	e.sortedX = nil
	e.levels = make(map[int]*clusterLevel)
	e.nodesByID = make(map[uint32]*clusterNode)
	e.sourceMu.Unlock()

	e.tilesMu.Lock()
	e.tiles = make(map[TileCoord][]*geojson.Feature)
	e.tilesMu.Unlock()

	e.notifyData()
}

func (e *Engine) TileTemplate() string {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()
	return e.tileTemplate
}

func (e *Engine) Mode() SourceMode {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()
	return e.mode
}

func (e *Engine) Collection() *geojson.FeatureCollection {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()
	return e.collection
}

func (e *Engine) SetClusterOptions(o ClusterOptions) {
	if o.Radius <= 0 {
		o.Radius = 40
	}
	if o.Extent <= 0 {
		o.Extent = 512
	}
	if o.MinPoints < 2 {
		o.MinPoints = 2
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = 16
	}
	e.sourceMu.Lock()
	e.opts = o
	e.levels = make(map[int]*clusterLevel)
	e.nodesByID = make(map[uint32]*clusterNode)
	e.sourceMu.Unlock()
}

func (e *Engine) PutTile(c TileCoord, feats []*geojson.Feature) {
	e.tilesMu.Lock()
	e.tiles[c] = feats
	e.tilesMu.Unlock()
}

func (e *Engine) HasTile(c TileCoord) bool {
	e.tilesMu.Lock()
	defer e.tilesMu.Unlock()
	_, ok := e.tiles[c]
	return ok
}

func (e *Engine) DropTile(c TileCoord) {
	e.tilesMu.Lock()
	delete(e.tiles, c)
	e.tilesMu.Unlock()
}

func (e *Engine) ClearTiles() {
	e.tilesMu.Lock()
	e.tiles = make(map[TileCoord][]*geojson.Feature)
	e.tilesMu.Unlock()
}

func (e *Engine) TileCount() int {
	e.tilesMu.Lock()
	defer e.tilesMu.Unlock()
	return len(e.tiles)
}

// DropTilesOutside evicts cached tiles that are no longer in the given
// working set.
func (e *Engine) DropTilesOutside(keep []TileCoord) {
	want := make(map[TileCoord]bool, len(keep))
	for _, c := range keep {
		want[c] = true
	}
	e.tilesMu.Lock()
	for c := range e.tiles {
		if !want[c] {
			delete(e.tiles, c)
		}
	}
	e.tilesMu.Unlock()
}

func (e *Engine) clusterZoom(z float64) int {
	iz := int(math.Floor(z))
	if iz < e.opts.MinZoom {
		return e.opts.MinZoom
	}
	if iz > e.opts.MaxZoom+1 {
		return e.opts.MaxZoom + 1
	}
	return iz
}

// VisibleFeatures returns what the overlay should draw for the current
// camera: cluster bubbles plus loose points in collection mode, decoded
// tile features in tile mode.
func (e *Engine) VisibleFeatures() []*geojson.Feature {
	v := e.snapshot()
	box := e.ViewBBox()

	e.sourceMu.Lock()
	mode := e.mode
	var out []*geojson.Feature
	if mode == ModeCollection && len(e.feats) > 0 {
		lvl := e.level(e.clusterZoom(v.zoom))
		for _, n := range lvl.nodes {
			f := e.toFeature(n)
			if box.Contains(f.Geometry.Point[0], f.Geometry.Point[1]) {
				out = append(out, f)
			}
		}
		for _, i := range lvl.singles {
			lng, lat := featurePoint(e.feats[i])
			if box.Contains(lng, lat) {
				out = append(out, e.feats[i])
			}
		}
	}
	e.sourceMu.Unlock()
	if mode != ModeTiles {
		return out
	}

	e.tilesMu.Lock()
	for _, feats := range e.tiles {
		for _, f := range feats {
			for _, pt := range featurePoints(f) {
				if box.Contains(pt[0], pt[1]) {
					out = append(out, f)
					break
				}
			}
		}
	}
	e.tilesMu.Unlock()
	return out
}

type hit struct {
	f     *geojson.Feature
	d2    float64
	order int
}

// QueryRenderedFeatures hit-tests the requested layers at a screen
// position. Results come back nearest first within each layer, layers
// in the order they were asked for.
func (e *Engine) QueryRenderedFeatures(sx, sy float64, layers []string) []*geojson.Feature {
	if len(layers) == 0 {
		layers = []string{LayerClusters, LayerUnclustered, LayerPoints}
	}
	order := make(map[string]int, len(layers))
	for i, l := range layers {
		if _, ok := order[l]; !ok {
			order[l] = i
		}
	}

	v := e.snapshot()
	var hits []hit

	e.sourceMu.Lock()
	mode := e.mode
	if mode == ModeCollection && len(e.feats) > 0 {
		lvl := e.level(e.clusterZoom(v.zoom))
		if o, ok := order[LayerClusters]; ok {
			for _, n := range lvl.nodes {
				x, y := v.toScreen(n.X, n.Y)
				d2 := sq(x-sx) + sq(y-sy)
				if d2 <= clusterHitPx*clusterHitPx {
					hits = append(hits, hit{f: e.toFeature(n), d2: d2, order: o})
				}
			}
		}
		o, ok := order[LayerUnclustered]
		if !ok {
			o, ok = order[LayerHeatmap]
		}
		if ok {
			for _, i := range lvl.singles {
				lng, lat := featurePoint(e.feats[i])
				wx, wy := geo.ProjectTile(lng, lat, 0, 1)
				x, y := v.toScreen(wx, wy)
				d2 := sq(x-sx) + sq(y-sy)
				if d2 <= pointHitPx*pointHitPx {
					hits = append(hits, hit{f: e.feats[i], d2: d2, order: o})
				}
			}
		}
	}
	e.sourceMu.Unlock()

	if mode == ModeTiles {
		o, ok := order[LayerPoints]
		if !ok {
			o, ok = order[LayerHeatmap]
		}
		if ok {
			e.tilesMu.Lock()
			for _, feats := range e.tiles {
				for _, f := range feats {
					for _, pt := range featurePoints(f) {
						wx, wy := geo.ProjectTile(pt[0], pt[1], 0, 1)
						x, y := v.toScreen(wx, wy)
						d2 := sq(x-sx) + sq(y-sy)
						if d2 <= pointHitPx*pointHitPx {
							hits = append(hits, hit{f: f, d2: d2, order: o})
							break
						}
					}
				}
			}
			e.tilesMu.Unlock()
		}
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].order != hits[b].order {
			return hits[a].order < hits[b].order
		}
		return hits[a].d2 < hits[b].d2
	})
	out := make([]*geojson.Feature, len(hits))
	for i, h := range hits {
		out[i] = h.f
	}
	return out
}

func sq(v float64) float64 { return v * v }

// ClusterLeaves pages through the original points behind a cluster,
// in a stable order. The context lets a caller abandon the walk.
func (e *Engine) ClusterLeaves(ctx context.Context, clusterID uint32, limit, offset int) ([]*geojson.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()
	if e.mode != ModeCollection {
		return nil, ErrNoClusterIndex
	}
	node, ok := e.nodesByID[clusterID]
	if !ok {
		return nil, ErrUnknownCluster
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(node.Members) {
		return nil, nil
	}
	end := len(node.Members)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*geojson.Feature, 0, end-offset)
	for _, m := range node.Members[offset:end] {
		out = append(out, e.feats[m])
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClusterCount returns the point_count of a cluster without rendering
// its feature.
func (e *Engine) ClusterCount(clusterID uint32) (int, error) {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()
	if e.mode != ModeCollection {
		return 0, ErrNoClusterIndex
	}
	node, ok := e.nodesByID[clusterID]
	if !ok {
		return 0, ErrUnknownCluster
	}
	return node.Count(), nil
}

// ClusterExpansionZoom is the first zoom past the cluster's own where
// its members no longer sit in a single bubble.
func (e *Engine) ClusterExpansionZoom(clusterID uint32) (int, error) {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()
	if e.mode != ModeCollection {
		return 0, ErrNoClusterIndex
	}
	node, ok := e.nodesByID[clusterID]
	if !ok {
		return 0, ErrUnknownCluster
	}
	for z := node.Zoom + 1; z <= e.opts.MaxZoom; z++ {
		lvl := e.level(z)
		first := lvl.owner[node.Members[0]]
		if first == -1 {
			return z, nil
		}
		for _, m := range node.Members[1:] {
			if lvl.owner[m] != first {
				return z, nil
			}
		}
	}
	return e.opts.MaxZoom + 1, nil
}

func featurePoint(f *geojson.Feature) (lng, lat float64) {
	if f == nil || f.Geometry == nil {
		return 0, 0
	}
	if f.Geometry.IsPoint() && len(f.Geometry.Point) >= 2 {
		return f.Geometry.Point[0], f.Geometry.Point[1]
	}
	if f.Geometry.IsMultiPoint() && len(f.Geometry.MultiPoint) > 0 {
		return f.Geometry.MultiPoint[0][0], f.Geometry.MultiPoint[0][1]
	}
	return 0, 0
}

func featurePoints(f *geojson.Feature) [][]float64 {
	if f == nil || f.Geometry == nil {
		return nil
	}
	if f.Geometry.IsPoint() && len(f.Geometry.Point) >= 2 {
		return [][]float64{f.Geometry.Point}
	}
	if f.Geometry.IsMultiPoint() {
		return f.Geometry.MultiPoint
	}
	return nil
}

func stringProp(f *geojson.Feature, key string) string {
	if f == nil || f.Properties == nil {
		return ""
	}
	s, _ := f.Properties[key].(string)
	return s
}
