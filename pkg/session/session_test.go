package session

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"github.com/rs/zerolog"

	"radiomap/pkg/fetch"
	"radiomap/pkg/mapengine"
	"radiomap/pkg/sources"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type stubClient struct {
	mu   sync.Mutex
	reqs []*http.Request
	do   func(req *http.Request) (*http.Response, error)
}

func (c *stubClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *stubClient) requests() []*http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*http.Request(nil), c.reqs...)
}

func (c *stubClient) pagedRequests() []*http.Request {
	var out []*http.Request
	for _, r := range c.requests() {
		if r.URL.Query().Get("page") != "" {
			out = append(out, r)
		}
	}
	return out
}

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func defaultDo(req *http.Request) (*http.Response, error) {
	if strings.Contains(req.URL.Path, "/tiles/") {
		return jsonResponse(200, ""), nil
	}
	return jsonResponse(200, `{"type":"FeatureCollection","features":[]}`), nil
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.stopped = true
	return true
}

type timerBank struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (b *timerBank) factory(d time.Duration, fn func()) Timer {
	t := &manualTimer{d: d, fn: fn}
	b.mu.Lock()
	b.timers = append(b.timers, t)
	b.mu.Unlock()
	return t
}

func (b *timerBank) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *timerBank) at(i int) *manualTimer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timers[i]
}

func (b *timerBank) last() *manualTimer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timers[len(b.timers)-1]
}

func newTestSession(t *testing.T, mode fetch.Mode, view ViewMode, do func(*http.Request) (*http.Response, error)) (*Session, *mapengine.Engine, *stubClient, *timerBank) {
	t.Helper()
	if do == nil {
		do = defaultDo
	}
	engine := mapengine.New(800, 600)
	client := &stubClient{do: do}
	orch := fetch.New(fetch.Config{
		API:    sources.API{BaseURL: "https://api.example.com"},
		Engine: engine,
		Client: client,
		Log:    zerolog.Nop(),
		Mode:   mode,
	})
	t.Cleanup(orch.Close)

	bank := &timerBank{}
	s, err := New(Config{
		Engine:   engine,
		Fetch:    orch,
		Log:      zerolog.Nop(),
		ViewMode: view,
		Timer:    bank.factory,
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, engine, client, bank
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func coincident(n int, lng, lat float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		f := geojson.NewPointFeature([]float64{lng, lat})
		f.Properties["kind"] = "WIFI"
		f.Properties["id"] = strconv.Itoa(i)
		fc.AddFeature(f)
	}
	return fc
}

func rowIDs(rows []map[string]interface{}) map[string]bool {
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		if id, ok := r["id"].(string); ok {
			out[id] = true
		}
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing engine")
	}
	if _, err := New(Config{Engine: mapengine.New(10, 10)}); err == nil {
		t.Fatal("expected error for missing orchestrator")
	}
}

func TestClickClusterOpensLeavesPager(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeDataset, ViewClusters, nil)
	engine.SetCollection(coincident(120, 8.5, 47.3))
	engine.JumpTo(8.5, 47.3, 10)

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Click(sx, sy)

	waitFor(t, "page 1", func() bool { p := s.Panel(); return p.Open && !p.Loading })
	p := s.Panel()
	if p.Page != 1 || p.TotalCount != 120 || p.PageSize != 50 {
		t.Fatalf("page 1 state: %+v", p)
	}
	if len(p.Rows) != 50 {
		t.Fatalf("page 1 rows = %d", len(p.Rows))
	}
	first := rowIDs(p.Rows)

	s.NextPage()
	waitFor(t, "page 2", func() bool { p := s.Panel(); return p.Page == 2 && !p.Loading })
	second := rowIDs(s.Panel().Rows)
	if len(second) != 50 {
		t.Fatalf("page 2 rows = %d", len(second))
	}
	for id := range second {
		if first[id] {
			t.Fatalf("row %s appears on both pages", id)
		}
	}

	s.NextPage()
	waitFor(t, "page 3", func() bool { p := s.Panel(); return p.Page == 3 && !p.Loading })
	if got := len(s.Panel().Rows); got != 20 {
		t.Fatalf("page 3 rows = %d", got)
	}

	// 120 rows fit in exactly three pages.
	s.NextPage()
	if p := s.Panel(); p.Page != 3 {
		t.Fatalf("page beyond end = %d", p.Page)
	}

	s.PrevPage()
	waitFor(t, "back to page 2", func() bool { p := s.Panel(); return p.Page == 2 && !p.Loading })
	if got := len(s.Panel().Rows); got != 50 {
		t.Fatalf("page 2 rows after prev = %d", got)
	}
}

func TestClusterClickWithoutIndexIsNoOp(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeTiles, ViewPoints, nil)
	engine.JumpTo(8.5, 47.3, 6)

	f := geojson.NewPointFeature([]float64{8.5, 47.3})
	f.Properties["cluster"] = true
	f.Properties["cluster_id"] = 7
	f.Properties["point_count"] = 40
	engine.PutTile(mapengine.TileCoord{Z: 6, X: 0, Y: 0}, []*geojson.Feature{f})

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Click(sx, sy)

	if p := s.Panel(); p.Open {
		t.Fatalf("panel opened without a cluster index: %+v", p)
	}
}

func TestClickBucketFetchesBBoxPage(t *testing.T) {
	do := func(req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("page") != "" {
			return jsonResponse(200, `{"events":[
				{"longitude":8.501,"latitude":47.301,"kind":"WIFI","signalStrength":-60},
				{"longitude":8.502,"latitude":47.302,"kind":"WIFI","signalStrength":-62},
				{"longitude":8.503,"latitude":47.303,"kind":"WIFI","signalStrength":-64}
			]}`), nil
		}
		return defaultDo(req)
	}
	s, engine, client, _ := newTestSession(t, fetch.ModeTiles, ViewPoints, do)
	engine.JumpTo(8.5, 47.3, 12)

	bucket := geojson.NewPointFeature([]float64{8.5, 47.3})
	bucket.Properties["count"] = 12
	bucket.Properties["kind"] = "WIFI"
	engine.PutTile(mapengine.TileCoord{Z: 12, X: 0, Y: 0}, []*geojson.Feature{bucket})

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Click(sx, sy)

	waitFor(t, "bbox page", func() bool { p := s.Panel(); return p.Open && !p.Loading })
	p := s.Panel()
	if len(p.Rows) != 3 {
		t.Fatalf("rows = %d", len(p.Rows))
	}
	// Backend reported no total, so the bucket's own count wins over
	// the row length.
	if p.TotalCount != 12 {
		t.Fatalf("total = %d, want 12", p.TotalCount)
	}

	paged := client.pagedRequests()
	if len(paged) != 1 {
		t.Fatalf("paged requests = %d", len(paged))
	}
	parts := strings.Split(paged[0].URL.Query().Get("bbox"), ",")
	if len(parts) != 4 {
		t.Fatalf("bbox = %q", paged[0].URL.Query().Get("bbox"))
	}
	want := []float64{8.49, 47.29, 8.51, 47.31} // 0.01 degree padding at zoom 12
	for i, part := range parts {
		got, err := strconv.ParseFloat(part, 64)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(got-want[i]) > 1e-9 {
			t.Errorf("bbox[%d] = %v, want %v", i, got, want[i])
		}
	}
}

func TestClickSingleEventShowsDirectly(t *testing.T) {
	s, engine, client, _ := newTestSession(t, fetch.ModeTiles, ViewPoints, nil)
	engine.JumpTo(8.5, 47.3, 14)

	f := geojson.NewPointFeature([]float64{8.5, 47.3})
	f.Properties["kind"] = "WIFI"
	f.Properties["ssid"] = "CoffeeAP"
	engine.PutTile(mapengine.TileCoord{Z: 14, X: 0, Y: 0}, []*geojson.Feature{f})

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Click(sx, sy)

	p := s.Panel()
	if !p.Open || p.Loading || p.Page != 1 || p.TotalCount != 1 {
		t.Fatalf("panel = %+v", p)
	}
	if len(p.Rows) != 1 || p.Rows[0]["ssid"] != "CoffeeAP" {
		t.Fatalf("rows = %+v", p.Rows)
	}
	if p.Rows[0]["longitude"] != 8.5 || p.Rows[0]["latitude"] != 47.3 {
		t.Fatalf("row coordinates = %v, %v", p.Rows[0]["longitude"], p.Rows[0]["latitude"])
	}
	if got := client.pagedRequests(); len(got) != 0 {
		t.Fatalf("single event still fetched %d pages", len(got))
	}
}

func TestClickEmptyAreaIgnored(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeDataset, ViewClusters, nil)
	engine.SetCollection(coincident(5, 8.5, 47.3))
	engine.JumpTo(8.5, 47.3, 10)

	s.Click(5, 5)
	if s.Panel().Open {
		t.Fatal("panel opened for a miss")
	}
}

func TestHeatmapViewNonInteractive(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeDataset, ViewHeatmap, nil)
	engine.SetCollection(coincident(1, 8.5, 47.3))
	engine.JumpTo(8.5, 47.3, 10)

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Click(sx, sy)
	if s.Panel().Open {
		t.Fatal("heatmap click opened a panel")
	}

	s.Hover(sx, sy)
	s.FrameTick()
	if s.HoverState().Active {
		t.Fatal("heatmap hover became active")
	}
}

func TestHoverThrottleDropsBurst(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeDataset, ViewPoints, nil)
	engine.SetCollection(coincident(1, 8.5, 47.3))
	engine.JumpTo(8.5, 47.3, 10)
	sx, sy := engine.LngLatToScreen(8.5, 47.3)

	s.Hover(sx, sy)
	if s.HoverState().Active {
		t.Fatal("hover resolved before the frame tick")
	}
	s.FrameTick()
	h := s.HoverState()
	if !h.Active || h.Cluster || h.Count != 1 {
		t.Fatalf("hover = %+v", h)
	}

	// A move to empty space, then a move back over the point that
	// arrives in the same frame. The second move is dropped, so the
	// query runs at the first position and finds nothing.
	s.Hover(5, 5)
	s.Hover(sx, sy)
	s.FrameTick()
	if s.HoverState().Active {
		t.Fatal("dropped move was queried anyway")
	}
}

func TestClusterHoverReportsCount(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeDataset, ViewClusters, nil)
	engine.SetCollection(coincident(10, 8.5, 47.3))
	engine.JumpTo(8.5, 47.3, 10)

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Hover(sx, sy)
	s.FrameTick()
	h := s.HoverState()
	if !h.Active || !h.Cluster || h.Count != 10 {
		t.Fatalf("cluster hover = %+v", h)
	}
}

func TestLeaveClearsHover(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeDataset, ViewPoints, nil)
	engine.SetCollection(coincident(1, 8.5, 47.3))
	engine.JumpTo(8.5, 47.3, 10)
	sx, sy := engine.LngLatToScreen(8.5, 47.3)

	s.Hover(sx, sy)
	s.FrameTick()
	if !s.HoverState().Active {
		t.Fatal("hover did not resolve")
	}
	s.Leave()
	if s.HoverState().Active {
		t.Fatal("Leave kept hover active")
	}

	// A pending move cleared by Leave never resolves.
	s.Hover(sx, sy)
	s.Leave()
	s.FrameTick()
	if s.HoverState().Active {
		t.Fatal("cleared pending hover resolved")
	}
}

func TestFitDebounceCollapsesBursts(t *testing.T) {
	s, engine, _, bank := newTestSession(t, fetch.ModeDataset, ViewPoints, nil)
	_ = s
	n0 := bank.count()

	fc := geojson.NewFeatureCollection()
	for _, c := range [][]float64{{8.4, 47.2}, {8.6, 47.4}} {
		fc.AddFeature(geojson.NewPointFeature(c))
	}
	engine.SetCollection(fc)
	if bank.count() != n0+1 {
		t.Fatalf("timers = %d, want %d", bank.count(), n0+1)
	}
	if d := bank.last().d; d != 180*time.Millisecond {
		t.Fatalf("debounce = %v", d)
	}

	engine.SetCollection(fc)
	if bank.count() != n0+2 {
		t.Fatalf("timers = %d, want %d", bank.count(), n0+2)
	}
	if !bank.at(n0).stopped {
		t.Fatal("superseded fit timer was not stopped")
	}

	bank.last().fn()
	lng, lat := engine.Center()
	if math.Abs(lng-8.5) > 1e-9 || math.Abs(lat-47.3) > 0.05 {
		t.Fatalf("center = %v, %v", lng, lat)
	}
	if engine.Zoom() <= 1.5 {
		t.Fatalf("zoom did not move: %v", engine.Zoom())
	}
}

func TestFitZeroPointsNoMove(t *testing.T) {
	s, engine, _, bank := newTestSession(t, fetch.ModeDataset, ViewPoints, nil)
	_ = s
	engine.SetCollection(geojson.NewFeatureCollection())
	bank.last().fn()

	lng, lat := engine.Center()
	if lng != 0 || lat != 20 || engine.Zoom() != 1.5 {
		t.Fatalf("camera moved on empty data: %v,%v z%v", lng, lat, engine.Zoom())
	}
}

func TestFitViewModeCaps(t *testing.T) {
	s, engine, _, bank := newTestSession(t, fetch.ModeDataset, ViewPoints, nil)
	engine.SetCollection(coincident(1, 8.5, 47.3))
	bank.last().fn()
	if z := engine.Zoom(); z != fitMaxZoomPoints {
		t.Fatalf("point mode zoom = %v, want %v", z, fitMaxZoomPoints)
	}
	lng, lat := engine.Center()
	if math.Abs(lng-8.5) > 1e-6 || math.Abs(lat-47.3) > 1e-6 {
		t.Fatalf("center = %v, %v", lng, lat)
	}

	s.SetViewMode(ViewClusters)
	bank.last().fn()
	if z := engine.Zoom(); z != fitMaxZoomClusters {
		t.Fatalf("cluster mode zoom = %v, want %v", z, fitMaxZoomClusters)
	}
}

func TestCloseCancelsFitTimer(t *testing.T) {
	s, engine, _, bank := newTestSession(t, fetch.ModeDataset, ViewPoints, nil)
	engine.SetCollection(coincident(1, 8.5, 47.3))
	tm := bank.last()

	s.Close()
	if !tm.stopped {
		t.Fatal("Close left the fit timer running")
	}

	// A fire that races Close must be a no-op.
	tm.fn()
	if lng, lat := engine.Center(); lng != 0 || lat != 20 {
		t.Fatalf("camera moved after Close: %v, %v", lng, lat)
	}
	s.Close()
}

func TestToggleRebuildsFilter(t *testing.T) {
	s, _, client, _ := newTestSession(t, fetch.ModeDataset, ViewPoints, nil)

	s.SetToggle("wifi", true)
	waitFor(t, "wifi fetch", func() bool {
		for _, r := range client.requests() {
			q := r.URL.Query()
			if q.Get("network_type") == "WIFI" && q.Get("source") == "beacon_message" {
				return true
			}
		}
		return false
	})

	n := len(client.requests())
	s.SetToggle("wifi", true) // no change, no refetch
	if got := len(client.requests()); got != n {
		t.Fatalf("redundant toggle issued a request: %d -> %d", n, got)
	}

	s.SetToggle("bluetooth", true)
	waitFor(t, "combined fetch", func() bool {
		for _, r := range client.requests() {
			if r.URL.Query().Get("network_type") == "BT,WIFI" {
				return true
			}
		}
		return false
	})
	if !s.Toggle("wifi") || !s.Toggle("bluetooth") {
		t.Fatal("toggle state lost")
	}
}

func TestPanelIgnoresFilterChanges(t *testing.T) {
	s, engine, _, _ := newTestSession(t, fetch.ModeTiles, ViewPoints, nil)
	engine.JumpTo(8.5, 47.3, 14)

	f := geojson.NewPointFeature([]float64{8.5, 47.3})
	f.Properties["ssid"] = "CoffeeAP"
	engine.PutTile(mapengine.TileCoord{Z: 14, X: 0, Y: 0}, []*geojson.Feature{f})

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Click(sx, sy)
	before := s.Panel()
	if !before.Open || len(before.Rows) != 1 {
		t.Fatalf("panel = %+v", before)
	}

	s.SetToggle("wifi", true)

	after := s.Panel()
	if !after.Open || after.Page != before.Page || len(after.Rows) != 1 {
		t.Fatalf("filter change disturbed the panel: %+v", after)
	}
	if after.Rows[0]["ssid"] != "CoffeeAP" {
		t.Fatalf("rows changed: %+v", after.Rows)
	}
}

func TestClosePanelDiscardsLateRows(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	releasePage := func() { once.Do(func() { close(release) }) }

	do := func(req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("page") != "" {
			<-release
			return jsonResponse(200, `{"events":[{"longitude":8.5,"latitude":47.3,"kind":"WIFI"}]}`), nil
		}
		return defaultDo(req)
	}
	s, engine, _, _ := newTestSession(t, fetch.ModeTiles, ViewPoints, do)
	defer releasePage()
	engine.JumpTo(8.5, 47.3, 12)

	bucket := geojson.NewPointFeature([]float64{8.5, 47.3})
	bucket.Properties["count"] = 5
	engine.PutTile(mapengine.TileCoord{Z: 12, X: 0, Y: 0}, []*geojson.Feature{bucket})

	sx, sy := engine.LngLatToScreen(8.5, 47.3)
	s.Click(sx, sy)
	if p := s.Panel(); !p.Open || !p.Loading {
		t.Fatalf("panel = %+v", p)
	}

	s.ClosePanel()
	releasePage()

	time.Sleep(50 * time.Millisecond)
	if p := s.Panel(); p.Open || len(p.Rows) != 0 {
		t.Fatalf("late rows resurrected the panel: %+v", p)
	}
}
