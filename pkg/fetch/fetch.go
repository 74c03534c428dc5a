// Package fetch moves event data from the backend into the map engine.
// It runs in one of two modes: tile mode streams pre-filtered vector
// tiles for the viewport, dataset mode pulls the whole filtered result
// as GeoJSON for client-side clustering. Responses that arrive after
// the filter moved on are discarded silently.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"github.com/rs/zerolog"

	"radiomap/pkg/classify"
	"radiomap/pkg/diag"
	"radiomap/pkg/geo"
	"radiomap/pkg/mapengine"
	"radiomap/pkg/mvt"
	"radiomap/pkg/normalize"
	"radiomap/pkg/query"
	"radiomap/pkg/sources"
)

// EventLayer is the tile layer the backend renders event points into.
const EventLayer = "events"

// Doer lets tests stand in for the HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Mode int

const (
	ModeTiles Mode = iota
	ModeDataset
)

func (m Mode) String() string {
	if m == ModeDataset {
		return "dataset"
	}
	return "tiles"
}

type Config struct {
	API     sources.API
	Engine  *mapengine.Engine
	Client  Doer
	Log     zerolog.Logger
	Metrics *diag.Metrics
	Mode    Mode
}

// PagedResult is one page of rows for the detail panel. ReportedTotal
// is false when the backend sent no total, leaving TotalCount as just
// the row count of this page.
type PagedResult struct {
	Rows          []map[string]interface{}
	TotalCount    int
	ReportedTotal bool
	Page          int
	PageSize      int
}

// Status is the orchestrator's user-visible fetch state. Err holds the
// server or transport text of the last genuine failure and empties on
// the next successful load; cancellations never touch it.
type Status struct {
	Loading bool
	Err     string
}

type Orchestrator struct {
	api        sources.API
	engine     *mapengine.Engine
	client     Doer
	log        zerolog.Logger
	metrics    *diag.Metrics
	classifier *classify.Classifier

	mu         sync.Mutex
	mode       Mode
	filter     query.Filter
	haveFilter bool
	loading    bool
	lastErr    string

	dataCancel context.CancelFunc
	generation uint64

	tileCtx    context.Context
	tileCancel context.CancelFunc
	inflight   map[mapengine.TileCoord]bool

	wg sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	o := &Orchestrator{
		api:        cfg.API,
		engine:     cfg.Engine,
		client:     client,
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		classifier: classify.New(),
		mode:       cfg.Mode,
		inflight:   make(map[mapengine.TileCoord]bool),
	}
	o.engine.SetViewportChangeFunc(o.onViewportChange)
	return o
}

// Close cancels all in-flight work and waits for it to drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.dataCancel != nil {
		o.dataCancel()
	}
	if o.tileCancel != nil {
		o.tileCancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) Filter() query.Filter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filter
}

// Status reports whether a map load is in progress and the text of the
// last failure, for the viewer's banner.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Loading: o.loading || len(o.inflight) > 0, Err: o.lastErr}
}

// SetMode switches fetch strategy and re-applies the current filter
// under the new one.
func (o *Orchestrator) SetMode(m Mode) {
	o.mu.Lock()
	if m == o.mode {
		o.mu.Unlock()
		return
	}
	o.mode = m
	f, have := o.filter, o.haveFilter
	o.mu.Unlock()
	if have {
		o.apply(f, true)
	}
}

// SetFilter is a no-op when the filter is unchanged; otherwise it
// reloads data under the current mode.
func (o *Orchestrator) SetFilter(f query.Filter) {
	o.mu.Lock()
	if o.haveFilter && f.Equal(o.filter) {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.apply(f, false)
}

// Refresh re-runs the current filter even though nothing changed.
func (o *Orchestrator) Refresh() {
	o.mu.Lock()
	f, have := o.filter, o.haveFilter
	o.mu.Unlock()
	if have {
		o.apply(f, true)
	}
}

func (o *Orchestrator) apply(f query.Filter, force bool) {
	o.mu.Lock()
	o.filter = f
	o.haveFilter = true
	mode := o.mode
	o.mu.Unlock()

	if mode == ModeDataset {
		o.applyDataset(f)
		return
	}
	o.applyTiles(f, force)
}

// applyDataset kicks off a whole-dataset load, or clears the map
// without any network when the filter selects nothing.
func (o *Orchestrator) applyDataset(f query.Filter) {
	o.mu.Lock()
	if o.dataCancel != nil {
		o.dataCancel()
	}
	o.generation++
	gen := o.generation

	if f.IsEmpty() {
		o.dataCancel = nil
		o.loading = false
		o.lastErr = ""
		o.mu.Unlock()
		o.log.Debug().Msg("empty filter, clearing dataset")
		o.engine.SetCollection(geojson.NewFeatureCollection())
		o.metrics.SetPointsLoaded(0)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.dataCancel = cancel
	o.loading = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.fetchDataset(ctx, gen, f)
}

func (o *Orchestrator) fetchDataset(ctx context.Context, gen uint64, f query.Filter) {
	defer o.wg.Done()
	start := time.Now()

	body, err := o.get(ctx, o.api.EventsURL(f))
	if err != nil {
		if IsCanceled(err) {
			o.log.Debug().Msg("dataset fetch canceled")
			o.metrics.ObserveFetch("dataset", "canceled", time.Since(start))
			return
		}
		o.log.Warn().Err(err).Msg("dataset fetch failed")
		o.metrics.ObserveFetch("dataset", "error", time.Since(start))
		o.failDataset(gen, err)
		return
	}

	env, err := normalize.Decode(body)
	if err != nil {
		o.log.Warn().Err(err).Msg("dataset response did not parse")
		o.metrics.ObserveFetch("dataset", "error", time.Since(start))
		o.failDataset(gen, err)
		return
	}
	fc := env.Canonical()
	dropped := inputCount(env) - len(fc.Features)
	tagged := o.classifier.Annotate(fc)

	o.mu.Lock()
	stale := gen != o.generation
	if !stale {
		o.loading = false
		o.lastErr = ""
	}
	o.mu.Unlock()
	if stale || ctx.Err() != nil {
		o.log.Debug().Uint64("generation", gen).Msg("dataset response superseded")
		o.metrics.ObserveFetch("dataset", "stale", time.Since(start))
		return
	}

	o.engine.SetCollection(fc)
	o.metrics.ObserveFetch("dataset", "ok", time.Since(start))
	o.metrics.SetPointsLoaded(len(fc.Features))
	o.metrics.AddRowsDropped(dropped)
	o.log.Info().
		Int("points", len(fc.Features)).
		Int("dropped", dropped).
		Int("tagged", tagged).
		Dur("took", time.Since(start)).
		Msg("dataset loaded")
}

// failDataset records a genuine failure and empties the map, unless a
// newer generation already took over.
func (o *Orchestrator) failDataset(gen uint64, err error) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.loading = false
	o.lastErr = err.Error()
	o.mu.Unlock()
	o.engine.SetCollection(geojson.NewFeatureCollection())
	o.metrics.SetPointsLoaded(0)
}

// applyTiles recomputes the tile template and only touches the source
// when the template string actually changed.
func (o *Orchestrator) applyTiles(f query.Filter, force bool) {
	tpl := o.api.TileTemplate(f)
	if !force && tpl == o.engine.TileTemplate() {
		return
	}

	o.mu.Lock()
	if o.tileCancel != nil {
		o.tileCancel()
	}
	o.tileCtx, o.tileCancel = context.WithCancel(context.Background())
	o.inflight = make(map[mapengine.TileCoord]bool)
	o.mu.Unlock()
	o.metrics.SetTilesInFlight(0)

	o.engine.SetTileTemplate(tpl)
	o.log.Info().Str("template", tpl).Msg("tile source updated")
	o.LoadVisibleTiles()
}

func (o *Orchestrator) onViewportChange() {
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()
	if mode == ModeTiles && o.engine.Mode() == mapengine.ModeTiles {
		o.LoadVisibleTiles()
	}
}

// LoadVisibleTiles requests every uncovered tile in the viewport and
// evicts tiles that scrolled out.
func (o *Orchestrator) LoadVisibleTiles() {
	tpl := o.engine.TileTemplate()
	if tpl == "" {
		return
	}
	coords := o.engine.TilesInView()
	o.engine.DropTilesOutside(coords)

	o.mu.Lock()
	if o.tileCtx == nil {
		o.tileCtx, o.tileCancel = context.WithCancel(context.Background())
	}
	ctx := o.tileCtx
	var missing []mapengine.TileCoord
	for _, c := range coords {
		if o.inflight[c] || o.engine.HasTile(c) {
			continue
		}
		o.inflight[c] = true
		missing = append(missing, c)
	}
	n := len(o.inflight)
	o.mu.Unlock()
	o.metrics.SetTilesInFlight(n)

	for _, c := range missing {
		o.wg.Add(1)
		go o.loadTile(ctx, tpl, c)
	}
}

func (o *Orchestrator) loadTile(ctx context.Context, tpl string, c mapengine.TileCoord) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, c)
		n := len(o.inflight)
		o.mu.Unlock()
		o.metrics.SetTilesInFlight(n)
	}()
	start := time.Now()

	body, err := o.get(ctx, sources.ExpandTile(tpl, c.Z, c.X, c.Y))
	if err != nil {
		if IsCanceled(err) {
			return
		}
		o.log.Warn().Err(err).Int("z", c.Z).Int("x", c.X).Int("y", c.Y).Msg("tile fetch failed")
		o.metrics.ObserveFetch("tiles", "error", time.Since(start))
		o.setErr(err)
		return
	}

	layers, err := mvt.Decode(body, c.Z, c.X, c.Y)
	if err != nil {
		o.log.Warn().Err(err).Int("z", c.Z).Int("x", c.X).Int("y", c.Y).Msg("tile did not decode")
		o.metrics.ObserveFetch("tiles", "error", time.Since(start))
		o.setErr(err)
		return
	}
	feats := layerFeatures(layers)
	o.classifier.AnnotateFeatures(feats)

	// The template may have moved on while this tile was in flight.
	if ctx.Err() != nil || o.engine.TileTemplate() != tpl {
		o.metrics.ObserveFetch("tiles", "stale", time.Since(start))
		return
	}
	o.engine.PutTile(c, feats)
	o.metrics.ObserveFetch("tiles", "ok", time.Since(start))
	o.setErr(nil)
}

func (o *Orchestrator) setErr(err error) {
	o.mu.Lock()
	if err == nil {
		o.lastErr = ""
	} else {
		o.lastErr = err.Error()
	}
	o.mu.Unlock()
}

func layerFeatures(layers []mvt.Layer) []*geojson.Feature {
	if l, ok := mvt.Find(layers, EventLayer); ok {
		return l.Features
	}
	var all []*geojson.Feature
	for _, l := range layers {
		all = append(all, l.Features...)
	}
	return all
}

// FetchBBox pulls one page of raw rows inside a bounding box for the
// detail panel. Unlike the map loads it reports its errors: the panel
// shows them.
func (o *Orchestrator) FetchBBox(ctx context.Context, box geo.BBox, page, pageSize int) (*PagedResult, error) {
	o.mu.Lock()
	f := o.filter
	o.mu.Unlock()
	start := time.Now()

	body, err := o.get(ctx, o.api.PagedEventsURL(f, box, page, pageSize))
	if err != nil {
		if IsCanceled(err) {
			return nil, err
		}
		o.metrics.ObserveFetch("page", "error", time.Since(start))
		return nil, err
	}
	env, err := normalize.Decode(body)
	if err != nil {
		o.metrics.ObserveFetch("page", "error", time.Since(start))
		return nil, fmt.Errorf("page response did not parse: %w", err)
	}

	res := &PagedResult{Rows: envRows(env), Page: page, PageSize: pageSize}
	res.TotalCount = len(res.Rows)
	if env.Count != nil {
		res.TotalCount = *env.Count
		res.ReportedTotal = true
	}
	if env.Total != nil {
		res.TotalCount = *env.Total
		res.ReportedTotal = true
	}
	o.metrics.ObserveFetch("page", "ok", time.Since(start))
	return res, nil
}

// envRows flattens whichever shape the page endpoint produced into
// plain rows for display.
func envRows(env *normalize.Envelope) []map[string]interface{} {
	if env.Rows != nil {
		return env.Rows
	}
	if env.Collection == nil {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(env.Collection.Features))
	for _, f := range env.Collection.Features {
		row := make(map[string]interface{}, len(f.Properties)+2)
		for k, v := range f.Properties {
			row[k] = v
		}
		if f.Geometry != nil && f.Geometry.IsPoint() && len(f.Geometry.Point) >= 2 {
			if _, ok := row["longitude"]; !ok {
				row["longitude"] = f.Geometry.Point[0]
			}
			if _, ok := row["latitude"]; !ok {
				row["latitude"] = f.Geometry.Point[1]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func inputCount(env *normalize.Envelope) int {
	if env.Rows != nil {
		return len(env.Rows)
	}
	if env.Collection != nil {
		return len(env.Collection.Features)
	}
	return 0
}

func (o *Orchestrator) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// The server's own words end up in the error banner.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if text := strings.TrimSpace(string(msg)); text != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, text)
		}
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// IsCanceled reports whether an error is only a canceled or timed-out
// context, which callers treat as silence rather than failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
