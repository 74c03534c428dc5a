// The radiomap viewer: an interactive slippy map over a radio survey
// backend. It pulls filtered event points as vector tiles or whole
// GeoJSON datasets, clusters them client-side, and layers them over an
// OSM raster basemap with a badger-backed tile cache.
package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/hajimehoshi/ebiten/v2"
	geojson "github.com/paulmach/go.geojson"
	"github.com/rs/zerolog"

	// Asks hybrid-GPU Windows machines for the discrete GPU.
	_ "github.com/silbinarywolf/preferdiscretegpu"

	"radiomap/pkg/classify"
	"radiomap/pkg/config"
	"radiomap/pkg/diag"
	"radiomap/pkg/fetch"
	"radiomap/pkg/logging"
	"radiomap/pkg/mapengine"
	"radiomap/pkg/query"
	"radiomap/pkg/session"
	"radiomap/pkg/snapshot"
	"radiomap/pkg/sources"
	"radiomap/pkg/viewer"
)

var cli struct {
	Config     string `short:"c" type:"existingfile" help:"YAML config path. Built-in defaults apply when omitted."`
	Mode       string `default:"tiles" enum:"tiles,dataset" help:"Fetch mode: pre-filtered vector tiles or whole datasets."`
	Offline    bool   `help:"Skip the backend and show the newest saved snapshot."`
	Headless   bool   `help:"Run without a local window (Xvfb rendering active)."`
	CaptureDir string `default:"captures" help:"Directory for screenshots taken with the P key."`
	ShareBase  string `help:"URL prefix for share links. Defaults to the API base URL."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("radiomap-viewer"),
		kong.Description("Interactive map viewer for radio survey events."),
		kong.UsageOnError(),
	)

	cfg := config.Default()
	if cli.Config != "" {
		var err error
		cfg, err = config.Load(cli.Config)
		if err != nil {
			logging.New("viewer", "info").Fatal().Err(err).Msg("config load failed")
		}
	}
	log := logging.New("viewer", cfg.Log.Level)

	metrics := diag.New()
	if cfg.Metrics.Listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics listener up")
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	engine := mapengine.New(cfg.Window.Width, cfg.Window.Height)
	engine.SetClusterOptions(mapengine.ClusterOptions{
		Radius:    float64(cfg.Cluster.Radius),
		MinPoints: cfg.Cluster.MinPoints,
		MaxZoom:   cfg.Cluster.MaxZoom,
		SumKinds:  []string{"WIFI", "BT", "LTE", "NR", "GSM", "CDMA", "WCDMA", "GPS"},
	})

	api := sources.API{BaseURL: cfg.API.BaseURL}
	mode := fetch.ModeTiles
	if cli.Mode == "dataset" || cli.Offline {
		mode = fetch.ModeDataset
	}
	orch := fetch.New(fetch.Config{
		API:     api,
		Engine:  engine,
		Log:     logging.New("fetch", cfg.Log.Level),
		Metrics: metrics,
		Mode:    mode,
	})

	// Offline starts with nothing toggled so no request ever leaves;
	// the snapshot below is the whole data source. Online starts with
	// every layer lit: first boot should show the whole survey, not a
	// blank map.
	toggles := make(map[string]bool)
	if !cli.Offline {
		for _, name := range query.ToggleNames() {
			toggles[name] = true
		}
	}
	sess, err := session.New(session.Config{
		Engine:      engine,
		Fetch:       orch,
		Log:         logging.New("session", cfg.Log.Level),
		Metrics:     metrics,
		Toggles:     toggles,
		FitDebounce: cfg.FitDebounce(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("session init failed")
	}

	basemap, err := viewer.NewBasemap(cfg.Basemap.TileURL, cfg.Basemap.CacheDir, logging.New("basemap", cfg.Log.Level))
	if err != nil {
		log.Warn().Err(err).Msg("basemap tile cache unavailable, running uncached")
		basemap, _ = viewer.NewBasemap(cfg.Basemap.TileURL, "", logging.New("basemap", cfg.Log.Level))
	}

	var store *snapshot.Store
	if cfg.Snapshots.Path != "" {
		store, err = snapshot.Open(cfg.Snapshots.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Snapshots.Path).Msg("snapshot store unavailable")
			store = nil
		}
	}

	shareBase := cli.ShareBase
	if shareBase == "" {
		shareBase = cfg.API.BaseURL
	}
	app, err := viewer.New(viewer.Config{
		Engine:     engine,
		Session:    sess,
		Fetch:      orch,
		Basemap:    basemap,
		Snapshots:  store,
		Log:        log,
		Width:      cfg.Window.Width,
		Height:     cfg.Window.Height,
		FPS:        cfg.Window.FPS,
		CaptureDir: cli.CaptureDir,
		ShareBase:  shareBase,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("viewer init failed")
	}
	app.InitDotTexture()

	if cli.Offline {
		if store == nil {
			log.Fatal().Msg("offline mode needs a snapshot store")
		}
		loadOfflineSnapshot(log, store, engine)
	}

	var feed *sources.Feed
	var stopFlush chan struct{}
	if cfg.API.Live && !cli.Offline {
		feed, stopFlush = startLiveFeed(cfg, api, orch, engine, metrics)
	}

	var sound *viewer.Soundtrack
	if cfg.Audio.Soundtrack != "" {
		sound = viewer.NewSoundtrack(cfg.Audio.Soundtrack)
		sound.Log = logging.New("audio", cfg.Log.Level)
		sound.OnTrack = app.SetNowPlaying
		sound.Start()
	}

	ebiten.SetTPS(app.FPS)
	if cli.Headless {
		log.Info().Msg("running headless, rendering active")
	} else {
		ebiten.SetWindowSize(app.Width, app.Height)
		ebiten.SetWindowTitle("Radio Survey Map")
	}
	if err := ebiten.RunGame(app); err != nil {
		log.Error().Err(err).Msg("viewer exited")
	}

	if feed != nil {
		feed.Stop()
		close(stopFlush)
	}
	if sound != nil {
		sound.Shutdown()
	}
	sess.Close()
	orch.Close()
	if basemap != nil {
		basemap.Close()
	}
	if store != nil {
		store.Close()
	}
}

// loadOfflineSnapshot puts the newest saved collection on the map.
func loadOfflineSnapshot(log zerolog.Logger, store *snapshot.Store, engine *mapengine.Engine) {
	snaps, err := store.List()
	if err != nil {
		log.Fatal().Err(err).Msg("offline mode: snapshot list failed")
	}
	if len(snaps) == 0 {
		log.Fatal().Msg("offline mode: nothing saved yet, run radiomap-probe fetch --save first")
	}
	snap, fc, err := store.Load(snaps[0].ID)
	if err != nil {
		log.Fatal().Err(err).Str("id", snaps[0].ID).Msg("offline mode: snapshot load failed")
	}
	engine.SetCollection(fc)
	log.Info().Str("name", snap.Name).Int("points", snap.Count).Time("saved", snap.CreatedAt).Msg("offline snapshot loaded")
}

// startLiveFeed subscribes to the event websocket and batches matching
// points into the engine every couple of seconds. Appending per event
// would re-sort the cluster input each time; at survey rates a short
// batch window is invisible to the user.
func startLiveFeed(cfg config.Config, api sources.API, orch *fetch.Orchestrator, engine *mapengine.Engine, metrics *diag.Metrics) (*sources.Feed, chan struct{}) {
	var mu sync.Mutex
	var pending []*geojson.Feature
	cls := classify.New()

	feed := &sources.Feed{
		URL:     api.LiveURL(),
		Filter:  orch.Filter(),
		Log:     logging.New("live", cfg.Log.Level),
		Metrics: metrics,
		OnEvent: func(f *geojson.Feature) {
			kind, source := eventDims(f)
			if !orch.Filter().Matches(kind, source) {
				return
			}
			mu.Lock()
			pending = append(pending, f)
			mu.Unlock()
		},
	}

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				mu.Lock()
				batch := pending
				pending = nil
				mu.Unlock()
				cls.AnnotateFeatures(batch)
				engine.AppendFeatures(batch...)
			}
		}
	}()
	feed.Start()
	return feed, stop
}

func eventDims(f *geojson.Feature) (kind, source string) {
	if f == nil || f.Properties == nil {
		return "", ""
	}
	kind, _ = f.Properties["kind"].(string)
	source, _ = f.Properties["sourceCategory"].(string)
	return kind, source
}
