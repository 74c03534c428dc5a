// radiomap-probe pokes at the survey backend without the viewer: fetch
// and summarize filtered events, decode single vector tiles, normalize
// CSV exports, inspect the snapshot store, or follow the live feed with
// a rolling rate report.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	geojson "github.com/paulmach/go.geojson"
	"github.com/rs/zerolog"

	"radiomap/pkg/classify"
	"radiomap/pkg/logging"
	"radiomap/pkg/mvt"
	"radiomap/pkg/normalize"
	"radiomap/pkg/query"
	"radiomap/pkg/snapshot"
	"radiomap/pkg/sources"
)

var cli struct {
	API string `default:"http://localhost:8080" help:"Backend base URL."`
	DB  string `default:"snapshots.db" help:"Snapshot database path."`
	Log string `default:"warn" help:"Log level for diagnostics on stderr."`

	Fetch     fetchCmd     `cmd:"" help:"Fetch filtered events once and summarize the result."`
	Tile      tileCmd      `cmd:"" help:"Fetch and decode a single vector tile."`
	CSV       csvCmd       `cmd:"" name:"csv" help:"Normalize and classify a survey CSV export."`
	Snapshots snapshotsCmd `cmd:"" help:"List or delete saved snapshots."`
	Watch     watchCmd     `cmd:"" help:"Follow the live event feed and report rates."`
}

type probeEnv struct {
	api sources.API
	db  string
	log zerolog.Logger
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("radiomap-probe"),
		kong.Description("Headless debugging tool for the radiomap backend."),
		kong.UsageOnError(),
	)
	env := &probeEnv{
		api: sources.API{BaseURL: cli.API},
		db:  cli.DB,
		log: logging.New("probe", cli.Log),
	}
	ctx.FatalIfErrorf(ctx.Run(env))
}

type fetchCmd struct {
	Types []string      `short:"t" help:"Layer toggles to enable (wifi, bluetooth, lte, nr, gsm, cdma, wcdma, gnss, phone). All when empty."`
	Since time.Duration `default:"24h" help:"Time window ending now."`
	JSON  bool          `help:"Print the canonical GeoJSON instead of a summary."`
	Save  string        `help:"Also save the result as a named snapshot."`
}

func (c *fetchCmd) Run(p *probeEnv) error {
	f := buildFilter(c.Types, c.Since)
	url := p.api.EventsURL(f)
	start := time.Now()

	body, err := httpGet(url)
	if err != nil {
		return err
	}
	env, err := normalize.Decode(body)
	if err != nil {
		return fmt.Errorf("response did not parse: %w", err)
	}
	fc := env.Canonical()
	tagged := classify.New().Annotate(fc)

	if c.JSON {
		return printJSON(fc)
	}

	fmt.Printf("endpoint: %s\n", url)
	fmt.Printf("shape:    %s\n", env.Shape)
	fmt.Printf("points:   %d (%d rows dropped, %d tagged)\n",
		len(fc.Features), inputCount(env)-len(fc.Features), tagged)
	fmt.Printf("took:     %v\n", time.Since(start).Round(time.Millisecond))
	printKinds(fc)

	if c.Save != "" {
		return saveSnapshot(p, c.Save, f.Key(), fc)
	}
	return nil
}

type tileCmd struct {
	Z int `arg:"" help:"Tile zoom."`
	X int `arg:"" help:"Tile column."`
	Y int `arg:"" help:"Tile row."`

	Types  []string      `short:"t" help:"Layer toggles baked into the tile URL. All when empty."`
	Since  time.Duration `default:"24h" help:"Time window ending now."`
	Sample int           `default:"3" help:"Example features to print per layer."`
}

func (c *tileCmd) Run(p *probeEnv) error {
	f := buildFilter(c.Types, c.Since)
	url := sources.ExpandTile(p.api.TileTemplate(f), c.Z, c.X, c.Y)

	body, err := httpGet(url)
	if err != nil {
		return err
	}
	layers, err := mvt.Decode(body, c.Z, c.X, c.Y)
	if err != nil {
		return fmt.Errorf("tile did not decode: %w", err)
	}

	fmt.Printf("tile:   %d/%d/%d (%d bytes, %d layers)\n", c.Z, c.X, c.Y, len(body), len(layers))
	for _, l := range layers {
		fmt.Printf("layer %q: %d features, extent %d\n", l.Name, len(l.Features), l.Extent)
		for i, feat := range l.Features {
			if i >= c.Sample {
				fmt.Printf("  ... %d more\n", len(l.Features)-c.Sample)
				break
			}
			props, _ := json.Marshal(feat.Properties)
			if feat.Geometry != nil && feat.Geometry.IsPoint() {
				fmt.Printf("  [%.5f, %.5f] %s\n", feat.Geometry.Point[0], feat.Geometry.Point[1], props)
			} else {
				fmt.Printf("  [non-point] %s\n", props)
			}
		}
	}
	return nil
}

type csvCmd struct {
	Path     string `arg:"" help:"Survey CSV export, a local file or an http(s) URL."`
	CacheDir string `default:"probe-cache" help:"Directory downloaded exports are kept in."`
	JSON     bool   `help:"Print the canonical GeoJSON instead of a summary."`
	Save     string `help:"Also save the result as a named snapshot."`
}

func (c *csvCmd) Run(p *probeEnv) error {
	var (
		fc      *geojson.FeatureCollection
		dropped int
		err     error
	)
	if strings.HasPrefix(c.Path, "http://") || strings.HasPrefix(c.Path, "https://") {
		cache := sources.Cache{Dir: c.CacheDir, Log: p.log}
		var r io.ReadCloser
		if r, err = cache.Fetch(c.Path); err != nil {
			return err
		}
		defer r.Close()
		fc, dropped, err = sources.ReadSurveyCSV(r)
	} else {
		fc, dropped, err = sources.LoadSurveyCSV(c.Path)
	}
	if err != nil {
		return err
	}
	tagged := classify.New().Annotate(fc)

	if c.JSON {
		return printJSON(fc)
	}

	fmt.Printf("file:   %s\n", c.Path)
	fmt.Printf("points: %d (%d rows dropped, %d tagged)\n", len(fc.Features), dropped, tagged)
	printKinds(fc)

	if c.Save != "" {
		return saveSnapshot(p, c.Save, "csv:"+c.Path, fc)
	}
	return nil
}

type snapshotsCmd struct {
	Delete string `help:"Delete the snapshot with this id instead of listing."`
}

func (c *snapshotsCmd) Run(p *probeEnv) error {
	store, err := snapshot.Open(p.db)
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Delete != "" {
		if err := store.Delete(c.Delete); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", c.Delete)
		return nil
	}

	snaps, err := store.List()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no snapshots saved")
		return nil
	}
	for _, s := range snaps {
		fmt.Printf("%s  %-28s %7d points  %s\n",
			s.CreatedAt.Format("2006-01-02 15:04"), s.Name, s.Count, s.ID)
	}
	return nil
}

type watchCmd struct {
	Timeout time.Duration `default:"0" help:"How long to run before exiting (0 for infinite)."`
	JSON    bool          `help:"Dump each event as JSON instead of showing stats."`
}

func (c *watchCmd) Run(p *probeEnv) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if c.Timeout > 0 {
		go func() {
			time.Sleep(c.Timeout)
			interrupt <- os.Interrupt
		}()
	}

	stats := &liveStats{kinds: make(map[string]int), start: time.Now()}
	cls := classify.New()
	feed := &sources.Feed{
		URL: p.api.LiveURL(),
		Log: p.log,
		OnEvent: func(f *geojson.Feature) {
			if c.JSON {
				out, err := f.MarshalJSON()
				if err == nil {
					fmt.Printf("%s\n", out)
				}
				return
			}
			tagged := cls.AnnotateFeatures([]*geojson.Feature{f}) > 0
			stats.record(f, tagged)
		},
	}
	feed.Start()
	defer feed.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.JSON {
				stats.report()
			}
		case <-interrupt:
			if !c.JSON {
				stats.report()
			}
			return nil
		}
	}
}

type liveStats struct {
	mu     sync.Mutex
	total  int
	tagged int
	kinds  map[string]int
	start  time.Time
}

func (s *liveStats) record(f *geojson.Feature, tagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if tagged {
		s.tagged++
	}
	kind, _ := f.Properties["kind"].(string)
	s.kinds[kind]++
}

func (s *liveStats) report() {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.start).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	fmt.Printf("\033[H\033[2J") // Clear screen
	fmt.Printf("Live Event Feed (running for %.1fs)\n", elapsed)
	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Events: %d (%.2f/s)\n", s.total, float64(s.total)/elapsed)
	fmt.Printf("Tagged: %d\n", s.tagged)
	fmt.Printf("--------------------------------------------------\n")

	kinds := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return s.kinds[kinds[i]] > s.kinds[kinds[j]] })
	for _, k := range kinds {
		fmt.Printf("  %-8s %d\n", k, s.kinds[k])
	}
}

func buildFilter(types []string, since time.Duration) query.Filter {
	toggles := make(map[string]bool)
	if len(types) == 0 {
		for _, n := range query.ToggleNames() {
			toggles[n] = true
		}
	} else {
		for _, t := range types {
			toggles[strings.ToLower(strings.TrimSpace(t))] = true
		}
	}
	now := time.Now().UTC()
	return query.Build(toggles, query.TimeRange{Start: now.Add(-since), End: now})
}

func httpGet(url string) ([]byte, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "radiomap-probe/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func inputCount(env *normalize.Envelope) int {
	if env.Collection != nil {
		return len(env.Collection.Features)
	}
	return len(env.Rows)
}

func printJSON(fc *geojson.FeatureCollection) error {
	out, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", out)
	return nil
}

func printKinds(fc *geojson.FeatureCollection) {
	counts := make(map[string]int)
	for _, f := range fc.Features {
		kind, _ := f.Properties["kind"].(string)
		counts[kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return counts[kinds[i]] > counts[kinds[j]] })
	for _, k := range kinds {
		fmt.Printf("  %-8s %d\n", k, counts[k])
	}
}

func saveSnapshot(p *probeEnv, name, filterKey string, fc *geojson.FeatureCollection) error {
	store, err := snapshot.Open(p.db)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Save(name, filterKey, fc)
	if err != nil {
		return err
	}
	fmt.Printf("saved:  %q, %d points, id %s\n", snap.Name, snap.Count, snap.ID)
	return nil
}
