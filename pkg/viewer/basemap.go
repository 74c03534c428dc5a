package viewer

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/rs/zerolog"

	"radiomap/pkg/geo"
	"radiomap/pkg/sources"
)

const (
	basemapMaxZoom  = 19
	basemapMaxItems = 160
	basemapRetry    = 30 * time.Second
	basemapTimeout  = 15 * time.Second
)

type tileKey struct {
	Z, X, Y int
}

// Basemap loads raster tiles for the current viewport, keeps a small
// in-memory working set and mirrors every downloaded tile into the
// disk cache. Decoding happens on fetch goroutines; images are
// promoted to the GPU on the game loop.
type Basemap struct {
	Template  string
	UserAgent string

	client *http.Client
	cache  *TileCache
	log    zerolog.Logger

	mu       sync.Mutex
	images   map[tileKey]*ebiten.Image
	pending  map[tileKey]image.Image
	inflight map[tileKey]bool
	failed   map[tileKey]time.Time
}

func NewBasemap(template, cacheDir string, log zerolog.Logger) (*Basemap, error) {
	b := &Basemap{
		Template:  template,
		UserAgent: "radiomap-viewer/1.0",
		client:    &http.Client{Timeout: basemapTimeout},
		log:       log,
		images:    make(map[tileKey]*ebiten.Image),
		pending:   make(map[tileKey]image.Image),
		inflight:  make(map[tileKey]bool),
		failed:    make(map[tileKey]time.Time),
	}
	if cacheDir != "" {
		cache, err := OpenTileCache(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("open tile cache: %w", err)
		}
		b.cache = cache
	}
	return b, nil
}

func (b *Basemap) Close() error {
	if b.cache == nil {
		return nil
	}
	return b.cache.Close()
}

// visibleTiles lists the raster tile addresses covering the viewport,
// row-major, at the nearest integer zoom the tile server carries.
func visibleTiles(cam camera) []tileKey {
	z := int(math.Floor(cam.zoom + 0.5))
	if z < 0 {
		z = 0
	}
	if z > basemapMaxZoom {
		z = basemapMaxZoom
	}
	n := 1 << uint(z)
	s := cam.scale()
	cx, cy := geo.ProjectTile(cam.lng, cam.lat, 0, 1)

	clampTile := func(w float64) int {
		i := int(math.Floor(w * float64(n)))
		if i < 0 {
			return 0
		}
		if i >= n {
			return n - 1
		}
		return i
	}
	tx1 := clampTile(cx - cam.w/2/s)
	ty1 := clampTile(cy - cam.h/2/s)
	tx2 := clampTile(cx + cam.w/2/s)
	ty2 := clampTile(cy + cam.h/2/s)

	var keys []tileKey
	for ty := ty1; ty <= ty2; ty++ {
		for tx := tx1; tx <= tx2; tx++ {
			keys = append(keys, tileKey{Z: z, X: tx, Y: ty})
		}
	}
	return keys
}

// Update promotes decoded tiles onto the GPU, starts fetches for
// uncovered tiles and trims the working set. Runs on the game loop.
func (b *Basemap) Update(cam camera) {
	keys := visibleTiles(cam)
	now := time.Now()

	b.mu.Lock()
	for k, img := range b.pending {
		b.images[k] = ebiten.NewImageFromImage(img)
		delete(b.pending, k)
	}

	var missing []tileKey
	for _, k := range keys {
		if b.images[k] != nil || b.inflight[k] {
			continue
		}
		if at, ok := b.failed[k]; ok && now.Sub(at) < basemapRetry {
			continue
		}
		b.inflight[k] = true
		missing = append(missing, k)
	}

	if len(b.images) > basemapMaxItems {
		visible := make(map[tileKey]bool, len(keys))
		for _, k := range keys {
			visible[k] = true
		}
		for k := range b.images {
			if !visible[k] {
				b.images[k].Deallocate()
				delete(b.images, k)
			}
		}
	}
	b.mu.Unlock()

	for _, k := range missing {
		go b.fetchTile(k)
	}
}

func (b *Basemap) fetchTile(k tileKey) {
	defer func() {
		b.mu.Lock()
		delete(b.inflight, k)
		b.mu.Unlock()
	}()

	if b.cache != nil {
		if data, err := b.cache.Get(k.Z, k.X, k.Y); err == nil && data != nil {
			b.finishTile(k, data, false)
			return
		}
	}

	url := sources.ExpandTile(b.Template, k.Z, k.X, k.Y)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		b.fail(k, err)
		return
	}
	req.Header.Set("User-Agent", b.UserAgent)
	resp, err := b.client.Do(req)
	if err != nil {
		b.fail(k, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.fail(k, fmt.Errorf("bad status: %s", resp.Status))
		return
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		b.fail(k, err)
		return
	}
	b.finishTile(k, data, true)
}

func (b *Basemap) finishTile(k tileKey, data []byte, store bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		b.fail(k, err)
		return
	}
	if store && b.cache != nil {
		if err := b.cache.Put(k.Z, k.X, k.Y, data); err != nil {
			b.log.Warn().Err(err).Msg("tile cache write failed")
		}
	}
	b.mu.Lock()
	b.pending[k] = img
	delete(b.failed, k)
	b.mu.Unlock()
}

func (b *Basemap) fail(k tileKey, err error) {
	b.log.Warn().Err(err).Int("z", k.Z).Int("x", k.X).Int("y", k.Y).Msg("basemap tile failed")
	b.mu.Lock()
	b.failed[k] = time.Now()
	b.mu.Unlock()
}

// Draw blits every loaded visible tile, dimmed so the event overlay
// stays readable on top.
func (b *Basemap) Draw(screen *ebiten.Image, cam camera) {
	keys := visibleTiles(cam)
	if len(keys) == 0 {
		return
	}
	n := 1 << uint(keys[0].Z)
	s := cam.scale()
	tilePx := s / float64(n)
	cx, cy := geo.ProjectTile(cam.lng, cam.lat, 0, 1)

	op := &ebiten.DrawImageOptions{}
	b.mu.Lock()
	for _, k := range keys {
		img := b.images[k]
		if img == nil {
			continue
		}
		sx := (float64(k.X)/float64(n)-cx)*s + cam.w/2
		sy := (float64(k.Y)/float64(n)-cy)*s + cam.h/2
		factor := tilePx / float64(img.Bounds().Dx())
		op.GeoM.Reset()
		op.GeoM.Scale(factor, factor)
		op.GeoM.Translate(sx, sy)
		op.ColorScale.Reset()
		op.ColorScale.Scale(0.45, 0.47, 0.52, 1)
		screen.DrawImage(img, op)
	}
	b.mu.Unlock()
}
