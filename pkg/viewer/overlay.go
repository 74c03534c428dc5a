package viewer

import (
	"image/color"
	"math"
	"strings"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
	geojson "github.com/paulmach/go.geojson"

	"radiomap/pkg/geo"
	"radiomap/pkg/mapengine"
	"radiomap/pkg/session"
)

const overlayMarginPx = 60.0

func (c camera) toScreen(lng, lat float64) (x, y float64) {
	wx, wy := geo.ProjectTile(lng, lat, 0, 1)
	cx, cy := geo.ProjectTile(c.lng, c.lat, 0, 1)
	s := c.scale()
	return c.w/2 + (wx-cx)*s, c.h/2 + (wy-cy)*s
}

func (c camera) onScreen(x, y float64) bool {
	return x >= -overlayMarginPx && x <= c.w+overlayMarginPx &&
		y >= -overlayMarginPx && y <= c.h+overlayMarginPx
}

// kindColor maps an event kind onto its layer color. Cellular
// generations share one color; the legend lists them together.
func kindColor(kind string) color.RGBA {
	switch strings.ToUpper(kind) {
	case "WIFI":
		return ColorWifi
	case "BT", "BLE", "BT_CLASSIC":
		return ColorBluetooth
	case "LTE", "NR", "GSM", "CDMA", "WCDMA":
		return ColorCell
	case "GPS", "GNSS":
		return ColorGNSS
	}
	if strings.HasPrefix(strings.ToLower(kind), "phone") {
		return ColorPhone
	}
	return ColorOther
}

// clusterColor picks the color of the kind contributing the most
// points, read from the per-kind count sums the engine aggregates.
func clusterColor(f *geojson.Feature) color.RGBA {
	best, bestN := ColorOther, 0
	for key, v := range f.Properties {
		kind, ok := strings.CutSuffix(key, "_count")
		if !ok || key == "point_count" {
			continue
		}
		n := intValue(v)
		if n > bestN {
			bestN = n
			best = kindColor(kind)
		}
	}
	return best
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// InitDotTexture builds the soft radial sprite the heatmap blobs are
// drawn with. Call once before the game loop starts.
func (a *App) InitDotTexture() {
	size := 128
	a.dotImage = ebiten.NewImage(size, size)
	pixels := make([]byte, size*size*4)
	center, maxDist := float64(size)/2.0, float64(size)/2.0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-center, float64(y)-center
			dist := math.Sqrt(dx*dx+dy*dy) / maxDist
			if dist < 1.0 {
				val := (1.0 - dist) * (1.0 - dist)
				pixels[(y*size+x)*4+3] = uint8(val * 255)
				pixels[(y*size+x)*4+0], pixels[(y*size+x)*4+1], pixels[(y*size+x)*4+2] = 255, 255, 255
			}
		}
	}
	a.dotImage.WritePixels(pixels)
}

func (a *App) drawOverlay(screen *ebiten.Image, cam camera) {
	feats := a.engine.VisibleFeatures()
	if len(feats) == 0 {
		return
	}
	switch a.session.ViewMode() {
	case session.ViewHeatmap:
		a.drawHeat(screen, cam, feats)
	case session.ViewClusters:
		a.drawClustered(screen, cam, feats)
	default:
		a.drawPoints(screen, cam, feats)
	}
}

func (a *App) drawPoints(screen *ebiten.Image, cam camera, feats []*geojson.Feature) {
	for _, f := range feats {
		lng, lat, ok := pointOf(f)
		if !ok {
			continue
		}
		x, y := cam.toScreen(lng, lat)
		if !cam.onScreen(x, y) {
			continue
		}
		c := kindColor(stringValue(f.Properties["kind"]))
		vector.DrawFilledCircle(screen, float32(x), float32(y), 3.5, withAlpha(c, 215), true)
		vector.StrokeCircle(screen, float32(x), float32(y), 3.5, 1, color.RGBA{0, 0, 0, 120}, true)
	}
}

func (a *App) drawClustered(screen *ebiten.Image, cam camera, feats []*geojson.Feature) {
	face := &text.GoTextFace{Source: a.fontSource, Size: 13}
	for _, f := range feats {
		lng, lat, ok := pointOf(f)
		if !ok {
			continue
		}
		x, y := cam.toScreen(lng, lat)
		if !cam.onScreen(x, y) {
			continue
		}
		if !mapengine.IsCluster(f) {
			c := kindColor(stringValue(f.Properties["kind"]))
			vector.DrawFilledCircle(screen, float32(x), float32(y), 4, withAlpha(c, 215), true)
			vector.StrokeCircle(screen, float32(x), float32(y), 4, 1, color.RGBA{0, 0, 0, 120}, true)
			continue
		}

		count := intValue(f.Properties["point_count"])
		r := clusterRadius(count)
		c := clusterColor(f)
		vector.DrawFilledCircle(screen, float32(x), float32(y), float32(r), withAlpha(c, 70), true)
		vector.DrawFilledCircle(screen, float32(x), float32(y), float32(r*0.72), withAlpha(c, 140), true)
		vector.StrokeCircle(screen, float32(x), float32(y), float32(r), 1.5, withAlpha(c, 220), true)

		if a.fontSource != nil {
			label := stringValue(f.Properties["point_count_abbreviated"])
			tw, th := text.Measure(label, face, 0)
			top := &text.DrawOptions{}
			top.GeoM.Translate(x-tw/2, y-th/2)
			top.ColorScale.Scale(1, 1, 1, 0.95)
			text.Draw(screen, label, face, top)
		}
	}
}

func clusterRadius(count int) float64 {
	if count < 2 {
		return 10
	}
	return 12 + 5*math.Log10(float64(count))
}

func (a *App) drawHeat(screen *ebiten.Image, cam camera, feats []*geojson.Feature) {
	if a.dotImage == nil {
		return
	}
	weights := mapengine.HeatWeights(feats)
	imgW := a.dotImage.Bounds().Dx()
	halfW := float64(imgW) / 2

	op := &ebiten.DrawImageOptions{}
	op.Blend = ebiten.BlendLighter
	for i, f := range feats {
		lng, lat, ok := pointOf(f)
		if !ok {
			continue
		}
		x, y := cam.toScreen(lng, lat)
		if !cam.onScreen(x, y) {
			continue
		}
		w := weights[i]
		radius := 14 + 26*w
		scale := radius * 2 / float64(imgW)
		alpha := 0.18 + 0.4*w

		// Cold readings stay blue, hot readings go red.
		r := 0.15 + 0.85*w
		g := 0.25 + 0.3*(1-math.Abs(w-0.5)*2)
		b := 0.9 * (1 - w)

		op.GeoM.Reset()
		op.GeoM.Translate(-halfW, -halfW)
		op.GeoM.Scale(scale, scale)
		op.GeoM.Translate(x, y)
		op.ColorScale.Reset()
		op.ColorScale.Scale(float32(r*alpha), float32(g*alpha), float32(b*alpha), float32(alpha))
		screen.DrawImage(a.dotImage, op)
	}
}

func pointOf(f *geojson.Feature) (lng, lat float64, ok bool) {
	if f == nil || f.Geometry == nil || !f.Geometry.IsPoint() || len(f.Geometry.Point) < 2 {
		return 0, 0, false
	}
	return f.Geometry.Point[0], f.Geometry.Point[1], true
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func withAlpha(c color.RGBA, a uint8) color.RGBA {
	return color.RGBA{c.R, c.G, c.B, a}
}
