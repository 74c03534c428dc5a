package viewer

import (
	"fmt"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"radiomap/pkg/query"
	"radiomap/pkg/session"
)

// clickSlopPx separates a click from a drag that happened to end where
// it started.
const clickSlopPx = 5.0

var toggleKeys = []ebiten.Key{
	ebiten.Key1, ebiten.Key2, ebiten.Key3, ebiten.Key4, ebiten.Key5,
	ebiten.Key6, ebiten.Key7, ebiten.Key8, ebiten.Key9,
}

func (a *App) handleInput() {
	a.handleMouse()
	a.handleKeys()
}

func (a *App) handleMouse() {
	mx, my := ebiten.CursorPosition()
	x, y := float64(mx), float64(my)
	inside := x >= 0 && y >= 0 && x < float64(a.Width) && y < float64(a.Height)

	if inpututil.IsMouseButtonJustPressed(ebiten.MouseButtonLeft) && inside {
		a.dragging = true
		a.lastX, a.lastY = x, y
		a.dragDist = 0
	}

	if a.dragging && ebiten.IsMouseButtonPressed(ebiten.MouseButtonLeft) {
		dx, dy := x-a.lastX, y-a.lastY
		if dx != 0 || dy != 0 {
			lng, lat := a.engine.ScreenToLngLat(float64(a.Width)/2-dx, float64(a.Height)/2-dy)
			a.engine.SetCenter(lng, lat)
			a.dragDist += abs(dx) + abs(dy)
			a.lastX, a.lastY = x, y
		}
	}

	if a.dragging && inpututil.IsMouseButtonJustReleased(ebiten.MouseButtonLeft) {
		a.dragging = false
		if a.dragDist < clickSlopPx && inside {
			a.session.Click(x, y)
		}
	}

	if _, wheelY := ebiten.Wheel(); wheelY != 0 && inside {
		a.zoomAt(x, y, wheelY*0.25)
	}

	switch {
	case inside && !a.dragging:
		a.cursorIn = true
		a.session.Hover(x, y)
	case a.cursorIn:
		a.cursorIn = false
		a.session.Leave()
	}
}

// zoomAt changes zoom while keeping the map point under the cursor
// fixed on screen.
func (a *App) zoomAt(x, y, delta float64) {
	lng, lat := a.engine.ScreenToLngLat(x, y)
	a.engine.SetZoom(a.engine.Zoom() + delta)
	nlng, nlat := a.engine.ScreenToLngLat(x, y)
	clng, clat := a.engine.Center()
	a.engine.SetCenter(clng+(lng-nlng), clat+(lat-nlat))
}

func (a *App) handleKeys() {
	names := query.ToggleNames()
	for i, key := range toggleKeys {
		if i >= len(names) {
			break
		}
		if inpututil.IsKeyJustPressed(key) {
			name := names[i]
			a.session.SetToggle(name, !a.session.Toggle(name))
		}
	}

	if inpututil.IsKeyJustPressed(ebiten.KeyV) {
		a.cycleViewMode()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		a.fetch.Refresh()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		if a.shareOn {
			a.shareOn = false
		} else {
			a.session.ClosePanel()
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyLeft) {
		a.session.PrevPage()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyRight) {
		a.session.NextPage()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyQ) {
		a.toggleShare()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyS) {
		a.saveSnapshot()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyP) && a.captureDir != "" {
		a.capture = true
	}
}

func (a *App) cycleViewMode() {
	switch a.session.ViewMode() {
	case session.ViewPoints:
		a.session.SetViewMode(session.ViewHeatmap)
	case session.ViewHeatmap:
		a.session.SetViewMode(session.ViewClusters)
	default:
		a.session.SetViewMode(session.ViewPoints)
	}
}

func (a *App) saveSnapshot() {
	if a.store == nil {
		a.setFlash("snapshots disabled")
		return
	}
	fc := a.engine.Collection()
	if fc == nil || len(fc.Features) == 0 {
		a.setFlash("nothing to snapshot")
		return
	}
	name := "survey " + time.Now().Format("2006-01-02 15:04:05")
	key := a.fetch.Filter().Key()
	go func() {
		snap, err := a.store.Save(name, key, fc)
		if err != nil {
			a.log.Warn().Err(err).Msg("snapshot save failed")
			a.setFlash("snapshot failed")
			return
		}
		a.log.Info().Str("id", snap.ID).Int("points", snap.Count).Msg("snapshot saved")
		a.setFlash(fmt.Sprintf("saved %d points", snap.Count))
	}()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
