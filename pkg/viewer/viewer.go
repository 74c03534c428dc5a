// Package viewer is the ebiten front end: it draws the basemap, the
// event overlay and the panel chrome, and feeds mouse and keyboard
// input into the session layer. Everything stateful lives in session
// and mapengine; this package only renders and forwards.
package viewer

import (
	"bytes"
	"errors"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/rs/zerolog"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"

	"radiomap/pkg/fetch"
	"radiomap/pkg/mapengine"
	"radiomap/pkg/session"
	"radiomap/pkg/snapshot"
)

var (
	ColorWifi      = color.RGBA{0, 255, 65, 255}
	ColorBluetooth = color.RGBA{0, 130, 255, 255}
	ColorCell      = color.RGBA{255, 120, 0, 255}
	ColorGNSS      = color.RGBA{255, 215, 0, 255}
	ColorPhone     = color.RGBA{190, 80, 255, 255}
	ColorOther     = color.RGBA{150, 150, 160, 255}
	ColorError     = color.RGBA{255, 60, 60, 255}

	colorBackground = color.RGBA{8, 10, 15, 255}
	colorBoxFill    = color.RGBA{0, 0, 0, 140}
	colorBoxStroke  = color.RGBA{36, 42, 53, 255}
)

type Config struct {
	Engine    *mapengine.Engine
	Session   *session.Session
	Fetch     *fetch.Orchestrator
	Basemap   *Basemap
	Snapshots *snapshot.Store
	Log       zerolog.Logger

	Width, Height int
	FPS           int

	// CaptureDir enables the screenshot key when set.
	CaptureDir string
	// ShareBase is the URL prefix encoded into share links.
	ShareBase string
}

type App struct {
	Width, Height int
	FPS           int

	engine  *mapengine.Engine
	session *session.Session
	fetch   *fetch.Orchestrator
	store   *snapshot.Store
	basemap *Basemap
	log     zerolog.Logger

	captureDir string
	shareBase  string

	fontSource *text.GoTextFaceSource
	monoSource *text.GoTextFaceSource
	dotImage   *ebiten.Image

	dragging     bool
	lastX, lastY float64
	dragDist     float64
	cursorIn     bool

	shareOn    bool
	shareURL   string
	shareImage *ebiten.Image

	song, artist string
	songMu       sync.Mutex

	flash   string
	flashAt time.Time
	flashMu sync.Mutex

	capture bool
}

func New(cfg Config) (*App, error) {
	if cfg.Engine == nil || cfg.Session == nil || cfg.Fetch == nil {
		return nil, errors.New("viewer: engine, session and fetch are required")
	}
	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = cfg.Engine.Width
	}
	if height <= 0 {
		height = cfg.Engine.Height
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 60
	}

	s, _ := text.NewGoTextFaceSource(bytes.NewReader(goregular.TTF))
	m, _ := text.NewGoTextFaceSource(bytes.NewReader(gomono.TTF))

	return &App{
		Width:      width,
		Height:     height,
		FPS:        fps,
		engine:     cfg.Engine,
		session:    cfg.Session,
		fetch:      cfg.Fetch,
		store:      cfg.Snapshots,
		basemap:    cfg.Basemap,
		log:        cfg.Log,
		captureDir: cfg.CaptureDir,
		shareBase:  cfg.ShareBase,
		fontSource: s,
		monoSource: m,
	}, nil
}

// camera is the viewport snapshot one frame renders against, so the
// basemap and overlay agree even if the engine moves mid-draw.
type camera struct {
	lng, lat float64
	zoom     float64
	w, h     float64
}

func (c camera) scale() float64 { return 256 * math.Exp2(c.zoom) }

func (a *App) camera() camera {
	lng, lat := a.engine.Center()
	return camera{lng: lng, lat: lat, zoom: a.engine.Zoom(), w: float64(a.Width), h: float64(a.Height)}
}

func (a *App) Update() error {
	a.handleInput()
	a.session.FrameTick()
	if a.basemap != nil {
		a.basemap.Update(a.camera())
	}
	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	cam := a.camera()
	screen.Fill(colorBackground)
	if a.basemap != nil {
		a.basemap.Draw(screen, cam)
	}
	a.drawOverlay(screen, cam)
	a.drawHover(screen)
	a.drawLegend(screen)
	a.drawPanel(screen)
	a.drawStatus(screen)
	a.drawShare(screen)

	if a.capture {
		a.capture = false
		a.captureFrame(screen)
	}
}

func (a *App) Layout(w, h int) (int, int) { return a.Width, a.Height }

// SetNowPlaying feeds the soundtrack metadata shown in the status bar.
func (a *App) SetNowPlaying(song, artist string) {
	a.songMu.Lock()
	a.song, a.artist = song, artist
	a.songMu.Unlock()
}

func (a *App) nowPlaying() (song, artist string) {
	a.songMu.Lock()
	defer a.songMu.Unlock()
	return a.song, a.artist
}

// setFlash shows a short-lived confirmation in the status bar.
func (a *App) setFlash(msg string) {
	a.flashMu.Lock()
	a.flash = msg
	a.flashAt = time.Now()
	a.flashMu.Unlock()
}

func (a *App) flashText() string {
	a.flashMu.Lock()
	defer a.flashMu.Unlock()
	if a.flash == "" || time.Since(a.flashAt) > 4*time.Second {
		return ""
	}
	return a.flash
}
