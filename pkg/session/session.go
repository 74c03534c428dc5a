// Package session coordinates the interactive state of one viewer run:
// filter toggles, the debounced viewport fit, pointer hit resolution,
// and the detail panel pager. UI-facing state sits behind one mutex;
// anything that can block runs on a goroutine with cancellation.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"radiomap/pkg/diag"
	"radiomap/pkg/fetch"
	"radiomap/pkg/geo"
	"radiomap/pkg/mapengine"
	"radiomap/pkg/query"
)

const (
	pageSize = 50

	defaultFitDebounce = 180 * time.Millisecond

	// Point view frames data tightly; cluster view keeps more context
	// around large cluster circles.
	fitPadPoints       = 40.0
	fitMaxZoomPoints   = 17.0
	fitPadClusters     = 64.0
	fitMaxZoomClusters = 14.0
)

type ViewMode int

const (
	ViewPoints ViewMode = iota
	ViewHeatmap
	ViewClusters
)

func (m ViewMode) String() string {
	switch m {
	case ViewHeatmap:
		return "heatmap"
	case ViewClusters:
		return "clusters"
	default:
		return "points"
	}
}

// Timer is the stoppable handle returned by a TimerFunc.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules fn after d. Tests inject a manual version to
// drive the fit debounce deterministically.
type TimerFunc func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

type Config struct {
	Engine  *mapengine.Engine
	Fetch   *fetch.Orchestrator
	Log     zerolog.Logger
	Metrics *diag.Metrics

	// Toggles and TimeRange seed the initial filter.
	Toggles   map[string]bool
	TimeRange query.TimeRange
	ViewMode  ViewMode

	FitDebounce time.Duration
	Timer       TimerFunc
	Now         func() time.Time
}

type Session struct {
	engine   *mapengine.Engine
	fetch    *fetch.Orchestrator
	log      zerolog.Logger
	metrics  *diag.Metrics
	timer    TimerFunc
	now      func() time.Time
	fitDelay time.Duration

	mu        sync.Mutex
	closed    bool
	toggles   map[string]bool
	timeRange query.TimeRange
	viewMode  ViewMode
	fitTimer  Timer

	hover        HoverInfo
	hoverPending bool
	hoverX       float64
	hoverY       float64

	panel panelState
}

func New(cfg Config) (*Session, error) {
	if cfg.Engine == nil {
		return nil, errors.New("session: engine is required")
	}
	if cfg.Fetch == nil {
		return nil, errors.New("session: fetch orchestrator is required")
	}
	s := &Session{
		engine:    cfg.Engine,
		fetch:     cfg.Fetch,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		timer:     cfg.Timer,
		now:       cfg.Now,
		fitDelay:  cfg.FitDebounce,
		toggles:   make(map[string]bool, len(cfg.Toggles)),
		timeRange: cfg.TimeRange,
		viewMode:  cfg.ViewMode,
	}
	if s.timer == nil {
		s.timer = afterFunc
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.fitDelay <= 0 {
		s.fitDelay = defaultFitDebounce
	}
	for k, on := range cfg.Toggles {
		if on {
			s.toggles[k] = true
		}
	}
	s.engine.SetDataChangeFunc(s.onDataChanged)
	s.fetch.SetFilter(query.BuildAt(s.toggles, s.timeRange, s.now()))
	return s, nil
}

// Close cancels the pending fit timer and any in-flight panel load.
// The engine and orchestrator are owned by the caller and stay up.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.fitTimer != nil {
		s.fitTimer.Stop()
		s.fitTimer = nil
	}
	if s.panel.cancel != nil {
		s.panel.cancel()
		s.panel.cancel = nil
	}
	s.hoverPending = false
	s.hover = HoverInfo{}
	s.mu.Unlock()

	s.engine.SetDataChangeFunc(nil)
}

// SetToggle flips one filter toggle and pushes the rebuilt filter to
// the orchestrator. Unknown toggle names build into an empty
// contribution and are harmless.
func (s *Session) SetToggle(name string, on bool) {
	s.mu.Lock()
	if s.closed || s.toggles[name] == on {
		s.mu.Unlock()
		return
	}
	if on {
		s.toggles[name] = true
	} else {
		delete(s.toggles, name)
	}
	f := query.BuildAt(s.toggles, s.timeRange, s.now())
	s.mu.Unlock()

	s.fetch.SetFilter(f)
}

func (s *Session) Toggle(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggles[name]
}

// Toggles returns a copy of the active toggle set.
func (s *Session) Toggles() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.toggles))
	for k, v := range s.toggles {
		out[k] = v
	}
	return out
}

func (s *Session) SetTimeRange(tr query.TimeRange) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timeRange = tr
	f := query.BuildAt(s.toggles, tr, s.now())
	s.mu.Unlock()

	s.fetch.SetFilter(f)
}

func (s *Session) TimeRange() query.TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeRange
}

func (s *Session) SetViewMode(m ViewMode) {
	s.mu.Lock()
	if s.closed || m == s.viewMode {
		s.mu.Unlock()
		return
	}
	s.viewMode = m
	s.armFitLocked()
	s.mu.Unlock()
}

func (s *Session) ViewMode() ViewMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewMode
}

// onDataChanged re-arms the fit debounce whenever the engine's data
// source is replaced. Rapid changes collapse into one camera move.
func (s *Session) onDataChanged() {
	s.mu.Lock()
	s.armFitLocked()
	s.mu.Unlock()
}

func (s *Session) armFitLocked() {
	if s.closed {
		return
	}
	if s.fitTimer != nil {
		s.fitTimer.Stop()
	}
	s.fitTimer = s.timer(s.fitDelay, s.runFit)
}

func (s *Session) runFit() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.fitTimer = nil
	mode := s.viewMode
	s.mu.Unlock()

	fc := s.engine.Collection()
	if fc == nil {
		return
	}
	box := geo.EmptyBBox()
	n := 0
	for _, f := range fc.Features {
		lng, lat, ok := featureLngLat(f)
		if !ok {
			continue
		}
		box = box.Extend(lng, lat)
		n++
	}
	if n == 0 || !box.IsValid() {
		return
	}
	if box.IsDegenerate() {
		box = box.Pad(geo.PointEpsilon)
	}
	opt := mapengine.FitOptions{Padding: fitPadPoints, MaxZoom: fitMaxZoomPoints}
	if mode == ViewClusters {
		opt = mapengine.FitOptions{Padding: fitPadClusters, MaxZoom: fitMaxZoomClusters}
	}
	s.engine.FitBounds(box, opt)
	s.metrics.IncViewportFit()
	s.log.Debug().Int("points", n).Str("bbox", box.String()).Msg("viewport fitted to data")
}
