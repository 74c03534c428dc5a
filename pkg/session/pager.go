package session

import (
	"context"

	geojson "github.com/paulmach/go.geojson"

	"radiomap/pkg/fetch"
	"radiomap/pkg/geo"
)

type panelStrategy int

const (
	strategyNone panelStrategy = iota
	strategyLeaves
	strategyBBox
	strategySingle
)

// panelState is the pager's working state. The strategy and its
// bbox/cluster inputs are fixed when the panel opens and reused
// verbatim for every later page.
type panelState struct {
	open     bool
	strategy panelStrategy
	page     int
	total    int
	rows     []map[string]interface{}
	loading  bool
	err      string

	box     geo.BBox
	bucket  int
	cluster uint32

	gen    uint64
	cancel context.CancelFunc
}

// Panel is the snapshot the viewer renders.
type Panel struct {
	Open       bool
	Page       int
	PageSize   int
	TotalCount int
	Rows       []map[string]interface{}
	Loading    bool
	Err        string
}

func (s *Session) Panel() Panel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Panel{
		Open:       s.panel.open,
		Page:       s.panel.page,
		PageSize:   pageSize,
		TotalCount: s.panel.total,
		Rows:       s.panel.rows,
		Loading:    s.panel.loading,
		Err:        s.panel.err,
	}
}

func (s *Session) openLeavesLocked(id uint32, total int) {
	s.resetPanelLocked()
	s.panel.open = true
	s.panel.strategy = strategyLeaves
	s.panel.cluster = id
	s.panel.total = total
	s.loadPageLocked(1)
}

func (s *Session) openBBoxLocked(box geo.BBox, bucket int) {
	s.resetPanelLocked()
	s.panel.open = true
	s.panel.strategy = strategyBBox
	s.panel.box = box
	s.panel.bucket = bucket
	s.loadPageLocked(1)
}

func (s *Session) openSingleLocked(f *geojson.Feature) {
	s.resetPanelLocked()
	s.panel.open = true
	s.panel.strategy = strategySingle
	s.panel.page = 1
	s.panel.total = 1
	s.panel.rows = []map[string]interface{}{featureRow(f)}
}

func (s *Session) resetPanelLocked() {
	if s.panel.cancel != nil {
		s.panel.cancel()
	}
	gen := s.panel.gen + 1
	s.panel = panelState{gen: gen}
}

// ClosePanel drops the pager state. In-flight loads are cancelled and
// their late resolutions discarded.
func (s *Session) ClosePanel() {
	s.mu.Lock()
	s.resetPanelLocked()
	s.mu.Unlock()
}

func (s *Session) NextPage() {
	s.mu.Lock()
	if s.panel.open && s.panel.page < s.maxPageLocked() {
		s.loadPageLocked(s.panel.page + 1)
	}
	s.mu.Unlock()
}

func (s *Session) PrevPage() {
	s.mu.Lock()
	if s.panel.open && s.panel.page > 1 {
		s.loadPageLocked(s.panel.page - 1)
	}
	s.mu.Unlock()
}

func (s *Session) SetPage(page int) {
	s.mu.Lock()
	if s.panel.open {
		if page < 1 {
			page = 1
		}
		if m := s.maxPageLocked(); page > m {
			page = m
		}
		if page != s.panel.page {
			s.loadPageLocked(page)
		}
	}
	s.mu.Unlock()
}

func (s *Session) maxPageLocked() int {
	if s.panel.total <= 0 {
		return 1
	}
	return (s.panel.total + pageSize - 1) / pageSize
}

func (s *Session) loadPageLocked(page int) {
	p := &s.panel
	if !p.open || p.strategy == strategySingle {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	p.page = page
	p.loading = true
	p.err = ""

	gen := p.gen
	switch p.strategy {
	case strategyLeaves:
		go s.loadLeaves(ctx, gen, p.cluster, page)
	case strategyBBox:
		go s.loadBBoxPage(ctx, gen, p.box, page)
	}
}

func (s *Session) loadLeaves(ctx context.Context, gen uint64, id uint32, page int) {
	feats, err := s.engine.ClusterLeaves(ctx, id, pageSize, (page-1)*pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.panel.gen || !s.panel.open {
		return
	}
	if err != nil {
		if fetch.IsCanceled(err) {
			return
		}
		s.log.Warn().Err(err).Uint32("cluster", id).Msg("cluster leaves failed")
		s.panel.loading = false
		s.panel.err = err.Error()
		s.panel.rows = nil
		return
	}
	rows := make([]map[string]interface{}, 0, len(feats))
	for _, f := range feats {
		rows = append(rows, featureRow(f))
	}
	s.panel.loading = false
	s.panel.rows = rows
}

func (s *Session) loadBBoxPage(ctx context.Context, gen uint64, box geo.BBox, page int) {
	res, err := s.fetch.FetchBBox(ctx, box, page, pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.panel.gen || !s.panel.open {
		return
	}
	if err != nil {
		if fetch.IsCanceled(err) {
			return
		}
		s.log.Warn().Err(err).Str("bbox", box.String()).Msg("detail page fetch failed")
		s.panel.loading = false
		s.panel.err = err.Error()
		s.panel.rows = nil
		return
	}
	s.panel.loading = false
	s.panel.rows = res.Rows
	total := res.TotalCount
	if !res.ReportedTotal && s.panel.bucket > 0 {
		// Backend sent no total: the clicked bucket's own count is the
		// next best answer before falling back to the row length.
		total = s.panel.bucket
	}
	s.panel.total = total
}
