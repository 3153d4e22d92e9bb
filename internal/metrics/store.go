package metrics

import (
	"sort"
	"sync"
	"time"

	"postureguard/internal/model"
)

// ViewerMetrics is the latest per-frame measurement of one viewer together
// with its rolling window aggregates.
type ViewerMetrics struct {
	ViewerID  string                `json:"viewer_id"`
	Latest    model.FrameMetrics    `json:"latest"`
	Windows   []model.WindowMetrics `json:"windows"`
	Overlay   bool                  `json:"overlay_active"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type entry struct {
	latest    model.FrameMetrics
	windows   map[int]model.WindowMetrics
	overlay   bool
	updatedAt time.Time
}

type Store struct {
	mu       sync.RWMutex
	byViewer map[string]*entry
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byViewer: make(map[string]*entry),
		limit:    limit,
	}
}

func (s *Store) Update(viewerID string, latest model.FrameMetrics, windows []model.WindowMetrics, overlay bool) {
	if viewerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byViewer[viewerID]
	if !ok {
		e = &entry{windows: make(map[int]model.WindowMetrics)}
		s.byViewer[viewerID] = e
	}
	e.latest = latest
	for _, wm := range windows {
		e.windows[wm.WindowSec] = wm
	}
	e.overlay = overlay
	e.updatedAt = time.Now().UTC()
	if len(s.byViewer) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(viewerID string) (ViewerMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byViewer[viewerID]
	if !ok {
		return ViewerMetrics{}, false
	}
	return e.snapshot(viewerID), true
}

func (s *Store) GetAll() map[string]ViewerMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ViewerMetrics, len(s.byViewer))
	for id, e := range s.byViewer {
		out[id] = e.snapshot(id)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byViewer)
}

func (s *Store) Remove(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byViewer, viewerID)
}

func (e *entry) snapshot(id string) ViewerMetrics {
	windows := make([]model.WindowMetrics, 0, len(e.windows))
	for _, wm := range e.windows {
		windows = append(windows, wm)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].WindowSec < windows[j].WindowSec })
	return ViewerMetrics{
		ViewerID:  id,
		Latest:    e.latest,
		Windows:   windows,
		Overlay:   e.overlay,
		UpdatedAt: e.updatedAt,
	}
}

func (s *Store) evictOldest() {
	var oldestViewer string
	var oldest time.Time
	for id, e := range s.byViewer {
		if oldestViewer == "" || e.updatedAt.Before(oldest) {
			oldestViewer = id
			oldest = e.updatedAt
		}
	}
	if oldestViewer != "" {
		delete(s.byViewer, oldestViewer)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byViewer = make(map[string]*entry)
}
