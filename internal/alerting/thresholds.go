package alerting

import (
	"sync"
	"sync/atomic"

	"postureguard/internal/model"
)

// ThresholdStore publishes whole Thresholds values. Readers never observe a
// mix of old and new fields; updates apply from the next Load.
type ThresholdStore struct {
	mu  sync.Mutex
	cur atomic.Pointer[model.Thresholds]
}

func NewThresholdStore(initial model.Thresholds) (*ThresholdStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &ThresholdStore{}
	s.cur.Store(&initial)
	return s, nil
}

func (s *ThresholdStore) Load() model.Thresholds {
	if p := s.cur.Load(); p != nil {
		return *p
	}
	return model.DefaultThresholds()
}

func (s *ThresholdStore) Update(patch model.ThresholdPatch) (model.Thresholds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.Load().Apply(patch)
	if err := next.Validate(); err != nil {
		return s.Load(), err
	}
	s.cur.Store(&next)
	return next, nil
}

func (s *ThresholdStore) Replace(t model.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cur.Store(&t)
	s.mu.Unlock()
	return nil
}
