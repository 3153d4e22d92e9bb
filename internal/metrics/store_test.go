package metrics

import (
	"testing"
	"time"

	"postureguard/internal/model"
)

func TestStoreUpdateMergesWindows(t *testing.T) {
	s := NewStore(10)
	s.Update("desk-1", model.FrameMetrics{EAR: 0.3}, []model.WindowMetrics{{WindowSec: 60, Frames: 4}, {WindowSec: 10, Frames: 2}}, true)
	s.Update("desk-1", model.FrameMetrics{EAR: 0.25}, []model.WindowMetrics{{WindowSec: 10, Frames: 3}}, false)

	got, ok := s.Get("desk-1")
	if !ok {
		t.Fatalf("viewer missing")
	}
	if got.Latest.EAR != 0.25 || got.Overlay {
		t.Fatalf("latest not replaced: %+v", got)
	}
	if len(got.Windows) != 2 || got.Windows[0].WindowSec != 10 || got.Windows[0].Frames != 3 || got.Windows[1].Frames != 4 {
		t.Fatalf("windows = %+v", got.Windows)
	}
}

func TestStoreEvictsLeastRecentlyUpdated(t *testing.T) {
	s := NewStore(2)
	s.Update("a", model.FrameMetrics{}, nil, false)
	time.Sleep(time.Millisecond)
	s.Update("b", model.FrameMetrics{}, nil, false)
	time.Sleep(time.Millisecond)
	s.Update("c", model.FrameMetrics{}, nil, false)
	if s.Len() != 2 {
		t.Fatalf("len = %d", s.Len())
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("oldest viewer should be evicted")
	}
	s.Remove("b")
	s.Clear()
	if len(s.GetAll()) != 0 {
		t.Fatalf("expected empty store")
	}
}
