package alerts

import (
	"testing"
	"time"

	"postureguard/internal/model"
)

func alertAt(viewer string, sec int, kind model.CommandKind) model.Alert {
	return model.Alert{
		Timestamp: time.Date(2026, 10, 1, 9, 0, sec, 0, time.UTC),
		ViewerID:  viewer,
		Kind:      kind,
	}
}

func TestStoreRingDropsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(alertAt("desk-1", i, model.Notify))
	}
	got := s.List("", 0)
	if len(got) != 3 || got[0].Timestamp.Second() != 2 || got[2].Timestamp.Second() != 4 {
		t.Fatalf("unexpected buffer: %+v", got)
	}
}

func TestStoreListFiltersAndLimits(t *testing.T) {
	s := NewStore(10)
	s.Add(alertAt("a", 0, model.ShowOverlay))
	s.Add(alertAt("b", 1, model.Notify))
	s.Add(alertAt("a", 2, model.Speak))
	s.Add(alertAt("a", 3, model.HideOverlay))

	got := s.List("a", 2)
	if len(got) != 2 || got[0].Kind != model.Speak || got[1].Kind != model.HideOverlay {
		t.Fatalf("unexpected list: %+v", got)
	}
	since := s.Since(time.Date(2026, 10, 1, 9, 0, 2, 0, time.UTC))
	if len(since) != 2 {
		t.Fatalf("since = %d", len(since))
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}
