package engine

import (
	"time"

	"postureguard/internal/model"
)

type FrameEntry struct {
	Timestamp time.Time
	Warnings  model.WarningSet
	EAR       float64
	HasFace   bool
}

// WindowState aggregates the frames of one viewer over a sliding duration.
// Frames must be added in nondecreasing timestamp order.
type WindowState struct {
	duration time.Duration
	frames   []FrameEntry
	head     int
	count    int
	tooClose int
	slouch   int
	squint   int
	faces    int
	earSum   float64
}

func NewWindowState(duration time.Duration) *WindowState {
	return &WindowState{
		duration: duration,
		frames:   make([]FrameEntry, 0, 128),
	}
}

func (w *WindowState) Add(f FrameEntry) {
	w.frames = append(w.frames, f)
	w.count++
	w.adjust(f, 1)
}

func (w *WindowState) adjust(f FrameEntry, sign int) {
	if f.Warnings.Has(model.TooClose) {
		w.tooClose += sign
	}
	if f.Warnings.Has(model.Slouching) {
		w.slouch += sign
	}
	if f.Warnings.Has(model.Squinting) {
		w.squint += sign
	}
	if f.HasFace {
		w.faces += sign
		w.earSum += float64(sign) * f.EAR
	}
}

func (w *WindowState) Evict(cutoff time.Time) {
	for w.head < len(w.frames) {
		f := w.frames[w.head]
		if !f.Timestamp.Before(cutoff) {
			break
		}
		w.count--
		w.adjust(f, -1)
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.frames) {
		w.frames = append([]FrameEntry{}, w.frames[w.head:]...)
		w.head = 0
	}
	if w.faces == 0 {
		w.earSum = 0
	}
}

func (w *WindowState) Metrics() model.WindowMetrics {
	wm := model.WindowMetrics{
		WindowSec: int(w.duration.Seconds()),
		Frames:    w.count,
	}
	if w.count > 0 {
		n := float64(w.count)
		wm.TooCloseRatio = float64(w.tooClose) / n
		wm.SlouchingRatio = float64(w.slouch) / n
		wm.SquintingRatio = float64(w.squint) / n
	}
	if w.faces > 0 {
		wm.MeanEAR = w.earSum / float64(w.faces)
	}
	return wm
}
