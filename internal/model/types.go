package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type FaceLandmarks []Landmark

type PoseLandmarks []Landmark

type Warning uint8

const (
	TooClose Warning = 1 << iota
	Slouching
	Squinting
)

var allWarnings = []Warning{TooClose, Slouching, Squinting}

func (w Warning) String() string {
	switch w {
	case TooClose:
		return "too_close"
	case Slouching:
		return "slouching"
	case Squinting:
		return "squinting"
	default:
		return fmt.Sprintf("warning(%d)", uint8(w))
	}
}

func ParseWarning(s string) (Warning, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "too_close", "tooclose":
		return TooClose, nil
	case "slouching":
		return Slouching, nil
	case "squinting":
		return Squinting, nil
	}
	return 0, fmt.Errorf("unknown warning %q", s)
}

// WarningSet holds zero to three distinct warnings of one frame.
type WarningSet uint8

func NewWarningSet(ws ...Warning) WarningSet {
	var s WarningSet
	for _, w := range ws {
		s = s.Add(w)
	}
	return s
}

func (s WarningSet) Add(w Warning) WarningSet {
	return s | WarningSet(w)
}

func (s WarningSet) Has(w Warning) bool {
	return s&WarningSet(w) != 0
}

func (s WarningSet) Empty() bool {
	return s == 0
}

func (s WarningSet) Len() int {
	n := 0
	for _, w := range allWarnings {
		if s.Has(w) {
			n++
		}
	}
	return n
}

// List returns the members in TooClose, Slouching, Squinting order.
func (s WarningSet) List() []Warning {
	out := make([]Warning, 0, 3)
	for _, w := range allWarnings {
		if s.Has(w) {
			out = append(out, w)
		}
	}
	return out
}

func (s WarningSet) String() string {
	list := s.List()
	parts := make([]string, 0, len(list))
	for _, w := range list {
		parts = append(parts, w.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s WarningSet) MarshalJSON() ([]byte, error) {
	list := s.List()
	parts := make([]string, 0, len(list))
	for _, w := range list {
		parts = append(parts, w.String())
	}
	return json.Marshal(parts)
}

func (s *WarningSet) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	var out WarningSet
	for _, p := range parts {
		w, err := ParseWarning(p)
		if err != nil {
			return err
		}
		out = out.Add(w)
	}
	*s = out
	return nil
}

var ErrInvalidThresholds = errors.New("invalid thresholds")

type Thresholds struct {
	IrisDistance          float64 `json:"iris_distance" yaml:"iris_distance"`
	SlouchingAngleDegrees float64 `json:"slouching_angle_degrees" yaml:"slouching_angle_degrees"`
	EAR                   float64 `json:"ear" yaml:"ear"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		IrisDistance:          0.2,
		SlouchingAngleDegrees: 20,
		EAR:                   0.2,
	}
}

func (t Thresholds) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidThresholds, name)
		}
		if v < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrInvalidThresholds, name)
		}
		return nil
	}
	if err := check("iris_distance", t.IrisDistance); err != nil {
		return err
	}
	if err := check("slouching_angle_degrees", t.SlouchingAngleDegrees); err != nil {
		return err
	}
	if t.SlouchingAngleDegrees > 180 {
		return fmt.Errorf("%w: slouching_angle_degrees must be <= 180", ErrInvalidThresholds)
	}
	return check("ear", t.EAR)
}

// ThresholdPatch carries a partial update; nil fields are left unchanged.
type ThresholdPatch struct {
	IrisDistance          *float64 `json:"iris_distance,omitempty"`
	SlouchingAngleDegrees *float64 `json:"slouching_angle_degrees,omitempty"`
	EAR                   *float64 `json:"ear,omitempty"`
}

func (p ThresholdPatch) Empty() bool {
	return p.IrisDistance == nil && p.SlouchingAngleDegrees == nil && p.EAR == nil
}

func (t Thresholds) Apply(p ThresholdPatch) Thresholds {
	if p.IrisDistance != nil {
		t.IrisDistance = *p.IrisDistance
	}
	if p.SlouchingAngleDegrees != nil {
		t.SlouchingAngleDegrees = *p.SlouchingAngleDegrees
	}
	if p.EAR != nil {
		t.EAR = *p.EAR
	}
	return t
}

type ThresholdField string

const (
	FieldIrisDistance   ThresholdField = "iris_distance"
	FieldSlouchingAngle ThresholdField = "slouching_angle"
	FieldEAR            ThresholdField = "ear"
)

var ErrUnknownThreshold = errors.New("unknown threshold field")

type ThresholdUpdate struct {
	Field ThresholdField `json:"field"`
	Value float64        `json:"value"`
}

func (u ThresholdUpdate) Patch() (ThresholdPatch, error) {
	v := u.Value
	switch u.Field {
	case FieldIrisDistance:
		return ThresholdPatch{IrisDistance: &v}, nil
	case FieldSlouchingAngle:
		return ThresholdPatch{SlouchingAngleDegrees: &v}, nil
	case FieldEAR:
		return ThresholdPatch{EAR: &v}, nil
	}
	return ThresholdPatch{}, fmt.Errorf("%w: %q", ErrUnknownThreshold, u.Field)
}

type CommandKind string

const (
	ShowOverlay CommandKind = "show_overlay"
	HideOverlay CommandKind = "hide_overlay"
	Speak       CommandKind = "speak"
	Notify      CommandKind = "notify"
)

type Command struct {
	Kind CommandKind `json:"kind"`
	Text string      `json:"text,omitempty"`
}

func (c Command) String() string {
	if c.Text == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + "(" + c.Text + ")"
}

type Frame struct {
	Timestamp time.Time     `json:"timestamp"`
	ViewerID  string        `json:"viewer_id"`
	Face      FaceLandmarks `json:"face,omitempty"`
	Pose      PoseLandmarks `json:"pose,omitempty"`
	Source    string        `json:"source,omitempty"`
	Raw       string        `json:"-"`
}

// Event is what ingest sources put on the engine channel: exactly one of
// Frame or Threshold is set.
type Event struct {
	Frame     *Frame
	Threshold *ThresholdUpdate
}

type FrameMetrics struct {
	Timestamp    time.Time  `json:"timestamp"`
	HasFace      bool       `json:"has_face"`
	HasPose      bool       `json:"has_pose"`
	IrisDistance float64    `json:"iris_distance"`
	SlouchAngle  float64    `json:"slouch_angle"`
	EAR          float64    `json:"ear"`
	Warnings     WarningSet `json:"warnings"`
}

type WindowMetrics struct {
	WindowSec      int     `json:"window_sec"`
	Frames         int     `json:"frames"`
	TooCloseRatio  float64 `json:"too_close_ratio"`
	SlouchingRatio float64 `json:"slouching_ratio"`
	SquintingRatio float64 `json:"squinting_ratio"`
	MeanEAR        float64 `json:"mean_ear"`
}

type Alert struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	ViewerID  string      `json:"viewer_id"`
	Kind      CommandKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Warnings  WarningSet  `json:"warnings"`
}

func (a Alert) Command() Command {
	return Command{Kind: a.Kind, Text: a.Text}
}
