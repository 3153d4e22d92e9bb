package geometry

import (
	"math"
	"testing"

	"postureguard/internal/model"
)

// openFace builds a face whose irises are d apart horizontally and whose
// eyes have an aspect ratio of ear.
func openFace(d, ear float64) model.FaceLandmarks {
	face := make(model.FaceLandmarks, FaceLandmarkCount)
	for _, i := range LeftIris {
		face[i] = model.Landmark{X: 0.5 + d/2, Y: 0.4}
	}
	for _, i := range RightIris {
		face[i] = model.Landmark{X: 0.5 - d/2, Y: 0.4}
	}
	setEye(face, LeftEye, 0.6, ear)
	setEye(face, RightEye, 0.4, ear)
	return face
}

func setEye(face model.FaceLandmarks, eye [6]int, cx, ear float64) {
	const width = 0.1
	half := ear * width / 2
	face[eye[0]] = model.Landmark{X: cx - width/2, Y: 0.4}
	face[eye[3]] = model.Landmark{X: cx + width/2, Y: 0.4}
	face[eye[1]] = model.Landmark{X: cx - width/4, Y: 0.4 - half}
	face[eye[5]] = model.Landmark{X: cx - width/4, Y: 0.4 + half}
	face[eye[2]] = model.Landmark{X: cx + width/4, Y: 0.4 - half}
	face[eye[4]] = model.Landmark{X: cx + width/4, Y: 0.4 + half}
}

// pose places the ear midpoint dx to the side of and dy above the shoulder
// midpoint.
func pose(dx, dy float64) model.PoseLandmarks {
	p := make(model.PoseLandmarks, PoseLandmarkCount)
	p[LeftShoulder] = model.Landmark{X: 0.6, Y: 0.8}
	p[RightShoulder] = model.Landmark{X: 0.4, Y: 0.8}
	p[LeftEar] = model.Landmark{X: 0.55 + dx, Y: 0.8 - dy}
	p[RightEar] = model.Landmark{X: 0.45 + dx, Y: 0.8 - dy}
	return p
}

func TestTooCloseFollowsIrisDistance(t *testing.T) {
	th := model.DefaultThresholds()
	cases := []struct {
		d    float64
		want bool
	}{
		{0.1, false},
		{0.2, false},
		{0.2001, true},
		{0.35, true},
	}
	for _, tc := range cases {
		got := Classify(openFace(tc.d, 0.3), nil, th).Has(model.TooClose)
		if got != tc.want {
			t.Fatalf("d=%v: too close = %v, want %v", tc.d, got, tc.want)
		}
	}
}

func TestIrisDistanceIgnoresDepth(t *testing.T) {
	face := openFace(0.25, 0.3)
	base := IrisDistance(face)
	for _, i := range LeftIris {
		face[i].Z = 5
	}
	for _, i := range RightIris {
		face[i].Z = -3
	}
	if got := IrisDistance(face); got != base {
		t.Fatalf("z changed distance: %v vs %v", got, base)
	}
	if math.Abs(base-0.25) > 1e-9 {
		t.Fatalf("distance = %v, want 0.25", base)
	}
}

func TestIrisCentersAverageAllFourPoints(t *testing.T) {
	face := openFace(0, 0.3)
	offsets := []float64{-0.02, 0.02, 0, 0}
	for k, i := range LeftIris {
		face[i] = model.Landmark{X: 0.7 + offsets[k], Y: 0.5 + offsets[3-k]}
	}
	for _, i := range RightIris {
		face[i] = model.Landmark{X: 0.4, Y: 0.5}
	}
	if got := IrisDistance(face); math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("distance = %v, want 0.3", got)
	}
}

func TestSlouchingAngle(t *testing.T) {
	th := model.DefaultThresholds()
	upright := pose(0.01, 0.2)
	if Classify(nil, upright, th).Has(model.Slouching) {
		t.Fatalf("upright pose flagged as slouching")
	}
	// atan(0.1/0.1) = 45 degrees
	forward := pose(0.1, 0.1)
	angle, ok := SlouchAngle(forward)
	if !ok || math.Abs(angle-45) > 1e-9 {
		t.Fatalf("angle = %v ok=%v, want 45", angle, ok)
	}
	if !Classify(nil, forward, th).Has(model.Slouching) {
		t.Fatalf("expected slouching at 45 degrees")
	}
	th.SlouchingAngleDegrees = 45
	if Classify(nil, forward, th).Has(model.Slouching) {
		t.Fatalf("angle equal to threshold must not flag")
	}
}

func TestSlouchingNeverWhenVerticalOffsetZero(t *testing.T) {
	for _, limit := range []float64{0, 1, 45, 90, 180} {
		th := model.DefaultThresholds()
		th.SlouchingAngleDegrees = limit
		if Classify(nil, pose(0.3, 0), th).Has(model.Slouching) {
			t.Fatalf("dy=0 flagged slouching at threshold %v", limit)
		}
	}
}

func TestSquintingByEAR(t *testing.T) {
	th := model.DefaultThresholds()
	if Classify(openFace(0.1, 0.3), nil, th).Has(model.Squinting) {
		t.Fatalf("open eyes flagged as squinting")
	}
	if !Classify(openFace(0.1, 0.1), nil, th).Has(model.Squinting) {
		t.Fatalf("narrow eyes not flagged")
	}
	if got := AverageEAR(openFace(0.1, 0.25)); math.Abs(got-0.25) > 1e-9 {
		t.Fatalf("ear = %v, want 0.25", got)
	}
}

func TestZeroWidthEyesHaveZeroEAR(t *testing.T) {
	face := openFace(0.1, 0.3)
	for _, eye := range [][6]int{LeftEye, RightEye} {
		face[eye[3]] = face[eye[0]]
	}
	if got := AverageEAR(face); got != 0 {
		t.Fatalf("ear = %v, want 0", got)
	}
	th := model.DefaultThresholds()
	th.EAR = 0
	if Classify(face, nil, th).Has(model.Squinting) {
		t.Fatalf("zero threshold must not flag squinting")
	}
	th.EAR = 0.0001
	if !Classify(face, nil, th).Has(model.Squinting) {
		t.Fatalf("positive threshold must flag squinting")
	}
}

func TestAbsentInputsSkipChecks(t *testing.T) {
	th := model.Thresholds{}
	if got := Classify(nil, nil, th); !got.Empty() {
		t.Fatalf("expected no warnings, got %v", got)
	}
	m := Measure(nil, pose(0.1, 0.1), th)
	if m.HasFace || !m.HasPose {
		t.Fatalf("unexpected presence flags: %+v", m)
	}
	if m.Warnings.Has(model.TooClose) || m.Warnings.Has(model.Squinting) {
		t.Fatalf("face checks ran without a face: %v", m.Warnings)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	th := model.DefaultThresholds()
	face := openFace(0.3, 0.1)
	p := pose(0.2, 0.1)
	first := Classify(face, p, th)
	second := Classify(face, p, th)
	if first != second {
		t.Fatalf("results differ: %v vs %v", first, second)
	}
	if first.Len() != 3 {
		t.Fatalf("expected all three warnings, got %v", first)
	}
}

func TestShortLandmarkSetPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on short face set")
		}
	}()
	Classify(make(model.FaceLandmarks, 10), nil, model.DefaultThresholds())
}
