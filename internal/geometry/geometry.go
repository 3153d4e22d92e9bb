// Package geometry classifies a single frame of face and pose landmarks into
// ergonomic warnings. Everything here is a pure function of its inputs.
package geometry

import (
	"fmt"
	"math"

	"postureguard/internal/model"
)

// Face mesh indices (478-point model with refined iris).
var (
	LeftIris  = [4]int{474, 475, 476, 477}
	RightIris = [4]int{469, 470, 471, 472}

	// p1..p6: p1/p4 are the horizontal corners, the rest are lid points.
	LeftEye  = [6]int{362, 385, 387, 263, 373, 380}
	RightEye = [6]int{33, 160, 158, 133, 153, 144}
)

// Pose indices (33-point body model).
const (
	LeftEar       = 7
	RightEar      = 8
	LeftShoulder  = 11
	RightShoulder = 12
)

const (
	FaceLandmarkCount = 478
	PoseLandmarkCount = 33
)

// Classify returns the warnings present in one frame. A nil or empty face or
// pose skips the checks that need it.
func Classify(face model.FaceLandmarks, pose model.PoseLandmarks, t model.Thresholds) model.WarningSet {
	return Measure(face, pose, t).Warnings
}

// Measure computes the raw distances and ratios behind Classify.
func Measure(face model.FaceLandmarks, pose model.PoseLandmarks, t model.Thresholds) model.FrameMetrics {
	var m model.FrameMetrics
	if len(face) > 0 {
		m.HasFace = true
		m.IrisDistance = IrisDistance(face)
		if m.IrisDistance > t.IrisDistance {
			m.Warnings = m.Warnings.Add(model.TooClose)
		}
		m.EAR = AverageEAR(face)
		if m.EAR < t.EAR {
			m.Warnings = m.Warnings.Add(model.Squinting)
		}
	}
	if len(pose) > 0 {
		m.HasPose = true
		angle, ok := SlouchAngle(pose)
		m.SlouchAngle = angle
		if ok && angle > t.SlouchingAngleDegrees {
			m.Warnings = m.Warnings.Add(model.Slouching)
		}
	}
	return m
}

// IrisDistance is the 2D distance between the left and right iris centers.
func IrisDistance(face model.FaceLandmarks) float64 {
	left := centroid(face, LeftIris[:])
	right := centroid(face, RightIris[:])
	return distance2D(left, right)
}

// SlouchAngle is the forward tilt of the ear midpoint over the shoulder
// midpoint, in degrees from vertical. ok is false when the two midpoints sit
// at the same height, which is treated as not slouching.
func SlouchAngle(pose model.PoseLandmarks) (float64, bool) {
	shoulder := midpoint(at(pose, LeftShoulder), at(pose, RightShoulder))
	ear := midpoint(at(pose, LeftEar), at(pose, RightEar))
	dx := math.Abs(ear.X - shoulder.X)
	dy := math.Abs(ear.Y - shoulder.Y)
	if dy == 0 {
		return 0, false
	}
	return math.Atan(dx/dy) * 180 / math.Pi, true
}

// EyeAspectRatio computes (|p2p6| + |p3p5|) / (2|p1p4|) for one eye. A zero
// horizontal span yields 0.
func EyeAspectRatio(face model.FaceLandmarks, eye [6]int) float64 {
	p1, p2, p3 := at(face, eye[0]), at(face, eye[1]), at(face, eye[2])
	p4, p5, p6 := at(face, eye[3]), at(face, eye[4]), at(face, eye[5])
	horizontal := distance2D(p1, p4)
	if horizontal == 0 {
		return 0
	}
	return (distance2D(p2, p6) + distance2D(p3, p5)) / (2 * horizontal)
}

func AverageEAR(face model.FaceLandmarks) float64 {
	return (EyeAspectRatio(face, LeftEye) + EyeAspectRatio(face, RightEye)) / 2
}

func at(set []model.Landmark, i int) model.Landmark {
	if i < 0 || i >= len(set) {
		panic(fmt.Sprintf("geometry: landmark index %d out of range for set of %d", i, len(set)))
	}
	return set[i]
}

func centroid(set []model.Landmark, idx []int) model.Landmark {
	var c model.Landmark
	for _, i := range idx {
		p := at(set, i)
		c.X += p.X
		c.Y += p.Y
		c.Z += p.Z
	}
	n := float64(len(idx))
	return model.Landmark{X: c.X / n, Y: c.Y / n, Z: c.Z / n}
}

func midpoint(a, b model.Landmark) model.Landmark {
	return model.Landmark{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2, Z: (a.Z + b.Z) / 2}
}

func distance2D(a, b model.Landmark) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
