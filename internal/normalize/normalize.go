package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"postureguard/internal/config"
	"postureguard/internal/geometry"
	"postureguard/internal/model"
)

var ErrMalformedLandmarks = errors.New("malformed landmarks")

// FrameFields is a decoded but unvalidated input record.
type FrameFields struct {
	Timestamp string
	ViewerID  string
	Face      []model.Landmark
	Pose      []model.Landmark
	Raw       string
}

func Normalize(fields FrameFields, cfg *config.Config) (model.Frame, error) {
	viewer := strings.TrimSpace(fields.ViewerID)
	if viewer == "" {
		viewer = cfg.Ingest.Parser.DefaultViewerID
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Frame{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	if err := checkLandmarks("face", fields.Face, geometry.FaceLandmarkCount); err != nil {
		return model.Frame{}, err
	}
	if err := checkLandmarks("pose", fields.Pose, geometry.PoseLandmarkCount); err != nil {
		return model.Frame{}, err
	}

	return model.Frame{
		Timestamp: ts,
		ViewerID:  viewer,
		Face:      model.FaceLandmarks(fields.Face),
		Pose:      model.PoseLandmarks(fields.Pose),
		Source:    "log",
		Raw:       fields.Raw,
	}, nil
}

// An absent set (len 0) is fine; a present one must carry every index the
// classifier reads.
func checkLandmarks(kind string, set []model.Landmark, want int) error {
	if len(set) == 0 {
		return nil
	}
	if len(set) < want {
		return fmt.Errorf("%w: %s has %d points, need %d", ErrMalformedLandmarks, kind, len(set), want)
	}
	for i, p := range set {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return fmt.Errorf("%w: %s point %d is not finite", ErrMalformedLandmarks, kind, i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func ParseThresholdField(name string) (model.ThresholdField, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "iris_distance", "irisdistance", "iris", "iris_distance_threshold":
		return model.FieldIrisDistance, nil
	case "slouching_angle", "slouchingangle", "slouching", "slouching_angle_degrees", "slouching_angle_threshold_degrees":
		return model.FieldSlouchingAngle, nil
	case "ear", "ear_threshold", "eye_aspect_ratio":
		return model.FieldEAR, nil
	}
	return "", fmt.Errorf("%w: %q", model.ErrUnknownThreshold, name)
}

func ParseThresholdUpdate(field string, value string) (model.ThresholdUpdate, error) {
	f, err := ParseThresholdField(field)
	if err != nil {
		return model.ThresholdUpdate{}, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return model.ThresholdUpdate{}, fmt.Errorf("threshold %s: %w", f, err)
	}
	return model.ThresholdUpdate{Field: f, Value: v}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dot := false
	for _, ch := range value {
		if ch == '.' && !dot {
			dot = true
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// Values with 13 or more integer digits are milliseconds, shorter ones are
// seconds with an optional fraction.
func parseUnix(value string) (time.Time, error) {
	intPart := value
	if i := strings.IndexByte(value, '.'); i >= 0 {
		intPart = value[:i]
	}
	if len(intPart) >= 13 {
		ms, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	if intPart == value {
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0).UTC(), nil
	}
	sec, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, err
	}
	whole := math.Floor(sec)
	return time.Unix(int64(whole), int64((sec-whole)*float64(time.Second))).UTC(), nil
}
