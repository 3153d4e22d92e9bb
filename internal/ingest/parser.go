package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"postureguard/internal/model"
	"postureguard/internal/normalize"
)

// Record is one decoded input line: a landmark frame or a threshold update.
type Record struct {
	Frame     *normalize.FrameFields
	Threshold *model.ThresholdUpdate
}

var errNotObject = errors.New("line is not a JSON object")

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// ParseLine decodes a single JSON line. Blank lines yield (nil, nil).
func (p *Parser) ParseLine(line string) (*Record, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if !looksLikeJSON(trim) {
		return nil, errNotObject
	}
	rec, err := ParseJSONBytes([]byte(trim))
	if err != nil {
		return nil, err
	}
	if rec.Frame != nil {
		rec.Frame.Raw = line
	}
	return rec, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func ParseJSONBytes(data []byte) (*Record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj)
}

func ParseJSONMap(obj map[string]json.RawMessage) (*Record, error) {
	fields := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(k)] = v
	}

	if raw, ok := firstPresent(fields, "threshold", "field"); ok {
		name := rawString(raw)
		value, ok := firstPresent(fields, "value")
		if !ok {
			return nil, fmt.Errorf("threshold update %q missing value", name)
		}
		u, err := normalize.ParseThresholdUpdate(name, rawString(value))
		if err != nil {
			return nil, err
		}
		return &Record{Threshold: &u}, nil
	}

	ff := &normalize.FrameFields{}
	if raw, ok := firstPresent(fields, "timestamp", "time", "ts"); ok {
		ff.Timestamp = rawString(raw)
	}
	if raw, ok := firstPresent(fields, "viewer_id", "viewer", "device", "session"); ok {
		ff.ViewerID = rawString(raw)
	}
	if raw, ok := firstPresent(fields, "face", "face_landmarks", "facelandmarks"); ok {
		pts, err := decodeLandmarks(raw)
		if err != nil {
			return nil, fmt.Errorf("face: %w", err)
		}
		ff.Face = pts
	}
	if raw, ok := firstPresent(fields, "pose", "pose_landmarks", "poselandmarks"); ok {
		pts, err := decodeLandmarks(raw)
		if err != nil {
			return nil, fmt.Errorf("pose: %w", err)
		}
		ff.Pose = pts
	}
	return &Record{Frame: ff}, nil
}

// decodeLandmarks accepts either [[x,y,z],...] or [{"x":..,"y":..,"z":..},...].
// A missing z in the array form defaults to 0.
func decodeLandmarks(raw json.RawMessage) ([]model.Landmark, error) {
	if isNull(raw) {
		return nil, nil
	}
	var tuples [][]float64
	if err := json.Unmarshal(raw, &tuples); err == nil {
		out := make([]model.Landmark, len(tuples))
		for i, t := range tuples {
			if len(t) < 2 || len(t) > 3 {
				return nil, fmt.Errorf("point %d has %d coordinates", i, len(t))
			}
			out[i] = model.Landmark{X: t[0], Y: t[1]}
			if len(t) == 3 {
				out[i].Z = t[2]
			}
		}
		return out, nil
	}
	var points []model.Landmark
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func firstPresent(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || strings.TrimSpace(string(raw)) == "null"
}

// rawString renders a JSON scalar as text, unquoting strings.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
