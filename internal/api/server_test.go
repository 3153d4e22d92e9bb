package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postureguard/internal/alerts"
	"postureguard/internal/config"
	"postureguard/internal/engine"
	"postureguard/internal/metrics"
	"postureguard/internal/model"
)

type fakeEngine struct {
	thresholds model.Thresholds
	resets     int
	applied    int
}

func (f *fakeEngine) Reset() []model.Alert {
	f.resets++
	return []model.Alert{{Kind: model.HideOverlay}}
}

func (f *fakeEngine) UpdateThresholds(patch model.ThresholdPatch) (model.Thresholds, error) {
	next := f.thresholds.Apply(patch)
	if err := next.Validate(); err != nil {
		return f.thresholds, err
	}
	f.applied++
	f.thresholds = next
	return next, nil
}

func (f *fakeEngine) Thresholds() model.Thresholds { return f.thresholds }

func (f *fakeEngine) Stats() engine.Stats { return engine.Stats{Viewers: 2, Thresholds: f.thresholds} }

func newTestServer(t *testing.T, mgr *config.Manager) (*Server, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{thresholds: mgr.Get().Detection.Thresholds}
	srv := NewServer(mgr, metrics.NewStore(10), alerts.NewStore(10), eng, nil, nil, "test")
	return srv, eng
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStatusReportsEngine(t *testing.T) {
	srv, _ := newTestServer(t, config.NewStaticManager(nil))
	rr := do(t, srv.Handler(), http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "test" || resp.Engine == nil || resp.Engine.Viewers != 2 {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if len(resp.Detection.Windows) != 3 {
		t.Fatalf("windows = %v", resp.Detection.Windows)
	}
}

func TestUpdateThresholdsPatchesEngineAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.Save(path, config.DefaultConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	eng, err := engine.NewEngine(mgr.Get(), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.SetThresholdPersister(func(th model.Thresholds) error {
		_, err := mgr.SetThresholds(th)
		return err
	})
	h := NewServer(mgr, metrics.NewStore(10), alerts.NewStore(10), eng, nil, nil, "test").Handler()

	// An update arriving through ingest must survive a later partial API patch.
	eng.ProcessEvent(model.Event{Threshold: &model.ThresholdUpdate{Field: model.FieldEAR, Value: 0.5}})

	rr := do(t, h, http.MethodPost, "/config/thresholds", `{"iris_distance":0.3}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	want := model.Thresholds{IrisDistance: 0.3, SlouchingAngleDegrees: 20, EAR: 0.5}
	if got := eng.Thresholds(); got != want {
		t.Fatalf("engine thresholds = %+v, want %+v", got, want)
	}
	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Detection.Thresholds != want {
		t.Fatalf("persisted thresholds = %+v, want %+v", reloaded.Detection.Thresholds, want)
	}

	rr = do(t, h, http.MethodPost, "/config/thresholds", `{"field":"slouching_angle","value":30}`)
	if rr.Code != http.StatusOK || eng.Thresholds().SlouchingAngleDegrees != 30 || eng.Thresholds().EAR != 0.5 {
		t.Fatalf("single field update failed: %d %+v", rr.Code, eng.Thresholds())
	}

	rr = do(t, h, http.MethodGet, "/config/thresholds", "")
	var got struct {
		Thresholds model.Thresholds `json:"thresholds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Thresholds != (model.Thresholds{IrisDistance: 0.3, SlouchingAngleDegrees: 30, EAR: 0.5}) {
		t.Fatalf("get thresholds = %+v", got.Thresholds)
	}
}

func TestUpdateThresholdsWithoutEngineUsesConfig(t *testing.T) {
	mgr := config.NewStaticManager(nil)
	h := NewServer(mgr, metrics.NewStore(10), alerts.NewStore(10), nil, nil, nil, "test").Handler()
	rr := do(t, h, http.MethodPost, "/config/thresholds", `{"ear":0.25}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := mgr.Get().Detection.Thresholds; got.EAR != 0.25 || got.IrisDistance != 0.2 {
		t.Fatalf("config thresholds = %+v", got)
	}
}

func TestUpdateThresholdsRejectsInvalid(t *testing.T) {
	srv, eng := newTestServer(t, config.NewStaticManager(nil))
	h := srv.Handler()
	for _, body := range []string{`{"ear":-0.1}`, `{}`, `not json`, `{"field":"nose","value":1}`} {
		rr := do(t, h, http.MethodPost, "/config/thresholds", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d", body, rr.Code)
		}
	}
	if eng.applied != 0 {
		t.Fatalf("engine should not be updated")
	}
}

func TestMetricsAndAlertsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, config.NewStaticManager(nil))
	srv.metrics.Update("desk-1", model.FrameMetrics{IrisDistance: 0.3}, []model.WindowMetrics{{WindowSec: 10, Frames: 1}}, true)
	ts := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	srv.alerts.Add(model.Alert{ID: "1", Timestamp: ts, ViewerID: "desk-1", Kind: model.ShowOverlay})
	srv.alerts.Add(model.Alert{ID: "2", Timestamp: ts.Add(time.Second), ViewerID: "desk-2", Kind: model.Notify})
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/metrics/desk-1", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"overlay_active":true`) {
		t.Fatalf("viewer metrics: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/metrics/nobody", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown viewer status = %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/alerts?viewer=desk-2", "")
	var list struct {
		Alerts []model.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 1 || list.Alerts[0].ID != "2" {
		t.Fatalf("alerts = %+v", list)
	}
	if rr := do(t, h, http.MethodGet, "/alerts?since=yesterday", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", rr.Code)
	}
}

func TestAdminRestartResetsEngine(t *testing.T) {
	srv, eng := newTestServer(t, config.NewStaticManager(nil))
	srv.alerts.Add(model.Alert{ID: "1"})
	rr := do(t, srv.Handler(), http.MethodPost, "/admin/restart", "")
	if rr.Code != http.StatusOK || eng.resets != 1 || srv.alerts.Len() != 0 {
		t.Fatalf("restart: %d resets=%d alerts=%d", rr.Code, eng.resets, srv.alerts.Len())
	}
	if rr := do(t, srv.Handler(), http.MethodPost, "/admin/clear", `{"target":"everything"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("clear bad target status = %d", rr.Code)
	}
	if rr := do(t, srv.Handler(), http.MethodGet, "/admin/restart", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET restart status = %d", rr.Code)
	}
}

func TestUIServed(t *testing.T) {
	srv, _ := newTestServer(t, config.NewStaticManager(nil))
	rr := do(t, srv.Handler(), http.MethodGet, "/ui/", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/ws?viewer=") {
		t.Fatalf("ui: %d", rr.Code)
	}
}
