package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postureguard/internal/alerting"
	"postureguard/internal/alerts"
	"postureguard/internal/config"
	"postureguard/internal/geometry"
	"postureguard/internal/metrics"
	"postureguard/internal/model"
	"postureguard/internal/output"
	"postureguard/internal/storage"
)

const defaultViewerID = "default"

// ErrPersistThresholds wraps a failure to save thresholds that are already
// in force.
var ErrPersistThresholds = errors.New("persist thresholds")

// SpeechProbe reports, per viewer, whether the speech channel is talking.
type SpeechProbe interface {
	Speaking(viewerID string) bool
}

type Stats struct {
	StartedAt  time.Time        `json:"started_at"`
	Viewers    int              `json:"viewers"`
	Frames     int64            `json:"frames"`
	Duplicates int64            `json:"duplicates"`
	OutOfOrder int64            `json:"out_of_order"`
	Malformed  int64            `json:"malformed"`
	Alerts     int64            `json:"alerts"`
	Thresholds model.Thresholds `json:"thresholds"`
}

// Engine runs every frame through classification and the viewer's alert
// coordinator. ProcessFrame calls are serialized, which keeps each viewer's
// session updates in a single sequence.
type Engine struct {
	logger     *slog.Logger
	metrics    *metrics.Store
	alerts     *alerts.Store
	store      storage.Store
	sinks      []output.Sink
	cfg        atomic.Value
	speech     atomic.Value
	thresholds *alerting.ThresholdStore
	thrMu      sync.Mutex
	persist    atomic.Value
	viewers    map[string]*ViewerState
	mu         sync.Mutex
	started    time.Time
	cooldown   *Cooldown
	deDupe     *DedupeCache
	clock      func() time.Time

	frames     atomic.Int64
	duplicates atomic.Int64
	outOfOrder atomic.Int64
	malformed  atomic.Int64
	emitted    atomic.Int64
}

type ViewerState struct {
	id        string
	coord     *alerting.Coordinator
	windows   map[int]*WindowState
	lastFrame time.Time
	lastSeen  time.Time
}

type speechHolder struct {
	probe SpeechProbe
}

type persistHolder struct {
	fn func(model.Thresholds) error
}

// viewerSpeech narrows the engine's probe to one viewer for its coordinator.
type viewerSpeech struct {
	engine *Engine
	viewer string
}

func (v viewerSpeech) Speaking() bool {
	if p := v.engine.speechProbe(); p != nil {
		return p.Speaking(v.viewer)
	}
	return false
}

func NewEngine(cfg *config.Config, logger *slog.Logger, metricsStore *metrics.Store, alertsStore *alerts.Store, store storage.Store, sinks ...output.Sink) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	thresholds, err := alerting.NewThresholdStore(cfg.Detection.Thresholds)
	if err != nil {
		return nil, err
	}
	if metricsStore == nil {
		metricsStore = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	if alertsStore == nil {
		alertsStore = alerts.NewStore(cfg.Alerts.StoreLimit)
	}
	e := &Engine{
		logger:     logger,
		metrics:    metricsStore,
		alerts:     alertsStore,
		store:      store,
		sinks:      sinks,
		thresholds: thresholds,
		viewers:    make(map[string]*ViewerState),
		started:    time.Now().UTC(),
		cooldown:   NewCooldown(),
		deDupe:     NewDedupeCache(),
		clock:      func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e, nil
}

// SetSpeechProbe installs the presentation-side speech state consulted
// before every Speak.
func (e *Engine) SetSpeechProbe(p SpeechProbe) {
	e.speech.Store(speechHolder{probe: p})
}

// SetThresholdPersister installs fn to save the full threshold set after
// every accepted update, whether it came from the API or from ingest.
func (e *Engine) SetThresholdPersister(fn func(model.Thresholds) error) {
	e.persist.Store(persistHolder{fn: fn})
}

func (e *Engine) speechProbe() SpeechProbe {
	if v, ok := e.speech.Load().(speechHolder); ok {
		return v.probe
	}
	return nil
}

// UpdateConfig applies a reloaded configuration: thresholds, alert policy
// and window set take effect from the next frame.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	e.thrMu.Lock()
	err := e.thresholds.Replace(cfg.Detection.Thresholds)
	e.thrMu.Unlock()
	if err != nil {
		return err
	}
	e.cfg.Store(cfg)
	policy := policyFor(cfg)
	e.mu.Lock()
	for _, v := range e.viewers {
		v.coord.SetPolicy(policy)
		v.syncWindows(cfg)
	}
	e.mu.Unlock()
	if e.logger != nil {
		t := cfg.Detection.Thresholds
		e.logger.Info("engine config applied",
			"iris_distance", t.IrisDistance,
			"slouching_angle", t.SlouchingAngleDegrees,
			"ear", t.EAR,
		)
	}
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Thresholds() model.Thresholds {
	return e.thresholds.Load()
}

// UpdateThresholds applies a partial update atomically: only the supplied
// fields change. An invalid result is rejected and the previous thresholds
// stay in force. Accepted updates are persisted in the order they applied.
func (e *Engine) UpdateThresholds(patch model.ThresholdPatch) (model.Thresholds, error) {
	e.thrMu.Lock()
	defer e.thrMu.Unlock()
	next, err := e.thresholds.Update(patch)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("threshold update rejected", "err", err)
		}
		return next, err
	}
	if e.logger != nil {
		e.logger.Info("thresholds updated",
			"iris_distance", next.IrisDistance,
			"slouching_angle", next.SlouchingAngleDegrees,
			"ear", next.EAR,
		)
	}
	if h, ok := e.persist.Load().(persistHolder); ok && h.fn != nil {
		if err := h.fn(next); err != nil {
			if e.logger != nil {
				e.logger.Error("persist thresholds failed", "err", err)
			}
			return next, fmt.Errorf("%w: %v", ErrPersistThresholds, err)
		}
	}
	return next, nil
}

// Start consumes events on one goroutine and sweeps idle viewers. When ctx
// ends every viewer is torn down.
func (e *Engine) Start(ctx context.Context, in <-chan model.Event) {
	interval := e.config().Detection.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case ev := <-in:
				e.ProcessEvent(ev)
			case <-ticker.C:
				e.Sweep(e.clock())
			case <-ctx.Done():
				e.Close()
				return
			}
		}
	}()
}

func (e *Engine) ProcessEvent(ev model.Event) []model.Alert {
	switch {
	case ev.Threshold != nil:
		patch, err := ev.Threshold.Patch()
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("threshold update rejected", "err", err)
			}
			return nil
		}
		_, _ = e.UpdateThresholds(patch)
		return nil
	case ev.Frame != nil:
		return e.ProcessFrame(*ev.Frame)
	}
	return nil
}

func (e *Engine) ProcessFrame(frame model.Frame) []model.Alert {
	cfg := e.config()
	now := e.clock()
	frame.Timestamp = clampTimestamp(frame.Timestamp, now, cfg.Detection.MaxClockSkew, cfg.Detection.MaxFutureSkew)
	if frame.ViewerID == "" {
		frame.ViewerID = defaultViewerID
	}
	if !landmarksUsable(frame) {
		e.malformed.Add(1)
		if e.logger != nil {
			e.logger.Warn("frame dropped: incomplete landmark set",
				"viewer_id", frame.ViewerID,
				"face_points", len(frame.Face),
				"pose_points", len(frame.Pose),
			)
		}
		return nil
	}
	if e.isDuplicate(frame, cfg.Detection.DedupeWindow, now) {
		e.duplicates.Add(1)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.viewerLocked(frame.ViewerID, cfg)
	if !v.lastFrame.IsZero() && frame.Timestamp.Before(v.lastFrame) {
		e.outOfOrder.Add(1)
		if e.logger != nil {
			e.logger.Debug("frame dropped: out of order",
				"viewer_id", v.id,
				"ts", frame.Timestamp,
				"last_ts", v.lastFrame,
			)
		}
		return nil
	}
	v.lastFrame = frame.Timestamp
	v.lastSeen = now
	e.frames.Add(1)

	fm := geometry.Measure(frame.Face, frame.Pose, e.thresholds.Load())
	fm.Timestamp = frame.Timestamp

	cmds := v.coord.Evaluate(fm.Warnings, frame.Timestamp)
	cmds = e.filterNotify(v.id, cmds, frame.Timestamp, cfg.Alerts.NotifyCooldown)
	out := e.emitLocked(v, cmds, fm.Warnings, frame.Timestamp)

	windows := make([]model.WindowMetrics, 0, len(v.windows))
	for _, w := range v.sortedWindows() {
		w.Evict(frame.Timestamp.Add(-w.duration))
		w.Add(FrameEntry{Timestamp: frame.Timestamp, Warnings: fm.Warnings, EAR: fm.EAR, HasFace: fm.HasFace})
		windows = append(windows, w.Metrics())
	}
	e.metrics.Update(v.id, fm, windows, v.coord.Session().OverlayActive)
	if e.store != nil {
		if err := e.store.SaveMetrics(context.Background(), v.id, fm, windows); err != nil && e.logger != nil {
			e.logger.Warn("persist metrics failed", "viewer_id", v.id, "err", err)
		}
	}
	return out
}

// Sweep tears down viewers that sent no frame for the configured idle
// timeout, delivering the HideOverlay each one still owes.
func (e *Engine) Sweep(now time.Time) []model.Alert {
	idle := e.config().Detection.ViewerIdleTimeout
	if idle <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Alert
	for id, v := range e.viewers {
		if now.Sub(v.lastSeen) <= idle {
			continue
		}
		if e.logger != nil {
			e.logger.Info("viewer idle, closing session", "viewer_id", id, "last_seen", v.lastSeen)
		}
		out = append(out, e.teardownLocked(v, now)...)
	}
	return out
}

// Reset tears down every viewer and forgets dedupe and cooldown history.
func (e *Engine) Reset() []model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.teardownAllLocked()
	e.cooldown.Reset()
	e.deDupe.Reset()
	return out
}

func (e *Engine) Close() []model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.teardownAllLocked()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.viewers)
	e.mu.Unlock()
	return Stats{
		StartedAt:  e.started,
		Viewers:    n,
		Frames:     e.frames.Load(),
		Duplicates: e.duplicates.Load(),
		OutOfOrder: e.outOfOrder.Load(),
		Malformed:  e.malformed.Load(),
		Alerts:     e.emitted.Load(),
		Thresholds: e.thresholds.Load(),
	}
}

// Session returns the coordinator state of a live viewer.
func (e *Engine) Session(viewerID string) (alerting.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.viewers[viewerID]
	if !ok {
		return alerting.Session{}, false
	}
	return v.coord.Session(), true
}

func (e *Engine) teardownAllLocked() []model.Alert {
	now := e.clock()
	var out []model.Alert
	for _, v := range e.viewers {
		out = append(out, e.teardownLocked(v, now)...)
	}
	return out
}

func (e *Engine) teardownLocked(v *ViewerState, now time.Time) []model.Alert {
	ts := now
	if v.lastFrame.After(ts) {
		ts = v.lastFrame
	}
	out := e.emitLocked(v, v.coord.Close(), 0, ts)
	delete(e.viewers, v.id)
	e.metrics.Remove(v.id)
	e.cooldown.Forget(notifyKey(v.id))
	return out
}

func (e *Engine) emitLocked(v *ViewerState, cmds []model.Command, warnings model.WarningSet, ts time.Time) []model.Alert {
	if len(cmds) == 0 {
		return nil
	}
	out := make([]model.Alert, 0, len(cmds))
	for _, cmd := range cmds {
		alert := model.Alert{
			ID:        uuid.NewString(),
			Timestamp: ts,
			ViewerID:  v.id,
			Kind:      cmd.Kind,
			Text:      cmd.Text,
			Warnings:  warnings,
		}
		if e.deliver(alert) {
			if v.coord.SpeechRejected(ts) && e.logger != nil {
				e.logger.Info("speech busy, speak retried on next frame", "viewer_id", v.id)
			}
			continue
		}
		e.emitted.Add(1)
		e.alerts.Add(alert)
		if e.logger != nil {
			e.logger.Info("alert command",
				"viewer_id", alert.ViewerID,
				"kind", alert.Kind,
				"text", alert.Text,
				"warnings", alert.Warnings.String(),
			)
		}
		if e.store != nil {
			if err := e.store.SaveAlert(context.Background(), alert); err != nil && e.logger != nil {
				e.logger.Warn("persist alert failed", "viewer_id", v.id, "err", err)
			}
		}
		out = append(out, alert)
	}
	return out
}

// deliver hands the alert to every sink and reports whether a Speak was
// refused because speech was already in progress. A Speak goes to the speech
// gates first and reaches no other sink once one of them refuses it.
func (e *Engine) deliver(alert model.Alert) (speechBusy bool) {
	if alert.Kind != model.Speak {
		e.deliverTo(e.sinks, alert)
		return false
	}
	gates, rest := splitSpeechGates(e.sinks)
	if e.deliverTo(gates, alert) {
		return true
	}
	return e.deliverTo(rest, alert)
}

func (e *Engine) deliverTo(sinks []output.Sink, alert model.Alert) (speechBusy bool) {
	for _, sink := range sinks {
		err := sink.Deliver(context.Background(), alert)
		if err == nil {
			continue
		}
		if errors.Is(err, output.ErrSpeechBusy) && alert.Kind == model.Speak {
			speechBusy = true
			continue
		}
		if e.logger != nil {
			e.logger.Warn("sink delivery failed", "viewer_id", alert.ViewerID, "kind", alert.Kind, "err", err)
		}
	}
	return speechBusy
}

func splitSpeechGates(sinks []output.Sink) (gates, rest []output.Sink) {
	for _, s := range sinks {
		if g, ok := s.(output.SpeechGate); ok && g.CanRefuseSpeech() {
			gates = append(gates, s)
			continue
		}
		rest = append(rest, s)
	}
	return gates, rest
}

func (e *Engine) filterNotify(viewerID string, cmds []model.Command, ts time.Time, cooldown time.Duration) []model.Command {
	if cooldown <= 0 {
		return cmds
	}
	out := cmds[:0]
	for _, c := range cmds {
		if c.Kind == model.Notify && !e.cooldown.Allow(notifyKey(viewerID), ts, cooldown) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func notifyKey(viewerID string) string {
	return "notify|" + viewerID
}

func (e *Engine) viewerLocked(viewerID string, cfg *config.Config) *ViewerState {
	if v, ok := e.viewers[viewerID]; ok {
		return v
	}
	v := &ViewerState{
		id:      viewerID,
		coord:   alerting.NewCoordinator(policyFor(cfg), viewerSpeech{engine: e, viewer: viewerID}),
		windows: make(map[int]*WindowState),
	}
	v.syncWindows(cfg)
	e.viewers[viewerID] = v
	if e.logger != nil {
		e.logger.Info("viewer session opened", "viewer_id", viewerID)
	}
	return v
}

func (v *ViewerState) syncWindows(cfg *config.Config) {
	want := make(map[int]time.Duration, len(cfg.Detection.Windows))
	for _, win := range cfg.Detection.Windows {
		want[int(win.Seconds())] = win
	}
	for sec := range v.windows {
		if _, ok := want[sec]; !ok {
			delete(v.windows, sec)
		}
	}
	for sec, win := range want {
		if _, ok := v.windows[sec]; !ok {
			v.windows[sec] = NewWindowState(win)
		}
	}
}

func (v *ViewerState) sortedWindows() []*WindowState {
	keys := make([]int, 0, len(v.windows))
	for k := range v.windows {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]*WindowState, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.windows[k])
	}
	return out
}

func policyFor(cfg *config.Config) alerting.Policy {
	return alerting.Policy{
		SpeakCooldown: cfg.Alerts.SpeakCooldown,
		SpeakText:     cfg.Alerts.SpeakText,
		NotifyPrefix:  cfg.Alerts.NotifyPrefix,
	}
}

// landmarksUsable guards the classifier's index preconditions for frames
// that did not come through normalize.
func landmarksUsable(f model.Frame) bool {
	if len(f.Face) > 0 && len(f.Face) < geometry.FaceLandmarkCount {
		return false
	}
	if len(f.Pose) > 0 && len(f.Pose) < geometry.PoseLandmarkCount {
		return false
	}
	return true
}

func (e *Engine) isDuplicate(f model.Frame, dedupeWindow time.Duration, now time.Time) bool {
	if dedupeWindow <= 0 {
		return false
	}
	return e.deDupe.Seen(hashFrame(f), now, dedupeWindow)
}

func hashFrame(f model.Frame) string {
	h := sha256.New()
	buf := make([]byte, 0, 64)
	buf = append(buf, f.ViewerID...)
	buf = append(buf, '|')
	buf = f.Timestamp.UTC().AppendFormat(buf, time.RFC3339Nano)
	h.Write(buf)
	for _, set := range [][]model.Landmark{f.Face, f.Pose} {
		buf = append(buf[:0], '|')
		h.Write(buf)
		for _, lm := range set {
			buf = strconv.AppendFloat(buf[:0], lm.X, 'g', -1, 64)
			buf = strconv.AppendFloat(append(buf, ','), lm.Y, 'g', -1, 64)
			buf = strconv.AppendFloat(append(buf, ','), lm.Z, 'g', -1, 64)
			h.Write(append(buf, ';'))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
