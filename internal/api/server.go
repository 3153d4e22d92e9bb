package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"postureguard/internal/alerts"
	"postureguard/internal/api/web"
	"postureguard/internal/config"
	"postureguard/internal/engine"
	"postureguard/internal/metrics"
	"postureguard/internal/model"
	"postureguard/internal/output"
)

type EngineControl interface {
	Reset() []model.Alert
	UpdateThresholds(patch model.ThresholdPatch) (model.Thresholds, error)
	Thresholds() model.Thresholds
	Stats() engine.Stats
}

// PresentationHub is the websocket endpoint presentation clients attach to.
type PresentationHub interface {
	http.Handler
	Stats() output.HubStats
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Store
	alerts  *alerts.Store
	engine  EngineControl
	hub     PresentationHub
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Thresholds model.Thresholds `json:"thresholds"`
	Engine     *engine.Stats    `json:"engine,omitempty"`
	Hub        *output.HubStats `json:"presentation,omitempty"`
	Ingest     ingestStatus     `json:"ingest"`
	API        apiStatus        `json:"api"`
	Detection  detectionStatus  `json:"detection"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	UDP       bool `json:"udp"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	Windows       []string `json:"windows"`
	SpeakCooldown string   `json:"speak_cooldown"`
	IdleTimeout   string   `json:"viewer_idle_timeout"`
}

func NewServer(cfg *config.Manager, metricsStore *metrics.Store, alertsStore *alerts.Store, eng EngineControl, hub PresentationHub, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metricsStore,
		alerts:  alertsStore,
		engine:  eng,
		hub:     hub,
		logger:  logger,
		version: version,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{viewer}", s.handleViewerMetrics).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/config/thresholds", s.handleGetThresholds).Methods(http.MethodGet)
	r.HandleFunc("/config/thresholds", s.handleUpdateThresholds).Methods(http.MethodPost)
	r.HandleFunc("/admin/clear", s.handleClear).Methods(http.MethodPost)
	r.HandleFunc("/admin/restart", s.handleRestart).Methods(http.MethodPost)
	if s.hub != nil {
		r.Handle("/ws", s.hub).Methods(http.MethodGet)
	}
	r.Handle("/ui", http.RedirectHandler("/ui/", http.StatusMovedPermanently))
	if uiFS, err := fs.Sub(web.FS, "."); err == nil {
		r.PathPrefix("/ui/").Handler(http.StripPrefix("/ui/", http.FileServer(http.FS(uiFS))))
	}

	var h http.Handler = r
	if origins := s.cfg.Get().API.AllowedOrigins; len(origins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
}

// Start serves the control API until ctx ends.
func Start(ctx context.Context, cfg *config.Manager, metricsStore *metrics.Store, alertsStore *alerts.Store, eng EngineControl, hub PresentationHub, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, metricsStore, alertsStore, eng, hub, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	windows := make([]string, 0, len(cfg.Detection.Windows))
	for _, d := range cfg.Detection.Windows {
		windows = append(windows, d.String())
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Thresholds: cfg.Detection.Thresholds,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			UDP:       cfg.Ingest.UDP.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			Windows:       windows,
			SpeakCooldown: cfg.Alerts.SpeakCooldown.String(),
			IdleTimeout:   cfg.Detection.ViewerIdleTimeout.String(),
		},
	}
	if s.engine != nil {
		stats := s.engine.Stats()
		resp.Engine = &stats
		resp.Thresholds = s.engine.Thresholds()
	}
	if s.hub != nil {
		hs := s.hub.Stats()
		resp.Hub = &hs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleViewerMetrics(w http.ResponseWriter, r *http.Request) {
	viewer := mux.Vars(r)["viewer"]
	vm, ok := s.metrics.Get(viewer)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown viewer")
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Alert
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(q.Get("viewer"), limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) currentThresholds() model.Thresholds {
	if s.engine != nil {
		return s.engine.Thresholds()
	}
	return s.cfg.Get().Detection.Thresholds
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": s.currentThresholds()})
}

// handleUpdateThresholds accepts either a partial object
// {"iris_distance":0.25} or a single {"field":"ear","value":0.18}. Only the
// supplied fields change; the engine persists the resulting set.
func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	patch, err := decodeThresholdPatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var next model.Thresholds
	if s.engine != nil {
		next, err = s.engine.UpdateThresholds(patch)
	} else {
		var cfg *config.Config
		if cfg, err = s.cfg.UpdateThresholds(patch); err == nil {
			next = cfg.Detection.Thresholds
		}
	}
	if err != nil {
		if errors.Is(err, model.ErrInvalidThresholds) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.logger != nil {
			s.logger.Error("persist thresholds failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "persist thresholds")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "thresholds": next})
}

func decodeThresholdPatch(body []byte) (model.ThresholdPatch, error) {
	var single model.ThresholdUpdate
	if err := json.Unmarshal(body, &single); err == nil && single.Field != "" {
		return single.Patch()
	}
	var patch model.ThresholdPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		return model.ThresholdPatch{}, errors.New("invalid json")
	}
	if patch.Empty() {
		return model.ThresholdPatch{}, errors.New("no threshold fields in request")
	}
	return patch, nil
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.alerts.Clear()
	case "alerts":
		s.alerts.Clear()
	case "metrics":
		s.metrics.Clear()
	default:
		writeError(w, http.StatusBadRequest, "target must be all, alerts or metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleRestart closes every viewer session, delivering owed overlay hides,
// then clears the in-memory stores.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	closed := 0
	if s.engine != nil {
		closed = len(s.engine.Reset())
	}
	s.metrics.Clear()
	s.alerts.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "hidden_overlays": closed})
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	if l.logger != nil {
		l.logger.Error("api handler panic", "detail", v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
