package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"postureguard/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Output    OutputConfig    `json:"output" yaml:"output"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	UDP           UDPConfig       `json:"udp" yaml:"udp"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone        string `json:"timezone" yaml:"timezone"`
	DefaultViewerID string `json:"default_viewer_id" yaml:"default_viewer_id"`
}

type DetectionConfig struct {
	Thresholds        model.Thresholds `json:"thresholds" yaml:"thresholds"`
	Windows           []time.Duration  `json:"windows" yaml:"windows"`
	DedupeWindow      time.Duration    `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew      time.Duration    `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew     time.Duration    `json:"max_future_skew" yaml:"max_future_skew"`
	ViewerIdleTimeout time.Duration    `json:"viewer_idle_timeout" yaml:"viewer_idle_timeout"`
	SweepInterval     time.Duration    `json:"sweep_interval" yaml:"sweep_interval"`
}

type AlertsConfig struct {
	SpeakCooldown  time.Duration `json:"speak_cooldown" yaml:"speak_cooldown"`
	SpeakText      string        `json:"speak_text" yaml:"speak_text"`
	NotifyPrefix   string        `json:"notify_prefix" yaml:"notify_prefix"`
	NotifyCooldown time.Duration `json:"notify_cooldown" yaml:"notify_cooldown"`
	StoreLimit     int           `json:"store_limit" yaml:"store_limit"`
}

type OutputConfig struct {
	Log       bool              `json:"log" yaml:"log"`
	WebSocket bool              `json:"websocket" yaml:"websocket"`
	Kafka     KafkaOutputConfig `json:"kafka" yaml:"kafka"`
}

type KafkaOutputConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Addr           string   `json:"addr" yaml:"addr"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

var defaultWindows = []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 1024,
			REST:          RESTConfig{Enabled: true, Addr: ":8090"},
			UDP:           UDPConfig{Enabled: false, Addr: ":5600"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9600"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultViewerID: "default"},
		},
		Detection: DetectionConfig{
			Thresholds:        model.DefaultThresholds(),
			Windows:           append([]time.Duration(nil), defaultWindows...),
			DedupeWindow:      0,
			MaxClockSkew:      0,
			MaxFutureSkew:     2 * time.Second,
			ViewerIdleTimeout: 30 * time.Second,
			SweepInterval:     5 * time.Second,
		},
		Alerts: AlertsConfig{
			SpeakCooldown:  10 * time.Second,
			SpeakText:      "Please keep your distance",
			NotifyPrefix:   "Posture alert: ",
			NotifyCooldown: 0,
			StoreLimit:     1000,
		},
		Output: OutputConfig{
			Log:       true,
			WebSocket: true,
			Kafka:     KafkaOutputConfig{Enabled: false},
		},
		API:     APIConfig{Enabled: true, Addr: ":8091", AllowedOrigins: []string{"*"}},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:postureguard.db?_pragma=busy_timeout(5000)"},
		Metrics: MetricsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if len(cfg.Detection.Windows) == 0 {
		cfg.Detection.Windows = append([]time.Duration(nil), defaultWindows...)
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 1000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Alerts.SpeakText == "" {
		cfg.Alerts.SpeakText = "Please keep your distance"
	}
	if cfg.Alerts.NotifyPrefix == "" {
		cfg.Alerts.NotifyPrefix = "Posture alert: "
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1024
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultViewerID == "" {
		cfg.Ingest.Parser.DefaultViewerID = "default"
	}
	if cfg.Detection.SweepInterval <= 0 {
		cfg.Detection.SweepInterval = 5 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Output.Kafka.Enabled {
		if len(cfg.Output.Kafka.Brokers) == 0 || cfg.Output.Kafka.Topic == "" {
			return errors.New("output.kafka requires brokers, topic")
		}
	}
	if err := cfg.Detection.Thresholds.Validate(); err != nil {
		return fmt.Errorf("detection.thresholds: %w", err)
	}
	for _, win := range cfg.Detection.Windows {
		if win <= 0 {
			return fmt.Errorf("detection.windows contains non-positive duration: %s", win)
		}
	}
	if cfg.Alerts.SpeakCooldown < 0 {
		return errors.New("alerts.speak_cooldown must be >= 0")
	}
	if cfg.Alerts.NotifyCooldown < 0 {
		return errors.New("alerts.notify_cooldown must be >= 0")
	}
	return nil
}

// Manager serves the current config. mu serializes writers and guards
// modTime; readers go through the atomic snapshot.
type Manager struct {
	path    string
	cfg     atomic.Value
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file; Update keeps changes
// in memory only.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touchLocked()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(cfg)
}

func (m *Manager) updateLocked(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touchLocked()
	return nil
}

func (m *Manager) touchLocked() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
}

// UpdateThresholds applies patch to the current config's thresholds and
// persists the result. Concurrent patches are applied one after another.
func (m *Manager) UpdateThresholds(patch model.ThresholdPatch) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.Get()
	return m.replaceThresholdsLocked(current, current.Detection.Thresholds.Apply(patch))
}

// SetThresholds persists a complete threshold set, leaving the rest of the
// config untouched.
func (m *Manager) SetThresholds(t model.Thresholds) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceThresholdsLocked(m.Get(), t)
}

func (m *Manager) replaceThresholdsLocked(current *Config, t model.Thresholds) (*Config, error) {
	next := *current
	next.Detection = current.Detection
	next.Detection.Thresholds = t
	if err := m.updateLocked(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
