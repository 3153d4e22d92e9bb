// Package output delivers alert commands to presentation collaborators:
// in-process presenters, websocket clients and Kafka.
package output

import (
	"context"
	"errors"
	"log/slog"

	"postureguard/internal/model"
)

// ErrSpeechBusy is returned by a sink that could not speak because speech
// was already in progress.
var ErrSpeechBusy = errors.New("speech already in progress")

type Sink interface {
	Deliver(ctx context.Context, alert model.Alert) error
}

// SpeechGate is a sink that may refuse a Speak with ErrSpeechBusy. Gates see
// a Speak first; the other sinks only get it once every gate accepted.
type SpeechGate interface {
	Sink
	CanRefuseSpeech() bool
}

// Presenter is the capability set a host UI exposes.
type Presenter interface {
	ShowOverlay()
	HideOverlay()
	Speak(text string) bool
	Notify(text string)
}

// PresenterSink maps commands onto Presenter calls.
type PresenterSink struct {
	p Presenter
}

func NewPresenterSink(p Presenter) *PresenterSink {
	return &PresenterSink{p: p}
}

func (s *PresenterSink) CanRefuseSpeech() bool { return true }

func (s *PresenterSink) Deliver(_ context.Context, alert model.Alert) error {
	switch alert.Kind {
	case model.ShowOverlay:
		s.p.ShowOverlay()
	case model.HideOverlay:
		s.p.HideOverlay()
	case model.Speak:
		if !s.p.Speak(alert.Text) {
			return ErrSpeechBusy
		}
	case model.Notify:
		s.p.Notify(alert.Text)
	}
	return nil
}

type logPresenter struct {
	logger *slog.Logger
}

func (l logPresenter) ShowOverlay() { l.logger.Info("overlay shown") }
func (l logPresenter) HideOverlay() { l.logger.Info("overlay hidden") }
func (l logPresenter) Speak(text string) bool {
	l.logger.Info("speak", "text", text)
	return true
}
func (l logPresenter) Notify(text string) { l.logger.Info("notify", "text", text) }

// NewLogSink returns a sink that records every command in the log, tagged
// with the viewer it was meant for.
func NewLogSink(logger *slog.Logger) Sink {
	return &viewerLogSink{logger: logger}
}

type viewerLogSink struct {
	logger *slog.Logger
}

func (s *viewerLogSink) Deliver(ctx context.Context, alert model.Alert) error {
	if s.logger == nil {
		return nil
	}
	l := s.logger.With("viewer_id", alert.ViewerID, "alert_id", alert.ID, "warnings", alert.Warnings.String())
	return NewPresenterSink(logPresenter{logger: l}).Deliver(ctx, alert)
}
