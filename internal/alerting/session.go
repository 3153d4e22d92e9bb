// Package alerting turns per-frame warning sets into overlay, speech and
// notification commands.
//
// The state machine is expressed as the pure function Step over an explicit
// Session value; Coordinator wraps one Session for callers that want an
// object. For the too-close condition the overlay follows a two-state
// machine (hidden, shown) and the spoken warning follows its own cooldown,
// independent of the overlay. Slouching and squinting are stateless: every
// frame that carries either produces one notification.
package alerting

import (
	"strings"
	"time"

	"postureguard/internal/model"
)

const (
	DefaultSpeakCooldown = 10 * time.Second
	DefaultSpeakText     = "Please keep your distance"
	DefaultNotifyPrefix  = "Posture alert: "
)

type Policy struct {
	SpeakCooldown time.Duration
	SpeakText     string
	NotifyPrefix  string
}

func DefaultPolicy() Policy {
	return Policy{
		SpeakCooldown: DefaultSpeakCooldown,
		SpeakText:     DefaultSpeakText,
		NotifyPrefix:  DefaultNotifyPrefix,
	}
}

func (p Policy) withDefaults() Policy {
	if p.SpeakCooldown < 0 {
		p.SpeakCooldown = 0
	}
	if p.SpeakText == "" {
		p.SpeakText = DefaultSpeakText
	}
	if p.NotifyPrefix == "" {
		p.NotifyPrefix = DefaultNotifyPrefix
	}
	return p
}

// Session is the coordinator's whole temporal state. The zero value is the
// initial state: overlay hidden, nothing spoken yet.
type Session struct {
	OverlayActive bool      `json:"overlay_active"`
	Spoken        bool      `json:"spoken"`
	LastSpokenAt  time.Time `json:"last_spoken_at"`
}

func (s Session) speakDue(now time.Time, cooldown time.Duration) bool {
	if !s.Spoken {
		return true
	}
	return now.Sub(s.LastSpokenAt) >= cooldown
}

// Step applies one frame's warnings at time now. Commands come out in the
// order overlay, speak, notify. When speechBusy is set a due Speak is dropped
// and LastSpokenAt is left alone, so the next qualifying frame tries again.
func Step(s Session, w model.WarningSet, now time.Time, p Policy, speechBusy bool) (Session, []model.Command) {
	p = p.withDefaults()
	var cmds []model.Command

	tooClose := w.Has(model.TooClose)
	switch {
	case tooClose && !s.OverlayActive:
		cmds = append(cmds, model.Command{Kind: model.ShowOverlay})
		s.OverlayActive = true
	case !tooClose && s.OverlayActive:
		cmds = append(cmds, model.Command{Kind: model.HideOverlay})
		s.OverlayActive = false
	}

	if tooClose && !speechBusy && s.speakDue(now, p.SpeakCooldown) {
		cmds = append(cmds, model.Command{Kind: model.Speak, Text: p.SpeakText})
		s.Spoken = true
		s.LastSpokenAt = now
	}

	if text, ok := NotifyText(w, p.NotifyPrefix); ok {
		cmds = append(cmds, model.Command{Kind: model.Notify, Text: text})
	}
	return s, cmds
}

// NotifyText builds the combined posture message, e.g.
// "Posture alert: slouching and squinting".
func NotifyText(w model.WarningSet, prefix string) (string, bool) {
	var parts []string
	if w.Has(model.Slouching) {
		parts = append(parts, "slouching")
	}
	if w.Has(model.Squinting) {
		parts = append(parts, "squinting")
	}
	if len(parts) == 0 {
		return "", false
	}
	return prefix + strings.Join(parts, " and "), true
}

// Teardown returns the commands owed when a session is discarded.
func Teardown(s Session) []model.Command {
	if !s.OverlayActive {
		return nil
	}
	return []model.Command{{Kind: model.HideOverlay}}
}
