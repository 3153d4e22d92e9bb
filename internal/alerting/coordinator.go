package alerting

import (
	"time"

	"postureguard/internal/model"
)

// SpeechState reports whether the speech channel is already talking.
type SpeechState interface {
	Speaking() bool
}

// Coordinator holds one viewer's Session. It is not safe for concurrent
// Evaluate calls; callers feed it from a single sequencer in timestamp order.
type Coordinator struct {
	policy  Policy
	speech  SpeechState
	session Session
	closed  bool

	// LastSpokenAt before the most recent Speak, kept for SpeechRejected.
	prevSpoken   bool
	prevSpokenAt time.Time
}

func NewCoordinator(policy Policy, speech SpeechState) *Coordinator {
	return &Coordinator{policy: policy.withDefaults(), speech: speech}
}

func (c *Coordinator) Evaluate(w model.WarningSet, now time.Time) []model.Command {
	if c.closed {
		return nil
	}
	busy := c.speech != nil && c.speech.Speaking()
	before := c.session
	next, cmds := Step(c.session, w, now, c.policy, busy)
	if next.LastSpokenAt != before.LastSpokenAt || next.Spoken != before.Spoken {
		c.prevSpoken = before.Spoken
		c.prevSpokenAt = before.LastSpokenAt
	}
	c.session = next
	return cmds
}

// SpeechRejected undoes the LastSpokenAt update of the Speak issued at at,
// for when the presentation side turns out to be busy at delivery time.
func (c *Coordinator) SpeechRejected(at time.Time) bool {
	if c.closed || !c.session.Spoken || !c.session.LastSpokenAt.Equal(at) {
		return false
	}
	c.session.Spoken = c.prevSpoken
	c.session.LastSpokenAt = c.prevSpokenAt
	return true
}

func (c *Coordinator) Session() Session {
	return c.session
}

func (c *Coordinator) Policy() Policy {
	return c.policy
}

func (c *Coordinator) SetPolicy(p Policy) {
	c.policy = p.withDefaults()
}

// Close ends the session, returning a final HideOverlay if one is owed.
// Later calls to Evaluate or Close return nothing.
func (c *Coordinator) Close() []model.Command {
	if c.closed {
		return nil
	}
	c.closed = true
	cmds := Teardown(c.session)
	c.session = Session{}
	return cmds
}
