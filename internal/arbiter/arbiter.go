// Package arbiter reconciles VAD-detected silence with STT final results to
// decide when a streaming speaker's turn has actually ended. It only
// applies to streaming STT mode — batch mode finalizes turns directly off
// the VAD silence counter.
package arbiter

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flowpbx/aicc-pipeline/internal/turn"
)

// State is one of the arbiter's three states.
type State int

const (
	Idle State = iota
	Accumulating
	WaitingFinal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case WaitingFinal:
		return "waiting_final"
	default:
		return "unknown"
	}
}

// gracePeriod is how long the arbiter waits for a final transcript after
// observing silence in the idle state before treating the next final as a
// new utterance.
const gracePeriod = time.Second

// Evaluator scores a candidate turn once the arbiter decides a boundary has
// been reached. Implemented by *turn.Detector.
type Evaluator interface {
	Evaluate(transcript string, durationSec float64, silenceMs int) turn.Result
}

// Arbiter is a per-speaker finite-state machine. It is not safe for
// concurrent use; callers serialize access (the speaker processor is
// single-writer per the concurrency model).
type Arbiter struct {
	evaluator Evaluator
	minChars  int
	nowFunc   func() time.Time

	state             State
	pendingTranscript strings.Builder
	speechStartTime   time.Time
	lastFinalTime     time.Time
	silenceDetectedAt time.Time
	pendingSilenceMs  int
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithMinChars overrides the default suppression threshold of 1 character.
func WithMinChars(n int) Option {
	return func(a *Arbiter) { a.minChars = n }
}

// withNowFunc overrides the clock; used by tests.
func withNowFunc(f func() time.Time) Option {
	return func(a *Arbiter) { a.nowFunc = f }
}

// New builds an Arbiter in the Idle state.
func New(evaluator Evaluator, opts ...Option) *Arbiter {
	a := &Arbiter{
		evaluator: evaluator,
		minChars:  1,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the arbiter's current state.
func (a *Arbiter) State() State {
	return a.state
}

// OnFinal processes an STT final transcript event.
func (a *Arbiter) OnFinal(text string) (turn.Result, bool) {
	now := a.nowFunc()

	switch a.state {
	case Idle:
		if a.speechStartTime.IsZero() {
			a.speechStartTime = now
		}
		a.pendingTranscript.Reset()
		a.pendingTranscript.WriteString(text)
		a.lastFinalTime = now
		a.state = Accumulating
		return turn.Result{}, false

	case Accumulating:
		a.pendingTranscript.WriteString(" ")
		a.pendingTranscript.WriteString(text)
		a.lastFinalTime = now
		return turn.Result{}, false

	case WaitingFinal:
		withinGrace := now.Sub(a.silenceDetectedAt) <= gracePeriod
		if withinGrace {
			a.pendingTranscript.WriteString(" ")
			a.pendingTranscript.WriteString(text)
			result, emitted := a.finalize(now, a.pendingSilenceMs)
			a.reset()
			return result, emitted
		}
		// Grace window elapsed: treat this final as a new utterance start.
		a.speechStartTime = now
		a.pendingTranscript.Reset()
		a.pendingTranscript.WriteString(text)
		a.lastFinalTime = now
		a.state = Accumulating
		return turn.Result{}, false
	}
	return turn.Result{}, false
}

// OnSilence processes a VAD silence observation. accumulatedMs is the
// trailing silence duration measured since the speaker stopped talking.
func (a *Arbiter) OnSilence(accumulatedMs int, minSilenceMs int) (turn.Result, bool) {
	if accumulatedMs < minSilenceMs {
		return turn.Result{}, false
	}
	now := a.nowFunc()

	switch a.state {
	case Accumulating:
		result, emitted := a.finalize(now, accumulatedMs)
		a.reset()
		return result, emitted

	case Idle:
		a.silenceDetectedAt = now
		a.pendingSilenceMs = accumulatedMs
		a.state = WaitingFinal
		return turn.Result{}, false
	}
	return turn.Result{}, false
}

// finalize evaluates the pending transcript and reports whether it should
// be emitted (stripped length below minChars suppresses emission).
func (a *Arbiter) finalize(now time.Time, silenceMs int) (turn.Result, bool) {
	transcript := strings.TrimSpace(a.pendingTranscript.String())
	if utf8.RuneCountInString(transcript) < a.minChars {
		return turn.Result{}, false
	}
	durationSec := now.Sub(a.speechStartTime).Seconds()
	return a.evaluator.Evaluate(transcript, durationSec, silenceMs), true
}

func (a *Arbiter) reset() {
	a.state = Idle
	a.pendingTranscript.Reset()
	a.speechStartTime = time.Time{}
	a.lastFinalTime = time.Time{}
	a.silenceDetectedAt = time.Time{}
	a.pendingSilenceMs = 0
}
