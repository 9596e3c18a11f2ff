package arbiter

import (
	"testing"
	"time"

	"github.com/flowpbx/aicc-pipeline/internal/morpheme"
	"github.com/flowpbx/aicc-pipeline/internal/turn"
)

func newTestArbiter(t *testing.T, clock *fakeClock, opts ...Option) *Arbiter {
	t.Helper()
	detector := turn.NewDetector(morpheme.NewAnalyzer(nil))
	allOpts := append([]Option{withNowFunc(clock.Now)}, opts...)
	return New(detector, allOpts...)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestArbiterIdleToAccumulatingOnFinal(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock)

	_, emitted := a.OnFinal("안녕하세요")
	if emitted {
		t.Fatal("expected no emission on first final")
	}
	if a.State() != Accumulating {
		t.Errorf("state = %v, want Accumulating", a.State())
	}
}

func TestArbiterAccumulatingThenSilenceEmits(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock)

	a.OnFinal("네")
	clock.Advance(500 * time.Millisecond)
	result, emitted := a.OnSilence(900, 800)

	if !emitted {
		t.Fatal("expected emission on silence after accumulating")
	}
	if result.Transcript != "네" {
		t.Errorf("Transcript = %q", result.Transcript)
	}
	if a.State() != Idle {
		t.Errorf("state = %v, want Idle after emission", a.State())
	}
}

func TestArbiterSilenceBelowThresholdIsIgnored(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock)

	a.OnFinal("네")
	_, emitted := a.OnSilence(100, 800)
	if emitted {
		t.Fatal("expected no emission for silence below threshold")
	}
	if a.State() != Accumulating {
		t.Errorf("state = %v, want still Accumulating", a.State())
	}
}

func TestArbiterIdleSilenceGoesToWaitingFinal(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock)

	_, emitted := a.OnSilence(900, 800)
	if emitted {
		t.Fatal("expected no emission from idle silence")
	}
	if a.State() != WaitingFinal {
		t.Errorf("state = %v, want WaitingFinal", a.State())
	}
}

func TestArbiterWaitingFinalWithinGraceEmits(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock)

	a.OnSilence(900, 800)
	clock.Advance(500 * time.Millisecond)
	result, emitted := a.OnFinal("감사합니다")

	if !emitted {
		t.Fatal("expected emission within grace window")
	}
	if result.Transcript != "감사합니다" {
		t.Errorf("Transcript = %q", result.Transcript)
	}
	if a.State() != Idle {
		t.Errorf("state = %v, want Idle", a.State())
	}
}

func TestArbiterWaitingFinalAfterGraceStartsNewUtterance(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock)

	a.OnSilence(900, 800)
	clock.Advance(1500 * time.Millisecond)
	_, emitted := a.OnFinal("다음 발화")

	if emitted {
		t.Fatal("expected no emission after grace window elapsed")
	}
	if a.State() != Accumulating {
		t.Errorf("state = %v, want Accumulating (new utterance)", a.State())
	}
}

func TestArbiterSuppressesShortTranscript(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock, WithMinChars(3))

	a.OnFinal("어")
	_, emitted := a.OnSilence(900, 800)
	if emitted {
		t.Fatal("expected suppression of short transcript")
	}
	if a.State() != Idle {
		t.Errorf("state = %v, want Idle after suppressed finalize", a.State())
	}
}

func TestArbiterAccumulatingAppendsMultipleFinals(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := newTestArbiter(t, clock)

	a.OnFinal("안녕하세요")
	a.OnFinal("감사합니다")
	result, emitted := a.OnSilence(900, 800)

	if !emitted {
		t.Fatal("expected emission")
	}
	if result.Transcript != "안녕하세요 감사합니다" {
		t.Errorf("Transcript = %q", result.Transcript)
	}
}
