// Package speaker runs the per-speaker audio pipeline: rolling-buffer
// windowing, VAD classification, STT feed, and turn finalization. One
// Processor exists per (call, speaker) pair.
package speaker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowpbx/aicc-pipeline/internal/arbiter"
	"github.com/flowpbx/aicc-pipeline/internal/events"
	"github.com/flowpbx/aicc-pipeline/internal/stt"
	"github.com/flowpbx/aicc-pipeline/internal/turn"
	"github.com/flowpbx/aicc-pipeline/internal/vad"
)

const samplesPerSecond = 16000

// Mode selects which STT back-end a Processor drives.
type Mode int

const (
	ModeBatch Mode = iota
	ModeStreaming
)

// EmitFunc receives a finalized turn result for one speaker, with the
// speech-start/end offsets (seconds since the speaker's first packet) that
// produced it.
type EmitFunc func(result turn.Result, startSec, endSec float64)

// Config tunes the finalize conditions. Zero values fall back to the
// spec's defaults.
type Config struct {
	MinSpeechMs  int // default 300
	MinSilenceMs int // default 800
}

func (c Config) withDefaults() Config {
	if c.MinSpeechMs == 0 {
		c.MinSpeechMs = 300
	}
	if c.MinSilenceMs == 0 {
		c.MinSilenceMs = 800
	}
	return c
}

// Processor owns one speaker's rolling buffer, VAD, STT feed, and turn
// finalization. In streaming mode two goroutines drive it concurrently —
// PushAudio from the audio ingress path and OnSTTFinal from the STT
// receive loop — and both read and mutate the same finalize-condition
// fields and the same *arbiter.Arbiter, which is itself not safe for
// concurrent use. stateMu serializes every call into processFrame,
// OnSTTFinal and Shutdown so only one goroutine ever touches arbiter or
// speaker state at a time; shutdownMu additionally guards the
// finalized flag so Shutdown itself is idempotent under concurrent calls.
type Processor struct {
	speaker   events.Speaker
	detector  vad.Detector
	turnDet   *turn.Detector
	cfg       Config
	emit      EmitFunc
	logger    *slog.Logger

	mode       Mode
	recognizer stt.Recognizer   // batch mode
	continuous ContinuousFeeder // streaming mode
	arb        *arbiter.Arbiter // streaming mode

	stateMu        sync.Mutex
	buffer         []int16
	currentTimeSec float64
	speaking       bool
	speechStartSec float64
	silenceFrames  int
	lastSilenceMs  float64

	shutdownMu sync.Mutex
	finalized  bool
}

// ContinuousFeeder is the subset of *stt.ContinuousSessionManager a
// Processor depends on.
type ContinuousFeeder interface {
	FeedAudio(pcm []int16)
	SnapshotTranscript() string
	Stop(ctx context.Context) error
}

// NewBatchProcessor builds a Processor driving a batch Recognizer.
func NewBatchProcessor(speaker events.Speaker, detector vad.Detector, turnDet *turn.Detector, recognizer stt.Recognizer, cfg Config, emit EmitFunc, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		speaker:    speaker,
		detector:   detector,
		turnDet:    turnDet,
		cfg:        cfg.withDefaults(),
		emit:       emit,
		logger:     logger,
		mode:       ModeBatch,
		recognizer: recognizer,
	}
}

// NewStreamingProcessor builds a Processor driving a continuous streaming
// session reconciled through an Arbiter.
func NewStreamingProcessor(speaker events.Speaker, detector vad.Detector, turnDet *turn.Detector, continuous ContinuousFeeder, arb *arbiter.Arbiter, cfg Config, emit EmitFunc, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		speaker:    speaker,
		detector:   detector,
		turnDet:    turnDet,
		cfg:        cfg.withDefaults(),
		emit:       emit,
		logger:     logger,
		mode:       ModeStreaming,
		continuous: continuous,
		arb:        arb,
	}
}

// PushAudio implements the per-window flow: append to the rolling buffer,
// slice off full VAD windows, and drive the finalize conditions.
func (p *Processor) PushAudio(ctx context.Context, samples []int16) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	p.buffer = append(p.buffer, samples...)

	windowSize := p.detector.WindowSize()
	for len(p.buffer) >= windowSize {
		frame := p.buffer[:windowSize]
		p.buffer = p.buffer[windowSize:]
		p.processFrame(ctx, frame)
	}
}

// processFrame requires stateMu to be held by the caller.
func (p *Processor) processFrame(ctx context.Context, frame []int16) {
	result := p.detector.Classify(frame)
	windowSec := float64(len(frame)) / samplesPerSecond
	p.currentTimeSec += windowSec

	if result.IsSpeech {
		p.silenceFrames = 0
		if !p.speaking {
			p.speaking = true
			p.speechStartSec = p.currentTimeSec - windowSec
		}
		p.feedSpeech(ctx, frame)
		return
	}

	if p.speaking {
		p.silenceFrames++
	}

	windowMs := windowSec * 1000
	silenceMs := float64(p.silenceFrames) * windowMs
	p.lastSilenceMs = silenceMs

	switch p.mode {
	case ModeBatch:
		minSilenceFrames := float64(p.cfg.MinSilenceMs) / windowMs
		if p.speaking && float64(p.silenceFrames) >= minSilenceFrames {
			p.finalizeBatch(ctx)
		}
	case ModeStreaming:
		if p.speaking {
			if r, emitted := p.arb.OnSilence(int(silenceMs), p.cfg.MinSilenceMs); emitted {
				p.emitIfEligible(r, p.speechStartSec, p.currentTimeSec)
				p.speaking = false
				p.silenceFrames = 0
			}
		}
	}
}

func (p *Processor) feedSpeech(ctx context.Context, frame []int16) {
	switch p.mode {
	case ModeBatch:
		p.recognizer.AddAudio(frame)
	case ModeStreaming:
		p.continuous.FeedAudio(frame)
	}
}

// finalizeBatch requires stateMu to be held by the caller.
func (p *Processor) finalizeBatch(ctx context.Context) {
	result := p.recognizer.Transcribe(ctx)
	p.recognizer.Clear()

	turnResult := p.turnDet.Evaluate(result.Transcript, p.currentTimeSec-p.speechStartSec, int(p.lastSilenceMs))
	p.emitIfEligible(turnResult, p.speechStartSec, p.currentTimeSec)

	p.speaking = false
	p.silenceFrames = 0
}

// emitIfEligible applies the empty-transcript / too-short-duration
// suppression before forwarding to emit.
func (p *Processor) emitIfEligible(result turn.Result, startSec, endSec float64) {
	if result.Transcript == "" {
		return
	}
	if result.DurationSec < float64(p.cfg.MinSpeechMs)/1000 {
		return
	}
	p.emit(result, startSec, endSec)
}

// OnSTTFinal routes a streaming-mode final transcript into the arbiter.
// Callers wire this as the ContinuousSessionManager's result callback; it
// runs on the STT receive goroutine, concurrently with PushAudio on the
// audio ingress goroutine, so it takes stateMu like every other mutator.
func (p *Processor) OnSTTFinal(transcript string) {
	if p.mode != ModeStreaming {
		return
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if r, emitted := p.arb.OnFinal(transcript); emitted {
		p.emitIfEligible(r, p.speechStartSec, p.currentTimeSec)
		p.speaking = false
		p.silenceFrames = 0
	}
}

// Shutdown force-flushes any in-progress turn before releasing STT
// resources. Safe to call concurrently with itself, and with PushAudio or
// OnSTTFinal still arriving on their own goroutines — shutdownMu makes the
// flush-then-stop sequence run exactly once, and stateMu serializes its
// field access against the other two mutators.
func (p *Processor) Shutdown(ctx context.Context) {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	if p.finalized {
		return
	}
	p.finalized = true

	p.stateMu.Lock()
	if p.speaking {
		switch p.mode {
		case ModeBatch:
			p.finalizeBatch(ctx)
		case ModeStreaming:
			transcript := p.continuous.SnapshotTranscript()
			if transcript != "" {
				turnResult := p.turnDet.Evaluate(transcript, p.currentTimeSec-p.speechStartSec, int(p.lastSilenceMs))
				p.emitIfEligible(turnResult, p.speechStartSec, p.currentTimeSec)
			}
		}
	}
	p.stateMu.Unlock()

	if p.mode == ModeStreaming && p.continuous != nil {
		if err := p.continuous.Stop(ctx); err != nil {
			p.logger.Warn("error stopping continuous stt session", "speaker", p.speaker, "error", err)
		}
	}
}
