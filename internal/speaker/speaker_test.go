package speaker

import (
	"context"
	"sync"
	"testing"

	"github.com/flowpbx/aicc-pipeline/internal/arbiter"
	"github.com/flowpbx/aicc-pipeline/internal/events"
	"github.com/flowpbx/aicc-pipeline/internal/morpheme"
	"github.com/flowpbx/aicc-pipeline/internal/stt"
	"github.com/flowpbx/aicc-pipeline/internal/turn"
	"github.com/flowpbx/aicc-pipeline/internal/vad"
)

// fakeDetector alternates speech/non-speech per call so tests can drive the
// finalize conditions deterministically.
type fakeDetector struct {
	windowSize int
	script     []bool
	idx        int
}

func (f *fakeDetector) WindowSize() int { return f.windowSize }

func (f *fakeDetector) Classify(window []int16) vad.Result {
	speech := false
	if f.idx < len(f.script) {
		speech = f.script[f.idx]
	}
	f.idx++
	return vad.Result{IsSpeech: speech}
}

type fakeRecognizer struct {
	transcript string
	cleared    bool
	addedCount int
}

func (r *fakeRecognizer) AddAudio(pcm []int16) { r.addedCount++ }
func (r *fakeRecognizer) Transcribe(ctx context.Context) stt.Result {
	return stt.Result{Transcript: r.transcript, IsFinal: true}
}
func (r *fakeRecognizer) Clear() { r.cleared = true }

func newDetectorAndTurn() *turn.Detector {
	return turn.NewDetector(morpheme.NewAnalyzer(nil))
}

func TestBatchProcessorFinalizesOnSilence(t *testing.T) {
	// windowSize 160 samples = 10ms at 16kHz. 2 speech windows then enough
	// silence windows to cross the 800ms/10ms = 80-frame threshold.
	script := append([]bool{true, true}, make([]bool, 90)...)
	det := &fakeDetector{windowSize: 160, script: script}
	rec := &fakeRecognizer{transcript: "네 감사합니다"}

	var emitted []turn.Result
	emit := func(r turn.Result, start, end float64) { emitted = append(emitted, r) }

	p := NewBatchProcessor(events.SpeakerCustomer, det, newDetectorAndTurn(), rec, Config{MinSpeechMs: 10, MinSilenceMs: 800}, emit, nil)

	samples := make([]int16, 160*len(script))
	p.PushAudio(context.Background(), samples)

	if len(emitted) != 1 {
		t.Fatalf("expected exactly 1 emission, got %d", len(emitted))
	}
	if emitted[0].Transcript != "네 감사합니다" {
		t.Errorf("Transcript = %q", emitted[0].Transcript)
	}
	if !rec.cleared {
		t.Error("expected recognizer to be cleared after finalize")
	}
}

func TestBatchProcessorSuppressesEmptyTranscript(t *testing.T) {
	script := append([]bool{true, true}, make([]bool, 90)...)
	det := &fakeDetector{windowSize: 160, script: script}
	rec := &fakeRecognizer{transcript: ""}

	var emitted []turn.Result
	emit := func(r turn.Result, start, end float64) { emitted = append(emitted, r) }

	p := NewBatchProcessor(events.SpeakerAgent, det, newDetectorAndTurn(), rec, Config{MinSpeechMs: 10, MinSilenceMs: 800}, emit, nil)
	samples := make([]int16, 160*len(script))
	p.PushAudio(context.Background(), samples)

	if len(emitted) != 0 {
		t.Errorf("expected no emission for empty transcript, got %d", len(emitted))
	}
}

func TestBatchProcessorSuppressesTooShortSpeech(t *testing.T) {
	script := append([]bool{true}, make([]bool, 90)...)
	det := &fakeDetector{windowSize: 160, script: script}
	rec := &fakeRecognizer{transcript: "네"}

	var emitted []turn.Result
	emit := func(r turn.Result, start, end float64) { emitted = append(emitted, r) }

	// MinSpeechMs much higher than the single 10ms speech window observed.
	p := NewBatchProcessor(events.SpeakerCustomer, det, newDetectorAndTurn(), rec, Config{MinSpeechMs: 5000, MinSilenceMs: 800}, emit, nil)
	samples := make([]int16, 160*len(script))
	p.PushAudio(context.Background(), samples)

	if len(emitted) != 0 {
		t.Errorf("expected suppression of too-short speech, got %d emissions", len(emitted))
	}
}

type fakeContinuousFeeder struct {
	fed        [][]int16
	transcript string
	stopped    bool
}

func (f *fakeContinuousFeeder) FeedAudio(pcm []int16) { f.fed = append(f.fed, pcm) }
func (f *fakeContinuousFeeder) SnapshotTranscript() string {
	t := f.transcript
	f.transcript = ""
	return t
}
func (f *fakeContinuousFeeder) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func TestStreamingProcessorShutdownFlushesPendingTranscript(t *testing.T) {
	det := &fakeDetector{windowSize: 160, script: []bool{true, true, true}}
	feeder := &fakeContinuousFeeder{transcript: "네 감사합니다"}
	turnDet := newDetectorAndTurn()
	arb := arbiter.New(turnDet)

	var emitted []turn.Result
	emit := func(r turn.Result, start, end float64) { emitted = append(emitted, r) }

	p := NewStreamingProcessor(events.SpeakerCustomer, det, turnDet, feeder, arb, Config{MinSpeechMs: 10, MinSilenceMs: 800}, emit, nil)

	samples := make([]int16, 160*3)
	p.PushAudio(context.Background(), samples)

	p.Shutdown(context.Background())

	if len(emitted) != 1 {
		t.Fatalf("expected 1 emission on shutdown flush, got %d", len(emitted))
	}
	if !feeder.stopped {
		t.Error("expected continuous feeder to be stopped on shutdown")
	}
}

func TestStreamingProcessorShutdownIsIdempotent(t *testing.T) {
	det := &fakeDetector{windowSize: 160, script: []bool{false}}
	feeder := &fakeContinuousFeeder{}
	turnDet := newDetectorAndTurn()
	arb := arbiter.New(turnDet)

	p := NewStreamingProcessor(events.SpeakerAgent, det, turnDet, feeder, arb, Config{}, func(turn.Result, float64, float64) {}, nil)
	p.Shutdown(context.Background())
	p.Shutdown(context.Background())
}

// TestStreamingProcessorConcurrentPushAndFinal drives PushAudio and
// OnSTTFinal from separate goroutines, as the audio ingress path and the
// STT receive loop do in production, so `go test -race` catches any
// reintroduced unsynchronized access to arbiter or finalize-condition
// state.
func TestStreamingProcessorConcurrentPushAndFinal(t *testing.T) {
	det := &fakeDetector{windowSize: 160, script: make([]bool, 400)}
	for i := range det.script {
		det.script[i] = i%4 != 0
	}
	feeder := &fakeContinuousFeeder{}
	turnDet := newDetectorAndTurn()
	arb := arbiter.New(turnDet)

	var mu sync.Mutex
	var emitted int
	emit := func(turn.Result, float64, float64) {
		mu.Lock()
		emitted++
		mu.Unlock()
	}

	p := NewStreamingProcessor(events.SpeakerCustomer, det, turnDet, feeder, arb, Config{MinSpeechMs: 10, MinSilenceMs: 20}, emit, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		samples := make([]int16, 160)
		for i := 0; i < 200; i++ {
			p.PushAudio(context.Background(), samples)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			p.OnSTTFinal("안녕하세요")
		}
	}()
	wg.Wait()

	p.Shutdown(context.Background())
}
