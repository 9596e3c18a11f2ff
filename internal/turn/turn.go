// Package turn fuses a transcript's morpheme-completion score with
// speech-duration and trailing-silence measurements to decide whether a
// speaker's turn is complete.
package turn

import "github.com/flowpbx/aicc-pipeline/internal/morpheme"

// Decision is the outcome of a turn-completeness evaluation.
type Decision string

const (
	Complete   Decision = "complete"
	Incomplete Decision = "incomplete"
)

// Weights are the fusion coefficients applied to the morpheme, duration,
// and silence scores. They need not sum to 1, but the spec's defaults do.
type Weights struct {
	Morpheme float64
	Duration float64
	Silence  float64
}

// DefaultWeights matches the reference fusion formula: 0.6/0.2/0.2.
var DefaultWeights = Weights{Morpheme: 0.6, Duration: 0.2, Silence: 0.2}

// DefaultCompleteThreshold is the fusion score at or above which a turn is
// declared complete, absent an override.
const DefaultCompleteThreshold = 0.65

// runOnDurationSec and runOnMorphemeMax gate the long-run-on override: a
// speaker talking past this duration without anything that scores as a
// sentence-ender is forced incomplete regardless of fusion score.
const (
	runOnDurationSec = 5.0
	runOnMorphemeMax = 0.4
)

// Result is the full breakdown of one turn-completeness evaluation.
type Result struct {
	Transcript     string
	Decision       Decision
	FusionScore    float64
	MorphemeScore  float64
	DurationScore  float64
	SilenceScore   float64
	DurationSec    float64
}

// Detector evaluates turn completeness by fusing morpheme, duration, and
// silence scores.
type Detector struct {
	analyzer  *morpheme.Analyzer
	weights   Weights
	threshold float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithWeights overrides the default fusion weights.
func WithWeights(w Weights) Option {
	return func(d *Detector) { d.weights = w }
}

// WithCompleteThreshold overrides the default completeness threshold.
func WithCompleteThreshold(threshold float64) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// NewDetector builds a Detector. analyzer must not be nil.
func NewDetector(analyzer *morpheme.Analyzer, opts ...Option) *Detector {
	d := &Detector{
		analyzer:  analyzer,
		weights:   DefaultWeights,
		threshold: DefaultCompleteThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate scores a candidate turn. silenceMs is the trailing silence
// observed since the speaker stopped talking.
func (d *Detector) Evaluate(transcript string, durationSec float64, silenceMs int) Result {
	morphemeScore := d.analyzer.Analyze(transcript)
	durationScore := scoreDuration(durationSec)
	silenceScore := scoreSilence(silenceMs)

	fusion := d.weights.Morpheme*morphemeScore + d.weights.Duration*durationScore + d.weights.Silence*silenceScore

	decision := Incomplete
	if durationSec > runOnDurationSec && morphemeScore < runOnMorphemeMax {
		decision = Incomplete
	} else if fusion >= d.threshold {
		decision = Complete
	}

	return Result{
		Transcript:    transcript,
		Decision:      decision,
		FusionScore:   fusion,
		MorphemeScore: morphemeScore,
		DurationScore: durationScore,
		SilenceScore:  silenceScore,
		DurationSec:   durationSec,
	}
}

// scoreDuration implements the piecewise duration score: 0.3 below 0.5s,
// linear 0.5->0.7 on [0.5, 2.0), linear 0.7->0.5 on [2.0, 5.0), 0.4 at/above
// 5.0s.
func scoreDuration(durationSec float64) float64 {
	switch {
	case durationSec < 0.5:
		return 0.3
	case durationSec < 2.0:
		return lerp(durationSec, 0.5, 2.0, 0.5, 0.7)
	case durationSec < 5.0:
		return lerp(durationSec, 2.0, 5.0, 0.7, 0.5)
	default:
		return 0.4
	}
}

// scoreSilence implements the tiered silence score on 200/400/800ms cutoffs.
func scoreSilence(silenceMs int) float64 {
	switch {
	case silenceMs < 200:
		return 0.3
	case silenceMs < 400:
		return 0.5
	case silenceMs < 800:
		return 0.7
	default:
		return 0.85
	}
}

func lerp(x, x0, x1, y0, y1 float64) float64 {
	t := (x - x0) / (x1 - x0)
	return y0 + t*(y1-y0)
}
