package turn

import (
	"math"
	"testing"

	"github.com/flowpbx/aicc-pipeline/internal/morpheme"
)

func approxEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestEvaluateClassicCompleteTurn(t *testing.T) {
	d := NewDetector(morpheme.NewAnalyzer(nil))
	res := d.Evaluate("네 감사합니다", 1.5, 500)

	if !approxEqual(res.MorphemeScore, 0.95, 1e-9) {
		t.Errorf("MorphemeScore = %f, want 0.95", res.MorphemeScore)
	}
	if !approxEqual(res.DurationScore, 0.6333, 1e-3) {
		t.Errorf("DurationScore = %f, want ~0.633", res.DurationScore)
	}
	if !approxEqual(res.SilenceScore, 0.7, 1e-9) {
		t.Errorf("SilenceScore = %f, want 0.7", res.SilenceScore)
	}
	if !approxEqual(res.FusionScore, 0.837, 2e-3) {
		t.Errorf("FusionScore = %f, want ~0.837", res.FusionScore)
	}
	if res.Decision != Complete {
		t.Errorf("Decision = %s, want complete", res.Decision)
	}
}

func TestEvaluateRunOnOverride(t *testing.T) {
	d := NewDetector(morpheme.NewAnalyzer(nil))
	res := d.Evaluate("그래서", 6.0, 400)

	if !approxEqual(res.MorphemeScore, 0.2, 1e-9) {
		t.Errorf("MorphemeScore = %f, want 0.2", res.MorphemeScore)
	}
	if !approxEqual(res.DurationScore, 0.4, 1e-9) {
		t.Errorf("DurationScore = %f, want 0.4", res.DurationScore)
	}
	if res.Decision != Incomplete {
		t.Errorf("Decision = %s, want incomplete (run-on override)", res.Decision)
	}
}

func TestScoreDurationPiecewise(t *testing.T) {
	cases := []struct {
		dur  float64
		want float64
	}{
		{0.1, 0.3},
		{0.49, 0.3},
		{0.5, 0.5},
		{2.0, 0.7},
		{3.5, 0.6},
		{5.0, 0.4},
		{10.0, 0.4},
	}
	for _, c := range cases {
		if got := scoreDuration(c.dur); !approxEqual(got, c.want, 1e-6) {
			t.Errorf("scoreDuration(%f) = %f, want %f", c.dur, got, c.want)
		}
	}
}

func TestScoreSilenceTiers(t *testing.T) {
	cases := []struct {
		ms   int
		want float64
	}{
		{0, 0.3},
		{199, 0.3},
		{200, 0.5},
		{399, 0.5},
		{400, 0.7},
		{799, 0.7},
		{800, 0.85},
	}
	for _, c := range cases {
		if got := scoreSilence(c.ms); got != c.want {
			t.Errorf("scoreSilence(%d) = %f, want %f", c.ms, got, c.want)
		}
	}
}

func TestEvaluateBelowThresholdIsIncomplete(t *testing.T) {
	d := NewDetector(morpheme.NewAnalyzer(nil))
	res := d.Evaluate("그래서", 1.0, 100)
	if res.Decision != Incomplete {
		t.Errorf("Decision = %s, want incomplete", res.Decision)
	}
}

func TestWithCustomWeightsAndThreshold(t *testing.T) {
	d := NewDetector(morpheme.NewAnalyzer(nil), WithWeights(Weights{Morpheme: 1, Duration: 0, Silence: 0}), WithCompleteThreshold(0.9))
	res := d.Evaluate("네 감사합니다", 1.5, 500)
	if !approxEqual(res.FusionScore, 0.95, 1e-9) {
		t.Errorf("FusionScore = %f, want 0.95", res.FusionScore)
	}
	if res.Decision != Complete {
		t.Errorf("Decision = %s, want complete", res.Decision)
	}
}
