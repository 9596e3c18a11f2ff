package vad

// Classifier is the inference contract a neural back-end must satisfy. No
// library in the dependency corpus provides a ready-made voice-activity
// inference client, so NeuralVAD takes this as an injection point rather
// than embedding a specific runtime — callers wire in whatever model-serving
// client fits their deployment (see Design Notes on injectable back-ends).
type Classifier interface {
	// Score returns a speech probability in [0, 1] for one window of 16kHz
	// linear PCM.
	Score(window []int16) float64
}

// NeuralVAD adapts an injected Classifier to the Detector interface, adding
// the same RMS/ZCR measurements AdaptiveEnergyVAD reports so downstream
// consumers (the speaker processor) see a uniform Result shape
// regardless of which back-end classified the window.
type NeuralVAD struct {
	windowSize int
	threshold  float64
	classifier Classifier
}

// NeuralConfig configures NeuralVAD.
type NeuralConfig struct {
	WindowSize int
	Threshold  float64
}

// DefaultNeuralThreshold is used when NeuralConfig.Threshold is zero.
const DefaultNeuralThreshold = 0.5

// NewNeuralVAD builds a Detector backed by an injected Classifier.
func NewNeuralVAD(cfg NeuralConfig, classifier Classifier) *NeuralVAD {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultNeuralThreshold
	}
	return &NeuralVAD{
		windowSize: cfg.WindowSize,
		threshold:  threshold,
		classifier: classifier,
	}
}

// WindowSize implements Detector.
func (v *NeuralVAD) WindowSize() int {
	return v.windowSize
}

// Classify implements Detector by delegating the speech/non-speech score to
// the injected Classifier and thresholding it.
func (v *NeuralVAD) Classify(window []int16) Result {
	confidence := v.classifier.Score(window)
	return Result{
		IsSpeech:   confidence > v.threshold,
		Confidence: confidence,
		RMS:        computeRMS(window),
		ZCR:        computeZCR(window),
	}
}
