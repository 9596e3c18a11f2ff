// Package google wraps the Google Cloud Speech-to-Text v1 API (batch
// Recognize and bidirectional StreamingRecognize) behind the stt package's
// Recognizer/StreamSession contracts. Grounded on the project's prior
// google-cloud-speech v2 Python client, adapted to the v1 Go client that
// ships in this module's dependency set.
package google

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

// Config describes how to reach Google Cloud Speech and which recognition
// parameters to request.
type Config struct {
	CredentialsPath string
	Language        string // default ko-KR
	Model           string // default telephony
	SampleRateHertz int32  // default 16000
	Phrases         []string
	PhraseBoost     float32 // default 10.0
}

const (
	defaultLanguage    = "ko-KR"
	defaultModel       = "telephony"
	defaultSampleRate  = 16000
	defaultPhraseBoost = 10.0
)

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.SampleRateHertz == 0 {
		c.SampleRateHertz = defaultSampleRate
	}
	if c.PhraseBoost == 0 {
		c.PhraseBoost = defaultPhraseBoost
	}
	return c
}

// Client is a thin wrapper over *speech.Client that applies this pipeline's
// recognition config on every call.
type Client struct {
	raw *speech.Client

	mu  sync.RWMutex
	cfg Config
}

// NewClient dials Google Cloud Speech using the credentials file at
// cfg.CredentialsPath.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	opts := []option.ClientOption{}
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	raw, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google stt: dial client: %w", err)
	}
	return &Client{raw: raw, cfg: cfg}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.raw.Close()
}

func (c *Client) recognitionConfig() *speechpb.RecognitionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := &speechpb.RecognitionConfig{
		Encoding:        speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz: c.cfg.SampleRateHertz,
		LanguageCode:    c.cfg.Language,
		Model:           c.cfg.Model,
		UseEnhanced:     true,
	}
	if len(c.cfg.Phrases) > 0 {
		cfg.SpeechContexts = []*speechpb.SpeechContext{
			{Phrases: c.cfg.Phrases, Boost: c.cfg.PhraseBoost},
		}
	}
	return cfg
}

// UpdatePhrases swaps the speech-adaptation phrase list used on every
// subsequent Recognize/NewStream call. It does not affect a *Stream already
// in flight, which keeps the config it was opened with.
func (c *Client) UpdatePhrases(phrases []string, boost float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Phrases = phrases
	if boost != 0 {
		c.cfg.PhraseBoost = boost
	}
}

// Recognize issues a single synchronous recognize RPC over the given
// LINEAR16 audio and returns the concatenation of first-alternative
// transcripts with the highest alternative confidence seen.
func (c *Client) Recognize(ctx context.Context, pcm16 []byte) (transcript string, confidence float32, err error) {
	resp, err := c.raw.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: c.recognitionConfig(),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm16}},
	})
	if err != nil {
		return "", 0, fmt.Errorf("google stt: recognize: %w", err)
	}

	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if transcript != "" {
			transcript += " "
		}
		transcript += alts[0].GetTranscript()
		if c := alts[0].GetConfidence(); c > confidence {
			confidence = c
		}
	}
	return transcript, confidence, nil
}

// Stream is one open bidirectional StreamingRecognize RPC. Send pushes audio
// chunks and Recv returns results; callers call CloseSend when done sending,
// then drain Recv until io.EOF.
type Stream struct {
	client speechpb.Speech_StreamingRecognizeClient
}

// NewStream opens a streaming session with interim results enabled.
func (c *Client) NewStream(ctx context.Context) (*Stream, error) {
	client, err := c.raw.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("google stt: open stream: %w", err)
	}

	initReq := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         c.recognitionConfig(),
				InterimResults: true,
			},
		},
	}
	if err := client.Send(initReq); err != nil {
		return nil, fmt.Errorf("google stt: send stream config: %w", err)
	}
	return &Stream{client: client}, nil
}

// Send pushes one chunk of LINEAR16 audio to the stream.
func (s *Stream) Send(pcm16 []byte) error {
	err := s.client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm16},
	})
	if err != nil {
		return fmt.Errorf("google stt: send audio: %w", err)
	}
	return nil
}

// StreamResult mirrors one StreamingRecognitionResult.
type StreamResult struct {
	Transcript string
	IsFinal    bool
	Confidence float32
	Stability  float32
}

// Recv blocks for the next batch of streaming results. It returns io.EOF
// when the server closes the stream.
func (s *Stream) Recv() ([]StreamResult, error) {
	resp, err := s.client.Recv()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("google stt: recv: %w", err)
	}

	var out []StreamResult
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		out = append(out, StreamResult{
			Transcript: alts[0].GetTranscript(),
			IsFinal:    result.GetIsFinal(),
			Confidence: alts[0].GetConfidence(),
			Stability:  result.GetStability(),
		})
	}
	return out, nil
}

// CloseSend half-closes the stream so the server can flush remaining
// results before Recv starts returning io.EOF.
func (s *Stream) CloseSend() error {
	return s.client.CloseSend()
}
