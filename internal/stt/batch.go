package stt

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
)

// BatchRecognizeFunc issues one synchronous recognize RPC over LINEAR16
// audio bytes and returns the concatenated transcript and confidence. It is
// satisfied by (*google.Client).Recognize.
type BatchRecognizeFunc func(ctx context.Context, pcm16 []byte) (transcript string, confidence float32, err error)

// BatchRecognizer buffers PCM16 audio in memory and transcribes it with one
// blocking RPC per turn. Safe for concurrent use.
type BatchRecognizer struct {
	recognize BatchRecognizeFunc
	logger    *slog.Logger

	mu     sync.Mutex
	buffer []byte
}

// NewBatchRecognizer builds a Recognizer around recognize.
func NewBatchRecognizer(recognize BatchRecognizeFunc, logger *slog.Logger) *BatchRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRecognizer{recognize: recognize, logger: logger}
}

// AddAudio implements Recognizer.
func (b *BatchRecognizer) AddAudio(pcm []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = append(b.buffer, pcm16ToBytes(pcm)...)
}

// Transcribe implements Recognizer. A recognition error is logged and
// yields an empty-transcript Result rather than propagating, matching the
// spec's batch failure semantics.
func (b *BatchRecognizer) Transcribe(ctx context.Context) Result {
	b.mu.Lock()
	audio := make([]byte, len(b.buffer))
	copy(audio, b.buffer)
	b.mu.Unlock()

	if len(audio) == 0 {
		return Result{IsFinal: true}
	}

	transcript, confidence, err := b.recognize(ctx, audio)
	if err != nil {
		b.logger.Warn("batch stt recognize failed", "error", err)
		return Result{IsFinal: true}
	}
	return Result{Transcript: transcript, IsFinal: true, Confidence: float64(confidence)}
}

// Clear implements Recognizer.
func (b *BatchRecognizer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = b.buffer[:0]
}

func pcm16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
