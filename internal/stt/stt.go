// Package stt provides batch and streaming speech-to-text back-ends behind
// one contract, plus a continuous session manager that hides Google Cloud
// Speech's streaming duration limit behind warm-standby rotation.
package stt

import "context"

// Result is one transcription outcome. For batch mode IsFinal is always
// true; for streaming mode interim results carry IsFinal=false.
type Result struct {
	Transcript string
	IsFinal    bool
	Confidence float64
	Stability  float64
}

// Recognizer is the synchronous contract batch mode uses: accumulate audio,
// then transcribe it all at once.
type Recognizer interface {
	// AddAudio appends PCM16 mono audio at 16kHz to the pending buffer.
	AddAudio(pcm []int16)
	// Transcribe synchronously recognizes the buffered audio and returns the
	// concatenation of first-alternative transcripts. A recognition error
	// yields an empty transcript and is logged by the implementation.
	Transcribe(ctx context.Context) Result
	// Clear empties the buffer after a turn has been emitted.
	Clear()
}

// ResultCallback receives streaming results as they arrive from a session.
type ResultCallback func(Result)

// StreamSession is the contract a single bidirectional streaming RPC
// satisfies.
type StreamSession interface {
	// Start begins the session, invoking cb for every interim and final
	// result received from the server.
	Start(ctx context.Context, cb ResultCallback) error
	// FeedAudio pushes one chunk of PCM16 mono audio at 16kHz.
	FeedAudio(pcm []int16) error
	// Stop terminates the session and releases its RPC stream.
	Stop(ctx context.Context) error
}

// SessionFactory creates a fresh StreamSession, used by the continuous
// session manager to build both the active and standby sessions.
type SessionFactory func() StreamSession
