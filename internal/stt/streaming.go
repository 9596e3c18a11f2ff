package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/flowpbx/aicc-pipeline/internal/stt/google"
)

// GoogleStream is the subset of *google.Stream that StreamingSession
// depends on, so tests can substitute a fake without dialing gRPC.
type GoogleStream interface {
	Send(pcm16 []byte) error
	Recv() ([]google.StreamResult, error)
	CloseSend() error
}

// streamOpener opens a fresh streaming RPC. Implementations adapt
// (*google.Client).NewStream to this signature.
type streamOpener func(ctx context.Context) (GoogleStream, error)

// defaultAudioFeedQueueSize bounds the per-session feed channel when the
// caller doesn't override it via NewStreamingSession. FeedAudio drops the
// oldest frame with a log when this fills, per the
// backpressure policy in the concurrency model.
const defaultAudioFeedQueueSize = 300

// StreamingSession is one bidirectional streaming RPC for one speaker. It
// implements StreamSession.
type StreamingSession struct {
	open   streamOpener
	logger *slog.Logger

	feed   chan []int16
	done   chan struct{}
	cancel context.CancelFunc
}

// NewStreamingSession builds a StreamSession around a stream opener.
// queueSize bounds the per-session audio feed channel (STTAudioQueueMaxSize
// in config); a value <= 0 falls back to defaultAudioFeedQueueSize.
func NewStreamingSession(open streamOpener, queueSize int, logger *slog.Logger) *StreamingSession {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultAudioFeedQueueSize
	}
	return &StreamingSession{
		open:   open,
		logger: logger,
		feed:   make(chan []int16, queueSize),
		done:   make(chan struct{}),
	}
}

// Start implements StreamSession. It opens the RPC and runs the send/recv
// loops in background goroutines until ctx is cancelled or Stop is called.
func (s *StreamingSession) Start(ctx context.Context, cb ResultCallback) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	stream, err := s.open(runCtx)
	if err != nil {
		cancel()
		return err
	}

	go s.sendLoop(runCtx, stream)
	go s.recvLoop(stream, cb)
	return nil
}

func (s *StreamingSession) sendLoop(ctx context.Context, stream GoogleStream) {
	for {
		select {
		case <-ctx.Done():
			_ = stream.CloseSend()
			return
		case pcm, ok := <-s.feed:
			if !ok {
				_ = stream.CloseSend()
				return
			}
			if err := stream.Send(pcm16ToBytes(pcm)); err != nil {
				s.logger.Warn("streaming stt send failed", "error", err)
				return
			}
		}
	}
}

func (s *StreamingSession) recvLoop(stream GoogleStream, cb ResultCallback) {
	defer close(s.done)
	for {
		results, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.Warn("streaming stt recv failed", "error", err)
			return
		}
		for _, r := range results {
			cb(Result{
				Transcript: r.Transcript,
				IsFinal:    r.IsFinal,
				Confidence: float64(r.Confidence),
				Stability:  float64(r.Stability),
			})
		}
	}
}

// FeedAudio implements StreamSession. On a full queue the oldest pending
// frame is dropped to make room, per the bounded-channel backpressure
// policy.
func (s *StreamingSession) FeedAudio(pcm []int16) error {
	select {
	case s.feed <- pcm:
		return nil
	default:
		select {
		case <-s.feed:
			s.logger.Warn("streaming stt feed queue full, dropped oldest frame")
		default:
		}
		select {
		case s.feed <- pcm:
		default:
		}
		return nil
	}
}

// Stop implements StreamSession.
func (s *StreamingSession) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	close(s.feed)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}
