package stt

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Rotation and buffering tuning, per the continuous streaming session
// design: Google Cloud Speech streaming RPCs are capped at 5 minutes, so a
// 270s (4.5 minute) rotation timer swaps in a warm standby well before the
// limit bites.
const (
	DefaultRotationInterval   = 270 * time.Second
	bufferDuringRotationSec   = 2.0
	standbyRetryDelay         = 5 * time.Second
	maxStandbyRetries         = 3
	pcmBytesPerSample         = 2
	pcmSampleRateHz           = 16000
	maxRotationBufferBytes    = int(bufferDuringRotationSec * pcmSampleRateHz * pcmBytesPerSample)
)

// ContinuousSessionManager runs one active StreamSession plus one
// warm-standby session, rotating between them on a timer so no single RPC
// runs past the provider's streaming duration limit.
type ContinuousSessionManager struct {
	newSession func() StreamSession
	logger     *slog.Logger
	interval   time.Duration

	mu               sync.Mutex
	active           StreamSession
	standby          StreamSession
	rotationBuffer   [][]int16
	rotationBufferSz int
	accumulated      string
	rotating         bool
	standbyFailed    bool
	running          bool

	resultCB ResultCallback
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	rotationCount atomic.Uint64
}

// RotationCount returns the number of session rotations (warm or fallback)
// performed so far. Exported for the metrics collector.
func (m *ContinuousSessionManager) RotationCount() uint64 {
	return m.rotationCount.Load()
}

// NewContinuousSessionManager builds a manager. newSession must return a
// fresh, unstarted StreamSession each call.
func NewContinuousSessionManager(newSession func() StreamSession, interval time.Duration, logger *slog.Logger) *ContinuousSessionManager {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContinuousSessionManager{newSession: newSession, interval: interval, logger: logger}
}

// Start begins the initial active session, schedules the rotation timer,
// and kicks off standby preparation in the background.
func (m *ContinuousSessionManager) Start(ctx context.Context, cb ResultCallback) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.resultCB = cb
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.active = m.newSession()
	m.mu.Unlock()

	if err := m.active.Start(runCtx, m.onResult); err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.rotationScheduler(runCtx)

	m.wg.Add(1)
	go m.prepareStandby(runCtx)

	return nil
}

// FeedAudio routes audio to the active session, or buffers it (capped,
// dropping oldest on overflow) while a rotation is in flight.
func (m *ContinuousSessionManager) FeedAudio(pcm []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.rotating {
		m.rotationBuffer = append(m.rotationBuffer, pcm)
		m.rotationBufferSz += len(pcm) * pcmBytesPerSample
		for m.rotationBufferSz > maxRotationBufferBytes && len(m.rotationBuffer) > 0 {
			dropped := m.rotationBuffer[0]
			m.rotationBuffer = m.rotationBuffer[1:]
			m.rotationBufferSz -= len(dropped) * pcmBytesPerSample
		}
		return
	}
	if m.active != nil {
		_ = m.active.FeedAudio(pcm)
	}
}

// SnapshotTranscript returns the transcript accumulated since the last
// snapshot and resets the accumulator, without stopping the session.
func (m *ContinuousSessionManager) SnapshotTranscript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.accumulated
	m.accumulated = ""
	return t
}

// Stop cancels the rotation scheduler and stops both sessions.
func (m *ContinuousSessionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	active, standby := m.active, m.standby
	m.active, m.standby = nil, nil
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	if active != nil {
		_ = active.Stop(ctx)
	}
	if standby != nil {
		_ = standby.Stop(ctx)
	}
	return nil
}

func (m *ContinuousSessionManager) onResult(r Result) {
	if r.IsFinal && trimmedNonEmpty(r.Transcript) {
		m.mu.Lock()
		if m.accumulated != "" {
			m.accumulated += " " + r.Transcript
		} else {
			m.accumulated = r.Transcript
		}
		cb := m.resultCB
		m.mu.Unlock()
		if cb != nil {
			cb(r)
		}
		return
	}
	m.mu.Lock()
	cb := m.resultCB
	m.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

func (m *ContinuousSessionManager) rotationScheduler(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logger.Info("stt rotation timer triggered")
			m.rotate(ctx)
		}
	}
}

func (m *ContinuousSessionManager) prepareStandby(ctx context.Context) {
	defer m.wg.Done()
	m.prepareStandbyNow(ctx)
}

// prepareStandbyNow attempts up to maxStandbyRetries times to stand up a
// fresh session, backing off standbyRetryDelay between attempts. On total
// failure it marks fallback mode so the next rotation runs synchronously.
func (m *ContinuousSessionManager) prepareStandbyNow(ctx context.Context) bool {
	for attempt := 0; attempt < maxStandbyRetries; attempt++ {
		candidate := m.newSession()
		if err := candidate.Start(ctx, m.onResult); err == nil {
			m.mu.Lock()
			m.standby = candidate
			m.standbyFailed = false
			m.mu.Unlock()
			return true
		} else {
			m.logger.Warn("stt standby session failed", "attempt", attempt+1, "error", err)
		}

		if attempt < maxStandbyRetries-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(standbyRetryDelay):
			}
		}
	}

	m.logger.Error("stt standby exhausted retries, entering fallback rotation mode")
	m.mu.Lock()
	m.standbyFailed = true
	m.mu.Unlock()
	return false
}

func (m *ContinuousSessionManager) rotate(ctx context.Context) {
	m.rotationCount.Add(1)

	m.mu.Lock()
	m.rotating = true
	standbyFailed := m.standbyFailed
	standby := m.standby
	m.mu.Unlock()

	if standbyFailed || standby == nil {
		m.rotateFallback(ctx)
	} else {
		m.rotateNormal(ctx)
	}

	m.mu.Lock()
	m.rotating = false
	m.mu.Unlock()
}

func (m *ContinuousSessionManager) rotateNormal(ctx context.Context) {
	m.logger.Info("stt rotating session (warm standby)")

	m.mu.Lock()
	oldSession := m.active
	m.active = m.standby
	m.standby = nil
	buffer := m.rotationBuffer
	m.rotationBuffer = nil
	m.rotationBufferSz = 0
	active := m.active
	m.mu.Unlock()

	for _, pcm := range buffer {
		if active != nil {
			_ = active.FeedAudio(pcm)
		}
	}

	if oldSession != nil {
		go func() {
			if err := oldSession.Stop(ctx); err != nil {
				m.logger.Warn("error stopping old stt session", "error", err)
			}
		}()
	}

	m.wg.Add(1)
	go m.prepareStandby(ctx)
}

func (m *ContinuousSessionManager) rotateFallback(ctx context.Context) {
	m.logger.Warn("stt fallback rotation: synchronous session switch")

	m.mu.Lock()
	oldSession := m.active
	m.mu.Unlock()
	if oldSession != nil {
		_ = oldSession.Stop(ctx)
	}

	newSession := m.newSession()
	if err := newSession.Start(ctx, m.onResult); err != nil {
		m.logger.Error("stt fallback rotation failed to start new session", "error", err)
		return
	}

	m.mu.Lock()
	m.active = newSession
	buffer := m.rotationBuffer
	m.rotationBuffer = nil
	m.rotationBufferSz = 0
	m.standbyFailed = false
	m.mu.Unlock()

	for _, pcm := range buffer {
		_ = newSession.FeedAudio(pcm)
	}

	m.wg.Add(1)
	go m.prepareStandby(ctx)
}

func trimmedNonEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' {
			return true
		}
	}
	return false
}
