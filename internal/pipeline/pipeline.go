// Package pipeline wires the per-call audio processing chain — UDP
// receivers, VAD, STT, turn detection, speaker processors — to the call
// session registry and the websocket fan-out manager, and exposes the
// result as the REST Admission API's Admitter.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/aicc-pipeline/internal/arbiter"
	"github.com/flowpbx/aicc-pipeline/internal/callsession"
	"github.com/flowpbx/aicc-pipeline/internal/config"
	"github.com/flowpbx/aicc-pipeline/internal/events"
	"github.com/flowpbx/aicc-pipeline/internal/metrics"
	"github.com/flowpbx/aicc-pipeline/internal/morpheme"
	"github.com/flowpbx/aicc-pipeline/internal/speaker"
	"github.com/flowpbx/aicc-pipeline/internal/stt"
	"github.com/flowpbx/aicc-pipeline/internal/stt/google"
	"github.com/flowpbx/aicc-pipeline/internal/turn"
	"github.com/flowpbx/aicc-pipeline/internal/udpreceiver"
	"github.com/flowpbx/aicc-pipeline/internal/vad"
	"github.com/flowpbx/aicc-pipeline/internal/wsfanout"
)

// vadWindowSize is 20ms of 16kHz mono PCM, the frame size every VAD
// back-end and the speaker processor's windowing loop agree on.
const vadWindowSize = 320

// endCallDrainTimeout bounds how long EndCall waits for a speaker
// processor's STT session to stop before giving up and releasing the call
// anyway.
const endCallDrainTimeout = 5 * time.Second

// Recognizer is the subset of *google.Client the controller depends on, so
// tests can substitute a fake rather than dialing Google Cloud Speech.
type Recognizer interface {
	Recognize(ctx context.Context, pcm16 []byte) (transcript string, confidence float32, err error)
	NewStream(ctx context.Context) (*google.Stream, error)
}

// callState is everything the controller owns for one in-flight call.
type callState struct {
	session  *callsession.Session
	customer *legState
	agent    *legState

	mu              sync.Mutex
	turnCount       int
	completeTurns   int
	incompleteTurns int
	speechSeconds   float64
	startTime       time.Time
}

// legState is the per-speaker-leg resources: the UDP receiver feeding it
// and the speaker processor consuming decoded audio.
type legState struct {
	receiver  *udpreceiver.Receiver
	processor *speaker.Processor
	csm       *stt.ContinuousSessionManager // streaming mode only
}

// Controller is the Pipeline Controller: it owns the Port Pool/Session
// Registry, the WebSocket fan-out manager, and the metrics collector, and
// drives the full per-call lifecycle from REST admission through teardown.
type Controller struct {
	cfg        *config.Config
	logger     *slog.Logger
	sessions   *callsession.Manager
	ws         *wsfanout.Manager
	turns      *metrics.TurnCounters
	metrics    *metrics.Collector
	recognizer Recognizer

	mu    sync.Mutex
	calls map[string]*callState
}

// wsTokenSource builds the bearer-token provider for outbound WebSocket
// consumer connections from the WSAuth* settings, or nil when none are
// configured — wsfanout.Manager treats a nil TokenSource as "no
// Authorization header", its existing no-auth default.
func wsTokenSource(cfg *config.Config) wsfanout.TokenSource {
	if cfg.WSAuthClientID == "" || cfg.WSAuthClientSecret == "" || cfg.WSAuthTokenURL == "" {
		return nil
	}
	return wsfanout.NewOAuth2TokenSource(clientcredentials.Config{
		ClientID:     cfg.WSAuthClientID,
		ClientSecret: cfg.WSAuthClientSecret,
		TokenURL:     cfg.WSAuthTokenURL,
	})
}

// New builds a Controller. recognizer may be nil only when the process
// will never admit a call (e.g. a health-check-only smoke test); normal
// operation requires a dialed *google.Client.
func New(cfg *config.Config, recognizer Recognizer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	sessions := callsession.New(cfg.RTPPortRangeStart, cfg.RTPPortRangeEnd, logger.With("subsystem", "callsession"))
	ws := wsfanout.New(wsfanout.Config{
		URLs:              cfg.WSURLs,
		QueueMaxSize:      cfg.WSQueueMaxSize,
		ReconnectInterval: cfg.WSReconnectInterval.Duration(),
		Tokens:            wsTokenSource(cfg),
	}, logger.With("subsystem", "wsfanout"))
	turns := &metrics.TurnCounters{}

	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		sessions:   sessions,
		ws:         ws,
		turns:      turns,
		recognizer: recognizer,
		calls:      make(map[string]*callState),
	}

	c.metrics = metrics.NewCollector(
		sessions, sessions, sessions.AllocatedCount,
		ws, c, turns, time.Now(),
	)
	return c
}

// Collector returns the prometheus.Collector to register with the process
// metrics registry.
func (c *Controller) Collector() *metrics.Collector { return c.metrics }

// RotationCount implements metrics.STTRotationProvider by summing every
// active call's continuous-session rotation counts.
func (c *Controller) RotationCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, call := range c.calls {
		if call.customer.csm != nil {
			total += call.customer.csm.RotationCount()
		}
		if call.agent.csm != nil {
			total += call.agent.csm.RotationCount()
		}
	}
	return total
}

// Start launches the websocket fan-out manager's connect loops.
func (c *Controller) Start(ctx context.Context) {
	c.ws.Start(ctx)
}

// Stop ends every in-flight call and disconnects the websocket fan-out.
func (c *Controller) Stop(timeout time.Duration) {
	c.mu.Lock()
	callIDs := make([]string, 0, len(c.calls))
	for id := range c.calls {
		callIDs = append(callIDs, id)
	}
	c.mu.Unlock()

	for _, id := range callIDs {
		c.EndCall(id)
	}

	c.ws.Stop(timeout)
}

// RegisterCall implements api.Admitter. It allocates a port pair, builds the
// per-speaker STT/VAD/turn pipeline for both legs, starts STT before the UDP
// receivers, and emits metadata_start.
func (c *Controller) RegisterCall(callID, customerNumber, agentID string) (*callsession.Session, error) {
	session, err := c.sessions.Register(callID, customerNumber, agentID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.calls[callID]; exists {
		c.mu.Unlock()
		return session, nil
	}
	c.mu.Unlock()

	call := &callState{session: session, startTime: time.Now()}

	ctx := context.Background()
	var customer, agent *legState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		leg, err := c.buildLeg(gctx, call, events.SpeakerCustomer)
		if err != nil {
			return fmt.Errorf("building customer leg: %w", err)
		}
		customer = leg
		return nil
	})
	g.Go(func() error {
		leg, err := c.buildLeg(gctx, call, events.SpeakerAgent)
		if err != nil {
			return fmt.Errorf("building agent leg: %w", err)
		}
		agent = leg
		return nil
	})
	if err := g.Wait(); err != nil {
		if customer != nil && customer.csm != nil {
			customer.csm.Stop(ctx)
		}
		if agent != nil && agent.csm != nil {
			agent.csm.Stop(ctx)
		}
		c.sessions.Release(callID)
		return nil, err
	}
	call.customer = customer
	call.agent = agent

	c.mu.Lock()
	c.calls[callID] = call
	c.mu.Unlock()

	if err := c.startReceivers(callID, session, customer, agent); err != nil {
		c.logger.Error("starting udp receivers failed", "call_id", callID, "error", err)
		c.EndCall(callID)
		return nil, fmt.Errorf("starting udp receivers: %w", err)
	}

	c.ws.Enqueue(events.NewMetadataStart(callID, customerNumber, agentID, time.Now()))
	c.logger.Info("call registered", "call_id", callID,
		"customer_port", session.Ports.CustomerPort, "agent_port", session.Ports.AgentPort)

	return session, nil
}

// buildLeg constructs the STT/VAD/turn-detector/speaker-processor chain for
// one speaker, starting its STT session before the UDP receiver exists.
func (c *Controller) buildLeg(ctx context.Context, call *callState, sp events.Speaker) (*legState, error) {
	analyzer := morpheme.NewAnalyzer(nil)
	turnDet := turn.NewDetector(analyzer,
		turn.WithWeights(turn.Weights{
			Morpheme: c.cfg.TurnMorphemeWeight,
			Duration: c.cfg.TurnDurationWeight,
			Silence:  c.cfg.TurnSilenceWeight,
		}),
		turn.WithCompleteThreshold(c.cfg.TurnCompleteThreshold),
	)
	detector := vad.NewAdaptiveEnergyVAD(vad.EnergyConfig{
		WindowSize: vadWindowSize,
		Threshold:  c.cfg.VADThreshold,
	})
	procCfg := speaker.Config{MinSpeechMs: c.cfg.MinSpeechMS, MinSilenceMs: c.cfg.MinSilenceMS}
	emit := c.emitFunc(call, sp)

	leg := &legState{}

	if c.cfg.STTMode == "batch" {
		if c.recognizer == nil {
			return nil, fmt.Errorf("batch stt mode requires a configured recognizer")
		}
		recognizer := stt.NewBatchRecognizer(c.recognizer.Recognize, c.logger.With("speaker", sp))
		leg.processor = speaker.NewBatchProcessor(sp, detector, turnDet, recognizer, procCfg, emit, c.logger.With("speaker", sp))
		return leg, nil
	}

	if c.recognizer == nil {
		return nil, fmt.Errorf("streaming stt mode requires a configured recognizer")
	}
	csm := stt.NewContinuousSessionManager(
		func() stt.StreamSession {
			return stt.NewStreamingSession(func(ctx context.Context) (stt.GoogleStream, error) {
				return c.recognizer.NewStream(ctx)
			}, c.cfg.STTAudioQueueMaxSize, c.logger.With("speaker", sp))
		},
		time.Duration(c.cfg.STTRotationSec)*time.Second,
		c.logger.With("speaker", sp, "subsystem", "stt-continuous"),
	)
	arb := arbiter.New(turnDet, arbiter.WithMinChars(c.cfg.TurnMinChars))
	leg.processor = speaker.NewStreamingProcessor(sp, detector, turnDet, csm, arb, procCfg, emit, c.logger.With("speaker", sp))
	leg.csm = csm

	proc := leg.processor
	if err := csm.Start(ctx, func(r stt.Result) {
		if r.IsFinal {
			proc.OnSTTFinal(r.Transcript)
		}
	}); err != nil {
		return nil, fmt.Errorf("starting continuous stt session: %w", err)
	}
	return leg, nil
}

// startReceivers binds the UDP sockets for both legs once the STT pipeline
// is already running and launches their receive loops.
func (c *Controller) startReceivers(callID string, session *callsession.Session, customer, agent *legState) error {
	customerRecv, err := udpreceiver.New(session.Ports.CustomerPort,
		c.audioCallback(callID, "customer", customer.processor),
		nil, udpreceiver.WithLogger(c.logger.With("call_id", callID, "leg", "customer")))
	if err != nil {
		return fmt.Errorf("binding customer udp receiver: %w", err)
	}
	customer.receiver = customerRecv

	agentRecv, err := udpreceiver.New(session.Ports.AgentPort,
		c.audioCallback(callID, "agent", agent.processor),
		nil, udpreceiver.WithLogger(c.logger.With("call_id", callID, "leg", "agent")))
	if err != nil {
		customerRecv.Stop()
		return fmt.Errorf("binding agent udp receiver: %w", err)
	}
	agent.receiver = agentRecv

	customerRecv.Start()
	agentRecv.Start()
	return nil
}

// audioCallback wraps a speaker processor's PushAudio in a recover guard: a
// panic deep in STT/turn-detection code must not take down the UDP
// receiver's goroutine along with every other call it shares the process
// with.
func (c *Controller) audioCallback(callID, leg string, proc *speaker.Processor) udpreceiver.AudioFunc {
	return func(pcm []int16) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("audio processing panic recovered", "call_id", callID, "leg", leg, "panic", r)
			}
		}()
		proc.PushAudio(context.Background(), pcm)
	}
}

// emitFunc builds the per-speaker turn-complete emission callback: it
// updates the call's running stats and enqueues a wire event.
func (c *Controller) emitFunc(call *callState, sp events.Speaker) speaker.EmitFunc {
	return func(result turn.Result, startSec, endSec float64) {
		call.mu.Lock()
		call.turnCount++
		call.speechSeconds += endSec - startSec
		if result.Decision == turn.Complete {
			call.completeTurns++
			c.turns.IncComplete()
		} else {
			call.incompleteTurns++
			c.turns.IncIncomplete()
		}
		call.mu.Unlock()

		decision := events.DecisionIncomplete
		if result.Decision == turn.Complete {
			decision = events.DecisionComplete
		}
		c.ws.Enqueue(events.NewTurnComplete(
			call.session.CallID, sp, startSec, endSec,
			result.Transcript, decision, result.FusionScore, time.Now(),
		))
	}
}

// EndCall implements api.Admitter. It stops UDP receivers, flushes any
// pending turn per leg, stops STT sessions, emits metadata_end, and
// releases the call's port pair.
func (c *Controller) EndCall(callID string) bool {
	c.mu.Lock()
	call, ok := c.calls[callID]
	if ok {
		delete(c.calls, callID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if call.customer.receiver != nil {
		call.customer.receiver.Stop()
	}
	if call.agent.receiver != nil {
		call.agent.receiver.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), endCallDrainTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { call.customer.processor.Shutdown(ctx); return nil })
	g.Go(func() error { call.agent.processor.Shutdown(ctx); return nil })
	g.Wait()

	call.mu.Lock()
	totalDuration := time.Since(call.startTime).Seconds()
	turnCount := call.turnCount
	completeTurns := call.completeTurns
	incompleteTurns := call.incompleteTurns
	speechRatio := 0.0
	if totalDuration > 0 {
		speechRatio = call.speechSeconds / totalDuration
	}
	call.mu.Unlock()

	c.ws.Enqueue(events.NewMetadataEnd(callID, totalDuration, turnCount, speechRatio, completeTurns, incompleteTurns, time.Now()))
	c.sessions.Release(callID)

	c.logger.Info("call ended", "call_id", callID, "turn_count", turnCount,
		"complete", completeTurns, "incomplete", incompleteTurns)
	return true
}

// Ready reports whether the controller can currently admit another call.
// It is false once the RTP port pool is fully allocated, so /readyz can
// steer load balancers away before RegisterCall would return
// callsession.ErrPoolExhausted.
func (c *Controller) Ready() bool {
	return c.sessions.AllocatedCount() < c.sessions.Capacity()
}

// GetCall implements api.Admitter.
func (c *Controller) GetCall(callID string) (*callsession.Session, bool) {
	return c.sessions.Get(callID)
}

// ListCalls implements api.Admitter.
func (c *Controller) ListCalls() []*callsession.Session {
	return c.sessions.List()
}
