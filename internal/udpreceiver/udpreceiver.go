// Package udpreceiver binds one UDP socket per RTP leg and turns inbound
// datagrams into decoded, resampled 16kHz PCM delivered to a callback. The
// callback runs synchronously on the receive goroutine, so a slow callback
// delays the next read; the receiver keeps no ingress queue and has no
// counter for packets lost to a congested callback path.
package udpreceiver

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/aicc-pipeline/internal/codec"
	"github.com/flowpbx/aicc-pipeline/internal/ratelog"
	"github.com/flowpbx/aicc-pipeline/internal/rtp"
)

// maxDatagram is the largest UDP payload this receiver accepts.
const maxDatagram = 1500

// readTimeout bounds each blocking read so the loop can periodically check
// for a stop request without a dedicated cancellation socket trick.
const readTimeout = 100 * time.Millisecond

// AudioFunc receives decoded, 16kHz PCM16 audio for one accepted datagram.
type AudioFunc func(pcm []int16)

// FirstPacketFunc is invoked once, the first time a datagram is accepted
// from this receiver's call leg.
type FirstPacketFunc func()

// Stats are monotonically increasing counters snapshotted for diagnostics.
type Stats struct {
	PacketsReceived  uint64
	PacketsAccepted  uint64
	ParseErrors      uint64
	WhitelistDropped uint64
}

// Receiver owns one non-blocking UDP listener for one RTP leg.
type Receiver struct {
	port      int
	whitelist map[string]struct{}
	onAudio   AudioFunc
	onFirst   FirstPacketFunc
	logger    *slog.Logger

	conn *net.UDPConn

	packetsReceived  atomic.Uint64
	packetsAccepted  atomic.Uint64
	parseErrors      atomic.Uint64
	whitelistDropped atomic.Uint64

	firstPacketOnce sync.Once
	stopped         atomic.Bool
	wg              sync.WaitGroup

	logLimiter *ratelog.Limiter
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithWhitelist restricts accepted datagrams to the given source IPs. An
// empty list (the default) accepts from any source.
func WithWhitelist(ips []string) Option {
	return func(r *Receiver) {
		if len(ips) == 0 {
			return
		}
		r.whitelist = make(map[string]struct{}, len(ips))
		for _, ip := range ips {
			r.whitelist[ip] = struct{}{}
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Receiver) { r.logger = logger }
}

// New binds a UDP socket on 0.0.0.0:port. onAudio and onFirst are invoked
// synchronously from the receive goroutine — callers that need to avoid
// blocking the receive loop must do their own hand-off.
func New(port int, onAudio AudioFunc, onFirst FirstPacketFunc, opts ...Option) (*Receiver, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		port:       port,
		onAudio:    onAudio,
		onFirst:    onFirst,
		logger:     slog.Default(),
		conn:       conn,
		logLimiter: ratelog.New(0, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start launches the receive loop in a background goroutine. Non-blocking.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.receiveLoop()
}

// Stop signals the receive loop to exit and waits for it to finish,
// closing the underlying socket.
func (r *Receiver) Stop() {
	r.stopped.Store(true)
	r.wg.Wait()
	r.conn.Close()
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		PacketsReceived:  r.packetsReceived.Load(),
		PacketsAccepted:  r.packetsAccepted.Load(),
		ParseErrors:      r.parseErrors.Load(),
		WhitelistDropped: r.whitelistDropped.Load(),
	}
}

func (r *Receiver) receiveLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		if r.stopped.Load() {
			return
		}

		r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("udp read error", "port", r.port, "error", err)
			continue
		}

		r.packetsReceived.Add(1)
		r.handleDatagram(buf[:n], srcAddr)
	}
}

func (r *Receiver) handleDatagram(data []byte, srcAddr *net.UDPAddr) {
	if r.whitelist != nil {
		if _, ok := r.whitelist[srcAddr.IP.String()]; !ok {
			r.whitelistDropped.Add(1)
			if r.logLimiter.Allow("whitelist") {
				r.logger.Warn("udp datagram dropped: source not whitelisted", "port", r.port, "source", srcAddr.IP.String())
			}
			return
		}
	}

	pkt, err := rtp.Parse(data)
	if err != nil {
		r.parseErrors.Add(1)
		if r.logLimiter.Allow("parse-error") {
			r.logger.Warn("rtp parse error", "port", r.port, "error", err)
		}
		return
	}

	pcm8k := decodePayload(pkt)
	pcm16k := codec.Resample8kTo16k(pcm8k)

	r.packetsAccepted.Add(1)
	r.onAudio(pcm16k)

	r.firstPacketOnce.Do(func() {
		if r.onFirst != nil {
			r.onFirst()
		}
	})
}

// decodePayload applies the pipeline-level decoder selection policy: A-law
// for PT 8, mu-law for everything else (PT 0 and all unassigned types).
func decodePayload(pkt *rtp.Packet) []int16 {
	if pkt.IsAlaw() {
		return codec.DecodeAlaw(pkt.Payload)
	}
	return codec.DecodeUlaw(pkt.Payload)
}
