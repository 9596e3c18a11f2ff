// Package wsfanout dials one or more outbound WebSocket consumers and
// broadcasts serialized pipeline events to every currently-live connection,
// reconnecting dead ones in the background without blocking delivery to
// their surviving peers.
package wsfanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/aicc-pipeline/internal/events"
	"github.com/flowpbx/aicc-pipeline/internal/taskreg"
)

// Defaults per spec §6.
const (
	DefaultQueueMaxSize      = 1000
	DefaultReconnectInterval = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultPingTimeout       = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	URLs              []string
	QueueMaxSize      int
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	Tokens            TokenSource // optional; nil means no Authorization header
}

func (c Config) withDefaults() Config {
	if c.QueueMaxSize <= 0 {
		c.QueueMaxSize = DefaultQueueMaxSize
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	return c
}

// ParseURLs splits raw config values into a clean URL list, filtering blank
// lines and `#`-prefixed comments, matching the construction-time filtering
// the spec calls for.
func ParseURLs(raw []string) []string {
	var out []string
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Manager owns the outbound send queue and one connect/reconnect loop per
// configured URL.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	tasks  *taskreg.Registry
	dialer *websocket.Dialer

	queueMu sync.Mutex
	queue   []any
	notify  chan struct{}

	dropCount atomic.Uint64

	connsMu sync.Mutex
	conns   map[string]*websocket.Conn

	cancel context.CancelFunc
}

// New builds a Manager. Call Start to begin connecting and draining the
// send queue.
func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		logger: logger.With("subsystem", "wsfanout"),
		tasks:  taskreg.New(logger),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		notify: make(chan struct{}, 1),
		conns:  make(map[string]*websocket.Conn),
	}
}

// Start launches one connect loop per URL plus the shared send loop.
// Non-blocking.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, url := range m.cfg.URLs {
		url := url
		m.tasks.Go(ctx, "wsfanout-connect:"+url, func(ctx context.Context) error {
			return m.connectLoop(ctx, url)
		})
	}

	m.tasks.Go(ctx, "wsfanout-send-loop", func(ctx context.Context) error {
		m.sendLoop(ctx)
		return nil
	})
}

// Stop cancels every loop and waits up to timeout for them to exit.
func (m *Manager) Stop(timeout time.Duration) {
	if m.cancel != nil {
		m.cancel()
	}
	m.tasks.Drain(timeout)

	m.connsMu.Lock()
	for url, conn := range m.conns {
		conn.Close()
		delete(m.conns, url)
	}
	m.connsMu.Unlock()
}

// Enqueue adds event to the send queue. turn_complete events with an empty
// transcript are dropped before ever reaching the queue. On a full queue,
// the oldest pending event is evicted and the drop counter incremented.
func (m *Manager) Enqueue(event any) {
	if tc, ok := event.(events.TurnComplete); ok && tc.Transcript == "" {
		return
	}

	m.queueMu.Lock()
	if len(m.queue) >= m.cfg.QueueMaxSize {
		m.queue = m.queue[1:]
		m.dropCount.Add(1)
	}
	m.queue = append(m.queue, event)
	m.queueMu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// QueueDepth returns the current number of pending events.
func (m *Manager) QueueDepth() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// DropCount returns the number of events evicted for a full queue.
func (m *Manager) DropCount() uint64 {
	return m.dropCount.Load()
}

// LiveConnCount returns the number of currently connected peers.
func (m *Manager) LiveConnCount() int {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return len(m.conns)
}

// sendLoop dequeues one event at a time, serializes it once, and
// broadcasts the same bytes to every live connection.
func (m *Manager) sendLoop(ctx context.Context) {
	for {
		m.queueMu.Lock()
		for len(m.queue) == 0 {
			m.queueMu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-m.notify:
			}
			m.queueMu.Lock()
		}
		event := m.queue[0]
		m.queue = m.queue[1:]
		m.queueMu.Unlock()

		payload, err := json.Marshal(event)
		if err != nil {
			m.logger.Error("failed to marshal websocket event", "error", err)
			continue
		}
		m.broadcast(payload)
	}
}

func (m *Manager) broadcast(payload []byte) {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	for url, conn := range m.conns {
		conn.SetWriteDeadline(time.Now().Add(m.cfg.PingTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			m.logger.Warn("websocket send failed, marking connection dead", "url", url, "error", err)
			conn.Close()
			delete(m.conns, url)
		}
	}
}

// connectLoop dials url, pumps its lifecycle until it dies, then retries
// after ReconnectInterval until ctx is canceled.
func (m *Manager) connectLoop(ctx context.Context, url string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		header := http.Header{}
		if m.cfg.Tokens != nil {
			tok, err := m.cfg.Tokens.Token(ctx)
			if err != nil {
				m.logger.Warn("failed to obtain websocket auth token", "url", url, "error", err)
			} else {
				header.Set("Authorization", "Bearer "+tok)
			}
		}

		conn, _, err := m.dialer.DialContext(ctx, url, header)
		if err != nil {
			m.logger.Warn("websocket connect failed", "url", url, "error", err)
			if !sleepOrDone(ctx, m.cfg.ReconnectInterval) {
				return nil
			}
			continue
		}

		m.connsMu.Lock()
		m.conns[url] = conn
		m.connsMu.Unlock()
		m.logger.Info("websocket connected", "url", url)

		m.pumpUntilDead(ctx, url, conn)

		if !sleepOrDone(ctx, m.cfg.ReconnectInterval) {
			return nil
		}
	}
}

// pumpUntilDead keeps url's read side alive (answering pings, detecting
// close) until the connection fails or ctx is canceled, then removes it
// from the live set.
func (m *Manager) pumpUntilDead(ctx context.Context, url string, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(m.cfg.PingInterval + m.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.PingInterval + m.cfg.PingTimeout))
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	defer func() {
		m.connsMu.Lock()
		delete(m.conns, url)
		m.connsMu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			<-readDone
			return
		case <-readDone:
			return
		case <-ticker.C:
			// WriteControl, unlike WriteMessage, is safe to call concurrently
			// with a send-loop WriteMessage on the same connection — gorilla
			// permits one concurrent writer for data frames plus one for
			// control frames, but not two concurrent WriteMessage calls.
			deadline := time.Now().Add(m.cfg.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Warn("websocket ping failed", "url", url, "error", err)
				return
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
