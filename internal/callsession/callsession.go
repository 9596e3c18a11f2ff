// Package callsession implements the even/odd RTP port-pair pool and the
// call session registry that the REST admission API and the pipeline
// controller share.
package callsession

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Allocate when no port pair remains free.
var ErrPoolExhausted = errors.New("callsession: port pool exhausted")

// Ports is one allocated customer/agent port pair. AgentPort is always
// CustomerPort+1.
type Ports struct {
	CustomerPort int
	AgentPort    int
}

// Session is a registered call's state.
type Session struct {
	CallID         string
	CustomerNumber string
	AgentID        string
	Ports          Ports
	CreatedAt      time.Time
}

// minPortHeap is a min-heap of available even ports, giving Allocate its
// deterministic "pick the lowest free port" behavior in O(log n).
type minPortHeap []int

func (h minPortHeap) Len() int            { return len(h) }
func (h minPortHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minPortHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minPortHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *minPortHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Manager owns the port pool and the call session registry together,
// under one mutex: every operation that needs both (register allocates a
// pair and inserts a session; release does the reverse) is atomic with
// respect to the other.
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	available minPortHeap
	allocated map[int]string // customer port -> call ID
	sessions  map[string]*Session
}

// New builds a Manager over the even customer ports in [rangeStart,
// rangeEnd), each paired with its own odd companion (port+1).
func New(rangeStart, rangeEnd int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	var available minPortHeap
	for p := rangeStart; p < rangeEnd; p += 2 {
		available = append(available, p)
	}
	heap.Init(&available)

	return &Manager{
		logger:    logger,
		available: available,
		allocated: make(map[int]string),
		sessions:  make(map[string]*Session),
	}
}

// Capacity returns the total number of port pairs in the configured range.
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.available) + len(m.allocated)
}

// AllocatedCount returns the number of port pairs currently handed out.
func (m *Manager) AllocatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocated)
}

// GetActiveCallCount implements metrics.ActiveCallsProvider.
func (m *Manager) GetActiveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Register allocates a port pair for callID and inserts a Session.
// Registration is idempotent: a duplicate callID returns the existing
// session rather than allocating a second pair.
func (m *Manager) Register(callID, customerNumber, agentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[callID]; ok {
		return existing, nil
	}

	if len(m.available) == 0 {
		return nil, ErrPoolExhausted
	}

	customerPort := heap.Pop(&m.available).(int)
	session := &Session{
		CallID:         callID,
		CustomerNumber: customerNumber,
		AgentID:        agentID,
		Ports:          Ports{CustomerPort: customerPort, AgentPort: customerPort + 1},
		CreatedAt:      time.Now(),
	}

	m.allocated[customerPort] = callID
	m.sessions[callID] = session

	m.logger.Info("call registered",
		"call_id", callID,
		"customer_port", customerPort,
		"agent_port", customerPort+1,
		"allocated", len(m.allocated),
	)
	return session, nil
}

// Release returns callID's port pair to the pool and removes its session.
// Releasing an unknown callID is a no-op.
func (m *Manager) Release(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return
	}

	delete(m.sessions, callID)
	delete(m.allocated, session.Ports.CustomerPort)
	heap.Push(&m.available, session.Ports.CustomerPort)

	m.logger.Info("call released",
		"call_id", callID,
		"customer_port", session.Ports.CustomerPort,
		"allocated", len(m.allocated),
	)
}

// Get returns the session for callID, if registered.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// List returns a snapshot of all currently registered sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
