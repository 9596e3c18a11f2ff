package callsession

import "testing"

func TestRegisterAllocatesLowestPort(t *testing.T) {
	m := New(40000, 40008, nil) // 4 pairs: 40000,40002,40004,40006

	s, err := m.Register("call-1", "0100000000", "agent-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s.Ports.CustomerPort != 40000 || s.Ports.AgentPort != 40001 {
		t.Errorf("Ports = %+v, want 40000/40001", s.Ports)
	}

	s2, err := m.Register("call-2", "0100000001", "agent-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s2.Ports.CustomerPort != 40002 {
		t.Errorf("CustomerPort = %d, want 40002", s2.Ports.CustomerPort)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := New(40000, 40004, nil)

	s1, err := m.Register("call-1", "0100000000", "agent-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s2, err := m.Register("call-1", "different-number", "different-agent")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s1.Ports != s2.Ports {
		t.Errorf("duplicate register allocated a new pair: %+v vs %+v", s1.Ports, s2.Ports)
	}
	if s2.CustomerNumber != "0100000000" {
		t.Errorf("duplicate register overwrote session fields: CustomerNumber = %q", s2.CustomerNumber)
	}
}

func TestRegisterExhaustsPool(t *testing.T) {
	m := New(40000, 40004, nil) // 2 pairs

	if _, err := m.Register("call-1", "", ""); err != nil {
		t.Fatalf("Register 1: %v", err)
	}
	if _, err := m.Register("call-2", "", ""); err != nil {
		t.Fatalf("Register 2: %v", err)
	}
	if _, err := m.Register("call-3", "", ""); err != ErrPoolExhausted {
		t.Fatalf("Register 3 error = %v, want ErrPoolExhausted", err)
	}
}

func TestReleaseReturnsPortToPool(t *testing.T) {
	m := New(40000, 40004, nil) // 2 pairs

	s1, _ := m.Register("call-1", "", "")
	if _, err := m.Register("call-2", "", ""); err != nil {
		t.Fatalf("Register 2: %v", err)
	}

	m.Release("call-1")

	s3, err := m.Register("call-3", "", "")
	if err != nil {
		t.Fatalf("Register 3 after release: %v", err)
	}
	if s3.Ports.CustomerPort != s1.Ports.CustomerPort {
		t.Errorf("Register 3 got port %d, want released port %d", s3.Ports.CustomerPort, s1.Ports.CustomerPort)
	}

	if _, ok := m.Get("call-1"); ok {
		t.Error("call-1 session should be gone after release")
	}
}

func TestReleaseUnknownCallIsNoOp(t *testing.T) {
	m := New(40000, 40004, nil)
	m.Release("never-registered")
	if m.Capacity() != 2 {
		t.Errorf("Capacity = %d, want 2", m.Capacity())
	}
}

func TestGetAndList(t *testing.T) {
	m := New(40000, 40004, nil)
	if _, ok := m.Get("call-1"); ok {
		t.Error("expected Get to miss before Register")
	}

	m.Register("call-1", "", "")
	m.Register("call-2", "", "")

	if _, ok := m.Get("call-1"); !ok {
		t.Error("expected Get to find call-1")
	}
	if len(m.List()) != 2 {
		t.Errorf("List() len = %d, want 2", len(m.List()))
	}
}
