package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMetadataStartJSONShape(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ev := NewMetadataStart("call-1", "010-1234-5678", "agent-9", ts)
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["type"] != "metadata_start" {
		t.Errorf("type = %v, want metadata_start", m["type"])
	}
	if m["timestamp"] != "2026-07-31T12:00:00.000Z" {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
}

func TestTurnCompleteRoundsToThreeDecimals(t *testing.T) {
	ts := time.Now()
	ev := NewTurnComplete("call-1", SpeakerCustomer, 1.23456, 2.98765, "네 감사합니다", DecisionComplete, 0.83661, ts)
	if ev.StartTime != 1.235 {
		t.Errorf("StartTime = %f, want 1.235", ev.StartTime)
	}
	if ev.EndTime != 2.988 {
		t.Errorf("EndTime = %f, want 2.988", ev.EndTime)
	}
	if ev.FusionScore != 0.837 {
		t.Errorf("FusionScore = %f, want 0.837", ev.FusionScore)
	}
	if ev.Type != "turn_complete" {
		t.Errorf("Type = %s, want turn_complete", ev.Type)
	}
}

func TestMetadataEndFields(t *testing.T) {
	ev := NewMetadataEnd("call-1", 120.0005, 4, 0.6666, 3, 1, time.Now())
	if ev.TotalDuration != 120.0 && ev.TotalDuration != 120.001 {
		t.Errorf("TotalDuration = %f", ev.TotalDuration)
	}
	if ev.TurnCount != 4 || ev.CompleteTurns != 3 || ev.IncompleteTurns != 1 {
		t.Errorf("counts wrong: %+v", ev)
	}
	if ev.SpeechRatio != 0.667 {
		t.Errorf("SpeechRatio = %f, want 0.667", ev.SpeechRatio)
	}
}

func TestTimestampHasTrailingZ(t *testing.T) {
	s := formatTimestamp(time.Now())
	if s[len(s)-1] != 'Z' {
		t.Errorf("timestamp %q missing trailing Z", s)
	}
}
