// Package events defines the JSON wire schema emitted to the WebSocket
// fan-out manager: metadata_start, turn_complete, and metadata_end frames.
package events

import (
	"math"
	"time"
)

// Speaker identifies which leg of a call produced an utterance.
type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerAgent    Speaker = "agent"
)

// Decision mirrors turn.Decision as a wire string, kept independent so this
// package has no dependency on the turn detector.
type Decision string

const (
	DecisionComplete   Decision = "complete"
	DecisionIncomplete Decision = "incomplete"
)

const (
	typeMetadataStart = "metadata_start"
	typeTurnComplete  = "turn_complete"
	typeMetadataEnd   = "metadata_end"
)

// MetadataStart is emitted once per call, before any turn_complete event.
type MetadataStart struct {
	Type           string `json:"type"`
	CallID         string `json:"call_id"`
	Timestamp      string `json:"timestamp"`
	CustomerNumber string `json:"customer_number,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

// NewMetadataStart builds a MetadataStart event stamped at t.
func NewMetadataStart(callID, customerNumber, agentID string, t time.Time) MetadataStart {
	return MetadataStart{
		Type:           typeMetadataStart,
		CallID:         callID,
		Timestamp:      formatTimestamp(t),
		CustomerNumber: customerNumber,
		AgentID:        agentID,
	}
}

// TurnComplete is emitted once per completed speaker turn.
type TurnComplete struct {
	Type        string  `json:"type"`
	CallID      string  `json:"call_id"`
	Timestamp   string  `json:"timestamp"`
	Speaker     Speaker `json:"speaker"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	Transcript  string  `json:"transcript"`
	Decision    Decision `json:"decision"`
	FusionScore float64 `json:"fusion_score"`
}

// NewTurnComplete builds a TurnComplete event, rounding durations to 3
// decimal places per the wire schema.
func NewTurnComplete(callID string, speaker Speaker, startTime, endTime float64, transcript string, decision Decision, fusionScore float64, t time.Time) TurnComplete {
	return TurnComplete{
		Type:        typeTurnComplete,
		CallID:      callID,
		Timestamp:   formatTimestamp(t),
		Speaker:     speaker,
		StartTime:   round3(startTime),
		EndTime:     round3(endTime),
		Transcript:  transcript,
		Decision:    decision,
		FusionScore: round3(fusionScore),
	}
}

// MetadataEnd is emitted once per call, after every turn_complete event.
type MetadataEnd struct {
	Type            string  `json:"type"`
	CallID          string  `json:"call_id"`
	Timestamp       string  `json:"timestamp"`
	TotalDuration   float64 `json:"total_duration"`
	TurnCount       int     `json:"turn_count"`
	SpeechRatio     float64 `json:"speech_ratio"`
	CompleteTurns   int     `json:"complete_turns"`
	IncompleteTurns int     `json:"incomplete_turns"`
}

// NewMetadataEnd builds a MetadataEnd event.
func NewMetadataEnd(callID string, totalDuration float64, turnCount int, speechRatio float64, completeTurns, incompleteTurns int, t time.Time) MetadataEnd {
	return MetadataEnd{
		Type:            typeMetadataEnd,
		CallID:          callID,
		Timestamp:       formatTimestamp(t),
		TotalDuration:   round3(totalDuration),
		TurnCount:       turnCount,
		SpeechRatio:     round3(speechRatio),
		CompleteTurns:   completeTurns,
		IncompleteTurns: incompleteTurns,
	}
}

// formatTimestamp renders t as ISO-8601 UTC with a trailing Z.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
