package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// Publisher is the outbound capability of a session's transport. Reliable
// publishes carry text and control events and may wait for buffer space;
// unreliable publishes carry audio and may be dropped.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, reliable bool) error
}

// EventType names an outbound event.
type EventType string

const (
	EventASRPartial       EventType = "asr_partial"
	EventASRFinal         EventType = "asr_final"
	EventTranscription    EventType = "transcription"
	EventLLMPartial       EventType = "llm_partial"
	EventLLMFinal         EventType = "llm_final"
	EventResponse         EventType = "response"
	EventTTSChunk         EventType = "tts_chunk"
	EventAgentInterrupted EventType = "agent_interrupted"
	EventHistoryCleared   EventType = "history_cleared"
	EventPong             EventType = "pong"
	EventError            EventType = "error"
)

// Event is the JSON envelope of every outbound message. Fields that do not
// apply to a type are omitted.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// Text is the transcript, partial response or full response.
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// Audio is one PCM16LE mono frame, base64 encoded on the wire.
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Segment    int    `json:"segment,omitempty"`
	Frame      *int   `json:"frame,omitempty"`

	// LatencyMS is the end-to-end latency reported with llm_final.
	LatencyMS int64 `json:"latency_ms,omitempty"`

	// Dropped is the number of queued responses discarded by a barge-in.
	Dropped int `json:"dropped_responses,omitempty"`

	Error string `json:"error,omitempty"`

	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewEvent returns an event of type t stamped with the current time.
func NewEvent(t EventType, sessionID string) Event {
	return Event{Type: t, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
}

// ErrorEvent returns an error event carrying msg.
func ErrorEvent(sessionID, msg string) Event {
	ev := NewEvent(EventError, sessionID)
	ev.Error = msg
	return ev
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
