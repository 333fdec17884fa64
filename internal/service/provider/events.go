// Package provider implements the streaming recognition provider client.
// It owns one outbound full-duplex websocket connection per session,
// performs the token handshake, and decodes the provider's event stream
// into typed events.
package provider

import "encoding/json"

// Word is one recognized word with optional speaker and confidence
// attribution. The wire protocol does not guarantee either field on
// every message.
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
	Start      float64 `json:"start,omitempty"`
	End        float64 `json:"end,omitempty"`
}

// TurnEvent is a partial or final recognition result for one speaking turn.
// EndOfTurn marks the turn's text as immutable; the provider emits at most
// one end-of-turn message per turn order.
type TurnEvent struct {
	TurnOrder       int    `json:"turn_order"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Words           []Word `json:"words,omitempty"`
}

// EventKind tags an Event variant.
type EventKind int

const (
	// EventTurn carries a recognition result.
	EventTurn EventKind = iota
	// EventEnded signals the provider terminated the session gracefully.
	EventEnded
	// EventDisconnected signals the transport dropped unexpectedly.
	EventDisconnected
	// EventError carries a non-fatal provider error.
	EventError
)

// Event is one tagged event emitted on the client's outbound channel.
type Event struct {
	Kind   EventKind
	Turn   *TurnEvent
	Reason string
	Err    error
}

// Wire message shapes. Inbound messages are discriminated by "type":
// Begin, Turn, Termination. Unknown types are skipped.

type wireEnvelope struct {
	Type string `json:"type"`
}

type wireBegin struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type wireTermination struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type wireTerminate struct {
	Type string `json:"type"`
}

type wireForceEndpoint struct {
	Type string `json:"type"`
}

type wireUpdateConfiguration struct {
	Type                             string   `json:"type"`
	EndOfTurnConfidenceThreshold     *float64 `json:"end_of_turn_confidence_threshold,omitempty"`
	MinEndOfTurnSilenceWhenConfident *int     `json:"min_end_of_turn_silence_when_confident,omitempty"`
	MaxTurnSilence                   *int     `json:"max_turn_silence,omitempty"`
}

// EndpointingParams adjusts the provider's turn-detection thresholds
// without reconnecting. Nil fields are left unchanged.
type EndpointingParams struct {
	EndOfTurnConfidence   *float64
	MinEndOfTurnSilenceMs *int
	MaxTurnSilenceMs      *int
}

func encodeUpdateConfiguration(p EndpointingParams) ([]byte, error) {
	return json.Marshal(wireUpdateConfiguration{
		Type:                             "UpdateConfiguration",
		EndOfTurnConfidenceThreshold:     p.EndOfTurnConfidence,
		MinEndOfTurnSilenceWhenConfident: p.MinEndOfTurnSilenceMs,
		MaxTurnSilence:                   p.MaxTurnSilenceMs,
	})
}
