// Package models defines the data structures for transcript events.
package models

// TranscriptBlock is one finalized speaker turn in a session's transcript.
// Exactly one block exists per turn order; once appended its text never changes.
type TranscriptBlock struct {
	Speaker    string  `json:"speaker,omitempty"`
	Text       string  `json:"text"`
	TurnOrder  int     `json:"turnOrder"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// TranscriptPartial is the event published for a live partial hypothesis.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Principal string `json:"principal"`
	Timestamp int64  `json:"timestamp"`
	TurnOrder int    `json:"turnOrder"`
	Text      string `json:"text"`
}

// TranscriptFinal is the event published when a turn is finalized.
type TranscriptFinal struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	Principal  string  `json:"principal"`
	Timestamp  int64   `json:"timestamp"`
	TurnOrder  int     `json:"turnOrder"`
	Speaker    string  `json:"speaker,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}
