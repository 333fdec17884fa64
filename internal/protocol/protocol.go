// Package protocol defines the client-facing websocket message protocol.
//
// Inbound messages are decoded once at the boundary into a closed Command
// type; anything that fails to decode becomes CmdUnrecognized and is
// handled as malformed input rather than terminating the session.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandType identifies a client control command.
type CommandType string

const (
	CmdStartRecording  CommandType = "start_recording"
	CmdStopRecording   CommandType = "stop_recording"
	CmdPauseRecording  CommandType = "pause_recording"
	CmdResumeRecording CommandType = "resume_recording"
	CmdAudioChunk      CommandType = "audio_chunk"
	CmdForceEndOfTurn  CommandType = "force_end_of_turn"

	// CmdUnrecognized marks a message that failed to decode. Err carries
	// the reason; the session reports it and continues.
	CmdUnrecognized CommandType = "unrecognized"
)

// Decode errors.
var (
	ErrBadEnvelope     = errors.New("unparseable command envelope")
	ErrUnknownCommand  = errors.New("unknown command type")
	ErrBadAudioPayload = errors.New("invalid audio payload")
)

// Command is a decoded client message.
type Command struct {
	Type CommandType

	// Audio holds the decoded PCM bytes for CmdAudioChunk.
	Audio []byte

	// Err is set for CmdUnrecognized.
	Err error
}

type envelope struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// DecodeCommand decodes a raw client message into a Command.
// A decode failure never returns an error to the caller; it yields a
// CmdUnrecognized command carrying the reason.
func DecodeCommand(raw []byte) Command {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{Type: CmdUnrecognized, Err: fmt.Errorf("%w: %v", ErrBadEnvelope, err)}
	}

	switch CommandType(env.Type) {
	case CmdStartRecording, CmdStopRecording, CmdPauseRecording, CmdResumeRecording, CmdForceEndOfTurn:
		return Command{Type: CommandType(env.Type)}

	case CmdAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return Command{Type: CmdUnrecognized, Err: fmt.Errorf("%w: not base64: %v", ErrBadAudioPayload, err)}
		}
		if len(pcm) == 0 {
			return Command{Type: CmdUnrecognized, Err: fmt.Errorf("%w: empty frame", ErrBadAudioPayload)}
		}
		if len(pcm)%2 != 0 {
			return Command{Type: CmdUnrecognized, Err: fmt.Errorf("%w: odd byte length %d", ErrBadAudioPayload, len(pcm))}
		}
		return Command{Type: CmdAudioChunk, Audio: pcm}

	default:
		return Command{Type: CmdUnrecognized, Err: fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)}
	}
}

// ServerMessage is a client-bound message. Optional fields use pointers
// so that false/zero values survive serialization when deliberately set.
type ServerMessage struct {
	Type            string   `json:"type"`
	SessionID       string   `json:"sessionId,omitempty"`
	Message         string   `json:"message,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
	Text            string   `json:"text,omitempty"`
	FullTranscript  string   `json:"fullTranscript,omitempty"`
	FinalTranscript string   `json:"finalTranscript,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Speaker         string   `json:"speaker,omitempty"`
	IsFinal         *bool    `json:"isFinal,omitempty"`
	TurnOrder       *int     `json:"turnOrder,omitempty"`
	EndOfTurn       *bool    `json:"endOfTurn,omitempty"`
	IsFormatted     *bool    `json:"isFormatted,omitempty"`
}

// Encode serializes the message for the wire.
func (m ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Ready builds the session-ready message.
func Ready(sessionID string) ServerMessage {
	return ServerMessage{Type: "ready", SessionID: sessionID}
}

// RecordingStarted builds the recording-started acknowledgement.
func RecordingStarted(ts time.Time) ServerMessage {
	return ServerMessage{Type: "recording_started", Timestamp: ts.UTC().Format(time.RFC3339)}
}

// RecordingStopped reports the final transcript and session duration.
func RecordingStopped(finalTranscript string, durationSeconds float64) ServerMessage {
	return ServerMessage{
		Type:            "recording_stopped",
		FinalTranscript: finalTranscript,
		Duration:        &durationSeconds,
	}
}

// RecordingPaused builds the pause acknowledgement.
func RecordingPaused() ServerMessage {
	return ServerMessage{Type: "recording_paused"}
}

// RecordingResumed builds the resume acknowledgement.
func RecordingResumed() ServerMessage {
	return ServerMessage{Type: "recording_resumed"}
}

// Transcription carries a partial or final turn result to the client.
type Transcription struct {
	Text           string
	FullTranscript string
	Confidence     float64
	Speaker        string
	IsFinal        bool
	TurnOrder      int
	EndOfTurn      bool
	IsFormatted    bool
}

// TranscriptionMessage builds the transcription message for the client.
func TranscriptionMessage(t Transcription, ts time.Time) ServerMessage {
	msg := ServerMessage{
		Type:           "transcription",
		Text:           t.Text,
		FullTranscript: t.FullTranscript,
		Timestamp:      ts.UTC().Format(time.RFC3339),
		Confidence:     &t.Confidence,
		Speaker:        t.Speaker,
		IsFinal:        &t.IsFinal,
	}
	if t.IsFinal {
		msg.TurnOrder = &t.TurnOrder
		msg.EndOfTurn = &t.EndOfTurn
		msg.IsFormatted = &t.IsFormatted
	}
	return msg
}

// ErrorMessage builds a structured error message.
func ErrorMessage(message string) ServerMessage {
	return ServerMessage{Type: "error", Message: message}
}

// WarningMessage builds a structured warning message.
func WarningMessage(message string) ServerMessage {
	return ServerMessage{Type: "warning", Message: message}
}

// InfoMessage builds a structured info message.
func InfoMessage(message string) ServerMessage {
	return ServerMessage{Type: "info", Message: message}
}
