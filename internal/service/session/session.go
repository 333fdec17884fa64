// Package session owns one live transcription session: the client's
// command stream on one side, the recognition provider connection on the
// other, and the growing transcript in between.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcribe-service/internal/models"
	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/observability/metrics"
	"live-transcribe-service/internal/protocol"
	"live-transcribe-service/internal/service/provider"
	"live-transcribe-service/internal/service/transcript"
)

// ProviderClient is the session's view of one provider connection.
type ProviderClient interface {
	Connect(ctx context.Context) (string, error)
	Events() <-chan provider.Event
	SendAudio(frame []byte) error
	ForceEndOfTurn() error
	UpdateConfig(params provider.EndpointingParams) error
	Close() error
}

// EventPublisher publishes transcript events downstream.
type EventPublisher interface {
	PublishPartial(ctx context.Context, sessionID string, event any) error
	PublishFinal(ctx context.Context, sessionID string, event any) error
}

const outboundBuffer = 64

// Session relays audio from one client connection to the provider and
// turn events back, assembling the speaker-labeled transcript as it goes.
// One goroutine runs Run; the websocket read loop calls HandleCommand.
type Session struct {
	id        string
	principal string

	provider  ProviderClient
	assembler *transcript.Assembler
	publisher EventPublisher

	lifecycle *Lifecycle

	out  chan protocol.ServerMessage
	done chan struct{}

	endOnce sync.Once

	mu           sync.Mutex
	createdAt    time.Time
	segmentStart time.Time
	recordedFor  time.Duration

	log zerolog.Logger
	m   *metrics.Metrics
}

// New creates a session around an established-but-not-yet-connected
// provider client.
func New(id, principal string, pc ProviderClient, pub EventPublisher) *Session {
	return &Session{
		id:        id,
		principal: principal,
		provider:  pc,
		assembler: transcript.NewAssembler(),
		publisher: pub,
		lifecycle: NewLifecycle(),
		out:       make(chan protocol.ServerMessage, outboundBuffer),
		done:      make(chan struct{}),
		createdAt: time.Now(),
		log:       logging.WithSession(id),
		m:         metrics.DefaultMetrics,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Out returns the client-bound message channel. It is never closed;
// consumers select against Done.
func (s *Session) Out() <-chan protocol.ServerMessage {
	return s.out
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.lifecycle.State()
}

// Run connects to the provider and drains its event stream until the
// session ends. It blocks; callers run it in its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	s.m.RecordSessionStart()
	defer s.End()

	if err := s.lifecycle.Connecting(); err != nil {
		return err
	}

	providerSessionID, err := s.provider.Connect(ctx)
	if err != nil {
		reason, msg := classifyConnectError(err)
		s.log.Error().Err(err).Str("reason", reason).Msg("Provider connection failed")
		s.m.RecordSessionFailed(reason)
		s.send(protocol.ErrorMessage(msg))
		return err
	}

	if err := s.lifecycle.ProviderReady(); err != nil {
		// Session was torn down while the connection was in flight.
		return err
	}

	s.log.Info().Str("providerSessionId", providerSessionID).Msg("Session ready")
	s.send(protocol.Ready(s.id))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case ev, ok := <-s.provider.Events():
			if !ok {
				if s.lifecycle.State() != StateEnded {
					s.send(protocol.WarningMessage("transcription provider disconnected"))
					s.End()
				}
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

// classifyConnectError maps a provider connection failure to a metrics
// reason and the single client-facing error text.
func classifyConnectError(err error) (reason, message string) {
	switch {
	case errors.Is(err, provider.ErrNoCredential):
		return "config", "transcription unavailable: service credentials not configured"
	case errors.Is(err, provider.ErrAuthRejected):
		return "auth", "transcription unavailable: provider rejected credentials"
	case errors.Is(err, provider.ErrConnectTimeout):
		return "timeout", "transcription unavailable: provider connection timed out"
	default:
		return "transport", "transcription unavailable: could not reach provider"
	}
}

func (s *Session) handleEvent(ctx context.Context, ev provider.Event) {
	if s.lifecycle.State() == StateEnded {
		// In-flight events for an ended session are dropped.
		return
	}

	switch ev.Kind {
	case provider.EventTurn:
		if ev.Turn != nil {
			s.handleTurn(ctx, *ev.Turn)
		}

	case provider.EventDisconnected, provider.EventEnded:
		s.log.Warn().Str("reason", ev.Reason).Msg("Provider connection lost")
		s.send(protocol.WarningMessage("transcription provider disconnected"))
		s.End()

	case provider.EventError:
		s.log.Warn().Err(ev.Err).Msg("Provider stream error")
		s.send(protocol.InfoMessage("transcription provider reported a recoverable error"))
	}
}

func (s *Session) handleTurn(ctx context.Context, turn provider.TurnEvent) {
	up := s.assembler.Apply(turn)
	if up.Duplicate {
		s.m.RecordDuplicateTurn()
		s.log.Debug().Int("turnOrder", up.TurnOrder).Msg("Duplicate final turn ignored")
		return
	}

	now := time.Now()
	s.send(protocol.TranscriptionMessage(protocol.Transcription{
		Text:           up.Text,
		FullTranscript: up.FullTranscript,
		Confidence:     up.Confidence,
		Speaker:        up.Speaker,
		IsFinal:        up.IsFinal,
		TurnOrder:      up.TurnOrder,
		EndOfTurn:      up.EndOfTurn,
		IsFormatted:    up.IsFormatted,
	}, now))

	if !up.IsFinal {
		s.m.RecordPartial()
		s.publishPartial(ctx, up, now)
		return
	}

	s.m.RecordTurnFinalized()
	s.publishFinal(ctx, up, now)
}

func (s *Session) publishPartial(ctx context.Context, up transcript.Update, ts time.Time) {
	if s.publisher == nil {
		return
	}
	event := models.TranscriptPartial{
		EventType: "meeting.transcript.partial",
		SessionID: s.id,
		Principal: s.principal,
		Timestamp: ts.UnixMilli(),
		TurnOrder: up.TurnOrder,
		Text:      up.Text,
	}
	if err := s.publisher.PublishPartial(ctx, s.id, event); err != nil {
		s.log.Warn().Err(err).Msg("Partial transcript publish failed")
	}
}

func (s *Session) publishFinal(ctx context.Context, up transcript.Update, ts time.Time) {
	if s.publisher == nil {
		return
	}
	event := models.TranscriptFinal{
		EventType:  "meeting.transcript.final",
		SessionID:  s.id,
		Principal:  s.principal,
		Timestamp:  ts.UnixMilli(),
		TurnOrder:  up.TurnOrder,
		Speaker:    up.Speaker,
		Text:       up.Text,
		Confidence: up.Confidence,
	}
	if err := s.publisher.PublishFinal(ctx, s.id, event); err != nil {
		s.log.Warn().Err(err).Msg("Final transcript publish failed")
	}
}

// HandleCommand applies one decoded client command. Malformed input and
// out-of-state control commands are reported and never end the session.
func (s *Session) HandleCommand(cmd protocol.Command) {
	if cmd.Type == protocol.CmdUnrecognized {
		s.m.RecordMalformedCommand()
		if errors.Is(cmd.Err, protocol.ErrBadAudioPayload) {
			s.m.RecordAudioRejected()
		}
		s.log.Warn().Err(cmd.Err).Msg("Malformed client message")
		s.send(protocol.ErrorMessage("unrecognized message: " + cmd.Err.Error()))
		return
	}

	s.m.RecordCommand(string(cmd.Type))

	switch cmd.Type {
	case protocol.CmdAudioChunk:
		s.handleAudio(cmd.Audio)

	case protocol.CmdStartRecording:
		if err := s.lifecycle.StartRecording(); err != nil {
			s.send(protocol.WarningMessage("cannot start recording: " + err.Error()))
			return
		}
		now := time.Now()
		s.mu.Lock()
		s.segmentStart = now
		s.mu.Unlock()
		s.log.Info().Msg("Recording started")
		s.send(protocol.RecordingStarted(now))

	case protocol.CmdPauseRecording:
		if err := s.lifecycle.Pause(); err != nil {
			s.send(protocol.WarningMessage("cannot pause: " + err.Error()))
			return
		}
		s.accumulateSegment()
		s.log.Info().Msg("Recording paused")
		s.send(protocol.RecordingPaused())

	case protocol.CmdResumeRecording:
		if err := s.lifecycle.Resume(); err != nil {
			s.send(protocol.WarningMessage("cannot resume: " + err.Error()))
			return
		}
		s.mu.Lock()
		s.segmentStart = time.Now()
		s.mu.Unlock()
		s.log.Info().Msg("Recording resumed")
		s.send(protocol.RecordingResumed())

	case protocol.CmdStopRecording:
		// Remember whether audio was flowing before the transition.
		wasRecording := s.lifecycle.State() == StateRecording
		if err := s.lifecycle.StopRecording(); err != nil {
			s.send(protocol.WarningMessage("cannot stop recording: " + err.Error()))
			return
		}
		if wasRecording {
			s.accumulateSegment()
		}
		duration := s.recordedDuration()
		s.log.Info().Float64("durationSeconds", duration).Msg("Recording stopped")
		s.send(protocol.RecordingStopped(s.assembler.FullTranscript(), duration))

	case protocol.CmdForceEndOfTurn:
		// Valid while paused too: the provider connection stays open and
		// may still hold an unfinalized turn.
		if st := s.lifecycle.State(); st != StateRecording && st != StatePaused {
			s.send(protocol.WarningMessage("cannot force end of turn: " + ErrNotRecording.Error()))
			return
		}
		if err := s.provider.ForceEndOfTurn(); err != nil {
			s.log.Warn().Err(err).Msg("Force end of turn failed")
		}
	}
}

func (s *Session) handleAudio(frame []byte) {
	st := s.lifecycle.State()
	if st != StateRecording {
		// Audio outside an active recording is silently discarded.
		s.m.RecordAudioDiscarded(st.String())
		return
	}

	if err := s.provider.SendAudio(frame); err != nil {
		// A failed relay is not fatal; the read side notices real
		// connection loss and ends the session.
		s.log.Warn().Err(err).Int("bytes", len(frame)).Msg("Audio relay failed")
		s.m.RecordAudioDiscarded("send_failure")
		return
	}
	s.m.RecordAudioForwarded(len(frame))
}

// UpdateEndpointing forwards endpointing threshold changes to the provider.
func (s *Session) UpdateEndpointing(params provider.EndpointingParams) error {
	return s.provider.UpdateConfig(params)
}

func (s *Session) accumulateSegment() {
	now := time.Now()
	s.mu.Lock()
	if !s.segmentStart.IsZero() {
		s.recordedFor += now.Sub(s.segmentStart)
		s.segmentStart = time.Time{}
	}
	s.mu.Unlock()
}

func (s *Session) recordedDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.recordedFor
	if !s.segmentStart.IsZero() {
		total += time.Since(s.segmentStart)
	}
	return total.Seconds()
}

// send queues a client-bound message without blocking. A client that has
// stopped draining loses messages rather than stalling the session.
func (s *Session) send(msg protocol.ServerMessage) {
	select {
	case s.out <- msg:
	default:
		s.log.Debug().Str("type", msg.Type).Msg("Outbound message dropped, client not draining")
	}
}

// End terminates the session. Idempotent; safe to call from the command
// path, the event path, and connection teardown concurrently.
func (s *Session) End() {
	s.endOnce.Do(func() {
		if s.lifecycle.State() == StateRecording {
			s.accumulateSegment()
		}
		s.lifecycle.End()
		close(s.done)

		// Close may block on the network; do not hold up teardown.
		go s.provider.Close()

		s.m.RecordSessionEnd(time.Since(s.createdAt).Seconds())
		if n := s.assembler.SpeakerCount(); n > 0 {
			s.m.SpeakersIdentified.Observe(float64(n))
		}
		s.log.Info().
			Float64("sessionSeconds", time.Since(s.createdAt).Seconds()).
			Int("finalizedBlocks", len(s.assembler.Blocks())).
			Msg("Session ended")
	})
}
