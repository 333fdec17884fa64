package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"live-transcribe-service/internal/protocol"
	"live-transcribe-service/internal/service/provider"
)

// fakeProvider is an in-memory stand-in for the streaming provider.
type fakeProvider struct {
	connectID  string
	connectErr error

	events chan provider.Event

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	forced  int
	updates []provider.EndpointingParams
	closed  bool

	closeOnce sync.Once
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		connectID: "prov-session-1",
		events:    make(chan provider.Event, 16),
	}
}

func (f *fakeProvider) Connect(ctx context.Context) (string, error) {
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return f.connectID, nil
}

func (f *fakeProvider) Events() <-chan provider.Event { return f.events }

func (f *fakeProvider) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeProvider) ForceEndOfTurn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	return nil
}

func (f *fakeProvider) UpdateConfig(params provider.EndpointingParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, params)
	return nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeProvider) sentFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// recordingPublisher captures published transcript events.
type recordingPublisher struct {
	mu       sync.Mutex
	partials []any
	finals   []any
}

func (p *recordingPublisher) PublishPartial(ctx context.Context, sessionID string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partials = append(p.partials, event)
	return nil
}

func (p *recordingPublisher) PublishFinal(ctx context.Context, sessionID string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finals = append(p.finals, event)
	return nil
}

func startSession(t *testing.T, fp *fakeProvider) (*Session, *recordingPublisher, context.CancelFunc) {
	t.Helper()

	pub := &recordingPublisher{}
	s := New(NewID(), "svc-test", fp, pub)
	ctx, cancel := context.WithCancel(context.Background())

	go s.Run(ctx)

	t.Cleanup(func() {
		cancel()
		s.End()
	})
	return s, pub, cancel
}

func waitMessage(t *testing.T, s *Session, msgType string) protocol.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-s.Out():
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q message", msgType)
		}
	}
}

func expectNoMessage(t *testing.T, s *Session, msgType string) {
	t.Helper()
	timer := time.After(200 * time.Millisecond)
	for {
		select {
		case msg := <-s.Out():
			if msg.Type == msgType {
				t.Fatalf("unexpected %q message: %+v", msgType, msg)
			}
		case <-timer:
			return
		}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck at %s", want, s.State())
}

func audioCommand(t *testing.T, pcm []byte) protocol.Command {
	t.Helper()
	raw := []byte(`{"type":"audio_chunk","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)
	cmd := protocol.DecodeCommand(raw)
	if cmd.Type != protocol.CmdAudioChunk {
		t.Fatalf("expected audio command, got %s (%v)", cmd.Type, cmd.Err)
	}
	return cmd
}

func TestSession_HappyPath(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)

	ready := waitMessage(t, s, "ready")
	if ready.SessionID != s.ID() {
		t.Errorf("ready carries wrong session id: %s", ready.SessionID)
	}
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	started := waitMessage(t, s, "recording_started")
	if started.Timestamp == "" {
		t.Error("recording_started must carry a timestamp")
	}

	s.HandleCommand(audioCommand(t, []byte{1, 2, 3, 4}))
	s.HandleCommand(audioCommand(t, []byte{5, 6}))
	if got := fp.sentFrames(); got != 2 {
		t.Errorf("expected 2 frames relayed, got %d", got)
	}

	fp.events <- provider.Event{Kind: provider.EventTurn, Turn: &provider.TurnEvent{
		TurnOrder: 0, Transcript: "hello wor",
	}}
	partial := waitMessage(t, s, "transcription")
	if partial.IsFinal == nil || *partial.IsFinal {
		t.Error("expected partial transcription")
	}

	fp.events <- provider.Event{Kind: provider.EventTurn, Turn: &provider.TurnEvent{
		TurnOrder: 0, Transcript: "hello world", EndOfTurn: true,
		Words: []provider.Word{
			{Text: "hello", Confidence: 0.9, Speaker: "1"},
			{Text: "world", Confidence: 0.9, Speaker: "1"},
		},
	}}
	final := waitMessage(t, s, "transcription")
	if final.IsFinal == nil || !*final.IsFinal {
		t.Fatal("expected final transcription")
	}
	if final.Speaker != "Speaker A" {
		t.Errorf("expected 'Speaker A', got %q", final.Speaker)
	}
	if final.TurnOrder == nil || *final.TurnOrder != 0 {
		t.Error("final transcription must carry its turn order")
	}

	s.HandleCommand(protocol.Command{Type: protocol.CmdStopRecording})
	stopped := waitMessage(t, s, "recording_stopped")
	if stopped.FinalTranscript != "Speaker A: hello world" {
		t.Errorf("unexpected final transcript: %q", stopped.FinalTranscript)
	}
	if stopped.Duration == nil {
		t.Error("recording_stopped must carry a duration, even zero")
	}
}

func TestSession_NoCredentialFailsOnce(t *testing.T) {
	fp := newFakeProvider()
	fp.connectErr = provider.ErrNoCredential
	s, _, _ := startSession(t, fp)

	errMsg := waitMessage(t, s, "error")
	if errMsg.Message == "" {
		t.Error("error message must explain the failure")
	}
	waitState(t, s, StateEnded)
	expectNoMessage(t, s, "error")
}

func TestSession_AuthRejected(t *testing.T) {
	fp := newFakeProvider()
	fp.connectErr = provider.ErrAuthRejected
	s, _, _ := startSession(t, fp)

	waitMessage(t, s, "error")
	waitState(t, s, StateEnded)
}

func TestSession_ConnectTimeout(t *testing.T) {
	fp := newFakeProvider()
	fp.connectErr = provider.ErrConnectTimeout
	s, _, _ := startSession(t, fp)

	waitMessage(t, s, "error")
	waitState(t, s, StateEnded)
}

func TestSession_DuplicateFinalTurnIgnored(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")

	final := provider.Event{Kind: provider.EventTurn, Turn: &provider.TurnEvent{
		TurnOrder: 0, Transcript: "only once", EndOfTurn: true,
	}}
	fp.events <- final
	waitMessage(t, s, "transcription")

	fp.events <- final
	expectNoMessage(t, s, "transcription")
}

func TestSession_PauseStopsRelay(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "recording_started")
	s.HandleCommand(audioCommand(t, []byte{1, 2}))

	s.HandleCommand(protocol.Command{Type: protocol.CmdPauseRecording})
	waitMessage(t, s, "recording_paused")
	s.HandleCommand(audioCommand(t, []byte{3, 4}))
	s.HandleCommand(audioCommand(t, []byte{5, 6}))
	if got := fp.sentFrames(); got != 1 {
		t.Errorf("paused audio must be discarded, %d frames relayed", got)
	}

	s.HandleCommand(protocol.Command{Type: protocol.CmdResumeRecording})
	waitMessage(t, s, "recording_resumed")
	s.HandleCommand(audioCommand(t, []byte{7, 8}))
	if got := fp.sentFrames(); got != 2 {
		t.Errorf("resumed audio must be relayed, got %d frames", got)
	}
}

func TestSession_ProviderDropEndsSession(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "recording_started")

	fp.events <- provider.Event{Kind: provider.EventDisconnected, Reason: "read: connection reset"}
	waitMessage(t, s, "warning")
	waitState(t, s, StateEnded)

	frames := fp.sentFrames()
	s.HandleCommand(audioCommand(t, []byte{1, 2}))
	if fp.sentFrames() != frames {
		t.Error("audio after session end must not be relayed")
	}
}

func TestSession_EventChannelCloseEndsSession(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")

	fp.closeOnce.Do(func() { close(fp.events) })
	waitMessage(t, s, "warning")
	waitState(t, s, StateEnded)
}

func TestSession_MalformedMessageIsNonFatal(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.DecodeCommand([]byte("this is not json")))
	errMsg := waitMessage(t, s, "error")
	if errMsg.Message == "" {
		t.Error("malformed input error must carry a reason")
	}

	// The session keeps working afterwards.
	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "recording_started")
}

func TestSession_ControlCommandsOutOfState(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	tests := []struct {
		name string
		cmd  protocol.CommandType
	}{
		{"pause before recording", protocol.CmdPauseRecording},
		{"resume before recording", protocol.CmdResumeRecording},
		{"stop before recording", protocol.CmdStopRecording},
		{"force end of turn before recording", protocol.CmdForceEndOfTurn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.HandleCommand(protocol.Command{Type: tt.cmd})
			waitMessage(t, s, "warning")
			if s.State() != StateReady {
				t.Errorf("session state changed to %s", s.State())
			}
		})
	}
}

func TestSession_DoubleStartWarns(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "recording_started")

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "warning")
	if s.State() != StateRecording {
		t.Errorf("double start must not disturb recording, state %s", s.State())
	}
}

func TestSession_ForceEndOfTurnForwarded(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "recording_started")

	s.HandleCommand(protocol.Command{Type: protocol.CmdForceEndOfTurn})
	fp.mu.Lock()
	forced := fp.forced
	fp.mu.Unlock()
	if forced != 1 {
		t.Errorf("expected 1 forced endpoint, got %d", forced)
	}
}

func TestSession_ForceEndOfTurnWhilePaused(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "recording_started")
	s.HandleCommand(protocol.Command{Type: protocol.CmdPauseRecording})
	waitMessage(t, s, "recording_paused")

	// The provider connection stays open while paused, so the turn can
	// still be finalized on request.
	s.HandleCommand(protocol.Command{Type: protocol.CmdForceEndOfTurn})
	fp.mu.Lock()
	forced := fp.forced
	fp.mu.Unlock()
	if forced != 1 {
		t.Errorf("expected forced endpoint while paused, got %d", forced)
	}
	if s.State() != StatePaused {
		t.Errorf("force end of turn must not disturb pause, state %s", s.State())
	}
}

func TestSession_TranscriptEventsPublished(t *testing.T) {
	fp := newFakeProvider()
	s, pub, _ := startSession(t, fp)
	waitMessage(t, s, "ready")

	fp.events <- provider.Event{Kind: provider.EventTurn, Turn: &provider.TurnEvent{
		TurnOrder: 0, Transcript: "partial tex",
	}}
	waitMessage(t, s, "transcription")

	fp.events <- provider.Event{Kind: provider.EventTurn, Turn: &provider.TurnEvent{
		TurnOrder: 0, Transcript: "partial text done", EndOfTurn: true,
	}}
	waitMessage(t, s, "transcription")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.partials) != 1 {
		t.Errorf("expected 1 partial event published, got %d", len(pub.partials))
	}
	if len(pub.finals) != 1 {
		t.Errorf("expected 1 final event published, got %d", len(pub.finals))
	}
}

func TestSession_SendFailureIsNonFatal(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")
	waitState(t, s, StateReady)

	s.HandleCommand(protocol.Command{Type: protocol.CmdStartRecording})
	waitMessage(t, s, "recording_started")

	fp.mu.Lock()
	fp.sendErr = errors.New("broken pipe")
	fp.mu.Unlock()

	s.HandleCommand(audioCommand(t, []byte{1, 2}))
	if s.State() != StateRecording {
		t.Errorf("send failure must not end the session, state %s", s.State())
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")

	s.End()
	s.End()
	s.End()

	waitState(t, s, StateEnded)
	select {
	case <-s.Done():
	default:
		t.Error("Done must be closed after End")
	}
}

func TestSession_EndClosesProvider(t *testing.T) {
	fp := newFakeProvider()
	s, _, _ := startSession(t, fp)
	waitMessage(t, s, "ready")

	s.End()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fp.mu.Lock()
		closed := fp.closed
		fp.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("provider connection not closed after session end")
}
