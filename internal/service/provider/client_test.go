package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeProvider simulates the recognition provider: a token endpoint and a
// websocket endpoint that speaks the Begin/Turn/Termination protocol.
type fakeProvider struct {
	server *httptest.Server

	tokenStatus int
	sendBegin   bool
	beginDelay  time.Duration
	script      []any // messages sent after Begin
	dropAfter   bool  // close the socket abruptly after the script

	gotAudio chan []byte
	gotText  chan []byte
	peerGone chan struct{} // closed when the provider-side handler exits
}

func newFakeProvider(t *testing.T) *fakeProvider {
	fp := &fakeProvider{
		tokenStatus: http.StatusOK,
		sendBegin:   true,
		gotAudio:    make(chan []byte, 16),
		gotText:     make(chan []byte, 16),
		peerGone:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if fp.tokenStatus != http.StatusOK {
			w.WriteHeader(fp.tokenStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "short-lived-token"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		defer close(fp.peerGone)
		if r.URL.Query().Get("token") != "short-lived-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		if fp.beginDelay > 0 {
			time.Sleep(fp.beginDelay)
		}
		if fp.sendBegin {
			conn.WriteJSON(map[string]any{"type": "Begin", "id": "prov-session-1", "expires_at": time.Now().Add(time.Hour).Unix()})
		}
		for _, msg := range fp.script {
			conn.WriteJSON(msg)
		}
		if fp.dropAfter {
			conn.Close()
			return
		}

		// Echo incoming frames to the capture channels until the peer goes away.
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.BinaryMessage:
				fp.gotAudio <- data
			case websocket.TextMessage:
				fp.gotText <- data
			}
		}
	})

	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakeProvider) clientConfig() Config {
	return Config{
		APIKey:         "long-lived-key",
		TokenURL:       fp.server.URL + "/token",
		StreamURL:      "ws" + strings.TrimPrefix(fp.server.URL, "http") + "/ws",
		SampleRateHz:   16000,
		Encoding:       "pcm_s16le",
		ConnectTimeout: 2 * time.Second,
	}
}

func TestClient_Connect_NoCredential(t *testing.T) {
	c := New(Config{APIKey: "", TokenURL: "http://unused", StreamURL: "ws://unused"})

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if c.State() != StateError {
		t.Errorf("expected ERROR state, got %s", c.State())
	}
}

func TestClient_Connect_AuthRejected(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenStatus = http.StatusUnauthorized

	c := New(fp.clientConfig())
	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestClient_Connect_TimeoutWithoutBegin(t *testing.T) {
	fp := newFakeProvider(t)
	fp.sendBegin = false

	cfg := fp.clientConfig()
	cfg.ConnectTimeout = 150 * time.Millisecond

	c := New(cfg)
	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if c.State() != StateError {
		t.Errorf("expected ERROR state, got %s", c.State())
	}
}

func TestClient_Connect_ReceivesSessionAck(t *testing.T) {
	fp := newFakeProvider(t)

	c := New(fp.clientConfig())
	id, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if id != "prov-session-1" {
		t.Errorf("expected provider session id 'prov-session-1', got %s", id)
	}
	if c.State() != StateReady {
		t.Errorf("expected READY state, got %s", c.State())
	}
}

func TestClient_TurnEventsDecoded(t *testing.T) {
	fp := newFakeProvider(t)
	fp.script = []any{
		map[string]any{
			"type": "Turn", "turn_order": 0, "transcript": "hello wor", "end_of_turn": false,
		},
		map[string]any{
			"type": "Turn", "turn_order": 0, "transcript": "hello world", "end_of_turn": true,
			"turn_is_formatted": true,
			"words": []map[string]any{
				{"text": "hello", "confidence": 0.9, "speaker": "1"},
				{"text": "world", "confidence": 0.8, "speaker": "1"},
			},
		},
	}

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	ev := waitEvent(t, c)
	if ev.Kind != EventTurn || ev.Turn == nil {
		t.Fatalf("expected first Turn event, got kind=%d", ev.Kind)
	}
	if ev.Turn.EndOfTurn || ev.Turn.Transcript != "hello wor" {
		t.Errorf("unexpected partial turn: %+v", ev.Turn)
	}

	ev = waitEvent(t, c)
	if ev.Kind != EventTurn || ev.Turn == nil {
		t.Fatalf("expected second Turn event, got kind=%d", ev.Kind)
	}
	if !ev.Turn.EndOfTurn || !ev.Turn.TurnIsFormatted {
		t.Errorf("expected final formatted turn, got %+v", ev.Turn)
	}
	if len(ev.Turn.Words) != 2 || ev.Turn.Words[0].Speaker != "1" {
		t.Errorf("unexpected words: %+v", ev.Turn.Words)
	}
}

func TestClient_UnknownMessagesSkipped(t *testing.T) {
	fp := newFakeProvider(t)
	fp.script = []any{
		map[string]any{"type": "SomethingNew"},
		map[string]any{"type": "Turn", "turn_order": 1, "transcript": "after unknown", "end_of_turn": true},
	}

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	ev := waitEvent(t, c)
	if ev.Kind != EventTurn || ev.Turn.Transcript != "after unknown" {
		t.Fatalf("expected Turn after unknown message, got %+v", ev)
	}
}

func TestClient_SendAudio_ForwardsWhenReady(t *testing.T) {
	fp := newFakeProvider(t)

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	frame := []byte{0x01, 0x02, 0x03, 0x04}
	if err := c.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	select {
	case got := <-fp.gotAudio:
		if len(got) != len(frame) {
			t.Errorf("expected %d bytes forwarded, got %d", len(frame), len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio frame never reached the provider")
	}
}

func TestClient_SendAudio_NoOpBeforeReady(t *testing.T) {
	c := New(Config{APIKey: "key", TokenURL: "http://unused", StreamURL: "ws://unused"})

	if err := c.SendAudio([]byte{0x01, 0x02}); err != nil {
		t.Errorf("SendAudio before connect should be a no-op, got %v", err)
	}
}

func TestClient_ForceEndOfTurn_SendsControlMessage(t *testing.T) {
	fp := newFakeProvider(t)

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if err := c.ForceEndOfTurn(); err != nil {
		t.Fatalf("ForceEndOfTurn failed: %v", err)
	}

	select {
	case raw := <-fp.gotText:
		var msg map[string]string
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad control message: %v", err)
		}
		if msg["type"] != "ForceEndpoint" {
			t.Errorf("expected ForceEndpoint, got %s", msg["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control message never reached the provider")
	}
}

func TestClient_UpdateConfig_SendsThresholds(t *testing.T) {
	fp := newFakeProvider(t)

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	conf := 0.85
	silence := 500
	if err := c.UpdateConfig(EndpointingParams{
		EndOfTurnConfidence:   &conf,
		MinEndOfTurnSilenceMs: &silence,
	}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	select {
	case raw := <-fp.gotText:
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad control message: %v", err)
		}
		if msg["type"] != "UpdateConfiguration" {
			t.Errorf("expected UpdateConfiguration, got %v", msg["type"])
		}
		if msg["end_of_turn_confidence_threshold"] != 0.85 {
			t.Errorf("expected threshold 0.85, got %v", msg["end_of_turn_confidence_threshold"])
		}
		if _, present := msg["max_turn_silence"]; present {
			t.Error("unset max_turn_silence should be omitted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control message never reached the provider")
	}
}

func TestClient_SlowConsumerLosesNoTurns(t *testing.T) {
	fp := newFakeProvider(t)
	const turns = 100
	for i := 0; i < turns; i++ {
		fp.script = append(fp.script, map[string]any{
			"type": "Turn", "turn_order": i, "transcript": "turn", "end_of_turn": true,
		})
	}

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	// Stall the consumer while the provider floods events, then drain.
	// Every final turn must still come through, in order.
	time.Sleep(300 * time.Millisecond)

	got := 0
	deadline := time.After(5 * time.Second)
	for got < turns {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed after %d of %d turns", got, turns)
			}
			if ev.Kind != EventTurn {
				continue
			}
			if ev.Turn.TurnOrder != got {
				t.Fatalf("turn %d arrived out of order as %d", ev.Turn.TurnOrder, got)
			}
			got++
		case <-deadline:
			t.Fatalf("received only %d of %d final turns", got, turns)
		}
	}
}

func TestClient_CloseDuringHandshakeReleasesConnection(t *testing.T) {
	fp := newFakeProvider(t)
	fp.beginDelay = 300 * time.Millisecond

	c := New(fp.clientConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Connect to fail after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}

	select {
	case <-fp.peerGone:
	case <-time.After(2 * time.Second):
		t.Fatal("provider-side connection left open after aborted handshake")
	}
}

func TestClient_ProviderDrop_EmitsDisconnected(t *testing.T) {
	fp := newFakeProvider(t)
	fp.dropAfter = true

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ev := waitEvent(t, c)
	if ev.Kind != EventDisconnected {
		t.Fatalf("expected EventDisconnected, got kind=%d", ev.Kind)
	}
	if c.State() != StateError {
		t.Errorf("expected ERROR state after drop, got %s", c.State())
	}
}

func TestClient_Close_Idempotent(t *testing.T) {
	fp := newFakeProvider(t)

	c := New(fp.clientConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("expected CLOSED state, got %s", c.State())
	}
}

func TestClient_Close_BeforeConnect(t *testing.T) {
	c := New(Config{APIKey: "key"})
	if err := c.Close(); err != nil {
		t.Errorf("Close before connect should succeed, got %v", err)
	}
}

func waitEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for provider event")
		return Event{}
	}
}
