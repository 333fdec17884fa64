package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/observability/metrics"
)

// Connection errors surfaced to the session layer.
var (
	// ErrNoCredential - no provider API key configured. Fatal to session creation.
	ErrNoCredential = errors.New("no provider credential configured")
	// ErrAuthRejected - the provider rejected the credential or token.
	ErrAuthRejected = errors.New("provider rejected credentials")
	// ErrConnectTimeout - no session acknowledgement within the configured window.
	ErrConnectTimeout = errors.New("timed out waiting for provider session acknowledgement")
)

const writeTimeout = 5 * time.Second

// Config holds everything needed to open one provider connection.
type Config struct {
	APIKey    string
	TokenURL  string
	StreamURL string

	SampleRateHz int
	Encoding     string

	ConnectTimeout   time.Duration
	ExpectedSpeakers int

	EndOfTurnConfidence float64
	MinEndOfTurnSilence time.Duration
	MaxTurnSilence      time.Duration
}

// Client maintains one outbound streaming connection to the recognition
// provider for the lifetime of a session. It is not reusable: a client
// whose connection has closed or errored stays terminal.
type Client struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer

	state *connState

	writeMu sync.Mutex
	conn    *websocket.Conn

	events chan Event
	began  chan string
	done   chan struct{}

	closeOnce sync.Once

	log zerolog.Logger
	m   *metrics.Metrics
}

// New creates a provider client. No I/O happens until Connect.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:      newConnState(),
		events:     make(chan Event, 64),
		began:      make(chan string, 1),
		done:       make(chan struct{}),
		log:        logging.WithComponent("provider"),
		m:          metrics.DefaultMetrics,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.State()
}

// Events returns the outbound event channel. It is closed when the
// connection's read loop exits.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect fetches a short-lived token with the configured credential,
// opens the streaming connection, and waits for the provider's session
// acknowledgement. It returns the provider-assigned session id.
func (c *Client) Connect(ctx context.Context) (string, error) {
	if err := c.state.ToConnecting(); err != nil {
		return "", err
	}

	if strings.TrimSpace(c.cfg.APIKey) == "" {
		c.state.ToError()
		c.m.RecordProviderConnectError("config")
		return "", ErrNoCredential
	}

	start := time.Now()

	token, err := c.fetchToken(ctx)
	if err != nil {
		c.state.ToError()
		if errors.Is(err, ErrAuthRejected) {
			c.m.RecordProviderConnectError("auth")
		} else {
			c.m.RecordProviderConnectError("token")
		}
		return "", err
	}

	streamURL, err := c.buildStreamURL(token)
	if err != nil {
		c.state.ToError()
		c.m.RecordProviderConnectError("config")
		return "", err
	}

	conn, resp, err := c.dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		c.state.ToError()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.m.RecordProviderConnectError("auth")
			return "", fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
		}
		c.m.RecordProviderConnectError("transport")
		return "", fmt.Errorf("provider dial: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)

	select {
	case providerSessionID := <-c.began:
		if err := c.state.ToReady(); err != nil {
			// Close raced the handshake; do not leave the transport open.
			conn.Close()
			return "", err
		}
		c.m.RecordProviderConnect(time.Since(start).Seconds())
		c.log.Info().
			Str("providerSessionId", providerSessionID).
			Dur("connectTime", time.Since(start)).
			Msg("Provider session acknowledged")
		return providerSessionID, nil

	case <-c.done:
		conn.Close()
		return "", ErrConnClosed

	case <-time.After(c.cfg.ConnectTimeout):
		c.state.ToError()
		c.m.RecordProviderConnectError("timeout")
		conn.Close()
		return "", ErrConnectTimeout

	case <-ctx.Done():
		c.state.ToError()
		c.m.RecordProviderConnectError("canceled")
		conn.Close()
		return "", ctx.Err()
	}
}

// fetchToken exchanges the long-lived credential for a short-lived
// streaming token.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	tokenURL := c.cfg.TokenURL + "?expires_in_seconds=60"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("Authorization", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token fetch: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token decode: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthRejected)
	}
	return body.Token, nil
}

func (c *Client) buildStreamURL(token string) (string, error) {
	u, err := url.Parse(c.cfg.StreamURL)
	if err != nil {
		return "", fmt.Errorf("parse stream URL: %w", err)
	}

	q := u.Query()
	q.Set("token", token)
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRateHz))
	q.Set("encoding", c.cfg.Encoding)
	q.Set("speaker_labels", "true")
	if c.cfg.ExpectedSpeakers > 0 {
		q.Set("speakers_expected", strconv.Itoa(c.cfg.ExpectedSpeakers))
	}
	if c.cfg.EndOfTurnConfidence > 0 {
		q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(c.cfg.EndOfTurnConfidence, 'f', -1, 64))
	}
	if c.cfg.MinEndOfTurnSilence > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.FormatInt(c.cfg.MinEndOfTurnSilence.Milliseconds(), 10))
	}
	if c.cfg.MaxTurnSilence > 0 {
		q.Set("max_turn_silence", strconv.FormatInt(c.cfg.MaxTurnSilence.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// readLoop decodes inbound provider messages and emits typed events.
// It owns the events channel and closes it on exit.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.events)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if st := c.state.State(); st == StateClosing || st == StateClosed {
				c.state.ToClosed()
				return
			}
			if c.state.ToError() {
				c.m.RecordProviderDisconnect()
				c.log.Warn().Err(err).Msg("Provider connection dropped")
				c.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
			}
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("Undecodable provider message skipped")
			continue
		}

		switch env.Type {
		case "Begin":
			var begin wireBegin
			if err := json.Unmarshal(data, &begin); err != nil {
				c.log.Warn().Err(err).Msg("Bad Begin message")
				continue
			}
			select {
			case c.began <- begin.ID:
			default:
			}

		case "Turn":
			var turn TurnEvent
			if err := json.Unmarshal(data, &turn); err != nil {
				c.log.Warn().Err(err).Msg("Bad Turn message skipped")
				continue
			}
			c.emit(Event{Kind: EventTurn, Turn: &turn})

		case "Termination":
			var term wireTermination
			if err := json.Unmarshal(data, &term); err == nil {
				c.log.Info().
					Float64("audioDurationSeconds", term.AudioDurationSeconds).
					Float64("sessionDurationSeconds", term.SessionDurationSeconds).
					Msg("Provider session terminated")
			}
			st := c.state.State()
			c.state.ToClosed()
			if st != StateClosing && st != StateClosed {
				// Provider-initiated termination while we considered the
				// connection live: the owner must be told.
				c.emit(Event{Kind: EventEnded, Reason: "provider terminated session"})
			}
			return

		default:
			c.log.Debug().Str("type", env.Type).Msg("Unknown provider message type skipped")
		}
	}
}

// emit delivers an event to the owner. While the connection is live the
// delivery blocks so a slow consumer never loses a finalized turn; once
// Close has run the owner is gone and the event is dropped instead.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
		c.log.Debug().Int("kind", int(ev.Kind)).Msg("Provider event dropped, session closed")
	}
}

// SendAudio forwards one PCM frame as a binary message. It is a logged
// no-op unless the connection is acknowledged-open; audio is never
// buffered for later replay.
func (c *Client) SendAudio(frame []byte) error {
	if c.state.State() != StateReady {
		c.log.Debug().Int("bytes", len(frame)).Msg("Audio dropped, provider connection not ready")
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// ForceEndOfTurn asks the provider to finalize the current turn
// immediately, independent of its silence-based endpointing.
func (c *Client) ForceEndOfTurn() error {
	return c.writeControl(wireForceEndpoint{Type: "ForceEndpoint"})
}

// UpdateConfig adjusts endpointing thresholds without reconnecting.
func (c *Client) UpdateConfig(params EndpointingParams) error {
	payload, err := encodeUpdateConfiguration(params)
	if err != nil {
		return err
	}
	return c.writeRaw(payload)
}

func (c *Client) writeControl(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeRaw(payload)
}

func (c *Client) writeRaw(payload []byte) error {
	if c.state.State() != StateReady {
		return fmt.Errorf("%w: state=%s", ErrConnClosed, c.state.State())
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrConnClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a graceful termination message and closes the transport.
// Idempotent and safe from any state.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		wasLive := c.state.ToClosing()

		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()

		if conn != nil {
			if wasLive {
				payload, _ := json.Marshal(wireTerminate{Type: "Terminate"})
				c.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.TextMessage, payload)
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.writeMu.Unlock()
			}
			conn.Close()
		}
		c.state.ToClosed()
	})
	return nil
}
