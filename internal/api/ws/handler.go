// Package ws hosts the client-facing websocket endpoint. Each accepted
// connection owns exactly one transcription session.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"live-transcribe-service/internal/protocol"
	"live-transcribe-service/internal/service/session"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20 // generous bound for base64 audio chunks
)

// Handler upgrades client connections and runs their sessions.
type Handler struct {
	registry    *session.Registry
	publisher   session.EventPublisher
	newProvider func() session.ProviderClient
	principal   string
	upgrader    websocket.Upgrader
}

// NewHandler creates the websocket handler. newProvider builds a fresh
// provider connection per session.
func NewHandler(registry *session.Registry, publisher session.EventPublisher, principal string, newProvider func() session.ProviderClient) *Handler {
	return &Handler{
		registry:    registry,
		publisher:   publisher,
		newProvider: newProvider,
		principal:   principal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; auth is
			// handled upstream at the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the session until either
// side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	sess := session.New(session.NewID(), h.principal, h.newProvider(), h.publisher)
	h.registry.Add(sess)

	slog := log.With().Str("sessionId", sess.ID()).Str("remote", r.RemoteAddr).Logger()
	slog.Info().Msg("Client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		sess.End()
		h.registry.Remove(sess.ID())
		conn.Close()
		slog.Info().Msg("Client disconnected")
	}()

	go sess.Run(ctx)
	go h.writeLoop(conn, sess, &slog)

	conn.SetReadLimit(maxFrameSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn().Err(err).Msg("Client read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			// The client protocol is JSON text only.
			sess.HandleCommand(protocol.Command{
				Type: protocol.CmdUnrecognized,
				Err:  protocol.ErrBadEnvelope,
			})
			continue
		}
		sess.HandleCommand(protocol.DecodeCommand(data))
	}
}

// writeLoop is the single writer for the connection. It drains the
// session's outbound messages, keeps the connection alive with pings,
// and closes the socket when the session ends.
func (h *Handler) writeLoop(conn *websocket.Conn, sess *session.Session, slog *zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sess.Out():
			payload, err := msg.Encode()
			if err != nil {
				slog.Error().Err(err).Str("type", msg.Type).Msg("Outbound message encode failed")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug().Err(err).Msg("Client write failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sess.Done():
			// Flush anything already queued before closing.
			for {
				select {
				case msg := <-sess.Out():
					if payload, err := msg.Encode(); err == nil {
						conn.SetWriteDeadline(time.Now().Add(writeWait))
						conn.WriteMessage(websocket.TextMessage, payload)
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
					return
				}
			}
		}
	}
}
