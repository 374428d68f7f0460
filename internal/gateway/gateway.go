// Package gateway accepts WebSocket connections, authenticates them and
// bridges their frames to the delivery engine.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/delivery"
	"github.com/eldtechnologies/relay/internal/identity"
	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/presence"
)

// Close codes sent when a connection is refused during authentication.
const (
	CloseNoCredential      websocket.StatusCode = 4002
	CloseInvalidCredential websocket.StatusCode = 4003
)

// CredentialField names the handshake header (and cookie) carrying the token.
const CredentialField = "jwt"

const defaultWriteTimeout = 10 * time.Second

// Options configures a Gateway.
type Options struct {
	OriginPatterns []string
	WriteTimeout   time.Duration

	// MaxFrameBytes bounds one inbound frame. A larger frame ends the
	// session with StatusMessageTooBig.
	MaxFrameBytes int64
}

// Gateway is the WebSocket endpoint. Each accepted connection moves through
// authenticating, active and closed; only active sessions are registered.
type Gateway struct {
	verifier identity.Verifier
	registry *presence.Registry
	engine   *delivery.Engine
	logger   zerolog.Logger
	opts     Options

	// cookieAuth is false when any origin may connect: a browser would
	// attach the cookie to a cross-site handshake.
	cookieAuth bool
}

// New creates a Gateway.
func New(verifier identity.Verifier, registry *presence.Registry, engine *delivery.Engine, logger zerolog.Logger, opts Options) *Gateway {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Gateway{
		verifier:   verifier,
		registry:   registry,
		engine:     engine,
		logger:     logger.With().Str("component", "gateway").Logger(),
		opts:       opts,
		cookieAuth: !allowsAnyOrigin(opts.OriginPatterns),
	}
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		g.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if g.opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(g.opts.MaxFrameBytes)
	}

	// Authenticating
	credential := g.credentialFrom(r)
	if credential == "" {
		metrics.SessionsRefused.WithLabelValues("no_credential").Inc()
		conn.Close(CloseNoCredential, "No JWT token")
		return
	}

	name, err := g.verifier.Verify(r.Context(), credential)
	if err != nil {
		reason := "rejected"
		if errors.Is(err, identity.ErrUnavailable) {
			reason = "unavailable"
			g.logger.Error().Err(err).Msg("identity verifier unavailable")
		} else {
			g.logger.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("credential rejected")
		}
		metrics.SessionsRefused.WithLabelValues(reason).Inc()
		conn.Close(CloseInvalidCredential, "Invalid JWT token")
		return
	}

	g.serve(r.Context(), conn, name)
}

// acceptOptions checks the Origin header against the configured patterns.
// With no patterns only same-host browser origins are accepted.
func (g *Gateway) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{
		OriginPatterns:     g.opts.OriginPatterns,
		InsecureSkipVerify: !g.cookieAuth,
	}
}

func allowsAnyOrigin(patterns []string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
	}
	return false
}

// credentialFrom reads the handshake header, falling back to the cookie
// browsers can attach to an upgrade request. The cookie is ignored while
// every origin is allowed.
func (g *Gateway) credentialFrom(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(CredentialField)); token != "" {
		return token
	}
	if !g.cookieAuth {
		return ""
	}
	if cookie, err := r.Cookie(CredentialField); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// serve runs an authenticated session: register, drain, then read frames.
func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, name string) {
	ctx, cancel := context.WithCancel(parent)
	sess := &session{
		id:           uuid.NewString(),
		identity:     name,
		conn:         conn,
		ctx:          ctx,
		writeTimeout: g.opts.WriteTimeout,
	}
	log := g.logger.With().Str("session", sess.id).Str("identity", name).Logger()

	if prev := g.registry.Register(name, sess); prev != nil {
		log.Info().Str("replaced", prev.ID()).Msg("identity reconnected, replacing registration")
	}
	metrics.ActiveSessions.Inc()
	log.Info().Msg("user connected")

	defer func() {
		cancel()
		if !g.registry.Unregister(name, sess) {
			log.Debug().Msg("registration already superseded")
		}
		metrics.ActiveSessions.Dec()
		conn.CloseNow()
	}()

	if n, err := g.engine.Drain(ctx, name, sess); err != nil {
		log.Warn().Err(err).Int("delivered", n).Msg("offline drain stopped early")
	} else if n > 0 {
		log.Info().Int("delivered", n).Msg("delivered queued messages")
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Info().Msg("user disconnected")
			} else {
				log.Info().Err(err).Msg("user disconnected due to error")
			}
			return
		}

		if typ != websocket.MessageText {
			metrics.MalformedFrames.Inc()
			log.Warn().Msg("discarding binary frame")
			continue
		}

		frame, err := parseFrame(data)
		if err != nil {
			metrics.MalformedFrames.Inc()
			log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}

		msg, err := g.engine.Deliver(ctx, name, frame.To, *frame.Message)
		if err != nil {
			log.Error().Err(err).Str("to", frame.To).Msg("message delivery failed")
			continue
		}
		log.Debug().Str("to", frame.To).Str("id", msg.ID).Msg("message accepted")
	}
}
