// Package gateway terminates signaling WebSocket connections and bridges
// them onto the room registry.
//
// Each connection runs two goroutines: the HTTP handler goroutine owns all
// reads, and a write pump owns all writes (gorilla/websocket permits at most
// one concurrent reader and one concurrent writer). Registry deliveries are
// handed to the write pump through a buffered channel; a participant that
// stops draining it loses messages rather than stalling its peer.
package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eduease/call-relay/internal/config"
	"github.com/eduease/call-relay/internal/identity"
	"github.com/eduease/call-relay/internal/metrics"
	"github.com/eduease/call-relay/internal/origin"
	"github.com/eduease/call-relay/internal/protocol"
	"github.com/eduease/call-relay/internal/ratelimit"
	"github.com/eduease/call-relay/internal/room"
)

const (
	wsWriteWait = 1 * time.Second
	sendBuffer  = 32
)

type Gateway struct {
	log      *slog.Logger
	cfg      config.Config
	metrics  *metrics.Metrics
	registry *room.Registry
	resolver identity.Resolver
	upgrader websocket.Upgrader
}

func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, registry *room.Registry) (*Gateway, error) {
	resolver, err := identity.NewResolver(cfg)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		log:      logger,
		cfg:      cfg,
		metrics:  m,
		registry: registry,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			CheckOrigin: origin.NewChecker(cfg.AllowedOrigins).CheckRequest,
		},
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participantID, err := g.resolver.Resolve(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, identity.ErrMissingCredentials) {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	g.metrics.Inc(metrics.ConnectionsOpened)
	defer g.metrics.Inc(metrics.ConnectionsClosed)

	c := &conn{
		gw:            g,
		ws:            ws,
		participantID: participantID,
		send:          make(chan protocol.Message, sendBuffer),
		done:          make(chan struct{}),
	}
	g.log.Debug("signaling connection opened", "participant_id", participantID, "remote_addr", r.RemoteAddr)

	go c.writePump()
	c.readLoop()
	c.teardown()
}

// conn is one participant's signaling connection. readLoop and all fields it
// touches (roomID in particular) run on a single goroutine; Send may be
// called from any room goroutine.
type conn struct {
	gw            *Gateway
	ws            *websocket.Conn
	participantID string

	// roomID is the room this connection currently holds a slot in, empty
	// when not joined. Only the read loop mutates it.
	roomID string

	send chan protocol.Message
	done chan struct{}
}

// Send implements room.Channel. It never blocks: when the outbound buffer is
// full or the connection is closing, the message is dropped and Send reports
// false.
func (c *conn) Send(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) readLoop() {
	cfg := c.gw.cfg

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(cfg.MaxSignalingMessagesPerSecond),
		int64(cfg.MaxSignalingMessagesPerSecond),
	)

	resetIdleDeadline := func() {
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
	}
	resetIdleDeadline()
	c.ws.SetPongHandler(func(string) error {
		resetIdleDeadline()
		return nil
	})

	for {
		msgType, msgReader, err := c.ws.NextReader()
		if err != nil {
			return
		}
		resetIdleDeadline()

		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(1) {
			c.gw.metrics.Inc(metrics.RateLimitedFrames)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		raw, err := readLimited(msgReader, cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.writeClose(websocket.CloseMessageTooBig, "message too large")
				return
			}
			c.writeClose(websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		msg, err := protocol.Parse(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) {
				c.gw.metrics.Inc(metrics.UnknownMessageKinds)
				c.gw.log.Warn("dropping message of unknown kind", "participant_id", c.participantID)
				continue
			}
			c.gw.metrics.Inc(metrics.MalformedMessages)
			c.Send(protocol.ErrorMessage(protocol.ErrorCodeMalformed, "malformed message"))
			continue
		}

		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg protocol.Message) {
	switch {
	case msg.Kind == protocol.KindJoin:
		c.handleJoin(msg)
	case msg.Kind.Relayable():
		c.handleRelay(msg)
	case msg.Kind == protocol.KindLeave:
		c.handleLeave(msg)
	default:
		// Valid wire kinds that only ever flow server-to-client (peerJoined,
		// peerLeft, roomFull, roomNotFound, error).
		c.gw.metrics.Inc(metrics.UnknownMessageKinds)
		c.gw.log.Warn("dropping server-to-client kind sent by client",
			"participant_id", c.participantID, "kind", msg.Kind)
	}
}

func (c *conn) handleJoin(msg protocol.Message) {
	// Unbound (anonymous) connections adopt the id claimed in the first join.
	// After that, and always under token auth, the id is fixed.
	if c.participantID == "" {
		c.participantID = msg.ParticipantID
	} else if msg.ParticipantID != c.participantID {
		c.Send(protocol.ErrorMessage(protocol.ErrorCodeMalformed, "participantId does not match connection identity"))
		return
	}
	if c.roomID != "" && c.roomID != msg.RoomID {
		c.Send(protocol.ErrorMessage(protocol.ErrorCodeRoomChanged, "already joined to a different room"))
		return
	}

	role, outcome := c.gw.registry.Join(msg.RoomID, c.participantID, c)
	switch outcome {
	case room.JoinAdmitted:
		c.roomID = msg.RoomID
		c.gw.log.Debug("join admitted", "participant_id", c.participantID, "room_id", msg.RoomID, "role", role)
	case room.JoinAlreadyInRoom:
		// Repeated join is an idempotent no-op.
		c.roomID = msg.RoomID
	case room.JoinFull:
		c.Send(protocol.Message{Kind: protocol.KindRoomFull})
	case room.JoinCapacityExceeded:
		c.Send(protocol.ErrorMessage(protocol.ErrorCodeTooManyRooms, "room capacity exceeded, try again later"))
	}
}

func (c *conn) handleRelay(msg protocol.Message) {
	if c.roomID == "" || msg.RoomID != c.roomID {
		c.Send(protocol.Message{Kind: protocol.KindRoomNotFound})
		return
	}

	switch c.gw.registry.Relay(c.roomID, c.participantID, msg) {
	case room.RelayDelivered:
	case room.RelayPeerAbsent:
		// Sole occupant; negotiation traffic has nowhere to go.
		c.gw.log.Debug("dropping relay with no peer present",
			"participant_id", c.participantID, "room_id", c.roomID, "kind", msg.Kind)
	case room.RelayNotMember:
		c.Send(protocol.Message{Kind: protocol.KindRoomNotFound})
	}
}

func (c *conn) handleLeave(msg protocol.Message) {
	if c.roomID == "" || (msg.RoomID != "" && msg.RoomID != c.roomID) {
		// Leaving a room this connection is not in is a no-op.
		return
	}
	c.gw.registry.Leave(c.roomID, c.participantID)
	c.roomID = ""
}

// teardown runs after the read loop exits for any reason. A transport drop
// is treated exactly like an explicit leave.
func (c *conn) teardown() {
	if c.roomID != "" {
		c.gw.registry.Leave(c.roomID, c.participantID)
		c.roomID = ""
	}
	close(c.done)
	_ = c.ws.Close()
	c.gw.log.Debug("signaling connection closed", "participant_id", c.participantID)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.cfg.SignalingWSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			payload, err := protocol.Encode(msg)
			if err != nil {
				c.gw.log.Error("failed to encode outbound message", "err", err, "kind", msg.Kind)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Drain anything the registry managed to enqueue before the close so
			// a peerLeft racing the disconnect still goes out best-effort.
			for {
				select {
				case msg := <-c.send:
					payload, err := protocol.Encode(msg)
					if err != nil {
						continue
					}
					_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
					_ = c.ws.WriteMessage(websocket.TextMessage, payload)
				default:
					return
				}
			}
		}
	}
}

func (c *conn) writeClose(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
