// Package sigclient is the client side of the relay's websocket signaling
// endpoint. It keeps the connection alive with pings and surfaces incoming
// messages on a channel that closes when the transport drops.
package sigclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eduease/call-relay/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Options configures a Dial.
type Options struct {
	// URL is the full websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Token, when set, is presented as a Bearer credential.
	Token  string
	Logger *slog.Logger
}

// Client is a connected signaling session. It satisfies the call package's
// Signaler contract.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	incoming chan protocol.Message
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects and starts the read and keepalive pumps.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", opts.URL, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		log:      log,
		conn:     conn,
		incoming: make(chan protocol.Message, 16),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.pinger()
	return c, nil
}

// Send writes one message. An error means the connection is no longer usable.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Incoming delivers relay messages in arrival order. The channel closes when
// the connection drops or Close is called.
func (c *Client) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readPump() {
	defer close(c.incoming)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("signaling read failed", "err", err)
			}
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("dropping unparseable signaling message", "err", err)
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pinger() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
