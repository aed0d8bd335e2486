package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drivelink/callkit/shared"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pongTimeout      = 60 * time.Second
	pingPeriod       = 30 * time.Second
	outboundDepth    = 32
)

// Client is a relay connection over a websocket. One connection is one
// inbox: the socket is authenticated as a single user and every frame read
// from it is a delivery for that user. Outbound frames carry the target
// user ID; routing happens server-side.
//
// The client never reconnects. A dropped socket closes the inbox stream and
// the owner decides what to do, which matches the relay's no-guarantee
// delivery contract.
type Client struct {
	logger shared.LoggerAdapter
	selfID string
	conn   *websocket.Conn

	outbound chan []byte
	inbox    chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

var _ Channel = (*Client)(nil)

// Dial connects to the relay at rawURL, authenticating with a connection
// token previously obtained from FetchToken.
func Dial(ctx context.Context, logger shared.LoggerAdapter, rawURL, token, selfID string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if selfID == "" {
		return nil, fmt.Errorf("no self user ID provided")
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	c := &Client{
		logger:   logger.With(zap.String("user_id", selfID)),
		selfID:   selfID,
		conn:     conn,
		outbound: make(chan []byte, outboundDepth),
		inbox:    make(chan Envelope, inboxDepth),
		done:     make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	c.logger.Info("relay connected", zap.String("url", rawURL))
	return c, nil
}

func (c *Client) Publish(target string, data []byte) error {
	frame, err := sonic.Marshal(Envelope{From: c.selfID, To: target, Data: data})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	select {
	case <-c.done:
		return shared.ErrChannelClosed
	case c.outbound <- frame:
	default:
		// Fire-and-forget: a stalled socket is equivalent to an
		// unsubscribed target.
		c.logger.Warn("outbound queue full, dropping message", zap.String("target", target))
	}
	return nil
}

func (c *Client) Subscribe(userID string) (<-chan Envelope, func(), error) {
	if userID != c.selfID {
		return nil, nil, fmt.Errorf("connection is bound to %q, cannot subscribe as %q", c.selfID, userID)
	}
	select {
	case <-c.done:
		return nil, nil, shared.ErrChannelClosed
	default:
	}
	return c.inbox, c.Close, nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
		c.logger.Info("relay disconnected")
	})
}

func (c *Client) readPump() {
	defer close(c.inbox)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("relay read failed", zap.Error(err))
				}
			}
			c.Close()
			return
		}
		var env Envelope
		if err := sonic.Unmarshal(frame, &env); err != nil {
			c.logger.Warn("discarding malformed envelope", zap.Error(err))
			continue
		}
		select {
		case c.inbox <- env:
		default:
			c.logger.Warn("inbox full, dropping message", zap.String("from", env.From))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("relay write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
