package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer when not configured.
	defaultMaxMessageBytes = 64 * 1024
	defaultSendBuffer      = 256
)

var errClientGone = errors.New("client connection closed")

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			if origin == "" {
				return true
			}
			return originAllowed(origins, origin)
		},
	}
}

// client is the middleman between one websocket connection and its session
// actor. It implements session.Sink.
type client struct {
	conn   *websocket.Conn
	logger *zap.Logger
	// Buffered channel of outbound messages.
	send chan []byte

	quitOnce sync.Once
	// quit asks the writer to flush and end the connection normally.
	quit chan struct{}
	// gone is closed once the writer has exited.
	gone chan struct{}
}

func newClient(conn *websocket.Conn, buffer int, logger *zap.Logger) *client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &client{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, buffer),
		quit:   make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

// Send queues msg for the writer. It blocks while the buffer is full.
func (c *client) Send(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.quit:
		return errClientGone
	case <-c.gone:
		return errClientGone
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.quit:
		return errClientGone
	case <-c.gone:
		return errClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued messages and ends the connection with a normal close frame.
func (c *client) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// readPump pumps messages from the websocket connection to submit. It returns
// when the peer disconnects or submit refuses a message.
func (c *client) readPump(maxBytes int64, submit func([]byte) error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	c.conn.SetReadLimit(maxBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}
		if err := submit(message); err != nil {
			c.logger.Debug("Session no longer accepts messages, ending read loop.", zap.Error(err))
			return
		}
	}
}

// writePump pumps messages from the send buffer to the websocket connection.
// Each message goes out in its own text frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.gone)
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.logger.Debug("Websocket write failed.", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
			if err := c.conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
				c.logger.Debug("Could not send close frame.", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// flush writes whatever is still buffered before a normal close.
func (c *client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}
