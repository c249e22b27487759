package websocket

import (
	"context"
	"encoding/json"
	"time"

	"securechat/internal/registry"
	"securechat/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	inboundBuf = 16
)

// Client binds a websocket to a registry connection. ReadPump feeds raw
// frames into the inbound channel, Run dispatches them in order, and
// WritePump drains the connection's outbound queue.
type Client struct {
	ws         *websocket.Conn
	conn       *registry.Conn
	reg        *registry.Registry
	dispatcher *Dispatcher
	inbound    chan []byte
	maxFrame   int64
}

func NewClient(ws *websocket.Conn, conn *registry.Conn, reg *registry.Registry, dispatcher *Dispatcher, maxFrame int64) *Client {
	return &Client{
		ws:         ws,
		conn:       conn,
		reg:        reg,
		dispatcher: dispatcher,
		inbound:    make(chan []byte, inboundBuf),
		maxFrame:   maxFrame,
	}
}

// Serve starts the pumps and returns immediately.
func (c *Client) Serve(ctx context.Context) {
	go c.WritePump(ctx)
	go c.ReadPump(ctx)
	go c.Run(ctx)
}

func (c *Client) ReadPump(ctx context.Context) {
	defer close(c.inbound)

	if c.maxFrame > 0 {
		c.ws.SetReadLimit(c.maxFrame)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.reg.Touch(ctx, c.conn.ID)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error for %s: %v", c.conn.Identity, err)
			}
			return
		}

		select {
		case c.inbound <- message:
		case <-c.conn.Done():
			return
		}
	}
}

// Run dispatches inbound frames one at a time and disconnects the
// registry connection once the reader stops.
func (c *Client) Run(ctx context.Context) {
	defer c.reg.Disconnect(context.WithoutCancel(ctx), c.conn.ID)

	for raw := range c.inbound {
		c.dispatcher.HandleFrame(ctx, c.conn, raw)
	}
}

// WritePump also closes the connection when ctx is cancelled.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.conn.Outbound():
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("Error marshaling %s: %v", ev.Type, err)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("Write error for %s: %v", c.conn.Identity, err)
				c.conn.Close()
				return
			}

		case <-c.conn.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ctx.Done():
			c.conn.Close()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
