package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientQueueLen = 32
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxReadSize    = 512
)

type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	dropped   atomic.Int64
}

func newClient(id string, conn *websocket.Conn, hub *Hub) *client {
	return &client{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan []byte, clientQueueLen),
		done: make(chan struct{}),
	}
}

// enqueue never blocks; a full queue drops the message.
func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		if c.dropped.Add(1) == 1 {
			c.hub.log.Warn("client falling behind, dropping events", "client", c.id)
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump discards client messages and notices disconnects.
func (c *client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Debug("client write error", "client", c.id, "error", err)
				c.hub.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
