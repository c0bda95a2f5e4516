package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 32
)

// Client pumps one websocket connection. Reads go to onMessage; writes are
// queued through enqueue so the hub never blocks on a slow participant.
type Client struct {
	conn  *websocket.Conn
	queue chan []byte
	log   *slog.Logger

	onMessage func(data []byte)
	onClose   func()
}

func newClient(conn *websocket.Conn, log *slog.Logger, onMessage func([]byte), onClose func()) *Client {
	return &Client{
		conn:      conn,
		queue:     make(chan []byte, sendQueueSize),
		log:       log,
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// run blocks until the connection dies, serving both pumps.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

// enqueue parks data for the write pump. A full queue drops the message; the
// engines' retransmit timers recover signaling loss.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.queue <- data:
		return true
	default:
		c.log.Warn("dropping message for slow participant")
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.onClose()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "err", err)
			}
			return
		}
		c.onMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
