package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sperm-odyssey/server/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Outbound frames buffered per connection; a full buffer means the
	// client is not draining and sends start reporting failure.
	sendBuffer   = 64
	maxFrameSize = 8 << 10
)

type outFrame struct {
	binary bool
	data   []byte
}

// conn wraps one websocket session. All writes go through the writer
// goroutine; SendJSON/SendBinary never block the room loop.
type conn struct {
	sess string
	log  *log.Logger
	ws   *websocket.Conn

	send      chan outFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(sess string, logger *log.Logger, wsc *websocket.Conn) *conn {
	c := &conn{
		sess:   sess,
		log:    logger,
		ws:     wsc,
		send:   make(chan outFrame, sendBuffer),
		closed: make(chan struct{}),
	}
	go c.writer()
	return c
}

func (c *conn) SendJSON(v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Printf("[ws %s] marshal outbound: %v", c.sess, err)
		return false
	}
	return c.push(outFrame{data: raw})
}

func (c *conn) SendBinary(buf []byte) bool {
	return c.push(outFrame{binary: true, data: buf})
}

func (c *conn) push(f outFrame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Kick sends a final error frame and tears the connection down.
func (c *conn) Kick(code, reason string) {
	c.SendJSON(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: reason})
	c.shutdown()
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *conn) writer() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			kind := websocket.TextMessage
			if f.binary {
				kind = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(kind, f.data); err != nil {
				c.shutdown()
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			// Drain what is already queued, then say goodbye.
			for {
				select {
				case f := <-c.send:
					kind := websocket.TextMessage
					if f.binary {
						kind = websocket.BinaryMessage
					}
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if c.ws.WriteMessage(kind, f.data) != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
