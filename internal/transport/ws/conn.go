package ws

import (
	"sync"

	"github.com/goodtune/worksight/internal/presence"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// clientConn is the presence handle of one WebSocket. A single writer
// goroutine owns every write to the socket.
type clientConn struct {
	id       string
	ws       *websocket.Conn
	clock    clockwork.Clock
	opts     Options
	send     chan presence.Message
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClientConn(id string, ws *websocket.Conn, opts Options, clock clockwork.Clock) *clientConn {
	c := &clientConn{
		id:    id,
		ws:    ws,
		clock: clock,
		opts:  opts,
		send:  make(chan presence.Message, opts.SendBuffer),
		done:  make(chan struct{}),
	}
	c.configureReads()
	c.wg.Add(1)
	go c.run()
	return c
}

// ID implements presence.Conn.
func (c *clientConn) ID() string { return c.id }

// Send implements presence.Conn. A full queue or a closed connection drops
// the message.
func (c *clientConn) Send(msg presence.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *clientConn) run() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.updateWriteDeadline()
			if err := c.ws.WriteJSON(msg); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// stop ends the writer, sends a close frame and closes the socket.
func (c *clientConn) stop(code int, reason string) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		c.updateWriteDeadline()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = c.ws.Close()
	})
}

func (c *clientConn) configureReads() {
	if c.opts.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageSize)
	}
	c.updateReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

func (c *clientConn) updateWriteDeadline() {
	_ = c.ws.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout))
}

func (c *clientConn) updateReadDeadline() {
	_ = c.ws.SetReadDeadline(c.clock.Now().Add(c.opts.PongWait))
}

func (c *clientConn) touch() {
	c.updateReadDeadline()
}

var _ presence.Conn = (*clientConn)(nil)
