package mesh

import (
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned by Send and Receive after either side of a
// channel has closed it.
var ErrChannelClosed = errors.New("peer channel closed")

// Channel is a bidirectional, message-oriented link to one peer. Receive
// blocks until the next frame arrives; a decode failure surfaces as an error
// wrapping core.ErrMalformedMessage while the channel itself stays usable.
// Close is idempotent.
type Channel interface {
	Send(p Payload) error
	Receive() (Payload, error)
	Close() error
}

// WebsocketChannel adapts a gorilla/websocket connection to the Channel
// interface. The write path is mutex-guarded because the websocket package
// permits at most one concurrent writer.
type WebsocketChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebsocketChannel wraps an established websocket connection.
func NewWebsocketChannel(conn *websocket.Conn) *WebsocketChannel {
	return &WebsocketChannel{conn: conn}
}

// Send frames and writes a payload.
func (c *WebsocketChannel) Send(p Payload) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next frame and decodes it.
func (c *WebsocketChannel) Receive() (Payload, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Close shuts the underlying connection down. Idempotent.
func (c *WebsocketChannel) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// pipeChannel is an in-process Channel end. Frames still round-trip through
// the wire codec so pipes exercise the same envelope handling as websockets.
type pipeChannel struct {
	send      chan<- []byte
	recv      <-chan []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-process channel ends, the mesh analog of
// net.Pipe. Useful for tests and for running several nodes in one process.
func Pipe() (Channel, Channel) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeChannel{send: aToB, recv: bToA, done: done, closeOnce: once}
	b := &pipeChannel{send: bToA, recv: aToB, done: done, closeOnce: once}
	return a, b
}

func (c *pipeChannel) Send(p Payload) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	case c.send <- data:
		return nil
	}
}

func (c *pipeChannel) Receive() (Payload, error) {
	select {
	case <-c.done:
		return nil, io.EOF
	case data := <-c.recv:
		return Decode(data)
	}
}

func (c *pipeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
