package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const dialTimeout = 5 * time.Second

// ErrClosed is returned for requests on a connection that has ended.
var ErrClosed = errors.New("daemon connection closed")

// RemoteError is a failure reported by the daemon for one request.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// EventHandler is called from the read loop for every pushed event. It must
// not block.
type EventHandler func(msg Message)

// Client is a connection to logkitd. It is safe for concurrent use; requests
// are matched to replies by ID.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	events  EventHandler

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnEvent registers a handler for server-pushed events.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.events = h
	c.mu.Unlock()
}

// Request sends a request and waits for its reply. A daemon-side failure is
// returned as *RemoteError alongside the reply.
func (c *Client) Request(ctx context.Context, method string, data any) (Message, error) {
	msg, err := NewRequest(method, data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", method, err)
	}
	line, err := encodeLine(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, line); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, &RemoteError{Method: method, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrClosed
	}
}

// Call sends a request and decodes the response payload into out (if non-nil).
func (c *Client) Call(ctx context.Context, method string, req, out any) error {
	resp, err := c.Request(ctx, method, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.UnmarshalData(out)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(ctx context.Context, line []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(line)
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		c.mu.Lock()
		ch := c.pending[msg.ID]
		h := c.events
		c.mu.Unlock()

		switch msg.Type {
		case MsgTypeRes:
			if ch != nil {
				ch <- msg
			}
		case MsgTypeEvt:
			if h != nil {
				h(msg)
			}
		}
	}
}
