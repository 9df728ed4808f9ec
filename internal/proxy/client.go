package proxy

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/plumehq/plume/internal/fault"
	"github.com/plumehq/plume/internal/pipeline"
)

// Client is the caller-side proxy. It satisfies Service over a single
// websocket; concurrent calls are multiplexed by request id.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan *response
	closed  bool
}

// Dial connects to a gateway proxy endpoint, e.g. ws://host:8080/proxy.
func Dial(url string, timeout time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindCommunication, err, "dial proxy %s", url)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan *response),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.failPending(fault.Wrap(fault.KindCommunication, err, "proxy connection lost"))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// failPending unblocks every in-flight call when the connection dies.
func (c *Client) failPending(err error) {
	remote := fault.ToRemote(err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- &response{ID: id, Error: remote}
		delete(c.pending, id)
	}
}

func (c *Client) call(req *request) (*response, error) {
	req.ID = uuid.New().String()
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fault.New(fault.KindCommunication, "proxy connection closed")
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fault.Wrap(fault.KindCommunication, err, "send %s", req.Op)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fault.FromRemote(resp.Error)
		}
		return resp, nil
	case <-time.After(c.timeout):
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fault.New(fault.KindTimeoutExceeded, "%s timed out after %v", req.Op, c.timeout)
	}
}

func (c *Client) Submit(cfg *pipeline.Config, input *pipeline.Input) (string, error) {
	resp, err := c.call(&request{Op: opSubmit, Config: cfg, Input: input})
	if err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *Client) Status(runID string) (*pipeline.Status, error) {
	resp, err := c.call(&request{Op: opStatus, RunID: runID})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, fault.New(fault.KindCommunication, "status response without payload")
	}
	return resp.Status, nil
}

func (c *Client) Cancel(runID string) error {
	_, err := c.call(&request{Op: opCancel, RunID: runID})
	return err
}

func (c *Client) Result(runID string) (*pipeline.Result, error) {
	resp, err := c.call(&request{Op: opResult, RunID: runID})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fault.New(fault.KindCommunication, "result response without payload")
	}
	return resp.Result, nil
}

func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	return c.conn.Close()
}

var (
	_ Service = (*Client)(nil)
	_ Service = (*pipeline.Orchestrator)(nil)
)
