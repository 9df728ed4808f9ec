package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plumehq/plume/internal/fault"
)

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	conn, err := nats.Connect(bus.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

// Send publishes an envelope to the addressed topic, retrying up to
// attempts times. The envelope's RetryCount records how many redeliveries
// were needed. Exhausting attempts surfaces a message-delivery fault, which
// the orchestrator treats as an agent failure for that step.
func (c *Client) Send(topic string, env *Envelope, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			env.RetryCount++
			time.Sleep(backoff)
		}

		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		if err := c.conn.Publish(topic, data); err != nil {
			lastErr = err
			continue
		}
		if err := c.conn.Flush(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fault.Wrap(fault.KindMessageDelivery, lastErr,
		"deliver %s to %s after %d attempts", env.Type, topic, attempts)
}

// SubscribeEnvelope registers a handler for every envelope addressed to the
// topic. Handlers run on the bus delivery loop and must not block it; long
// work is handed off by the subscriber.
func (c *Client) SubscribeEnvelope(topic string, handler func(*Envelope)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("discarding malformed envelope", "topic", topic, "error", err)
			return
		}
		handler(&env)
	})
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
