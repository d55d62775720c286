package neuron

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

// Client issues requests over an endpoint and matches replies by id.
type Client struct {
	endpoint Endpoint

	mutex   sync.Mutex
	pending map[string]chan *Message
}

func NewClient(endpoint Endpoint) *Client {
	c := &Client{
		endpoint: endpoint,
		pending:  make(map[string]chan *Message),
	}
	endpoint.Observe(Observer{
		Message: c.onMessage,
		State:   c.onState,
	})
	return c
}

func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Client) State() State {
	return c.endpoint.State()
}

func (c *Client) Disconnect() {
	c.endpoint.Disconnect()
}

// Request sends event and waits for the matching reply. A reply carrying an
// error is returned as a network error.
func (c *Client) Request(ctx context.Context, event string, data map[string]interface{}) (*Message, error) {
	id := uuid.New().String()
	replies := make(chan *Message, 1)

	c.mutex.Lock()
	c.pending[id] = replies
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.pending, id)
		c.mutex.Unlock()
	}()

	if err := c.endpoint.Send(&Message{ID: id, Event: event, Data: data}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		if reply == nil {
			return nil, errors.NewNetworkError("connection lost before reply", nil).WithContext("event", event)
		}
		if reply.Error != "" {
			return reply, errors.NewNetworkError("request failed: "+reply.Error, nil).WithContext("event", event)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, errors.NewCancelledError("request cancelled", ctx.Err()).WithContext("event", event)
	}
}

func (c *Client) onMessage(msg *Message) {
	if !msg.IsReply() || msg.ID == "" {
		return
	}
	c.mutex.Lock()
	replies, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mutex.Unlock()
	if ok {
		replies <- msg
	}
}

// onState fails outstanding requests; their replies can no longer arrive.
func (c *Client) onState(state State) {
	if state != StateDisconnected && state != StateClosed {
		return
	}
	c.mutex.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *Message)
	c.mutex.Unlock()
	for _, replies := range pending {
		replies <- nil
	}
}
