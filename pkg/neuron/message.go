// Package neuron implements the message transport spoken by cloud services:
// newline-delimited JSON messages over a stream connection (normally a
// unix domain socket), with request/reply correlation by message id.
package neuron

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// ReplyEvent is the event name of every response message.
const ReplyEvent = "reply"

type Message struct {
	ID    string                 `json:"id,omitempty"`
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
	Error string                 `json:"error,omitempty"`
}

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool {
	return m.Event == ReplyEvent
}

// Reply builds the response to m.
func (m *Message) Reply(data map[string]interface{}, err error) *Message {
	reply := &Message{ID: m.ID, Event: ReplyEvent, Data: data}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

func (m *Message) String() string {
	if m.ID == "" {
		return m.Event
	}
	return fmt.Sprintf("%s#%s", m.Event, m.ID)
}

func encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// SocketPath is the dendrite socket of service name in an instance
// directory. Proxied sockets carry a ".proxy" infix.
func SocketPath(dir, name string, proxied bool) string {
	if proxied {
		return filepath.Join(dir, "neuron-"+name+".proxy.sock")
	}
	return filepath.Join(dir, "neuron-"+name+".sock")
}
