package proxy

import (
	"sync"

	"github.com/core-tools/hsu-tubes/pkg/neuron"
)

// Verdict is the outcome of one filter for one message.
type Verdict int

const (
	// Pass leaves the decision to the next filter.
	Pass Verdict = iota
	Allow
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "pass"
	}
}

// Filter inspects a relayed message. response is true for node to client
// traffic. A filter may modify msg in place.
type Filter func(msg *neuron.Message, src neuron.Endpoint, response bool) Verdict

// evaluate runs the chain: the first Allow or Deny wins, and a message no
// filter decides on is allowed.
func evaluate(filters []Filter, msg *neuron.Message, src neuron.Endpoint, response bool) bool {
	for _, filter := range filters {
		switch filter(msg, src, response) {
		case Allow:
			return true
		case Deny:
			return false
		}
	}
	return true
}

// DropRequests denies client requests with the given event.
func DropRequests(event string) Filter {
	return func(msg *neuron.Message, src neuron.Endpoint, response bool) Verdict {
		if !response && msg.Event == event {
			return Deny
		}
		return Pass
	}
}

// DropResponses lets requests with the given event through and denies the
// replies to them.
func DropResponses(event string) Filter {
	var mutex sync.Mutex
	requests := make(map[string]bool)
	return func(msg *neuron.Message, src neuron.Endpoint, response bool) Verdict {
		mutex.Lock()
		defer mutex.Unlock()
		if !response {
			if msg.Event == event && msg.ID != "" {
				requests[msg.ID] = true
			}
			return Pass
		}
		if msg.IsReply() && requests[msg.ID] {
			delete(requests, msg.ID)
			return Deny
		}
		return Pass
	}
}

// Mutate applies fn to every message and leaves the decision to the rest
// of the chain.
func Mutate(fn func(msg *neuron.Message, response bool)) Filter {
	return func(msg *neuron.Message, src neuron.Endpoint, response bool) Verdict {
		fn(msg, response)
		return Pass
	}
}
