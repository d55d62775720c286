package neuron

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Observer receives endpoint events. Any field may be nil. Events of one
// endpoint are delivered in order from a single goroutine.
type Observer struct {
	Message func(msg *Message)
	State   func(state State)
	Error   func(err error)
}

// Endpoint is one side of a neuron connection.
type Endpoint interface {
	// Send writes msg, or queues it while the endpoint is (re)connecting.
	Send(msg *Message) error
	// Disconnect closes the endpoint for good.
	Disconnect()
	State() State
	// Observe adds an observer; observers accumulate.
	Observe(observer Observer)
	// Discard drops every observer; queued events are not delivered.
	Discard()
}
