package neuron

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

type dialFunc func() (net.Conn, error)

type connEndpoint struct {
	name           string
	dial           dialFunc
	reconnectMax   int
	reconnectDelay time.Duration
	clock          clock.Clock
	logger         logging.Logger

	mutex     sync.Mutex
	state     State
	conn      net.Conn
	pending   []*Message
	observers []Observer
	closed    bool
	stop      chan struct{}

	writeMutex sync.Mutex
	events     *dispatcher
}

func newConnEndpoint(name string, logger logging.Logger) *connEndpoint {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := &connEndpoint{
		name:   name,
		clock:  clock.NewClock(),
		logger: logger,
		state:  StateConnecting,
		stop:   make(chan struct{}),
		events: newDispatcher(),
	}
	go e.events.run()
	return e
}

func (e *connEndpoint) Send(msg *Message) error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return errors.NewNetworkError("endpoint is closed", nil).WithContext("endpoint", e.name)
	}
	if e.conn == nil {
		e.pending = append(e.pending, msg)
		e.mutex.Unlock()
		return nil
	}
	conn := e.conn
	e.mutex.Unlock()

	e.writeMutex.Lock()
	defer e.writeMutex.Unlock()
	return e.write(conn, msg)
}

func (e *connEndpoint) write(conn net.Conn, msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return errors.NewValidationError("failed to encode message", err).WithContext("event", msg.Event)
	}
	if _, err := conn.Write(data); err != nil {
		return errors.NewNetworkError("failed to send message", err).WithContext("endpoint", e.name)
	}
	return nil
}

func (e *connEndpoint) Disconnect() {
	e.close()
}

func (e *connEndpoint) State() State {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state
}

func (e *connEndpoint) Observe(observer Observer) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.observers = append(e.observers, observer)
}

func (e *connEndpoint) Discard() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.observers = nil
}

func (e *connEndpoint) snapshot() []Observer {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]Observer(nil), e.observers...)
}

func (e *connEndpoint) emitMessage(msg *Message) {
	e.events.push(func() {
		for _, o := range e.snapshot() {
			if o.Message != nil {
				o.Message(msg)
			}
		}
	})
}

func (e *connEndpoint) emitError(err error) {
	e.events.push(func() {
		for _, o := range e.snapshot() {
			if o.Error != nil {
				o.Error(err)
			}
		}
	})
}

// emitStateLocked must be called with e.mutex held so notifications keep
// the order of transitions.
func (e *connEndpoint) emitStateLocked(state State) {
	e.events.push(func() {
		for _, o := range e.snapshot() {
			if o.State != nil {
				o.State(state)
			}
		}
	})
}

func (e *connEndpoint) setState(state State) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed || e.state == state {
		return
	}
	e.state = state
	e.emitStateLocked(state)
}

// attach installs conn and flushes queued messages. It returns false when
// the endpoint was closed in the meantime.
func (e *connEndpoint) attach(conn net.Conn) bool {
	e.writeMutex.Lock()
	defer e.writeMutex.Unlock()

	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return false
	}
	e.conn = conn
	pending := e.pending
	e.pending = nil
	e.state = StateConnected
	e.emitStateLocked(StateConnected)
	e.mutex.Unlock()

	e.logger.Debugf("Connected, endpoint: %s, queued: %d", e.name, len(pending))

	for _, msg := range pending {
		if err := e.write(conn, msg); err != nil {
			e.emitError(err)
		}
	}
	return true
}

func (e *connEndpoint) detach() {
	e.mutex.Lock()
	conn := e.conn
	e.conn = nil
	e.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// close moves the endpoint to the closed state; it reports whether this
// call did the transition.
func (e *connEndpoint) close() bool {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return false
	}
	e.closed = true
	close(e.stop)
	conn := e.conn
	e.conn = nil
	e.pending = nil
	e.state = StateClosed
	e.emitStateLocked(StateClosed)
	e.events.stop()
	e.mutex.Unlock()

	if conn != nil {
		conn.Close()
	}
	e.logger.Debugf("Closed, endpoint: %s", e.name)
	return true
}

func (e *connEndpoint) isClosed() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}

// readLoop decodes messages until the connection fails.
func (e *connEndpoint) readLoop(conn net.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			if err != io.EOF && !e.isClosed() {
				e.emitError(errors.NewNetworkError("connection read failed", err).WithContext("endpoint", e.name))
			}
			return
		}
		e.emitMessage(&msg)
	}
}

// serve runs an already established connection until it ends.
func (e *connEndpoint) serve(conn net.Conn) {
	if !e.attach(conn) {
		conn.Close()
		return
	}
	e.readLoop(conn)
	e.detach()
	e.close()
}

// run dials, serves and redials according to the reconnect policy.
func (e *connEndpoint) run() {
	failures := 0
	for {
		conn, err := e.dial()
		if err != nil {
			e.logger.Debugf("Connect failed, endpoint: %s, error: %v", e.name, err)
			e.emitError(errors.NewNetworkError("connect failed", err).WithContext("endpoint", e.name))
		} else {
			if !e.attach(conn) {
				conn.Close()
				return
			}
			failures = 0
			e.readLoop(conn)
			e.detach()
			if e.isClosed() {
				return
			}
			e.logger.Debugf("Disconnected, endpoint: %s", e.name)
			e.setState(StateDisconnected)
		}

		if e.reconnectMax >= 0 && failures >= e.reconnectMax {
			e.close()
			return
		}
		failures++

		select {
		case <-e.clock.After(e.reconnectDelay):
		case <-e.stop:
			return
		}
		e.setState(StateConnecting)
	}
}

// dispatcher delivers queued callbacks in order from one goroutine, so a
// slow observer never blocks the connection reader.
type dispatcher struct {
	mutex sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *dispatcher) push(fn func()) {
	d.mutex.Lock()
	d.queue = append(d.queue, fn)
	d.mutex.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// stop ends the dispatcher after everything queued so far.
func (d *dispatcher) stop() {
	d.push(nil)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mutex.Lock()
			if len(d.queue) == 0 {
				d.mutex.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue = d.queue[1:]
			d.mutex.Unlock()
			if fn == nil {
				return
			}
			fn()
		}
	}
}
