package neuron

import (
	"net"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

const DefaultReconnectDelay = 100 * time.Millisecond

type DialOptions struct {
	// ReconnectMax bounds consecutive failed attempts after the first one;
	// 0 closes the endpoint on the first failure, -1 retries forever.
	ReconnectMax   int
	ReconnectDelay time.Duration
	// Observer is installed before the first connection attempt.
	Observer *Observer
	Clock    clock.Clock
	Logger   logging.Logger
}

// Dial connects to the unix socket at path in the background. The endpoint
// starts in the connecting state and queues sends until connected.
func Dial(path string, options DialOptions) Endpoint {
	e := newConnEndpoint(path, options.Logger)
	e.reconnectMax = options.ReconnectMax
	e.reconnectDelay = options.ReconnectDelay
	if e.reconnectDelay <= 0 {
		e.reconnectDelay = DefaultReconnectDelay
	}
	if options.Clock != nil {
		e.clock = options.Clock
	}
	if options.Observer != nil {
		e.observers = append(e.observers, *options.Observer)
	}
	e.dial = func() (net.Conn, error) {
		return net.Dial("unix", path)
	}
	go e.run()
	return e
}

// Receptor accepts neuron connections on a unix socket.
type Receptor struct {
	path     string
	listener net.Listener
	logger   logging.Logger

	mutex     sync.Mutex
	endpoints []*connEndpoint
	closed    bool
	done      chan struct{}
}

// Listen binds path, replacing a stale socket file, and hands every
// accepted connection to onConnection before any message is read from it.
func Listen(path string, logger logging.Logger, onConnection func(Endpoint)) (*Receptor, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewIOError("failed to remove stale socket", err).WithContext("path", path)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen", err).WithContext("path", path)
	}

	r := &Receptor{
		path:     path,
		listener: listener,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go r.accept(onConnection)

	logger.Debugf("Listening, path: %s", path)
	return r, nil
}

func (r *Receptor) accept(onConnection func(Endpoint)) {
	defer close(r.done)
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			r.mutex.Lock()
			closed := r.closed
			r.mutex.Unlock()
			if !closed {
				r.logger.Errorf("Accept failed, path: %s, error: %v", r.path, err)
			}
			return
		}

		e := newConnEndpoint(r.path, r.logger)
		r.mutex.Lock()
		if r.closed {
			r.mutex.Unlock()
			conn.Close()
			return
		}
		r.endpoints = append(r.endpoints, e)
		r.mutex.Unlock()

		if onConnection != nil {
			onConnection(e)
		}
		go func() {
			e.serve(conn)
			r.forget(e)
		}()
	}
}

func (r *Receptor) forget(e *connEndpoint) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i, other := range r.endpoints {
		if other == e {
			r.endpoints = append(r.endpoints[:i], r.endpoints[i+1:]...)
			return
		}
	}
}

// Connections is the number of accepted connections still open.
func (r *Receptor) Connections() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.endpoints)
}

func (r *Receptor) Path() string {
	return r.path
}

// Close stops accepting, disconnects every accepted endpoint and removes
// the socket file.
func (r *Receptor) Close() error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.closed = true
	endpoints := r.endpoints
	r.endpoints = nil
	r.mutex.Unlock()

	err := r.listener.Close()
	<-r.done
	for _, e := range endpoints {
		e.Disconnect()
	}
	os.Remove(r.path)
	return err
}

// Pipe returns two connected in-memory endpoints.
func Pipe() (Endpoint, Endpoint) {
	left, right := net.Pipe()
	a := newConnEndpoint("pipe:a", nil)
	b := newConnEndpoint("pipe:b", nil)
	// Attach both before reading so early sends are not queued forever
	a.attach(left)
	b.attach(right)
	go func() {
		a.readLoop(left)
		a.detach()
		a.close()
	}()
	go func() {
		b.readLoop(right)
		b.detach()
		b.close()
	}()
	return a, b
}
