package neuron

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

// ResourceKey is the sandbox key the Factory answers to.
const ResourceKey = "neuron"

type EndpointOptions struct {
	// Connects names the service whose dendrite socket is dialed.
	Connects string
	// Proxy dials the proxy socket in front of the service instead.
	Proxy bool
}

type FactoryOptions struct {
	ReconnectMax   int
	ReconnectDelay time.Duration
}

// Factory creates client endpoints addressed by instance index and
// service name. It needs the Environment in its sandbox.
type Factory struct {
	sandbox.Owner

	options FactoryOptions
	env     *environment.Environment
	logger  logging.Logger

	mutex     sync.Mutex
	endpoints []Endpoint
}

func NewFactory(options FactoryOptions) *Factory {
	return &Factory{
		options: options,
		logger:  logging.NewNopLogger(),
	}
}

// NewDefaultFactory retries connections forever.
func NewDefaultFactory() *Factory {
	return NewFactory(FactoryOptions{ReconnectMax: -1, ReconnectDelay: DefaultReconnectDelay})
}

func (f *Factory) Start(ctx context.Context) error {
	env, err := environment.FromContainer(f.Container())
	if err != nil {
		return err
	}
	f.mutex.Lock()
	f.env = env
	f.logger = env.Tracer(ResourceKey)
	f.mutex.Unlock()
	return nil
}

// Cleanup disconnects every endpoint the factory created.
func (f *Factory) Cleanup(ctx context.Context) error {
	f.mutex.Lock()
	endpoints := f.endpoints
	f.endpoints = nil
	f.mutex.Unlock()

	for _, e := range endpoints {
		e.Disconnect()
	}
	return nil
}

func (f *Factory) Res(key string) sandbox.Resource {
	if key == ResourceKey {
		return f
	}
	return nil
}

// Endpoint dials the socket of options.Connects for instance index.
func (f *Factory) Endpoint(index int, options EndpointOptions) (Endpoint, error) {
	if options.Connects == "" {
		return nil, errors.NewValidationError("connects is required", nil)
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.env == nil {
		return nil, errors.NewValidationError("neuron factory is not started", nil)
	}

	path := SocketPath(f.env.InstanceDir(index), options.Connects, options.Proxy)
	f.logger.Debugf("Dialing, index: %d, path: %s", index, path)

	endpoint := Dial(path, DialOptions{
		ReconnectMax:   f.options.ReconnectMax,
		ReconnectDelay: f.options.ReconnectDelay,
		Logger:         f.logger,
	})
	f.endpoints = append(f.endpoints, endpoint)
	return endpoint, nil
}

// FromContainer finds the Factory registered in container.
func FromContainer(container *sandbox.Sandbox) (*Factory, error) {
	if container == nil {
		return nil, errors.NewValidationError("resource is not added to a sandbox", nil)
	}
	factory, ok := container.Res(ResourceKey).(*Factory)
	if !ok || factory == nil {
		return nil, errors.NewNotFoundError("neuron factory not found in sandbox", nil)
	}
	return factory, nil
}
