package cluster

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-tubes/pkg/cloudservice"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/neuron"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

const (
	StatesService    = "evo-states"
	StatesClientName = "states"
)

func StatesConfig(index int) map[string]interface{} {
	return map[string]interface{}{
		"states": map[string]interface{}{},
	}
}

// StatesClient talks to the states dendrite of one node.
type StatesClient struct {
	*neuron.Client
}

func NewStatesClient(endpoint neuron.Endpoint) *StatesClient {
	return &StatesClient{Client: neuron.NewClient(endpoint)}
}

func (c *StatesClient) Sync(ctx context.Context) (*NodeState, error) {
	reply, err := c.Request(ctx, "states.sync", nil)
	if err != nil {
		return nil, err
	}
	return DecodeNodeState(reply.Data)
}

func (c *StatesClient) Query(ctx context.Context, query map[string]interface{}) (map[string]interface{}, error) {
	reply, err := c.Request(ctx, "states.query", query)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// ReadyChecker is anything that can assert a converged cluster.
type ReadyChecker interface {
	EnsureReady(ctx context.Context) (Snapshot, error)
}

// States coordinates evo-states instances, whose readiness depends on the
// connector cluster they run on.
type States struct {
	*Coordinator
}

func NewStates(options cloudservice.Options) *States {
	return &States{Coordinator: NewCoordinator(cloudservice.Defaults[Client]{
		Name:   StatesService,
		Client: StatesClientName,
		Config: StatesConfig,
		NewClient: func(index int, endpoint neuron.Endpoint) Client {
			return NewStatesClient(endpoint)
		},
	}, options)}
}

func (s *States) Res(key string) sandbox.Resource {
	if s.Coordinator.Res(key) != nil {
		return s
	}
	return nil
}

// EnsureReady waits for the connector cluster of the same sandbox to be
// ready while its own clients connect. It returns the connector snapshot.
func (s *States) EnsureReady(ctx context.Context) (Snapshot, error) {
	container := s.Container()
	if container == nil {
		return nil, errors.NewValidationError("states is not added to a sandbox", nil)
	}
	connector, ok := container.Res(ConnectorService).(ReadyChecker)
	if !ok {
		return nil, errors.NewNotFoundError("connector not found in sandbox", nil).
			WithContext("key", ConnectorService)
	}

	var snapshot Snapshot
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		snapshot, err = connector.EnsureReady(egCtx)
		return err
	})
	eg.Go(func() error {
		return s.ClientsReady(egCtx)
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return snapshot, nil
}
