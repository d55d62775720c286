package cluster

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-tubes/pkg/cloudservice"
	"github.com/core-tools/hsu-tubes/pkg/neuron"
)

const (
	ConnectorService    = "evo-connector"
	ConnectorClientName = "connector"

	ConnectorCluster   = "evo-connector-test"
	ConnectorBasePort  = 12710
	ConnectorAddress   = "0.0.0.0"
	ConnectorBroadcast = "224.1.0.0:22410"
)

// ConnectorConfig is the configuration overlay of connector instance index.
func ConnectorConfig(index int) map[string]interface{} {
	return map[string]interface{}{
		"connector": map[string]interface{}{
			"id":        fmt.Sprintf("%s-%d", ConnectorService, index),
			"cluster":   ConnectorCluster,
			"port":      ConnectorBasePort + index,
			"address":   ConnectorAddress,
			"broadcast": ConnectorBroadcast,
		},
	}
}

// ConnectorClient talks to the connector dendrite of one node.
type ConnectorClient struct {
	*neuron.Client
}

func NewConnectorClient(endpoint neuron.Endpoint) *ConnectorClient {
	return &ConnectorClient{Client: neuron.NewClient(endpoint)}
}

func (c *ConnectorClient) Sync(ctx context.Context) (*NodeState, error) {
	reply, err := c.Request(ctx, "connector.sync", nil)
	if err != nil {
		return nil, err
	}
	return DecodeNodeState(reply.Data)
}

func (c *ConnectorClient) Query(ctx context.Context, query map[string]interface{}) (map[string]interface{}, error) {
	reply, err := c.Request(ctx, "connector.query", query)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// NewConnector coordinates a group of evo-connector instances.
func NewConnector(options cloudservice.Options) *Coordinator {
	return NewCoordinator(cloudservice.Defaults[Client]{
		Name:   ConnectorService,
		Client: ConnectorClientName,
		Config: ConnectorConfig,
		NewClient: func(index int, endpoint neuron.Endpoint) Client {
			return NewConnectorClient(endpoint)
		},
	}, options)
}
