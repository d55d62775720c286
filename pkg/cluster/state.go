package cluster

import (
	"github.com/mitchellh/mapstructure"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

const (
	StateMaster = "master"
	StateMember = "member"
)

// NodeState is what one node reports about its cluster role.
type NodeState struct {
	State string                 `mapstructure:"state"`
	ID    string                 `mapstructure:"id"`
	Extra map[string]interface{} `mapstructure:",remain"`
}

// Stable reports whether the node has settled into a role.
func (n *NodeState) Stable() bool {
	return n.State == StateMaster || n.State == StateMember
}

// DecodeNodeState converts a sync reply payload.
func DecodeNodeState(data map[string]interface{}) (*NodeState, error) {
	var state NodeState
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &state,
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to create node state decoder", err)
	}
	if err := decoder.Decode(data); err != nil {
		return nil, errors.NewValidationError("invalid node state", err)
	}
	if state.State == "" {
		return nil, errors.NewValidationError("node state without state field", nil)
	}
	return &state, nil
}

// Snapshot is index-aligned with the instances; nil marks an instance
// excluded at sync time.
type Snapshot []*NodeState

// MasterIndex is the first index reporting master. Further masters are
// not looked for; Counts exposes them.
func (s Snapshot) MasterIndex() (int, bool) {
	for i, node := range s {
		if node != nil && node.State == StateMaster {
			return i, true
		}
	}
	return -1, false
}

func (s Snapshot) Counts() (masters, members int) {
	for _, node := range s {
		if node == nil {
			continue
		}
		switch node.State {
		case StateMaster:
			masters++
		case StateMember:
			members++
		}
	}
	return masters, members
}

// Stable reports whether every non-excluded node has a role.
func (s Snapshot) Stable() bool {
	for _, node := range s {
		if node != nil && !node.Stable() {
			return false
		}
	}
	return true
}

// States lists the reported states, "<excl>" for excluded instances.
func (s Snapshot) States() []string {
	states := make([]string, len(s))
	for i, node := range s {
		if node == nil {
			states[i] = "<excl>"
		} else {
			states[i] = node.State
		}
	}
	return states
}
