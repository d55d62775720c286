package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

func snapshotOf(states ...string) Snapshot {
	snapshot := make(Snapshot, len(states))
	for i, state := range states {
		if state != "" {
			snapshot[i] = &NodeState{State: state}
		}
	}
	return snapshot
}

func TestDecodeNodeState(t *testing.T) {
	state, err := DecodeNodeState(map[string]interface{}{
		"state": "master",
		"id":    "evo-connector-0",
		"term":  float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, StateMaster, state.State)
	assert.Equal(t, "evo-connector-0", state.ID)
	assert.Equal(t, map[string]interface{}{"term": float64(3)}, state.Extra)
	assert.True(t, state.Stable())

	_, err = DecodeNodeState(map[string]interface{}{"id": "x"})
	assert.True(t, errors.IsValidationError(err))

	_, err = DecodeNodeState(nil)
	assert.Error(t, err)
}

func TestSnapshot_MasterIndex(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		index    int
		ok       bool
	}{
		{name: "single master", snapshot: snapshotOf("member", "master", "member"), index: 1, ok: true},
		{name: "first of two masters", snapshot: snapshotOf("member", "master", "master"), index: 1, ok: true},
		{name: "excluded entries skipped", snapshot: snapshotOf("", "master"), index: 1, ok: true},
		{name: "no master", snapshot: snapshotOf("member", "candidate"), index: -1, ok: false},
		{name: "empty", snapshot: nil, index: -1, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, ok := tt.snapshot.MasterIndex()
			assert.Equal(t, tt.index, index)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestSnapshot_Stable(t *testing.T) {
	assert.True(t, snapshotOf("master", "member", "").Stable())
	assert.True(t, snapshotOf("", "").Stable())
	assert.False(t, snapshotOf("master", "candidate").Stable())
	assert.Equal(t, []string{"master", "<excl>", "member"}, snapshotOf("master", "", "member").States())
}

func TestCheckSnapshot(t *testing.T) {
	tests := []struct {
		name      string
		snapshot  Snapshot
		instances int
		excludes  int
		wantErr   string
	}{
		{name: "converged", snapshot: snapshotOf("master", "member", "member"), instances: 3},
		{name: "two masters", snapshot: snapshotOf("master", "master", "member"), instances: 3,
			wantErr: "Bad cluster state: masters=2, members=1, excludes=0"},
		{name: "no master", snapshot: snapshotOf("member", "member", "member"), instances: 3,
			wantErr: "Bad cluster state: masters=0, members=3, excludes=0"},
		{name: "excluded node", snapshot: snapshotOf("master", "", "member"), instances: 3, excludes: 1},
		{name: "missing member", snapshot: snapshotOf("master", "", "member"), instances: 3,
			wantErr: "Bad cluster state: masters=1, members=1, excludes=0"},
		{name: "single node", snapshot: snapshotOf("master"), instances: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkSnapshot(tt.snapshot, tt.instances, tt.excludes)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsConvergenceError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConnectorConfig(t *testing.T) {
	config := ConnectorConfig(2)["connector"].(map[string]interface{})
	assert.Equal(t, "evo-connector-2", config["id"])
	assert.Equal(t, 12712, config["port"])
	assert.Equal(t, "evo-connector-test", config["cluster"])
	assert.Equal(t, "0.0.0.0", config["address"])
	assert.Equal(t, "224.1.0.0:22410", config["broadcast"])

	assert.Equal(t, map[string]interface{}{"states": map[string]interface{}{}}, StatesConfig(0))
}
