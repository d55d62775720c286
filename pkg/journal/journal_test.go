package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

func TestJournal_RecordAndList(t *testing.T) {
	ctx := context.Background()
	j := New(Options{DataSource: ":memory:", RunID: "run-1"})
	require.NoError(t, j.Start(ctx))
	defer j.Cleanup(ctx)

	j.Record("evo-connector", 0, "spawn", map[string]interface{}{"pid": 100})
	j.Record("evo-connector", 0, "exit", map[string]interface{}{"code": 1})
	j.Record("cluster", NoInstance, "snapshot", nil)

	events, err := j.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "spawn", events[0].Kind)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.False(t, events[0].At.IsZero())
	assert.Equal(t, NoInstance, events[2].Instance)
	assert.Equal(t, "{}", events[2].Detail)

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(events[1].Detail), &detail))
	assert.Equal(t, float64(1), detail["code"])
}

func TestJournal_RecordWhenClosedIsIgnored(t *testing.T) {
	j := New(Options{DataSource: ":memory:"})
	j.Record("x", 0, "ignored", nil)

	_, err := j.Events(context.Background())
	assert.True(t, errors.IsValidationError(err))
}

func TestJournal_InWorkDir(t *testing.T) {
	t.Setenv(environment.ConsoleLevelVariable, "")
	ctx := context.Background()

	env, err := environment.New(environment.Options{BaseDir: t.TempDir()})
	require.NoError(t, err)
	j := New(Options{})

	box := sandbox.New(sandbox.Options{}).MustAdd(env, j)
	require.NoError(t, box.Start(ctx))

	assert.Same(t, j, From(box))
	assert.Equal(t, env.RunID(), j.RunID())
	j.Record("test", NoInstance, "hello", nil)

	events, err := j.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, box.Cleanup(ctx))
	assert.FileExists(t, filepath.Join(env.WorkDir(), FileName))
}

func TestJournal_RequiresEnvironmentWithoutDataSource(t *testing.T) {
	err := New(Options{}).Start(context.Background())
	assert.True(t, errors.IsValidationError(err))
}

func TestFrom_WithoutJournal(t *testing.T) {
	assert.Equal(t, Nop, From(nil))
	assert.Equal(t, Nop, From(sandbox.New(sandbox.Options{})))
}
