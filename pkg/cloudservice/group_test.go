//go:build !windows

package cloudservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/journal"
	"github.com/core-tools/hsu-tubes/pkg/neuron"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

const serviceScript = `#!/bin/sh
case "$(pwd -P)" in
*/%s/svc) exit 3 ;;
esac
echo "$@" > args.txt
exec sleep 30
`

type testClient struct {
	index    int
	endpoint neuron.Endpoint
}

func (c *testClient) State() neuron.State { return c.endpoint.State() }
func (c *testClient) Disconnect()         { c.endpoint.Disconnect() }

// endpointSource hands out in-memory endpoints, or endpoints that never
// connect for offline indices.
type endpointSource struct {
	mutex   sync.Mutex
	offline map[int]bool
	options []neuron.EndpointOptions
	peers   []neuron.Endpoint
}

func (s *endpointSource) Endpoint(index int, options neuron.EndpointOptions) (neuron.Endpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.options = append(s.options, options)
	if s.offline[index] {
		return neuron.Dial("/nonexistent/neuron.sock", neuron.DialOptions{
			ReconnectMax:   -1,
			ReconnectDelay: 10 * time.Millisecond,
		}), nil
	}
	a, b := neuron.Pipe()
	s.peers = append(s.peers, b)
	return a, nil
}

type fixture struct {
	env     *environment.Environment
	journal *journal.Journal
	box     *sandbox.Sandbox
	group   *Group[*testClient]
	source  *endpointSource
}

// newFixture prepares a base dir with a service script; failIndex makes
// that instance exit immediately (-1 for none).
func newFixture(t *testing.T, nodes, failIndex int, options Options) *fixture {
	t.Helper()
	t.Setenv(environment.ConsoleLevelVariable, "")

	base := t.TempDir()
	writeFile(t, filepath.Join(base, "bin", "svc.sh"), fmt.Sprintf(serviceScript, fmt.Sprint(failIndex)))
	writeFile(t, filepath.Join(base, environment.ConfigFileName),
		"services:\n  svc:\n    executable: bin/svc.sh\n    config:\n      extra: true\n")

	env, err := environment.New(environment.Options{BaseDir: base, Nodes: nodes})
	require.NoError(t, err)

	source := &endpointSource{offline: map[int]bool{}}
	if options.Endpoints == nil {
		options.Endpoints = source
	}
	if options.SettleDelay == 0 {
		options.SettleDelay = 50 * time.Millisecond
	}

	group := New(Defaults[*testClient]{
		Name:   "svc",
		Client: "svc-client",
		Config: func(index int) map[string]interface{} {
			return map[string]interface{}{"node": map[string]interface{}{"id": index}}
		},
		NewClient: func(index int, endpoint neuron.Endpoint) *testClient {
			return &testClient{index: index, endpoint: endpoint}
		},
	}, options)

	j := journal.New(journal.Options{DataSource: ":memory:"})
	box := sandbox.New(sandbox.Options{}).MustAdd(env, j, group)

	f := &fixture{env: env, journal: j, box: box, group: group, source: source}
	t.Cleanup(func() {
		box.Cleanup(context.Background())
		for _, p := range group.Processes() {
			waitStopped(t, p.Stopped)
		}
	})
	return f
}

func waitStopped(t *testing.T, stopped func() bool) {
	t.Helper()
	require.Eventually(t, stopped, 5*time.Second, 10*time.Millisecond)
}

func TestGroup_StartBuildsInvocation(t *testing.T) {
	f := newFixture(t, 2, -1, Options{
		Config: func(index int, base map[string]interface{}) map[string]interface{} {
			base["override"] = index * 10
			return base
		},
	})
	ctx := context.Background()
	require.NoError(t, f.box.Start(ctx))

	assert.Equal(t, 2, f.group.Instances())
	assert.Equal(t, filepath.Join(f.env.BaseDir(), "bin", "svc.sh"), f.group.Executable())

	for i, p := range f.group.Processes() {
		assert.True(t, p.Running())

		argsFile := filepath.Join(f.env.InstanceDir(i), "svc", "args.txt")
		require.Eventually(t, func() bool {
			_, err := os.Stat(argsFile)
			return err == nil
		}, time.Second, 10*time.Millisecond)
		data, err := os.ReadFile(argsFile)
		require.NoError(t, err)
		args := strings.TrimSpace(string(data))

		dir := f.env.InstanceDir(i)
		expected := strings.Join([]string{
			"--neuron-dendrite-sock=" + filepath.Join(dir, "neuron-${name}.sock"),
			"--logger-level=DEBUG",
			"--logger-drivers-file-driver=file",
			"--logger-drivers-file-options-filename=" + filepath.Join(dir, "svc.log"),
			"-D", fmt.Sprintf(`.+={"node":{"id":%d},"override":%d}`, i, i*10),
			"-D", `.+={"extra":true}`,
		}, " ")
		assert.Equal(t, expected, args)
	}

	events, err := f.journal.Events(ctx)
	require.NoError(t, err)
	spawns := 0
	for _, e := range events {
		if e.Kind == "spawn" {
			spawns++
		}
	}
	assert.Equal(t, 2, spawns)
}

func TestGroup_StartFailureStopsStartedInstances(t *testing.T) {
	f := newFixture(t, 3, 1, Options{})

	err := f.box.Start(context.Background())
	require.Error(t, err)

	processes := f.group.Processes()
	require.Len(t, processes, 3)
	for _, p := range processes {
		waitStopped(t, p.Stopped)
	}
}

func TestGroup_StartWithoutExecutable(t *testing.T) {
	t.Setenv(environment.ConsoleLevelVariable, "")
	env := newEnv(t, t.TempDir())
	group := New(Defaults[*testClient]{Name: "missing"}, Options{})
	box := sandbox.New(sandbox.Options{}).MustAdd(env, group)

	err := box.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsDiscoveryError(err))
	assert.Empty(t, group.Processes())
}

func TestGroup_StartRequiresEnvironment(t *testing.T) {
	group := New(Defaults[*testClient]{Name: "svc"}, Options{})
	err := group.Start(context.Background())
	assert.True(t, errors.IsValidationError(err))
}

func TestGroup_PrepareClientsIsIdempotent(t *testing.T) {
	f := newFixture(t, 2, -1, Options{Proxy: true})
	require.NoError(t, f.box.Start(context.Background()))

	require.NoError(t, f.group.PrepareClients())
	first := f.group.Clients()
	require.NoError(t, f.group.PrepareClients())
	second := f.group.Clients()

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Len(t, f.source.options, 2)
	for _, o := range f.source.options {
		assert.Equal(t, neuron.EndpointOptions{Connects: "svc-client", Proxy: true}, o)
	}

	client, ok := f.group.Client(1)
	require.True(t, ok)
	assert.Equal(t, 1, client.index)
	_, ok = f.group.Client(2)
	assert.False(t, ok)
}

func TestGroup_ClientsReadyIgnoresExcluded(t *testing.T) {
	f := newFixture(t, 2, -1, Options{})
	f.source.offline[1] = true
	require.NoError(t, f.box.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := f.group.ClientsReady(ctx)
	assert.True(t, errors.IsCancelledError(err))

	f.group.Exclude([]int{1}, true)
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.group.ClientsReady(ctx))
}

func TestGroup_Exclude(t *testing.T) {
	group := New(Defaults[*testClient]{Name: "svc"}, Options{Instances: 4})

	group.Exclude([]int{3, 1}, true)
	assert.Equal(t, []int{1, 3}, group.Excludes())
	assert.True(t, group.Excluded(1))

	group.Exclude([]int{1}, false)
	assert.Equal(t, []int{3}, group.Excludes())
	assert.False(t, group.Excluded(1))
}

func TestGroup_ShutdownAndRespawn(t *testing.T) {
	f := newFixture(t, 2, -1, Options{})
	ctx := context.Background()
	require.NoError(t, f.box.Start(ctx))

	oldPID := f.group.Processes()[0].PID()

	require.NoError(t, f.group.Shutdown(ctx, 0))
	p, err := f.group.Process(0)
	require.NoError(t, err)
	assert.True(t, p.Stopped())
	assert.True(t, f.group.Excluded(0))
	require.NotNil(t, p.ExitStatus())
	assert.Equal(t, "terminated", p.ExitStatus().Signal)

	require.NoError(t, f.group.Respawn(ctx, 0))
	assert.False(t, f.group.Excluded(0))
	assert.True(t, p.Running())
	assert.NotEqual(t, oldPID, p.PID())

	err = f.group.Shutdown(ctx, 7)
	assert.True(t, errors.IsValidationError(err))
}

func TestGroup_Res(t *testing.T) {
	group := New(Defaults[*testClient]{Name: "svc"}, Options{})

	assert.Equal(t, group, group.Res("svc"))
	assert.Equal(t, group, group.Res("cloud-svc:svc"))
	assert.Nil(t, group.Res("cloud-svc:other"))

	box := sandbox.New(sandbox.Options{}).MustAdd(group)
	assert.Equal(t, group, box.Res("cloud-svc:svc"))
}

func TestGroup_LogPrefix(t *testing.T) {
	tests := []struct {
		name     string
		defaults string
		options  string
		expected string
	}{
		{name: "generated", expected: "<svc> "},
		{name: "defaults", defaults: "[d] ", expected: "[d] "},
		{name: "options win", defaults: "[d] ", options: "[o] ", expected: "[o] "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group := New(Defaults[*testClient]{Name: "svc", LogPrefix: tt.defaults}, Options{LogPrefix: tt.options})
			assert.Equal(t, tt.expected, group.logPrefix())
		})
	}
}
