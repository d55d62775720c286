// Package cloudservice runs a group of instances of one service executable,
// each with its own working directory, dendrite socket and messaging
// client, and lets tests take single instances down and bring them back.
package cloudservice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/journal"
	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/neuron"
	"github.com/core-tools/hsu-tubes/pkg/pollloop"
	"github.com/core-tools/hsu-tubes/pkg/process"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
	"github.com/core-tools/hsu-tubes/pkg/supervisor"
)

// ShutdownPollDelay is the interval used while waiting for a stopped
// instance to exit.
const ShutdownPollDelay = 100 * time.Millisecond

// Client is the per-instance messaging client.
type Client interface {
	State() neuron.State
	Disconnect()
}

// ConfigFunc generates the configuration overlay of one instance.
type ConfigFunc func(index int) map[string]interface{}

// EndpointSource creates client endpoints; *neuron.Factory is one.
type EndpointSource interface {
	Endpoint(index int, options neuron.EndpointOptions) (neuron.Endpoint, error)
}

// Defaults describe a service kind: what it is called, how its instances
// are configured and how to talk to them.
type Defaults[C Client] struct {
	Name string
	// Client is the service name the clients connect to.
	Client    string
	LogPrefix string
	Config    ConfigFunc
	NewClient func(index int, endpoint neuron.Endpoint) C
}

type Options struct {
	// Instances defaults to the environment node count.
	Instances int
	// Config rewrites the generated configuration of an instance.
	Config    func(index int, base map[string]interface{}) map[string]interface{}
	Client    string
	LogPrefix string
	// Proxy makes clients connect through the proxy socket.
	Proxy       bool
	SettleDelay time.Duration
	Clock       clock.Clock
	Endpoints   EndpointSource
	ExecuteCmd  process.ExecuteCmd
}

type Group[C Client] struct {
	sandbox.Owner

	defaults Defaults[C]
	options  Options

	env        *environment.Environment
	logger     logging.Logger
	trace      logging.Logger
	journal    journal.Recorder
	executable string
	instances  int

	processes []*supervisor.ServiceProcess
	clients   []C
	prepared  bool
	excludes  map[int]bool
	mutex     sync.RWMutex
}

func New[C Client](defaults Defaults[C], options Options) *Group[C] {
	if options.Clock == nil {
		options.Clock = clock.NewClock()
	}
	return &Group[C]{
		defaults:  defaults,
		options:   options,
		logger:    logging.NewNopLogger(),
		trace:     logging.NewNopLogger(),
		journal:   journal.Nop,
		instances: options.Instances,
		excludes:  make(map[int]bool),
	}
}

func (g *Group[C]) Name() string {
	return g.defaults.Name
}

func (g *Group[C]) Logger() logging.Logger {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.logger
}

func (g *Group[C]) Trace() logging.Logger {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.trace
}

func (g *Group[C]) Journal() journal.Recorder {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.journal
}

// Instances is the instance count; it is final once Start has run.
func (g *Group[C]) Instances() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.instances
}

func (g *Group[C]) Executable() string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.executable
}

func (g *Group[C]) Processes() []*supervisor.ServiceProcess {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return append([]*supervisor.ServiceProcess(nil), g.processes...)
}

func (g *Group[C]) Process(index int) (*supervisor.ServiceProcess, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	if index < 0 || index >= len(g.processes) {
		return nil, errors.NewValidationError(fmt.Sprintf("instance index %d out of range", index), nil).
			WithContext("service", g.defaults.Name)
	}
	return g.processes[index], nil
}

func (g *Group[C]) clientKind() string {
	if g.options.Client != "" {
		return g.options.Client
	}
	if g.defaults.Client != "" {
		return g.defaults.Client
	}
	return g.defaults.Name
}

func (g *Group[C]) logPrefix() string {
	if g.options.LogPrefix != "" {
		return g.options.LogPrefix
	}
	if g.defaults.LogPrefix != "" {
		return g.defaults.LogPrefix
	}
	return "<" + g.defaults.Name + "> "
}

// InstanceConfig merges the generated configuration of an instance with
// the group override. A nil result means no overlay.
func (g *Group[C]) InstanceConfig(index int) map[string]interface{} {
	var config map[string]interface{}
	if g.defaults.Config != nil {
		config = g.defaults.Config(index)
	}
	if g.options.Config != nil {
		if config == nil {
			config = map[string]interface{}{}
		}
		config = g.options.Config(index, config)
	}
	return config
}

// Args builds the command line of an instance.
func (g *Group[C]) Args(index int) ([]string, error) {
	dir := g.env.InstanceDir(index)
	name := g.defaults.Name
	args := []string{
		"--neuron-dendrite-sock=" + filepath.Join(dir, "neuron-${name}.sock"),
		"--logger-level=DEBUG",
		"--logger-drivers-file-driver=file",
		"--logger-drivers-file-options-filename=" + filepath.Join(dir, name+".log"),
	}

	overlays := []map[string]interface{}{g.InstanceConfig(index)}
	if service, ok := g.env.Service(name); ok && service.Config != nil {
		overlays = append(overlays, service.Config)
	}
	for _, overlay := range overlays {
		if overlay == nil {
			continue
		}
		data, err := json.Marshal(overlay)
		if err != nil {
			return nil, errors.NewValidationError("failed to encode instance configuration", err).
				WithContext("service", name).WithContext("index", index)
		}
		args = append(args, "-D", ".+="+string(data))
	}
	return args, nil
}

// Start resolves the executable and starts every instance in parallel.
// When one instance fails, the instances that did start are stopped again.
func (g *Group[C]) Start(ctx context.Context) error {
	env, err := environment.FromContainer(g.Container())
	if err != nil {
		return err
	}
	name := g.defaults.Name

	g.mutex.Lock()
	g.env = env
	if g.instances <= 0 {
		g.instances = env.Nodes()
	}
	g.logger = env.PrefixedLogger(g.logPrefix())
	g.trace = env.Tracer(name)
	g.journal = journal.From(g.Container())
	g.mutex.Unlock()

	executable, err := ResolveExecutable(env, name, g.logger)
	if err != nil {
		g.trace.Errorf("Start failed: %v", err)
		return err
	}

	instances := g.Instances()
	processes := make([]*supervisor.ServiceProcess, instances)
	for i := 0; i < instances; i++ {
		dir := filepath.Join(env.InstanceDir(i), name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create instance directory", err).WithContext("dir", dir)
		}
		args, err := g.Args(i)
		if err != nil {
			return err
		}
		processes[i] = supervisor.NewServiceProcess(supervisor.Options{
			Index:            i,
			Executable:       executable,
			Args:             args,
			WorkingDirectory: dir,
			SettleDelay:      g.options.SettleDelay,
			Clock:            g.options.Clock,
			ExecuteCmd:       g.options.ExecuteCmd,
			OnExit:           g.onExit,
		}, fmt.Sprintf("%s:%d", name, i), env.Tracer(name, i))
	}

	g.mutex.Lock()
	g.executable = executable
	g.processes = processes
	g.mutex.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range processes {
		p := p
		eg.Go(func() error {
			if err := p.Start(egCtx); err != nil {
				return err
			}
			g.journal.Record(name, p.Index(), "spawn", map[string]interface{}{"pid": p.PID()})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.trace.Errorf("Start failed, stopping started instances: %v", err)
		for _, p := range processes {
			p.Stop()
		}
		return err
	}

	g.trace.Infof("Started %d instances of %s", instances, executable)
	return nil
}

func (g *Group[C]) onExit(index int, status supervisor.ExitStatus) {
	g.Logger().Debugf("[%d] EXITED: %s", index, status)
	g.Journal().Record(g.defaults.Name, index, "exit", map[string]interface{}{
		"code":   status.Code,
		"signal": status.Signal,
	})
}

// Cleanup disconnects the clients and stops every instance. It never fails.
func (g *Group[C]) Cleanup(ctx context.Context) error {
	g.mutex.RLock()
	clients := append([]C(nil), g.clients...)
	processes := append([]*supervisor.ServiceProcess(nil), g.processes...)
	g.mutex.RUnlock()

	for _, c := range clients {
		c.Disconnect()
	}
	for _, p := range processes {
		p.Stop()
	}
	return nil
}

// Res answers "cloud-svc:<name>" and "<name>".
func (g *Group[C]) Res(key string) sandbox.Resource {
	if key == "cloud-svc:"+g.defaults.Name || key == g.defaults.Name {
		return g
	}
	return nil
}

func (g *Group[C]) String() string {
	return "cloud-svc:" + g.defaults.Name
}

func (g *Group[C]) endpointSource() (EndpointSource, error) {
	if g.options.Endpoints != nil {
		return g.options.Endpoints, nil
	}
	return neuron.FromContainer(g.Container())
}

// PrepareClients creates one client per instance. Later calls do nothing.
func (g *Group[C]) PrepareClients() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.prepared {
		return nil
	}
	if g.defaults.NewClient == nil {
		return errors.NewValidationError("no client constructor", nil).WithContext("service", g.defaults.Name)
	}
	if g.env == nil {
		return errors.NewValidationError("service group is not started", nil).WithContext("service", g.defaults.Name)
	}
	source, err := g.endpointSource()
	if err != nil {
		return err
	}

	clients := make([]C, 0, g.instances)
	for i := 0; i < g.instances; i++ {
		endpoint, err := source.Endpoint(i, neuron.EndpointOptions{
			Connects: g.clientKind(),
			Proxy:    g.options.Proxy,
		})
		if err != nil {
			for _, c := range clients {
				c.Disconnect()
			}
			return err
		}
		g.observe(i, endpoint)
		clients = append(clients, g.defaults.NewClient(i, endpoint))
	}

	g.clients = clients
	g.prepared = true
	return nil
}

func (g *Group[C]) observe(index int, endpoint neuron.Endpoint) {
	prefix := fmt.Sprintf("NEURON[%d]: ", index)
	logger := logging.WithPrefix(g.logger, prefix)
	endpoint.Observe(neuron.Observer{
		Error: func(err error) {
			logger.Debugf("%v", err)
		},
		State: func(state neuron.State) {
			logger.Debugf("%s", state)
		},
		Message: func(msg *neuron.Message) {
			logger.Debugf("MSG %s %v", msg, msg.Data)
		},
	})
}

// Clients returns the prepared clients, in instance order.
func (g *Group[C]) Clients() []C {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return append([]C(nil), g.clients...)
}

func (g *Group[C]) Client(index int) (C, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	var zero C
	if index < 0 || index >= len(g.clients) {
		return zero, false
	}
	return g.clients[index], true
}

// PollOptions uses the group clock.
func (g *Group[C]) PollOptions(delay time.Duration) pollloop.Options {
	return pollloop.Options{Delay: delay, Clock: g.options.Clock}
}

// ClientsReady waits until every non-excluded client is connected.
func (g *Group[C]) ClientsReady(ctx context.Context) error {
	g.Trace().Debugf("clientsReady...")
	if err := g.PrepareClients(); err != nil {
		return err
	}
	return pollloop.While(ctx, func(ctx context.Context) (bool, error) {
		clients := g.Clients()
		states := make([]neuron.State, len(clients))
		waiting := false
		for i, c := range clients {
			states[i] = c.State()
			if !g.Excluded(i) && states[i] != neuron.StateConnected {
				waiting = true
			}
		}
		g.Logger().Debugf("CLIENTS: %v", states)
		return waiting, nil
	}, g.PollOptions(0))
}

// Exclude marks (or unmarks) instances as deliberately down.
func (g *Group[C]) Exclude(indices []int, excluded bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for _, i := range indices {
		if excluded {
			g.excludes[i] = true
		} else {
			delete(g.excludes, i)
		}
	}
}

func (g *Group[C]) Excluded(index int) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.excludes[index]
}

// Excludes returns the excluded indices in ascending order.
func (g *Group[C]) Excludes() []int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	indices := make([]int, 0, len(g.excludes))
	for i := range g.excludes {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// Shutdown excludes an instance, stops it and waits until it has exited.
func (g *Group[C]) Shutdown(ctx context.Context, index int) error {
	p, err := g.Process(index)
	if err != nil {
		return err
	}
	g.Trace().Infof("shutdown %d ...", index)
	g.Exclude([]int{index}, true)
	g.Journal().Record(g.defaults.Name, index, "shutdown", nil)
	p.Stop()

	return pollloop.Until(ctx, func(ctx context.Context) (bool, error) {
		g.Logger().Debugf("[%d] STOPPING %d: exit=%v alive=%v", index, p.PID(), p.ExitStatus(), p.Alive())
		return p.Stopped(), nil
	}, g.PollOptions(ShutdownPollDelay))
}

// Respawn clears the exclusion of an instance and starts it again.
func (g *Group[C]) Respawn(ctx context.Context, index int) error {
	p, err := g.Process(index)
	if err != nil {
		return err
	}
	g.Trace().Infof("respawn %d ...", index)
	g.Exclude([]int{index}, false)
	if err := p.Start(ctx); err != nil {
		return err
	}
	g.Journal().Record(g.defaults.Name, index, "respawn", map[string]interface{}{"pid": p.PID()})
	return nil
}
