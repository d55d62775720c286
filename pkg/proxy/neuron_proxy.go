// Package proxy sits between test clients and service nodes and relays
// neuron messages through a filter chain, so tests can drop or rewrite
// traffic in either direction.
package proxy

import (
	"context"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/journal"
	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/neuron"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

type Options struct {
	// Registerer receives the proxy metrics; a private registry is used
	// when nil.
	Registerer prometheus.Registerer
}

// NeuronProxy runs one Proxy per environment node in front of the dendrite
// socket of service name.
type NeuronProxy struct {
	sandbox.Owner

	name     string
	options  Options
	registry *prometheus.Registry
	metrics  *metrics

	filtersMutex sync.RWMutex
	filters      []Filter

	mutex   sync.Mutex
	proxies []*Proxy
	logger  logging.Logger
	journal journal.Recorder
}

func New(name string, options Options) *NeuronProxy {
	p := &NeuronProxy{
		name:    name,
		options: options,
		logger:  logging.NewNopLogger(),
		journal: journal.Nop,
	}
	if p.options.Registerer == nil {
		p.registry = prometheus.NewRegistry()
		p.options.Registerer = p.registry
	}
	return p
}

func (p *NeuronProxy) Name() string {
	return p.name
}

// Registry is the private metrics registry, nil when a Registerer was
// given.
func (p *NeuronProxy) Registry() *prometheus.Registry {
	return p.registry
}

// Filter appends fn to the chain. It applies to live joints as well.
func (p *NeuronProxy) Filter(fn Filter) *NeuronProxy {
	p.filtersMutex.Lock()
	defer p.filtersMutex.Unlock()
	p.filters = append(p.filters, fn)
	return p
}

func (p *NeuronProxy) allow(msg *neuron.Message, src neuron.Endpoint, response bool) bool {
	p.filtersMutex.RLock()
	filters := p.filters
	p.filtersMutex.RUnlock()
	return evaluate(filters, msg, src, response)
}

func (p *NeuronProxy) Start(ctx context.Context) error {
	env, err := environment.FromContainer(p.Container())
	if err != nil {
		return err
	}

	m, err := newMetrics(p.options.Registerer)
	if err != nil {
		return errors.NewInternalError("failed to register proxy metrics", err).WithContext("proxy", p.name)
	}

	p.mutex.Lock()
	p.metrics = m
	p.logger = env.Tracer("proxy:" + p.name)
	p.journal = journal.From(p.Container())
	p.mutex.Unlock()

	var proxies []*Proxy
	for i := 0; i < env.Nodes(); i++ {
		dir := env.InstanceDir(i)
		if err := os.MkdirAll(dir, 0755); err != nil {
			stopAll(proxies)
			return errors.NewIOError("failed to create instance directory", err).WithContext("dir", dir)
		}
		proxy := &Proxy{
			owner:      p,
			index:      i,
			listenPath: neuron.SocketPath(dir, p.name, true),
			targetPath: neuron.SocketPath(dir, p.name, false),
			logger:     env.Tracer("proxy:"+p.name, i),
			joints:     make(map[int]*Joint),
		}
		if err := proxy.start(); err != nil {
			stopAll(proxies)
			return err
		}
		proxies = append(proxies, proxy)
	}

	p.mutex.Lock()
	p.proxies = proxies
	p.mutex.Unlock()

	p.logger.Infof("Started %d proxies", len(proxies))
	return nil
}

func (p *NeuronProxy) Cleanup(ctx context.Context) error {
	p.mutex.Lock()
	proxies := p.proxies
	p.proxies = nil
	p.mutex.Unlock()

	stopAll(proxies)
	return nil
}

func stopAll(proxies []*Proxy) {
	for _, proxy := range proxies {
		proxy.Stop()
	}
}

// Res answers "neuron.proxy:<name>" and "<name>.proxy".
func (p *NeuronProxy) Res(key string) sandbox.Resource {
	if key == "neuron.proxy:"+p.name || key == p.name+".proxy" {
		return p
	}
	return nil
}

func (p *NeuronProxy) String() string {
	return "neuron.proxy:" + p.name
}

// Proxies lists the per-node proxies in node order.
func (p *NeuronProxy) Proxies() []*Proxy {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]*Proxy(nil), p.proxies...)
}

// Proxy relays the connections of one node.
type Proxy struct {
	owner      *NeuronProxy
	index      int
	listenPath string
	targetPath string
	logger     logging.Logger

	receptor *neuron.Receptor
	mutex    sync.Mutex
	joints   map[int]*Joint
	nextID   int
	stopped  bool
}

func (x *Proxy) Index() int         { return x.index }
func (x *Proxy) ListenPath() string { return x.listenPath }
func (x *Proxy) TargetPath() string { return x.targetPath }

func (x *Proxy) start() error {
	receptor, err := neuron.Listen(x.listenPath, x.logger, x.onConnection)
	if err != nil {
		return err
	}
	x.mutex.Lock()
	x.receptor = receptor
	x.mutex.Unlock()
	x.logger.Debugf("Relaying %s -> %s", x.listenPath, x.targetPath)
	return nil
}

func (x *Proxy) onConnection(incoming neuron.Endpoint) {
	x.mutex.Lock()
	if x.stopped {
		x.mutex.Unlock()
		incoming.Disconnect()
		return
	}
	x.nextID++
	joint := newJoint(x, x.nextID)
	x.joints[joint.ID] = joint
	x.owner.metrics.joints.WithLabelValues(x.owner.name).Inc()
	x.mutex.Unlock()

	joint.connect(incoming)

	// Stop may have taken the joint before its endpoints existed
	x.mutex.Lock()
	stopped := x.stopped
	x.mutex.Unlock()
	if stopped {
		joint.discard()
		joint.disconnect()
		return
	}

	x.owner.journal.Record(x.owner.name, x.index, "joint-open", map[string]interface{}{"joint": joint.ID})
	x.logger.Debugf("Joint %d opened", joint.ID)
}

func (x *Proxy) removeJoint(joint *Joint) {
	x.mutex.Lock()
	_, ok := x.joints[joint.ID]
	delete(x.joints, joint.ID)
	x.mutex.Unlock()
	if !ok {
		return
	}

	x.owner.metrics.joints.WithLabelValues(x.owner.name).Dec()
	x.owner.journal.Record(x.owner.name, x.index, "joint-close", map[string]interface{}{"joint": joint.ID})
	x.logger.Debugf("Joint %d closed", joint.ID)
}

// Joints returns the live joints.
func (x *Proxy) Joints() []*Joint {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	joints := make([]*Joint, 0, len(x.joints))
	for _, j := range x.joints {
		joints = append(joints, j)
	}
	return joints
}

// Stop closes the listening socket and tears down every joint without
// notifying its observers.
func (x *Proxy) Stop() {
	x.mutex.Lock()
	if x.stopped {
		x.mutex.Unlock()
		return
	}
	x.stopped = true
	receptor := x.receptor
	joints := x.joints
	x.joints = make(map[int]*Joint)
	x.mutex.Unlock()

	for _, joint := range joints {
		joint.discard()
	}
	if receptor != nil {
		receptor.Close()
	}
	for _, joint := range joints {
		joint.disconnect()
	}
	x.owner.metrics.joints.WithLabelValues(x.owner.name).Sub(float64(len(joints)))
	x.logger.Debugf("Stopped, joints: %d", len(joints))
}
