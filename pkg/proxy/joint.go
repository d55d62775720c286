package proxy

import (
	"sync"

	"github.com/core-tools/hsu-tubes/pkg/neuron"
)

type RelayState string

const (
	RelayActive RelayState = "active"
	RelayClosed RelayState = "closed"
)

// Relay forwards the messages of one direction of a Joint.
type Relay struct {
	joint    *Joint
	response bool

	mutex sync.Mutex
	state RelayState
	src   neuron.Endpoint
	dst   neuron.Endpoint
}

func newRelay(joint *Joint, response bool) *Relay {
	return &Relay{joint: joint, response: response, state: RelayActive}
}

func (r *Relay) State() RelayState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state
}

func (r *Relay) setSource(src neuron.Endpoint) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.src = src
}

func (r *Relay) setDestination(dst neuron.Endpoint) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.dst = dst
}

func (r *Relay) observer() neuron.Observer {
	return neuron.Observer{
		Message: r.onMessage,
		State: func(state neuron.State) {
			if state == neuron.StateClosed || state == neuron.StateDisconnected {
				r.onSourceClosed()
			}
		},
	}
}

func (r *Relay) onMessage(msg *neuron.Message) {
	r.mutex.Lock()
	active := r.state == RelayActive
	src, dst := r.src, r.dst
	r.mutex.Unlock()
	if !active || dst == nil {
		return
	}

	proxy := r.joint.proxy
	owner := proxy.owner
	dir := direction(r.response)

	if !owner.allow(msg, src, r.response) {
		owner.metrics.dropped.WithLabelValues(owner.name, dir).Inc()
		owner.journal.Record(owner.name, proxy.index, "drop", map[string]interface{}{
			"joint":     r.joint.ID,
			"direction": dir,
			"event":     msg.Event,
		})
		proxy.logger.Debugf("Joint %d: dropped %s %s", r.joint.ID, dir, msg)
		return
	}

	if err := dst.Send(msg); err != nil {
		proxy.logger.Warnf("Joint %d: failed to relay %s %s: %v", r.joint.ID, dir, msg, err)
		return
	}
	owner.metrics.relayed.WithLabelValues(owner.name, dir).Inc()
}

// onSourceClosed closes the relay, disconnects the other side and tells
// the joint. Only the first call has an effect.
func (r *Relay) onSourceClosed() {
	r.mutex.Lock()
	if r.state == RelayClosed {
		r.mutex.Unlock()
		return
	}
	r.state = RelayClosed
	dst := r.dst
	r.mutex.Unlock()

	if dst != nil {
		dst.Disconnect()
	}
	r.joint.relayClosed()
}

func (r *Relay) close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.state = RelayClosed
}

// Joint pairs one inbound client connection with its outbound connection
// to the node.
type Joint struct {
	ID int

	proxy    *Proxy
	forward  *Relay
	backward *Relay
	once     sync.Once

	mutex    sync.Mutex
	incoming neuron.Endpoint
	outgoing neuron.Endpoint
}

func newJoint(proxy *Proxy, id int) *Joint {
	j := &Joint{ID: id, proxy: proxy}
	j.forward = newRelay(j, false)
	j.backward = newRelay(j, true)
	return j
}

// Forward relays client requests to the node.
func (j *Joint) Forward() *Relay { return j.forward }

// Backward relays node responses to the client.
func (j *Joint) Backward() *Relay { return j.backward }

func (j *Joint) connect(incoming neuron.Endpoint) {
	j.forward.setSource(incoming)
	j.backward.setDestination(incoming)
	incoming.Observe(j.forward.observer())

	// The outbound side never reconnects; losing it ends the joint
	observer := j.backward.observer()
	outgoing := neuron.Dial(j.proxy.targetPath, neuron.DialOptions{
		ReconnectMax: 0,
		Observer:     &observer,
		Logger:       j.proxy.logger,
	})
	j.forward.setDestination(outgoing)
	j.backward.setSource(outgoing)

	j.mutex.Lock()
	j.incoming = incoming
	j.outgoing = outgoing
	j.mutex.Unlock()
}

func (j *Joint) endpoints() []neuron.Endpoint {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	var endpoints []neuron.Endpoint
	for _, e := range []neuron.Endpoint{j.incoming, j.outgoing} {
		if e != nil {
			endpoints = append(endpoints, e)
		}
	}
	return endpoints
}

func (j *Joint) relayClosed() {
	j.once.Do(func() {
		j.proxy.removeJoint(j)
	})
}

// discard silences both endpoints ahead of a forced disconnect.
func (j *Joint) discard() {
	j.once.Do(func() {})
	j.forward.close()
	j.backward.close()
	for _, e := range j.endpoints() {
		e.Discard()
	}
}

func (j *Joint) disconnect() {
	for _, e := range j.endpoints() {
		e.Disconnect()
	}
}
