package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/core-tools/hsu-tubes/pkg/neuron"
)

// DendritePath substitutes the dendrite name into the socket template.
func DendritePath(template, name string) string {
	return strings.ReplaceAll(template, "${name}", name)
}

// ParseDefines merges "<path>=<json>" overlays in order. Only the root
// path ".+" (merge into the root) is supported.
func ParseDefines(defines []string) (map[string]interface{}, error) {
	config := map[string]interface{}{}
	for _, define := range defines {
		path, value, ok := strings.Cut(define, "=")
		if !ok {
			return nil, fmt.Errorf("invalid define %q", define)
		}
		if path != ".+" {
			return nil, fmt.Errorf("unsupported define path %q", path)
		}
		var overlay map[string]interface{}
		if err := json.Unmarshal([]byte(value), &overlay); err != nil {
			return nil, fmt.Errorf("invalid define value %q: %w", value, err)
		}
		merge(config, overlay)
	}
	return config, nil
}

func merge(dst, src map[string]interface{}) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				merge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

var knownDendrites = []string{"connector", "states"}

// ConfiguredDendrites lists the known dendrites that have a configuration
// section.
func ConfiguredDendrites(config map[string]interface{}) []string {
	var dendrites []string
	for _, name := range knownDendrites {
		if _, ok := config[name]; ok {
			dendrites = append(dendrites, name)
		}
	}
	return dendrites
}

type fakeConfig struct {
	State  string                 `mapstructure:"state"`
	Values map[string]interface{} `mapstructure:"values"`
}

type connectorConfig struct {
	ID string `mapstructure:"id"`
}

// Node answers sync and query requests with fixed answers taken from its
// configuration.
type Node struct {
	id     string
	state  string
	values map[string]interface{}
}

// NewNode reads "connector.id" and the "fake" section. Without an explicit
// fake.state, the node whose id ends in "-0" is master and every other
// node is a member.
func NewNode(config map[string]interface{}) (*Node, error) {
	var fake fakeConfig
	if err := mapstructure.Decode(config["fake"], &fake); err != nil {
		return nil, err
	}
	var connector connectorConfig
	if err := mapstructure.Decode(config["connector"], &connector); err != nil {
		return nil, err
	}

	state := fake.State
	if state == "" {
		state = "member"
		if strings.HasSuffix(connector.ID, "-0") {
			state = "master"
		}
	}
	values := fake.Values
	if values == nil {
		values = map[string]interface{}{}
	}
	return &Node{id: connector.ID, state: state, values: values}, nil
}

func (n *Node) ID() string    { return n.id }
func (n *Node) State() string { return n.state }

// Handler serves the requests of one dendrite.
func (n *Node) Handler(dendrite string) neuron.Handler {
	return func(msg *neuron.Message) (map[string]interface{}, error) {
		switch msg.Event {
		case dendrite + ".sync":
			return map[string]interface{}{"state": n.state, "id": n.id}, nil
		case dendrite + ".query":
			key, _ := msg.Data["key"].(string)
			return map[string]interface{}{"key": key, "value": n.values[key]}, nil
		}
		return nil, fmt.Errorf("unsupported event %s", msg.Event)
	}
}
