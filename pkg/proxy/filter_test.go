package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/core-tools/hsu-tubes/pkg/neuron"
)

func verdicts(vs ...Verdict) []Filter {
	var filters []Filter
	for _, v := range vs {
		v := v
		filters = append(filters, func(msg *neuron.Message, src neuron.Endpoint, response bool) Verdict {
			return v
		})
	}
	return filters
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		filters  []Filter
		expected bool
	}{
		{name: "empty chain allows", filters: nil, expected: true},
		{name: "all pass allows", filters: verdicts(Pass, Pass), expected: true},
		{name: "deny", filters: verdicts(Deny), expected: false},
		{name: "first definite wins allow", filters: verdicts(Pass, Allow, Deny), expected: true},
		{name: "first definite wins deny", filters: verdicts(Pass, Deny, Allow), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, evaluate(tt.filters, &neuron.Message{Event: "x"}, nil, false))
		})
	}
}

func TestEvaluate_StopsAtFirstDecision(t *testing.T) {
	called := false
	filters := append(verdicts(Deny), func(msg *neuron.Message, src neuron.Endpoint, response bool) Verdict {
		called = true
		return Allow
	})
	assert.False(t, evaluate(filters, &neuron.Message{}, nil, false))
	assert.False(t, called)
}

func TestDropRequests(t *testing.T) {
	filter := DropRequests("connector.sync")

	assert.Equal(t, Deny, filter(&neuron.Message{Event: "connector.sync"}, nil, false))
	assert.Equal(t, Pass, filter(&neuron.Message{Event: "connector.query"}, nil, false))
	assert.Equal(t, Pass, filter(&neuron.Message{Event: "connector.sync"}, nil, true))
}

func TestDropResponses(t *testing.T) {
	filter := DropResponses("connector.sync")

	assert.Equal(t, Pass, filter(&neuron.Message{ID: "1", Event: "connector.sync"}, nil, false))
	assert.Equal(t, Pass, filter(&neuron.Message{ID: "2", Event: "connector.query"}, nil, false))

	assert.Equal(t, Deny, filter(&neuron.Message{ID: "1", Event: neuron.ReplyEvent}, nil, true))
	assert.Equal(t, Pass, filter(&neuron.Message{ID: "2", Event: neuron.ReplyEvent}, nil, true))
	// Each request drops only its own reply
	assert.Equal(t, Pass, filter(&neuron.Message{ID: "1", Event: neuron.ReplyEvent}, nil, true))
}

func TestMutate(t *testing.T) {
	filter := Mutate(func(msg *neuron.Message, response bool) {
		if !response {
			msg.Data = map[string]interface{}{"mutated": true}
		}
	})

	msg := &neuron.Message{Event: "x"}
	assert.Equal(t, Pass, filter(msg, nil, false))
	assert.Equal(t, true, msg.Data["mutated"])
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "pass", Pass.String())
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "deny", Deny.String())
}
