package neuron

import (
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

// Handler answers one request.
type Handler func(msg *Message) (map[string]interface{}, error)

// Serve answers every non-reply message arriving on endpoint with handler.
func Serve(endpoint Endpoint, handler Handler, logger logging.Logger) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	endpoint.Observe(Observer{
		Message: func(msg *Message) {
			if msg.IsReply() {
				return
			}
			data, err := handler(msg)
			if msg.ID == "" {
				return
			}
			if err := endpoint.Send(msg.Reply(data, err)); err != nil {
				logger.Warnf("Failed to reply, event: %s, error: %v", msg.Event, err)
			}
		},
	})
}
