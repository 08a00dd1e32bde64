// Package wire defines the on-the-wire frame shape shared by the Gateway,
// LocationEngine, ChatEngine and Backplane: `{event: string, data: object}`.
package wire

import "encoding/json"

// Frame is one inbound or outbound WebSocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode builds a Frame payload from an event name and a typed body.
func Encode(event string, data interface{}) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: body})
}
