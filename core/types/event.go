package types

// Event is the flattened wire form of a state change. The journal, the
// websocket stream and the metrics bridge all consume this shape.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
