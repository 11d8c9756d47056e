package types

// Event is the wire form of a notification: a type tag plus flat attributes.
type Event struct {
	Type       string            `json:"type"`
	Stream     string            `json:"stream"`
	Attributes map[string]string `json:"attributes"`
}
