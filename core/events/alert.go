package events

import (
	"strings"

	"commitchain/core/types"
)

const (
	// TypeOperatorAlert is emitted for anomalies that need a human.
	TypeOperatorAlert = "operator.alert"
)

// Severity levels for operator alerts.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// OperatorAlert reports integrity failures and soft anomalies such as
// unclaimed funds found at a checkpoint.
type OperatorAlert struct {
	Component string
	Severity  string
	Reason    string
	Details   map[string]string
}

func (OperatorAlert) EventType() string { return TypeOperatorAlert }

func (e OperatorAlert) Event() *types.Event {
	attrs := map[string]string{
		"component": strings.TrimSpace(e.Component),
		"severity":  strings.TrimSpace(e.Severity),
		"reason":    strings.TrimSpace(e.Reason),
	}
	for k, v := range e.Details {
		if _, taken := attrs[k]; !taken {
			attrs[k] = v
		}
	}
	return &types.Event{Type: TypeOperatorAlert, Stream: OperatorStream, Attributes: attrs}
}
