package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies a supervision event.
type EventType string

const (
	EventLoopExceeded            EventType = "loop_exceeded"
	EventDelegationDepthExceeded EventType = "delegation_depth_exceeded"
	EventReflectionRecursion     EventType = "reflection_recursion"
	EventTaskHalted              EventType = "task_halted"
	EventLockdownEnforced        EventType = "lockdown_enforced"
	EventMonitored               EventType = "monitored"
)

// ValidEventTypes are the event types the audit log accepts on append and
// on reload.
var ValidEventTypes = map[EventType]bool{
	EventLoopExceeded:            true,
	EventDelegationDepthExceeded: true,
	EventReflectionRecursion:     true,
	EventTaskHalted:              true,
	EventLockdownEnforced:        true,
	EventMonitored:               true,
}

// RiskLevel is an ordered risk tier. The zero value is RiskLow.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"low", "medium", "high", "critical"}

func (r RiskLevel) String() string {
	if r < RiskLow || r > RiskCritical {
		return fmt.Sprintf("risk(%d)", int(r))
	}
	return riskNames[r]
}

// ParseRiskLevel parses a lower-case tier name.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, n := range riskNames {
		if n == s {
			return RiskLevel(i), nil
		}
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	lvl, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = lvl
	return nil
}

// SupervisionEvent is one line of the audit log.
type SupervisionEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	RiskLevel RiskLevel `json:"risk_level"`
	Subject   string    `json:"subject"`
	Reason    string    `json:"reason"`
	HaltID    string    `json:"halt_id,omitempty"`
	CapKind   string    `json:"cap_kind,omitempty"`
	Counter   *int      `json:"counter,omitempty"`
	Threshold *int      `json:"threshold,omitempty"`
}

// HaltDescriptor is the advisory record produced when a subject is halted.
type HaltDescriptor struct {
	HaltID        string    `json:"halt_id"`
	Timestamp     time.Time `json:"timestamp"`
	Subject       string    `json:"subject"`
	Reason        string    `json:"reason"`
	AlertMemoryID string    `json:"alert_memory_id,omitempty"`
}
