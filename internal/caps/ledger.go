// Package caps bounds repeated agent operations. The ledger turns a counter
// and a threshold into a risk tier; the coordinator records the outcome and
// raises advisory halts.
package caps

import (
	"fmt"

	"github.com/rcliao/agent-supervisor/internal/model"
)

// Kind names the repeated operation a cap guards.
type Kind string

const (
	KindLoop       Kind = "loop"
	KindDelegation Kind = "delegation"
	KindReflection Kind = "reflection"
)

// ParseKind validates a kind name. Empty means loop.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindLoop:
		return KindLoop, nil
	case KindDelegation, KindReflection:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown cap kind %q (valid: loop, delegation, reflection)", s)
}

// ExceededEvent is the audit event type recorded when a cap of this kind is
// exceeded.
func (k Kind) ExceededEvent() model.EventType {
	switch k {
	case KindDelegation:
		return model.EventDelegationDepthExceeded
	case KindReflection:
		return model.EventReflectionRecursion
	default:
		return model.EventLoopExceeded
	}
}

// CapState is the conceptual state of a guarded subject.
type CapState string

const (
	StateWithinLimit CapState = "WITHIN_LIMIT"
	StateNearLimit   CapState = "NEAR_LIMIT"
	StateExceeded    CapState = "EXCEEDED"
	StateHalted      CapState = "HALTED"
)

// Limits are the configured thresholds per kind.
type Limits struct {
	MaxLoops            int `json:"max_loops"`
	MaxDelegationDepth  int `json:"max_delegation_depth"`
	MaxReflectionPasses int `json:"max_reflection_passes"`
}

// DefaultLimits are used when no configuration supplies a value.
var DefaultLimits = Limits{
	MaxLoops:            5,
	MaxDelegationDepth:  3,
	MaxReflectionPasses: 3,
}

// For returns the threshold configured for k.
func (l Limits) For(k Kind) int {
	switch k {
	case KindDelegation:
		return l.MaxDelegationDepth
	case KindReflection:
		return l.MaxReflectionPasses
	default:
		return l.MaxLoops
	}
}

// Evaluate classifies counter against threshold.
//
//	counter >  threshold      high / EXCEEDED
//	counter >= threshold - 1  medium / NEAR_LIMIT (includes counter == threshold)
//	otherwise                 low / WITHIN_LIMIT
//
// The tier never decreases as counter grows.
func Evaluate(counter, threshold int) (model.RiskLevel, CapState) {
	switch {
	case counter > threshold:
		return model.RiskHigh, StateExceeded
	case counter >= threshold-1:
		return model.RiskMedium, StateNearLimit
	default:
		return model.RiskLow, StateWithinLimit
	}
}
