package caps

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/agent-supervisor/internal/audit"
	"github.com/rcliao/agent-supervisor/internal/model"
	"github.com/rcliao/agent-supervisor/internal/store"
)

// SupervisorAgentID is the agent_id stamped on alert entries when the halt
// request names no agent.
const SupervisorAgentID = "supervisor"

// Auditor records supervision events. *audit.Log satisfies it.
type Auditor interface {
	Append(ev model.SupervisionEvent) model.SupervisionEvent
	Status() audit.Status
}

// MemoryWriter persists alert entries. store.Store satisfies it.
type MemoryWriter interface {
	Write(ctx context.Context, p store.WriteParams) (*model.MemoryEntry, error)
}

// CapQuery asks whether a subject has passed its cap. A zero Threshold uses
// the configured limit for Kind.
type CapQuery struct {
	SubjectID     string
	Kind          Kind
	Counter       int
	Threshold     int
	AgentID       string
	TaskID        string
	MemoryTraceID string
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Tier      model.RiskLevel        `json:"tier"`
	State     CapState               `json:"state"`
	SubjectID string                 `json:"subject_id"`
	Kind      Kind                   `json:"kind"`
	Counter   int                    `json:"counter"`
	Threshold int                    `json:"threshold"`
	Event     model.SupervisionEvent `json:"event"`
	Halt      *model.HaltDescriptor  `json:"halt,omitempty"`
	HaltError string                 `json:"halt_error,omitempty"`
}

// HaltRequest describes an advisory halt.
type HaltRequest struct {
	SubjectID     string
	Reason        string
	Kind          Kind
	AgentID       string
	TaskID        string
	MemoryTraceID string
}

// Status summarizes the coordinator for administrative reports.
type Status struct {
	Limits   Limits         `json:"limits"`
	Lockdown LockdownStatus `json:"lockdown"`
	Audit    audit.Status   `json:"audit"`
}

// Coordinator evaluates caps, records events and raises halts.
type Coordinator struct {
	limits   Limits
	auditor  Auditor
	memories MemoryWriter
	lockdown *Lockdown
	logger   *zap.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithLockdown attaches a lockdown flag. Without one lockdown is never
// active.
func WithLockdown(l *Lockdown) Option {
	return func(c *Coordinator) { c.lockdown = l }
}

// NewCoordinator returns a coordinator. memories may be nil, in which case
// halts are audited but no alert entry is written.
//
// The lockdown flag is read from its file once, when the Lockdown is
// created. A long-running process that must see lockdowns engaged by other
// processes calls Watch on the Lockdown it passes in.
func NewCoordinator(limits Limits, auditor Auditor, memories MemoryWriter, opts ...Option) *Coordinator {
	c := &Coordinator{
		limits:   limits,
		auditor:  auditor,
		memories: memories,
		logger:   zap.NewNop(),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, o := range opts {
		o(c)
	}
	if c.lockdown == nil {
		c.lockdown = NewLockdown("", c.logger)
	}
	c.logger = c.logger.Named("caps")
	return c
}

// Limits returns the configured thresholds.
func (c *Coordinator) Limits() Limits { return c.limits }

// Lockdown returns the attached lockdown flag.
func (c *Coordinator) Lockdown() *Lockdown { return c.lockdown }

func (c *Coordinator) newHaltID(now time.Time) string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), c.entropy).String()
}

// Evaluate classifies q and records the outcome. It never fails: audit and
// alert problems are logged and reported on the decision.
func (c *Coordinator) Evaluate(ctx context.Context, q CapQuery) Decision {
	if q.Kind == "" {
		q.Kind = KindLoop
	}
	threshold := q.Threshold
	if threshold <= 0 {
		threshold = c.limits.For(q.Kind)
	}
	counter := q.Counter

	d := Decision{
		SubjectID: q.SubjectID,
		Kind:      q.Kind,
		Counter:   counter,
		Threshold: threshold,
	}
	ev := model.SupervisionEvent{
		Subject:   q.SubjectID,
		CapKind:   string(q.Kind),
		Counter:   &counter,
		Threshold: &threshold,
	}

	if c.lockdown.Active() {
		d.Tier, d.State = model.RiskCritical, StateHalted
		ev.EventType = model.EventLockdownEnforced
		ev.RiskLevel = model.RiskCritical
		ev.Reason = "lockdown active"
		if r := c.lockdown.Status().Reason; r != "" {
			ev.Reason = "lockdown active: " + r
		}
		d.Event = c.auditor.Append(ev)
		c.logger.Warn("cap evaluated under lockdown",
			zap.String("subject", q.SubjectID),
			zap.String("kind", string(q.Kind)))
		return d
	}

	d.Tier, d.State = Evaluate(counter, threshold)
	ev.RiskLevel = d.Tier

	switch d.State {
	case StateExceeded:
		now := time.Now().UTC()
		haltID := c.newHaltID(now)
		ev.EventType = q.Kind.ExceededEvent()
		ev.Reason = fmt.Sprintf("%s count %d exceeds limit %d", q.Kind, counter, threshold)
		ev.HaltID = haltID
		ev.Timestamp = now
		d.Event = c.auditor.Append(ev)
		c.logger.Warn("cap exceeded",
			zap.String("subject", q.SubjectID),
			zap.String("kind", string(q.Kind)),
			zap.Int("counter", counter),
			zap.Int("threshold", threshold))

		h, err := c.halt(ctx, HaltRequest{
			SubjectID:     q.SubjectID,
			Reason:        ev.Reason,
			Kind:          q.Kind,
			AgentID:       q.AgentID,
			TaskID:        q.TaskID,
			MemoryTraceID: q.MemoryTraceID,
		}, haltID, now, model.RiskHigh)
		d.Halt = &h
		if err != nil {
			d.HaltError = err.Error()
		}
	case StateNearLimit:
		ev.EventType = model.EventMonitored
		ev.Reason = fmt.Sprintf("%s count %d near limit %d", q.Kind, counter, threshold)
		d.Event = c.auditor.Append(ev)
		c.logger.Info("cap near limit",
			zap.String("subject", q.SubjectID),
			zap.String("kind", string(q.Kind)),
			zap.Int("counter", counter),
			zap.Int("threshold", threshold))
	default:
		// within limit is reported but not recorded
		ev.EventType = model.EventMonitored
		ev.Reason = fmt.Sprintf("%s count %d within limit %d", q.Kind, counter, threshold)
		ev.Timestamp = time.Now().UTC()
		d.Event = ev
	}
	return d
}

// Halt records an advisory halt for r.SubjectID and writes an alert memory
// entry. The descriptor is valid even when the alert write fails; the
// error reports that failure.
func (c *Coordinator) Halt(ctx context.Context, r HaltRequest) (model.HaltDescriptor, error) {
	if r.Kind == "" {
		r.Kind = KindLoop
	}
	now := time.Now().UTC()
	risk := model.RiskHigh
	if c.lockdown.Active() {
		risk = model.RiskCritical
	}
	return c.halt(ctx, r, c.newHaltID(now), now, risk)
}

func (c *Coordinator) halt(ctx context.Context, r HaltRequest, haltID string, now time.Time, risk model.RiskLevel) (model.HaltDescriptor, error) {
	if r.Reason == "" {
		r.Reason = "halted by supervisor"
	}
	h := model.HaltDescriptor{
		HaltID:    haltID,
		Timestamp: now,
		Subject:   r.SubjectID,
		Reason:    r.Reason,
	}

	c.auditor.Append(model.SupervisionEvent{
		Timestamp: now,
		EventType: model.EventTaskHalted,
		RiskLevel: risk,
		Subject:   r.SubjectID,
		Reason:    r.Reason,
		HaltID:    haltID,
		CapKind:   string(r.Kind),
	})
	c.logger.Warn("subject halted",
		zap.String("subject", r.SubjectID),
		zap.String("halt_id", haltID),
		zap.String("reason", r.Reason))

	if c.memories == nil {
		return h, nil
	}

	agentID := r.AgentID
	if agentID == "" {
		agentID = SupervisorAgentID
	}
	trace := r.MemoryTraceID
	if trace == "" {
		trace = uuid.NewString()
	}
	m, err := c.memories.Write(ctx, store.WriteParams{
		AgentID:       agentID,
		Type:          model.TypeAlert,
		Content:       fmt.Sprintf("halted %s: %s", r.SubjectID, r.Reason),
		Tags:          []string{"halt", "subject:" + r.SubjectID, "cap:" + string(r.Kind)},
		Status:        "halted",
		TaskType:      string(r.Kind),
		TaskID:        r.TaskID,
		MemoryTraceID: trace,
		Metadata: map[string]any{
			"halt_id":    haltID,
			"reason":     r.Reason,
			"risk_level": risk.String(),
		},
	})
	if err != nil {
		c.logger.Error("alert entry not written",
			zap.String("halt_id", haltID),
			zap.Error(err))
		return h, fmt.Errorf("write halt alert: %w", err)
	}
	h.AlertMemoryID = m.MemoryID
	return h, nil
}

// Status reports limits, lockdown and audit tallies.
func (c *Coordinator) Status() Status {
	return Status{
		Limits:   c.limits,
		Lockdown: c.lockdown.Status(),
		Audit:    c.auditor.Status(),
	}
}
