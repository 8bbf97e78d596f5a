package models

import (
	"fmt"
	"time"
)

// StepID identifies one of the three pipeline stages.
type StepID int

const (
	GenerateStep  StepID = 1
	CleanStep     StepID = 2
	AnalyticsStep StepID = 3
)

var stepNames = map[StepID]string{
	GenerateStep:  "generate",
	CleanStep:     "clean",
	AnalyticsStep: "analytics",
}

func (s StepID) Name() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step-%d", int(s))
}

func (s StepID) Valid() bool {
	_, ok := stepNames[s]
	return ok
}

// ParseStep maps a step name to its StepID.
func ParseStep(name string) (StepID, error) {
	for id, n := range stepNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown step '%s'", name)
}

type StepState string

const (
	PendingStepState   StepState = "pending"
	RunningStepState   StepState = "running"
	CompletedStepState StepState = "completed"
	FailedStepState    StepState = "failed"
)

type PipelineStatus string

const (
	IdlePipelineStatus    PipelineStatus = "idle"
	RunningPipelineStatus PipelineStatus = "running"
)

// StepStatus is the observable state of a single pipeline stage.
type StepStatus struct {
	Name     string    `json:"name"`
	Progress int       `json:"progress"` // 0..100
	Status   StepState `json:"status"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// MaxLogEntries bounds the per-customer log history; the oldest entries are
// evicted first.
const MaxLogEntries = 1000

// PipelineState is the durable per-customer record: step statuses, a bounded
// log ring and a mirror of the active consent grant. It is owned by the
// orchestrator and mutated only through read-modify-write cycles.
type PipelineState struct {
	CustomerID     string                `json:"customer_id"`
	Steps          map[StepID]StepStatus `json:"steps"`
	Logs           []LogEntry            `json:"logs"`
	PipelineStatus PipelineStatus        `json:"pipeline_status"`
	LastUpdated    time.Time             `json:"last_updated"`
	Consent        *ConsentToken         `json:"consent,omitempty"`
}

// NewPipelineState returns the default state for a customer with no history.
func NewPipelineState(customerID string) PipelineState {
	return PipelineState{
		CustomerID:     customerID,
		Steps:          make(map[StepID]StepStatus),
		Logs:           []LogEntry{},
		PipelineStatus: IdlePipelineStatus,
	}
}

// AppendLog pushes entries onto the log ring, evicting the oldest beyond
// MaxLogEntries.
func (p *PipelineState) AppendLog(entries ...LogEntry) {
	p.Logs = append(p.Logs, entries...)
	if len(p.Logs) > MaxLogEntries {
		p.Logs = p.Logs[len(p.Logs)-MaxLogEntries:]
	}
}
