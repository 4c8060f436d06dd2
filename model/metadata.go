package model

import (
	"context"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

type WorkflowState string

const STATE_PENDING WorkflowState = "Pending"
const STATE_IN_PROGRESS WorkflowState = "InProgress"
const STATE_COMPLETED WorkflowState = "Completed"
const STATE_FAILED WorkflowState = "Failed"
const STATE_CANCELLED WorkflowState = "Cancelled"

const triggerBegin = "begin"
const triggerComplete = "complete"
const triggerFail = "fail"
const triggerCancel = "cancel"

// Metadata is one row per workflow execution.
type Metadata struct {
	Id                   int64         `json:"id"`
	ExternalId           string        `json:"external_id"`
	Name                 string        `json:"name"`
	ParentId             *int64        `json:"parent_id,omitempty"`
	ManifestId           *int64        `json:"manifest_id,omitempty"`
	Executor             string        `json:"executor"`
	WorkflowState        WorkflowState `json:"workflow_state"`
	FailureStep          string        `json:"failure_step,omitempty"`
	FailureException     string        `json:"failure_exception,omitempty"`
	FailureReason        string        `json:"failure_reason,omitempty"`
	StackTrace           string        `json:"stack_trace,omitempty"`
	Input                []byte        `json:"input,omitempty"`
	Output               []byte        `json:"output,omitempty"`
	StartTime            time.Time     `json:"start_time"`
	EndTime              *time.Time    `json:"end_time,omitempty"`
	CurrentlyRunningStep string        `json:"currently_running_step,omitempty"`
	StepStartedAt        *time.Time    `json:"step_started_at,omitempty"`

	// Live values attached during execution; serialized into Input/Output
	// by the params effect provider, never persisted themselves.
	InputValue  any `json:"-"`
	OutputValue any `json:"-"`
}

func NewMetadata(name string, externalId string, executor string) *Metadata {
	return &Metadata{
		ExternalId:    externalId,
		Name:          name,
		Executor:      executor,
		WorkflowState: STATE_PENDING,
		StartTime:     time.Now(),
	}
}

// machine builds the transition guard around the row's current state.
// Pending -> InProgress -> {Completed, Failed, Cancelled}, terminal states
// permit nothing.
func (m *Metadata) machine() *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return m.WorkflowState, nil
		},
		func(_ context.Context, state stateless.State) error {
			m.WorkflowState = state.(WorkflowState)
			return nil
		},
		stateless.FiringImmediate,
	)
	sm.Configure(STATE_PENDING).Permit(triggerBegin, STATE_IN_PROGRESS)
	sm.Configure(STATE_IN_PROGRESS).
		Permit(triggerComplete, STATE_COMPLETED).
		Permit(triggerFail, STATE_FAILED).
		Permit(triggerCancel, STATE_CANCELLED)
	return sm
}

func (m *Metadata) Begin() error {
	return m.machine().Fire(triggerBegin)
}

func (m *Metadata) Complete() error {
	if err := m.machine().Fire(triggerComplete); err != nil {
		return err
	}
	m.terminate()
	return nil
}

func (m *Metadata) Fail(step string, cause error) error {
	if err := m.machine().Fire(triggerFail); err != nil {
		return err
	}
	m.FailureStep = step
	m.FailureException = fmt.Sprintf("%T", cause)
	m.FailureReason = cause.Error()
	m.terminate()
	return nil
}

func (m *Metadata) Cancel() error {
	if err := m.machine().Fire(triggerCancel); err != nil {
		return err
	}
	m.FailureReason = "execution cancelled"
	m.terminate()
	return nil
}

func (m *Metadata) IsTerminal() bool {
	switch m.WorkflowState {
	case STATE_COMPLETED, STATE_FAILED, STATE_CANCELLED:
		return true
	}
	return false
}

func (m *Metadata) terminate() {
	now := time.Now()
	m.EndTime = &now
	m.CurrentlyRunningStep = ""
	m.StepStartedAt = nil
}
