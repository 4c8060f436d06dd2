package model

import "time"

type ScheduleType string

const SCHEDULE_TYPE_NONE ScheduleType = "None"
const SCHEDULE_TYPE_CRON ScheduleType = "Cron"
const SCHEDULE_TYPE_INTERVAL ScheduleType = "Interval"
const SCHEDULE_TYPE_DEPENDENT ScheduleType = "Dependent"

// Manifest is one row per schedulable job definition. ExternalId is the
// idempotency key: scheduling the same ExternalId again updates the
// definition fields in place and leaves the runtime fields untouched.
type Manifest struct {
	Id                  int64        `json:"id"`
	ExternalId          string       `json:"external_id"`
	Name                string       `json:"name"`
	PropertyTypeName    string       `json:"property_type_name"`
	Properties          []byte       `json:"properties,omitempty"`
	IsEnabled           bool         `json:"is_enabled"`
	ScheduleType        ScheduleType `json:"schedule_type"`
	CronExpression      string       `json:"cron_expression,omitempty"`
	IntervalSeconds     int          `json:"interval_seconds,omitempty"`
	MaxRetries          int          `json:"max_retries"`
	TimeoutSeconds      int          `json:"timeout_seconds"`
	GroupId             string       `json:"group_id,omitempty"`
	Priority            int          `json:"priority"`
	DependsOnManifestId *int64       `json:"depends_on_manifest_id,omitempty"`

	// Runtime state, owned by the dispatcher. Preserved across upserts.
	CreatedAt         time.Time  `json:"created_at"`
	LastSuccessfulRun *time.Time `json:"last_successful_run,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	RetryCount        int        `json:"retry_count"`
	FetchedAt         *time.Time `json:"fetched_at,omitempty"`
}

// Definition fields overwritten by an upsert; everything else stays.
func (m *Manifest) ApplyDefinition(in *Manifest) {
	m.Name = in.Name
	m.PropertyTypeName = in.PropertyTypeName
	m.Properties = in.Properties
	m.IsEnabled = in.IsEnabled
	m.ScheduleType = in.ScheduleType
	m.CronExpression = in.CronExpression
	m.IntervalSeconds = in.IntervalSeconds
	m.MaxRetries = in.MaxRetries
	m.TimeoutSeconds = in.TimeoutSeconds
	m.GroupId = in.GroupId
	m.Priority = in.Priority
	m.DependsOnManifestId = in.DependsOnManifestId
}

// ScheduleBaseline is the reference point for due computation: the most
// recent of creation, last success and last attempt.
func (m *Manifest) ScheduleBaseline() time.Time {
	base := m.CreatedAt
	if m.LastSuccessfulRun != nil && m.LastSuccessfulRun.After(base) {
		base = *m.LastSuccessfulRun
	}
	if m.LastAttemptAt != nil && m.LastAttemptAt.After(base) {
		base = *m.LastAttemptAt
	}
	return base
}
