package model

import "time"

type WorkQueueStatus string

const WORK_QUEUE_QUEUED WorkQueueStatus = "Queued"
const WORK_QUEUE_DISPATCHED WorkQueueStatus = "Dispatched"

// WorkQueueEntry bridges "due" and "running": a snapshot of the manifest's
// execution request at enqueue time.
type WorkQueueEntry struct {
	Id            int64           `json:"id"`
	ExternalId    string          `json:"external_id"`
	WorkflowName  string          `json:"workflow_name"`
	Input         []byte          `json:"input,omitempty"`
	InputTypeName string          `json:"input_type_name"`
	Status        WorkQueueStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
	NotBefore     *time.Time      `json:"not_before,omitempty"`
	Attempt       int             `json:"attempt"`
	ManifestId    *int64          `json:"manifest_id,omitempty"`
	MetadataId    *int64          `json:"metadata_id,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
}
