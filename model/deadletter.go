package model

import "time"

type DeadLetterStatus string

const DEAD_LETTER_AWAITING_INTERVENTION DeadLetterStatus = "AwaitingIntervention"
const DEAD_LETTER_RETRIED DeadLetterStatus = "Retried"
const DEAD_LETTER_ACKNOWLEDGED DeadLetterStatus = "Acknowledged"

// DeadLetter records a job that exhausted its retry budget. Only operator
// action mutates it; the dispatcher never auto-resolves.
type DeadLetter struct {
	Id              int64            `json:"id"`
	ManifestId      int64            `json:"manifest_id"`
	DeadLetteredAt  time.Time        `json:"dead_lettered_at"`
	Status          DeadLetterStatus `json:"status"`
	Reason          string           `json:"reason"`
	RetryCount      int              `json:"retry_count"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNote  string           `json:"resolution_note,omitempty"`
	RetryMetadataId *int64           `json:"retry_metadata_id,omitempty"`
}
