package model

type Log struct {
	Id         int64  `json:"id"`
	MetadataId int64  `json:"metadata_id"`
	EventId    int    `json:"event_id"`
	Level      string `json:"level"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Exception  string `json:"exception,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}
