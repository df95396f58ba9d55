// Package events provides the in-process pub/sub bus connecting run
// producers (runner registry, scheduler, backups) to consumers such as
// the websocket stream.
package events

import (
	"time"
)

// EventType represents different event types.
type EventType string

const (
	RunStarted   EventType = "RUN_STARTED"
	RunProgress  EventType = "RUN_PROGRESS"
	RunCompleted EventType = "RUN_COMPLETED"
	RunFailed    EventType = "RUN_FAILED"
	RunCancelled EventType = "RUN_CANCELLED"

	ExecutionCompleted EventType = "EXECUTION_COMPLETED"
	IngestCompleted    EventType = "INGEST_COMPLETED"
	BackupCompleted    EventType = "BACKUP_COMPLETED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// RunEventTypes lists the run lifecycle events for subscribers that want
// all of them.
var RunEventTypes = []EventType{
	RunStarted, RunProgress, RunCompleted, RunFailed, RunCancelled,
}

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
