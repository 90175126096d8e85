// Package scheduler processes persisted scheduler events. Each event drives
// one automation run or heartbeat tick through its gateway and ends in the
// processed queue, plus the retry or dead-letter queue when the run failed.
// Queue state lives behind a StateStore so several processes can share it.
package scheduler

import (
	"encoding/json"

	"github.com/GoCodeAlone/conductor/automation"
)

// Rejection codes returned for events that fail admission. Nothing is
// written for a rejected event.
const (
	RejectPayloadMissing      = "SCHEDULER_EVENT_PAYLOAD_MISSING"
	RejectRunIDMismatch       = "SCHEDULER_EVENT_RUN_ID_MISMATCH"
	RejectAttemptExceedsMax   = "SCHEDULER_EVENT_ATTEMPT_EXCEEDS_MAX"
	RejectRetryBackoffInvalid = "SCHEDULER_EVENT_RETRY_BACKOFF_INVALID"
	RejectDuplicate           = "SCHEDULER_EVENT_DUPLICATE"
)

// Disposition reasons.
const (
	ReasonRetryEligible      = "run_failed_retry_eligible"
	ReasonDeadLetterEligible = "run_failed_dead_letter_eligible"
)

// DefaultLedgerLimit bounds the in-process processed-id ledger. Older ids are
// still detected as duplicates through the state store.
const DefaultLedgerLimit = 10_000

// Event is a persisted scheduler event.
type Event struct {
	EventID           string            `json:"eventId"`
	Source            automation.Source `json:"source"`
	RunID             string            `json:"runId"`
	RecordedAtMs      int64             `json:"recordedAtMs,omitempty"`
	Attempt           int               `json:"attempt,omitempty"`
	MaxAttempts       int               `json:"maxAttempts,omitempty"`
	RetryBackoffMs    *float64          `json:"retryBackoffMs,omitempty"`
	AutomationRequest json.RawMessage   `json:"automationRequest,omitempty"`
	HeartbeatRequest  json.RawMessage   `json:"heartbeatRequest,omitempty"`
}

// payload returns the request carried for the event's source, or nil.
func (e Event) payload() json.RawMessage {
	var raw json.RawMessage
	switch e.Source {
	case automation.SourceAutomation:
		raw = e.AutomationRequest
	case automation.SourceHeartbeat:
		raw = e.HeartbeatRequest
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// ProcessStatus is the top-level result of processing one event.
type ProcessStatus string

const (
	ProcessProcessed ProcessStatus = "processed"
	ProcessRejected  ProcessStatus = "rejected"
)

// Disposition classifies a failed run.
type Disposition string

const (
	DispositionRetryScheduled Disposition = "retry_scheduled"
	DispositionDeadLettered   Disposition = "dead_lettered"
)

// ProcessResult reports what happened to one event.
type ProcessResult struct {
	Status        ProcessStatus       `json:"status"`
	EventID       string              `json:"eventId"`
	Source        automation.Source   `json:"source"`
	RunID         string              `json:"runId"`
	RejectionCode string              `json:"rejectionCode,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	RunStatus     automation.Status   `json:"runStatus,omitempty"`
	Disposition   Disposition         `json:"disposition,omitempty"`
	Attempt       int                 `json:"attempt,omitempty"`
	MaxAttempts   int                 `json:"maxAttempts,omitempty"`
	NextAttempt   int                 `json:"nextAttempt,omitempty"`
	RetryAtMs     int64               `json:"retryAtMs,omitempty"`
	Outcome       *automation.Outcome `json:"outcome,omitempty"`
}

// Queue names one of the three scheduler queues.
type Queue string

const (
	QueueProcessed  Queue = "processed"
	QueueRetry      Queue = "retry"
	QueueDeadLetter Queue = "dead_letter"
)

// EntryStatus is the status of a queue entry.
type EntryStatus string

const (
	EntryProcessed    EntryStatus = "processed"
	EntryPendingRetry EntryStatus = "pending_retry"
	EntryDeadLettered EntryStatus = "dead_lettered"
)

// Entry is one record in a scheduler queue. Processed entries carry the run
// status and disposition; retry entries carry the next attempt and when it
// is due.
type Entry struct {
	Sequence       int64             `json:"sequence"`
	EventID        string            `json:"eventId"`
	Source         automation.Source `json:"source"`
	RunID          string            `json:"runId"`
	Status         EntryStatus       `json:"status"`
	RunStatus      automation.Status `json:"runStatus,omitempty"`
	Disposition    Disposition       `json:"disposition,omitempty"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"maxAttempts"`
	NextAttempt    int               `json:"nextAttempt,omitempty"`
	RetryAtMs      int64             `json:"retryAtMs,omitempty"`
	RetryBackoffMs int64             `json:"retryBackoffMs,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	FailureCode    string            `json:"failureCode,omitempty"`
	RequestPayload json.RawMessage   `json:"requestPayload,omitempty"`
	TimestampMs    int64             `json:"timestampMs"`
}
