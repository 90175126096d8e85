package scheduler

import (
	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/contract"
)

// Scheduler action ids, all at version 1.
const (
	ActionProcess     = "runtime.scheduler.event.process"
	ActionListQueue   = "runtime.scheduler.event-queue.list"
	ActionQueueAction = "runtime.scheduler.event-queue.run-action"
	ActionReplay      = "runtime.scheduler.run-link.replay"

	ActionVersion = 1
)

func sourceSchema() *contract.Schema {
	return contract.String().WithEnum(string(automation.SourceAutomation), string(automation.SourceHeartbeat))
}

func runStatusSchema() *contract.Schema {
	return contract.String().WithEnum(
		string(automation.StatusExecuted), string(automation.StatusSkipped),
		string(automation.StatusBlocked), string(automation.StatusFailed))
}

func dispositionSchema() *contract.Schema {
	return contract.String().WithEnum(string(DispositionRetryScheduled), string(DispositionDeadLettered))
}

func eventSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"eventId":           contract.NonEmptyString(),
		"source":            sourceSchema(),
		"runId":             contract.NonEmptyString(),
		"recordedAtMs":      contract.Integer().WithMin(0),
		"attempt":           contract.Integer().WithMin(1),
		"maxAttempts":       contract.Integer().WithMin(1),
		"retryBackoffMs":    contract.Number(),
		"automationRequest": contract.OpenObject(),
		"heartbeatRequest":  contract.OpenObject(),
	}, "eventId", "source", "runId")
}

func entrySchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"sequence":       contract.Integer().WithMin(0),
		"eventId":        contract.NonEmptyString(),
		"source":         sourceSchema(),
		"runId":          contract.NonEmptyString(),
		"status":         contract.String().WithEnum(string(EntryProcessed), string(EntryPendingRetry), string(EntryDeadLettered)),
		"runStatus":      runStatusSchema(),
		"disposition":    dispositionSchema(),
		"attempt":        contract.Integer().WithMin(1),
		"maxAttempts":    contract.Integer().WithMin(1),
		"nextAttempt":    contract.Integer().WithMin(1),
		"retryAtMs":      contract.Integer(),
		"retryBackoffMs": contract.Integer().WithMin(0),
		"reason":         contract.String(),
		"failureCode":    contract.String(),
		"requestPayload": contract.OpenObject(),
		"timestampMs":    contract.Integer(),
	}, "sequence", "eventId", "source", "runId", "status", "attempt", "maxAttempts", "timestampMs")
}

// Contracts returns the scheduler action contracts.
func Contracts() []contract.Contract {
	return []contract.Contract{
		{
			ActionID: ActionProcess,
			Version:  ActionVersion,
			Input:    eventSchema(),
			Output: contract.Object(map[string]*contract.Schema{
				"status":        contract.String().WithEnum(string(ProcessProcessed), string(ProcessRejected)),
				"eventId":       contract.String(),
				"source":        contract.String(),
				"runId":         contract.String(),
				"rejectionCode": contract.String(),
				"reason":        contract.String(),
				"runStatus":     runStatusSchema(),
				"disposition":   dispositionSchema(),
				"attempt":       contract.Integer(),
				"maxAttempts":   contract.Integer(),
				"nextAttempt":   contract.Integer(),
				"retryAtMs":     contract.Integer(),
				"outcome":       contract.OpenObject(),
			}, "status", "eventId"),
		},
		{
			ActionID: ActionListQueue,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"queue":       contract.String().WithEnum(string(QueueProcessed), string(QueueRetry), string(QueueDeadLetter)),
				"runStatus":   runStatusSchema(),
				"disposition": dispositionSchema(),
				"runId":       contract.NonEmptyString(),
				"source":      sourceSchema(),
				"cursor":      contract.String(),
				"limit":       contract.Integer().WithMin(1).WithMax(contract.MaxPageLimit),
			}, "queue"),
			Output: contract.Object(map[string]*contract.Schema{
				"queue":      contract.String(),
				"items":      contract.Array(entrySchema()),
				"nextCursor": contract.String(),
				"totalCount": contract.Integer().WithMin(0),
				"summary":    contract.OpenObject(),
			}, "queue", "items", "totalCount", "summary"),
		},
		{
			ActionID: ActionQueueAction,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"queue":   contract.String().WithEnum(string(QueueRetry), string(QueueDeadLetter)),
				"action":  contract.String().WithEnum(string(ActionRequeue), string(ActionDismiss)),
				"eventId": contract.NonEmptyString(),
			}, "queue", "action", "eventId"),
			Output: contract.Object(map[string]*contract.Schema{
				"status":  contract.String().WithEnum(string(QueueActionApplied), string(QueueActionNotFound)),
				"queue":   contract.String(),
				"action":  contract.String(),
				"eventId": contract.String(),
				"entry":   entrySchema(),
				"requeue": eventSchema(),
			}, "status", "queue", "action", "eventId"),
		},
		{
			ActionID: ActionReplay,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"fromSequence": contract.Integer().WithMin(0),
			}),
			Output: contract.OpenObject(),
		},
	}
}
