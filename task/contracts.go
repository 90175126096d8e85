package task

import "github.com/GoCodeAlone/conductor/contract"

// Task board action ids. Every action is registered at version 1.
const (
	ActionUpsert     = "task-board.task.upsert"
	ActionTransition = "task-board.task.transition"
	ActionListTasks  = "task-board.task.list"
	ActionListEvents = "task-board.event.list"
	ActionReplay     = "task-board.run-link.replay"

	ActionVersion = 1
)

func statusSchema() *contract.Schema {
	values := make([]string, len(Statuses))
	for i, s := range Statuses {
		values[i] = string(s)
	}
	return contract.String().WithEnum(values...)
}

func assigneeTypeSchema() *contract.Schema {
	return contract.String().WithEnum(string(AssigneeUser), string(AssigneeAgent), string(AssigneeAgentProfile))
}

func taskSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"taskId":       contract.NonEmptyString(),
		"title":        contract.String(),
		"status":       statusSchema(),
		"assigneeType": assigneeTypeSchema(),
		"assigneeId":   contract.String(),
		"sessionId":    contract.String(),
		"runId":        contract.String(),
		"artifactIds":  contract.Array(contract.String()),
		"priority":     contract.Integer().WithMin(0).WithMax(3),
		"dueAtMs":      contract.Integer(),
		"metadata":     contract.OpenObject(),
		"version":      contract.Integer().WithMin(1),
		"createdAtMs":  contract.Integer(),
		"updatedAtMs":  contract.Integer(),
	}, "taskId", "title", "status", "assigneeType", "assigneeId", "version", "createdAtMs", "updatedAtMs")
}

func eventSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"eventId":        contract.NonEmptyString(),
		"sequence":       contract.Integer().WithMin(0),
		"eventType":      contract.String().WithEnum(string(EventTaskCreated), string(EventTaskUpdated), string(EventTaskTransitioned)),
		"taskId":         contract.NonEmptyString(),
		"version":        contract.Integer().WithMin(1),
		"status":         statusSchema(),
		"previousStatus": statusSchema(),
		"actorId":        contract.String(),
		"reason":         contract.String(),
		"timestampMs":    contract.Integer(),
		"payload":        contract.OpenObject(),
	}, "eventId", "sequence", "eventType", "taskId", "version", "status", "timestampMs")
}

func mutationSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"status": contract.String().WithEnum(string(MutationApplied), string(MutationRejected)),
		"reason": contract.String(),
		"task":   taskSchema(),
		"event":  eventSchema(),
	}, "status")
}

func pageSchema(item *contract.Schema) *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"items":      contract.Array(item),
		"nextCursor": contract.String(),
		"totalCount": contract.Integer().WithMin(0),
	}, "items", "totalCount")
}

func limitSchema() *contract.Schema {
	return contract.Integer().WithMin(1).WithMax(contract.MaxPageLimit)
}

func replayRecordSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"replayKey":    contract.NonEmptyString(),
		"taskId":       contract.NonEmptyString(),
		"title":        contract.NonEmptyString(),
		"assigneeType": assigneeTypeSchema(),
		"assigneeId":   contract.NonEmptyString(),
		"toStatus":     statusSchema(),
		"sessionId":    contract.String(),
		"runId":        contract.String(),
		"actorId":      contract.String(),
		"reason":       contract.String(),
		"metadata":     contract.OpenObject(),
	}, "replayKey", "taskId", "title", "assigneeType", "assigneeId", "toStatus")
}

// Contracts returns the task board action contracts.
func Contracts() []contract.Contract {
	return []contract.Contract{
		{
			ActionID: ActionUpsert,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"taskId":          contract.NonEmptyString(),
				"title":           contract.NonEmptyString(),
				"status":          statusSchema(),
				"assigneeType":    assigneeTypeSchema(),
				"assigneeId":      contract.NonEmptyString(),
				"sessionId":       contract.String(),
				"runId":           contract.String(),
				"artifactIds":     contract.Array(contract.NonEmptyString()),
				"priority":        contract.Integer().WithMin(0).WithMax(3),
				"dueAtMs":         contract.Integer().WithMin(0),
				"metadata":        contract.OpenObject(),
				"expectedVersion": contract.Integer().WithMin(0),
				"actorId":         contract.String(),
				"reason":          contract.String(),
			}, "taskId"),
			Output: mutationSchema(),
		},
		{
			ActionID: ActionTransition,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"taskId":          contract.NonEmptyString(),
				"toStatus":        statusSchema(),
				"expectedVersion": contract.Integer().WithMin(0),
				"assigneeType":    assigneeTypeSchema(),
				"assigneeId":      contract.NonEmptyString(),
				"actorId":         contract.String(),
				"reason":          contract.String(),
			}, "taskId", "toStatus"),
			Output: mutationSchema(),
		},
		{
			ActionID: ActionListTasks,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"status":       statusSchema(),
				"assigneeType": assigneeTypeSchema(),
				"assigneeId":   contract.String(),
				"sessionId":    contract.String(),
				"runId":        contract.String(),
				"cursor":       contract.String(),
				"limit":        limitSchema(),
			}),
			Output: pageSchema(taskSchema()),
		},
		{
			ActionID: ActionListEvents,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"taskId":    contract.String(),
				"eventType": contract.String().WithEnum(string(EventTaskCreated), string(EventTaskUpdated), string(EventTaskTransitioned)),
				"cursor":    contract.String(),
				"limit":     limitSchema(),
			}),
			Output: pageSchema(eventSchema()),
		},
		{
			ActionID: ActionReplay,
			Version:  ActionVersion,
			Input: contract.Object(map[string]*contract.Schema{
				"records": contract.Array(replayRecordSchema()),
			}, "records"),
			Output: contract.Object(map[string]*contract.Schema{
				"items":            contract.Array(contract.OpenObject()),
				"linked":           contract.Integer().WithMin(0),
				"skippedDuplicate": contract.Integer().WithMin(0),
				"rejected":         contract.Integer().WithMin(0),
			}, "items", "linked", "skippedDuplicate", "rejected"),
		},
	}
}
