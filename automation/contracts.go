package automation

import "github.com/GoCodeAlone/conductor/contract"

// Gateway action ids, both at version 1.
const (
	ActionRun  = "automation.gateway.run"
	ActionTick = "heartbeat.tick"

	ActionVersion = 1
)

func laneSchema() *contract.Schema {
	return contract.String().WithEnum(string(LaneMain), string(LaneWorker), string(LaneBackground))
}

func policySchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"active":                     contract.Boolean(),
		"forceRun":                   contract.Boolean(),
		"queueDepth":                 contract.Integer().WithMin(0),
		"queueMaxDepth":              contract.Integer().WithMin(0),
		"budgetRemaining":            contract.Number(),
		"estimatedCost":              contract.Number().WithMin(0),
		"requiresApproval":           contract.Boolean(),
		"approvalTicket":             contract.String(),
		"defaultLane":                laneSchema(),
		"escalationEnabled":          contract.Boolean(),
		"recentFailureCount":         contract.Integer().WithMin(0),
		"escalationFailureThreshold": contract.Integer().WithMin(0),
		"escalationTargetLane":       laneSchema(),
	})
}

func outcomeSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"source":        contract.String().WithEnum(string(SourceAutomation), string(SourceHeartbeat)),
		"id":            contract.NonEmptyString(),
		"runId":         contract.NonEmptyString(),
		"trigger":       contract.String(),
		"status":        contract.String().WithEnum(string(StatusExecuted), string(StatusSkipped), string(StatusBlocked), string(StatusFailed)),
		"lane":          laneSchema(),
		"escalated":     contract.Boolean(),
		"profileId":     contract.String(),
		"resolvedScope": contract.String(),
		"sessionId":     contract.String(),
		"skipReason":    contract.String(),
		"blockReason":   contract.String(),
		"failure": contract.Object(map[string]*contract.Schema{
			"code":    contract.NonEmptyString(),
			"message": contract.String(),
		}, "code"),
		"output":             contract.OpenObject(),
		"retryEligible":      contract.Boolean(),
		"deadLetterEligible": contract.Boolean(),
		"startedAtMs":        contract.Integer(),
		"finishedAtMs":       contract.Integer(),
	}, "source", "id", "runId", "status", "lane", "retryEligible", "deadLetterEligible")
}

// RunContract validates automation.gateway.run@1.
func RunContract() contract.Contract {
	return contract.Contract{
		ActionID: ActionRun,
		Version:  ActionVersion,
		Input: contract.Object(map[string]*contract.Schema{
			"automationId":     contract.NonEmptyString(),
			"runId":            contract.NonEmptyString(),
			"trigger":          contract.String().WithEnum("schedule", "event", "manual"),
			"profileId":        contract.String(),
			"defaultProfileId": contract.String(),
			"sessionId":        contract.String(),
			"workspaceId":      contract.String(),
			"plan": contract.Object(map[string]*contract.Schema{
				"prompt":        contract.NonEmptyString(),
				"steps":         contract.Array(contract.NonEmptyString()),
				"estimatedCost": contract.Number().WithMin(0),
				"timeoutMs":     contract.Integer().WithMin(0),
			}, "prompt"),
			"capabilityScope": contract.Array(contract.NonEmptyString()),
			"policy":          policySchema(),
		}, "automationId", "runId", "trigger", "plan"),
		Output: outcomeSchema(),
	}
}

// TickContract validates heartbeat.tick@1.
func TickContract() contract.Contract {
	return contract.Contract{
		ActionID: ActionTick,
		Version:  ActionVersion,
		Input: contract.Object(map[string]*contract.Schema{
			"agentId":          contract.NonEmptyString(),
			"runId":            contract.NonEmptyString(),
			"trigger":          contract.String().WithEnum("interval", "manual", "event"),
			"profileId":        contract.String(),
			"defaultProfileId": contract.String(),
			"sessionId":        contract.String(),
			"workspaceId":      contract.String(),
			"checklist":        contract.Array(contract.NonEmptyString()),
			"capabilityScope":  contract.Array(contract.NonEmptyString()),
			"timeoutMs":        contract.Integer().WithMin(0),
			"policy":           policySchema(),
		}, "agentId", "runId", "trigger"),
		Output: outcomeSchema(),
	}
}
