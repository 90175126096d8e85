package automation

// selectLane returns the lane a run executes on and whether escalation
// overrode the default lane.
func selectLane(p Policy) (Lane, bool) {
	lane := p.DefaultLane
	if lane == "" {
		lane = LaneMain
	}
	if !p.EscalationEnabled {
		return lane, false
	}
	threshold := DefaultEscalationThreshold
	if p.EscalationFailureThreshold != nil {
		threshold = *p.EscalationFailureThreshold
	}
	if p.RecentFailureCount < threshold {
		return lane, false
	}
	target := p.EscalationTargetLane
	if target == "" {
		target = LaneWorker
	}
	return target, true
}

// gate applies the activation, backpressure, budget and approval checks in
// order. It returns an empty status when the run may proceed. planCost is
// used when the policy carries no estimate of its own.
func gate(p Policy, planCost *float64) (Status, string) {
	if p.Active != nil && !*p.Active && !p.ForceRun {
		return StatusSkipped, ReasonPolicyInactive
	}
	if p.QueueMaxDepth != nil && p.QueueDepth > *p.QueueMaxDepth && !p.ForceRun {
		return StatusSkipped, ReasonQueueBackpressure
	}
	if p.BudgetRemaining != nil && !p.ForceRun {
		cost := p.EstimatedCost
		if cost == nil {
			cost = planCost
		}
		if *p.BudgetRemaining <= 0 || (cost != nil && *p.BudgetRemaining < *cost) {
			return StatusSkipped, ReasonBudgetExceeded
		}
	}
	if p.RequiresApproval && p.ApprovalTicket == "" {
		return StatusBlocked, ReasonApprovalRequired
	}
	return "", ""
}
