package domain

// Reserved node names. Every other node name is a worker.
const (
	NodeDispatcher = "dispatcher"
	NodeAskUser    = "ask_user"
	NodeFinished   = "finished"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Payload keys the orchestration core reads or writes. Everything else in the
// payload belongs to the workers.
const (
	KeySelectedPlanID    = "selected_plan_id"
	KeySelectedPlanName  = "selected_plan_name"
	KeySelectedPlanText  = "selected_plan_text"
	KeyExperimentData    = "experiment_data"
	KeyContinueIteration = "continue_iteration"
	KeyOptimizationPlans = "optimization_plans"
	KeyOptimizationText  = "optimization_output"
	KeyWorkorder         = "experiment_workorder"
	KeyTargetMet         = "target_met"
)

// DefaultMaxIterations bounds the analysis loop when the caller sets no limit.
const DefaultMaxIterations = 5

// IsReservedNode reports whether name is a control node rather than a worker.
func IsReservedNode(name string) bool {
	switch name {
	case NodeDispatcher, NodeAskUser, NodeFinished:
		return true
	}
	return false
}
