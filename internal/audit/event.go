package audit

// Action names recorded in ledger events. Collaborators may append events
// with their own action names; these cover the decisions made inside the
// trust core.
const (
	ActionCommandExecuted = "command_executed"
	ActionCommandRejected = "command_rejected"
	ActionCommandSkipped  = "command_skipped"
	ActionHookCompleted   = "hook_completed"
	ActionHookFailed      = "hook_failed"
	ActionModuleApplied   = "module_applied"
	ActionModuleFailed    = "module_failed"
	ActionModuleSkipped   = "module_skipped"
	ActionKeyAdded        = "key_added"
	ActionKeyRevoked      = "key_revoked"
)

// Event is a single auditable decision before it is sealed into the chain.
// Actor and Module fall back to the request context when left empty.
type Event struct {
	Action  string                 `json:"action"`
	Actor   string                 `json:"actor,omitempty"`
	Module  string                 `json:"module,omitempty"`
	Success bool                   `json:"success"`
	Details map[string]interface{} `json:"details,omitempty"`
}
