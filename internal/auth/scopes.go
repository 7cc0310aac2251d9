package auth

// Known OAuth scopes used by the retention engine.
const (
	ScopeInterventionsRead  = "interventions:read"
	ScopeInterventionsWrite = "interventions:write"
	ScopeRunsExecute        = "runs:execute"
	ScopeCoachingWrite      = "coaching:write"
)
