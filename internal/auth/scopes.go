package auth

// Scopes checked by the ledger API.
const (
	ScopeVotesWrite = "votes:write"
	ScopeVotesRead  = "votes:read"
)
