package accountcontext

// Locals keys set by the API key middleware
const (
	KeyAccountContext = "ACCOUNT_CONTEXT"
	KeyAccountID      = "account_id"
	KeyChannel        = "channel"
)
