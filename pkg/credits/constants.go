package credits

const (
	operationAdd    = "add_credits"
	operationDeduct = "deduct_credits"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultHistoryLimit = 20
	recentHistoryLimit  = 5
)
