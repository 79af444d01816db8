package models

// ActionResult is the outcome of an action. Data is merged into a session's
// externalData as a whole or not at all.
type ActionResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ActionOK builds a successful result.
func ActionOK(data map[string]any) ActionResult {
	return ActionResult{Success: true, Data: data}
}

// ActionFailed builds a failed result carrying msg.
func ActionFailed(msg string) ActionResult {
	return ActionResult{Success: false, Error: msg}
}
