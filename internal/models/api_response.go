package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusInvalid indicates a submitted response failed validation.
	APIStatusInvalid APIStatus = "invalid"
	// APIStatusCompleted indicates the interview has no further questions.
	APIStatusCompleted APIStatus = "completed"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Errors  []string    `json:"errors,omitempty"`  // validation messages for invalid responses
	Error   string      `json:"error,omitempty"`   // action error string, unchanged from the handler
	Action  string      `json:"action,omitempty"`  // name of the failed action
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithErrors sets the validation messages of the API response.
func (b *APIResponseBuilder) WithErrors(errs []string) *APIResponseBuilder {
	b.response.Errors = errs
	return b
}

// WithActionError records a failed action and its error string.
func (b *APIResponseBuilder) WithActionError(action, errMsg string) *APIResponseBuilder {
	b.response.Action = action
	b.response.Error = errMsg
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ActionError creates an error response for a failed action.
func ActionError(action, errMsg string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage("Action failed").
		WithActionError(action, errMsg).
		Build()
}

// Invalid creates a validation failure response listing every message.
func Invalid(errs []string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusInvalid).
		WithMessage("Response failed validation").
		WithErrors(errs).
		Build()
}

// Completed creates a response signalling the interview has no further questions.
func Completed(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusCompleted).
		WithResult(result).
		Build()
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SubmitResponseRequest is the body of POST /sessions/{id}/responses.
type SubmitResponseRequest struct {
	QuestionKey string `json:"questionKey"`
	Value       any    `json:"value"`
}

// ChatRequest is the body of POST /sessions/{id}/chat.
type ChatRequest struct {
	Message string `json:"message"`
}
