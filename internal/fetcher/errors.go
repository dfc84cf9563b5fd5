package fetcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRateLimited matches a RemoteError carrying HTTP 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrMalformedPayload is a 200 response whose body is not the expected JSON shape.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrEmptyPayload is a 200 response with an empty list.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrTimeout is returned when an execution does not finish within the poll budget.
	ErrTimeout = errors.New("execution timed out")
)

// RemoteError is a non-success HTTP response.
type RemoteError struct {
	Service string
	Status  int
	Body    string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s api error (%d)", e.Service, e.Status)
	}
	return fmt.Sprintf("%s api error (%d): %s", e.Service, e.Status, e.Body)
}

// Is lets errors.Is(err, ErrRateLimited) see through a 429.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// ExecutionFailedError reports a query execution that ended in a failure state.
type ExecutionFailedError struct {
	ExecutionID string
	State       State
	Message     string
}

func (e *ExecutionFailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("execution %s ended in %s: %s", e.ExecutionID, e.State, msg)
}

type errorResponse struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func newRemoteError(service string, status int, payload []byte) error {
	return &RemoteError{Service: service, Status: status, Body: describePayload(payload)}
}

// describePayload keeps the raw body but prefers a decoded error message when there is one.
func describePayload(payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if msg := errorMessage(apiErr.Error); msg != "" {
			return msg
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	return strings.TrimSpace(string(payload))
}

// errorMessage accepts either "error": "text" or "error": {"message": "text"}.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Type
	}
	return strings.TrimSpace(string(raw))
}
