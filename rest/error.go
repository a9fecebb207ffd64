package rest

import (
	"fmt"
)

// APIError is a non-2xx response from the chat backend.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}
