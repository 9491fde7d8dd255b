package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is an API failure reported by the backend service.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %s (status %d, code %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("backend: %s (status %d)", e.Message, e.Status)
}

// parseAPIError decodes an error response body. The auth and row endpoints
// disagree on field names, so try all of them before giving up.
func parseAPIError(status int, body []byte) *Error {
	var payload struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		ErrorField       string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Code             any    `json:"code"`
	}
	e := &Error{Status: status, Message: "request failed"}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			e.Message = payload.Message
		case payload.Msg != "":
			e.Message = payload.Msg
		case payload.ErrorDescription != "":
			e.Message = payload.ErrorDescription
		case payload.ErrorField != "":
			e.Message = payload.ErrorField
		}
		if payload.Code != nil {
			e.Code = fmt.Sprintf("%v", payload.Code)
		}
	}
	return e
}

// FriendlyMessage maps an error to a message fit for showing to a person.
func FriendlyMessage(err error) string {
	if err == nil {
		return "Unknown error"
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "28P01":
			return "Invalid credentials"
		case "400":
			return "Bad request"
		case "401":
			return "Unauthorized"
		case "403":
			return "Forbidden"
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return "Something went wrong"
	}
	return err.Error()
}
