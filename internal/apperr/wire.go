package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Body is the JSON error envelope written by the API.
type Body struct {
	Error     string       `json:"error"`
	Code      Code         `json:"code,omitempty"`
	Fields    []FieldError `json:"fields,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}

// ToBody renders err into the wire envelope.
func ToBody(err error) Body {
	var e *Error
	if !errors.As(err, &e) {
		return Body{Error: "internal error", Code: CodeInternal}
	}
	return Body{Error: e.Message, Code: e.Code, Fields: e.Fields}
}

// FromResponse reconstructs an *Error from a non-2xx response body. Unknown
// bodies degrade to a code derived from the status.
func FromResponse(status int, body []byte) *Error {
	var b Body
	if len(body) > 0 && json.Unmarshal(body, &b) == nil && (b.Error != "" || b.Code != "") {
		code := b.Code
		if code == "" {
			code = codeForStatus(status)
		}
		msg := strings.TrimSpace(b.Error)
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &Error{Code: code, Message: msg, Fields: b.Fields}
	}
	return &Error{
		Code:    codeForStatus(status),
		Message: fmt.Sprintf("unexpected status %d", status),
	}
}
