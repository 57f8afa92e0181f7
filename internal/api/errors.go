package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// CodeTokenNotValid is the error code the server puts in a 401 body when the
// access token is expired or otherwise invalid.
const CodeTokenNotValid = "token_not_valid"

const (
	fallbackMessage = "Something went wrong. Please try again."
	networkMessage  = "Server not responding. Please check your connection."
)

// NetworkError means no response reached the caller: dial failure, reset,
// timeout or an unreadable body.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request ran out of time.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// HTTPError is a response with status >= 400.
type HTTPError struct {
	Status int
	Body   []byte
	// Code and Detail are lifted from a JSON object body when present.
	Code   string
	Detail string
}

func newHTTPError(status int, body []byte) *HTTPError {
	e := &HTTPError{Status: status, Body: body}
	var fields struct {
		Code   string `json:"code"`
		Detail any    `json:"detail"`
	}
	if json.Unmarshal(body, &fields) == nil {
		e.Code = fields.Code
		if s, ok := fields.Detail.(string); ok {
			e.Detail = s
		}
	}
	return e
}

func (e *HTTPError) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("http %d: %s", e.Status, e.Detail)
	case e.Code != "":
		return fmt.Sprintf("http %d: %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("http %d: %s", e.Status, http.StatusText(e.Status))
	}
}

// TokenExpired reports whether this is the 401 the dispatcher recovers from.
func (e *HTTPError) TokenExpired() bool {
	return e.Status == http.StatusUnauthorized && e.Code == CodeTokenNotValid
}

// Message renders the body as a short user-facing notice: a bare string body,
// the "detail" field, or all field errors joined.
func (e *HTTPError) Message() string {
	var raw any
	if err := json.Unmarshal(e.Body, &raw); err != nil {
		if text := strings.TrimSpace(string(e.Body)); text != "" && len(text) < 200 {
			return text
		}
		return fallbackMessage
	}

	switch body := raw.(type) {
	case string:
		return body
	case map[string]any:
		if detail, ok := body["detail"].(string); ok {
			return detail
		}
		keys := make([]string, 0, len(body))
		for k := range body {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			parts = append(parts, flatten(body[k])...)
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return fallbackMessage
}

func flatten(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, flatten(item)...)
		}
		return out
	default:
		return nil
	}
}

// UserMessage maps any error from this package to a notice suitable for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Message()
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return networkMessage
	}
	return err.Error()
}
