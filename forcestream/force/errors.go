package force

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// ErrorCodeInvalidSession is the Salesforce error code for an expired or
// revoked access token.
const ErrorCodeInvalidSession = "INVALID_SESSION_ID"

// Sentinel errors.
var (
	// ErrNoRecords is returned by QuerySingle when the query matched nothing.
	ErrNoRecords = errors.New("force: query returned no records")

	// ErrTooManyRecords is returned by QuerySingle when the query matched
	// more than one record.
	ErrTooManyRecords = errors.New("force: query returned more than one record")
)

// APIError is an error reported by the REST API.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Fields     []string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "force: HTTP %d", e.StatusCode)
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, ": ErrorCode %s", e.ErrorCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (fields: %s)", strings.Join(e.Fields, ", "))
	}
	return b.String()
}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	return target == forcestream.ErrAuthentication && e.ErrorCode == ErrorCodeInvalidSession
}

// IsInvalidSession reports whether err means the access token was rejected.
func IsInvalidSession(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == ErrorCodeInvalidSession
	}
	return strings.Contains(err.Error(), "ErrorCode "+ErrorCodeInvalidSession)
}

// IsTransient reports whether err is worth retrying after a delay:
// network failures, server errors, and rate limiting. Client errors and
// cancellation are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, forcestream.ErrAuthentication) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// errorItem is one element of the error array the REST API returns.
type errorItem struct {
	Message   string   `json:"message"`
	ErrorCode string   `json:"errorCode"`
	Fields    []string `json:"fields"`
}

// oauthError is the body returned by OAuth endpoints.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// parseAPIError builds an APIError from a non-2xx response body.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var items []errorItem
	if err := json.Unmarshal(body, &items); err == nil && len(items) > 0 {
		apiErr.ErrorCode = items[0].ErrorCode
		apiErr.Message = items[0].Message
		apiErr.Fields = items[0].Fields
		return apiErr
	}

	var single errorItem
	if err := json.Unmarshal(body, &single); err == nil && single.ErrorCode != "" {
		apiErr.ErrorCode = single.ErrorCode
		apiErr.Message = single.Message
		apiErr.Fields = single.Fields
		return apiErr
	}

	var oauth oauthError
	if err := json.Unmarshal(body, &oauth); err == nil && oauth.Error != "" {
		apiErr.ErrorCode = oauth.Error
		apiErr.Message = oauth.ErrorDescription
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			apiErr.ErrorCode = ErrorCodeInvalidSession
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
