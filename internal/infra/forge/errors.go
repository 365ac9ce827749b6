package forge

import (
	"fmt"
	"strings"
	"time"
)

// GraphQL error types reported by the forge.
const (
	ErrorTypeRateLimited = "RATE_LIMITED"
	ErrorTypeNotFound    = "NOT_FOUND"
	ErrorTypeForbidden   = "FORBIDDEN"
	ErrorTypeInternal    = "INTERNAL"
)

// GraphQLError is one entry of a response's errors list.
type GraphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    []any  `json:"path"`
}

// APIError is a non-2xx response or a response carrying GraphQL errors.
type APIError struct {
	StatusCode int
	Errors     []GraphQLError
	Body       string

	// Rate limit hints from headers. Remaining is -1 when not reported.
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		msgs := make([]string, 0, len(e.Errors))
		for _, ge := range e.Errors {
			if ge.Type != "" {
				msgs = append(msgs, ge.Type+": "+ge.Message)
			} else {
				msgs = append(msgs, ge.Message)
			}
		}
		return fmt.Sprintf("graphql error (http %d): %s", e.StatusCode, strings.Join(msgs, "; "))
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, body)
}

// HasType reports whether any GraphQL error has the given type.
func (e *APIError) HasType(t string) bool {
	for _, ge := range e.Errors {
		if ge.Type == t {
			return true
		}
	}
	return false
}

// Message joins the GraphQL messages, or falls back to the body.
func (e *APIError) Message() string {
	if len(e.Errors) == 0 {
		return e.Body
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		msgs = append(msgs, ge.Message)
	}
	return strings.Join(msgs, "; ")
}

// InvalidKeyError is returned when a natural key fails validation before it
// would be interpolated into a query.
type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid natural key %q", e.Key)
}
