package linear

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIssueNotFound = errors.New("linear issue not found")
	ErrTransient     = errors.New("linear request failed")
	ErrInvalidInput  = errors.New("invalid input")
)

// GraphQLError is one entry of a GraphQL response's top-level errors array.
type GraphQLError struct {
	Message string         `json:"message"`
	Path    []any          `json:"path,omitempty"`
	Ext     map[string]any `json:"extensions,omitempty"`
}

func (e *GraphQLError) Error() string {
	return "graphql: " + e.Message
}

func (e *GraphQLError) reportsNotFound() bool {
	if strings.Contains(strings.ToLower(e.Message), "not found") {
		return true
	}
	code, _ := e.Ext["code"].(string)
	return strings.EqualFold(code, "NOT_FOUND") || strings.EqualFold(code, "ENTITY_NOT_FOUND")
}

// TransientError is returned for failures that may succeed on a later
// delivery: transport errors, non-2xx statuses, unexpected payloads and
// GraphQL errors that do not report a missing entity.
type TransientError struct {
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	var b strings.Builder
	b.WriteString("linear ")
	b.WriteString(e.Operation)
	b.WriteString(" failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

func firstGraphQLError(errs []GraphQLError) *GraphQLError {
	if len(errs) == 0 {
		return nil
	}
	return &errs[0]
}
