package store

import (
	"fmt"
	"strings"
)

// NotFoundError indicates the resource is absent, soft-deleted, or invisible
// to the caller. Callers with no visibility into a group get this rather than
// ForbiddenError so that probing cannot distinguish "absent" from "hidden".
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation. Code and Details
// travel to the client verbatim (e.g. transfer_already_pending with
// existingTransferId).
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates the caller is known and has some visibility, but
// the specific action is denied.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// PreconditionError indicates the request is well-formed but the target's
// state refuses it, e.g. forking at a non-HISTORY entry.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// PayloadTooLargeError indicates a body or attachment exceeded a size limit.
type PayloadTooLargeError struct {
	Message string
}

func (e *PayloadTooLargeError) Error() string {
	return e.Message
}

// SearchUnavailableError indicates the requested searchType is not configured
// on this server. AvailableTypes lists what the caller can use instead.
type SearchUnavailableError struct {
	AvailableTypes []string
}

func (e *SearchUnavailableError) Error() string {
	if len(e.AvailableTypes) == 0 {
		return "search is not available on this server"
	}
	return fmt.Sprintf("search type unavailable, available types: %s", strings.Join(e.AvailableTypes, ", "))
}
