// Package apierror maps service errors onto the wire error shape
// {"error": ..., "code": ..., "details": {...}} exactly once, so every route
// returns the same framing for the same failure.
package apierror

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	registrystore "github.com/recallio/recall/internal/registry/store"
)

// Respond writes err to the client with the appropriate status code and body.
func Respond(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var precondition *registrystore.PreconditionError
	var tooLarge *registrystore.PayloadTooLargeError
	var searchUnavailable *registrystore.SearchUnavailableError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.As(err, &validation):
		body := gin.H{"error": err.Error(), "code": "validation_error"}
		if validation.Field != "" {
			body["details"] = gin.H{"field": validation.Field}
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &conflict):
		code := conflict.Code
		if code == "" {
			code = "conflict"
		}
		body := gin.H{"error": err.Error(), "code": code}
		if len(conflict.Details) > 0 {
			body["details"] = conflict.Details
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "access_denied"})
	case errors.As(err, &precondition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "precondition_failed"})
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error(), "code": "payload_too_large"})
	case errors.As(err, &searchUnavailable):
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":          "search_type_unavailable",
			"code":           "search_type_unavailable",
			"availableTypes": available(searchUnavailable),
		})
	default:
		log.Error("Unhandled service error", "error", err, "stack", string(debug.Stack()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error", "code": "storage_error"})
	}
}

// Validation writes a field-level validation failure without requiring the
// caller to construct the error type.
func Validation(c *gin.Context, field, message string) {
	Respond(c, &registrystore.ValidationError{Field: field, Message: message})
}

func available(e *registrystore.SearchUnavailableError) []string {
	if e.AvailableTypes == nil {
		return []string{}
	}
	return e.AvailableTypes
}
