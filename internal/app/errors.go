package app

import (
	"errors"
	"fmt"
	"net/http"

	"crewspace/api/internal/cascade"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
	"crewspace/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

const (
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeNotFound              = "NOT_FOUND"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodePartialCascadeFailure = "PARTIAL_CASCADE_FAILURE"
	CodeFeedUnavailable       = "FEED_UNAVAILABLE"
	CodeConfirmationRequired  = "CONFIRMATION_REQUIRED"
	CodeWorkflowConflict      = "WORKFLOW_CONFLICT"
	CodeUnavailable           = "UNAVAILABLE"
)

func unauthorized(reason string) *DomainError {
	return domainError(http.StatusForbidden, CodeUnauthorized, reason, nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func validationFailed(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidationFailed, message, details)
}

func confirmationRequired(message string) *DomainError {
	return domainError(http.StatusPreconditionRequired, CodeConfirmationRequired, message, nil)
}

func workflowConflict() *DomainError {
	return domainError(http.StatusConflict, CodeWorkflowConflict, "workflow was changed by someone else; reload and retry", nil)
}

func feedUnavailable(cause error) *DomainError {
	message := "live updates unavailable; showing periodically refreshed data"
	if cause != nil {
		return domainError(http.StatusServiceUnavailable, CodeFeedUnavailable, message, map[string]any{"cause": cause.Error()})
	}
	return domainError(http.StatusServiceUnavailable, CodeFeedUnavailable, message, nil)
}

func unavailable(what string) *DomainError {
	return domainError(http.StatusServiceUnavailable, CodeUnavailable, what+" is not configured", nil)
}

func partialCascadeFailure(failure *cascade.PartialFailure) *DomainError {
	completed := make([]map[string]any, 0, len(failure.Completed))
	for _, step := range failure.Completed {
		completed = append(completed, map[string]any{"table": step.Table, "deleted": step.Deleted})
	}
	remaining := make([]string, 0, len(failure.Remaining))
	for _, table := range failure.Remaining {
		remaining = append(remaining, string(table))
	}
	return domainError(http.StatusInternalServerError, CodePartialCascadeFailure, failure.Error(), map[string]any{
		"completed": completed,
		"failed":    map[string]any{"table": failure.Failed.Table, "deleted": failure.Failed.Deleted},
		"remaining": remaining,
	})
}

// translate maps package sentinels onto the caller-visible taxonomy. Errors
// it does not recognise pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain
	}
	var failure *cascade.PartialFailure
	if errors.As(err, &failure) {
		return partialCascadeFailure(failure)
	}
	var invalid *workflow.ValidationError
	if errors.As(err, &invalid) {
		return validationFailed("workflow is invalid", invalid.Problems)
	}
	switch {
	case errors.Is(err, cascade.ErrConfirmationRequired):
		return confirmationRequired(fmt.Sprintf("type %q to confirm", cascade.ConfirmationPhrase))
	case errors.Is(err, store.ErrVersionConflict):
		return workflowConflict()
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, reconcile.ErrInvalidMutation):
		return validationFailed(err.Error(), nil)
	}
	return err
}

// IsCode reports whether err is a DomainError with the given code.
func IsCode(err error, code string) bool {
	var domain *DomainError
	return errors.As(err, &domain) && domain.Code == code
}
