// Package errors defines the coded domain errors of the orchestrator.
package errors

import "fmt"

// DomainError represents an orchestrator-specific error with a stable code
type DomainError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (e DomainError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Common orchestrator errors
var (
	// ErrInstanceNotFound indicates the journey instance was not found
	ErrInstanceNotFound = DomainError{
		Code:    "INSTANCE_NOT_FOUND",
		Message: "Journey instance not found",
	}

	// ErrLockNotHeld indicates a transition was attempted without a valid lease
	ErrLockNotHeld = DomainError{
		Code:    "LOCK_NOT_HELD",
		Message: "No valid lease is held for this instance",
	}

	// ErrLeaseHeld indicates another worker currently holds the instance lease
	ErrLeaseHeld = DomainError{
		Code:    "LEASE_HELD",
		Message: "Instance lease is held by another worker",
	}

	// ErrInvalidTransition indicates no matching edge exists in the definition
	ErrInvalidTransition = DomainError{
		Code:    "INVALID_TRANSITION",
		Message: "No transition is declared between these states",
	}

	// ErrStepExecutionFailed indicates a step handler failed after exhausting retries
	ErrStepExecutionFailed = DomainError{
		Code:    "STEP_EXECUTION_FAILED",
		Message: "Step execution failed after exhausting retries",
	}

	// ErrRollbackNotAllowed indicates rollback was attempted on a non-rollbackable instance
	ErrRollbackNotAllowed = DomainError{
		Code:    "ROLLBACK_NOT_ALLOWED",
		Message: "Instance has produced irreversible side effects and cannot roll back",
	}

	// ErrDefinitionInvalid indicates a definition was rejected at publish time
	ErrDefinitionInvalid = DomainError{
		Code:    "DEFINITION_INVALID",
		Message: "Journey definition failed validation",
	}

	// ErrDefinitionNotFound indicates no definition exists for the slug/version
	ErrDefinitionNotFound = DomainError{
		Code:    "DEFINITION_NOT_FOUND",
		Message: "Journey definition not found",
	}
)

// NewDomainError creates a new domain error with details
func NewDomainError(code, message string, details map[string]interface{}) DomainError {
	return DomainError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WithDetails adds details to an existing error
func (e DomainError) WithDetails(details map[string]interface{}) DomainError {
	e.Details = details
	return e
}

func hasCode(err error, code string) bool {
	domErr, ok := err.(DomainError)
	return ok && domErr.Code == code
}

// IsInstanceNotFound checks if the error is an instance not found error
func IsInstanceNotFound(err error) bool {
	return hasCode(err, ErrInstanceNotFound.Code)
}

// IsLockNotHeld checks if the error is a lock not held error
func IsLockNotHeld(err error) bool {
	return hasCode(err, ErrLockNotHeld.Code)
}

// IsLeaseHeld checks if the error is a lease contention error
func IsLeaseHeld(err error) bool {
	return hasCode(err, ErrLeaseHeld.Code)
}

// IsInvalidTransition checks if the error is an invalid transition error
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrInvalidTransition.Code)
}

// IsStepExecutionFailed checks if the error is a step execution failure
func IsStepExecutionFailed(err error) bool {
	return hasCode(err, ErrStepExecutionFailed.Code)
}

// IsRollbackNotAllowed checks if the error is a rollback not allowed error
func IsRollbackNotAllowed(err error) bool {
	return hasCode(err, ErrRollbackNotAllowed.Code)
}

// IsDefinitionInvalid checks if the error is a definition validation error
func IsDefinitionInvalid(err error) bool {
	return hasCode(err, ErrDefinitionInvalid.Code)
}

// IsDefinitionNotFound checks if the error is a definition not found error
func IsDefinitionNotFound(err error) bool {
	return hasCode(err, ErrDefinitionNotFound.Code)
}
