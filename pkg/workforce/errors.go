package workforce

import "fmt"

// Kind classifies an Error. Validation failures and precondition
// failures both leave engine state unchanged; the engine never
// swallows a fallible path.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
)

// Error is the discriminated error value every fallible engine
// operation returns: a short machine-readable code plus a human
// message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newValidationErr(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func newPreconditionErr(code, format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Machine-readable error codes returned by the engine.
const (
	CodeDuplicateTask     = "duplicate_task"
	CodeMissingDependency = "missing_dependency"
	CodeCycleDetected     = "cycle_detected"
	CodePlanNotLoaded     = "plan_not_loaded"
	CodeTaskNotFound      = "task_not_found"
	CodeWorkerNotFound    = "worker_not_found"
	CodeInvalidResult     = "invalid_result"
	CodeInvalidTime       = "invalid_time"
)
