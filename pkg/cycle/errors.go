package cycle

import (
	"errors"
	"fmt"

	"github.com/entrhq/steward/pkg/patchgate"
)

// ErrorKind classifies why a cycle failed.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation_failure"
	KindPolicy     ErrorKind = "policy_violation"
	KindApply      ErrorKind = "apply_failure"
	KindDeploy     ErrorKind = "deploy_failure"
	KindHealth     ErrorKind = "health_check_failure"
	KindProposal   ErrorKind = "proposal_service_failure"
	KindVCS        ErrorKind = "version_control_failure"
)

// Error is the terminal failure of a cycle.
type Error struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a cycle error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// gateError classifies a patch gate failure.
func gateError(stage Stage, err error) *Error {
	var violation *patchgate.PolicyViolation
	if errors.As(err, &violation) {
		return &Error{Kind: KindPolicy, Stage: stage, Err: err}
	}
	return &Error{Kind: KindApply, Stage: stage, Err: err}
}
