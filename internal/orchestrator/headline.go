package orchestrator

import (
	"errors"
	"fmt"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/policy"
)

// ErrCancelled is returned when a task was cancelled before its next step.
var ErrCancelled = errors.New("workflow cancelled before the next step")

// PanicError carries a panic recovered inside a task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Value)
}

// Headline gives a short category for err to show above the full message.
func Headline(err error) string {
	if err == nil {
		return ""
	}

	var (
		validationErr *policy.ValidationError
		execErr       *git.ExecutionError
		timeoutErr    *git.TimeoutError
		stateErr      *git.RepositoryStateError
		bizErr        *forge.BusinessError
		panicErr      *PanicError
	)

	switch {
	case errors.As(err, &validationErr):
		return "invalid input"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.As(err, &panicErr):
		return "internal error"
	case errors.As(err, &execErr):
		return "git not available"
	case errors.As(err, &timeoutErr):
		return "git timed out"
	case errors.As(err, &stateErr):
		return "git error"
	case forge.IsTransport(err):
		return "connection error"
	case errors.As(err, &bizErr):
		switch bizErr.Kind {
		case forge.KindAlreadyExists:
			return "already exists"
		case forge.KindUnauthorized:
			return "permission error"
		case forge.KindNotFound:
			return "not found"
		case forge.KindInvalid:
			return "rejected by server"
		}
		if bizErr.Retryable() {
			return "server unavailable"
		}
		return "remote error"
	default:
		return "failed"
	}
}
