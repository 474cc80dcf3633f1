package machine

import (
	"errors"
	"fmt"

	"foundry/internal/domain"
)

var (
	ErrInvalidDefinition = errors.New("invalid state machine definition")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUndefinedTarget   = errors.New("undefined transition target")
	ErrUnknownState      = errors.New("unknown state")
)

type ErrorCode string

const (
	CodeInvalidDefinition ErrorCode = "invalid_definition"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeUndefinedTarget   ErrorCode = "undefined_target"
	CodeUnknownState      ErrorCode = "unknown_state"
)

// Error is returned for definition and transition failures. It matches the
// package sentinels with errors.Is.
type Error struct {
	Code    ErrorCode
	Phase   domain.Phase
	Event   domain.Event
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Code {
	case CodeInvalidTransition:
		return fmt.Sprintf("invalid transition: %s from %s", e.Event, e.Phase)
	case CodeUndefinedTarget:
		return fmt.Sprintf("transition %s from %s targets an undefined state", e.Event, e.Phase)
	case CodeUnknownState:
		return fmt.Sprintf("unknown state %s", e.Phase)
	}
	return string(e.Code)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidDefinition:
		return e.Code == CodeInvalidDefinition
	case ErrInvalidTransition:
		return e.Code == CodeInvalidTransition
	case ErrUndefinedTarget:
		return e.Code == CodeUndefinedTarget
	case ErrUnknownState:
		return e.Code == CodeUnknownState
	}
	return false
}

func definitionError(format string, args ...any) error {
	return &Error{Code: CodeInvalidDefinition, Message: "invalid definition: " + fmt.Sprintf(format, args...)}
}
