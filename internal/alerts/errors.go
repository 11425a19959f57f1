package alerts

import "errors"

var (
	// ErrValidation marks rejected user input; the caller may re-prompt.
	ErrValidation = errors.New("validation error")
	// ErrAlertNotFound is returned when no alert exists for the identifier.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrInvalidTransition marks a moderation status change that would move
	// backwards or to an unknown status.
	ErrInvalidTransition = errors.New("invalid status transition")
)
