package realtime

import (
	"errors"
	"fmt"

	"worldchat/internal/storage"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTimeout    = errors.New("timeout")
	ErrInternal   = errors.New("internal error")
	// ErrClosed is returned by hub calls made after the loop stopped.
	ErrClosed = errors.New("hub closed")
)

const (
	msgNoMatch          = "No available match found. Please try again later."
	msgActiveExists     = "You already have an active conversation in this language."
	msgPairExists       = "A conversation with this partner already exists."
	msgMatchInProgress  = "A match is already in progress."
	msgUserNotFound     = "User not found."
	msgMatchFailed      = "Could not start matching. Please try again."
	msgInternal         = "Internal server error"
	msgJoinConversation = "Join the conversation first."
)

// MatchError is surfaced to a matching requester as a matching-error event.
type MatchError struct {
	Kind                 error
	Message              string
	ExistingConversation *storage.Conversation
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *MatchError) Unwrap() error {
	return e.Kind
}

func matchError(kind error, message string, existing *storage.Conversation) *MatchError {
	return &MatchError{Kind: kind, Message: message, ExistingConversation: existing}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// publicMessage is the text sent back in an error event. Internal failures
// never leak their cause.
func publicMessage(err error) string {
	var matchErr *MatchError
	switch {
	case errors.As(err, &matchErr):
		return matchErr.Message
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrTimeout):
		return err.Error()
	default:
		return msgInternal
	}
}

// ErrorCode names the kind of err for clients that branch on it.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
