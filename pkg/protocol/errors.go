package protocol

import (
	"errors"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/schema"
)

// Error codes carried by error packets.
const (
	CodeUnknownPacket    = "unknown_packet"
	CodeBadRequest       = "bad_request"
	CodeRunNotFound      = "run_not_found"
	CodeRunFinished      = "run_finished"
	CodeNotAwaitingInput = "not_awaiting_input"
	CodeInvalidInput     = "invalid_input"
	CodeRunBusy          = "run_busy"
	CodeInternal         = "internal"
)

// ErrorFor converts an error into an error packet with a stable code.
func ErrorFor(err error) Error {
	return Error{Code: codeOf(err), Message: err.Error()}
}

func codeOf(err error) string {
	var execErr *domain.ExecutorError
	switch {
	case errors.Is(err, ErrUnknownPacket):
		return CodeUnknownPacket
	case errors.Is(err, ErrMalformedPacket):
		return CodeBadRequest
	case errors.Is(err, domain.ErrRunNotFound):
		return CodeRunNotFound
	case errors.Is(err, domain.ErrRunFinished):
		return CodeRunFinished
	case errors.Is(err, domain.ErrNodeNotAwaitingInput):
		return CodeNotAwaitingInput
	case errors.Is(err, domain.ErrRunBusy), errors.Is(err, domain.ErrRunLocked):
		return CodeRunBusy
	case len(schema.ValidationErrors(err)) > 0:
		return CodeInvalidInput
	case errors.As(err, &execErr) && execErr.Kind == domain.KindInvalidInput:
		return CodeInvalidInput
	}
	return CodeInternal
}
