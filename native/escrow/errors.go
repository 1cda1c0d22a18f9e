package escrow

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by engine operations. Match them with errors.Is.
var (
	ErrNotFound          = errors.New("project not found")
	ErrUnauthorized      = errors.New("unauthorized caller")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidFeeRange   = errors.New("fee basis points out of range")
	ErrNothingToWithdraw = errors.New("no accrued fees to withdraw")
	ErrInvalidParties    = errors.New("invalid project parties")
	ErrInvalidAsset      = errors.New("invalid asset submission")
)

var (
	errNilState = errors.New("escrow engine: state not configured")
)

// Error reports a rejected operation together with the project it targeted.
// It unwraps to one of the Err* kinds.
type Error struct {
	Op        string
	ProjectID uint64
	Kind      error
	Detail    string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "escrow " + e.Op
	if e.ProjectID != 0 {
		msg += fmt.Sprintf(" project %d", e.ProjectID)
	}
	msg += ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

func opError(op string, id uint64, kind error, format string, args ...interface{}) error {
	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Op: op, ProjectID: id, Kind: kind, Detail: detail}
}
