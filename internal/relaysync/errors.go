package relaysync

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrMalformedRecord     = errors.New("malformed record")
	ErrStaleGeneration     = errors.New("stale generation")
	ErrTransport           = errors.New("transport error")
	ErrWriteConflict       = errors.New("write conflict")
	ErrSubscriptionTimeout = errors.New("subscription timeout")
	ErrBindingExists       = errors.New("binding already open for predicate")
	ErrBindingClosed       = errors.New("binding closed")
	ErrUnknownRecord       = errors.New("unknown record")
	ErrUnknownMutation     = errors.New("unknown mutation")
	ErrRecordGone          = errors.New("record no longer present")
	ErrPendingDelete       = errors.New("record has a pending delete")
	ErrFeedClosed          = errors.New("feed closed")
)

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error during %s", e.Op)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// AsTransportError wraps err unless it already carries a transport or write
// conflict classification.
func AsTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrWriteConflict) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

type WriteConflictError struct {
	RecordID string
	Reason   string
	Err      error
}

func (e *WriteConflictError) Error() string {
	msg := "write conflict"
	if e.RecordID != "" {
		msg += " for " + e.RecordID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteConflictError) Unwrap() error {
	return e.Err
}

func (e *WriteConflictError) Is(target error) bool {
	return target == ErrWriteConflict
}

// MutationError reports an optimistic mutation the Store refused or could not
// be reached for. Record is the reverted optimistic view, stamped failed.
type MutationError struct {
	Mutation Mutation
	Record   Record
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Mutation.Kind, e.Mutation.RecordID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...))
}
