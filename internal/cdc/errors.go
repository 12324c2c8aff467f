package cdc

import "errors"

// ErrAwaitingPending is returned by a handler when a posted/voided/expired
// event references a pending transfer the projection has not observed yet.
// The delivery is parked and replayed by the reconciler instead of failing
// permanently; the pending event may simply not have arrived.
var ErrAwaitingPending = errors.New("awaiting pending transfer")

// PermanentError marks a handler failure that no amount of retrying can fix,
// such as a referential-integrity violation against a non-existent account.
// Permanent failures are dead-lettered immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatcher dead-letters instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
