package domain

import "errors"

var (
	// ErrSessionNotFound is returned by checkpoint stores for unknown or
	// expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConflict is returned when a checkpoint was written by another turn
	// after it was loaded.
	ErrConflict = errors.New("session checkpoint conflict")
)

// SessionExpiredError is returned for a checkpoint that is past its expiry
// but still stored. It matches ErrSessionNotFound. A session restarted under
// the same ID must continue from Version and MessageCount so its writes do
// not collide with the leftover records.
type SessionExpiredError struct {
	Version      int64
	MessageCount int
}

func (e *SessionExpiredError) Error() string {
	return ErrSessionNotFound.Error() + " (expired)"
}

func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrSessionNotFound
}
