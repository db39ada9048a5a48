package session

import "errors"

// Sentinel errors for session operations.
// These errors are part of the Store's public API and should be checked
// using errors.Is().
//
// Example:
//
//	turns, err := store.History(id, 0)
//	if errors.Is(err, session.ErrSessionNotFound) {
//	    // Handle missing or expired session
//	}
var (
	// ErrSessionNotFound indicates the session does not exist or has expired.
	// Expired sessions are indistinguishable from sessions that never existed.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreClosed indicates the store has been closed and no longer
	// accepts operations.
	ErrStoreClosed = errors.New("session store closed")
)
