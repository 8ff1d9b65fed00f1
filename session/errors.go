package session

import "errors"

var (
	// ErrInvalidSession indicates a structurally incomplete session. Such a
	// session is never persisted nor logged in with.
	ErrInvalidSession = errors.New("invalid session")
	// ErrInvalidPersistedSession indicates a persisted session that could not
	// be decrypted, parsed or trusted. It is treated as "no usable session".
	ErrInvalidPersistedSession = errors.New("invalid persisted session")
	// ErrInactiveSession indicates the backend no longer associates the
	// session with the persisted user. Resume reports it wrapped together
	// with ErrInvalidPersistedSession.
	ErrInactiveSession = errors.New("inactive session")
)
