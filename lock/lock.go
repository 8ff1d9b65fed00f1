// Package lock implements the PIN session lock sub-protocol.
//
// A lock moves through none -> registered -> locked. Unlocking with the PIN
// returns to registered and yields a fresh lock token; deleting the lock with
// the PIN while unlocked returns to none.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/warden/internal/util"
)

// Status is the server-side lock state of a session.
type Status string

const (
	// StatusUnknown means the state has not been probed yet.
	StatusUnknown    Status = ""
	StatusNone       Status = "none"
	StatusRegistered Status = "registered"
	StatusLocked     Status = "locked"
)

// CodeLockMissing is the backend error code answered when no lock exists.
const CodeLockMissing = 300008

// PINLength is the number of digits in a lock PIN.
const PINLength = 6

var (
	ErrInvalidPIN  = errors.New("invalid PIN")
	ErrInvalidTTL  = errors.New("lock TTL must be positive")
	ErrLockFailure = errors.New("session lock failure")
	// ErrLockRemoved is returned by Unlock when the lock no longer exists
	// server-side. Callers should treat it as an unlock without token.
	ErrLockRemoved = errors.New("session lock removed")
)

// Lock is the result of a status probe.
type Lock struct {
	Status Status        `json:"Status"`
	TTL    time.Duration `json:"TTL"`
}

// Client is the backend surface the lock protocol needs.
type Client interface {
	CreateLock(ctx context.Context, pin string, ttl time.Duration) (string, error)
	CheckLock(ctx context.Context) (Lock, error)
	UnlockSession(ctx context.Context, pin string) (string, error)
	DeleteLock(ctx context.Context, pin string) error
	ForceLock(ctx context.Context) error
}

// codedError is satisfied by backend error responses.
type codedError interface {
	error
	HTTPStatus() int
	ErrorCode() int
}

// ValidatePIN normalizes pin and checks it is exactly PINLength ASCII digits.
func ValidatePIN(pin string) (string, error) {
	pin = util.Normalize(pin)
	if len(pin) != PINLength {
		return "", fmt.Errorf("%w: must be %d digits", ErrInvalidPIN, PINLength)
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return "", fmt.Errorf("%w: must be %d digits", ErrInvalidPIN, PINLength)
		}
	}
	return pin, nil
}

// Create registers a PIN lock that engages after ttl of inactivity and
// returns the lock token.
func Create(ctx context.Context, c Client, pin string, ttl time.Duration) (string, error) {
	pin, err := ValidatePIN(pin)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	token, err := c.CreateLock(ctx, pin, ttl)
	if err != nil {
		return "", classify("create", err)
	}
	return token, nil
}

// Check probes the lock status. The probe extends the lock TTL server-side.
func Check(ctx context.Context, c Client) (Lock, error) {
	l, err := c.CheckLock(ctx)
	if err != nil {
		return Lock{}, classify("check", err)
	}
	return l, nil
}

// Unlock unlocks the session with pin and returns the new lock token.
func Unlock(ctx context.Context, c Client, pin string) (string, error) {
	pin, err := ValidatePIN(pin)
	if err != nil {
		return "", err
	}
	token, err := c.UnlockSession(ctx, pin)
	if err != nil {
		var ce codedError
		if errors.As(err, &ce) && ce.HTTPStatus() == 400 && ce.ErrorCode() == CodeLockMissing {
			return "", fmt.Errorf("%w: %w", ErrLockRemoved, err)
		}
		return "", classify("unlock", err)
	}
	return token, nil
}

// Delete removes the lock. The session must be unlocked.
func Delete(ctx context.Context, c Client, pin string) error {
	pin, err := ValidatePIN(pin)
	if err != nil {
		return err
	}
	if err := c.DeleteLock(ctx, pin); err != nil {
		return classify("delete", err)
	}
	return nil
}

// Force locks the session server-side immediately.
func Force(ctx context.Context, c Client) error {
	if err := c.ForceLock(ctx); err != nil {
		return classify("force", err)
	}
	return nil
}

// classify marks backend rejections as ErrLockFailure. Transport errors are
// returned unchanged.
func classify(op string, err error) error {
	var ce codedError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %s: %w", ErrLockFailure, op, err)
	}
	return fmt.Errorf("%s lock: %w", op, err)
}
