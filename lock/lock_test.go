package lock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendError struct {
	status, code int
}

func (e *backendError) Error() string   { return fmt.Sprintf("backend %d/%d", e.status, e.code) }
func (e *backendError) HTTPStatus() int { return e.status }
func (e *backendError) ErrorCode() int  { return e.code }

// fakeClient keeps lock state the way the backend does.
type fakeClient struct {
	pin      string
	status   Status
	ttl      time.Duration
	calls    int
	forceErr error
	netErr   error
}

func (f *fakeClient) CreateLock(_ context.Context, pin string, ttl time.Duration) (string, error) {
	f.calls++
	if f.netErr != nil {
		return "", f.netErr
	}
	f.pin, f.ttl, f.status = pin, ttl, StatusRegistered
	return "token-create", nil
}

func (f *fakeClient) CheckLock(context.Context) (Lock, error) {
	f.calls++
	if f.status == "" {
		return Lock{Status: StatusNone}, nil
	}
	return Lock{Status: f.status, TTL: f.ttl}, nil
}

func (f *fakeClient) UnlockSession(_ context.Context, pin string) (string, error) {
	f.calls++
	if f.status == StatusNone || f.status == "" {
		return "", &backendError{status: 400, code: CodeLockMissing}
	}
	if pin != f.pin {
		return "", &backendError{status: 422, code: 2011}
	}
	f.status = StatusRegistered
	return "token-unlock", nil
}

func (f *fakeClient) DeleteLock(_ context.Context, pin string) error {
	f.calls++
	if f.status != StatusRegistered || pin != f.pin {
		return &backendError{status: 422, code: 2011}
	}
	f.status = StatusNone
	return nil
}

func (f *fakeClient) ForceLock(context.Context) error {
	f.calls++
	if f.forceErr != nil {
		return f.forceErr
	}
	f.status = StatusLocked
	return nil
}

func TestValidatePIN(t *testing.T) {
	valid := map[string]string{
		"Ascii":     "123456",
		"Fullwidth": "１２３４５６",
	}
	for name, pin := range valid {
		t.Run(name, func(t *testing.T) {
			got, err := ValidatePIN(pin)
			require.NoError(t, err)
			assert.Equal(t, "123456", got)
		})
	}

	for _, pin := range []string{"", "12345", "1234567", "12a456", "12 456", "١٢٣٤٥٦"} {
		t.Run("Reject"+pin, func(t *testing.T) {
			_, err := ValidatePIN(pin)
			assert.ErrorIs(t, err, ErrInvalidPIN)
		})
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{}

	l, err := Check(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, l.Status)

	token, err := Create(ctx, c, "123456", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "token-create", token)

	require.NoError(t, Force(ctx, c))
	l, err = Check(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, l.Status)
	assert.Equal(t, 10*time.Minute, l.TTL)

	_, err = Unlock(ctx, c, "654321")
	assert.ErrorIs(t, err, ErrLockFailure)
	assert.NotErrorIs(t, err, ErrLockRemoved)

	token, err = Unlock(ctx, c, "123456")
	require.NoError(t, err)
	assert.Equal(t, "token-unlock", token)

	assert.ErrorIs(t, Delete(ctx, c, "000000"), ErrLockFailure)
	require.NoError(t, Delete(ctx, c, "123456"))
	assert.Equal(t, StatusNone, c.status)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{}

	_, err := Create(ctx, c, "12", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidPIN)
	_, err = Create(ctx, c, "123456", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	assert.Zero(t, c.calls, "invalid input must not reach the backend")
}

func TestUnlock_LockRemoved(t *testing.T) {
	_, err := Unlock(context.Background(), &fakeClient{status: StatusNone}, "123456")
	assert.ErrorIs(t, err, ErrLockRemoved)
	assert.NotErrorIs(t, err, ErrLockFailure)
}

func TestTransportErrorsAreNotLockFailures(t *testing.T) {
	offline := errors.New("offline")
	_, err := Create(context.Background(), &fakeClient{netErr: offline}, "123456", time.Minute)
	assert.ErrorIs(t, err, offline)
	assert.NotErrorIs(t, err, ErrLockFailure)

	err = Force(context.Background(), &fakeClient{forceErr: &backendError{status: 500}})
	assert.ErrorIs(t, err, ErrLockFailure)
}
