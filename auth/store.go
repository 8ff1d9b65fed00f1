package auth

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/warden/lock"
	"github.com/jmcleod/warden/session"
)

// Store holds the active session of one Service. Each accessor is atomic;
// only the owning Service writes to it. The key password is kept sealed in
// a memguard enclave.
type Store struct {
	mu sync.RWMutex

	uid          string
	userID       string
	accessToken  string
	refreshToken string
	refreshTime  *int64
	localID      *int
	keyPassword  *memguard.Enclave

	lockStatus     lock.Status
	lockTTL        time.Duration
	lockToken      string
	lockLastExtend time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// HasSession reports whether a session, complete or not, is installed.
func (s *Store) HasSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid != ""
}

// Session returns the installed session, opening the key password enclave.
func (s *Store) Session() session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return session.Session{
		AccessToken:      s.accessToken,
		KeyPassword:      s.openKeyPassword(),
		LocalID:          copyInt(s.localID),
		RefreshTime:      copyInt64(s.refreshTime),
		RefreshToken:     s.refreshToken,
		SessionLockToken: s.lockToken,
		UID:              s.uid,
		UserID:           s.userID,
	}
}

// SetSession installs sess, including its sensitive half.
func (s *Store) SetSession(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = sess.UID
	s.userID = sess.UserID
	s.accessToken = sess.AccessToken
	s.refreshToken = sess.RefreshToken
	s.refreshTime = copyInt64(sess.RefreshTime)
	s.localID = copyInt(sess.LocalID)
	s.lockToken = sess.SessionLockToken
	s.keyPassword = sealString(sess.KeyPassword)
}

// SetPersisted installs the safe half of p. The sensitive half is still
// sealed in p's blob, so any previous key password and lock token are
// dropped.
func (s *Store) SetPersisted(p *session.PersistedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = p.UID
	s.userID = p.UserID
	s.accessToken = p.AccessToken
	s.refreshToken = p.RefreshToken
	s.refreshTime = copyInt64(p.RefreshTime)
	s.localID = copyInt(p.LocalID)
	s.lockToken = ""
	s.keyPassword = nil
}

// SetTokens applies rotated tokens.
func (s *Store) SetTokens(uid, accessToken, refreshToken string, refreshTime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
	s.accessToken = accessToken
	s.refreshToken = refreshToken
	if refreshTime != 0 {
		s.refreshTime = &refreshTime
	}
}

func (s *Store) UID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

func (s *Store) RefreshTime() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyInt64(s.refreshTime)
}

func (s *Store) LocalID() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyInt(s.localID)
}

// KeyPassword opens the key password enclave. It returns "" when the
// sensitive half is not known.
func (s *Store) KeyPassword() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openKeyPassword()
}

func (s *Store) LockStatus() lock.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockStatus
}

func (s *Store) SetLockStatus(st lock.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockStatus = st
}

func (s *Store) LockTTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockTTL
}

func (s *Store) SetLockTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockTTL = ttl
}

func (s *Store) LockToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockToken
}

func (s *Store) SetLockToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockToken = token
}

// LockLastExtend is when the lock TTL was last extended by a status probe.
func (s *Store) LockLastExtend() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockLastExtend
}

func (s *Store) SetLockLastExtend(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLastExtend = t
}

// Clear forgets the session and every lock detail.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid, s.userID = "", ""
	s.accessToken, s.refreshToken = "", ""
	s.refreshTime, s.localID = nil, nil
	s.keyPassword = nil
	s.lockStatus = lock.StatusUnknown
	s.lockTTL = 0
	s.lockToken = ""
	s.lockLastExtend = time.Time{}
}

func (s *Store) openKeyPassword() string {
	if s.keyPassword == nil {
		return ""
	}
	buf, err := s.keyPassword.Open()
	if err != nil {
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

func sealString(v string) *memguard.Enclave {
	if v == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(v))
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
