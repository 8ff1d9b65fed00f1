package backend

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/warden/fork"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/lock"
)

const (
	saltSize  = 16
	tokenSize = 32
)

var (
	errUserExists = errors.New("user already exists")
	errNoSession  = errors.New("no such session")
)

type userRecord struct {
	id           string
	name         string
	keySalt      []byte
	passwordSalt []byte
	passwordHash []byte
}

type lockRecord struct {
	pinSalt      []byte
	pinHash      []byte
	storageToken string
	ttl          time.Duration
	lastActivity time.Time
	forced       bool
}

type sessionRecord struct {
	uid           string
	userID        string
	accessToken   string
	refreshToken  string
	accessExpires time.Time
	refreshTime   time.Time
	localKey      []byte
	lock          *lockRecord
}

type forkRecord struct {
	userID  string
	grant   fork.Grant
	expires time.Time
}

// state is the backend's in-memory database.
type state struct {
	mu       sync.Mutex
	users    map[string]*userRecord // by name
	sessions map[string]*sessionRecord
	forks    map[string]*forkRecord
}

func newState() *state {
	return &state{
		users:    make(map[string]*userRecord),
		sessions: make(map[string]*sessionRecord),
		forks:    make(map[string]*forkRecord),
	}
}

// lockStatus reports the status of s's lock at now. A registered lock whose
// TTL elapsed without activity is locked.
func (s *sessionRecord) lockStatus(now time.Time) lock.Status {
	switch {
	case s.lock == nil:
		return lock.StatusNone
	case s.lock.forced || now.Sub(s.lock.lastActivity) >= s.lock.ttl:
		return lock.StatusLocked
	default:
		return lock.StatusRegistered
	}
}

// touch records activity, extending an unlocked lock.
func (s *sessionRecord) touch(now time.Time) {
	if s.lockStatus(now) == lock.StatusRegistered {
		s.lock.lastActivity = now
	}
}

func newSessionRecord(userID string, now time.Time, accessTTL time.Duration) (*sessionRecord, error) {
	access, err := util.RandomToken(tokenSize)
	if err != nil {
		return nil, err
	}
	refresh, err := util.RandomToken(tokenSize)
	if err != nil {
		return nil, err
	}
	return &sessionRecord{
		uid:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		userID:        userID,
		accessToken:   access,
		refreshToken:  refresh,
		accessExpires: now.Add(accessTTL),
		refreshTime:   now,
	}, nil
}

func (st *state) addUser(u *userRecord) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.users[u.name]; ok {
		return fmt.Errorf("%s: %w", u.name, errUserExists)
	}
	st.users[u.name] = u
	return nil
}

func (st *state) user(name string) (*userRecord, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.users[name]
	return u, ok
}

func (st *state) userByID(id string) (*userRecord, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, u := range st.users {
		if u.id == id {
			return u, true
		}
	}
	return nil, false
}

func (st *state) addSession(s *sessionRecord) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.uid] = s
}

// withSession runs fn on the session under the state lock.
func (st *state) withSession(uid string, fn func(s *sessionRecord) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[uid]
	if !ok {
		return errNoSession
	}
	return fn(s)
}

func (st *state) removeSession(uid string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sessions[uid]
	delete(st.sessions, uid)
	return ok
}

func (st *state) addFork(selector string, f *forkRecord) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.forks[selector] = f
}

// takeFork removes and returns an unexpired fork.
func (st *state) takeFork(selector string, now time.Time) (*forkRecord, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	f, ok := st.forks[selector]
	if !ok {
		return nil, false
	}
	delete(st.forks, selector)
	return f, now.Before(f.expires)
}

// sweep drops expired forks.
func (st *state) sweep(now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for sel, f := range st.forks {
		if !now.Before(f.expires) {
			delete(st.forks, sel)
		}
	}
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
