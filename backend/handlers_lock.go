package backend

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/lock"
)

var (
	errLockMissing = errors.New("session lock not found")
	errLockExists  = errors.New("session lock already registered")
	errWrongPIN    = errors.New("wrong PIN")
)

type lockRequest struct {
	LockCode     string `json:"LockCode"`
	UnlockedSecs int64  `json:"UnlockedSecs"`
}

type lockTokenResponse struct {
	Code     int `json:"Code"`
	LockData struct {
		StorageToken string `json:"StorageToken"`
	} `json:"LockData"`
}

type lockStatusResponse struct {
	Code int `json:"Code"`
	Lock struct {
		Status lock.Status `json:"Status"`
		TTL    int64       `json:"TTL"`
	} `json:"Lock"`
}

func lockTokenBody(token string) lockTokenResponse {
	res := lockTokenResponse{Code: codeSuccess}
	res.LockData.StorageToken = token
	return res
}

func (s *Server) writeLockError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errLockMissing):
		writeError(w, http.StatusBadRequest, codeSessionLocked, "Session lock not found")
	case errors.Is(err, errLocked):
		writeError(w, http.StatusForbidden, codeSessionLocked, "session locked")
	case errors.Is(err, errLockExists):
		writeError(w, http.StatusConflict, codeLockExists, "Session lock already registered")
	case errors.Is(err, errWrongPIN):
		writeError(w, http.StatusUnprocessableEntity, codeWrongPIN, "Wrong PIN code")
	case errors.Is(err, errNoSession):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session")
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (s *Server) handleCheckLock(w http.ResponseWriter, r *http.Request) {
	res := lockStatusResponse{Code: codeSuccess}
	err := s.state.withSession(uidFrom(r.Context()), func(rec *sessionRecord) error {
		res.Lock.Status = rec.lockStatus(s.now())
		if rec.lock != nil {
			res.Lock.TTL = int64(rec.lock.ttl / time.Second)
		}
		return nil
	})
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleCreateLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pin, err := lock.ValidatePIN(req.LockCode)
	if err != nil || req.UnlockedSecs <= 0 {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "a 6 digit PIN and a positive TTL are required")
		return
	}
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	hash, err := util.DeriveArgon2idKey(pin, salt, s.params)
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	token, err := util.RandomToken(tokenSize)
	if err != nil {
		s.writeLockError(w, err)
		return
	}

	var rec *sessionRecord
	err = s.state.withSession(uidFrom(r.Context()), func(sr *sessionRecord) error {
		if sr.lock != nil {
			return errLockExists
		}
		sr.lock = &lockRecord{
			pinSalt:      salt,
			pinHash:      hash,
			storageToken: token,
			ttl:          time.Duration(req.UnlockedSecs) * time.Second,
			lastActivity: s.now(),
		}
		rec = sr
		return nil
	})
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	s.audit.logSession(AuditLockCreated, r, rec, slog.Int64("ttl_secs", req.UnlockedSecs))
	writeOK(w, lockTokenBody(token))
}

// verifyPIN checks pin against the session's lock with attempt limiting.
// It must not be called with the state lock held: hashing is slow.
func (s *Server) verifyPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	uid := uidFrom(r.Context())
	if blocked, retryAfter := s.pinLimiter.check(uid); blocked {
		writeRateLimited(w, retryAfter)
		return false
	}

	var salt, hash []byte
	err := s.state.withSession(uid, func(rec *sessionRecord) error {
		if rec.lock == nil {
			return errLockMissing
		}
		salt, hash = rec.lock.pinSalt, rec.lock.pinHash
		return nil
	})
	if err != nil {
		s.writeLockError(w, err)
		return false
	}

	normalized, err := lock.ValidatePIN(pin)
	ok := err == nil
	if ok {
		ok, err = util.CompareArgon2idKey(normalized, salt, s.params, hash)
		ok = ok && err == nil
	}
	if !ok {
		s.pinLimiter.recordFailure(uid)
		s.audit.logFailure(AuditUnlockFailure, r, "wrong PIN", slog.String("uid", uid))
		s.writeLockError(w, errWrongPIN)
		return false
	}
	s.pinLimiter.recordSuccess(uid)
	return true
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.verifyPIN(w, r, req.LockCode) {
		return
	}

	var (
		rec   *sessionRecord
		token string
	)
	err := s.state.withSession(uidFrom(r.Context()), func(sr *sessionRecord) error {
		if sr.lock == nil {
			return errLockMissing
		}
		sr.lock.forced = false
		sr.lock.lastActivity = s.now()
		token, rec = sr.lock.storageToken, sr
		return nil
	})
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	s.audit.logSession(AuditUnlockSuccess, r, rec)
	writeOK(w, lockTokenBody(token))
}

func (s *Server) handleDeleteLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// A locked session must be unlocked before its lock can be removed.
	err := s.state.withSession(uidFrom(r.Context()), func(rec *sessionRecord) error {
		switch rec.lockStatus(s.now()) {
		case lock.StatusNone:
			return errLockMissing
		case lock.StatusLocked:
			return errLocked
		}
		return nil
	})
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	if !s.verifyPIN(w, r, req.LockCode) {
		return
	}

	var rec *sessionRecord
	err = s.state.withSession(uidFrom(r.Context()), func(sr *sessionRecord) error {
		sr.lock = nil
		rec = sr
		return nil
	})
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	s.audit.logSession(AuditLockDeleted, r, rec)
	writeOK(w, nil)
}

func (s *Server) handleForceLock(w http.ResponseWriter, r *http.Request) {
	var rec *sessionRecord
	err := s.state.withSession(uidFrom(r.Context()), func(sr *sessionRecord) error {
		if sr.lock == nil {
			return errLockMissing
		}
		sr.lock.forced = true
		rec = sr
		return nil
	})
	if err != nil {
		s.writeLockError(w, err)
		return
	}
	s.audit.logSession(AuditLockForced, r, rec)
	writeOK(w, nil)
}
