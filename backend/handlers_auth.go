package backend

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/session"
)

type loginRequest struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
}

type loginResponse struct {
	Code         int    `json:"Code"`
	UID          string `json:"UID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	RefreshTime  int64  `json:"RefreshTime"`
	UserID       string `json:"UserID"`
	KeySalt      string `json:"KeySalt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if blocked, retryAfter := s.loginLimiter.check(req.Username); blocked {
		s.audit.logFailure(AuditLoginRateLimit, r, "rate limited", slog.String("username", req.Username))
		writeRateLimited(w, retryAfter)
		return
	}

	u, ok := s.state.user(req.Username)
	if !ok || !s.checkPassword(u, req.Password) {
		s.loginLimiter.recordFailure(req.Username)
		s.audit.logFailure(AuditLoginFailure, r, "wrong credentials", slog.String("username", req.Username))
		writeError(w, http.StatusUnprocessableEntity, codeWrongCredentials, "Incorrect login credentials")
		return
	}
	s.loginLimiter.recordSuccess(req.Username)

	rec, err := newSessionRecord(u.id, s.now(), s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "could not create session")
		return
	}
	s.state.addSession(rec)
	s.audit.logSession(AuditLoginSuccess, r, rec)

	writeOK(w, loginResponse{
		Code:         codeSuccess,
		UID:          rec.uid,
		AccessToken:  rec.accessToken,
		RefreshToken: rec.refreshToken,
		RefreshTime:  rec.refreshTime.Unix(),
		UserID:       u.id,
		KeySalt:      util.Base64Encode(u.keySalt),
	})
}

func (s *Server) checkPassword(u *userRecord, password string) bool {
	ok, err := util.CompareArgon2idKey(password, u.passwordSalt, s.params, u.passwordHash)
	return err == nil && ok
}

type refreshRequest struct {
	UID          string `json:"UID"`
	RefreshToken string `json:"RefreshToken"`
}

type refreshResponse struct {
	Code         int    `json:"Code"`
	UID          string `json:"UID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	RefreshTime  int64  `json:"RefreshTime"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	now := s.now()
	var res refreshResponse
	err := s.state.withSession(req.UID, func(rec *sessionRecord) error {
		if !tokensEqual(rec.refreshToken, req.RefreshToken) {
			return errNoSession
		}
		fresh, err := newSessionRecord(rec.userID, now, s.accessTTL)
		if err != nil {
			return err
		}
		rec.accessToken = fresh.accessToken
		rec.refreshToken = fresh.refreshToken
		rec.accessExpires = fresh.accessExpires
		rec.refreshTime = now
		res = refreshResponse{
			Code:         codeSuccess,
			UID:          rec.uid,
			AccessToken:  rec.accessToken,
			RefreshToken: rec.refreshToken,
			RefreshTime:  now.Unix(),
		}
		return nil
	})
	if err != nil {
		s.audit.logFailure(AuditRefreshFailure, r, "invalid refresh token", slog.String("uid", req.UID))
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRefresh, "Invalid refresh token")
		return
	}
	s.audit.log(AuditRefresh, r, slog.String("uid", req.UID))
	writeOK(w, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	s.state.removeSession(uid)
	s.audit.log(AuditLogout, r, slog.String("uid", uid))
	writeOK(w, nil)
}

type localKeyBody struct {
	Code     int    `json:"Code,omitempty"`
	LocalKey string `json:"LocalKey"`
}

func (s *Server) handleGetLocalKey(w http.ResponseWriter, r *http.Request) {
	var key []byte
	err := s.state.withSession(uidFrom(r.Context()), func(rec *sessionRecord) error {
		key = util.CopyBytes(rec.localKey)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session")
		return
	}
	if key == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "no local key registered")
		return
	}
	writeOK(w, localKeyBody{Code: codeSuccess, LocalKey: util.Base64Encode(key)})
}

func (s *Server) handleSetLocalKey(w http.ResponseWriter, r *http.Request) {
	var req localKeyBody
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := util.Base64Decode(req.LocalKey)
	if err != nil || len(key) != util.AESKeySize {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "local key must be 32 bytes")
		return
	}

	var rec *sessionRecord
	err = s.state.withSession(uidFrom(r.Context()), func(sr *sessionRecord) error {
		sr.localKey = key
		rec = sr
		return nil
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session")
		return
	}
	s.audit.logSession(AuditLocalKeySet, r, rec)
	writeOK(w, nil)
}

type userResponse struct {
	Code int          `json:"Code"`
	User session.User `json:"User"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.sessionUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session")
		return
	}
	writeOK(w, userResponse{Code: codeSuccess, User: session.User{ID: u.id, Name: u.name}})
}

type unlockUserRequest struct {
	Password string `json:"Password"`
}

func (s *Server) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	var req unlockUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	uid := uidFrom(r.Context())
	if blocked, retryAfter := s.passwordLimiter.check(uid); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	u, ok := s.sessionUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session")
		return
	}
	if !s.checkPassword(u, req.Password) {
		s.passwordLimiter.recordFailure(uid)
		s.audit.logFailure(AuditPasswordFailure, r, "wrong password", slog.String("uid", uid))
		writeError(w, http.StatusUnprocessableEntity, codeWrongCredentials, "Incorrect login credentials")
		return
	}
	s.passwordLimiter.recordSuccess(uid)
	s.audit.log(AuditPasswordConfirm, r, slog.String("uid", uid))
	writeOK(w, nil)
}

func (s *Server) sessionUser(r *http.Request) (*userRecord, bool) {
	var userID string
	err := s.state.withSession(uidFrom(r.Context()), func(rec *sessionRecord) error {
		userID = rec.userID
		return nil
	})
	if err != nil {
		return nil, false
	}
	return s.state.userByID(userID)
}
