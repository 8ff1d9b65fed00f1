package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmcleod/warden/lock"
)

type contextKey int

const uidKey contextKey = iota

const headerUID = "x-pm-uid"

func uidFrom(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey).(string)
	return uid
}

// authenticate checks the session UID and bearer token. Activity on an
// unlocked session extends its lock.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(headerUID)
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if uid == "" || !ok || token == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
			return
		}

		now := s.now()
		err := s.state.withSession(uid, func(rec *sessionRecord) error {
			if !tokensEqual(rec.accessToken, token) || !now.Before(rec.accessExpires) {
				return errNoSession
			}
			rec.touch(now)
			return nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), uidKey, uid)))
	})
}

var errLocked = errors.New("session locked")

// requireUnlocked refuses requests from locked sessions.
func (s *Server) requireUnlocked(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.state.withSession(uidFrom(r.Context()), func(rec *sessionRecord) error {
			if rec.lockStatus(s.now()) == lock.StatusLocked {
				return errLocked
			}
			return nil
		})
		switch {
		case errors.Is(err, errLocked):
			writeError(w, http.StatusForbidden, codeSessionLocked, "session locked")
		case err != nil:
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session")
		default:
			next.ServeHTTP(w, r)
		}
	})
}
