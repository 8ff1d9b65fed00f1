package backend

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/warden/fork"
)

type createForkResponse struct {
	Code     int    `json:"Code"`
	Selector string `json:"Selector"`
}

type consumeForkResponse struct {
	Code int `json:"Code"`
	fork.Fork
}

func (s *Server) handleCreateFork(w http.ResponseWriter, r *http.Request) {
	var g fork.Grant
	if !decodeJSON(w, r, &g) {
		return
	}
	if g.App == "" || g.State == "" || g.Payload == "" {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "ChildClientID, State and Payload are required")
		return
	}

	var rec *sessionRecord
	err := s.state.withSession(uidFrom(r.Context()), func(sr *sessionRecord) error {
		rec = sr
		return nil
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session")
		return
	}

	selector := uuid.NewString()
	s.state.addFork(selector, &forkRecord{
		userID:  rec.userID,
		grant:   g,
		expires: s.now().Add(s.forkTTL),
	})
	s.audit.logSession(AuditForkCreated, r, rec, slog.String("app", g.App))
	writeOK(w, createForkResponse{Code: codeSuccess, Selector: selector})
}

// handleConsumeFork is anonymous: knowing the selector is the credential.
// A selector can be exchanged once.
func (s *Server) handleConsumeFork(w http.ResponseWriter, r *http.Request) {
	selector := chi.URLParam(r, "selector")
	now := s.now()
	f, ok := s.state.takeFork(selector, now)
	if !ok {
		s.audit.logFailure(AuditForkInvalid, r, "unknown or expired selector")
		writeError(w, http.StatusUnprocessableEntity, codeForkInvalid, "Invalid selector")
		return
	}

	rec, err := newSessionRecord(f.userID, now, s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "could not create session")
		return
	}
	s.state.addSession(rec)
	s.audit.logSession(AuditForkConsumed, r, rec, slog.String("app", f.grant.App))

	refreshTime := now.Unix()
	writeOK(w, consumeForkResponse{
		Code: codeSuccess,
		Fork: fork.Fork{
			UID:          rec.uid,
			AccessToken:  rec.accessToken,
			RefreshToken: rec.refreshToken,
			RefreshTime:  &refreshTime,
			UserID:       rec.userID,
			State:        f.grant.State,
			Payload:      f.grant.Payload,
		},
	})
}
