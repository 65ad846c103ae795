package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gluk-w/termlab/internal/catalog"
	"github.com/gluk-w/termlab/internal/database"
	"github.com/gluk-w/termlab/internal/middleware"
	"github.com/gluk-w/termlab/internal/session"
	"github.com/go-chi/chi/v5"
)

type startSessionRequest struct {
	ChallengeID uint `json:"challengeId"`
}

type sessionDescriptor struct {
	SessionID      string `json:"sessionId"`
	ChallengeID    uint   `json:"challengeId"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
	LastActivityAt string `json:"lastActivityAt"`
	ExpiresAt      string `json:"expiresAt"`
}

func describeSession(s session.Session) sessionDescriptor {
	return sessionDescriptor{
		SessionID:      s.ID,
		ChallengeID:    s.ChallengeID,
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
		LastActivityAt: s.LastActivityAt.UTC().Format(time.RFC3339),
		ExpiresAt:      s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// StartSession reserves the pending key, admits the user, provisions a
// container and registers the session. A start for a challenge the user
// already has a live session on returns that session instead of a fresh one.
func (a *App) StartSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == 0 {
		writeError(w, http.StatusBadRequest, "challengeId required")
		return
	}

	if existing, ok := a.Sessions.GetForUserChallenge(user.ID, req.ChallengeID); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessionId": existing.ID,
			"expiresAt": existing.ExpiresAt.UTC().Format(time.RFC3339),
			"message":   "Existing session found",
		})
		return
	}

	// The pending key closes the window between admission and insertion:
	// of two racing starts, exactly one wins the reservation.
	if !a.Sessions.MarkPending(user.ID, req.ChallengeID) {
		writeError(w, http.StatusConflict, "Session creation already in progress")
		return
	}
	defer a.Sessions.ClearPending(user.ID, req.ChallengeID)

	// Re-check under the reservation: a racing start may have inserted the
	// session between our first lookup and the pending grab.
	if existing, ok := a.Sessions.GetForUserChallenge(user.ID, req.ChallengeID); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessionId": existing.ID,
			"expiresAt": existing.ExpiresAt.UTC().Format(time.RFC3339),
			"message":   "Existing session found",
		})
		return
	}

	if decision := a.Sessions.Admit(user.ID); !decision.Allowed {
		writeError(w, http.StatusTooManyRequests, decision.Reason)
		return
	}

	containerID, err := a.Containers.CreateForChallenge(r.Context(), user.ID, req.ChallengeID)
	if err != nil {
		if errors.Is(err, catalog.ErrChallengeNotFound) {
			writeError(w, http.StatusNotFound, "Challenge not found")
			return
		}
		log.Printf("Session start failed for user %d challenge %d: %v", user.ID, req.ChallengeID, err)
		writeError(w, http.StatusInternalServerError, "Failed to create session environment")
		return
	}

	sess := a.Sessions.Create(user.ID, req.ChallengeID, containerID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sess.ID,
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// loadOwnedSession resolves {id} and enforces ownership. Writes the error
// response and returns false when the session is unusable.
func (a *App) loadOwnedSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	user := middleware.GetUser(r)
	id := chi.URLParam(r, "id")

	sess, ok := a.Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return session.Session{}, false
	}
	if sess.UserID != user.ID {
		writeError(w, http.StatusForbidden, "Access denied")
		return session.Session{}, false
	}
	return sess, true
}

// ValidateSession runs the challenge's validate script inside the session's
// container and couples the exit code to attempt and solve records in one
// transaction. On success the container is reclaimed and the session ends.
func (a *App) ValidateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadOwnedSession(w, r)
	if !ok {
		return
	}
	if sess.Status != session.StatusActive {
		writeError(w, http.StatusBadRequest, "Session is not active")
		return
	}

	alreadySolved, err := a.Progress.HasSolved(sess.UserID, sess.ChallengeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Validation failed")
		return
	}

	success, err := a.Containers.Validate(r.Context(), sess.ContainerID, sess.ChallengeID)
	if err != nil {
		// Transport failures count as a failed attempt, not a 500.
		log.Printf("Validation transport error for session %s: %v", sess.ID, err)
		success = false
	}

	if err := a.Progress.RecordValidation(sess.UserID, sess.ChallengeID, success); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record attempt")
		return
	}

	if !success {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "Validation failed, keep trying",
		})
		return
	}

	points := 0
	if !alreadySolved {
		if c, err := database.GetChallenge(sess.ChallengeID); err == nil {
			points = c.Points
		}
	}

	if err := a.Containers.Remove(r.Context(), sess.ContainerID); err != nil {
		// The cleanup loop will reclaim it eventually.
		log.Printf("Remove container after solve for session %s: %v", sess.ID, err)
	}
	a.Sessions.End(sess.ID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Congratulations! Challenge solved!",
		"points":  points,
	})
}

func (a *App) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadOwnedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describeSession(sess))
}

func (a *App) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadOwnedSession(w, r)
	if !ok {
		return
	}

	removeErr := a.Containers.Remove(r.Context(), sess.ContainerID)
	a.Sessions.End(sess.ID)

	if removeErr != nil {
		log.Printf("Remove container for ended session %s: %v", sess.ID, removeErr)
		writeError(w, http.StatusInternalServerError, "Session ended but container cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session ended"})
}

func (a *App) ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sessions := a.Sessions.ListUser(user.ID)

	resp := make([]sessionDescriptor, len(sessions))
	for i, s := range sessions {
		resp[i] = describeSession(s)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": resp})
}
