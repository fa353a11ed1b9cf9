package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/event"
	"github.com/creastat/tutoring/gateway"
	"github.com/creastat/tutoring/logging"
	"github.com/creastat/tutoring/pipeline"
)

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Subject string `json:"subject"`
}

// CreateSessionResponse is returned after a session is created.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// TurnRequest is the body of POST /v1/sessions/{id}/turns.
type TurnRequest struct {
	Text     string `json:"text"`
	Type     string `json:"type,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ownerID(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		return "", tutoring.E(tutoring.KindValidation, "read owner", errors.New("missing "+OwnerHeader+" header"))
	}
	return owner, nil
}

// decodeBody decodes JSON into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return tutoring.E(tutoring.KindValidation, "decode body", err)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id, err := s.sessions.CreateSession(r.Context(), owner, strings.TrimSpace(req.Subject))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: id})
}

// streamTurn runs a turn and streams its events. Input errors found before
// the stream opens are plain JSON errors; everything after is an error event.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req TurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	log := logging.Session(sessionID)
	turn := pipeline.Turn{
		SessionID: sessionID,
		OwnerID:   owner,
		Subject:   req.Subject,
		Text:      req.Text,
		Type:      tutoring.MessageType(req.Type),
		ImageURL:  req.ImageURL,
	}

	err = s.turns.ProcessTurn(r.Context(), turn, func(e event.Event) {
		if werr := sse.writeEvent(e); werr != nil {
			log.Debug().Err(werr).Str("event", string(e.Type)).Msg("client gone, event dropped")
		}
	})
	if err != nil {
		log.Debug().Err(err).Msg("turn ended with error")
	}
}

func (s *Server) restoreSession(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.OwnerID != owner {
		writeError(w, gateway.NotFound("restore session", sessionID))
		return
	}
	if sess.Status == tutoring.StatusActive {
		writeJSON(w, http.StatusOK, sess)
		return
	}

	sess, err = s.sessions.Restore(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, tutoring.ErrInvalidTransition) {
			err = tutoring.E(tutoring.KindValidation, "restore session", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
