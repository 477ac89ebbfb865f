// Package httpapi exposes the session manager to the orchestrator over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/massender/waworker/internal/dispatch"
	"github.com/massender/waworker/internal/groups"
	"github.com/massender/waworker/internal/session"
)

const maxBodyBytes = 2 << 20

// Server maps HTTP requests onto the registry, dispatcher and group directory.
type Server struct {
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	directory  *groups.Directory
	mux        *http.ServeMux
}

// NewServer builds the routes.
func NewServer(registry *session.Registry, dispatcher *dispatch.Dispatcher, directory *groups.Directory) *Server {
	s := &Server{
		registry:   registry,
		dispatcher: dispatcher,
		directory:  directory,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /sessions/{id}/init", s.handleInit)
	s.mux.HandleFunc("GET /sessions/{id}/status", s.handleStatus)
	s.mux.HandleFunc("POST /sessions/{id}/logout", s.handleLogout)
	s.mux.HandleFunc("POST /sessions/{id}/send", s.handleSend)
	s.mux.HandleFunc("GET /sessions/{id}/groups", s.handleListGroups)
	s.mux.HandleFunc("POST /sessions/{id}/groups/members", s.handleGroupMembers)
	s.mux.HandleFunc("POST /sessions/{id}/groups/send", s.handleGroupSend)
	s.mux.HandleFunc("POST /sessions/{id}/groups/{groupId}/members/send", s.handleMemberSend)
	return s
}

// Handler returns the root handler with CORS and request logging applied.
func (s *Server) Handler() http.Handler {
	return withCORS(withRequestLog(s.mux))
}

type sendRequest struct {
	Body        string `json:"body"`
	MediaURL    string `json:"mediaUrl"`
	DocumentURL string `json:"documentUrl"`
}

func (r sendRequest) payload() dispatch.Payload {
	return dispatch.Payload{Text: r.Body, MediaURL: r.MediaURL, DocumentURL: r.DocumentURL}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"sessions":     s.registry.Len(),
		"max_sessions": s.registry.MaxSessions(),
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	sess, err := s.registry.Create(id, req.Label)
	if err != nil {
		if errors.Is(err, session.ErrSessionCapReached) {
			writeError(w, http.StatusConflict, "Worker session cap reached")
			return
		}
		slog.Error("Failed to create session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	// detached so a client hangup cannot interrupt the device logout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	s.registry.Destroy(ctx, r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupLinked(w, r)
	if !ok {
		return
	}
	var req struct {
		To string `json:"to"`
		sendRequest
	}
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "Recipient phone required")
		return
	}

	if err := s.dispatcher.SendDirect(r.Context(), sess, req.To, req.payload()); err != nil {
		slog.Error("Failed to send message", "session_id", sess.ID(), "error", err)
		writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupLinked(w, r)
	if !ok {
		return
	}
	list, err := s.directory.ListGroups(r.Context(), sess)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotLinked) {
			writeError(w, http.StatusConflict, "WhatsApp session not linked")
			return
		}
		slog.Error("Failed to list groups", "session_id", sess.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list groups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": list})
}

func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupLinked(w, r)
	if !ok {
		return
	}
	var req struct {
		GroupName string `json:"groupName"`
	}
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.GroupName == "" {
		writeError(w, http.StatusBadRequest, "groupName is required")
		return
	}

	members, err := s.directory.GetGroupMembers(r.Context(), sess, req.GroupName)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	case errors.Is(err, session.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, "Group not found")
	case errors.Is(err, session.ErrSessionNotLinked):
		writeError(w, http.StatusConflict, "WhatsApp session not linked")
	default:
		slog.Error("Failed to fetch group members", "session_id", sess.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch group members")
	}
}

func (s *Server) handleGroupSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupLinked(w, r)
	if !ok {
		return
	}
	var req struct {
		GroupID string `json:"groupId"`
		sendRequest
	}
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.GroupID == "" {
		writeError(w, http.StatusBadRequest, "groupId is required")
		return
	}

	if err := s.dispatcher.SendToGroup(r.Context(), sess, req.GroupID, req.payload()); err != nil {
		slog.Error("Failed to send group message", "session_id", sess.ID(), "group_id", req.GroupID, "error", err)
		writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleMemberSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupLinked(w, r)
	if !ok {
		return
	}
	var req struct {
		Phone string `json:"phone_e164"`
		sendRequest
	}
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone_e164 is required")
		return
	}

	if err := s.dispatcher.SendDirect(r.Context(), sess, req.Phone, req.payload()); err != nil {
		slog.Error("Failed to send member message", "session_id", sess.ID(), "group_id", r.PathValue("groupId"), "error", err)
		writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not initialized")
		return nil, false
	}
	return sess, true
}

// lookupLinked also rejects sessions that are not linked, before any body validation.
func (s *Server) lookupLinked(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return nil, false
	}
	if err := sess.RequireLinked(); err != nil {
		writeError(w, http.StatusConflict, "WhatsApp session not linked")
		return nil, false
	}
	return sess, true
}

// StatusFor maps request errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrMediaFetchFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionCapReached), errors.Is(err, session.ErrSessionNotLinked):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidRecipient), errors.Is(err, session.ErrEmptyPayload), errors.Is(err, session.ErrSendFailed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeSendError(w http.ResponseWriter, err error) {
	writeError(w, StatusFor(err), err.Error())
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Worker-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Debug("HTTP request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
