package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"tigerengage/internal/coordinator"
	"tigerengage/pkg/interfaces"
	"tigerengage/pkg/types"
)

// Server is the HTTP request/response surface: session lifecycle, status and
// snapshot polling, history, and question management. No business logic
// lives here; everything delegates to the registry and the coordinator.
type Server struct {
	registry    interfaces.SessionRegistry
	coordinator *coordinator.Coordinator
	store       interfaces.Store
	validate    *validator.Validate
	router      *http.ServeMux
}

// NewServer wires the API routes.
func NewServer(registry interfaces.SessionRegistry, co *coordinator.Coordinator, store interfaces.Store) *Server {
	s := &Server{
		registry:    registry,
		coordinator: co,
		store:       store,
		validate:    validator.New(),
		router:      http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	routes := map[string]http.HandlerFunc{
		"POST /api/classes/{classId}/sessions":             s.startSession,
		"GET /api/sessions":                                s.listSessions,
		"DELETE /api/sessions/{id}":                        s.endSession,
		"GET /api/sessions/{id}/status":                    s.sessionStatus,
		"GET /api/sessions/{id}/snapshot":                  s.sessionSnapshot,
		"GET /api/sessions/{id}/messages":                  s.sessionMessages,
		"POST /api/sessions/{id}/questions":                s.createQuestion,
		"DELETE /api/sessions/{id}/questions/{questionId}": s.deleteQuestion,
		"GET /health":                                      s.healthCheck,
	}
	for pattern, handler := range routes {
		s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(handler)))
	}
	// Preflight for every API path.
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/response types

type StartSessionRequest struct {
	InstructorID string `json:"instructor_id" validate:"required,max=50"`
}

type EndSessionRequest struct {
	InstructorID string `json:"instructor_id" validate:"required,max=50"`
}

type CreateQuestionRequest struct {
	InstructorID  string `json:"instructor_id" validate:"required,max=50"`
	Text          string `json:"text" validate:"required,max=2000"`
	CorrectAnswer string `json:"correct_answer" validate:"max=2000"`
}

type DeleteQuestionRequest struct {
	InstructorID string `json:"instructor_id" validate:"required,max=50"`
}

type StatusResponse struct {
	Active bool `json:"active"`
}

type SessionResponse struct {
	Session *types.ClassSession `json:"session"`
}

type ListSessionsResponse struct {
	Sessions []*types.ClassSession `json:"sessions"`
}

type MessagesResponse struct {
	Messages []*types.ChatMessage `json:"messages"`
}

type QuestionResponse struct {
	Question *types.Question `json:"question"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/classes/{classId}/sessions
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	classID := r.PathValue("classId")

	var req StartSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	session, err := s.registry.StartSession(r.Context(), classID, req.InstructorID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.encode(w, SessionResponse{Session: session})
}

// GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.registry.ListActiveSessions(r.Context())
	if err != nil {
		s.sendError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	s.encode(w, ListSessionsResponse{Sessions: sessions})
}

// DELETE /api/sessions/{id}
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req EndSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.coordinator.EndSession(r.Context(), sessionID, req.InstructorID); err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.encode(w, map[string]string{"message": "Session ended"})
}

// GET /api/sessions/{id}/status — always 200, active:false for unknown or
// ended sessions; clients poll this after a session_ended event.
func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	s.encode(w, StatusResponse{Active: s.registry.GetStatus(r.PathValue("id"))})
}

// GET /api/sessions/{id}/snapshot
func (s *Server) sessionSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coordinator.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.encode(w, snap)
}

// GET /api/sessions/{id}/messages?since_seq=N
func (s *Server) sessionMessages(w http.ResponseWriter, r *http.Request) {
	var sinceSeq int64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.sendError(w, "since_seq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		sinceSeq = parsed
	}

	messages, err := s.coordinator.History(r.Context(), r.PathValue("id"), sinceSeq)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}
	s.encode(w, MessagesResponse{Messages: messages})
}

// POST /api/sessions/{id}/questions
func (s *Server) createQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req CreateQuestionRequest
	if !s.decode(w, r, &req) {
		return
	}

	question, err := s.coordinator.CreateQuestion(
		r.Context(), sessionID, req.InstructorID, types.RoleInstructor, req.Text, req.CorrectAnswer)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.encode(w, QuestionResponse{Question: question})
}

// DELETE /api/sessions/{id}/questions/{questionId}
func (s *Server) deleteQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	questionID := r.PathValue("questionId")

	var req DeleteQuestionRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.coordinator.DeleteQuestion(
		r.Context(), sessionID, questionID, req.InstructorID, types.RoleInstructor); err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.encode(w, map[string]string{"message": "Question deleted"})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.coordinator.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.encode(w, response)
}

// decode parses and validates a JSON request body, writing the error
// response itself when the body is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		s.sendError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) encode(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent; nothing useful left to do.
		return
	}
}

// sendDomainError maps domain error kinds to HTTP codes. Conflicts carry the
// blocking detail so an instructor can resolve them; authorization failures
// stay generic so they cannot be used to probe for resource existence.
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotAuthorized):
		s.sendError(w, "Not authorized", http.StatusForbidden)
	case errors.Is(err, types.ErrSessionNotFound), errors.Is(err, types.ErrQuestionNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrAlreadyActive),
		errors.Is(err, types.ErrActivationConflict),
		errors.Is(err, types.ErrDisplayConflict),
		errors.Is(err, types.ErrSessionNotActive),
		errors.Is(err, types.ErrQuestionNotActive):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrRateLimited):
		s.sendError(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, types.ErrEmptyMessage),
		errors.Is(err, types.ErrMessageTooLarge),
		errors.Is(err, types.ErrInvalidQuestion),
		errors.Is(err, types.ErrInvalidClassID),
		errors.Is(err, types.ErrInvalidUserID):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrPersistence):
		s.sendError(w, "Temporary storage failure, retry the request", http.StatusInternalServerError)
	default:
		s.sendError(w, "Internal error", http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
