package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tigerengage/internal/coordinator"
	"tigerengage/internal/presence"
	"tigerengage/internal/registry"
	"tigerengage/pkg/types"
)

// In-memory store backing the HTTP tests.
type mockStore struct {
	mu        sync.RWMutex
	sessions  map[string]*types.ClassSession
	messages  map[string][]*types.ChatMessage
	questions map[string]*types.Question
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions:  make(map[string]*types.ClassSession),
		messages:  make(map[string][]*types.ChatMessage),
		questions: make(map[string]*types.Question),
	}
}

func (m *mockStore) CreateSession(ctx context.Context, session *types.ClassSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockStore) GetSession(ctx context.Context, sessionID string) (*types.ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *mockStore) UpdateSession(ctx context.Context, session *types.ClassSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockStore) ListActiveSessions(ctx context.Context) ([]*types.ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []*types.ClassSession
	for _, session := range m.sessions {
		if session.Active {
			copied := *session
			active = append(active, &copied)
		}
	}
	return active, nil
}

func (m *mockStore) AppendMessage(ctx context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &copied)
	return nil
}

func (m *mockStore) ListMessages(ctx context.Context, sessionID string, sinceSeq int64) ([]*types.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*types.ChatMessage
	for _, msg := range m.messages[sessionID] {
		if msg.Seq > sinceSeq {
			copied := *msg
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (m *mockStore) MaxMessageSeq(ctx context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for _, msg := range m.messages[sessionID] {
		if msg.Seq > max {
			max = msg.Seq
		}
	}
	return max, nil
}

func (m *mockStore) SaveQuestion(ctx context.Context, q *types.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *q
	m.questions[q.ID] = &copied
	return nil
}

func (m *mockStore) LoadQuestions(ctx context.Context, sessionID string) ([]*types.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*types.Question
	for _, q := range m.questions {
		if q.SessionID == sessionID {
			copied := *q
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (m *mockStore) SaveQuestionFlags(ctx context.Context, questionID string, active, displayed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return types.ErrQuestionNotFound
	}
	q.Active = active
	q.Displayed = displayed
	return nil
}

func (m *mockStore) DeleteQuestion(ctx context.Context, questionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.questions, questionID)
	return nil
}

func (m *mockStore) SaveAnswer(ctx context.Context, a *types.Answer) error { return nil }
func (m *mockStore) SaveAttendance(ctx context.Context, att *types.Attendance) (bool, error) {
	return true, nil
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

func newTestServer(t *testing.T) (*Server, *registry.Manager, *coordinator.Coordinator) {
	t.Helper()

	store := newMockStore()
	reg := registry.NewManager(store)
	co := coordinator.New(reg, store, presence.NewTracker(), coordinator.Config{
		HeartbeatWindow:  time.Minute,
		SweepInterval:    time.Hour,
		MessageRateLimit: 1000,
	})
	t.Cleanup(co.Shutdown)

	return NewServer(reg, co, store), reg, co
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(recorder.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body: %s)", err, recorder.Body.String())
	}
}

func startSession(t *testing.T, server *Server) *types.ClassSession {
	t.Helper()

	recorder := doRequest(t, server, http.MethodPost, "/api/classes/comp-4030/sessions", `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("start session: status %d: %s", recorder.Code, recorder.Body.String())
	}

	var resp SessionResponse
	decodeBody(t, recorder, &resp)
	return resp.Session
}

func TestServer_StartSession(t *testing.T) {
	server, _, _ := newTestServer(t)

	session := startSession(t, server)
	if session.ID == "" || session.ClassID != "comp-4030" || !session.Active {
		t.Errorf("unexpected session payload: %+v", session)
	}
}

func TestServer_StartSession_Duplicate(t *testing.T) {
	server, _, _ := newTestServer(t)

	startSession(t, server)

	recorder := doRequest(t, server, http.MethodPost, "/api/classes/comp-4030/sessions", `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusConflict {
		t.Errorf("expected 409 for a class with a live session, got %d", recorder.Code)
	}
}

func TestServer_StartSession_BadRequest(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Missing instructor_id fails validation.
	recorder := doRequest(t, server, http.MethodPost, "/api/classes/comp-4030/sessions", `{}`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing instructor, got %d", recorder.Code)
	}

	// Malformed JSON.
	recorder = doRequest(t, server, http.MethodPost, "/api/classes/comp-4030/sessions", `{broken`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", recorder.Code)
	}

	// Class ID format is checked past validation, in the registry.
	recorder = doRequest(t, server, http.MethodPost, "/api/classes/bad%20class/sessions", `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid class id, got %d", recorder.Code)
	}
}

func TestServer_SessionStatus(t *testing.T) {
	server, _, _ := newTestServer(t)

	session := startSession(t, server)

	recorder := doRequest(t, server, http.MethodGet, "/api/sessions/"+session.ID+"/status", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status: %d", recorder.Code)
	}
	var status StatusResponse
	decodeBody(t, recorder, &status)
	if !status.Active {
		t.Error("live session must report active")
	}

	// Unknown sessions report inactive with 200, never an error; this is the
	// polling endpoint clients hit after session_ended.
	recorder = doRequest(t, server, http.MethodGet, "/api/sessions/unknown/status", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unknown status: %d", recorder.Code)
	}
	decodeBody(t, recorder, &status)
	if status.Active {
		t.Error("unknown session must report inactive")
	}
}

func TestServer_EndSession(t *testing.T) {
	server, reg, _ := newTestServer(t)

	session := startSession(t, server)

	// The wrong caller gets a generic 403 with no state detail.
	recorder := doRequest(t, server, http.MethodDelete, "/api/sessions/"+session.ID, `{"instructor_id":"impostor"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	var errResp ErrorResponse
	decodeBody(t, recorder, &errResp)
	if errResp.Message != "Not authorized" {
		t.Errorf("authorization failures must stay generic, got %q", errResp.Message)
	}

	recorder = doRequest(t, server, http.MethodDelete, "/api/sessions/"+session.ID, `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("end: %d: %s", recorder.Code, recorder.Body.String())
	}
	if reg.GetStatus(session.ID) {
		t.Error("session must be inactive after DELETE")
	}

	// Ending twice is a conflict.
	recorder = doRequest(t, server, http.MethodDelete, "/api/sessions/"+session.ID, `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusConflict {
		t.Errorf("expected 409 for double end, got %d", recorder.Code)
	}
}

func TestServer_EndSession_NotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	recorder := doRequest(t, server, http.MethodDelete, "/api/sessions/unknown", `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", recorder.Code)
	}
}

func TestServer_Messages(t *testing.T) {
	server, _, co := newTestServer(t)

	session := startSession(t, server)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := co.Send(ctx, session.ID, "alice", types.RoleStudent, text); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	recorder := doRequest(t, server, http.MethodGet, "/api/sessions/"+session.ID+"/messages", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("messages: %d", recorder.Code)
	}
	var resp MessagesResponse
	decodeBody(t, recorder, &resp)
	if len(resp.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(resp.Messages))
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/sessions/"+session.ID+"/messages?since_seq=2", "")
	decodeBody(t, recorder, &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Text != "three" {
		t.Errorf("since_seq=2 must return only seq 3, got %d", len(resp.Messages))
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/sessions/"+session.ID+"/messages?since_seq=banana", "")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since_seq, got %d", recorder.Code)
	}
}

func TestServer_Questions(t *testing.T) {
	server, _, _ := newTestServer(t)

	session := startSession(t, server)

	recorder := doRequest(t, server, http.MethodPost, "/api/sessions/"+session.ID+"/questions",
		`{"instructor_id":"prof","text":"What is a mutex?","correct_answer":"a lock"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create question: %d: %s", recorder.Code, recorder.Body.String())
	}
	var created QuestionResponse
	decodeBody(t, recorder, &created)
	if created.Question.ID == "" || created.Question.Active {
		t.Errorf("unexpected question payload: %+v", created.Question)
	}

	recorder = doRequest(t, server, http.MethodDelete,
		"/api/sessions/"+session.ID+"/questions/"+created.Question.ID, `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete question: %d", recorder.Code)
	}

	recorder = doRequest(t, server, http.MethodDelete,
		"/api/sessions/"+session.ID+"/questions/"+created.Question.ID, `{"instructor_id":"prof"}`)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a deleted question, got %d", recorder.Code)
	}
}

func TestServer_Snapshot(t *testing.T) {
	server, _, co := newTestServer(t)

	session := startSession(t, server)
	if _, err := co.Send(context.Background(), session.ID, "alice", types.RoleStudent, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	recorder := doRequest(t, server, http.MethodGet, "/api/sessions/"+session.ID+"/snapshot", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("snapshot: %d", recorder.Code)
	}
	var snap types.Snapshot
	decodeBody(t, recorder, &snap)
	if !snap.Active || len(snap.ChatHistory) != 1 {
		t.Errorf("unexpected snapshot: active=%v history=%d", snap.Active, len(snap.ChatHistory))
	}
}

func TestServer_ListSessions(t *testing.T) {
	server, _, _ := newTestServer(t)

	startSession(t, server)

	recorder := doRequest(t, server, http.MethodGet, "/api/sessions", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list: %d", recorder.Code)
	}
	var resp ListSessionsResponse
	decodeBody(t, recorder, &resp)
	if len(resp.Sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(resp.Sessions))
	}
}

func TestServer_Health(t *testing.T) {
	server, _, _ := newTestServer(t)

	recorder := doRequest(t, server, http.MethodGet, "/health", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("health: %d", recorder.Code)
	}
	var health HealthResponse
	decodeBody(t, recorder, &health)
	if health.Status != "healthy" {
		t.Errorf("expected healthy, got %s", health.Status)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	server, _, _ := newTestServer(t)

	recorder := doRequest(t, server, http.MethodGet, "/health", "")
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS origin header, got %q", got)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected JSON content type, got %q", got)
	}
}
