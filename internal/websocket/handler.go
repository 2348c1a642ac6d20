package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tigerengage/internal/coordinator"
	"tigerengage/pkg/interfaces"
	"tigerengage/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard and API are served from different origins in development;
		// production deployments front this with an origin allowlist.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Config holds transport timing for the real-time channel.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handler upgrades HTTP requests to session-scoped WebSocket connections and
// pumps client events into the coordinator.
type Handler struct {
	registry    interfaces.SessionRegistry
	coordinator *coordinator.Coordinator
	cfg         Config
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry interfaces.SessionRegistry, co *coordinator.Coordinator, cfg Config) *Handler {
	return &Handler{
		registry:    registry,
		coordinator: co,
		cfg:         cfg,
	}
}

// HandleWebSocket validates the request, upgrades it, and attaches the
// connection to its session. Validation order: parameters, then session
// liveness, then upgrade — invalid requests get proper HTTP errors and never
// consume a socket.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	role := r.URL.Query().Get("role")
	sessionID := r.URL.Query().Get("session_id")

	if userID == "" || role == "" || sessionID == "" {
		http.Error(w, "Missing required query parameters: user_id, role, session_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}
	if !types.IsValidRole(role) {
		http.Error(w, "Invalid role: must be 'student' or 'instructor'", http.StatusBadRequest)
		return
	}

	// Checked again inside Attach; this pre-check keeps the common "session
	// already over" case from paying for a socket upgrade.
	if !h.registry.GetStatus(sessionID) {
		http.Error(w, "Session not found or ended", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, uuid.New().String(), userID, role, sessionID, h.cfg.WriteTimeout)

	// Attach registers presence and writes the snapshot inside the session
	// worker, so the client's live stream begins exactly after its snapshot.
	if err := h.coordinator.Attach(r.Context(), wsConn); err != nil {
		log.Printf("Connection attach failed: session=%s user=%s: %v", sessionID, userID, err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection owns the read side of one connection: heartbeat
// monitoring plus decoding and dispatching client events.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.coordinator.Detach(conn.SessionID(), conn.ConnectionID())
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		h.coordinator.Heartbeat(conn.ConnectionID())
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: conn=%s: %v", conn.ConnectionID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// Any inbound frame counts as liveness, not only pongs.
		h.coordinator.Heartbeat(conn.ConnectionID())

		var event types.ClientEvent
		if err := json.Unmarshal(data, &event); err != nil {
			h.sendError(conn, types.ErrInvalidEventType)
			continue
		}

		if err := h.dispatch(conn, &event); err != nil {
			// Errors go back to the originating connection only; other
			// members simply observe no state change.
			h.sendError(conn, err)

			if errors.Is(err, types.ErrSessionNotActive) {
				return
			}
		}
	}
}

// dispatch routes one client event to the coordinator with the connection's
// identity passed explicitly; there is no ambient user state.
func (h *Handler) dispatch(conn *Connection, event *types.ClientEvent) error {
	ctx := context.Background()

	switch event.Type {
	case types.EventSendMessage:
		_, err := h.coordinator.Send(ctx, conn.SessionID(), conn.UserID(), conn.Role(), event.Text)
		return err

	case types.EventSetActive:
		return h.coordinator.SetActive(ctx, conn.SessionID(), event.QuestionID, conn.UserID(), conn.Role(), event.Active)

	case types.EventSetDisplayed:
		return h.coordinator.SetDisplayed(ctx, conn.SessionID(), event.QuestionID, conn.UserID(), conn.Role(), event.Displayed)

	case types.EventCreateQuestion:
		_, err := h.coordinator.CreateQuestion(ctx, conn.SessionID(), conn.UserID(), conn.Role(), event.Text, event.CorrectAnswer)
		return err

	case types.EventDeleteQuestion:
		return h.coordinator.DeleteQuestion(ctx, conn.SessionID(), event.QuestionID, conn.UserID(), conn.Role())

	case types.EventSubmitAnswer:
		_, err := h.coordinator.SubmitAnswer(ctx, conn.SessionID(), conn.UserID(), conn.Role(), event.QuestionID, event.Text)
		return err

	case types.EventCheckIn:
		return h.coordinator.CheckIn(ctx, conn.SessionID(), conn.UserID(), conn.Role())

	default:
		return types.ErrInvalidEventType
	}
}

func (h *Handler) sendError(conn *Connection, opErr error) {
	event := &types.ServerEvent{
		Type:      types.EventError,
		Reason:    opErr.Error(),
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(event); err != nil {
		log.Printf("Failed to send error event: conn=%s: %v", conn.ConnectionID(), err)
	}
}
