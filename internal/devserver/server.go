package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tripchat/internal/models"
)

// Server upgrades authenticated requests to chat connections.
type Server struct {
	hub      *Hub
	users    Users
	upgrader *websocket.Upgrader
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// Users maps bearer tokens to user ids.
type Users map[string]string

func (u Users) lookup(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	id, ok := u[token]
	return id, ok
}

func NewServer(hub *Hub, users Users, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:   hub,
		users: users,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // development server, any origin
			},
		},
		logger: logger.With("component", "ws"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := s.users.lookup(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	role := models.Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		role = models.RolePilgrim
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading to websocket", "error", err)
		return
	}

	connID := uuid.NewString()
	roomID := r.URL.Query().Get("room_id")
	conn := NewConnection(s.hub, ws, connID, Sender{ID: userID, Name: userID, Role: role}, roomID, s.logger)
	s.logger.Info("client connected", "conn_id", connID, "user_id", userID, "role", role, "room_id", roomID, "room_members", s.hub.Members(roomID))
	if err := conn.Handle(s.ctx); err != nil {
		s.logger.Debug("client connection ended", "conn_id", connID, "error", err)
	}
	s.logger.Info("client disconnected", "conn_id", connID)
}

// Close drops every open connection.
func (s *Server) Close() {
	s.cancel()
}
