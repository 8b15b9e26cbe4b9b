// Package devserver is a local chat server speaking the live channel
// protocol and the REST contract of the chat client. It is meant for
// manual runs and integration tests, not production.
package devserver

import (
	"log/slog"
	"net/http"
	"time"

	"tripchat/internal/filestore"
	"tripchat/internal/storage"
)

type Config struct {
	Users      Users
	Store      *storage.BboltStorage
	Files      *filestore.LocalFileStore
	MaxRecords int
	Logger     *slog.Logger
	Now        func() time.Time
}

type DevServer struct {
	Hub *Hub
	ws  *Server
	api *API
	mux *http.ServeMux
}

func New(cfg Config) (*DevServer, error) {
	hub, err := NewHub(HubConfig{
		Store:      cfg.Store,
		MaxRecords: cfg.MaxRecords,
		Logger:     cfg.Logger,
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	s := &DevServer{
		Hub: hub,
		ws:  NewServer(hub, cfg.Users, cfg.Logger),
		api: NewAPI(hub, cfg.Users, cfg.Files, cfg.Store, cfg.Logger),
		mux: http.NewServeMux(),
	}

	a := s.api
	s.mux.HandleFunc("GET /api/rooms/{id}/messages", a.RequireAuth(a.MessagesHandler))
	s.mux.HandleFunc("POST /api/rooms/{id}/messages", a.RequireAuth(a.SendHandler))
	s.mux.HandleFunc("POST /api/rooms/{id}/read", a.RequireAuth(a.ReadHandler))
	s.mux.HandleFunc("GET /api/unread-count", a.RequireAuth(a.UnreadHandler))
	s.mux.HandleFunc("POST /api/uploads", a.RequireAuth(a.UploadHandler))
	s.mux.HandleFunc("GET /api/files/{id}", a.FileHandler)

	// WebSocket endpoint
	s.mux.HandleFunc("/ws", s.ws.HandleConnections)

	return s, nil
}

func (s *DevServer) Handler() http.Handler {
	return s.mux
}

// Close drops all live connections. HTTP serving is stopped separately.
func (s *DevServer) Close() {
	s.ws.Close()
}
