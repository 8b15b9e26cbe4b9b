package devserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/h2non/filetype"

	"tripchat/internal/filestore"
	"tripchat/internal/models"
	"tripchat/internal/storage"
)

const maxUploadSize = 10 << 20

// API serves the REST side of the chat: history, sends, read receipts,
// unread counts and attachments.
type API struct {
	hub    *Hub
	users  Users
	files  *filestore.LocalFileStore
	store  *storage.BboltStorage
	logger *slog.Logger
}

func NewAPI(hub *Hub, users Users, files *filestore.LocalFileStore, store *storage.BboltStorage, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{hub: hub, users: users, files: files, store: store, logger: logger.With("component", "api")}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (a *API) RequireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := a.users.lookup(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, _ string) {
	page := 0
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			http.Error(w, "Invalid page", http.StatusBadRequest)
			return
		}
		page = n
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"data": a.hub.Messages(r.PathValue("id"), page)})
}

func (a *API) SendHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Body       string             `json:"body"`
		Type       models.ContentType `json:"type"`
		Attachment string             `json:"attachment"`
		LocalID    string             `json:"local_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.hub.Post(r.PathValue("id"), Sender{ID: userID, Name: userID}, req.LocalID, models.SendPayload{
		Body:       req.Body,
		Type:       req.Type,
		Attachment: req.Attachment,
	})
	if err != nil {
		a.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		LastMessageID string `json:"last_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.hub.MarkRead(r.PathValue("id"), userID, req.LastMessageID); err != nil {
		a.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) UnreadHandler(w http.ResponseWriter, _ *http.Request, userID string) {
	a.writeJSON(w, http.StatusOK, map[string]any{"count": a.hub.Unread(userID)})
}

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	defer file.Close()

	br := bufio.NewReaderSize(file, 512)
	head, _ := br.Peek(262)
	mime := "application/octet-stream"
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		mime = kind.MIME.Value
	}

	hash, size, err := a.files.Put(br)
	if err != nil {
		a.logger.Error("failed to store upload", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	meta := storage.FileMetadata{
		ID:        hash,
		Name:      header.Filename,
		MimeType:  mime,
		Size:      size,
		CreatedAt: a.hub.now().UnixMilli(),
	}
	if _, err := a.store.PutFile(meta, userID); err != nil {
		a.logger.Error("failed to store file metadata", "id", hash, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	a.logger.Info("file uploaded", "id", hash, "name", header.Filename, "mime", mime, "size", size)
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": "/api/files/" + hash})
}

func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, err := a.store.File(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	rc, err := a.files.Get(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.Name))
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Debug("file download interrupted", "id", id, "error", err)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}
