// Package restapi is the HTTP collaborator used when the live channel is
// unavailable, and for unread counts at any time.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/tidwall/gjson"

	"tripchat/internal/auth"
	"tripchat/internal/models"
	"tripchat/internal/normalize"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoToken      = errors.New("no auth token")
	ErrRejected     = errors.New("request rejected")
)

const unreadKey = "unread"

type Config struct {
	BaseURL    string
	Token      auth.TokenProvider
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base   string
	token  auth.TokenProvider
	http   *http.Client
	logger *slog.Logger
	// unread keeps the last known-good unread count.
	unread geche.Geche[string, int]
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Token == nil {
		cfg.Token = auth.Static("")
	}
	return &Client{
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
		token:  cfg.Token,
		http:   cfg.HTTPClient,
		logger: cfg.Logger.With("component", "restapi"),
		unread: geche.NewMapCache[string, int](),
	}
}

type sendRequest struct {
	Body       string             `json:"body"`
	Type       models.ContentType `json:"type"`
	Attachment string             `json:"attachment,omitempty"`
	LocalID    string             `json:"local_id,omitempty"`
}

type markReadRequest struct {
	LastMessageID string `json:"last_message_id"`
}

// Messages fetches a page of room history. Page 0 asks for the newest.
func (c *Client) Messages(ctx context.Context, roomID string, page int) ([]models.InboundMessage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	raw, err := c.do(ctx, http.MethodGet, roomPath(roomID, "messages"), q, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := normalize.Messages(raw)
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	for i := range msgs {
		if msgs[i].RoomID == "" {
			msgs[i].RoomID = roomID
		}
	}
	return msgs, nil
}

// SendMessage creates a message. The server answers {success, message};
// success=false is reported as ErrRejected.
func (c *Client) SendMessage(ctx context.Context, out models.OutboundMessage) (models.InboundMessage, error) {
	raw, err := c.do(ctx, http.MethodPost, roomPath(out.RoomID, "messages"), nil, sendRequest{
		Body:       out.Body,
		Type:       out.Type,
		Attachment: out.Attachment,
		LocalID:    out.LocalID,
	})
	if err != nil {
		return models.InboundMessage{}, err
	}
	if err := checkSuccess(raw); err != nil {
		return models.InboundMessage{}, err
	}

	payload := gjson.GetBytes(raw, "message")
	if !payload.IsObject() {
		payload = gjson.GetBytes(raw, "data")
	}
	msg, defaulted := normalize.Message([]byte(payload.Raw))
	if len(defaulted) > 0 {
		c.logger.Debug("sent message fields defaulted", "id", msg.ID, "fields", defaulted)
	}
	if msg.LocalID == "" {
		msg.LocalID = out.LocalID
	}
	if msg.RoomID == "" {
		msg.RoomID = out.RoomID
	}
	return msg, nil
}

// MarkRead marks everything up to lastMessageID as read.
func (c *Client) MarkRead(ctx context.Context, roomID, lastMessageID string) error {
	raw, err := c.do(ctx, http.MethodPost, roomPath(roomID, "read"), nil, markReadRequest{LastMessageID: lastMessageID})
	if err != nil {
		return err
	}
	return checkSuccess(raw)
}

// Upload stores an attachment and returns the URL to reference it by.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	raw, err := c.send(ctx, http.MethodPost, "/uploads", nil, &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	if err := checkSuccess(raw); err != nil {
		return "", err
	}
	for _, p := range []string{"url", "file_url", "data.url"} {
		if v := gjson.GetBytes(raw, p); v.String() != "" {
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("upload response without url: %s", raw)
}

// UnreadCount never fails: on any error it returns the last count the
// server reported, or 0.
func (c *Client) UnreadCount(ctx context.Context) int {
	last, err := c.unread.Get(unreadKey)
	if err != nil {
		last = 0
	}

	raw, err := c.do(ctx, http.MethodGet, "/unread-count", nil, nil)
	if err != nil {
		c.logger.Warn("unread count unavailable", "error", err, "fallback", last)
		return last
	}
	n, ok := parseCount(raw)
	if !ok {
		c.logger.Warn("unread count malformed", "body", string(raw), "fallback", last)
		return last
	}
	c.unread.Set(unreadKey, n)
	return n
}

func parseCount(raw []byte) (int, bool) {
	root := gjson.ParseBytes(raw)
	if root.Type == gjson.Number {
		return int(root.Int()), root.Int() >= 0
	}
	for _, p := range []string{"count", "unread", "unread_count", "unreadCount", "data.count", "data.unread"} {
		if v := root.Get(p); v.Type == gjson.Number {
			return int(v.Int()), v.Int() >= 0
		}
	}
	return 0, false
}

func checkSuccess(raw []byte) error {
	success := gjson.GetBytes(raw, "success")
	if !success.Exists() || success.Bool() {
		return nil
	}
	reason := gjson.GetBytes(raw, "error")
	if reason.IsObject() {
		reason = reason.Get("message")
	}
	if reason.String() == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, reason.String())
}

func roomPath(roomID, tail string) string {
	return "/rooms/" + url.PathEscape(roomID) + "/" + tail
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	if body == nil {
		return c.send(ctx, method, path, query, nil, "")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.send(ctx, method, path, query, bytes.NewReader(data), "application/json")
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, reader io.Reader, contentType string) ([]byte, error) {
	token, ok := c.token()
	if !ok {
		return nil, ErrNoToken
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
