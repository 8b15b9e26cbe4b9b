package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tripchat/internal/chat"
	"tripchat/internal/models"
	"tripchat/internal/storage"
)

const historySize = 200

// terminal is a line-oriented front end for a chat.Client. It prints
// every client event and mirrors the room into the local cache.
type terminal struct {
	client *chat.Client
	store  *storage.BboltStorage
	userID string
	logger *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func newTerminal(client *chat.Client, store *storage.BboltStorage, userID string, out io.Writer, logger *slog.Logger) *terminal {
	t := &terminal{client: client, store: store, userID: userID, out: out, logger: logger}
	client.Observe(t)
	return t
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) printMessage(m models.InboundMessage) {
	ts := time.UnixMilli(m.CreatedAt).Format("15:04")
	line := fmt.Sprintf("[%s] %s: %s", ts, m.SenderID, m.Body)
	if m.Attachment != "" {
		line += fmt.Sprintf(" <%s %s>", m.Type, m.Attachment)
	}
	t.printf("%s", line)
}

// load seeds the client with the cached history of its room.
func (t *terminal) load() {
	room := t.client.RoomID()
	msgs, err := t.store.ListMessages(room, historySize)
	if err != nil {
		t.logger.Warn("cached history unavailable", "room_id", room, "error", err)
		return
	}
	cursor, err := t.store.LastSeen(room)
	if err != nil {
		t.logger.Warn("cached cursor unavailable", "room_id", room, "error", err)
	}
	t.client.Preload(msgs, cursor)
	for _, m := range msgs {
		t.printMessage(m)
	}
}

func (t *terminal) NewMessage(m models.InboundMessage) {
	t.printMessage(m)
	if err := t.store.UpsertMessage(m); err != nil {
		t.logger.Warn("failed to cache message", "id", m.ID, "error", err)
	}
}

func (t *terminal) MessageStatusUpdate(u models.StatusUpdate) {
	id := u.LocalID
	if id == "" {
		id = u.ServerID
	}
	switch u.Status {
	case models.StatusFailed:
		t.printf("! %s failed: %s (/retry %s)", id, u.Reason, id)
	case models.StatusSending:
	default:
		t.printf("· %s %s", id, u.Status)
	}
	if u.ServerID == "" {
		return
	}

	for _, m := range t.client.Messages() {
		if m.LocalID != u.LocalID || m.LocalID == "" {
			continue
		}
		m.ID = u.ServerID
		m.Status = u.Status
		if err := t.store.UpsertMessage(m); err != nil {
			t.logger.Warn("failed to cache message", "id", m.ID, "error", err)
		}
		return
	}
	if _, err := t.store.UpdateStatus(t.client.RoomID(), u.ServerID, u.Status); err != nil {
		t.logger.Debug("status not cached", "id", u.ServerID, "error", err)
	}
}

func (t *terminal) TypingChange(_ models.TypingIndicator, typing []string) {
	if len(typing) == 0 {
		return
	}
	t.printf("* %s typing…", strings.Join(typing, ", "))
}

func (t *terminal) ConnectionStatusChange(s chat.Status) {
	line := fmt.Sprintf("* %s (%s)", s.State, s.Mode)
	if s.Err != nil {
		line += ": " + s.Err.Error()
	}
	if s.Paused {
		line += ", polling paused, /reconnect to resume"
	}
	t.printf("%s", line)
}

// console is the interactive line source, a readline instance outside
// of tests.
type console interface {
	Readline() (string, error)
	Stdout() io.Writer
	Close() error
}

// run reads commands and messages until /quit, end of input or ctx is
// done.
func (t *terminal) run(ctx context.Context, con console) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := con.Readline()
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = con.Close()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := t.handle(ctx, strings.TrimSpace(line)); quit {
				return con.Close()
			}
		}
	}
}

func (t *terminal) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.client.SendMessage(ctx, line)
		t.client.SendTyping(false)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true
	case "/retry":
		if _, err := t.client.Retry(ctx, arg); err != nil {
			t.printf("! %v", err)
		}
	case "/read":
		t.markRead(ctx)
	case "/attach":
		t.attach(ctx, arg)
	case "/reconnect":
		t.client.Reconnect()
	case "/room":
		if arg == "" {
			t.printf("! usage: /room <id>")
			return false
		}
		t.client.SwitchRoom(arg)
		t.load()
	case "/clear":
		room := t.client.RoomID()
		if err := t.store.DeleteRoom(room); err != nil {
			t.printf("! %v", err)
			return false
		}
		t.printf("* cached history of %s cleared", room)
	case "/unread":
		t.printf("* %d unread", t.client.UnreadCount(ctx))
	case "/status":
		s := t.client.Status()
		t.printf("* %s (%s), room %s", s.State, s.Mode, t.client.RoomID())
	default:
		t.printf("! unknown command %s", cmd)
	}
	return false
}

func (t *terminal) markRead(ctx context.Context) {
	msgs := t.client.Messages()
	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID != t.userID && msgs[i].ID != "" {
			last = msgs[i].ID
			break
		}
	}
	if last == "" {
		return
	}
	if err := t.client.MarkAsRead(ctx, last); err != nil {
		t.printf("! %v", err)
		return
	}
	if err := t.store.SetLastRead(t.client.RoomID(), last); err != nil {
		t.logger.Warn("failed to cache read marker", "error", err)
	}
}

func (t *terminal) attach(ctx context.Context, arg string) {
	path, caption, _ := strings.Cut(arg, " ")
	if path == "" {
		t.printf("! usage: /attach <path> [caption]")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		t.printf("! %v", err)
		return
	}
	defer f.Close()

	if _, _, err := t.client.SendAttachment(ctx, filepath.Base(path), f, caption); err != nil {
		t.printf("! %v", err)
	}
}
