package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripchat/internal/auth"
	"tripchat/internal/chat"
	"tripchat/internal/devserver"
	"tripchat/internal/filestore"
	"tripchat/internal/models"
	"tripchat/internal/restapi"
	"tripchat/internal/storage"
	"tripchat/internal/transport/transporttest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// scriptedConsole feeds lines written by the test to the terminal.
type scriptedConsole struct {
	lines  chan string
	out    *syncBuffer
	keys   func()
	closed chan struct{}
	once   sync.Once
}

func newScriptedConsole() *scriptedConsole {
	return &scriptedConsole{
		lines:  make(chan string, 10),
		out:    &syncBuffer{},
		closed: make(chan struct{}),
	}
}

func (c *scriptedConsole) open(onKey func()) (console, error) {
	c.keys = onKey
	return c, nil
}

func (c *scriptedConsole) Readline() (string, error) {
	select {
	case line := <-c.lines:
		for range line {
			c.keys()
		}
		return line, nil
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *scriptedConsole) Stdout() io.Writer { return c.out }

func (c *scriptedConsole) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConsole) Type(lines ...string) {
	for _, l := range lines {
		c.lines <- l
	}
}

func startDevServer(t *testing.T) (*httptest.Server, *devserver.Hub) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBboltStorage(filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	files, err := filestore.NewLocalFileStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	ds, err := devserver.New(devserver.Config{
		Users:  devserver.Users{"pilgrim-token": "pilgrim-1", "office-token": "office-1"},
		Store:  store,
		Files:  files,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(ds.Handler())
	t.Cleanup(func() {
		ds.Close()
		srv.Close()
		_ = store.Close()
	})
	return srv, ds.Hub
}

func TestRun(t *testing.T) {
	srv, hub := startDevServer(t)
	dbFile := filepath.Join(t.TempDir(), "client.db")

	t.Setenv("TRIPCHAT_WS_URL", "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	t.Setenv("TRIPCHAT_API_URL", srv.URL+"/api/")
	t.Setenv("TRIPCHAT_TOKEN", "pilgrim-token")
	t.Setenv("TRIPCHAT_TOKEN_FILE", "")
	t.Setenv("TRIPCHAT_USER", "pilgrim-1")
	t.Setenv("TRIPCHAT_ROOM", "group-7")
	t.Setenv("TRIPCHAT_DB", dbFile)
	t.Setenv("TRIPCHAT_LOG_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	con := newScriptedConsole()
	out := con.out
	done := make(chan error, 1)
	go func() { done <- run(ctx, con.open) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "* connected (live)")
	}, 10*time.Second, 20*time.Millisecond, out.String())

	con.Type("Which gate for the Medina bus?")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), " sent")
	}, 10*time.Second, 20*time.Millisecond, out.String())

	_, err := hub.Post("group-7", devserver.Sender{ID: "office-1"}, "", models.SendPayload{Body: "Gate 4, 9:00"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "office-1: Gate 4, 9:00")
	}, 10*time.Second, 20*time.Millisecond, out.String())

	con.Type("/read", "/bogus", "/quit")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after /quit")
	}
	assert.Contains(t, out.String(), "! unknown command /bogus")
	assert.Eventually(t, func() bool {
		return hub.Unread("pilgrim-1") == 0
	}, 5*time.Second, 20*time.Millisecond)

	store, err := storage.NewBboltStorage(dbFile)
	require.NoError(t, err)
	defer store.Close()
	cached, err := store.ListMessages("group-7", 0)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "Which gate for the Medina bus?", cached[0].Body)
	assert.Equal(t, "Gate 4, 9:00", cached[1].Body)
	lastRead, err := store.LastRead("group-7")
	require.NoError(t, err)
	assert.Equal(t, cached[1].ID, lastRead)
}

func TestTerminal_LoadAndClearCache(t *testing.T) {
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.UpsertMessage(models.InboundMessage{
		ID:        "m1",
		RoomID:    "group-7",
		SenderID:  "office-1",
		Body:      "Passports at reception",
		Type:      models.ContentTypeText,
		Status:    models.StatusSent,
		CreatedAt: 1700000001000,
	}))

	client, err := chat.New(chat.Config{
		RoomID:  "group-7",
		UserID:  "pilgrim-1",
		Token:   auth.Static("pilgrim-token"),
		Factory: transporttest.NewDialer().Factory,
		REST:    restapi.New(restapi.Config{BaseURL: "http://127.0.0.1:1/api/"}),
	})
	require.NoError(t, err)
	defer client.Dispose()

	out := &syncBuffer{}
	term := newTerminal(client, store, "pilgrim-1", out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	term.load()

	assert.Contains(t, out.String(), "office-1: Passports at reception")
	assert.Len(t, client.Messages(), 1)
	assert.Equal(t, int64(1700000001000), client.Cursor())

	assert.False(t, term.handle(context.Background(), "/clear"))
	assert.Contains(t, out.String(), "* cached history of group-7 cleared")

	cached, err := store.ListMessages("group-7", 0)
	require.NoError(t, err)
	assert.Empty(t, cached)
	cursor, err := store.LastSeen("group-7")
	require.NoError(t, err)
	assert.Zero(t, cursor)
}
