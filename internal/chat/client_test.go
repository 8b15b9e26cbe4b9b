package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripchat/internal/auth"
	"tripchat/internal/clock"
	"tripchat/internal/delivery"
	"tripchat/internal/models"
	"tripchat/internal/transport"
	"tripchat/internal/transport/transporttest"
)

type mockREST struct {
	mu       sync.Mutex
	history  []models.InboundMessage
	fetches  int
	fetchErr error
	sendErr  error
	sent     []models.InboundMessage
	reads    []string
	uploads  map[string][]byte
	nextID   int
}

func (m *mockREST) Messages(_ context.Context, roomID string, _ int) ([]models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []models.InboundMessage
	for _, msg := range m.history {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockREST) SendMessage(_ context.Context, out models.OutboundMessage) (models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return models.InboundMessage{}, m.sendErr
	}
	m.nextID++
	msg := models.InboundMessage{
		ID:         fmt.Sprintf("rest-%d", m.nextID),
		RoomID:     out.RoomID,
		SenderID:   "me",
		Body:       out.Body,
		Type:       out.Type,
		Attachment: out.Attachment,
		Status:     models.StatusSent,
		CreatedAt:  int64(1700000100000 + m.nextID),
	}
	m.sent = append(m.sent, msg)
	// The server does not echo local ids back in listings.
	m.history = append(m.history, msg)
	msg.LocalID = out.LocalID
	return msg, nil
}

func (m *mockREST) MarkRead(_ context.Context, _ string, lastMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, lastMessageID)
	return nil
}

func (m *mockREST) Upload(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploads == nil {
		m.uploads = make(map[string][]byte)
	}
	m.uploads[name] = data
	return "/files/" + name, nil
}

func (m *mockREST) UnreadCount(context.Context) int {
	return 3
}

func (m *mockREST) addHistory(msgs ...models.InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, msgs...)
}

func (m *mockREST) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

type harness struct {
	c      *Client
	clk    *clock.Fake
	dialer *transporttest.Dialer
	rest   *mockREST

	messages []models.InboundMessage
	statuses []models.StatusUpdate
	typing   [][]string
	conns    []Status
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.Unix(1700000000, 0)),
		dialer: transporttest.NewDialer(),
		rest:   &mockREST{},
	}
	ids := 0
	cfg := Config{
		RoomID:  "room-1",
		UserID:  "me",
		Role:    models.RolePilgrim,
		Token:   auth.Static("secret"),
		Factory: h.dialer.Factory,
		REST:    h.rest,
		Clock:   h.clk,
		NewID: func() string {
			ids++
			return fmt.Sprintf("local-%d", ids)
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	h.c = c
	c.OnNewMessage(func(m models.InboundMessage) { h.messages = append(h.messages, m) })
	c.OnMessageStatusUpdate(func(u models.StatusUpdate) { h.statuses = append(h.statuses, u) })
	c.OnTypingChange(func(_ models.TypingIndicator, users []string) { h.typing = append(h.typing, users) })
	c.OnConnectionStatusChange(func(s Status) { h.conns = append(h.conns, s) })
	t.Cleanup(c.Dispose)
	return h
}

func (h *harness) connect(t *testing.T) *transporttest.Fake {
	t.Helper()
	h.c.Connect()
	conn := h.dialer.Last()
	require.NotNil(t, conn)
	conn.Accept()
	require.Equal(t, models.StateConnected, h.c.State())
	require.Equal(t, ModeLive, h.c.Mode())
	return conn
}

// fallBack drops the live channel and waits out the grace period.
func (h *harness) fallBack(t *testing.T, conn *transporttest.Fake) {
	t.Helper()
	conn.Drop(transport.CloseAbnormal, "network")
	h.clk.Advance(DefaultFallbackGrace)
	require.Equal(t, ModeFallback, h.c.Mode())
}

func (h *harness) lastStatus() Status {
	return h.conns[len(h.conns)-1]
}

func outcome(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	default:
		require.FailNow(t, "send not settled")
		return false
	}
}

func pending(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case v := <-ch:
		require.FailNow(t, "send settled early", "%v", v)
	default:
	}
}

func statusTrail(updates []models.StatusUpdate) []models.MessageStatus {
	var out []models.MessageStatus
	for _, u := range updates {
		out = append(out, u.Status)
	}
	return out
}

func ack(conn *transporttest.Fake, localID, serverID string) {
	conn.DeliverJSON(models.FrameMessageAck, localID, models.AckPayload{MessageID: serverID})
}

func inbound(id, sender, body string, created int64) models.InboundMessage {
	return models.InboundMessage{
		ID:        id,
		RoomID:    "room-1",
		SenderID:  sender,
		Body:      body,
		Type:      models.ContentTypeText,
		Status:    models.StatusSent,
		CreatedAt: created,
	}
}

func deliverNew(conn *transporttest.Fake, payload map[string]any) {
	conn.DeliverJSON(models.FrameMessageNew, "", payload)
}

func TestClient_LiveSendIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	id, done := h.c.SendMessage(context.Background(), "  When is the bus to Mina?  ")
	require.Equal(t, "local-1", id)

	sends := conn.SentOfType(models.FrameMessageSend)
	require.Len(t, sends, 1)
	assert.Equal(t, "local-1", sends[0].LocalID)
	var payload models.SendPayload
	require.NoError(t, sends[0].Decode(&payload))
	assert.Equal(t, "When is the bus to Mina?", payload.Body)
	pending(t, done)

	ack(conn, "local-1", "srv-1")

	assert.True(t, outcome(t, done))
	assert.Equal(t, []models.MessageStatus{models.StatusSending, models.StatusSent}, statusTrail(h.statuses))
	assert.Equal(t, "srv-1", h.statuses[1].ServerID)
	msgs := h.c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, "local-1", msgs[0].LocalID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Empty(t, h.messages, "own messages are not reported as new")
}

func TestClient_EmptyMessageIsNotSent(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	id, done := h.c.SendMessage(context.Background(), "   ")

	assert.Empty(t, id)
	assert.False(t, outcome(t, done))
	assert.Empty(t, conn.SentOfType(models.FrameMessageSend))
}

func TestClient_AckTimeoutThenRetry(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	_, done := h.c.SendMessage(context.Background(), "hello")
	h.clk.Advance(delivery.DefaultAckTimeout)
	assert.False(t, outcome(t, done))

	_, err := h.c.Retry(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownMessage)

	again, err := h.c.Retry(context.Background(), "local-1")
	require.NoError(t, err)
	sends := conn.SentOfType(models.FrameMessageSend)
	require.Len(t, sends, 2)
	assert.Equal(t, "local-1", sends[1].LocalID, "retry keeps the local id")

	_, err = h.c.Retry(context.Background(), "local-1")
	require.ErrorIs(t, err, ErrNotFailed)

	ack(conn, "local-1", "srv-1")
	assert.True(t, outcome(t, again))
	assert.Equal(t, []models.MessageStatus{
		models.StatusSending, models.StatusFailed, models.StatusSending, models.StatusSent,
	}, statusTrail(h.statuses))
}

func TestClient_LateAckDoesNotReviveMessage(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	_, done := h.c.SendMessage(context.Background(), "hello")
	h.clk.Advance(delivery.DefaultAckTimeout)
	require.False(t, outcome(t, done))

	ack(conn, "local-1", "srv-1")

	assert.Equal(t, models.StatusFailed, h.c.Messages()[0].Status)
	assert.Len(t, h.statuses, 2)
}

func TestClient_QueuedWhileReconnectingFlushesInOrder(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	conn.Drop(transport.CloseAbnormal, "network")
	require.Equal(t, models.StateReconnecting, h.c.State())

	_, first := h.c.SendMessage(context.Background(), "one")
	_, second := h.c.SendMessage(context.Background(), "two")

	h.clk.Advance(5 * time.Second)
	next := h.dialer.Last()
	require.NotSame(t, conn, next)
	next.Accept()

	sends := next.SentOfType(models.FrameMessageSend)
	require.Len(t, sends, 2)
	assert.Equal(t, "local-1", sends[0].LocalID)
	assert.Equal(t, "local-2", sends[1].LocalID)

	ack(next, "local-2", "srv-2")
	ack(next, "local-1", "srv-1")
	assert.True(t, outcome(t, first))
	assert.True(t, outcome(t, second))
	assert.Equal(t, ModeLive, h.c.Mode(), "recovery within the grace period never leaves live mode")
}

func TestClient_FallbackPollsAndDeduplicates(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	deliverNew(conn, map[string]any{"id": "m1", "roomId": "room-1", "senderId": "zaid", "body": "hi", "createdAt": 1700000001000})
	require.Len(t, h.messages, 1)

	_, done := h.c.SendMessage(context.Background(), "hello")
	ack(conn, "local-1", "srv-1")
	require.True(t, outcome(t, done))

	h.rest.addHistory(
		inbound("m1", "zaid", "hi", 1700000001000),
		inbound("srv-1", "me", "hello", 1700000002000),
		inbound("m2", "amal", "bus leaves at 6", 1700000003000),
	)

	h.fallBack(t, conn)

	require.Equal(t, 1, h.rest.fetchCount())
	require.Len(t, h.messages, 2, "only unseen ids are new")
	assert.Equal(t, "m2", h.messages[1].ID)

	h.clk.Advance(DefaultPollInterval)
	assert.Equal(t, 2, h.rest.fetchCount())
	assert.Len(t, h.messages, 2, "polling again changes nothing")
	assert.Len(t, h.c.Messages(), 3)
	assert.Equal(t, int64(1700000003000), h.c.Cursor())
}

func TestClient_PollSkipsHistoryOlderThanCursor(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	deliverNew(conn, map[string]any{"id": "m5", "roomId": "room-1", "senderId": "zaid", "body": "boarding", "createdAt": 1700000005000})
	require.Len(t, h.messages, 1)

	h.rest.addHistory(
		inbound("m0", "amal", "old news", 1700000000500),
		inbound("m5", "zaid", "boarding", 1700000005000),
		inbound("m5b", "amal", "same millisecond", 1700000005000),
		inbound("m6", "amal", "gate changed", 1700000006000),
	)
	h.fallBack(t, conn)

	require.Equal(t, 1, h.rest.fetchCount())
	var ids []string
	for _, m := range h.messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m5", "m5b", "m6"}, ids)
	assert.Equal(t, int64(1700000006000), h.c.Cursor())

	h.clk.Advance(DefaultPollInterval)
	assert.Len(t, h.messages, 3)
}

func TestClient_PreloadedCursorBoundsPolling(t *testing.T) {
	h := newHarness(t)
	h.c.Preload([]models.InboundMessage{inbound("m2", "zaid", "cached tail", 1700000002000)}, 1700000004000)
	assert.Equal(t, int64(1700000004000), h.c.Cursor())

	conn := h.connect(t)
	h.rest.addHistory(
		inbound("m3", "zaid", "already shown before the cache was trimmed", 1700000003000),
		inbound("m9", "amal", "new", 1700000009000),
	)
	h.fallBack(t, conn)

	require.Len(t, h.messages, 1)
	assert.Equal(t, "m9", h.messages[0].ID)
}

func TestClient_ReconcileClosesGapsBehindCursor(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	deliverNew(conn, map[string]any{"id": "m5", "roomId": "room-1", "senderId": "zaid", "body": "boarding", "createdAt": 1700000005000})
	h.fallBack(t, conn)

	h.rest.addHistory(inbound("m4", "amal", "delivered late by the server", 1700000004000))
	h.clk.Advance(DefaultPollInterval)
	require.Len(t, h.messages, 1, "polling keeps to the cursor")

	h.dialer.Last().Accept()
	h.clk.Advance(0)

	require.Len(t, h.messages, 2)
	assert.Equal(t, "m4", h.messages[1].ID)
}

func TestClient_FallbackSendUsesREST(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.fallBack(t, conn)

	id, done := h.c.SendMessage(context.Background(), "sent over http")
	pending(t, done)
	h.clk.Advance(0)

	assert.True(t, outcome(t, done))
	require.Len(t, h.rest.sent, 1)
	assert.Equal(t, "sent over http", h.rest.sent[0].Body)
	assert.Equal(t, []models.MessageStatus{models.StatusSending, models.StatusSent}, statusTrail(h.statuses))
	assert.Equal(t, "rest-1", h.statuses[1].ServerID)
	assert.Equal(t, id, h.statuses[1].LocalID)

	h.clk.Advance(DefaultPollInterval)
	assert.Empty(t, h.messages, "the polled copy of an own message is recognized by id")
}

func TestClient_FallbackSendFailureIsReported(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.fallBack(t, conn)
	h.rest.sendErr = errors.New("503")

	_, done := h.c.SendMessage(context.Background(), "hello")
	h.clk.Advance(0)

	assert.False(t, outcome(t, done))
	assert.Equal(t, models.StatusFailed, h.statuses[len(h.statuses)-1].Status)
	assert.Contains(t, h.statuses[len(h.statuses)-1].Reason, "503")

	h.rest.sendErr = nil
	again, err := h.c.Retry(context.Background(), "local-1")
	require.NoError(t, err)
	h.clk.Advance(0)
	assert.True(t, outcome(t, again))
}

func TestClient_QueuedMessagesMoveToRESTOnFallback(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	conn.Drop(transport.CloseAbnormal, "network")

	_, done := h.c.SendMessage(context.Background(), "stuck")
	pending(t, done)

	h.clk.Advance(DefaultFallbackGrace)

	require.Equal(t, ModeFallback, h.c.Mode())
	assert.True(t, outcome(t, done))
	require.Len(t, h.rest.sent, 1)
	assert.Equal(t, "stuck", h.rest.sent[0].Body)
}

func TestClient_ErrorStateFallsBackImmediately(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.Drop(transport.CloseUnauthorized, "token expired")
	require.Equal(t, models.StateError, h.c.State())
	require.Equal(t, ModeFallback, h.c.Mode())

	h.clk.Advance(0)
	assert.Equal(t, 1, h.rest.fetchCount())
	last := h.lastStatus()
	assert.Equal(t, models.StateError, last.State)
	assert.Equal(t, ModeFallback, last.Mode)
}

func TestClient_ReturnToLiveReconciles(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.fallBack(t, conn)
	require.Equal(t, 1, h.rest.fetchCount())

	h.rest.addHistory(inbound("m3", "zaid", "sent during the switch", 1700000005000))
	h.dialer.Last().Accept()
	require.Equal(t, ModeLive, h.c.Mode())

	h.clk.Advance(0)
	assert.Equal(t, 2, h.rest.fetchCount())
	require.Len(t, h.messages, 1)
	assert.Equal(t, "m3", h.messages[0].ID)

	h.clk.Advance(DefaultPollInterval)
	assert.Equal(t, 2, h.rest.fetchCount(), "no polling in live mode")
}

func TestClient_PollFailuresPauseThenRecover(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollMaxRetries = 3 })
	conn := h.connect(t)
	h.rest.fetchErr = errors.New("gateway timeout")

	h.fallBack(t, conn)
	require.Equal(t, 1, h.rest.fetchCount())
	assert.Error(t, h.lastStatus().PollError)
	assert.False(t, h.lastStatus().Paused)

	h.clk.Advance(DefaultPollRetryDelay)
	h.clk.Advance(DefaultPollRetryDelay)
	require.Equal(t, 3, h.rest.fetchCount())
	assert.True(t, h.lastStatus().Paused)

	h.clk.Advance(time.Minute)
	assert.Equal(t, 3, h.rest.fetchCount(), "paused polling stays paused")

	h.rest.fetchErr = nil
	h.c.Reconnect()
	h.clk.Advance(0)
	assert.Equal(t, 4, h.rest.fetchCount())
	assert.NoError(t, h.lastStatus().PollError)
	assert.False(t, h.lastStatus().Paused)
}

func TestClient_OwnEchoMapsOntoLocalEntry(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	_, done := h.c.SendMessage(context.Background(), "hello")
	deliverNew(conn, map[string]any{"id": "srv-1", "localId": "local-1", "senderId": "me", "body": "hello"})

	assert.Empty(t, h.messages)
	msgs := h.c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)

	ack(conn, "local-1", "srv-1")
	assert.True(t, outcome(t, done))
	assert.Len(t, h.c.Messages(), 1)
}

func TestClient_StatusFramesAdvanceLifecycle(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	_, done := h.c.SendMessage(context.Background(), "hello")
	ack(conn, "local-1", "srv-1")
	require.True(t, outcome(t, done))

	conn.DeliverJSON(models.FrameMessageStatus, "", models.StatusPayload{MessageID: "srv-1", Status: models.StatusDelivered})
	conn.DeliverJSON(models.FrameMessageRead, "", models.StatusPayload{MessageID: "srv-1"})
	conn.DeliverJSON(models.FrameMessageStatus, "", models.StatusPayload{MessageID: "srv-1", Status: models.StatusDelivered})

	assert.Equal(t, []models.MessageStatus{
		models.StatusSending, models.StatusSent, models.StatusDelivered, models.StatusRead,
	}, statusTrail(h.statuses))
	assert.Equal(t, "local-1", h.statuses[3].LocalID)
	assert.Equal(t, models.StatusRead, h.c.Messages()[0].Status)
}

func TestClient_Typing(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	for i := 0; i < 5; i++ {
		h.c.Input()
	}
	h.clk.Advance(3 * time.Second)
	assert.Len(t, conn.SentOfType(models.FrameTypingStart), 1)
	assert.Len(t, conn.SentOfType(models.FrameTypingStop), 1)

	conn.DeliverJSON(models.FrameTypingStart, "", models.TypingPayload{UserID: "zaid"})
	conn.DeliverJSON(models.FrameTypingStart, "", models.TypingPayload{UserID: "amal"})
	require.Len(t, h.typing, 2)
	assert.Equal(t, []string{"amal", "zaid"}, h.typing[1])
	assert.Equal(t, []string{"amal", "zaid"}, h.c.TypingUsers())

	h.fallBack(t, conn)
	h.c.SendTyping(true)
	assert.Len(t, h.dialer.Last().SentOfType(models.FrameTypingStart), 0, "typing is dropped in fallback")
}

func TestClient_MarkAsRead(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	deliverNew(conn, map[string]any{"id": "m1", "senderId": "zaid", "body": "hi", "createdAt": 1700000001000})
	deliverNew(conn, map[string]any{"id": "m2", "senderId": "zaid", "body": "hi again", "createdAt": 1700000002000})

	require.NoError(t, h.c.MarkAsRead(context.Background(), ""))

	reads := conn.SentOfType(models.FrameMessageRead)
	require.Len(t, reads, 1)
	var p models.StatusPayload
	require.NoError(t, reads[0].Decode(&p))
	assert.Equal(t, "m2", p.MessageID)
	assert.Empty(t, h.rest.reads)

	h.fallBack(t, conn)
	require.NoError(t, h.c.MarkAsRead(context.Background(), "m1"))
	assert.Equal(t, []string{"m1"}, h.rest.reads)
}

func TestClient_SendAttachment(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, bytes.Repeat([]byte{1}, 500)...)

	id, done, err := h.c.SendAttachment(context.Background(), "visa.png", bytes.NewReader(png), "")
	require.NoError(t, err)

	assert.Equal(t, png, h.rest.uploads["visa.png"], "sniffed bytes are uploaded too")
	sends := conn.SentOfType(models.FrameMessageSend)
	require.Len(t, sends, 1)
	var payload models.SendPayload
	require.NoError(t, sends[0].Decode(&payload))
	assert.Equal(t, models.SendPayload{Body: "visa.png", Type: models.ContentTypeImage, Attachment: "/files/visa.png"}, payload)

	ack(conn, id, "srv-1")
	assert.True(t, outcome(t, done))
}

func TestClient_SendAttachmentInFallback(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.fallBack(t, conn)

	_, done, err := h.c.SendAttachment(context.Background(), "itinerary.txt", strings.NewReader("day 1: Mina"), "plan")
	require.NoError(t, err)
	h.clk.Advance(0)

	assert.True(t, outcome(t, done))
	require.Len(t, h.rest.sent, 1)
	assert.Equal(t, "/files/itinerary.txt", h.rest.sent[0].Attachment)
	assert.Equal(t, models.ContentTypeFile, h.rest.sent[0].Type)
	assert.Equal(t, "plan", h.rest.sent[0].Body)
}

func TestClient_SwitchRoom(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	deliverNew(conn, map[string]any{"id": "m1", "senderId": "zaid", "body": "hi"})
	_, done := h.c.SendMessage(context.Background(), "hello")

	h.c.SwitchRoom("room-2")

	assert.False(t, outcome(t, done))
	leaves := conn.SentOfType(models.FrameRoomLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "room-1", leaves[0].RoomID)
	joins := conn.SentOfType(models.FrameRoomJoin)
	require.Len(t, joins, 2)
	assert.Equal(t, "room-2", joins[1].RoomID)
	assert.Empty(t, h.c.Messages())
	assert.Equal(t, "room-2", h.c.RoomID())

	ack(conn, "local-1", "srv-1")
	deliverNew(conn, map[string]any{"id": "x1", "roomId": "room-1", "senderId": "zaid", "body": "old room"})
	assert.Len(t, h.messages, 1, "traffic for the old room is ignored")
}

func TestClient_DisposeReleasesEverything(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.c.Input()
	_, done := h.c.SendMessage(context.Background(), "hello")

	h.c.Dispose()

	assert.False(t, outcome(t, done))
	closed, code := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseNormal, code)
	assert.Len(t, conn.SentOfType(models.FrameRoomLeave), 1)
	assert.Zero(t, h.clk.Pending(), "no timer survives dispose")

	events := len(h.statuses) + len(h.conns)
	h.clk.Advance(time.Hour)
	conn.Deliver(models.Frame{Type: models.FrameMessageNew})
	assert.Equal(t, events, len(h.statuses)+len(h.conns))

	_, after := h.c.SendMessage(context.Background(), "too late")
	assert.False(t, outcome(t, after))
	h.c.Dispose()
}

func TestClient_DisconnectFailsWaitingSends(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	_, inFlight := h.c.SendMessage(context.Background(), "awaiting ack")
	conn.Drop(transport.CloseAbnormal, "network")
	_, queued := h.c.SendMessage(context.Background(), "waiting for the channel")
	pending(t, queued)

	h.c.Disconnect()

	assert.False(t, outcome(t, inFlight))
	assert.False(t, outcome(t, queued))
	for _, m := range h.c.Messages() {
		assert.Equal(t, models.StatusFailed, m.Status, m.Body)
	}
	assert.Equal(t, models.StateDisconnected, h.c.State())
	assert.Equal(t, ModeLive, h.c.Mode())
	assert.Zero(t, h.clk.Pending(), "no grace, retry or ack timer survives")

	opened := h.dialer.Opened()
	h.clk.Advance(time.Hour)
	assert.Equal(t, opened, h.dialer.Opened())
	assert.Zero(t, h.rest.fetchCount())

	h.c.Connect()
	next := h.dialer.Last()
	next.Accept()
	assert.Empty(t, next.SentOfType(models.FrameMessageSend), "failed sends wait for an explicit retry")
	again, err := h.c.Retry(context.Background(), "local-2")
	require.NoError(t, err)
	ack(next, "local-2", "srv-2")
	assert.True(t, outcome(t, again))
}

func TestClient_DisconnectStopsPolling(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.fallBack(t, conn)
	require.Equal(t, 1, h.rest.fetchCount())

	h.c.Disconnect()

	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(10 * DefaultPollInterval)
	assert.Equal(t, 1, h.rest.fetchCount())
}

func TestClient_OfflineHoldsSendsWithoutFallback(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	h.c.SetOnline(false)
	require.Equal(t, models.StateDisconnected, h.c.State())
	closed, _ := conn.Closed()
	assert.True(t, closed)

	_, done := h.c.SendMessage(context.Background(), "written on the plane")
	h.clk.Advance(2 * DefaultFallbackGrace)
	assert.Equal(t, ModeLive, h.c.Mode(), "offline never switches to polling")
	assert.Zero(t, h.rest.fetchCount())
	assert.Zero(t, h.clk.Pending())
	pending(t, done)

	h.c.SetOnline(true)
	next := h.dialer.Last()
	require.NotSame(t, conn, next)
	next.Accept()
	sends := next.SentOfType(models.FrameMessageSend)
	require.Len(t, sends, 1)
	ack(next, sends[0].LocalID, "srv-1")
	assert.True(t, outcome(t, done))
}

func TestClient_OfflinePausesFallbackPolling(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.fallBack(t, conn)
	require.Equal(t, 1, h.rest.fetchCount())

	h.c.SetOnline(false)
	h.clk.Advance(5 * DefaultPollInterval)
	assert.Equal(t, 1, h.rest.fetchCount())

	h.c.SetOnline(true)
	h.clk.Advance(0)
	assert.Equal(t, 2, h.rest.fetchCount())
}

func TestClient_PreloadCountsAsSeen(t *testing.T) {
	h := newHarness(t)
	h.c.Preload([]models.InboundMessage{
		inbound("m1", "zaid", "from cache", 1700000001000),
		{ID: "other", RoomID: "room-9"},
	}, 0)
	require.Len(t, h.c.Messages(), 1)
	assert.Equal(t, int64(1700000001000), h.c.Cursor())

	conn := h.connect(t)
	deliverNew(conn, map[string]any{"id": "m1", "senderId": "zaid", "body": "from cache"})
	assert.Empty(t, h.messages)
}

func TestClient_ObserverInterface(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.c.Observe(rec)

	conn := h.connect(t)
	deliverNew(conn, map[string]any{"id": "m1", "senderId": "zaid", "body": "hi"})

	assert.Equal(t, 1, rec.messages)
	assert.NotZero(t, rec.conns)
	assert.Equal(t, 3, h.c.UnreadCount(context.Background()))
}

type recorder struct {
	NopObserver
	messages int
	conns    int
}

func (r *recorder) NewMessage(models.InboundMessage) { r.messages++ }
func (r *recorder) ConnectionStatusChange(Status)    { r.conns++ }
