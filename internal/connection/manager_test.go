package connection

import (
	"testing"
	"time"

	"tripchat/internal/auth"
	"tripchat/internal/clock"
	"tripchat/internal/models"
	"tripchat/internal/transport"
	"tripchat/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	m      *Manager
	clk    *clock.Fake
	dialer *transporttest.Dialer
	states []models.ConnectionState
	frames []models.Frame
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.Unix(1700000000, 0)),
		dialer: transporttest.NewDialer(),
	}
	cfg := Config{
		RoomID:  "room-1",
		Role:    models.RolePilgrim,
		Token:   auth.Static("secret"),
		Factory: h.dialer.Factory,
		Clock:   h.clk,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.m = NewManager(cfg)
	h.m.OnStateChange(func(s models.ConnectionState) { h.states = append(h.states, s) })
	h.m.OnFrame(func(f models.Frame) { h.frames = append(h.frames, f) })
	t.Cleanup(h.m.Dispose)
	return h
}

func (h *harness) connect(t *testing.T) *transporttest.Fake {
	t.Helper()
	h.m.Connect()
	conn := h.dialer.Last()
	require.NotNil(t, conn)
	conn.Accept()
	require.Equal(t, models.StateConnected, h.m.State())
	return conn
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{5, 10, 20, 40, 80, 80, 80}
	for i, w := range want {
		assert.Equal(t, w*time.Second, BackoffDelay(base, i+1, 4), "attempt %d", i+1)
	}

	prev := time.Duration(0)
	for attempt := 1; attempt < 40; attempt++ {
		d := BackoffDelay(time.Second, attempt, 6)
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
	require.Equal(t, 64*time.Second, prev)

	for attempt := 1; attempt < 5; attempt++ {
		assert.Equal(t, base, BackoffDelay(base, attempt, NoBackoff))
	}
}

func TestManager_NoBackoffKeepsDelayConstant(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BackoffCap = NoBackoff })
	h.connect(t)

	for i := 0; i < 3; i++ {
		h.dialer.Last().Drop(transport.CloseAbnormal, "network")
		opened := h.dialer.Opened()
		h.clk.Advance(DefaultBaseDelay - time.Millisecond)
		require.Equal(t, opened, h.dialer.Opened(), "attempt %d fired early", i+1)
		h.clk.Advance(time.Millisecond)
		require.Equal(t, opened+1, h.dialer.Opened(), "attempt %d waited longer than the base delay", i+1)
	}
}

func TestManager_ConnectOpensChannelAndJoinsRoom(t *testing.T) {
	h := newHarness(t)

	conn := h.connect(t)

	assert.Equal(t, transport.Params{Token: "secret", RoomID: "room-1", Role: models.RolePilgrim}, conn.Params())
	assert.Equal(t, []models.ConnectionState{models.StateConnecting, models.StateConnected}, h.states)
	joins := conn.SentOfType(models.FrameRoomJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "room-1", joins[0].RoomID)
	assert.Zero(t, h.m.Attempts())
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.m.Connect()
	h.m.Connect()
	require.Equal(t, 1, h.dialer.Opened(), "second connect reuses the in-flight attempt")

	h.dialer.Last().Accept()
	h.m.Connect()
	require.Equal(t, 1, h.dialer.Opened())
	require.Equal(t, models.StateConnected, h.m.State())
}

func TestManager_NoTokenIsFatal(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Token = auth.Static("") })

	h.m.Connect()

	require.Equal(t, models.StateError, h.m.State())
	require.ErrorIs(t, h.m.LastError(), ErrNoToken)
	require.Zero(t, h.dialer.Opened())

	h.clk.Advance(time.Hour)
	require.Zero(t, h.dialer.Opened(), "no automatic retry")
}

func TestManager_BackoffUntilError(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	delays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, d := range delays {
		h.dialer.Last().Drop(transport.CloseAbnormal, "network")
		require.Equal(t, models.StateReconnecting, h.m.State())
		require.Equal(t, i+1, h.m.Attempts())

		opened := h.dialer.Opened()
		h.clk.Advance(d - time.Millisecond)
		require.Equal(t, opened, h.dialer.Opened(), "attempt %d fired early", i+1)
		h.clk.Advance(time.Millisecond)
		require.Equal(t, opened+1, h.dialer.Opened(), "attempt %d did not fire", i+1)
		require.Equal(t, models.StateConnecting, h.m.State())
	}

	h.dialer.Last().Drop(transport.CloseAbnormal, "network")
	require.Equal(t, models.StateError, h.m.State())
	require.ErrorIs(t, h.m.LastError(), ErrRetriesExhausted)

	opened := h.dialer.Opened()
	h.clk.Advance(time.Hour)
	require.Equal(t, opened, h.dialer.Opened(), "error state does not self-heal")
	require.Zero(t, h.clk.Pending())
}

func TestManager_AttemptsResetOnlyOnConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.dialer.Last().Drop(transport.CloseAbnormal, "")
	h.clk.Advance(5 * time.Second)
	h.dialer.Last().Drop(transport.CloseAbnormal, "")
	require.Equal(t, 2, h.m.Attempts())

	h.clk.Advance(10 * time.Second)
	require.Equal(t, 2, h.m.Attempts(), "connecting does not reset the counter")

	h.dialer.Last().Accept()
	require.Zero(t, h.m.Attempts())
}

func TestManager_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	h.clk.Advance(30 * time.Second)
	require.Len(t, conn.SentOfType(models.FramePing), 1)
	require.Equal(t, models.StateConnected, h.m.State())

	h.clk.Advance(10 * time.Second)

	closed, code := conn.Closed()
	require.True(t, closed)
	require.Equal(t, transport.CloseGoingAway, code)
	require.Equal(t, models.StateReconnecting, h.m.State())
	require.Equal(t, 1, h.m.Attempts())

	h.clk.Advance(5 * time.Second)
	require.Equal(t, 2, h.dialer.Opened())
}

func TestManager_PongKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	for i := 0; i < 3; i++ {
		h.clk.Advance(30 * time.Second)
		conn.Deliver(models.Frame{Type: models.FramePong})
	}
	h.clk.Advance(10 * time.Second)

	require.Equal(t, models.StateConnected, h.m.State())
	require.Len(t, conn.SentOfType(models.FramePing), 3)
	require.Equal(t, 1, h.dialer.Opened())
	require.Empty(t, h.frames, "pong frames are not forwarded")
}

func TestManager_ServerPingIsAnswered(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.Deliver(models.Frame{Type: models.FramePing})

	require.Len(t, conn.SentOfType(models.FramePong), 1)
	require.Empty(t, h.frames)
}

func TestManager_ForwardsFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.Deliver(models.Frame{Type: models.FrameMessageNew})
	conn.Deliver(models.Frame{Type: models.FrameTypingStart})

	require.Len(t, h.frames, 2)
	assert.Equal(t, models.FrameMessageNew, h.frames[0].Type)
	assert.Equal(t, models.FrameTypingStart, h.frames[1].Type)
}

func TestManager_DisconnectIsPlanned(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	h.m.Disconnect()

	require.Equal(t, models.StateDisconnected, h.m.State())
	closed, code := conn.Closed()
	require.True(t, closed)
	require.Equal(t, transport.CloseNormal, code)
	require.Len(t, conn.SentOfType(models.FrameRoomLeave), 1)
	require.Zero(t, h.clk.Pending(), "heartbeat timers cleared")

	h.clk.Advance(time.Hour)
	require.Equal(t, 1, h.dialer.Opened())

	conn.Deliver(models.Frame{Type: models.FrameMessageNew})
	require.Empty(t, h.frames, "events from a closed channel are ignored")
}

func TestManager_AuthCloseIsFatal(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.dialer.Last().Drop(transport.CloseUnauthorized, "token expired")

	require.Equal(t, models.StateError, h.m.State())
	require.ErrorIs(t, h.m.LastError(), ErrUnauthorized)
	h.clk.Advance(time.Hour)
	require.Equal(t, 1, h.dialer.Opened())
}

func TestManager_ServerNormalCloseDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.dialer.Last().Drop(transport.CloseNormal, "bye")

	require.Equal(t, models.StateDisconnected, h.m.State())
	h.clk.Advance(time.Hour)
	require.Equal(t, 1, h.dialer.Opened())
}

func TestManager_ReconnectResetsBackoff(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxAttempts = 1 })
	h.connect(t)

	h.dialer.Last().Drop(transport.CloseAbnormal, "")
	h.clk.Advance(5 * time.Second)
	h.dialer.Last().Drop(transport.CloseAbnormal, "")
	require.Equal(t, models.StateError, h.m.State())

	h.m.Reconnect()
	require.Equal(t, models.StateDisconnected, h.m.State())
	require.Zero(t, h.m.Attempts())

	opened := h.dialer.Opened()
	h.clk.Advance(time.Second)
	require.Equal(t, opened+1, h.dialer.Opened())
	h.dialer.Last().Accept()
	require.Equal(t, models.StateConnected, h.m.State())
}

func TestManager_OfflineSuppressesReconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	h.m.SetOnline(false)
	require.Equal(t, models.StateDisconnected, h.m.State())
	closed, _ := conn.Closed()
	require.True(t, closed)

	h.m.Connect()
	h.clk.Advance(time.Hour)
	require.Equal(t, 1, h.dialer.Opened(), "no attempts while offline")

	h.m.SetOnline(true)
	require.Equal(t, models.StateConnecting, h.m.State())
	require.Equal(t, 2, h.dialer.Opened())
}

func TestManager_SetRoomSwitchesMembership(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	h.m.SetRoom("room-2")

	leaves := conn.SentOfType(models.FrameRoomLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "room-1", leaves[0].RoomID)
	joins := conn.SentOfType(models.FrameRoomJoin)
	require.Len(t, joins, 2)
	assert.Equal(t, "room-2", joins[1].RoomID)
	assert.Equal(t, "room-2", h.m.RoomID())
}

func TestManager_SendRequiresConnection(t *testing.T) {
	h := newHarness(t)

	require.ErrorIs(t, h.m.Send(models.Frame{Type: models.FrameMessageSend}), ErrNotConnected)

	conn := h.connect(t)
	require.NoError(t, h.m.Send(models.Frame{Type: models.FrameMessageSend}))
	require.Len(t, conn.SentOfType(models.FrameMessageSend), 1)
}

func TestManager_DisposeReleasesEverything(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.clk.Advance(30 * time.Second) // ping in flight, pong timer armed

	h.m.Dispose()

	require.Zero(t, h.clk.Pending())
	closed, code := conn.Closed()
	require.True(t, closed)
	require.Equal(t, transport.CloseNormal, code)
	require.ErrorIs(t, h.m.Send(models.Frame{}), ErrDisposed)

	before := len(h.states)
	h.m.Connect()
	conn.Drop(transport.CloseAbnormal, "")
	require.Len(t, h.states, before)
}

func TestManager_ObserverMayReenter(t *testing.T) {
	h := newHarness(t)
	var sendErr error
	h.m.OnStateChange(func(s models.ConnectionState) {
		if s == models.StateConnected {
			sendErr = h.m.Send(models.Frame{Type: models.FrameMessageSend, LocalID: "queued"})
		}
	})

	conn := h.connect(t)

	require.NoError(t, sendErr)
	require.Len(t, conn.SentOfType(models.FrameMessageSend), 1)
}
