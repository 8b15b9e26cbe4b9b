package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripchat/internal/models"
)

func TestArena_OwnMessageResolvesByEitherID(t *testing.T) {
	a := newArena()
	a.addOutbound(models.OutboundMessage{LocalID: "l1", RoomID: "r", Body: "hi", SubmittedAt: 5}, "me")

	a.bind("l1", "s1")

	require.NotNil(t, a.lookup("l1"))
	require.NotNil(t, a.lookup("s1"))
	assert.Same(t, a.lookup("l1"), a.lookup("s1"))
	assert.False(t, a.add(models.InboundMessage{ID: "s1", Body: "hi"}), "server copy is the same message")
	assert.Equal(t, 1, a.len())
}

func TestArena_AdvanceFollowsLifecycle(t *testing.T) {
	a := newArena()
	a.addOutbound(models.OutboundMessage{LocalID: "l1"}, "me")

	assert.True(t, a.advance("l1", models.StatusSent))
	assert.False(t, a.advance("l1", models.StatusSending))
	assert.True(t, a.advance("l1", models.StatusRead))
	assert.False(t, a.advance("l1", models.StatusDelivered))
	assert.False(t, a.advance("missing", models.StatusRead))
}

func TestArena_LatestInboundSkipsOwnAndUnconfirmed(t *testing.T) {
	a := newArena()
	a.add(models.InboundMessage{ID: "m1", SenderID: "zaid", CreatedAt: 10})
	a.add(models.InboundMessage{ID: "m2", SenderID: "me", CreatedAt: 30})
	a.addOutbound(models.OutboundMessage{LocalID: "l1", SubmittedAt: 40}, "someone")
	a.add(models.InboundMessage{ID: "m3", SenderID: "amal", CreatedAt: 20})

	assert.Equal(t, "m3", a.latestInbound("me"))
	assert.Equal(t, "m2", a.latestInbound(""))
}

func TestArena_SnapshotOrdersByCreation(t *testing.T) {
	a := newArena()
	a.add(models.InboundMessage{ID: "b", CreatedAt: 2})
	a.add(models.InboundMessage{ID: "c", CreatedAt: 3})
	a.add(models.InboundMessage{ID: "a", CreatedAt: 1})

	var ids []string
	for _, m := range a.snapshot() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
