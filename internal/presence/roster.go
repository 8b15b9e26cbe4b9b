package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"tripchat/internal/clock"
	"tripchat/internal/models"
)

// Roster tracks who else is typing in the active room. A user drops out
// on typing.stop or when no typing.start refreshed them within the
// freshness window.
type Roster struct {
	self      string
	freshness time.Duration
	clk       clock.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	roomID    string
	users     map[string]*typist
	seq       int
	listeners []func(models.TypingIndicator, []string)
}

func NewRoster(roomID, selfID string, freshness time.Duration, clk clock.Clock, logger *slog.Logger) *Roster {
	if freshness <= 0 {
		freshness = DefaultTypingFreshness
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{
		self:      selfID,
		freshness: freshness,
		clk:       clk,
		logger:    logger.With("component", "roster"),
		roomID:    roomID,
		users:     make(map[string]*typist),
	}
}

// OnChange registers fn; it receives the indicator that caused the change
// and the full sorted set of typing users.
func (r *Roster) OnChange(fn func(models.TypingIndicator, []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Handle consumes typing frames and reports whether f was one.
func (r *Roster) Handle(f models.Frame) bool {
	var typing bool
	switch f.Type {
	case models.FrameTypingStart:
		typing = true
	case models.FrameTypingStop:
	default:
		return false
	}

	var p models.TypingPayload
	if err := f.Decode(&p); err != nil || p.UserID == "" {
		r.logger.Debug("typing frame without user", "type", f.Type)
		return true
	}

	r.mu.Lock()
	if p.UserID == r.self || (f.RoomID != "" && f.RoomID != r.roomID) {
		r.mu.Unlock()
		return true
	}
	changed := false
	if typing {
		changed = r.touchLocked(p.UserID)
	} else {
		changed = r.removeLocked(p.UserID)
	}
	r.unlockAndNotify(changed, p.UserID, typing)
	return true
}

type typist struct {
	timer clock.Timer
	seq   int
}

func (r *Roster) touchLocked(userID string) bool {
	t, seen := r.users[userID]
	if seen {
		t.timer.Stop()
	}
	r.seq++
	seq := r.seq
	r.users[userID] = &typist{
		timer: r.clk.AfterFunc(r.freshness, func() { r.expire(userID, seq) }),
		seq:   seq,
	}
	return !seen
}

func (r *Roster) removeLocked(userID string) bool {
	t, ok := r.users[userID]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(r.users, userID)
	return true
}

func (r *Roster) expire(userID string, seq int) {
	r.mu.Lock()
	changed := false
	if t, ok := r.users[userID]; ok && t.seq == seq {
		changed = r.removeLocked(userID)
	}
	r.unlockAndNotify(changed, userID, false)
}

func (r *Roster) unlockAndNotify(changed bool, userID string, typing bool) {
	if !changed {
		r.mu.Unlock()
		return
	}
	ind := models.TypingIndicator{
		UserID:    userID,
		RoomID:    r.roomID,
		IsTyping:  typing,
		Timestamp: r.clk.Now().UnixMilli(),
	}
	users := r.usersLocked()
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		l(ind, users)
	}
}

// Users returns the typing user ids, sorted.
func (r *Roster) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Roster) usersLocked() []string {
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Reset forgets every typist and switches to roomID. Listeners are not
// called.
func (r *Roster) Reset(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.users {
		t.timer.Stop()
	}
	r.users = make(map[string]*typist)
	r.roomID = roomID
}
