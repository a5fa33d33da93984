// Package presence tracks who is online and who is typing in the active
// room, with bounded staleness on both.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wardlink/wardlink/internal/pubsub"
)

const (
	// DefaultHeartbeatInterval is how often a client announces liveness.
	DefaultHeartbeatInterval = 30 * time.Second

	// StaleThresholdMultiplier determines how many missed heartbeats to
	// tolerate before treating a user as offline.
	StaleThresholdMultiplier = 2.5

	// DefaultStaleThreshold is the default presence expiry.
	DefaultStaleThreshold = time.Duration(float64(DefaultHeartbeatInterval) * StaleThresholdMultiplier)

	// DefaultTypingExpiry bounds a typing entry's lifetime against lost stop
	// frames: the sender's auto-stop window plus slack.
	DefaultTypingExpiry = 5 * time.Second

	cleanupInterval = 2 * time.Second
)

// Entry is one user's presence in the room.
type Entry struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// Tracker maintains the roster and typing set for the active room.
type Tracker struct {
	mu      sync.RWMutex
	room    string
	entries map[string]Entry
	typing  map[string]time.Time // userID -> expiry

	publisher      pubsub.Publisher
	logger         *slog.Logger
	staleThreshold time.Duration
	typingExpiry   time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleThreshold sets a custom presence expiry.
func WithStaleThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.staleThreshold = d }
}

// WithTypingExpiry sets a custom typing-entry expiry.
func WithTypingExpiry(d time.Duration) Option {
	return func(t *Tracker) { t.typingExpiry = d }
}

// NewTracker creates a tracker publishing roster/typing updates on the bus.
func NewTracker(publisher pubsub.Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		entries:        make(map[string]Entry),
		typing:         make(map[string]time.Time),
		publisher:      publisher,
		logger:         slog.Default().With("service", "presence"),
		staleThreshold: DefaultStaleThreshold,
		typingExpiry:   DefaultTypingExpiry,
		cleanupTicker:  time.NewTicker(cleanupInterval),
		stopCleanup:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	go t.runCleanup()
	return t
}

// Reset clears all state for a new room.
func (t *Tracker) Reset(room string) {
	t.mu.Lock()
	t.room = room
	t.entries = make(map[string]Entry)
	t.typing = make(map[string]time.Time)
	t.mu.Unlock()

	t.publishRoster()
	t.publishTyping()
}

// ObserveJoin records a user joining the room.
func (t *Tracker) ObserveJoin(userID, userName string) {
	t.mu.Lock()
	t.entries[userID] = Entry{UserID: userID, UserName: userName, Online: true, LastSeen: time.Now().UTC()}
	t.mu.Unlock()

	t.publishRoster()
}

// ObserveLeave records a user leaving the room. The entry is kept with its
// last-seen timestamp so the UI can render "last seen" state.
func (t *Tracker) ObserveLeave(userID string) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if ok {
		e.Online = false
		e.LastSeen = time.Now().UTC()
		t.entries[userID] = e
	}
	delete(t.typing, userID)
	t.mu.Unlock()

	if ok {
		t.publishRoster()
		t.publishTyping()
	}
}

// ObserveHeartbeat refreshes a user's liveness.
func (t *Tracker) ObserveHeartbeat(userID, userName string) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok {
		e = Entry{UserID: userID, UserName: userName}
	}
	wasOnline := e.Online
	e.Online = true
	e.LastSeen = time.Now().UTC()
	t.entries[userID] = e
	t.mu.Unlock()

	if !wasOnline {
		t.publishRoster()
	}
}

// ApplyState replaces the roster with a server snapshot.
func (t *Tracker) ApplyState(entries []Entry) {
	t.mu.Lock()
	t.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		t.entries[e.UserID] = e
	}
	t.mu.Unlock()

	t.publishRoster()
}

// ObserveTyping applies a typing start/stop signal. Stops remove the entry
// immediately; starts arm the lazy expiry against lost stop frames.
func (t *Tracker) ObserveTyping(userID string, typing bool) {
	t.mu.Lock()
	changed := false
	if typing {
		if _, ok := t.typing[userID]; !ok {
			changed = true
		}
		t.typing[userID] = time.Now().Add(t.typingExpiry)
	} else if _, ok := t.typing[userID]; ok {
		delete(t.typing, userID)
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.publishTyping()
	}
}

// Roster returns the current roster, online users first, then by user id.
func (t *Tracker) Roster() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rosterLocked()
}

func (t *Tracker) rosterLocked() []Entry {
	result := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Online != result[j].Online {
			return result[i].Online
		}
		return result[i].UserID < result[j].UserID
	})
	return result
}

// TypingUsers returns ids of users currently typing, sorted.
func (t *Tracker) TypingUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.typingLocked()
}

func (t *Tracker) typingLocked() []string {
	now := time.Now()
	users := make([]string, 0, len(t.typing))
	for userID, expiry := range t.typing {
		if expiry.After(now) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

func (t *Tracker) runCleanup() {
	for {
		select {
		case <-t.cleanupTicker.C:
			t.expireStale()
		case <-t.stopCleanup:
			t.cleanupTicker.Stop()
			return
		}
	}
}

// expireStale flips users offline when heartbeats stop and drops typing
// entries past their window.
func (t *Tracker) expireStale() {
	now := time.Now()
	threshold := now.UTC().Add(-t.staleThreshold)

	t.mu.Lock()
	rosterChanged := false
	for userID, e := range t.entries {
		if e.Online && e.LastSeen.Before(threshold) {
			e.Online = false
			t.entries[userID] = e
			rosterChanged = true
			t.logger.Debug("Presence expired", "user_id", userID)
		}
	}
	typingChanged := false
	for userID, expiry := range t.typing {
		if !expiry.After(now) {
			delete(t.typing, userID)
			typingChanged = true
		}
	}
	t.mu.Unlock()

	if rosterChanged {
		t.publishRoster()
	}
	if typingChanged {
		t.publishTyping()
	}
}

func (t *Tracker) publishRoster() {
	t.mu.RLock()
	update := RosterUpdate{Room: t.room, Users: t.rosterLocked()}
	t.mu.RUnlock()

	if err := pubsub.Publish(context.Background(), t.publisher, TopicRosterUpdated, update); err != nil {
		t.logger.Error("Failed to publish roster update", "error", err)
	}
}

func (t *Tracker) publishTyping() {
	t.mu.RLock()
	update := TypingUpdate{Room: t.room, Users: t.typingLocked()}
	t.mu.RUnlock()

	if err := pubsub.Publish(context.Background(), t.publisher, TopicTypingUpdated, update); err != nil {
		t.logger.Error("Failed to publish typing update", "error", err)
	}
}

// Close stops the cleanup goroutine.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCleanup) })
}
