// Package timeline maintains the single ordered, deduplicated view of a
// room's messages, merging optimistic local sends, their server echoes, and
// messages from other participants.
package timeline

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wardlink/wardlink/internal/protocol"
)

// echoMatchWindow bounds the sender+text heuristic used to re-match an
// optimistic entry against refetched history when its correlation id did not
// survive a reconnect.
const echoMatchWindow = 30 * time.Second

// Timeline owns the message list for one room. All mutations go through its
// methods; callers only ever see copies.
type Timeline struct {
	mu      sync.RWMutex
	room    string
	msgs    []protocol.Message
	index   map[string]int // message id -> position
	pending map[string]int // correlation id -> position of unconfirmed entry
	emitted map[string]bool // message ids the local viewer already read
	logger  *slog.Logger
}

// New creates an empty timeline for a room.
func New(room string) *Timeline {
	return &Timeline{
		room:    room,
		index:   make(map[string]int),
		pending: make(map[string]int),
		emitted: make(map[string]bool),
		logger:  slog.Default().With("service", "timeline"),
	}
}

// Room returns the room this timeline belongs to.
func (t *Timeline) Room() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.room
}

// AppendLocal appends an optimistic, unconfirmed send. Unconfirmed entries
// always live at the tail, after all known history.
func (t *Timeline) AppendLocal(msg protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg.Status = protocol.StatusSent
	t.msgs = append(t.msgs, msg)
	pos := len(t.msgs) - 1
	t.index[msg.ID] = pos
	if msg.CorrelationID != "" {
		t.pending[msg.CorrelationID] = pos
	}
}

// Confirm replaces the optimistic entry matching the echo's correlation id
// in place: same list position, server-assigned id and timestamp. Returns
// false if no pending entry matches (the echo is then merged normally).
func (t *Timeline) Confirm(confirmed protocol.Message) bool {
	if confirmed.CorrelationID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.pending[confirmed.CorrelationID]
	if !ok {
		// Duplicate echo for an already confirmed send: idempotent.
		_, known := t.index[confirmed.ID]
		return known
	}

	old := t.msgs[pos]
	if confirmed.Status == "" || confirmed.Status == protocol.StatusSent {
		confirmed.Status = protocol.StatusDelivered
	}
	t.msgs[pos] = confirmed
	delete(t.pending, confirmed.CorrelationID)
	delete(t.index, old.ID)
	t.index[confirmed.ID] = pos
	return true
}

// Merge applies a message that did not confirm a pending send. Known ids are
// updated in place (idempotent on duplicate delivery); new ids are inserted
// at their chronological position among confirmed entries, never after an
// unconfirmed one.
func (t *Timeline) Merge(msg protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.index[msg.ID]; ok {
		t.updateInPlace(pos, msg)
		return
	}
	t.insert(msg)
}

// updateInPlace refreshes mutable fields of an existing entry without moving
// it. Server state wins for reactions and read sets.
func (t *Timeline) updateInPlace(pos int, msg protocol.Message) {
	cur := &t.msgs[pos]
	if msg.Reactions != nil {
		cur.Reactions = msg.Reactions
	}
	if msg.ReadBy != nil {
		cur.ReadBy = msg.ReadBy
	}
	if msg.Deleted != nil {
		cur.Deleted = msg.Deleted
	}
	if msg.Invite != nil {
		cur.Invite = msg.Invite
	}
	if msg.EditedAt != nil {
		cur.EditedAt = msg.EditedAt
		cur.Text = msg.Text
	}
	if msg.Status != "" && statusRank(msg.Status) > statusRank(cur.Status) {
		cur.Status = msg.Status
	}
}

func statusRank(s protocol.DeliveryStatus) int {
	switch s {
	case protocol.StatusRead:
		return 2
	case protocol.StatusDelivered:
		return 1
	default:
		return 0
	}
}

// insert places msg before the first unconfirmed entry and before any
// confirmed entry with a later timestamp. Held positions are reindexed.
func (t *Timeline) insert(msg protocol.Message) {
	at := len(t.msgs)
	for i, existing := range t.msgs {
		if t.isPending(i) || existing.CreatedAt.After(msg.CreatedAt) {
			at = i
			break
		}
	}

	t.msgs = slices.Insert(t.msgs, at, msg)
	for id, pos := range t.index {
		if pos >= at {
			t.index[id] = pos + 1
		}
	}
	for corr, pos := range t.pending {
		if pos >= at {
			t.pending[corr] = pos + 1
		}
	}
	t.index[msg.ID] = at
}

func (t *Timeline) isPending(pos int) bool {
	corr := t.msgs[pos].CorrelationID
	if corr == "" {
		return false
	}
	p, ok := t.pending[corr]
	return ok && p == pos
}

// ToggleReaction flips userID's reaction on a message and reports the
// resulting membership. The caller emits the matching reaction event.
func (t *Timeline) ToggleReaction(messageID, emoji, userID string) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[messageID]
	if !ok {
		return false, false
	}
	reactions, set := protocol.ToggleReaction(t.msgs[pos].Reactions, emoji, userID)
	t.msgs[pos].Reactions = reactions
	return set, true
}

// ApplyReactions replaces a message's reaction set with the server's
// authoritative state (last write wins per user+emoji pair).
func (t *Timeline) ApplyReactions(messageID string, reactions map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.index[messageID]; ok {
		t.msgs[pos].Reactions = reactions
	}
}

// ApplyReactionToggle applies a remote user's toggle when the fan-out does
// not carry the full authoritative set.
func (t *Timeline) ApplyReactionToggle(messageID, emoji, userID string, set bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[messageID]
	if !ok {
		return
	}
	reactions, nowSet := protocol.ToggleReaction(t.msgs[pos].Reactions, emoji, userID)
	if nowSet != set {
		// Already in the requested state; undo the toggle to stay idempotent.
		reactions, _ = protocol.ToggleReaction(reactions, emoji, userID)
	}
	t.msgs[pos].Reactions = reactions
}

// ApplyReceipt records that userID read a message.
func (t *Timeline) ApplyReceipt(messageID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.index[messageID]; ok {
		t.msgs[pos].MarkReadBy(userID)
	}
}

// MarkDeleted tombstones a message in place, preserving position and thread
// integrity. The text is cleared; the marker carries the actor.
func (t *Timeline) MarkDeleted(messageID, actorID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[messageID]
	if !ok {
		return false
	}
	t.msgs[pos].Deleted = &protocol.Deletion{ActorID: actorID, Reason: reason}
	t.msgs[pos].Text = ""
	t.msgs[pos].Attachments = nil
	return true
}

// ApplyEdit replaces a message's text in place.
func (t *Timeline) ApplyEdit(messageID, text string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[messageID]
	if !ok || t.msgs[pos].Deleted != nil {
		return false
	}
	t.msgs[pos].Text = text
	t.msgs[pos].EditedAt = &at
	return true
}

// MarkRead gates local read-receipt emission: it returns true exactly once
// per message, no matter how often the viewer re-observes it.
func (t *Timeline) MarkRead(messageID, viewerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.emitted[messageID] {
		return false
	}
	pos, ok := t.index[messageID]
	if !ok {
		return false
	}
	t.emitted[messageID] = true
	t.msgs[pos].MarkReadBy(viewerID)
	return true
}

// UpdateInvite concludes (or refreshes) a call invitation embedded in the
// timeline.
func (t *Timeline) UpdateInvite(callID string, duration int, ended bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.msgs {
		if inv := t.msgs[i].Invite; inv != nil && inv.CallID == callID {
			inv.DurationSeconds = duration
			inv.Ended = ended
		}
	}
}

// ReplaceAll swaps the entire list for freshly fetched history, as happens
// on connect, reconnect and room switch. Pending optimistic entries are
// re-matched against the history by correlation id, falling back to a
// sender+text match inside a small time window; unmatched pending entries
// are discarded; the fetched history is authoritative after a gap.
func (t *Timeline) ReplaceAll(room string, history []protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var unmatched []protocol.Message
	for corr, pos := range t.pending {
		p := t.msgs[pos]
		if !t.historyContains(history, corr, p) {
			unmatched = append(unmatched, p)
		}
	}
	if len(unmatched) > 0 {
		t.logger.Warn("Discarding unconfirmed sends after history replace",
			"room", room, "count", len(unmatched))
	}

	t.room = room
	t.msgs = slices.Clone(history)
	t.index = make(map[string]int, len(history))
	t.pending = make(map[string]int)
	for i, m := range t.msgs {
		t.index[m.ID] = i
	}
}

func (t *Timeline) historyContains(history []protocol.Message, corr string, pending protocol.Message) bool {
	for _, h := range history {
		if h.CorrelationID != "" && h.CorrelationID == corr {
			return true
		}
		if h.SenderID == pending.SenderID && h.Text == pending.Text &&
			absDuration(h.CreatedAt.Sub(pending.CreatedAt)) <= echoMatchWindow {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Reset clears all state for a new room without fetching history yet.
func (t *Timeline) Reset(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.room = room
	t.msgs = nil
	t.index = make(map[string]int)
	t.pending = make(map[string]int)
	t.emitted = make(map[string]bool)
}

// Snapshot returns a copy of the current ordered message list. The copy is
// deep: later reaction, receipt and invite updates never reach it.
func (t *Timeline) Snapshot() []protocol.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]protocol.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a deep copy of one message by id.
func (t *Timeline) Get(messageID string) (protocol.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.index[messageID]
	if !ok {
		return protocol.Message{}, false
	}
	return t.msgs[pos].Clone(), true
}

// PendingCount reports how many optimistic sends await confirmation.
func (t *Timeline) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
