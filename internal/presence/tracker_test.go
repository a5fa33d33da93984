package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlink/wardlink/internal/pubsub"
)

// mockPublisher implements pubsub.Publisher for testing
type mockPublisher struct {
	mu       sync.Mutex
	messages []pubsub.Message
}

func (m *mockPublisher) Publish(_ context.Context, msg pubsub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) byTopic(topic string) []pubsub.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pubsub.Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *mockPublisher) {
	t.Helper()
	pub := &mockPublisher{}
	tracker := NewTracker(pub, opts...)
	t.Cleanup(tracker.Close)
	tracker.Reset("ward-7")
	return tracker, pub
}

func TestJoinAndLeaveUpdateRoster(t *testing.T) {
	tracker, pub := newTestTracker(t)

	tracker.ObserveJoin("nurse-1", "Priya")
	tracker.ObserveJoin("doc-2", "Alex")

	roster := tracker.Roster()
	require.Len(t, roster, 2)
	assert.True(t, roster[0].Online)

	tracker.ObserveLeave("doc-2")
	roster = tracker.Roster()
	require.Len(t, roster, 2)
	// Offline entries sort after online ones.
	assert.Equal(t, "nurse-1", roster[0].UserID)
	assert.False(t, roster[1].Online)

	assert.NotEmpty(t, pub.byTopic(TopicRosterUpdated.Name()))
}

func TestHeartbeatRevivesOfflineUser(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.ObserveJoin("nurse-1", "Priya")
	tracker.ObserveLeave("nurse-1")
	tracker.ObserveHeartbeat("nurse-1", "Priya")

	roster := tracker.Roster()
	require.Len(t, roster, 1)
	assert.True(t, roster[0].Online)
}

func TestStaleHeartbeatExpires(t *testing.T) {
	tracker, pub := newTestTracker(t, WithStaleThreshold(10*time.Millisecond))

	tracker.ObserveJoin("nurse-1", "Priya")
	time.Sleep(20 * time.Millisecond)
	tracker.expireStale()

	roster := tracker.Roster()
	require.Len(t, roster, 1)
	assert.False(t, roster[0].Online)

	updates := pub.byTopic(TopicRosterUpdated.Name())
	require.NotEmpty(t, updates)
	var last RosterUpdate
	require.NoError(t, json.Unmarshal(updates[len(updates)-1].Payload, &last))
	assert.Equal(t, "ward-7", last.Room)
}

func TestTypingExpiresWithoutStopFrame(t *testing.T) {
	tracker, _ := newTestTracker(t, WithTypingExpiry(10*time.Millisecond))

	tracker.ObserveTyping("doc-2", true)
	assert.Equal(t, []string{"doc-2"}, tracker.TypingUsers())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tracker.TypingUsers())
}

func TestTypingStopClearsImmediately(t *testing.T) {
	tracker, pub := newTestTracker(t)

	tracker.ObserveTyping("doc-2", true)
	tracker.ObserveTyping("doc-2", true) // redundant start publishes nothing new
	tracker.ObserveTyping("doc-2", false)

	assert.Empty(t, tracker.TypingUsers())
	assert.Len(t, pub.byTopic(TopicTypingUpdated.Name()), 2)
}

func TestApplyStateReplacesRoster(t *testing.T) {
	tracker, _ := newTestTracker(t)
	tracker.ObserveJoin("stale-user", "Old")

	tracker.ApplyState([]Entry{
		{UserID: "nurse-1", UserName: "Priya", Online: true, LastSeen: time.Now()},
	})

	roster := tracker.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "nurse-1", roster[0].UserID)
}

func TestTypistCoalescesAndAutoStops(t *testing.T) {
	var mu sync.Mutex
	var emitted []bool
	typist := NewTypist(20*time.Millisecond, func(typing bool) {
		mu.Lock()
		emitted = append(emitted, typing)
		mu.Unlock()
	})
	defer typist.Close()

	typist.Touch()
	typist.Touch()
	typist.Touch()

	mu.Lock()
	assert.Equal(t, []bool{true}, emitted)
	mu.Unlock()

	// The auto-stop fires after the inactivity window.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(emitted) == 2 && !emitted[1]
	}, time.Second, 5*time.Millisecond)
}

func TestTypistStopIsImmediateAndIdempotent(t *testing.T) {
	var mu sync.Mutex
	var emitted []bool
	typist := NewTypist(time.Minute, func(typing bool) {
		mu.Lock()
		emitted = append(emitted, typing)
		mu.Unlock()
	})
	defer typist.Close()

	typist.Touch()
	typist.Stop()
	typist.Stop()

	mu.Lock()
	assert.Equal(t, []bool{true, false}, emitted)
	mu.Unlock()
}
