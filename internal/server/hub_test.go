package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/store"
)

func newTestHub(t *testing.T, messages store.MessageStore, customize func(cfg *Config)) *Hub {
	t.Helper()
	cfg := NewConfig()
	if customize != nil {
		customize(cfg)
	}
	if messages == nil {
		messages = store.NewMemory()
	}
	return NewHub(*cfg, messages)
}

// newTestClient builds a client without a socket and connects it directly,
// so outbound frames stay queued in its send channel.
func newTestClient(h *Hub, username string) *Client {
	c := NewClient(nil, h, chat.Identity{UserID: "id-" + username, Username: username}, "test")
	h.connect(c)
	return c
}

func nextEnvelope(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return protocol.Envelope{}
	}
}

// expectEnvelope skips frames of other types until eventType is found.
func expectEnvelope(t *testing.T, c *Client, eventType string, out any) {
	t.Helper()
	for {
		env := nextEnvelope(t, c)
		if env.Type != eventType {
			continue
		}
		if out != nil {
			require.NoError(t, json.Unmarshal(env.Data, out))
		}
		return
	}
}

func queuedTypes(c *Client) []string {
	var types []string
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return types
			}
			var env protocol.Envelope
			if json.Unmarshal(raw, &env) == nil {
				types = append(types, env.Type)
			}
		default:
			return types
		}
	}
}

func drain(clients ...*Client) {
	for _, c := range clients {
		queuedTypes(c)
	}
}

func TestNewHub(t *testing.T) {
	h := newTestHub(t, nil, nil)

	require.NotNil(t, h)
	assert.Equal(t, 0, h.ClientCount())
	assert.Empty(t, h.Presence())
	assert.Equal(t, 50, h.Config().HistoryLimit)
	assert.Panics(t, func() { NewHub(*NewConfig(), nil) })
}

func TestNewClient(t *testing.T) {
	h := newTestHub(t, nil, func(cfg *Config) { cfg.SendBufferSize = 8 })
	id := chat.Identity{UserID: "u1", Username: "alice"}

	c := NewClient(nil, h, id, "127.0.0.1:12345")

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, id, c.Identity())
	assert.Equal(t, 8, cap(c.send))
	assert.NotNil(t, c.GetSendChan())
	assert.False(t, c.isClosed())
}

func TestJoinBroadcastsAndSendsHistory(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.Create(context.Background(), "general", chat.Identity{UserID: "old", Username: "old"}, "earlier")
	require.NoError(t, err)

	h := newTestHub(t, mem, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	drain(alice, bob)

	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})

	var joined protocol.RoomUsers
	expectEnvelope(t, alice, protocol.TypeRoomUsers, &joined)
	assert.Equal(t, chat.ActionJoined, joined.Action)
	assert.Equal(t, "alice", joined.Username)

	var history protocol.RoomHistory
	expectEnvelope(t, alice, protocol.TypeRoomHistory, &history)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "earlier", history.Messages[0].Content)

	assert.Empty(t, queuedTypes(bob), "non-members see nothing")

	t.Run("Rejoin resends history only", func(t *testing.T) {
		h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
		assert.Equal(t, []string{protocol.TypeRoomHistory}, queuedTypes(alice))
	})
}

func TestHistoryIsChronologicalAndBounded(t *testing.T) {
	mem := store.NewMemory()
	for i := 0; i < 8; i++ {
		_, err := mem.Create(context.Background(), "general", chat.Identity{UserID: "u", Username: "u"}, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	h := newTestHub(t, mem, func(cfg *Config) { cfg.HistoryLimit = 5 })
	alice := newTestClient(h, "alice")

	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})

	var history protocol.RoomHistory
	expectEnvelope(t, alice, protocol.TypeRoomHistory, &history)
	require.Len(t, history.Messages, 5)
	for i, msg := range history.Messages {
		assert.Equal(t, fmt.Sprintf("m%d", i+3), msg.Content)
	}
}

func TestSendMessageFanOut(t *testing.T) {
	h := newTestHub(t, nil, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	outsider := newTestClient(h, "outsider")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	drain(alice, bob, outsider)

	h.dispatch(alice, protocol.SendMessage{RoomID: "general", Content: "  hello  "})

	for _, c := range []*Client{alice, bob} {
		var msg protocol.MessageNew
		expectEnvelope(t, c, protocol.TypeMessageNew, &msg)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, "alice", msg.Sender.Username)
	}
	assert.Empty(t, queuedTypes(outsider))

	t.Run("Whitespace is a silent no-op", func(t *testing.T) {
		h.dispatch(alice, protocol.SendMessage{RoomID: "general", Content: " \t "})
		assert.Empty(t, queuedTypes(alice))
		assert.Empty(t, queuedTypes(bob))
	})
}

type failingStore struct {
	*store.Memory
	err error
}

func (f failingStore) Create(context.Context, string, chat.Identity, string) (chat.Message, error) {
	return chat.Message{}, f.err
}

func TestSendMessagePersistenceFailure(t *testing.T) {
	h := newTestHub(t, failingStore{Memory: store.NewMemory(), err: errors.New("disk full")}, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	drain(alice, bob)

	h.dispatch(alice, protocol.SendMessage{RoomID: "general", Content: "lost"})

	var errEvent protocol.ErrorEvent
	expectEnvelope(t, alice, protocol.TypeError, &errEvent)
	assert.Equal(t, protocol.CodeUnavailable, errEvent.Code)
	assert.Equal(t, protocol.TypeMessageSend, errEvent.Event)
	assert.Empty(t, queuedTypes(bob))
}

// pausingStore blocks Create until release is closed.
type pausingStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (p pausingStore) Create(ctx context.Context, room string, sender chat.Identity, content string) (chat.Message, error) {
	close(p.entered)
	<-p.release
	return p.Memory.Create(ctx, room, sender, content)
}

func TestSendCompletesAfterSenderDisconnect(t *testing.T) {
	mem := pausingStore{Memory: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	h := newTestHub(t, mem, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	drain(alice, bob)

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		h.dispatch(alice, protocol.SendMessage{RoomID: "general", Content: "parting words"})
	}()

	<-mem.entered
	h.disconnect(alice)
	close(mem.release)
	<-sent

	assert.Equal(t, []string{
		protocol.TypeRoomUsers,
		protocol.TypePresenceUpdate,
		protocol.TypeMessageNew,
	}, queuedTypes(bob))

	stored, err := mem.Find(context.Background(), store.FindQuery{Room: "general"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "parting words", stored[0].Content)
}

func TestCommandsRequireMembership(t *testing.T) {
	h := newTestHub(t, nil, nil)
	alice := newTestClient(h, "alice")
	drain(alice)

	commands := []protocol.Command{
		protocol.SendMessage{RoomID: "general", Content: "hi"},
		protocol.StartTyping{RoomID: "general"},
		protocol.StopTyping{RoomID: "general"},
		protocol.MarkRead{RoomID: "general", MessageID: "m1"},
		protocol.Notify{RoomID: "general", Notification: json.RawMessage(`{}`)},
	}
	for _, cmd := range commands {
		t.Run(cmd.Type(), func(t *testing.T) {
			h.dispatch(alice, cmd)
			var errEvent protocol.ErrorEvent
			expectEnvelope(t, alice, protocol.TypeError, &errEvent)
			assert.Equal(t, protocol.CodeNotMember, errEvent.Code)
			assert.Equal(t, cmd.Type(), errEvent.Event)
		})
	}

	t.Run("Leaving a room never joined is a no-op", func(t *testing.T) {
		h.dispatch(alice, protocol.LeaveRoom{RoomID: "general"})
		assert.Empty(t, queuedTypes(alice))
	})
}

func TestLeaveAnnouncesToRemainingMembers(t *testing.T) {
	h := newTestHub(t, nil, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	drain(alice, bob)

	h.dispatch(bob, protocol.LeaveRoom{RoomID: "general"})

	var left protocol.RoomUsers
	expectEnvelope(t, alice, protocol.TypeRoomUsers, &left)
	assert.Equal(t, chat.ActionLeft, left.Action)
	assert.Equal(t, "bob", left.Username)
	assert.Empty(t, queuedTypes(bob))
	assert.False(t, h.rooms.isMember("general", bob.id))
}

func TestTypingExcludesSender(t *testing.T) {
	h := newTestHub(t, nil, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	drain(alice, bob)

	h.dispatch(alice, protocol.StartTyping{RoomID: "general"})
	h.dispatch(alice, protocol.StopTyping{RoomID: "general"})

	assert.Equal(t, []string{protocol.TypeUserTyping, protocol.TypeUserStoppedTyping}, queuedTypes(bob))
	assert.Empty(t, queuedTypes(alice))
}

func TestLeaveKeepsTypingFromAnotherConnection(t *testing.T) {
	h := newTestHub(t, nil, nil)
	laptop := newTestClient(h, "alice")
	phone := NewClient(nil, h, laptop.identity, "test")
	h.connect(phone)
	bob := newTestClient(h, "bob")
	for _, c := range []*Client{laptop, phone, bob} {
		h.dispatch(c, protocol.JoinRoom{RoomID: "general"})
	}
	h.dispatch(phone, protocol.StartTyping{RoomID: "general"})
	drain(laptop, phone, bob)

	h.dispatch(laptop, protocol.LeaveRoom{RoomID: "general"})
	assert.Equal(t, []string{protocol.TypeRoomUsers}, queuedTypes(bob))

	h.dispatch(phone, protocol.LeaveRoom{RoomID: "general"})
	assert.Equal(t, []string{protocol.TypeUserStoppedTyping, protocol.TypeRoomUsers}, queuedTypes(bob))
}

func TestTypingExpiresServerSide(t *testing.T) {
	h := newTestHub(t, nil, func(cfg *Config) { cfg.TypingTimeout = time.Second })
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return start }

	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(alice, protocol.StartTyping{RoomID: "general"})
	drain(alice, bob)

	h.expireTyping(start.Add(500 * time.Millisecond))
	assert.Empty(t, queuedTypes(bob))

	h.expireTyping(start.Add(time.Second))
	assert.Equal(t, []string{protocol.TypeUserStoppedTyping}, queuedTypes(bob))
	assert.Empty(t, queuedTypes(alice))

	h.expireTyping(start.Add(2 * time.Second))
	assert.Empty(t, queuedTypes(bob), "expiry fires once")
}

func TestSendClearsTyping(t *testing.T) {
	h := newTestHub(t, nil, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(alice, protocol.StartTyping{RoomID: "general"})
	drain(alice, bob)

	h.dispatch(alice, protocol.SendMessage{RoomID: "general", Content: "done typing"})

	assert.Equal(t, []string{protocol.TypeUserStoppedTyping, protocol.TypeMessageNew}, queuedTypes(bob))
}

func TestMarkReadRecordsAndBroadcasts(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHub(t, mem, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})

	msg, err := mem.Create(context.Background(), "general", alice.identity, "read me")
	require.NoError(t, err)
	other, err := mem.Create(context.Background(), "random", alice.identity, "elsewhere")
	require.NoError(t, err)
	drain(alice, bob)

	h.dispatch(bob, protocol.MarkRead{RoomID: "general", MessageID: msg.ID})

	for _, c := range []*Client{alice, bob} {
		var receipt protocol.MessageReadBy
		expectEnvelope(t, c, protocol.TypeMessageReadBy, &receipt)
		assert.Equal(t, msg.ID, receipt.MessageID)
		assert.Equal(t, bob.identity, receipt.Reader)
	}

	stored, err := mem.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.identity.UserID}, stored.Readers)

	t.Run("Message from another room", func(t *testing.T) {
		h.dispatch(bob, protocol.MarkRead{RoomID: "general", MessageID: other.ID})
		var errEvent protocol.ErrorEvent
		expectEnvelope(t, bob, protocol.TypeError, &errEvent)
		assert.Equal(t, protocol.CodeNotFound, errEvent.Code)
		assert.Empty(t, queuedTypes(alice))
	})
}

func TestNotifyRelaysToOthers(t *testing.T) {
	h := newTestHub(t, nil, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.dispatch(alice, protocol.JoinRoom{RoomID: "general"})
	h.dispatch(bob, protocol.JoinRoom{RoomID: "general"})
	drain(alice, bob)

	h.dispatch(alice, protocol.Notify{RoomID: "general", Notification: json.RawMessage(`{"text":"look"}`)})

	var note protocol.NewNotification
	expectEnvelope(t, bob, protocol.TypeNewNotification, &note)
	assert.Equal(t, "alice", note.From)
	assert.True(t, fixed.Equal(note.Time))
	assert.JSONEq(t, `{"text":"look"}`, string(note.Notification))
	assert.Empty(t, queuedTypes(alice))
}

func TestPresenceBroadcasts(t *testing.T) {
	h := newTestHub(t, nil, nil)
	observer := newTestClient(h, "observer")
	drain(observer)

	first := NewClient(nil, h, chat.Identity{UserID: "u-dana", Username: "dana"}, "test")
	second := NewClient(nil, h, chat.Identity{UserID: "u-dana", Username: "dana"}, "test")

	h.connect(first)
	var update protocol.PresenceUpdate
	expectEnvelope(t, observer, protocol.TypePresenceUpdate, &update)
	assert.Equal(t, chat.StatusOnline, update.Status)

	h.connect(second)
	assert.Empty(t, queuedTypes(observer))

	h.disconnect(first)
	assert.Empty(t, queuedTypes(observer))
	assert.Equal(t, chat.StatusOnline, h.presence.status("u-dana"))

	h.disconnect(second)
	expectEnvelope(t, observer, protocol.TypePresenceUpdate, &update)
	assert.Equal(t, chat.StatusOffline, update.Status)
	assert.Equal(t, chat.StatusOffline, h.presence.status("u-dana"))
}

func TestDisconnectCleansUp(t *testing.T) {
	h := newTestHub(t, nil, nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	for _, room := range []string{"a", "b"} {
		h.dispatch(alice, protocol.JoinRoom{RoomID: room})
		h.dispatch(bob, protocol.JoinRoom{RoomID: room})
	}
	h.dispatch(alice, protocol.StartTyping{RoomID: "a"})
	drain(alice, bob)

	h.disconnect(alice)

	types := queuedTypes(bob)
	assert.Equal(t, []string{
		protocol.TypeUserStoppedTyping,
		protocol.TypeRoomUsers,
		protocol.TypeRoomUsers,
		protocol.TypePresenceUpdate,
	}, types)
	assert.Empty(t, h.rooms.roomsOf(alice.id))
	assert.True(t, alice.isClosed())
	assert.Equal(t, 1, h.ClientCount())

	t.Run("Second disconnect is a no-op", func(t *testing.T) {
		h.disconnect(alice)
		assert.Empty(t, queuedTypes(bob))
	})
}

func TestSlowClientIsDropped(t *testing.T) {
	h := newTestHub(t, nil, func(cfg *Config) { cfg.SendBufferSize = 4 })
	fast := newTestClient(h, "fast")
	drain(fast)
	slow := newTestClient(h, "slow")
	drain(fast)

	h.dispatch(fast, protocol.JoinRoom{RoomID: "general"})
	drain(fast)
	// slow never reads: its own presence, the join and the history fill three slots.
	h.dispatch(slow, protocol.JoinRoom{RoomID: "general"})
	drain(fast)

	for i := 0; i < 3; i++ {
		h.dispatch(fast, protocol.SendMessage{RoomID: "general", Content: fmt.Sprintf("m%d", i)})
		drain(fast)
	}

	assert.True(t, slow.isClosed())
	assert.False(t, slow.trySend([]byte("late")))
	assert.False(t, fast.isClosed())
}

func TestConcurrentRoomTraffic(t *testing.T) {
	h := newTestHub(t, nil, nil)

	const senders = 8
	clients := make([]*Client, senders)
	for i := range clients {
		clients[i] = newTestClient(h, fmt.Sprintf("user%d", i))
		h.dispatch(clients[i], protocol.JoinRoom{RoomID: "general"})
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			h.dispatch(c, protocol.SendMessage{RoomID: "general", Content: "hello from " + c.identity.Username})
		}(c)
	}
	wg.Wait()

	stored, err := h.messages.Find(context.Background(), store.FindQuery{Room: "general", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, stored, senders)
}

func TestHubRunRegistersAndShutsDown(t *testing.T) {
	h := newTestHub(t, nil, nil)
	go h.Run()

	c := NewClient(nil, h, chat.Identity{UserID: "u1", Username: "alice"}, "test")
	require.NoError(t, h.Register(c))
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.unregisterClient(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Shutdown(time.Second))
	assert.ErrorIs(t, h.Register(c), ErrHubClosed)
}
