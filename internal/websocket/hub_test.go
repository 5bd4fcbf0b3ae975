package websocket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"thoth-rooms/internal/mocks"
	"thoth-rooms/internal/models"
	"thoth-rooms/internal/storage"
)

func TestHub_BobAndCarol(t *testing.T) {
	req := require.New(t)
	store := storage.NewMemoryStore()
	h := newTestHub(t, store, Options{})

	bob := connect(h, "bob")
	join(t, h, bob, "general")
	got := drain(t, bob)
	req.Equal([]string{models.EventChatHistory, models.EventOnlineUsers}, eventNames(got))
	req.Empty(decodeData[[]models.Message](t, got[0]))
	req.Equal([]string{"bob"}, decodeData[[]string](t, got[1]))

	carol := connect(h, "carol")
	join(t, h, carol, "general")

	got = drain(t, bob)
	req.Equal([]string{models.EventOnlineUsers}, eventNames(got))
	req.Equal([]string{"bob", "carol"}, decodeData[[]string](t, got[0]))

	got = drain(t, carol)
	req.Equal([]string{models.EventChatHistory, models.EventOnlineUsers}, eventNames(got))
	req.Equal([]string{"bob", "carol"}, decodeData[[]string](t, got[1]))

	req.NoError(say(t, h, bob, "  hi  "))
	for _, c := range []*Client{bob, carol} {
		got = drain(t, c)
		req.Equal([]string{models.EventChatMessage}, eventNames(got))
		msg := decodeData[models.Message](t, got[0])
		req.Equal("hi", msg.Text)
		req.Equal("bob", msg.Username)
		req.Equal("general", msg.Room)
	}
	stored, err := store.List(context.Background(), "general", 50)
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal("hi", stored[0].Text)

	req.NoError(dispatch(t, h, carol, models.EventTyping, map[string]bool{"isTyping": true}))
	got = drain(t, bob)
	req.Equal([]string{models.EventTyping}, eventNames(got))
	req.Equal(models.TypingEvent{Username: "carol", IsTyping: true}, decodeData[models.TypingEvent](t, got[0]))
	req.Empty(drain(t, carol))

	h.Disconnect(carol)
	got = drain(t, bob)
	req.Equal([]string{models.EventOnlineUsers}, eventNames(got))
	req.Equal([]string{"bob"}, decodeData[[]string](t, got[0]))
}

func TestHub_BroadcastEqualsPersisted(t *testing.T) {
	req := require.New(t)
	store := storage.NewMemoryStore()
	h := newTestHub(t, store, Options{})

	alice := connect(h, "alice")
	join(t, h, alice, "tech")
	drain(t, alice)

	req.NoError(say(t, h, alice, "\tgo 1.24 is out\n"))
	got := drain(t, alice)
	req.Len(got, 1)
	live := decodeData[models.Message](t, got[0])

	stored, err := store.List(context.Background(), "tech", 1)
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal(stored[0].ID, live.ID)
	req.Equal(stored[0].Text, live.Text)
	req.Equal(stored[0].Username, live.Username)
	req.Equal(stored[0].Room, live.Room)
	req.True(stored[0].CreatedAt.Equal(live.CreatedAt))

	// a later joiner replays exactly what was broadcast
	bob := connect(h, "bob")
	join(t, h, bob, "tech")
	got = drain(t, bob)
	history := decodeData[[]models.Message](t, got[0])
	req.Len(history, 1)
	req.Equal(live.ID, history[0].ID)
}

func TestHub_TextLimits(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockHistoryStore(ctrl)
	store.EXPECT().List(gomock.Any(), "general", 50).Return(nil, nil).AnyTimes()

	h := newTestHub(t, store, Options{})
	bob := connect(h, "bob")
	join(t, h, bob, "general")
	drain(t, bob)

	t.Run("exactly the limit is accepted", func(t *testing.T) {
		text := strings.Repeat("x", models.MaxTextLength)
		store.EXPECT().Append(gomock.Any(), "general", "bob", text).
			Return(models.Message{ID: "1", Room: "general", Username: "bob", Text: text}, nil).
			Times(1)
		require.NoError(t, say(t, h, bob, text))
		require.Equal(t, []string{models.EventChatMessage}, eventNames(drain(t, bob)))
	})

	t.Run("one over the limit is dropped", func(t *testing.T) {
		err := say(t, h, bob, strings.Repeat("x", models.MaxTextLength+1))
		require.ErrorIs(t, err, models.ErrValidation)
		require.Empty(t, drain(t, bob))
	})

	t.Run("whitespace only is dropped", func(t *testing.T) {
		err := say(t, h, bob, " \n\t ")
		require.ErrorIs(t, err, models.ErrValidation)
		require.Empty(t, drain(t, bob))
	})
}

func TestHub_PersistenceFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockHistoryStore(ctrl)
	store.EXPECT().List(gomock.Any(), "general", 50).Return([]models.Message{}, nil).Times(2)
	store.EXPECT().Append(gomock.Any(), "general", "bob", "hello").
		Return(models.Message{}, errors.New("connection refused")).
		Times(1)

	h := newTestHub(t, store, Options{})
	bob := connect(h, "bob")
	carol := connect(h, "carol")
	join(t, h, bob, "general")
	join(t, h, carol, "general")
	drain(t, bob)
	drain(t, carol)

	err := say(t, h, bob, "hello")
	req.ErrorIs(err, models.ErrPersistence)

	got := drain(t, bob)
	req.Equal([]string{models.EventError}, eventNames(got))
	req.Equal(models.CodePersistenceFailure, decodeData[models.ErrorEvent](t, got[0]).Code)
	req.Empty(drain(t, carol))
}

func TestHub_HistoryUnavailable(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockHistoryStore(ctrl)
	store.EXPECT().List(gomock.Any(), "general", 50).Return(nil, errors.New("timeout")).Times(1)

	h := newTestHub(t, store, Options{})
	bob := connect(h, "bob")

	err := dispatch(t, h, bob, models.EventJoinRoom, map[string]string{"room": "general"})
	req.ErrorIs(err, models.ErrPersistence)

	got := drain(t, bob)
	req.Equal([]string{models.EventError, models.EventOnlineUsers}, eventNames(got))
	req.Equal(models.CodeHistoryUnavailable, decodeData[models.ErrorEvent](t, got[0]).Code)
	req.Equal(StateInRoom, h.registry.State(bob))
}

func TestHub_EventsOutsideRoom(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockHistoryStore(ctrl)

	h := newTestHub(t, store, Options{})
	bob := connect(h, "bob")

	require.ErrorIs(t, say(t, h, bob, "anyone?"), models.ErrProtocolViolation)
	require.ErrorIs(t, dispatch(t, h, bob, models.EventTyping, map[string]bool{"isTyping": true}), models.ErrProtocolViolation)
	require.ErrorIs(t, h.Dispatch(bob, []byte(`{"event":"joinRoom","data":{"room":""}}`)), models.ErrProtocolViolation)
	require.ErrorIs(t, h.Dispatch(bob, []byte(`garbage`)), models.ErrProtocolViolation)
	require.Empty(t, drain(t, bob))
	require.Equal(t, StateAuthenticated, h.registry.State(bob))
}

// gatedStore blocks List until released so a test can act mid-replay.
type gatedStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) List(ctx context.Context, room string, limit int) ([]models.Message, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.List(ctx, room, limit)
}

func TestHub_ReplayPrecedesLiveTraffic(t *testing.T) {
	req := require.New(t)
	store := &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	h := newTestHub(t, store, Options{})

	bob := connect(h, "bob")
	go func() {
		<-store.entered
		store.release <- struct{}{}
	}()
	join(t, h, bob, "general")
	drain(t, bob)

	carol := connect(h, "carol")
	raw, err := models.Encode(models.EventJoinRoom, map[string]string{"room": "general"})
	req.NoError(err)
	var (
		wg      sync.WaitGroup
		joinErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		joinErr = h.Dispatch(carol, raw)
	}()

	<-store.entered
	// carol is a member but still replaying
	req.NoError(say(t, h, bob, "first"))
	req.Empty(drain(t, carol))
	store.release <- struct{}{}
	wg.Wait()
	req.NoError(joinErr)

	req.NoError(say(t, h, bob, "second"))

	got := drain(t, carol)
	req.Equal([]string{models.EventChatHistory, models.EventOnlineUsers, models.EventChatMessage}, eventNames(got))
	history := decodeData[[]models.Message](t, got[0])
	req.Len(history, 1)
	req.Equal("first", history[0].Text)
	req.Equal("second", decodeData[models.Message](t, got[2]).Text)
}

// stalledStore holds its first Append after storing the message until
// release is closed, so the broadcast happens after the record is visible.
type stalledStore struct {
	*storage.MemoryStore
	once    sync.Once
	stored  chan struct{}
	release chan struct{}
}

func (s *stalledStore) Append(ctx context.Context, room, username, text string) (models.Message, error) {
	msg, err := s.MemoryStore.Append(ctx, room, username, text)
	s.once.Do(func() {
		close(s.stored)
		<-s.release
	})
	return msg, err
}

func TestHub_ReplayedMessageIsNotDeliveredLive(t *testing.T) {
	req := require.New(t)
	store := &stalledStore{
		MemoryStore: storage.NewMemoryStore(),
		stored:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	h := newTestHub(t, store, Options{})

	bob := connect(h, "bob")
	join(t, h, bob, "general")

	raw, err := models.Encode(models.EventChatMessage, map[string]string{"text": "dup"})
	req.NoError(err)
	var (
		wg     sync.WaitGroup
		sayErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sayErr = h.Dispatch(bob, raw)
	}()
	<-store.stored

	carol := connect(h, "carol")
	join(t, h, carol, "general")
	close(store.release)
	wg.Wait()
	req.NoError(sayErr)

	got := drain(t, carol)
	req.Equal([]string{models.EventChatHistory, models.EventOnlineUsers}, eventNames(got))
	history := decodeData[[]models.Message](t, got[0])
	req.Len(history, 1)
	req.Equal("dup", history[0].Text)

	// bob still sees his own message, and carol gets the next one live
	req.Contains(eventNames(drain(t, bob)), models.EventChatMessage)
	req.NoError(say(t, h, bob, "fresh"))
	got = drain(t, carol)
	req.Equal([]string{models.EventChatMessage}, eventNames(got))
	req.Equal("fresh", decodeData[models.Message](t, got[0]).Text)
}

func TestHub_RejoinSameRoom(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{})

	bob := connect(h, "bob")
	carol := connect(h, "carol")
	join(t, h, bob, "general")
	join(t, h, carol, "general")
	drain(t, bob)
	drain(t, carol)

	join(t, h, carol, "general")
	req.Len(h.registry.members("general"), 2)
	req.Equal([]string{models.EventChatHistory, models.EventOnlineUsers}, eventNames(drain(t, carol)))
	got := drain(t, bob)
	req.Equal([]string{models.EventOnlineUsers}, eventNames(got))
	req.Equal([]string{"bob", "carol"}, decodeData[[]string](t, got[0]))
}

func TestHub_SlowConsumerIsEvicted(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{SendBuffer: 4})

	bob := connect(h, "bob")
	join(t, h, bob, "general") // bob: 2 queued, never drained
	carol := connect(h, "carol")
	join(t, h, carol, "general") // bob: 3
	drain(t, carol)

	req.NoError(say(t, h, carol, "one")) // bob: 4
	drain(t, carol)
	req.NoError(say(t, h, carol, "two")) // bob overflows

	select {
	case <-bob.done:
	default:
		t.Fatal("slow consumer still open")
	}
	req.Equal(StateDisconnected, h.registry.State(bob))
	req.Equal([]string{"carol"}, h.registry.Snapshot("general"))

	got := drain(t, carol)
	req.Equal([]string{models.EventChatMessage, models.EventOnlineUsers}, eventNames(got))
	req.Equal([]string{"carol"}, decodeData[[]string](t, got[1]))
}

func TestHub_AnnounceRoomsReachesEveryone(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{})

	lobby := connect(h, "lobby")
	inRoom := connect(h, "member")
	join(t, h, inRoom, "general")
	drain(t, inRoom)

	h.AnnounceRooms([]string{"general", "tech"})
	for _, c := range []*Client{lobby, inRoom} {
		got := drain(t, c)
		req.Equal([]string{models.EventRoomsUpdated}, eventNames(got))
		req.Equal([]string{"general", "tech"}, decodeData[[]string](t, got[0]))
	}
}

func TestHub_RateLimit(t *testing.T) {
	h := newTestHub(t, storage.NewMemoryStore(), Options{RateLimit: 1, RateBurst: 2})
	bob := connect(h, "bob")

	join(t, h, bob, "general")
	require.NoError(t, dispatch(t, h, bob, models.EventTyping, map[string]bool{"isTyping": true}))
	err := dispatch(t, h, bob, models.EventTyping, map[string]bool{"isTyping": false})
	require.ErrorIs(t, err, errRateLimited)
}

func TestHub_DisconnectThenJoin(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{})

	bob := connect(h, "bob")
	carol := connect(h, "carol")
	join(t, h, bob, "general")
	join(t, h, carol, "general")
	drain(t, bob)

	h.Disconnect(carol)
	h.Disconnect(carol)
	req.Len(drain(t, bob), 1)

	err := dispatch(t, h, carol, models.EventJoinRoom, map[string]string{"room": "general"})
	req.ErrorIs(err, models.ErrProtocolViolation)
	req.Equal([]string{"bob"}, h.registry.Snapshot("general"))
}

func TestHub_ShutdownDisconnectsEveryone(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{})

	bob := connect(h, "bob")
	carol := connect(h, "carol")
	join(t, h, bob, "general")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(h.Shutdown(ctx))

	for _, c := range []*Client{bob, carol} {
		select {
		case <-c.done:
		default:
			t.Fatalf("%s still open after shutdown", c.Identity.Username)
		}
		req.Equal(StateDisconnected, h.registry.State(c))
	}
	conns, rooms := h.Stats()
	req.Zero(conns)
	req.Zero(rooms)
}
