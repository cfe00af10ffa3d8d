package twitchinfra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveRelay/internal/domain"
)

// eventSubServer speaks enough of the EventSub websocket protocol for tests:
// a welcome on connect, then whatever frames are queued on send.
type eventSubServer struct {
	*httptest.Server
	sessionID string
	send      chan map[string]any
}

func newEventSubServer(t *testing.T, sessionID string) *eventSubServer {
	t.Helper()
	s := &eventSubServer{sessionID: sessionID, send: make(chan map[string]any, 16)}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(welcomeFrame(s.sessionID)); err != nil {
			return
		}
		for {
			select {
			case frame := <-s.send:
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *eventSubServer) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func welcomeFrame(sessionID string) map[string]any {
	return map[string]any{
		"metadata": map[string]any{"message_id": "w-" + sessionID, "message_type": "session_welcome"},
		"payload": map[string]any{
			"session": map[string]any{"id": sessionID, "status": "connected", "keepalive_timeout_seconds": 10},
		},
	}
}

func notificationFrame(id, subType string, event map[string]any) map[string]any {
	return map[string]any{
		"metadata": map[string]any{"message_id": id, "message_type": "notification", "subscription_type": subType},
		"payload": map[string]any{
			"subscription": map[string]any{"id": "sub-" + id, "type": subType, "status": "enabled"},
			"event":        event,
		},
	}
}

type notificationLog struct {
	mu    sync.Mutex
	types []string
	got   chan struct{}
}

func (n *notificationLog) handle(_ context.Context, subType string, _ json.RawMessage) {
	n.mu.Lock()
	n.types = append(n.types, subType)
	n.mu.Unlock()
	n.got <- struct{}{}
}

func TestEventSubSessionWelcomeAndNotifications(t *testing.T) {
	srv := newEventSubServer(t, "sess-1")
	log := &notificationLog{got: make(chan struct{}, 8)}
	session := NewEventSubSession(srv.URL(), log.handle, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	id, err := session.SessionID(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	srv.send <- notificationFrame("n1", "channel.follow", map[string]any{"user_name": "Ann"})
	srv.send <- notificationFrame("n1", "channel.follow", map[string]any{"user_name": "Ann"})
	srv.send <- notificationFrame("n2", "channel.cheer", map[string]any{"bits": 5})

	for i := 0; i < 2; i++ {
		select {
		case <-log.got:
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}

	log.mu.Lock()
	assert.Equal(t, []string{"channel.follow", "channel.cheer"}, log.types)
	log.mu.Unlock()

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEventSubSessionReconnect(t *testing.T) {
	second := newEventSubServer(t, "sess-2")
	first := newEventSubServer(t, "sess-1")
	session := NewEventSubSession(first.URL(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = session.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	_, err := session.SessionID(waitCtx)
	require.NoError(t, err)

	first.send <- map[string]any{
		"metadata": map[string]any{"message_id": "r1", "message_type": "session_reconnect"},
		"payload": map[string]any{
			"session": map[string]any{"id": "sess-1", "status": "reconnecting", "reconnect_url": second.URL()},
		},
	}

	require.Eventually(t, func() bool {
		id, _ := session.SessionID(ctx)
		return id == "sess-2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionIDHonoursContext(t *testing.T) {
	session := NewEventSubSession("", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := session.SessionID(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return url
}

func TestSessionIDFailsAfterDialError(t *testing.T) {
	session := NewEventSubSession(closedServerURL(t), nil, nil)

	runErr := session.Run(context.Background())
	require.ErrorContains(t, runErr, "dial")

	done := make(chan error, 1)
	go func() {
		_, err := session.SessionID(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrNotConnected)
		assert.ErrorContains(t, err, "dial")
	case <-time.After(2 * time.Second):
		t.Fatal("SessionID still waiting after Run failed")
	}
}

func TestSessionIDNotHandedOutAfterRunStops(t *testing.T) {
	srv := newEventSubServer(t, "sess-1")
	session := NewEventSubSession(srv.URL(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	_, err := session.SessionID(waitCtx)
	require.NoError(t, err)

	cancel()
	<-runErr

	_, err = session.SessionID(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestDecodeNotification(t *testing.T) {
	follow, err := decodeNotification("channel.follow", json.RawMessage(`{
		"user_login":"ann","user_name":"Ann","broadcaster_user_id":"100",
		"broadcaster_user_login":"alice","followed_at":"2024-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.NewFollow{
		ChannelID:    "100",
		ChannelName:  "alice",
		FollowerName: "Ann",
		FollowedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}, follow)

	sub, err := decodeNotification("channel.subscribe", json.RawMessage(`{
		"user_login":"bo","broadcaster_user_id":"100","broadcaster_user_login":"alice",
		"tier":"2000","is_gift":true}`))
	require.NoError(t, err)
	assert.Equal(t, domain.NewSubscription{
		ChannelID:      "100",
		ChannelName:    "alice",
		SubscriberName: "bo",
		Tier:           "2000",
		IsGift:         true,
	}, sub)

	cheer, err := decodeNotification("channel.cheer", json.RawMessage(`{
		"is_anonymous":true,"user_name":"Hidden","broadcaster_user_id":"100",
		"broadcaster_user_login":"alice","message":"gg","bits":150}`))
	require.NoError(t, err)
	assert.Equal(t, domain.Donation{
		ChannelID:   "100",
		ChannelName: "alice",
		Amount:      150,
		Currency:    "bits",
		Message:     "gg",
	}, cheer)

	_, err = decodeNotification("channel.raid", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errUnmappedTopic)

	_, err = decodeNotification("channel.follow", json.RawMessage(`{not json`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errUnmappedTopic)
}
