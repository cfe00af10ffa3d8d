package twitchinfra

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveRelay/internal/domain"
	"liveRelay/internal/metrics"
)

type fakeChat struct {
	login   string
	hooks   ChatHooks
	ids     map[string]string
	joinErr error

	mu     sync.Mutex
	joined []string
}

func (f *fakeChat) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChat) Join(_ context.Context, channel string) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.mu.Lock()
	f.joined = append(f.joined, channel)
	f.mu.Unlock()
	id, known := f.ids[channel]
	// the server echoes the JOIN, then sends ROOMSTATE
	go func() {
		f.hooks.Joined(channel, f.login)
		if known {
			f.hooks.Observe(channel, id)
		}
	}()
	return nil
}

type eventSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *eventSink) Publish(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type unmappedRecorder struct {
	mu    sync.Mutex
	types []string
}

func (u *unmappedRecorder) HandleEventSubNotification(subType string, _ json.RawMessage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.types = append(u.types, subType)
}

var testCred = domain.NewCredential(domain.PlatformTwitch, "tok")

type clientFixture struct {
	client   *Client
	chat     *fakeChat
	helix    *fakeHelix
	events   *eventSink
	unmapped *unmappedRecorder
	metrics  *metrics.Metrics
	server   *eventSubServer
}

func newClientFixture(t *testing.T, opts ClientOptions, edits ...func(*ClientConfig)) *clientFixture {
	t.Helper()
	f := &clientFixture{
		chat:     &fakeChat{ids: map[string]string{"bob": "200"}},
		helix:    newFakeHelix(map[string]string{"alice": "100"}),
		events:   &eventSink{},
		unmapped: &unmappedRecorder{},
		metrics:  metrics.New(),
		server:   newEventSubServer(t, "sess-1"),
	}

	cfg := ClientConfig{
		Options:    opts,
		Credential: testCred,
		Publisher:  f.events,
		Chat: func(login string, hooks ChatHooks) ChatTransport {
			f.chat.login = login
			f.chat.hooks = hooks
			return f.chat
		},
		API:      f.helix,
		PushURL:  f.server.URL(),
		Unmapped: f.unmapped,
		Metrics:  f.metrics,
	}
	for _, edit := range edits {
		edit(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	f.client = client

	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return f
}

func allServices() ClientOptions {
	return ClientOptions{
		ChatEnabled:              true,
		ClientID:                 "cid",
		RestAPIEnabled:           true,
		PushNotificationsEnabled: true,
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{Options: allServices()})
	assert.ErrorIs(t, err, domain.ErrMissingCredential)

	_, err = NewClient(ClientConfig{Options: ClientOptions{ChatEnabled: true}, Credential: testCred})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{Options: ClientOptions{PushNotificationsEnabled: true}, Credential: testCred})
	assert.Error(t, err)
}

func TestClientUsesTokenOwnerAsBotLogin(t *testing.T) {
	f := newClientFixture(t, allServices())

	assert.Equal(t, "relaybot", f.client.BotLogin())
	assert.Equal(t, "relaybot", f.chat.login)
}

func TestJoinThenResolvePublishesChannelJoined(t *testing.T) {
	f := newClientFixture(t, allServices())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.client.JoinChannel(ctx, "alice"))
	id, err := f.client.ResolveChannelID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "100", id)

	// with helix unavailable bob only resolves through chat traffic
	f.helix.getErr = errors.New("helix down")
	require.NoError(t, f.client.JoinChannel(ctx, "bob"))
	id, err = f.client.ResolveChannelID(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "200", id)

	require.Eventually(t, func() bool { return len(f.events.Events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []domain.Event{
		domain.ChannelJoined{ChannelName: "alice", ChannelID: "100", User: "relaybot"},
		domain.ChannelJoined{ChannelName: "bob", ChannelID: "200", User: "relaybot"},
	}, f.events.Events())
}

func TestChannelJoinedWaitsForChannelID(t *testing.T) {
	f := newClientFixture(t, allServices())
	f.helix.getErr = errors.New("helix down")

	require.NoError(t, f.client.JoinChannel(context.Background(), "carol"))
	require.Eventually(t, func() bool {
		f.client.mu.RLock()
		defer f.client.mu.RUnlock()
		return len(f.client.pending["carol"]) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.events.Events())

	// ROOMSTATE for the channel
	f.chat.hooks.Observe("carol", "300")
	// a viewer joins once the ID is known
	f.chat.hooks.Joined("carol", "viewer")

	assert.Equal(t, []domain.Event{
		domain.ChannelJoined{ChannelName: "carol", ChannelID: "300", User: "relaybot"},
		domain.ChannelJoined{ChannelName: "carol", ChannelID: "300", User: "viewer"},
	}, f.events.Events())
}

func TestJoinForUnjoinedChannelIsIgnored(t *testing.T) {
	f := newClientFixture(t, allServices())

	f.chat.hooks.Observe("dave", "400")
	f.chat.hooks.Joined("dave", "someone")

	assert.Empty(t, f.events.Events())
}

func TestChatSubscriptionsYieldToPush(t *testing.T) {
	f := newClientFixture(t, allServices(), func(cfg *ClientConfig) { cfg.ChatSubscriptions = true })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.True(t, f.chat.hooks.Subscriptions("100"))

	require.NoError(t, f.client.ListenForSubscriptionEvents(ctx, testCred, "100"))

	assert.False(t, f.chat.hooks.Subscriptions("100"))
	assert.True(t, f.chat.hooks.Subscriptions("200"))
	assert.False(t, f.chat.hooks.Subscriptions(""))
}

func TestChatSubscriptionsOff(t *testing.T) {
	f := newClientFixture(t, allServices())

	assert.False(t, f.chat.hooks.Subscriptions("100"))
}

func TestSubscriptionPublishedOncePerChannel(t *testing.T) {
	f := newClientFixture(t, allServices(), func(cfg *ClientConfig) { cfg.ChatSubscriptions = true })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.client.ListenForSubscriptionEvents(ctx, testCred, "100"))

	// the same sub arrives on both paths; chat only publishes when allowed
	sub := domain.NewSubscription{ChannelID: "100", ChannelName: "alice", SubscriberName: "bo", Tier: "1000"}
	if f.chat.hooks.Subscriptions(sub.ChannelID) {
		f.events.Publish(ctx, sub)
	}
	f.server.send <- notificationFrame("s1", "channel.subscribe", map[string]any{
		"user_login": "bo", "broadcaster_user_id": "100", "broadcaster_user_login": "alice", "tier": "1000",
	})

	require.Eventually(t, func() bool { return len(f.events.Events()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []domain.Event{sub}, f.events.Events())
}

func TestListenFailsOncePushSessionFailed(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Options:    ClientOptions{RestAPIEnabled: true, PushNotificationsEnabled: true},
		Credential: testCred,
		API:        newFakeHelix(nil),
		PushURL:    closedServerURL(t),
		Metrics:    metrics.New(),
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	require.ErrorContains(t, client.Wait(), "dial")

	done := make(chan error, 1)
	go func() { done <- client.ListenForFollowEvents(context.Background(), testCred, "100") }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("listen still waiting after the push session failed")
	}
}

func TestJoinFailureIsReturned(t *testing.T) {
	f := newClientFixture(t, allServices())
	f.chat.joinErr = errors.New("banned")

	assert.ErrorContains(t, f.client.JoinChannel(context.Background(), "alice"), "banned")
}

func TestJoinWithoutChatIsNotConnected(t *testing.T) {
	f := newClientFixture(t, ClientOptions{RestAPIEnabled: true, PushNotificationsEnabled: true})

	assert.ErrorIs(t, f.client.JoinChannel(context.Background(), "alice"), domain.ErrNotConnected)
}

func TestListenCreatesSubscriptionOnSession(t *testing.T) {
	f := newClientFixture(t, allServices())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.client.ListenForFollowEvents(ctx, testCred, "100"))
	require.NoError(t, f.client.ListenForDonationEvents(ctx, testCred, "100"))

	subs := f.helix.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, "channel.follow", subs[0].Type)
	assert.Equal(t, "999", subs[0].Condition.ModeratorUserID)
	assert.Equal(t, "sess-1", subs[0].Transport.SessionID)
	assert.Equal(t, "channel.cheer", subs[1].Type)

	series, err := testutil.GatherAndCount(f.metrics.Registry(), "liverelay_push_subscriptions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestListenRejectsEmptyChannelID(t *testing.T) {
	f := newClientFixture(t, allServices())

	err := f.client.ListenForFollowEvents(context.Background(), testCred, " ")
	assert.ErrorIs(t, err, domain.ErrUnresolvedChannel)
	assert.Empty(t, f.helix.Subscriptions())
}

func TestListenWithPushDisabled(t *testing.T) {
	f := newClientFixture(t, ClientOptions{ChatEnabled: true, RestAPIEnabled: true})

	err := f.client.ListenForSubscriptionEvents(context.Background(), testCred, "100")
	assert.ErrorIs(t, err, domain.ErrPushDisabled)
}

func TestNotificationsArePublished(t *testing.T) {
	f := newClientFixture(t, allServices())

	f.server.send <- notificationFrame("n1", "channel.follow", map[string]any{
		"user_name": "Ann", "broadcaster_user_id": "100", "broadcaster_user_login": "alice",
	})
	f.server.send <- notificationFrame("n2", "channel.raid", map[string]any{})

	require.Eventually(t, func() bool {
		f.unmapped.mu.Lock()
		defer f.unmapped.mu.Unlock()
		return len(f.unmapped.types) == 1
	}, 2*time.Second, 5*time.Millisecond)

	events := f.events.Events()
	require.Len(t, events, 1)
	follow, ok := events[0].(domain.NewFollow)
	require.True(t, ok)
	assert.Equal(t, "Ann", follow.FollowerName)
	assert.Equal(t, "alice", follow.ChannelName)
}
