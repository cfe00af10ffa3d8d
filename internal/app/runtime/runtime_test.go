package runtime

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveRelay/internal/domain"
	"liveRelay/internal/infrastructure/config"
	"liveRelay/internal/interface/outs"
	"liveRelay/internal/logging"
)

// fakeClient behaves like the platform client: a join is followed by the
// channel ID becoming known and a ChannelJoined event.
type fakeClient struct {
	publisher domain.EventPublisher
	ids       map[string]string
	joinErr   map[string]error
	startErr  error

	mu     sync.Mutex
	calls  []string
	tokens []string
	closed bool
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Start(context.Context) error { return f.startErr }
func (f *fakeClient) Wait() error                 { return nil }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) UpdateAccessToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
}

func (f *fakeClient) JoinChannel(_ context.Context, name string) error {
	f.record("join:" + name)
	return f.joinErr[name]
}

func (f *fakeClient) ResolveChannelID(ctx context.Context, name string) (string, error) {
	f.record("resolve:" + name)
	id, ok := f.ids[name]
	if !ok {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.publisher.Publish(ctx, domain.ChannelJoined{ChannelName: name, ChannelID: id, User: "relaybot"})
	return id, nil
}

func (f *fakeClient) ListenForFollowEvents(_ context.Context, _ *domain.Credential, id string) error {
	f.record("follow:" + id)
	return nil
}

func (f *fakeClient) ListenForSubscriptionEvents(_ context.Context, _ *domain.Credential, id string) error {
	f.record("subscription:" + id)
	return nil
}

func (f *fakeClient) ListenForDonationEvents(_ context.Context, _ *domain.Credential, id string) error {
	f.record("donation:" + id)
	return nil
}

func testConfig(t *testing.T, channels ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Channels = channels
	cfg.Credentials[config.CredentialIRC] = "oauth:tok"
	cfg.API[config.APIClientID] = "cid"
	cfg.API[config.APIClientSecret] = "secret"
	cfg.ResolveTimeout = 50 * time.Millisecond
	cfg.JoinRate = 1
	return cfg
}

type harness struct {
	client *fakeClient
	out    *bytes.Buffer
	logs   *bytes.Buffer
	built  int
	token  string
}

func (h *harness) options(cfg *config.Config) Options {
	return Options{
		Config: cfg,
		NewClient: func(_ *config.Config, deps ClientDeps) (PlatformClient, error) {
			h.built++
			h.token = deps.Credential.Token()
			h.client.publisher = deps.Publisher
			return h.client, nil
		},
		Sink:   outs.NewConsoleSink(h.out),
		Logger: logging.New("info", "text", h.logs),
	}
}

func newHarness(ids map[string]string) *harness {
	return &harness{
		client: &fakeClient{ids: ids, joinErr: map[string]error{}},
		out:    &bytes.Buffer{},
		logs:   &bytes.Buffer{},
	}
}

func TestStartAliceAndBob(t *testing.T) {
	h := newHarness(map[string]string{"alice": "100", "bob": "200"})

	r, err := Start(context.Background(), h.options(testConfig(t, "alice", "bob")))
	require.NoError(t, err)
	defer r.Stop()

	assert.Equal(t, PhaseChannelsActivated, r.Phase())
	assert.True(t, r.Report().OK())
	assert.Equal(t, []string{"join_logger", "chat_echo", "follow_notifier"}, r.Features())

	assert.Equal(t, []string{
		"join:alice", "resolve:alice", "follow:100",
		"join:bob", "resolve:bob", "follow:200",
	}, h.client.Calls())

	assert.Equal(t,
		"Joined channel: alice [100]: relaybot\nJoined channel: bob [200]: relaybot\n",
		h.out.String())
	assert.Equal(t, "tok", h.token)
	assert.Contains(t, h.logs.String(), "<redacted>")
}

func TestStartWithMissingConfigFileMakesNoJoins(t *testing.T) {
	h := newHarness(nil)
	opts := h.options(nil)
	opts.Config = nil
	opts.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")

	r, err := Start(context.Background(), opts)

	require.Error(t, err)
	assert.Nil(t, r)
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.Zero(t, h.built)
	assert.Empty(t, h.client.Calls())
}

func TestStartWithInvalidConfigMakesNoJoins(t *testing.T) {
	h := newHarness(nil)
	cfg := testConfig(t)

	_, err := Start(context.Background(), h.options(cfg))

	assert.ErrorIs(t, err, config.ErrConfig)
	assert.Zero(t, h.built)
}

func TestStartFailsWhenClientCannotStart(t *testing.T) {
	h := newHarness(nil)
	h.client.startErr = errors.New("irc: connection refused")

	_, err := Start(context.Background(), h.options(testConfig(t, "alice")))

	require.ErrorContains(t, err, "connection refused")
	assert.Empty(t, h.client.Calls())
	assert.True(t, h.client.closed)
}

func TestStartFailsWhenFactoryFails(t *testing.T) {
	h := newHarness(nil)
	opts := h.options(testConfig(t, "alice"))
	opts.NewClient = func(*config.Config, ClientDeps) (PlatformClient, error) {
		return nil, errors.New("bad client id")
	}

	_, err := Start(context.Background(), opts)
	assert.ErrorContains(t, err, "bad client id")
}

func TestChannelFailuresAreNotFatal(t *testing.T) {
	h := newHarness(map[string]string{"alice": "100", "carol": "300"})
	h.client.joinErr["bob"] = errors.New("banned")

	r, err := Start(context.Background(), h.options(testConfig(t, "alice", "bob", "carol", "ghost")))
	require.NoError(t, err)
	defer r.Stop()

	assert.Equal(t, PhaseChannelsActivated, r.Phase())
	assert.Equal(t, []string{"alice", "carol"}, r.Report().Activated)
	require.Len(t, r.Report().Failed, 2)
	assert.ErrorIs(t, r.Report().Failed[0].Err, domain.ErrJoinFailed)
	assert.ErrorIs(t, r.Report().Failed[1].Err, domain.ErrUnresolvedChannel)
	assert.Len(t, r.Channels(), 4)
}

func TestFeatureTogglesDriveSubscriptions(t *testing.T) {
	h := newHarness(map[string]string{"alice": "100"})
	cfg := testConfig(t, "alice")
	cfg.Features.ChatEcho = false
	cfg.Features.Subscriptions = true
	cfg.Features.Donations = true

	r, err := Start(context.Background(), h.options(cfg))
	require.NoError(t, err)
	defer r.Stop()

	assert.Equal(t, []string{"join_logger", "follow_notifier", "subscription_notifier", "donation_notifier"}, r.Features())
	assert.Equal(t, []string{"join:alice", "resolve:alice", "follow:100", "subscription:100", "donation:100"}, h.client.Calls())
}

func TestTokenStoreIsUsedWhenConfigured(t *testing.T) {
	h := newHarness(map[string]string{"alice": "100"})
	cfg := testConfig(t, "alice")
	cfg.Storage.Path = filepath.Join(t.TempDir(), "relay.db")

	r, err := Start(context.Background(), h.options(cfg))
	require.NoError(t, err)
	r.Stop()
	r.Stop()

	assert.True(t, h.client.closed)
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	h := newHarness(map[string]string{"alice": "100"})
	r, err := Start(context.Background(), h.options(testConfig(t, "alice")))
	require.NoError(t, err)
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, h.client.closed)
}

func TestPhaseNames(t *testing.T) {
	var names []string
	for p := PhaseUnconfigured; p <= PhaseChannelsActivated; p++ {
		names = append(names, p.String())
	}
	assert.Equal(t, "unconfigured,config_loaded,credential_ready,client_built,features_registered,channels_activated",
		strings.Join(names, ","))
}

func TestRefreshedBotTokenReachesClient(t *testing.T) {
	h := newHarness(map[string]string{"alice": "100"})
	r, err := Start(context.Background(), h.options(testConfig(t, "alice")))
	require.NoError(t, err)
	defer r.Stop()

	r.handleTokenUpdate(context.Background(), &domain.StoredToken{Platform: domain.PlatformTwitch, Role: "streamer", AccessToken: "x"})
	r.handleTokenUpdate(context.Background(), &domain.StoredToken{Platform: domain.PlatformTwitch, Role: "bot", AccessToken: "fresh"})

	assert.Equal(t, []string{"fresh"}, h.client.tokens)
}

func TestLoggerWritesToConfiguredOutput(t *testing.T) {
	h := newHarness(map[string]string{"alice": "100"})
	r, err := Start(context.Background(), h.options(testConfig(t, "alice")))
	require.NoError(t, err)
	defer r.Stop()

	r.Logger().Info("bot running", "phase", r.Phase().String())

	assert.Contains(t, h.logs.String(), "bot running")
	assert.Contains(t, h.logs.String(), "phase=channels_activated")
}
