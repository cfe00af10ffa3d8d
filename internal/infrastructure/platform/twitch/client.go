package twitchinfra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"liveRelay/internal/domain"
	"liveRelay/internal/logging"
	"liveRelay/internal/metrics"
)

// ClientOptions mirrors the services a platform client can enable.
// GraphQL and the legacy API have no backend here and are accepted only for
// configuration compatibility.
type ClientOptions struct {
	ChatEnabled              bool
	ClientID                 string
	ClientSecret             string
	RestAPIEnabled           bool
	GraphQLAPIEnabled        bool
	LegacyAPIEnabled         bool
	PushNotificationsEnabled bool
}

// ChatTransport is a chat connection that can join channels once running.
type ChatTransport interface {
	Run(ctx context.Context) error
	Join(ctx context.Context, channel string) error
}

// ChatHooks are the client callbacks a chat transport reports to.
type ChatHooks struct {
	// Observe must be called with every channel ID the transport sees.
	Observe func(channel, id string)
	// Joined is called for every JOIN the server confirms.
	Joined func(channel, user string)
	// Subscriptions reports whether sub notices in a channel should be
	// published from chat.
	Subscriptions func(channelID string) bool
}

// ChatFactory builds the chat transport for the bot login.
type ChatFactory func(login string, hooks ChatHooks) ChatTransport

// maxPendingJoins caps the JOINs held per channel while its ID is unknown.
const maxPendingJoins = 64

// UnmappedLogger receives push notifications without an event variant.
type UnmappedLogger interface {
	HandleEventSubNotification(subscriptionType string, event json.RawMessage)
}

type ClientConfig struct {
	Options     ClientOptions
	Credential  *domain.Credential
	BotUsername string
	Publisher   domain.EventPublisher

	Chat ChatFactory
	// ChatSubscriptions publishes sub notices from chat for channels that
	// have no active push subscription for them.
	ChatSubscriptions bool
	// API replaces the helix client, mainly for tests.
	API      HelixAPI
	PushURL  string
	Unmapped UnmappedLogger
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Client is the Twitch platform client: chat, REST and push notifications
// behind the calls the channel orchestrator needs.
type Client struct {
	opts      ClientOptions
	publisher domain.EventPublisher
	chatNew   ChatFactory
	chatSubs  bool
	unmapped  UnmappedLogger
	metrics   *metrics.Metrics
	logger    *slog.Logger

	helix     *HelixService
	directory *Directory
	push      *EventSubSession

	mu       sync.RWMutex
	botLogin string
	botID    string
	chat     ChatTransport
	joined   map[string]struct{}
	// pending holds confirmed JOINs whose channel ID is not known yet.
	pending map[string][]string
	active  map[pushKey]struct{}

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if !cfg.Credential.Valid() {
		return nil, fmt.Errorf("twitch: build client: %w", domain.ErrMissingCredential)
	}
	opts := cfg.Options
	if opts.ChatEnabled && cfg.Chat == nil {
		return nil, errors.New("twitch: chat enabled without a chat transport")
	}
	if opts.PushNotificationsEnabled && !opts.RestAPIEnabled {
		return nil, errors.New("twitch: push notifications need the REST API")
	}

	c := &Client{
		opts:      opts,
		publisher: cfg.Publisher,
		chatNew:   cfg.Chat,
		chatSubs:  cfg.ChatSubscriptions,
		unmapped:  cfg.Unmapped,
		metrics:   cfg.Metrics,
		logger:    logging.OrDefault(cfg.Logger),
		botLogin:  domain.NormalizeChannel(cfg.BotUsername),
		joined:    make(map[string]struct{}),
		pending:   make(map[string][]string),
		active:    make(map[pushKey]struct{}),
	}

	if opts.GraphQLAPIEnabled {
		c.logger.Warn("twitch: graphql api requested but not supported, ignoring")
	}
	if opts.LegacyAPIEnabled {
		c.logger.Warn("twitch: legacy api requested but not supported, ignoring")
	}

	var lookup LookupFunc
	if opts.RestAPIEnabled {
		if cfg.API != nil {
			c.helix = NewHelixServiceWithAPI(cfg.API)
		} else {
			if strings.TrimSpace(opts.ClientID) == "" {
				return nil, errors.New("twitch: rest api enabled without client id")
			}
			svc, err := NewHelixService(opts.ClientID, opts.ClientSecret, cfg.Credential.Token())
			if err != nil {
				return nil, err
			}
			c.helix = svc
		}
		lookup = c.helix.LookupUserID
	}

	c.directory = NewDirectory(lookup, c.onResolved)

	if opts.PushNotificationsEnabled {
		c.push = NewEventSubSession(cfg.PushURL, c.handleNotification, c.logger)
	}

	return c, nil
}

// Start resolves the bot identity and launches the chat and push loops in
// the background. Wait reports their first failure.
func (c *Client) Start(ctx context.Context) error {
	if err := c.resolveIdentity(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	if c.opts.ChatEnabled {
		if c.BotLogin() == "" {
			cancel()
			return errors.New("twitch: chat needs a bot username")
		}
		chat := c.chatNew(c.BotLogin(), ChatHooks{
			Observe:       c.directory.Observe,
			Joined:        c.onChatJoin,
			Subscriptions: c.chatSubscriptions,
		})
		c.mu.Lock()
		c.chat = chat
		c.mu.Unlock()
		g.Go(func() error {
			if err := chat.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("twitch chat: %w", err)
			}
			return nil
		})
	}

	if c.push != nil {
		g.Go(func() error {
			if err := c.push.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("twitch push: %w", err)
			}
			return nil
		})
	}

	c.mu.Lock()
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()
	return nil
}

// Wait blocks until every background loop has returned.
func (c *Client) Wait() error {
	c.mu.RLock()
	g := c.group
	c.mu.RUnlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.Wait()
}

func (c *Client) resolveIdentity(ctx context.Context) error {
	if c.helix == nil {
		return nil
	}
	login, id, err := c.helix.CurrentUser(ctx)
	if err != nil {
		if c.BotLogin() == "" {
			return fmt.Errorf("twitch: resolve bot identity: %w", err)
		}
		c.logger.Warn("twitch: could not resolve bot identity, using configured username", "error", err)
		return nil
	}
	c.mu.Lock()
	c.botLogin = domain.NormalizeChannel(login)
	c.botID = id
	c.mu.Unlock()
	c.directory.Observe(login, id)
	return nil
}

func (c *Client) BotLogin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botLogin
}

func (c *Client) botUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botID
}

// UpdateAccessToken swaps the token used for REST calls after a refresh.
func (c *Client) UpdateAccessToken(token string) {
	if c.helix != nil {
		c.helix.UpdateAccessToken(token)
	}
}

// JoinChannel sends a JOIN. A ChannelJoined event follows for every JOIN
// the server confirms, once the channel's ID is known.
func (c *Client) JoinChannel(ctx context.Context, name string) error {
	name = domain.NormalizeChannel(name)
	if !c.opts.ChatEnabled {
		return fmt.Errorf("twitch: join %s: %w", name, domain.ErrNotConnected)
	}
	c.mu.Lock()
	chat := c.chat
	c.joined[name] = struct{}{}
	c.mu.Unlock()
	if chat == nil {
		return fmt.Errorf("twitch: join %s: %w", name, domain.ErrNotConnected)
	}

	if err := chat.Join(ctx, name); err != nil {
		c.mu.Lock()
		delete(c.joined, name)
		delete(c.pending, name)
		c.mu.Unlock()
		return err
	}
	return nil
}

// ResolveChannelID blocks until the channel ID is known or ctx ends.
func (c *Client) ResolveChannelID(ctx context.Context, name string) (string, error) {
	return c.directory.Resolve(ctx, name)
}

func (c *Client) onChatJoin(channel, user string) {
	channel = domain.NormalizeChannel(channel)

	c.mu.Lock()
	if _, ok := c.joined[channel]; !ok {
		c.mu.Unlock()
		return
	}
	// looked up under c.mu so onResolved cannot flush between the check
	// and the append
	id, known := c.directory.Lookup(channel)
	if !known {
		if len(c.pending[channel]) < maxPendingJoins {
			c.pending[channel] = append(c.pending[channel], user)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.publishJoined(channel, id, user)
}

func (c *Client) onResolved(name, id string) {
	c.mu.Lock()
	users := c.pending[name]
	delete(c.pending, name)
	c.mu.Unlock()

	for _, user := range users {
		c.publishJoined(name, id, user)
	}
}

func (c *Client) publishJoined(name, id, user string) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(context.Background(), domain.ChannelJoined{
		ChannelName: name,
		ChannelID:   id,
		User:        user,
	})
}

// chatSubscriptions reports whether chat should publish sub notices for a
// channel: only while no push subscription delivers them.
func (c *Client) chatSubscriptions(channelID string) bool {
	if !c.chatSubs || channelID == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, pushed := c.active[pushKey{channelID: channelID, kind: domain.SubscriptionSubscription}]
	return !pushed
}

type pushKey struct {
	channelID string
	kind      domain.SubscriptionKind
}

func (c *Client) ListenForFollowEvents(ctx context.Context, cred *domain.Credential, channelID string) error {
	return c.listen(ctx, cred, TopicFollow, domain.SubscriptionFollow, channelID)
}

func (c *Client) ListenForSubscriptionEvents(ctx context.Context, cred *domain.Credential, channelID string) error {
	return c.listen(ctx, cred, TopicSubscribe, domain.SubscriptionSubscription, channelID)
}

func (c *Client) ListenForDonationEvents(ctx context.Context, cred *domain.Credential, channelID string) error {
	return c.listen(ctx, cred, TopicCheer, domain.SubscriptionDonation, channelID)
}

func (c *Client) listen(ctx context.Context, cred *domain.Credential, topic PushTopic, kind domain.SubscriptionKind, channelID string) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		c.metrics.PushSubscription(string(kind), result)
	}()

	if c.push == nil || c.helix == nil {
		return domain.ErrPushDisabled
	}
	if !cred.Valid() {
		return domain.ErrMissingCredential
	}
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("%w: empty channel id", domain.ErrUnresolvedChannel)
	}

	moderatorID := c.botUserID()
	if topic.NeedsModerator && moderatorID == "" {
		return fmt.Errorf("twitch: %s needs the bot user id", topic.Type)
	}

	sessionID, err := c.push.SessionID(ctx)
	if err != nil {
		return err
	}

	if err := c.helix.Subscribe(ctx, topic, channelID, moderatorID, sessionID); err != nil {
		return err
	}
	c.mu.Lock()
	c.active[pushKey{channelID: channelID, kind: kind}] = struct{}{}
	c.mu.Unlock()
	c.logger.Info("twitch: push subscription created", "topic", topic.Type, "channel_id", channelID)
	return nil
}

func (c *Client) handleNotification(ctx context.Context, subscriptionType string, raw json.RawMessage) {
	ev, err := decodeNotification(subscriptionType, raw)
	if err != nil {
		if errors.Is(err, errUnmappedTopic) {
			if c.unmapped != nil {
				c.unmapped.HandleEventSubNotification(subscriptionType, raw)
			}
			return
		}
		c.logger.Warn("twitch: bad push notification", "type", subscriptionType, "error", err)
		return
	}

	switch e := ev.(type) {
	case domain.NewFollow:
		c.directory.Observe(e.ChannelName, e.ChannelID)
	case domain.NewSubscription:
		c.directory.Observe(e.ChannelName, e.ChannelID)
	case domain.Donation:
		c.directory.Observe(e.ChannelName, e.ChannelID)
	}

	if c.publisher != nil {
		c.publisher.Publish(ctx, ev)
	}
}
