// Package twitchadapter adapter for twitch chat
package twitchadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/adeithe/go-twitch/irc"

	"liveRelay/internal/domain"
	"liveRelay/internal/logging"
)

// NoticeLogger receives USERNOTICEs that are not mapped to an event.
type NoticeLogger interface {
	HandleTwitchUserNotice(notice irc.UserNotice)
}

type Config struct {
	Username   string
	OAuthToken string

	Publisher domain.EventPublisher
	// Observer is told about every channel ID seen on the connection.
	Observer func(channel, id string)
	// Joined is told about every JOIN the server confirms.
	Joined  func(channel, user string)
	Notices NoticeLogger
	// Subscriptions reports whether sub, resub and subgift notices in a
	// channel are published as NewSubscription. Nil publishes none.
	Subscriptions func(channelID string) bool
	Logger        *slog.Logger
}

type Adapter struct {
	cfg    Config
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu    sync.RWMutex
	join  func(channels ...string) error
	close func()
	done  bool
	// err is why Run stopped, nil after a plain Close.
	err error
}

func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		ready:  make(chan struct{}),
	}
}

// Run connects to chat and blocks until ctx ends. Once Run returns, pending
// and later joins fail with domain.ErrNotConnected.
func (a *Adapter) Run(ctx context.Context) (err error) {
	defer func() { a.shutdown(err) }()

	if a.cfg.Username == "" || a.cfg.OAuthToken == "" {
		return errors.New("twitch: username or oauth token empty")
	}

	conn := &irc.Conn{}

	if err := conn.SetLogin(a.cfg.Username, formatTwitchOAuthToken(a.cfg.OAuthToken)); err != nil {
		return fmt.Errorf("twitch: SetLogin: %w", err)
	}

	a.bind(ctx, conn)

	if err := conn.Connect(); err != nil {
		return fmt.Errorf("twitch: Connect: %w", err)
	}

	if !a.attach(conn.Join, conn.Close) {
		conn.Close()
		return domain.ErrNotConnected
	}
	a.logger.Info("twitch: connected", "username", a.cfg.Username)

	<-ctx.Done()
	return ctx.Err()
}

// bind registers the adapter's handlers on a connection.
func (a *Adapter) bind(ctx context.Context, conn irc.IConn) {
	conn.OnMessage(func(cm irc.ChatMessage) {
		a.handleChatMessage(ctx, cm)
	})
	conn.OnChannelUserNotice(func(notice irc.UserNotice) {
		a.handleUserNotice(ctx, notice)
	})
	conn.OnChannelUpdate(a.handleRoomState)
	conn.OnChannelJoin(a.handleJoin)
}

// attach installs the live connection and releases waiting joins. It
// reports false when the adapter was already shut down.
func (a *Adapter) attach(join func(channels ...string) error, closeFn func()) bool {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return false
	}
	a.join = join
	a.close = closeFn
	a.mu.Unlock()
	a.readyOnce.Do(func() { close(a.ready) })
	return true
}

// Join waits for the connection and sends JOIN for one channel.
func (a *Adapter) Join(ctx context.Context, channel string) error {
	channel = domain.NormalizeChannel(channel)
	if channel == "" {
		return errors.New("twitch: empty channel")
	}

	select {
	case <-a.ready:
	case <-ctx.Done():
		return fmt.Errorf("twitch: waiting for connection: %w", ctx.Err())
	}

	a.mu.RLock()
	join, cause := a.join, a.err
	a.mu.RUnlock()
	if join == nil {
		if cause != nil {
			return fmt.Errorf("twitch: join %s: %w: %w", channel, domain.ErrNotConnected, cause)
		}
		return domain.ErrNotConnected
	}

	if err := join(channel); err != nil {
		return fmt.Errorf("twitch: Join %s: %w", channel, err)
	}
	return nil
}

func (a *Adapter) Close() {
	a.shutdown(nil)
}

// shutdown drops the connection and wakes every waiting Join.
func (a *Adapter) shutdown(cause error) {
	a.mu.Lock()
	closeFn := a.close
	a.close = nil
	a.join = nil
	a.done = true
	if a.err == nil {
		a.err = cause
	}
	a.mu.Unlock()

	a.readyOnce.Do(func() { close(a.ready) })
	if closeFn != nil {
		closeFn()
	}
}

func (a *Adapter) handleChatMessage(ctx context.Context, cm irc.ChatMessage) {
	msg := mapChatMessage(cm)
	a.observe(msg.ChannelName, msg.ChannelID)
	if a.cfg.Publisher != nil {
		a.cfg.Publisher.Publish(ctx, msg)
	}
}

func (a *Adapter) handleUserNotice(ctx context.Context, notice irc.UserNotice) {
	tags := notice.IRCMessage.Tags
	channel := channelFromParams(notice.IRCMessage.Params)
	roomID := tags["room-id"]
	a.observe(channel, roomID)

	if a.cfg.Subscriptions != nil && a.cfg.Subscriptions(roomID) {
		if sub, ok := mapUserNotice(channel, tags, notice.Sender.DisplayName); ok {
			if a.cfg.Publisher != nil {
				a.cfg.Publisher.Publish(ctx, sub)
			}
			return
		}
	}

	if a.cfg.Notices != nil {
		a.cfg.Notices.HandleTwitchUserNotice(notice)
	}
}

// handleRoomState learns the channel ID from the ROOMSTATE sent after a JOIN.
func (a *Adapter) handleRoomState(state irc.RoomState) {
	if state.ID > 0 {
		a.observe(state.Name, strconv.FormatInt(state.ID, 10))
	}
}

func (a *Adapter) handleJoin(channel, user string) {
	channel = domain.NormalizeChannel(channel)
	if a.cfg.Joined != nil && channel != "" {
		a.cfg.Joined(channel, strings.ToLower(user))
	}
}

func (a *Adapter) observe(channel, id string) {
	if a.cfg.Observer != nil && channel != "" && id != "" {
		a.cfg.Observer(channel, id)
	}
}

func mapChatMessage(cm irc.ChatMessage) domain.ChatMessage {
	id := ""
	if cm.ChannelID > 0 {
		id = strconv.FormatInt(cm.ChannelID, 10)
	}
	return domain.ChatMessage{
		ChannelName: domain.NormalizeChannel(cm.Channel),
		ChannelID:   id,
		Author:      cm.Sender.DisplayName,
		Text:        cm.Text,
	}
}

// mapUserNotice turns sub, resub and subgift notices into NewSubscription.
func mapUserNotice(channel string, tags map[string]string, sender string) (domain.NewSubscription, bool) {
	sub := domain.NewSubscription{
		ChannelID:   tags["room-id"],
		ChannelName: channel,
		Tier:        tags["msg-param-sub-plan"],
	}

	switch tags["msg-id"] {
	case "sub", "resub":
		sub.SubscriberName = firstNonEmpty(sender, tags["display-name"], tags["login"])
	case "subgift":
		sub.SubscriberName = firstNonEmpty(tags["msg-param-recipient-display-name"], tags["msg-param-recipient-user-name"])
		sub.IsGift = true
	default:
		return domain.NewSubscription{}, false
	}
	return sub, true
}

func channelFromParams(params []string) string {
	if len(params) == 0 {
		return ""
	}
	return domain.NormalizeChannel(params[0])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatTwitchOAuthToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "oauth:") {
		return token
	}
	return "oauth:" + token
}
