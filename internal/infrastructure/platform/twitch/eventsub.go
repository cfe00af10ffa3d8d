package twitchinfra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liveRelay/internal/domain"
	"liveRelay/internal/logging"
)

const DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	msgSessionWelcome   = "session_welcome"
	msgSessionKeepalive = "session_keepalive"
	msgSessionReconnect = "session_reconnect"
	msgNotification     = "notification"
	msgRevocation       = "revocation"

	defaultKeepalive = 10 * time.Second
)

type wsMessage struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type,omitempty"`
	} `json:"metadata"`
	Payload struct {
		Session *struct {
			ID                      string `json:"id"`
			Status                  string `json:"status"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session,omitempty"`
		Subscription *struct {
			ID     string `json:"id"`
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"subscription,omitempty"`
		Event json.RawMessage `json:"event,omitempty"`
	} `json:"payload"`
}

// NotificationHandler receives the raw event of one push notification.
type NotificationHandler func(ctx context.Context, subscriptionType string, event json.RawMessage)

// EventSubSession keeps one EventSub websocket open and hands every
// notification to the handler on the reading goroutine.
type EventSubSession struct {
	url     string
	dialer  *websocket.Dialer
	handler NotificationHandler
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
	ready     chan struct{}
	readyOnce sync.Once
	// err is why Run stopped; no session is handed out after that.
	err  error
	seen map[string]struct{}
}

func NewEventSubSession(url string, handler NotificationHandler, logger *slog.Logger) *EventSubSession {
	if url == "" {
		url = DefaultEventSubURL
	}
	return &EventSubSession{
		url:     url,
		dialer:  websocket.DefaultDialer,
		handler: handler,
		logger:  logging.OrDefault(logger),
		ready:   make(chan struct{}),
		seen:    make(map[string]struct{}),
	}
}

// SessionID waits for the welcome message and returns the session ID that
// subscriptions must be bound to. It fails with domain.ErrNotConnected once
// Run has returned.
func (s *EventSubSession) SessionID(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return "", fmt.Errorf("eventsub: waiting for session: %w", ctx.Err())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return "", fmt.Errorf("eventsub: %w: %w", domain.ErrNotConnected, s.err)
	}
	return s.sessionID, nil
}

// Run reads until ctx ends or the connection fails. A session_reconnect
// message moves the session to the new URL without losing subscriptions.
func (s *EventSubSession) Run(ctx context.Context) (err error) {
	defer func() { s.stop(err) }()

	url := s.url
	for {
		next, err := s.runOnce(ctx, url)
		if err != nil {
			return err
		}
		s.logger.Info("eventsub: reconnecting", "url", next)
		url = next
	}
}

func (s *EventSubSession) runOnce(ctx context.Context, url string) (string, error) {
	conn, resp, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("eventsub: dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	keepalive := defaultKeepalive
	for {
		// Twitch sends something at least every keepalive interval.
		_ = conn.SetReadDeadline(time.Now().Add(keepalive + keepalive/2))

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return "", fmt.Errorf("eventsub: closed by server (%d): %s", closeErr.Code, closeErr.Text)
			}
			return "", fmt.Errorf("eventsub: read: %w", err)
		}

		switch msg.Metadata.MessageType {
		case msgSessionWelcome:
			if msg.Payload.Session == nil {
				return "", errors.New("eventsub: welcome without session")
			}
			if secs := msg.Payload.Session.KeepaliveTimeoutSeconds; secs > 0 {
				keepalive = time.Duration(secs) * time.Second
			}
			s.setSession(msg.Payload.Session.ID)
		case msgSessionKeepalive:
		case msgSessionReconnect:
			if msg.Payload.Session == nil || msg.Payload.Session.ReconnectURL == "" {
				return "", errors.New("eventsub: reconnect without url")
			}
			return msg.Payload.Session.ReconnectURL, nil
		case msgNotification:
			if s.duplicate(msg.Metadata.MessageID) {
				continue
			}
			if s.handler != nil {
				s.handler(ctx, msg.Metadata.SubscriptionType, msg.Payload.Event)
			}
		case msgRevocation:
			if sub := msg.Payload.Subscription; sub != nil {
				s.logger.Warn("eventsub: subscription revoked", "type", sub.Type, "status", sub.Status)
			}
		default:
			s.logger.Debug("eventsub: unknown message", "type", msg.Metadata.MessageType)
		}
	}
}

func (s *EventSubSession) stop(cause error) {
	if cause == nil {
		cause = errors.New("session closed")
	}
	s.mu.Lock()
	s.sessionID = ""
	if s.err == nil {
		s.err = cause
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *EventSubSession) setSession(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("eventsub: session ready", "session_id", id)
}

// duplicate reports whether a message ID was already delivered; Twitch may
// resend notifications.
func (s *EventSubSession) duplicate(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true
	}
	if len(s.seen) > 1024 {
		s.seen = make(map[string]struct{})
	}
	s.seen[id] = struct{}{}
	return false
}
