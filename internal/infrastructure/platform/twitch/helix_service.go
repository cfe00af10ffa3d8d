package twitchinfra

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/nicklaw5/helix/v2"
)

// HelixAPI is the subset of *helix.Client the relay calls.
type HelixAPI interface {
	GetUsers(params *helix.UsersParams) (*helix.UsersResponse, error)
	CreateEventSubSubscription(payload *helix.EventSubSubscription) (*helix.EventSubSubscriptionsResponse, error)
	SetUserAccessToken(accessToken string)
}

// HelixService wraps the REST API calls needed for ID resolution and push
// subscriptions.
type HelixService struct {
	client HelixAPI
	mu     sync.RWMutex
}

func NewHelixService(clientID, clientSecret, userAccessToken string) (*HelixService, error) {
	client, err := helix.NewClient(&helix.Options{
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		UserAccessToken: userAccessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("helix: NewClient: %w", err)
	}

	return &HelixService{
		client: client,
	}, nil
}

// NewHelixServiceWithAPI lets callers plug a different HelixAPI in.
func NewHelixServiceWithAPI(api HelixAPI) *HelixService {
	return &HelixService{client: api}
}

// LookupUserID returns the numeric ID of a login, or "" when it does not exist.
func (s *HelixService) LookupUserID(ctx context.Context, login string) (string, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return "", fmt.Errorf("helix: empty login")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	resp, err := s.getClient().GetUsers(&helix.UsersParams{
		Logins: []string{login},
	})
	if err != nil {
		return "", fmt.Errorf("helix: GetUsers: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("helix: GetUsers failed (%d: %s) %s",
			resp.StatusCode, resp.Error, resp.ErrorMessage)
	}

	for _, user := range resp.Data.Users {
		if strings.EqualFold(user.Login, login) {
			return user.ID, nil
		}
	}
	return "", nil
}

// CurrentUser returns login and ID of the account that owns the access token.
func (s *HelixService) CurrentUser(ctx context.Context) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	resp, err := s.getClient().GetUsers(&helix.UsersParams{})
	if err != nil {
		return "", "", fmt.Errorf("helix: GetUsers (self): %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("helix: GetUsers (self) failed (%d: %s) %s",
			resp.StatusCode, resp.Error, resp.ErrorMessage)
	}

	if len(resp.Data.Users) == 0 {
		return "", "", fmt.Errorf("helix: token has no associated user")
	}

	user := resp.Data.Users[0]
	return user.Login, user.ID, nil
}

// PushTopic describes one EventSub subscription type.
type PushTopic struct {
	Type    string
	Version string
	// NeedsModerator adds moderator_user_id to the condition (channel.follow v2).
	NeedsModerator bool
}

var (
	TopicFollow    = PushTopic{Type: "channel.follow", Version: "2", NeedsModerator: true}
	TopicSubscribe = PushTopic{Type: "channel.subscribe", Version: "1"}
	TopicCheer     = PushTopic{Type: "channel.cheer", Version: "1"}
)

// Subscribe creates an EventSub subscription delivered over the websocket
// session identified by sessionID.
func (s *HelixService) Subscribe(ctx context.Context, topic PushTopic, broadcasterID, moderatorID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	condition := helix.EventSubCondition{
		BroadcasterUserID: broadcasterID,
	}
	if topic.NeedsModerator {
		condition.ModeratorUserID = moderatorID
	}

	resp, err := s.getClient().CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:      topic.Type,
		Version:   topic.Version,
		Condition: condition,
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("helix: CreateEventSubSubscription %s: %w", topic.Type, err)
	}

	// Twitch answers 202 Accepted for a new subscription.
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix: CreateEventSubSubscription %s failed (%d: %s) %s",
			topic.Type, resp.StatusCode, resp.Error, resp.ErrorMessage)
	}

	return nil
}

func (s *HelixService) UpdateAccessToken(token string) {
	if s == nil || s.client == nil {
		return
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.SetUserAccessToken(token)
}

func (s *HelixService) getClient() HelixAPI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}
