package runtime

import (
	"liveRelay/internal/infrastructure/config"
	twitchinfra "liveRelay/internal/infrastructure/platform/twitch"
	twitchadapter "liveRelay/internal/interface/adapters/twitch"
)

// NewTwitchClient wires the Twitch platform client: IRC chat through the
// adapter, helix for REST and EventSub for push notifications.
func NewTwitchClient(cfg *config.Config, deps ClientDeps) (PlatformClient, error) {
	token := deps.Credential.Token()

	chat := func(login string, hooks twitchinfra.ChatHooks) twitchinfra.ChatTransport {
		return twitchadapter.NewAdapter(twitchadapter.Config{
			Username:      login,
			OAuthToken:    token,
			Publisher:     deps.Publisher,
			Observer:      hooks.Observe,
			Joined:        hooks.Joined,
			Notices:       deps.Notices,
			Subscriptions: hooks.Subscriptions,
			Logger:        deps.Logger,
		})
	}

	client, err := twitchinfra.NewClient(twitchinfra.ClientConfig{
		Options: twitchinfra.ClientOptions{
			ChatEnabled:              cfg.Client.Chat,
			ClientID:                 cfg.ClientID(),
			ClientSecret:             cfg.ClientSecret(),
			RestAPIEnabled:           cfg.Client.RestAPI,
			GraphQLAPIEnabled:        cfg.Client.GraphQLAPI,
			LegacyAPIEnabled:         cfg.Client.LegacyAPI,
			PushNotificationsEnabled: cfg.Client.PushNotifications,
		},
		Credential:  deps.Credential,
		BotUsername: cfg.Bot.Username,
		Publisher:   deps.Publisher,
		Chat:        chat,
		// sub notices from chat cover channels whose push subscription is
		// not active
		ChatSubscriptions: cfg.Features.Subscriptions,
		Unmapped:          deps.Notices,
		Metrics:           deps.Metrics,
		Logger:            deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
