package twitchinfra

import (
	"encoding/json"
	"fmt"
	"time"

	"liveRelay/internal/domain"
)

type followEvent struct {
	UserLogin            string    `json:"user_login"`
	UserName             string    `json:"user_name"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	FollowedAt           time.Time `json:"followed_at"`
}

type subscribeEvent struct {
	UserLogin            string `json:"user_login"`
	UserName             string `json:"user_name"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Tier                 string `json:"tier"`
	IsGift               bool   `json:"is_gift"`
}

type cheerEvent struct {
	IsAnonymous          bool   `json:"is_anonymous"`
	UserLogin            string `json:"user_login"`
	UserName             string `json:"user_name"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Message              string `json:"message"`
	Bits                 int    `json:"bits"`
}

// errUnmappedTopic marks notifications that have no Event variant.
var errUnmappedTopic = fmt.Errorf("eventsub: unmapped topic")

func decodeNotification(subscriptionType string, raw json.RawMessage) (domain.Event, error) {
	switch subscriptionType {
	case TopicFollow.Type:
		var ev followEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("eventsub: decode %s: %w", subscriptionType, err)
		}
		return domain.NewFollow{
			ChannelID:    ev.BroadcasterUserID,
			ChannelName:  ev.BroadcasterUserLogin,
			FollowerName: displayName(ev.UserName, ev.UserLogin),
			FollowedAt:   ev.FollowedAt,
		}, nil

	case TopicSubscribe.Type:
		var ev subscribeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("eventsub: decode %s: %w", subscriptionType, err)
		}
		return domain.NewSubscription{
			ChannelID:      ev.BroadcasterUserID,
			ChannelName:    ev.BroadcasterUserLogin,
			SubscriberName: displayName(ev.UserName, ev.UserLogin),
			Tier:           ev.Tier,
			IsGift:         ev.IsGift,
		}, nil

	case TopicCheer.Type:
		var ev cheerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("eventsub: decode %s: %w", subscriptionType, err)
		}
		donor := displayName(ev.UserName, ev.UserLogin)
		if ev.IsAnonymous {
			donor = ""
		}
		return domain.Donation{
			ChannelID:   ev.BroadcasterUserID,
			ChannelName: ev.BroadcasterUserLogin,
			DonorName:   donor,
			Amount:      float64(ev.Bits),
			Currency:    "bits",
			Message:     ev.Message,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", errUnmappedTopic, subscriptionType)
}

func displayName(name, login string) string {
	if name != "" {
		return name
	}
	return login
}
