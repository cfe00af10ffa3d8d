package domain

import "time"

// EventKind identifies which variant of Event an instance belongs to.
type EventKind int

const (
	KindChannelJoined EventKind = iota + 1
	KindChatMessage
	KindNewFollow
	KindNewSubscription
	KindDonation
)

var kindNames = map[EventKind]string{
	KindChannelJoined:   "channel_joined",
	KindChatMessage:     "chat_message",
	KindNewFollow:       "new_follow",
	KindNewSubscription: "new_subscription",
	KindDonation:        "donation",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// AllKinds lists every event kind in declaration order.
func AllKinds() []EventKind {
	return []EventKind{
		KindChannelJoined,
		KindChatMessage,
		KindNewFollow,
		KindNewSubscription,
		KindDonation,
	}
}

// Event is the closed family of platform occurrences. Only the variants
// declared in this package implement it.
type Event interface {
	Kind() EventKind
	isEvent()
}

// ChannelJoined is emitted once a joined channel has a known numeric ID.
type ChannelJoined struct {
	ChannelName string
	ChannelID   string
	// User is the account that triggered the join; empty when unknown.
	User string
}

type ChatMessage struct {
	ChannelName string
	ChannelID   string
	Author      string
	Text        string
}

type NewFollow struct {
	ChannelID    string
	ChannelName  string
	FollowerName string
	FollowedAt   time.Time
}

type NewSubscription struct {
	ChannelID      string
	ChannelName    string
	SubscriberName string
	// Tier is "1000", "2000", "3000" or "Prime".
	Tier   string
	IsGift bool
}

type Donation struct {
	ChannelID   string
	ChannelName string
	DonorName   string
	Amount      float64
	Currency    string
	Message     string
}

func (ChannelJoined) Kind() EventKind   { return KindChannelJoined }
func (ChatMessage) Kind() EventKind     { return KindChatMessage }
func (NewFollow) Kind() EventKind       { return KindNewFollow }
func (NewSubscription) Kind() EventKind { return KindNewSubscription }
func (Donation) Kind() EventKind        { return KindDonation }

func (ChannelJoined) isEvent()   {}
func (ChatMessage) isEvent()     {}
func (NewFollow) isEvent()       {}
func (NewSubscription) isEvent() {}
func (Donation) isEvent()        {}

// TierLabel turns a subscription plan into something readable.
func TierLabel(tier string) string {
	switch tier {
	case "1000":
		return "1"
	case "2000":
		return "2"
	case "3000":
		return "3"
	case "":
		return "?"
	default:
		return tier
	}
}
