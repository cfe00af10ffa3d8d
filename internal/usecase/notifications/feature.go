// Package notifications holds the feature modules: small independent units
// that subscribe to one or more event kinds and write a line to a sink.
package notifications

import (
	"liveRelay/internal/app/events"
	"liveRelay/internal/interface/outs"
)

// Feature registers its handlers on a bus. Features keep no state besides
// their sink and never depend on each other.
type Feature interface {
	Name() string
	Install(bus *events.Bus)
}

// Toggles selects which features Catalog builds.
type Toggles struct {
	ChannelJoins  bool
	ChatEcho      bool
	Follows       bool
	Subscriptions bool
	Donations     bool
}

func DefaultToggles() Toggles {
	return Toggles{
		ChannelJoins:  true,
		ChatEcho:      true,
		Follows:       true,
		Subscriptions: true,
		Donations:     true,
	}
}

// Catalog returns the enabled features in a stable order.
func Catalog(sink outs.Sink, t Toggles) []Feature {
	var features []Feature
	if t.ChannelJoins {
		features = append(features, NewJoinLogger(sink))
	}
	if t.ChatEcho {
		features = append(features, NewChatEcho(sink))
	}
	if t.Follows {
		features = append(features, NewFollowNotifier(sink))
	}
	if t.Subscriptions {
		features = append(features, NewSubscriptionNotifier(sink))
	}
	if t.Donations {
		features = append(features, NewDonationNotifier(sink))
	}
	return features
}

// InstallAll installs features in order and returns their names.
func InstallAll(bus *events.Bus, features []Feature) []string {
	names := make([]string, 0, len(features))
	for _, f := range features {
		f.Install(bus)
		names = append(names, f.Name())
	}
	return names
}
