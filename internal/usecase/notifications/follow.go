package notifications

import (
	"context"
	"fmt"

	"liveRelay/internal/app/events"
	"liveRelay/internal/domain"
	"liveRelay/internal/interface/outs"
)

type FollowNotifier struct {
	sink outs.Sink
}

func NewFollowNotifier(sink outs.Sink) *FollowNotifier {
	return &FollowNotifier{sink: sink}
}

func (f *FollowNotifier) Name() string { return "follow_notifier" }

func (f *FollowNotifier) Install(bus *events.Bus) {
	events.On(bus, f.onFollow)
}

func (f *FollowNotifier) onFollow(ctx context.Context, ev domain.NewFollow) error {
	return f.sink.Notify(ctx, fmt.Sprintf("[follow] %s: %s is now following", channelLabel(ev.ChannelName, ev.ChannelID), ev.FollowerName))
}

// channelLabel prefers the display name and falls back to the numeric ID.
func channelLabel(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
