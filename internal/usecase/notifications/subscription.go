package notifications

import (
	"context"
	"fmt"

	"liveRelay/internal/app/events"
	"liveRelay/internal/domain"
	"liveRelay/internal/interface/outs"
)

type SubscriptionNotifier struct {
	sink outs.Sink
}

func NewSubscriptionNotifier(sink outs.Sink) *SubscriptionNotifier {
	return &SubscriptionNotifier{sink: sink}
}

func (f *SubscriptionNotifier) Name() string { return "subscription_notifier" }

func (f *SubscriptionNotifier) Install(bus *events.Bus) {
	events.On(bus, f.onSubscription)
}

func (f *SubscriptionNotifier) onSubscription(ctx context.Context, ev domain.NewSubscription) error {
	line := fmt.Sprintf("[sub] %s: %s subscribed (tier %s)", channelLabel(ev.ChannelName, ev.ChannelID), ev.SubscriberName, domain.TierLabel(ev.Tier))
	if ev.IsGift {
		line += " [gift]"
	}
	return f.sink.Notify(ctx, line)
}
