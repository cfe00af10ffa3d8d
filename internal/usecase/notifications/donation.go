package notifications

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"liveRelay/internal/app/events"
	"liveRelay/internal/domain"
	"liveRelay/internal/interface/outs"
)

type DonationNotifier struct {
	sink outs.Sink
}

func NewDonationNotifier(sink outs.Sink) *DonationNotifier {
	return &DonationNotifier{sink: sink}
}

func (f *DonationNotifier) Name() string { return "donation_notifier" }

func (f *DonationNotifier) Install(bus *events.Bus) {
	events.On(bus, f.onDonation)
}

func (f *DonationNotifier) onDonation(ctx context.Context, ev domain.Donation) error {
	donor := ev.DonorName
	if donor == "" {
		donor = "anonymous"
	}
	line := fmt.Sprintf("[donation] %s: %s donated %s %s",
		channelLabel(ev.ChannelName, ev.ChannelID), donor, formatAmount(ev.Amount), ev.Currency)
	if msg := strings.TrimSpace(ev.Message); msg != "" {
		line += ": " + msg
	}
	return f.sink.Notify(ctx, line)
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
