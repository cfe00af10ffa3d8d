package notifications

import (
	"context"
	"fmt"

	"liveRelay/internal/app/events"
	"liveRelay/internal/domain"
	"liveRelay/internal/interface/outs"
)

// JoinLogger reports every channel the bot finished joining.
type JoinLogger struct {
	sink outs.Sink
}

func NewJoinLogger(sink outs.Sink) *JoinLogger {
	return &JoinLogger{sink: sink}
}

func (f *JoinLogger) Name() string { return "join_logger" }

func (f *JoinLogger) Install(bus *events.Bus) {
	events.On(bus, f.onJoin)
}

func (f *JoinLogger) onJoin(ctx context.Context, ev domain.ChannelJoined) error {
	return f.sink.Notify(ctx, fmt.Sprintf("Joined channel: %s [%s]: %s", ev.ChannelName, ev.ChannelID, ev.User))
}
