package notifications

import (
	"context"
	"fmt"

	"liveRelay/internal/app/events"
	"liveRelay/internal/domain"
	"liveRelay/internal/interface/outs"
)

// ChatEcho writes every chat line as "<channel> <author>: <text>".
type ChatEcho struct {
	sink outs.Sink
}

func NewChatEcho(sink outs.Sink) *ChatEcho {
	return &ChatEcho{sink: sink}
}

func (f *ChatEcho) Name() string { return "chat_echo" }

func (f *ChatEcho) Install(bus *events.Bus) {
	events.On(bus, f.onMessage)
}

func (f *ChatEcho) onMessage(ctx context.Context, ev domain.ChatMessage) error {
	return f.sink.Notify(ctx, fmt.Sprintf("%s %s: %s", ev.ChannelName, ev.Author, ev.Text))
}
