package notifications

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/adeithe/go-twitch/irc"

	"liveRelay/internal/logging"
)

// EventLogger records platform payloads that no event variant covers yet
// (raids, announcements, unknown EventSub topics) so they can be mapped
// later without losing them in the meantime.
type EventLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewEventLogger(logger *slog.Logger) *EventLogger {
	return &EventLogger{
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

// HandleTwitchUserNotice records a USERNOTICE that was not mapped to an event.
func (l *EventLogger) HandleTwitchUserNotice(notice irc.UserNotice) {
	l.logPayload("irc", map[string]any{
		"timestamp": l.now().UTC().Format(time.RFC3339Nano),
		"msg_id":    notice.IRCMessage.Tags["msg-id"],
		"channel":   notice.IRCMessage.Params,
		"message":   notice.Message,
		"sender":    notice.Sender.DisplayName,
	})
}

// HandleEventSubNotification records a push notification of an unmapped type.
func (l *EventLogger) HandleEventSubNotification(subscriptionType string, event json.RawMessage) {
	l.logPayload("eventsub", map[string]any{
		"timestamp":         l.now().UTC().Format(time.RFC3339Nano),
		"subscription_type": subscriptionType,
		"event":             event,
	})
}

func (l *EventLogger) logPayload(source string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.Info("twitch: unmapped event", "source", source, "payload", payload)
		return
	}
	l.logger.Info("twitch: unmapped event", "source", source, "payload", string(data))
}
