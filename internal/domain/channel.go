package domain

import "strings"

// SubscriptionKind names a push-notification topic bound to one channel.
type SubscriptionKind string

const (
	SubscriptionFollow       SubscriptionKind = "follow"
	SubscriptionSubscription SubscriptionKind = "subscription"
	SubscriptionDonation     SubscriptionKind = "donation"
)

// NormalizeChannel lowercases a channel name and strips the IRC '#'.
func NormalizeChannel(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "#")
	return strings.ToLower(strings.TrimSpace(value))
}

// SanitizeChannels normalizes, splits comma lists and drops empties and
// duplicates while keeping the first-seen order.
func SanitizeChannels(input []string) []string {
	var result []string
	seen := make(map[string]struct{})
	for _, raw := range input {
		for _, part := range strings.Split(raw, ",") {
			channel := NormalizeChannel(part)
			if channel == "" {
				continue
			}
			if _, ok := seen[channel]; ok {
				continue
			}
			seen[channel] = struct{}{}
			result = append(result, channel)
		}
	}
	return result
}
