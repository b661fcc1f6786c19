package bus

import (
	"fmt"
	"strings"
)

// SessionKey builds the stable "channel:account:peer" key for a
// conversation. Empty parts are dropped from the tail.
func SessionKey(channel ChannelType, accountId, peerId string) string {
	switch {
	case accountId == "" && peerId == "":
		return string(channel)
	case peerId == "":
		return string(channel) + ":" + accountId
	case accountId == "":
		accountId = DefaultAccountID
	}
	return string(channel) + ":" + accountId + ":" + peerId
}

// ParseSessionKey splits a session key into its parts. The peer may itself
// contain colons (Slack thread keys, e-mail addresses).
func ParseSessionKey(key string) (channel ChannelType, accountId, peerId string) {
	parts := strings.SplitN(key, ":", 3)
	channel = ChannelType(parts[0])
	if len(parts) > 1 {
		accountId = parts[1]
	}
	if len(parts) > 2 {
		peerId = parts[2]
	}
	return channel, accountId, peerId
}

func fmtAny(v any) string { return fmt.Sprint(v) }
