package turnservice

import "strings"

// SystemOrigin is the real chat a system-channel message should be
// routed back to once the agent has processed it.
type SystemOrigin struct {
	Channel string
	ChatID  string
}

// SessionKey builds the canonical "{channel}:{chat_id}" session key
// for an origin.
func (o SystemOrigin) SessionKey() string { return o.Channel + ":" + o.ChatID }

// ResolveSystemOrigin resolves where a system-channel message
// (cron jobs, heartbeats, internal notifications) should ultimately be
// delivered: explicit origin metadata first, then a "channel:chat_id"
// encoded ChatID, then defaultChannel with the raw ChatID.
func ResolveSystemOrigin(originChannel, originChatID, rawChatID, defaultChannel string) SystemOrigin {
	if originChannel != "" && originChatID != "" {
		return SystemOrigin{Channel: originChannel, ChatID: originChatID}
	}
	if idx := strings.Index(rawChatID, ":"); idx > 0 {
		return SystemOrigin{Channel: rawChatID[:idx], ChatID: rawChatID[idx+1:]}
	}
	if defaultChannel == "" {
		defaultChannel = "cli"
	}
	return SystemOrigin{Channel: defaultChannel, ChatID: rawChatID}
}
