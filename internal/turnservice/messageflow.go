package turnservice

import (
	"sync"
	"time"

	"github.com/nanobot-run/corectl/internal/bus"
)

// Lane identifies which command-queue lane a message belongs on.
type Lane string

const (
	LaneMain       Lane = "main"
	LaneBackground Lane = "background"
)

const defaultBusyNoticeText = "我现在手头有点忙，你的消息已经收到，处理完会尽快回复你。"

// FlowCoordinator decides which lane an inbound message runs on and
// whether to send a "I'm busy" notice before it's processed, grounded
// on the original reference's agent/message_flow.py.
type FlowCoordinator struct {
	busyThreshold    int
	debounce         time.Duration
	fallbackChannel  string
	fallbackChatID   string
	publishOutbound  func(bus.OutboundMessage)

	mu            sync.Mutex
	lastNoticeAt  map[string]time.Time
}

// NewFlowCoordinator builds a FlowCoordinator. publishOutbound is
// called to actually deliver a busy notice or error fallback.
func NewFlowCoordinator(busyThreshold int, debounce time.Duration, fallbackChannel, fallbackChatID string, publishOutbound func(bus.OutboundMessage)) *FlowCoordinator {
	if busyThreshold <= 0 {
		busyThreshold = 3
	}
	if debounce <= 0 {
		debounce = 60 * time.Second
	}
	return &FlowCoordinator{
		busyThreshold:   busyThreshold,
		debounce:        debounce,
		fallbackChannel: fallbackChannel,
		fallbackChatID:  fallbackChatID,
		publishOutbound: publishOutbound,
		lastNoticeAt:    make(map[string]time.Time),
	}
}

// LaneFor returns the lane a message belongs on: system-channel
// messages (cron, heartbeats) run in the background so they never
// compete with interactive turns.
func LaneFor(channel string) Lane {
	if channel == "system" {
		return LaneBackground
	}
	return LaneMain
}

// MaybeSendBusyNotice sends a debounced "I'm busy" notice for MAIN
// lane messages when the lane's load (active + queued) is at or above
// the busy threshold. No-op for background lane traffic.
func (f *FlowCoordinator) MaybeSendBusyNotice(sessionKey string, lane Lane, laneLoad int, channel, chatID string) {
	if lane != LaneMain || laneLoad < f.busyThreshold {
		return
	}

	// One debounce window is shared by every session and lane: a single
	// last-notice timestamp, not one per session.
	const noticeKey = ""
	f.mu.Lock()
	last, seen := f.lastNoticeAt[noticeKey]
	if seen && time.Since(last) < f.debounce {
		f.mu.Unlock()
		return
	}
	f.lastNoticeAt[noticeKey] = time.Now()
	f.mu.Unlock()

	if f.publishOutbound != nil {
		f.publishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: defaultBusyNoticeText})
	}
}

// BuildErrorOutbound resolves where to deliver a processing error:
// explicit origin metadata, then a "channel:chat_id" encoded ChatID,
// then (for system-channel messages) the configured fallback
// destination, else the message's own channel/chat_id.
func (f *FlowCoordinator) BuildErrorOutbound(msg bus.InboundMessage, errText string) bus.OutboundMessage {
	channel, chatID := msg.Channel, msg.ChatID
	if msg.Origin != nil && msg.Origin.Channel != "" {
		channel, chatID = msg.Origin.Channel, msg.Origin.ChatID
	} else if msg.Channel == "system" {
		origin := ResolveSystemOrigin("", "", msg.ChatID, f.fallbackChannel)
		channel, chatID = origin.Channel, origin.ChatID
		if f.fallbackChatID != "" && channel == f.fallbackChannel {
			chatID = f.fallbackChatID
		}
	}
	return bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: "抱歉，我在处理指令时遇到了错误: " + errText,
		TraceID: msg.TraceID,
	}
}
