package bus

import "context"

// Origin identifies the real chat a system-channel message should be
// routed back to once processed (spec §4.9 origin resolution).
type Origin struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// InboundMessage represents a message received from a channel (Telegram, Discord, etc.)
// It is treated as immutable once enqueued onto the bus.
type InboundMessage struct {
	Channel            string            `json:"channel"`
	SenderID           string            `json:"sender_id"`
	ChatID             string            `json:"chat_id"`
	Content            string            `json:"content"`
	Media              []string          `json:"media,omitempty"`
	SessionKey         string            `json:"session_key"`             // deprecated: gateway builds canonical key
	SessionKeyOverride string            `json:"session_key_override,omitempty"`
	PeerKind           string            `json:"peer_kind,omitempty"`   // "direct" or "group" (used for session key)
	AgentID            string            `json:"agent_id,omitempty"`    // target agent (for multi-agent routing)
	UserID             string            `json:"user_id,omitempty"`     // external user ID for per-user scoping (memory, bootstrap)
	HistoryLimit       int               `json:"history_limit,omitempty"` // max turns to keep in context (0=unlimited, from channel config)
	Metadata           map[string]string `json:"metadata,omitempty"`
	Origin             *Origin           `json:"origin,omitempty"` // metadata.origin for system-channel messages
	TraceID            string            `json:"trace_id,omitempty"`
}

// EffectiveSessionKey returns SessionKeyOverride if set, else the
// canonical "{channel}:{chat_id}" key (spec §3).
func (m InboundMessage) EffectiveSessionKey() string {
	if m.SessionKeyOverride != "" {
		return m.SessionKeyOverride
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`    // optional media attachments
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
	TraceID  string            `json:"trace_id,omitempty"`
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg", "video/mp4")
	Caption     string `json:"caption,omitempty"`       // optional caption for media
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`              // event name (e.g. "agent", "chat", "health")
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kind constants.
const (
	CacheKindAgent            = "agent"
	CacheKindBootstrap        = "bootstrap"
	CacheKindSkills           = "skills"
	CacheKindCron             = "cron"
	CacheKindCustomTools      = "custom_tools"
	CacheKindChannelInstances = "channel_instances"
	CacheKindBuiltinTools     = "builtin_tools"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
// Used with protocol.EventCacheInvalidate events.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"` // CacheKind* constants
	Key  string `json:"key"`  // agent_key, agent_id, etc. Empty = invalidate all
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by gateway server and agents to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
