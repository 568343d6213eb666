package models

// ChatMetadata carries per-message user attributes from the chat transport.
type ChatMetadata struct {
	Emotes       map[string]string `json:"emotes"`
	Badges       map[string]string `json:"badges"`
	IsSubscriber bool              `json:"is_subscriber"`
	IsMod        bool              `json:"is_mod"`
}

// ChatLine is the wire format published on the chat-messages topic,
// keyed by the broadcaster id as a decimal string.
type ChatLine struct {
	BroadcasterID int          `json:"broadcaster_id"`
	TimestampMs   int64        `json:"timestamp"`
	MessageID     string       `json:"message_id"`
	Text          string       `json:"text"`
	UserID        int          `json:"user_id"`
	UserName      string       `json:"user_name"`
	Metadata      ChatMetadata `json:"metadata"`
}

// Lifecycle event types.
const (
	LifecycleOnline  = "online"
	LifecycleOffline = "offline"
)

// LifecycleEvent is the wire format published on the stream-lifecycle topic.
// Timestamp is epoch seconds; Rank is 0 for offline events.
type LifecycleEvent struct {
	EventType        string `json:"event_type"`
	BroadcasterID    int    `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	Rank             int    `json:"rank"`
	Timestamp        int64  `json:"timestamp"`
}
