// shared_types/types.go
package shared_types

// --- Message Structs ---
// These structs define the payload of every frame tag. They are shared between
// hub and peers and carry both json and bson tags so either wire format can
// carry them. Timestamps are Unix milliseconds.

// Welcome is the first frame the hub sends on a new connection. The
// heartbeat fields are zero when the hub runs without a liveness monitor.
type Welcome struct {
	ConnID            string `json:"conn-id" bson:"conn-id"`
	Format            string `json:"format,omitempty" bson:"format,omitempty"`
	ServerTime        int64  `json:"server-time,omitempty" bson:"server-time,omitempty"`
	HeartbeatInterval int64  `json:"heartbeat-interval-ms,omitempty" bson:"heartbeat-interval-ms,omitempty"`
	HeartbeatTimeout  int64  `json:"heartbeat-timeout-ms,omitempty" bson:"heartbeat-timeout-ms,omitempty"`
}

// Ping is the hub's liveness probe.
type Ping struct {
	Timestamp int64 `json:"timestamp" bson:"timestamp"`
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Timestamp         int64 `json:"timestamp" bson:"timestamp"`
	OriginalTimestamp int64 `json:"original-timestamp" bson:"original-timestamp"`
}

// Subscribe asks the hub to add the sender to a channel.
type Subscribe struct {
	ChannelID string `json:"channel-id" bson:"channel-id"`
}

// RetainedMessage is one entry of a channel's retention buffer.
type RetainedMessage struct {
	Data        any    `json:"data" bson:"data"`
	PublishTime int64  `json:"publish-time" bson:"publish-time"`
	SenderID    string `json:"sender-id,omitempty" bson:"sender-id,omitempty"`
}

// SubscriptionResult answers Subscribe. RetainedMessages are oldest-first.
type SubscriptionResult struct {
	ChannelID        string            `json:"channel-id" bson:"channel-id"`
	Success          bool              `json:"success" bson:"success"`
	SubscriberCount  int               `json:"subscriber-count" bson:"subscriber-count"`
	RetainedMessages []RetainedMessage `json:"retained-messages,omitempty" bson:"retained-messages,omitempty"`
	ErrorCode        string            `json:"error-code,omitempty" bson:"error-code,omitempty"`
	Error            string            `json:"error,omitempty" bson:"error,omitempty"`
}

// Unsubscribe asks the hub to remove the sender from a channel.
type Unsubscribe struct {
	ChannelID string `json:"channel-id" bson:"channel-id"`
}

// UnsubscriptionResult answers Unsubscribe. Unsubscribing is idempotent, so
// Success is true even when WasSubscribed is false.
type UnsubscriptionResult struct {
	ChannelID     string `json:"channel-id" bson:"channel-id"`
	Success       bool   `json:"success" bson:"success"`
	WasSubscribed bool   `json:"was-subscribed" bson:"was-subscribed"`
}

// Publish sends data to every subscriber of a channel.
type Publish struct {
	ChannelID     string `json:"channel-id" bson:"channel-id"`
	Data          any    `json:"data" bson:"data"`
	ExcludeSender bool   `json:"exclude-sender,omitempty" bson:"exclude-sender,omitempty"`
}

// PublishResult answers Publish.
type PublishResult struct {
	ChannelID   string `json:"channel-id" bson:"channel-id"`
	Success     bool   `json:"success" bson:"success"`
	DeliveredTo int    `json:"delivered-to" bson:"delivered-to"`
	ErrorCode   string `json:"error-code,omitempty" bson:"error-code,omitempty"`
	Error       string `json:"error,omitempty" bson:"error,omitempty"`
}

// ChannelMessage is delivered to each subscriber of a channel.
type ChannelMessage struct {
	ChannelID     string `json:"channel-id" bson:"channel-id"`
	Data          any    `json:"data" bson:"data"`
	BroadcastTime int64  `json:"broadcast-time" bson:"broadcast-time"`
	SenderID      string `json:"sender-id,omitempty" bson:"sender-id,omitempty"`
}

// PortInfo is served by the hub's HTTP layer so peers can rediscover an
// ephemeral port after a restart.
type PortInfo struct {
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}
