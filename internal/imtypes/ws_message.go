package imtypes

import "time"

// EventType defines the type of a push event sent to UI clients.
type EventType string

const (
	MessagesChangedEvent EventType = "messages" // a channel's message list was republished
	ChannelsChangedEvent EventType = "channels" // the channel set was replaced
)

// Event is pushed over WebSocket whenever local state changes.
// Clients re-fetch the affected resource through the HTTP API.
type Event struct {
	Type       EventType `json:"type"`
	ChannelKey string    `json:"channelKey,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
