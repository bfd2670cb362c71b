// Package protocol defines the JSON wire format shared by the server and
// Go clients: the event envelope, the event names in both directions, and
// the fixed payload schema for each event type.
package protocol

import (
	"encoding/json"

	"github.com/Araujoacai/railtrack/internal/types"
)

// Client-to-server event names.
const (
	EventCreateRoom       = "create_room"
	EventJoinRoom         = "join_room"
	EventUpdateLocation   = "update_location"
	EventSendMessage      = "send_message"
	EventSetDestination   = "set_destination"
	EventClearDestination = "clear_destination"
)

// Server-to-client event names.
const (
	EventRoomCreated        = "room_created"
	EventRoomJoined         = "room_joined"
	EventUserJoined         = "user_joined"
	EventLocationUpdate     = "location_update"
	EventUserLeft           = "user_left"
	EventDestinationSet     = "destination_set"
	EventDestinationCleared = "destination_cleared"
	EventHostChanged        = "host_changed"
	EventNewMessage         = "new_message"
	EventError              = "error"
)

// ClientEvent is the inbound envelope. Data is decoded into the payload
// struct matching Type after the tag is known.
type ClientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the outbound envelope.
type ServerEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// CreateRoomPayload carries the identity for a create-room intent. UserID
// is the optional persistent identity used to resume a slot on reconnect.
type CreateRoomPayload struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	UserID   string `json:"userId,omitempty"`
}

// JoinRoomPayload carries the identity plus target code for a join intent.
type JoinRoomPayload struct {
	Code     string `json:"code"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	UserID   string `json:"userId,omitempty"`
}

// LocationPayload is a raw GPS fix. Optional fields stay nil when the
// client has no reading for them.
type LocationPayload struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

// MessagePayload is a chat message before trimming/truncation.
type MessagePayload struct {
	Text string `json:"text"`
}

// DestinationPayload names the shared destination the host wants to set.
type DestinationPayload struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name"`
}

// RoomState confirms a create or join to the originating connection only.
type RoomState struct {
	Code        string             `json:"code"`
	User        types.Member       `json:"user"`
	Users       []types.Member     `json:"users"`
	IsHost      bool               `json:"isHost"`
	Destination *types.Destination `json:"destination"`
}

// UserJoined announces a new member to the rest of the room.
type UserJoined struct {
	User types.Member `json:"user"`
}

// LocationUpdate fans a member's fresh fix out to the room.
type LocationUpdate struct {
	SocketID string       `json:"socketId"`
	User     types.Member `json:"user"`
}

// UserLeft announces a departed member.
type UserLeft struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// HostChanged is delivered only to the member that gained authority.
type HostChanged struct {
	IsHost bool `json:"isHost"`
}

// NewMessage fans a chat line out to the room.
type NewMessage struct {
	SocketID  string `json:"socketId"`
	Username  string `json:"username"`
	Color     string `json:"color"`
	Avatar    string `json:"avatar"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload carries a human-readable failure notification.
type ErrorPayload struct {
	Message string `json:"message"`
}
