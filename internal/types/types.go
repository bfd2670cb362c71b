package types

import (
	"time"

	"github.com/coder/websocket"
)

// Location is the most recent GPS fix reported by a member. Accuracy,
// heading and speed are optional; absent values are encoded as null.
type Location struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"`
	Timestamp int64    `json:"timestamp"`
}

// TrailPoint is a single entry in a member's recent-position history.
type TrailPoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// TrailLimit caps how many trail points are retained per member.
// Oldest points are evicted first.
const TrailLimit = 100

// Destination is the shared target a room is heading to. Only the room
// host may set or clear it.
type Destination struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name"`
}

// Member is one participant in a room. ConnectionID changes across
// reconnects; UserID is a stable client-supplied identity used to merge a
// returning participant back into their previous slot.
type Member struct {
	ConnectionID string       `json:"socketId"`
	UserID       string       `json:"-"`
	Username     string       `json:"username"`
	Avatar       string       `json:"avatar"`
	Color        string       `json:"color"`
	Location     *Location    `json:"location"`
	Trail        []TrailPoint `json:"route"`
	JoinedAt     time.Time    `json:"-"`
	Online       bool         `json:"online"`
}

// Clone returns a deep copy safe to hand out after the registry lock is
// released.
func (m *Member) Clone() Member {
	c := *m
	if m.Location != nil {
		loc := *m.Location
		c.Location = &loc
	}
	c.Trail = make([]TrailPoint, len(m.Trail))
	copy(c.Trail, m.Trail)
	return c
}

// WebSocketConnection wraps a live websocket transport together with the
// outbound send buffer drained by the connection's writer goroutine.
type WebSocketConnection struct {
	Conn         *websocket.Conn
	ConnectionID string
	Send         chan []byte
}

// ServerStats is the payload of the /api/stats endpoint.
type ServerStats struct {
	TotalRooms   int `json:"totalRooms"`
	TotalMembers int `json:"totalUsers"`
}
