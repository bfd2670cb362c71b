package main

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Araujoacai/railtrack/internal/config"
	"github.com/Araujoacai/railtrack/internal/limiter"
	"github.com/Araujoacai/railtrack/internal/state"
	"github.com/Araujoacai/railtrack/internal/types"
	"github.com/Araujoacai/railtrack/pkg/protocol"
)

// newTestServer builds a Server around an in-memory registry. Connections
// are driven through dispatch directly; events land on each connection's
// Send buffer where tests read them back.
func newTestServer(lim *limiter.Limiter) *Server {
	if lim == nil {
		lim = limiter.New()
	}
	cfg := &config.Config{Env: "test", MaxRooms: 10, MaxMembersPerRoom: 15}
	manager := state.NewManager(state.Config{}, zerolog.Nop())
	return NewServer(cfg, manager, lim, zerolog.Nop())
}

func newTestConn(s *Server, connID string) *ConnectionManager {
	wsConn := &types.WebSocketConnection{
		ConnectionID: connID,
		Send:         make(chan []byte, sendBufferSize),
	}
	s.manager.AddClient(connID, wsConn)
	return &ConnectionManager{
		server: s,
		wsConn: wsConn,
		connID: connID,
		logger: zerolog.Nop(),
		done:   make(chan struct{}),
	}
}

func clientEvent(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(protocol.ClientEvent{Type: eventType, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

type receivedEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func recvEvent(t *testing.T, cm *ConnectionManager) receivedEvent {
	t.Helper()
	select {
	case raw := <-cm.wsConn.Send:
		var event receivedEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("unmarshal server event: %v", err)
		}
		return event
	default:
		t.Fatalf("no event queued for %s", cm.connID)
		return receivedEvent{}
	}
}

func expectEvent(t *testing.T, cm *ConnectionManager, eventType string) json.RawMessage {
	t.Helper()
	event := recvEvent(t, cm)
	if event.Type != eventType {
		t.Fatalf("expected %s for %s, got %s", eventType, cm.connID, event.Type)
	}
	return event.Data
}

func expectSilence(t *testing.T, cm *ConnectionManager) {
	t.Helper()
	select {
	case raw := <-cm.wsConn.Send:
		t.Fatalf("unexpected event for %s: %s", cm.connID, raw)
	default:
	}
}

func expectError(t *testing.T, cm *ConnectionManager, message string) {
	t.Helper()
	data := expectEvent(t, cm, protocol.EventError)
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Message != message {
		t.Fatalf("error message = %q, want %q", payload.Message, message)
	}
}

// createRoom drives the create flow and returns the room state the host
// received.
func createRoom(t *testing.T, cm *ConnectionManager, username string) protocol.RoomState {
	t.Helper()
	cm.dispatch(clientEvent(t, protocol.EventCreateRoom, protocol.CreateRoomPayload{
		Username: username,
		Avatar:   "🚗",
		UserID:   "uid-" + username,
	}))
	data := expectEvent(t, cm, protocol.EventRoomCreated)
	var room protocol.RoomState
	if err := json.Unmarshal(data, &room); err != nil {
		t.Fatalf("unmarshal room state: %v", err)
	}
	return room
}

func joinRoom(t *testing.T, cm *ConnectionManager, code, username string) protocol.RoomState {
	t.Helper()
	cm.dispatch(clientEvent(t, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		Code:     code,
		Username: username,
		Avatar:   "🚲",
		UserID:   "uid-" + username,
	}))
	data := expectEvent(t, cm, protocol.EventRoomJoined)
	var room protocol.RoomState
	if err := json.Unmarshal(data, &room); err != nil {
		t.Fatalf("unmarshal room state: %v", err)
	}
	return room
}

func TestCreateRoomFlow(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")

	room := createRoom(t, host, "Alice")
	if len(room.Code) != 6 {
		t.Fatalf("room code %q has wrong length", room.Code)
	}
	if !room.IsHost {
		t.Fatalf("creator must be host")
	}
	if len(room.Users) != 1 || room.Users[0].Username != "Alice" {
		t.Fatalf("unexpected member list: %+v", room.Users)
	}
	if room.Destination != nil {
		t.Fatalf("fresh room must have no destination")
	}
	expectSilence(t, host)
}

func TestCreateWhileInRoomRejected(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	createRoom(t, host, "Alice")

	host.dispatch(clientEvent(t, protocol.EventCreateRoom, protocol.CreateRoomPayload{
		Username: "Alice", Avatar: "🚗",
	}))
	expectError(t, host, "You are already in a room.")
}

func TestJoinBroadcastsToOthersOnly(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinState := joinRoom(t, guest, room.Code, "Bob")

	if joinState.IsHost {
		t.Fatalf("second joiner must not be host")
	}
	if len(joinState.Users) != 2 {
		t.Fatalf("joiner snapshot should list 2 members, got %d", len(joinState.Users))
	}

	data := expectEvent(t, host, protocol.EventUserJoined)
	var joined protocol.UserJoined
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("unmarshal user_joined: %v", err)
	}
	if joined.User.Username != "Bob" {
		t.Fatalf("user_joined names %q, want Bob", joined.User.Username)
	}
	// The joiner itself only gets the room snapshot, not the echo.
	expectSilence(t, guest)
}

func TestJoinInvalidCode(t *testing.T) {
	s := newTestServer(nil)
	guest := newTestConn(s, "guest")

	guest.dispatch(clientEvent(t, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		Code: "ab-12", Username: "Bob", Avatar: "🚲",
	}))
	expectError(t, guest, "Invalid room code.")
}

func TestJoinUnknownRoomCode(t *testing.T) {
	s := newTestServer(nil)
	guest := newTestConn(s, "guest")

	guest.dispatch(clientEvent(t, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		Code: "zzzzzz", Username: "Bob", Avatar: "🚲",
	}))
	expectError(t, guest, "Room not found. Check the code.")
}

func TestLocationFansOutToWholeRoom(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinRoom(t, guest, room.Code, "Bob")
	expectEvent(t, host, protocol.EventUserJoined)

	host.dispatch(clientEvent(t, protocol.EventUpdateLocation, protocol.LocationPayload{
		Lat: -15.78, Lng: -47.93,
	}))

	for _, cm := range []*ConnectionManager{host, guest} {
		data := expectEvent(t, cm, protocol.EventLocationUpdate)
		var update protocol.LocationUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			t.Fatalf("unmarshal location_update: %v", err)
		}
		if update.SocketID != "host" {
			t.Fatalf("location attributed to %q, want host", update.SocketID)
		}
		if update.User.Location == nil || update.User.Location.Lat != -15.78 {
			t.Fatalf("fix not carried: %+v", update.User.Location)
		}
		if len(update.User.Trail) != 1 {
			t.Fatalf("expected 1 trail point, got %d", len(update.User.Trail))
		}
	}
}

func TestLocationThrottleIsSilent(t *testing.T) {
	lim := limiter.NewWithConfig(time.Minute, map[limiter.Action]int{
		limiter.ActionCreate:   3,
		limiter.ActionLocation: 2,
	})
	s := newTestServer(lim)
	host := newTestConn(s, "host")
	createRoom(t, host, "Alice")

	for i := 0; i < 2; i++ {
		host.dispatch(clientEvent(t, protocol.EventUpdateLocation, protocol.LocationPayload{
			Lat: float64(i), Lng: 10,
		}))
		expectEvent(t, host, protocol.EventLocationUpdate)
	}

	// Third fix in the window is over the ceiling: dropped without an
	// error event.
	host.dispatch(clientEvent(t, protocol.EventUpdateLocation, protocol.LocationPayload{
		Lat: 3, Lng: 10,
	}))
	expectSilence(t, host)
}

func TestMalformedLocationDroppedSilently(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	createRoom(t, host, "Alice")

	host.dispatch(clientEvent(t, protocol.EventUpdateLocation, protocol.LocationPayload{
		Lat: 123.0, Lng: 10, // out of range
	}))
	expectSilence(t, host)

	host.dispatch([]byte(`{"type":"update_location","data":"not an object"}`))
	expectSilence(t, host)
}

func TestChatMessageCarriesSenderIdentity(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinRoom(t, guest, room.Code, "Bob")
	expectEvent(t, host, protocol.EventUserJoined)

	guest.dispatch(clientEvent(t, protocol.EventSendMessage, protocol.MessagePayload{
		Text: "  on my way  ",
	}))

	for _, cm := range []*ConnectionManager{host, guest} {
		data := expectEvent(t, cm, protocol.EventNewMessage)
		var msg protocol.NewMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal new_message: %v", err)
		}
		if msg.SocketID != "guest" || msg.Username != "Bob" {
			t.Fatalf("message attributed to %s/%s", msg.SocketID, msg.Username)
		}
		if msg.Text != "on my way" {
			t.Fatalf("text not trimmed: %q", msg.Text)
		}
		if msg.Timestamp == 0 {
			t.Fatalf("message must be timestamped")
		}
	}
}

func TestDestinationAuthorityOverWire(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinRoom(t, guest, room.Code, "Bob")
	expectEvent(t, host, protocol.EventUserJoined)

	guest.dispatch(clientEvent(t, protocol.EventSetDestination, protocol.DestinationPayload{
		Lat: -15.79, Lng: -47.88, Name: "Stadium",
	}))
	expectError(t, guest, "Only the host can set the destination.")
	expectSilence(t, host)

	host.dispatch(clientEvent(t, protocol.EventSetDestination, protocol.DestinationPayload{
		Lat: -15.79, Lng: -47.88, Name: "Stadium",
	}))
	for _, cm := range []*ConnectionManager{host, guest} {
		data := expectEvent(t, cm, protocol.EventDestinationSet)
		var dest types.Destination
		if err := json.Unmarshal(data, &dest); err != nil {
			t.Fatalf("unmarshal destination: %v", err)
		}
		if dest.Name != "Stadium" || dest.Lat != -15.79 {
			t.Fatalf("destination mangled: %+v", dest)
		}
	}

	guest.dispatch(clientEvent(t, protocol.EventClearDestination, nil))
	expectError(t, guest, "Only the host can clear the destination.")

	host.dispatch(clientEvent(t, protocol.EventClearDestination, nil))
	expectEvent(t, host, protocol.EventDestinationCleared)
	expectEvent(t, guest, protocol.EventDestinationCleared)
}

func TestDestinationDefaultsName(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	createRoom(t, host, "Alice")

	host.dispatch(clientEvent(t, protocol.EventSetDestination, protocol.DestinationPayload{
		Lat: 1, Lng: 2,
	}))
	data := expectEvent(t, host, protocol.EventDestinationSet)
	var dest types.Destination
	if err := json.Unmarshal(data, &dest); err != nil {
		t.Fatalf("unmarshal destination: %v", err)
	}
	if dest.Name != "Destination" {
		t.Fatalf("empty name should fall back, got %q", dest.Name)
	}
}

func TestDisconnectPromotesNewHost(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinRoom(t, guest, room.Code, "Bob")
	expectEvent(t, host, protocol.EventUserJoined)

	host.handleDisconnect()
	s.manager.RemoveClient("host")

	data := expectEvent(t, guest, protocol.EventHostChanged)
	var promoted protocol.HostChanged
	if err := json.Unmarshal(data, &promoted); err != nil {
		t.Fatalf("unmarshal host_changed: %v", err)
	}
	if !promoted.IsHost {
		t.Fatalf("promotion must carry isHost true")
	}

	data = expectEvent(t, guest, protocol.EventUserLeft)
	var left protocol.UserLeft
	if err := json.Unmarshal(data, &left); err != nil {
		t.Fatalf("unmarshal user_left: %v", err)
	}
	if left.SocketID != "host" || left.Username != "Alice" {
		t.Fatalf("wrong departure notice: %+v", left)
	}

	// The promoted guest now holds destination authority.
	guest.dispatch(clientEvent(t, protocol.EventSetDestination, protocol.DestinationPayload{
		Lat: 1, Lng: 2, Name: "Regroup",
	}))
	expectEvent(t, guest, protocol.EventDestinationSet)
}

func TestGuestDisconnectAnnouncesDeparture(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinRoom(t, guest, room.Code, "Bob")
	expectEvent(t, host, protocol.EventUserJoined)

	guest.handleDisconnect()
	s.manager.RemoveClient("guest")

	data := expectEvent(t, host, protocol.EventUserLeft)
	var left protocol.UserLeft
	if err := json.Unmarshal(data, &left); err != nil {
		t.Fatalf("unmarshal user_left: %v", err)
	}
	if left.Username != "Bob" {
		t.Fatalf("wrong departure notice: %+v", left)
	}
	// No host change when a guest leaves.
	expectSilence(t, host)
}

func TestReconnectMergesAndDisplaces(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinRoom(t, guest, room.Code, "Bob")
	expectEvent(t, host, protocol.EventUserJoined)

	// Bob comes back on a new transport before the old one is torn down.
	guest2 := newTestConn(s, "guest-2")
	rejoinState := joinRoom(t, guest2, room.Code, "Bob")
	if len(rejoinState.Users) != 2 {
		t.Fatalf("reconnect grew the room to %d members", len(rejoinState.Users))
	}

	// Peers key members by socketId, so the merge must retire the old
	// connection id before announcing the new one.
	data := expectEvent(t, host, protocol.EventUserLeft)
	var left protocol.UserLeft
	if err := json.Unmarshal(data, &left); err != nil {
		t.Fatalf("unmarshal user_left: %v", err)
	}
	if left.SocketID != "guest" || left.Username != "Bob" {
		t.Fatalf("merge did not retire the old connection id: %+v", left)
	}

	data = expectEvent(t, host, protocol.EventUserJoined)
	var joined protocol.UserJoined
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("unmarshal user_joined: %v", err)
	}
	if joined.User.ConnectionID != "guest-2" {
		t.Fatalf("rejoin announced with stale connection id: %+v", joined.User)
	}
	expectSilence(t, host)
	expectSilence(t, guest)
}

func TestCreateRoomDisplacesIdentityFromOldRoom(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	guest := newTestConn(s, "guest")

	room := createRoom(t, host, "Alice")
	joinRoom(t, guest, room.Code, "Bob")
	expectEvent(t, host, protocol.EventUserJoined)

	// Bob opens his own room from a fresh connection; his old room must
	// see him leave.
	roamer := newTestConn(s, "roamer")
	created := createRoom(t, roamer, "Bob")
	if created.Code == room.Code {
		t.Fatalf("creator landed in the old room")
	}

	data := expectEvent(t, host, protocol.EventUserLeft)
	var left protocol.UserLeft
	if err := json.Unmarshal(data, &left); err != nil {
		t.Fatalf("unmarshal user_left: %v", err)
	}
	if left.SocketID != "guest" || left.Username != "Bob" {
		t.Fatalf("wrong departure notice: %+v", left)
	}
	expectSilence(t, host)
}

func TestInvalidIdentityRejected(t *testing.T) {
	s := newTestServer(nil)
	conn := newTestConn(s, "conn")

	conn.dispatch(clientEvent(t, protocol.EventCreateRoom, protocol.CreateRoomPayload{
		Username: "   ", Avatar: "🚗",
	}))
	expectError(t, conn, "Invalid name.")

	conn.dispatch(clientEvent(t, protocol.EventCreateRoom, protocol.CreateRoomPayload{
		Username: "Alice", Avatar: "",
	}))
	expectError(t, conn, "Invalid avatar.")
}

func TestEventsBeforeJoiningAreIgnored(t *testing.T) {
	s := newTestServer(nil)
	conn := newTestConn(s, "conn")

	conn.dispatch(clientEvent(t, protocol.EventUpdateLocation, protocol.LocationPayload{Lat: 1, Lng: 2}))
	conn.dispatch(clientEvent(t, protocol.EventSendMessage, protocol.MessagePayload{Text: "hello"}))
	conn.dispatch(clientEvent(t, protocol.EventClearDestination, nil))
	expectSilence(t, conn)
}

func TestUnknownAndMalformedEnvelopes(t *testing.T) {
	s := newTestServer(nil)
	conn := newTestConn(s, "conn")

	conn.dispatch([]byte(`not json`))
	conn.dispatch([]byte(`{"type":"time_travel","data":{}}`))
	expectSilence(t, conn)
}

func TestFullSendBufferDropsInsteadOfBlocking(t *testing.T) {
	s := newTestServer(nil)
	host := newTestConn(s, "host")
	room := createRoom(t, host, "Alice")

	// A stalled connection with a tiny buffer must not block the sender.
	stalled := &types.WebSocketConnection{
		ConnectionID: "stalled",
		Send:         make(chan []byte, 1),
	}
	s.manager.AddClient("stalled", stalled)
	if _, err := s.manager.JoinRoom(room.Code, "stalled", state.Profile{
		UserID: "uid-stalled", Username: "Slow", Avatar: "🐌",
	}); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			s.broadcast(room.Code, protocol.EventNewMessage, protocol.NewMessage{
				SocketID: "host", Username: "Alice", Text: fmt.Sprintf("m%d", i),
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full send buffer")
	}
	if len(stalled.Send) != 1 {
		t.Fatalf("stalled buffer should hold exactly its capacity, got %d", len(stalled.Send))
	}
	// The healthy connection got everything.
	for i := 0; i < 5; i++ {
		expectEvent(t, host, protocol.EventNewMessage)
	}
}
