package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Araujoacai/railtrack/internal/limiter"
	"github.com/Araujoacai/railtrack/internal/metrics"
	"github.com/Araujoacai/railtrack/internal/state"
	"github.com/Araujoacai/railtrack/internal/types"
	"github.com/Araujoacai/railtrack/internal/validate"
	"github.com/Araujoacai/railtrack/pkg/protocol"
)

// sendBufferSize is the per-connection outbound queue depth. Events beyond
// it are dropped rather than blocking the event-processing path.
const sendBufferSize = 256

// ConnectionManager drives the lifecycle of one websocket connection:
// identify (create or join a room), in-room events, disconnect cleanup.
// Each connection has exactly one read loop, so its own events are always
// processed and fanned out in arrival order.
type ConnectionManager struct {
	server   *Server
	wsConn   *types.WebSocketConnection
	connID   string
	roomCode string
	logger   zerolog.Logger
	done     chan struct{}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	connID := uuid.New().String()
	wsConn := &types.WebSocketConnection{
		Conn:         conn,
		ConnectionID: connID,
		Send:         make(chan []byte, sendBufferSize),
	}

	cm := &ConnectionManager{
		server: s,
		wsConn: wsConn,
		connID: connID,
		logger: s.logger.With().Str("conn", connID).Logger(),
		done:   make(chan struct{}),
	}

	s.manager.AddClient(connID, wsConn)
	cm.logger.Debug().Msg("connected")

	go cm.writeLoop()

	defer func() {
		cm.handleDisconnect()
		s.manager.RemoveClient(connID)
		s.limiter.Forget(connID)
		close(cm.done)
		cm.logger.Debug().Msg("disconnected")
	}()

	cm.readLoop()
}

func (cm *ConnectionManager) readLoop() {
	ctx := context.Background()
	for {
		msgType, data, err := cm.wsConn.Conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 || (status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway) {
				cm.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		cm.dispatch(data)
	}
}

// writeLoop drains the send buffer in FIFO order so per-sender event
// ordering survives the trip through the buffer. The Send channel is never
// closed; the loop exits on connection teardown instead, which keeps late
// fan-out enqueues from racing a channel close.
func (cm *ConnectionManager) writeLoop() {
	ctx := context.Background()
	for {
		select {
		case message := <-cm.wsConn.Send:
			if err := cm.wsConn.Conn.Write(ctx, websocket.MessageText, message); err != nil {
				cm.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-cm.done:
			return
		}
	}
}

// dispatch decodes the envelope and routes to the per-event handler. The
// payload schema is fixed per event type and validated before any registry
// call; malformed envelopes are ignored.
func (cm *ConnectionManager) dispatch(raw []byte) {
	var event protocol.ClientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		cm.logger.Debug().Err(err).Msg("unparseable event")
		return
	}

	switch event.Type {
	case protocol.EventCreateRoom:
		cm.handleCreateRoom(event.Data)
	case protocol.EventJoinRoom:
		cm.handleJoinRoom(event.Data)
	case protocol.EventUpdateLocation:
		cm.handleUpdateLocation(event.Data)
	case protocol.EventSendMessage:
		cm.handleSendMessage(event.Data)
	case protocol.EventSetDestination:
		cm.handleSetDestination(event.Data)
	case protocol.EventClearDestination:
		cm.handleClearDestination()
	default:
		cm.logger.Debug().Str("type", event.Type).Msg("unknown event type")
	}
}

func (cm *ConnectionManager) handleCreateRoom(data json.RawMessage) {
	if cm.roomCode != "" {
		cm.sendError("You are already in a room.")
		return
	}
	if !cm.allow(limiter.ActionCreate) {
		cm.sendError("Too many attempts. Wait a moment.")
		return
	}

	var payload protocol.CreateRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		cm.sendError("Invalid request.")
		return
	}
	profile, ok := cm.profileFrom(payload.Username, payload.Avatar, payload.UserID)
	if !ok {
		return
	}

	result, err := cm.server.manager.CreateRoom(cm.connID, profile)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrAlreadyInRoom):
			cm.sendError("You are already in a room.")
		case errors.Is(err, state.ErrServerFull):
			cm.sendError("Room limit reached. Try again later.")
		default:
			cm.logger.Error().Err(err).Msg("create room failed")
			cm.sendError("Could not create the room.")
		}
		return
	}

	cm.roomCode = result.Code
	cm.reply(protocol.EventRoomCreated, protocol.RoomState{
		Code:        result.Code,
		User:        result.Member,
		Users:       result.Members,
		IsHost:      result.IsHost,
		Destination: result.Destination,
	})

	if result.Displaced != nil {
		cm.server.notifyRemoval(result.Displaced)
	}
}

func (cm *ConnectionManager) handleJoinRoom(data json.RawMessage) {
	if cm.roomCode != "" {
		cm.sendError("You are already in a room.")
		return
	}
	if !cm.allow(limiter.ActionJoin) {
		cm.sendError("Too many attempts. Wait a moment.")
		return
	}

	var payload protocol.JoinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		cm.sendError("Invalid request.")
		return
	}
	code, ok := validate.RoomCode(payload.Code)
	if !ok {
		cm.sendError("Invalid room code.")
		return
	}
	profile, ok := cm.profileFrom(payload.Username, payload.Avatar, payload.UserID)
	if !ok {
		return
	}

	result, err := cm.server.manager.JoinRoom(code, cm.connID, profile)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrAlreadyInRoom):
			cm.sendError("You are already in a room.")
		case errors.Is(err, state.ErrRoomNotFound):
			cm.sendError("Room not found. Check the code.")
		case errors.Is(err, state.ErrRoomFull):
			cm.sendError("Room is full (max 15 users).")
		default:
			cm.logger.Error().Err(err).Msg("join room failed")
			cm.sendError("Could not join the room.")
		}
		return
	}

	cm.roomCode = code
	cm.reply(protocol.EventRoomJoined, protocol.RoomState{
		Code:        code,
		User:        result.Member,
		Users:       result.Members,
		IsHost:      result.IsHost,
		Destination: result.Destination,
	})

	// The same identity arriving from another room leaves a slot behind
	// there; tell that room about the departure.
	if result.Displaced != nil {
		cm.server.notifyRemoval(result.Displaced)
	}

	// A merge retires the previous connection id. Peers key members by
	// socketId, so the old id must leave before the new one arrives or
	// they render the same member twice.
	if result.ReplacedConnectionID != "" {
		cm.server.broadcast(code, protocol.EventUserLeft, protocol.UserLeft{
			SocketID: result.ReplacedConnectionID,
			Username: result.Member.Username,
		}, cm.connID)
	}

	cm.server.broadcast(code, protocol.EventUserJoined, protocol.UserJoined{
		User: result.Member,
	}, cm.connID)
}

func (cm *ConnectionManager) handleUpdateLocation(data json.RawMessage) {
	if cm.roomCode == "" {
		return
	}
	// Throttled fixes are dropped silently; GPS polling routinely brushes
	// against the ceiling and error spam would flood the client.
	if !cm.allow(limiter.ActionLocation) {
		return
	}

	var payload protocol.LocationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if !validate.Coordinates(payload.Lat, payload.Lng) {
		return
	}

	member := cm.server.manager.UpdateLocation(cm.roomCode, cm.connID, types.Location{
		Lat:       payload.Lat,
		Lng:       payload.Lng,
		Accuracy:  validate.Finite(payload.Accuracy),
		Heading:   validate.Finite(payload.Heading),
		Speed:     validate.Finite(payload.Speed),
		Timestamp: time.Now().UnixMilli(),
	})
	if member == nil {
		return
	}

	cm.server.broadcast(cm.roomCode, protocol.EventLocationUpdate, protocol.LocationUpdate{
		SocketID: cm.connID,
		User:     *member,
	})
}

func (cm *ConnectionManager) handleSendMessage(data json.RawMessage) {
	if cm.roomCode == "" {
		return
	}
	if !cm.allow(limiter.ActionMessage) {
		cm.sendError("Sending messages too fast!")
		return
	}

	var payload protocol.MessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	text, ok := validate.Message(payload.Text)
	if !ok {
		return
	}

	member := cm.server.manager.Member(cm.roomCode, cm.connID)
	if member == nil {
		return
	}

	cm.server.broadcast(cm.roomCode, protocol.EventNewMessage, protocol.NewMessage{
		SocketID:  cm.connID,
		Username:  member.Username,
		Color:     member.Color,
		Avatar:    member.Avatar,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (cm *ConnectionManager) handleSetDestination(data json.RawMessage) {
	if cm.roomCode == "" {
		return
	}
	if !cm.allow(limiter.ActionDestination) {
		cm.sendError("Too many destination changes. Wait a moment.")
		return
	}

	var payload protocol.DestinationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if !validate.Coordinates(payload.Lat, payload.Lng) {
		cm.sendError("Invalid destination coordinates.")
		return
	}

	dest := types.Destination{
		Lat:  payload.Lat,
		Lng:  payload.Lng,
		Name: validate.DestinationName(payload.Name),
	}
	if !cm.server.manager.SetDestination(cm.roomCode, cm.connID, &dest) {
		cm.sendError("Only the host can set the destination.")
		return
	}

	cm.logger.Info().Str("room", cm.roomCode).Str("name", dest.Name).Msg("destination set")
	cm.server.broadcast(cm.roomCode, protocol.EventDestinationSet, dest)
}

func (cm *ConnectionManager) handleClearDestination() {
	if cm.roomCode == "" {
		return
	}
	if !cm.allow(limiter.ActionDestination) {
		cm.sendError("Too many destination changes. Wait a moment.")
		return
	}

	if !cm.server.manager.SetDestination(cm.roomCode, cm.connID, nil) {
		cm.sendError("Only the host can clear the destination.")
		return
	}

	cm.logger.Info().Str("room", cm.roomCode).Msg("destination cleared")
	cm.server.broadcast(cm.roomCode, protocol.EventDestinationCleared, nil)
}

// handleDisconnect removes the member from its room and notifies the
// remaining members, promoting a new host when the departing connection
// held authority.
func (cm *ConnectionManager) handleDisconnect() {
	if cm.roomCode == "" {
		return
	}
	removal := cm.server.manager.RemoveMember(cm.roomCode, cm.connID)
	cm.roomCode = ""
	if removal == nil {
		return
	}
	cm.server.notifyRemoval(removal)
}

// allow checks and records the action against the per-connection limiter.
func (cm *ConnectionManager) allow(action limiter.Action) bool {
	if cm.server.limiter.Allow(cm.connID, action) {
		return true
	}
	metrics.RateLimited.WithLabelValues(string(action)).Inc()
	return false
}

// profileFrom validates the presented identity, surfacing a specific error
// per rejected field.
func (cm *ConnectionManager) profileFrom(username, avatar, userID string) (state.Profile, bool) {
	name, ok := validate.Username(username)
	if !ok {
		cm.sendError("Invalid name.")
		return state.Profile{}, false
	}
	if !validate.Avatar(avatar) {
		cm.sendError("Invalid avatar.")
		return state.Profile{}, false
	}
	return state.Profile{UserID: userID, Username: name, Avatar: avatar}, true
}

// reply delivers an event to the originating connection only.
func (cm *ConnectionManager) reply(event string, data any) {
	cm.server.sendTo(cm.wsConn, event, data)
}

func (cm *ConnectionManager) sendError(message string) {
	cm.reply(protocol.EventError, protocol.ErrorPayload{Message: message})
}

// notifyRemoval announces a departed member to its old room and, when the
// removal moved host authority, signals the promoted member directly.
func (s *Server) notifyRemoval(removal *state.Removal) {
	if removal.HostChanged {
		if conn, ok := s.manager.GetClient(removal.NewHostID); ok {
			s.sendTo(conn, protocol.EventHostChanged, protocol.HostChanged{IsHost: true})
		}
	}
	s.broadcast(removal.Code, protocol.EventUserLeft, protocol.UserLeft{
		SocketID: removal.Member.ConnectionID,
		Username: removal.Member.Username,
	})
}

// sendTo enqueues one event on a single connection's send buffer without
// blocking; a full buffer drops the event.
func (s *Server) sendTo(conn *types.WebSocketConnection, event string, data any) {
	message, err := json.Marshal(protocol.ServerEvent{Type: event, Data: data})
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("marshal failed")
		return
	}
	s.enqueue(conn, message)
}

// broadcast fans an event out to every current member of a room, except
// the listed connection ids. The member set is resolved from a snapshot
// taken after the triggering mutation completed; no registry lock is held
// while enqueueing.
func (s *Server) broadcast(code, event string, data any, except ...string) {
	message, err := json.Marshal(protocol.ServerEvent{Type: event, Data: data})
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("marshal failed")
		return
	}
	metrics.EventsBroadcast.WithLabelValues(event).Inc()
	for _, conn := range s.manager.ClientsFor(code, except...) {
		s.enqueue(conn, message)
	}
}

func (s *Server) enqueue(conn *types.WebSocketConnection, message []byte) {
	select {
	case conn.Send <- message:
	default:
		metrics.EventsDropped.Inc()
		s.logger.Warn().Str("conn", conn.ConnectionID).Msg("send buffer full, event dropped")
	}
}
