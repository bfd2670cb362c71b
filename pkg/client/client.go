// Package client is a Go client for the railtrack websocket protocol. It
// is used by the runnable examples and doubles as the reference
// implementation for non-browser clients.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	cidpkg "github.com/Araujoacai/railtrack/internal/cid"
	"github.com/Araujoacai/railtrack/internal/types"
	"github.com/Araujoacai/railtrack/pkg/protocol"
)

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	cidpkg.AddHeader(headers, ctx)
	return headers
}

// EventHandler defines callbacks for handling server events. A handler is
// registered on one Client and stops firing when that client closes; no
// global registration exists.
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnRoomCreated(room protocol.RoomState)
	OnRoomJoined(room protocol.RoomState)
	OnUserJoined(user types.Member)
	OnUserLeft(socketID, username string)
	OnLocationUpdate(update protocol.LocationUpdate)
	OnMessage(msg protocol.NewMessage)
	OnDestinationSet(dest types.Destination)
	OnDestinationCleared()
	OnHostChanged()
	OnError(message string)
	OnServerEvent(eventType string, data json.RawMessage)
}

// NopHandler implements EventHandler with logging no-ops; embed it to
// implement only the callbacks you care about.
type NopHandler struct {
	Logger zerolog.Logger
}

func (h *NopHandler) OnConnected()    { h.Logger.Info().Msg("connected") }
func (h *NopHandler) OnDisconnected() { h.Logger.Info().Msg("disconnected") }
func (h *NopHandler) OnRoomCreated(room protocol.RoomState) {
	h.Logger.Info().Str("code", room.Code).Msg("room created")
}
func (h *NopHandler) OnRoomJoined(room protocol.RoomState) {
	h.Logger.Info().Str("code", room.Code).Msg("room joined")
}
func (h *NopHandler) OnUserJoined(user types.Member) {
	h.Logger.Info().Str("username", user.Username).Msg("user joined")
}
func (h *NopHandler) OnUserLeft(socketID, username string) {
	h.Logger.Info().Str("username", username).Msg("user left")
}
func (h *NopHandler) OnLocationUpdate(protocol.LocationUpdate) {}
func (h *NopHandler) OnMessage(msg protocol.NewMessage) {
	h.Logger.Info().Str("username", msg.Username).Str("text", msg.Text).Msg("message")
}
func (h *NopHandler) OnDestinationSet(dest types.Destination) {
	h.Logger.Info().Str("name", dest.Name).Msg("destination set")
}
func (h *NopHandler) OnDestinationCleared() { h.Logger.Info().Msg("destination cleared") }
func (h *NopHandler) OnHostChanged()        { h.Logger.Info().Msg("you are now the host") }
func (h *NopHandler) OnError(message string) {
	h.Logger.Warn().Str("message", message).Msg("server error")
}
func (h *NopHandler) OnServerEvent(eventType string, _ json.RawMessage) {
	h.Logger.Debug().Str("type", eventType).Msg("event")
}

// Client is a single websocket session against a railtrack server.
type Client struct {
	conn      *websocket.Conn
	config    ClientConfig
	connected bool
	handler   EventHandler
}

// New creates a client. A missing UserID gets a generated KSUID so the
// server can recognize this client across reconnects.
func New(config ClientConfig) *Client {
	if config.UserID == "" {
		config.UserID = ksuid.New().String()
	}
	if config.UserAgent == "" {
		config.UserAgent = "railtrack-client/1.0"
	}
	return &Client{
		config:  config,
		handler: &NopHandler{Logger: zerolog.Nop()},
	}
}

// SetEventHandler replaces the callback handler. Call before Listen.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// UserID returns the persistent identity this client presents.
func (c *Client) UserID() string {
	return c.config.UserID
}

// IsConnected reports whether the transport is up.
func (c *Client) IsConnected() bool {
	return c.connected
}

// Connect dials the server's websocket endpoint.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.config.UserAgent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.handler.OnConnected()
	return nil
}

// Close shuts the connection down cleanly.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.connected = false
	err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	c.handler.OnDisconnected()
	return err
}

// CreateRoom asks the server for a fresh room with this client as host.
func (c *Client) CreateRoom(ctx context.Context) error {
	return c.sendEvent(ctx, protocol.EventCreateRoom, protocol.CreateRoomPayload{
		Username: c.config.Username,
		Avatar:   c.config.Avatar,
		UserID:   c.config.UserID,
	})
}

// JoinRoom joins an existing room by its 6-character code.
func (c *Client) JoinRoom(ctx context.Context, code string) error {
	return c.sendEvent(ctx, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		Code:     code,
		Username: c.config.Username,
		Avatar:   c.config.Avatar,
		UserID:   c.config.UserID,
	})
}

// SendLocation reports a GPS fix.
func (c *Client) SendLocation(ctx context.Context, fix protocol.LocationPayload) error {
	return c.sendEvent(ctx, protocol.EventUpdateLocation, fix)
}

// SendChat sends a chat message to the room.
func (c *Client) SendChat(ctx context.Context, text string) error {
	return c.sendEvent(ctx, protocol.EventSendMessage, protocol.MessagePayload{Text: text})
}

// SetDestination sets the shared destination. Rejected by the server
// unless this client is the room host.
func (c *Client) SetDestination(ctx context.Context, lat, lng float64, name string) error {
	return c.sendEvent(ctx, protocol.EventSetDestination, protocol.DestinationPayload{
		Lat:  lat,
		Lng:  lng,
		Name: name,
	})
}

// ClearDestination clears the shared destination (host only).
func (c *Client) ClearDestination(ctx context.Context) error {
	return c.sendEvent(ctx, protocol.EventClearDestination, nil)
}

// Listen consumes server events and feeds the handler until the context
// ends or the connection drops (blocking).
func (c *Client) Listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msgType, data, err := c.conn.Read(ctx)
			if err != nil {
				c.connected = false
				return fmt.Errorf("read error: %w", err)
			}
			if msgType != websocket.MessageText {
				continue
			}
			var raw struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(data, &raw); err != nil {
				continue
			}
			c.handleServerEvent(raw.Type, raw.Data)
		}
	}
}

func (c *Client) sendEvent(ctx context.Context, eventType string, payload any) error {
	if !c.connected {
		return fmt.Errorf("client not connected")
	}

	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		data = encoded
	}
	message, err := json.Marshal(protocol.ClientEvent{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

func (c *Client) handleServerEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case protocol.EventRoomCreated:
		var room protocol.RoomState
		if json.Unmarshal(data, &room) == nil {
			c.handler.OnRoomCreated(room)
		}
	case protocol.EventRoomJoined:
		var room protocol.RoomState
		if json.Unmarshal(data, &room) == nil {
			c.handler.OnRoomJoined(room)
		}
	case protocol.EventUserJoined:
		var joined protocol.UserJoined
		if json.Unmarshal(data, &joined) == nil {
			c.handler.OnUserJoined(joined.User)
		}
	case protocol.EventUserLeft:
		var left protocol.UserLeft
		if json.Unmarshal(data, &left) == nil {
			c.handler.OnUserLeft(left.SocketID, left.Username)
		}
	case protocol.EventLocationUpdate:
		var update protocol.LocationUpdate
		if json.Unmarshal(data, &update) == nil {
			c.handler.OnLocationUpdate(update)
		}
	case protocol.EventNewMessage:
		var msg protocol.NewMessage
		if json.Unmarshal(data, &msg) == nil {
			c.handler.OnMessage(msg)
		}
	case protocol.EventDestinationSet:
		var dest types.Destination
		if json.Unmarshal(data, &dest) == nil {
			c.handler.OnDestinationSet(dest)
		}
	case protocol.EventDestinationCleared:
		c.handler.OnDestinationCleared()
	case protocol.EventHostChanged:
		c.handler.OnHostChanged()
	case protocol.EventError:
		var ep protocol.ErrorPayload
		if json.Unmarshal(data, &ep) == nil {
			c.handler.OnError(ep.Message)
		}
	default:
		c.handler.OnServerEvent(eventType, data)
	}
}
