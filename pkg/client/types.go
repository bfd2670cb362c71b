package client

// ClientConfig holds configuration for a railtrack client connection.
type ClientConfig struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL string
	// Username and Avatar make up the presented identity.
	Username string
	Avatar   string
	// UserID is the persistent identity carried across reconnects. When
	// empty a fresh KSUID is generated, which makes every connection a new
	// participant.
	UserID    string
	UserAgent string
}
