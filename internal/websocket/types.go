package websocket

import (
	"time"

	"github.com/coder/websocket"
)

// MessageType names a reload protocol message.
type MessageType string

const (
	// MessageReload asks the browser to reload the page.
	MessageReload MessageType = "reload"
	// MessageCSS asks the browser to refetch its stylesheets in place.
	MessageCSS MessageType = "css"
	// MessageError carries a build failure to show as an overlay.
	MessageError MessageType = "error"
	// MessageClear removes the overlay for a task that recovered.
	MessageClear MessageType = "clear"
)

// Message is the JSON document sent to browsers
type Message struct {
	Type      MessageType `json:"type"`
	Task      string      `json:"task,omitempty"`
	Paths     []string    `json:"paths,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client represents a WebSocket client connection
type Client struct {
	conn         *websocket.Conn
	send         chan []byte
	lastActivity time.Time
	remoteAddr   string
}
