// Package wire defines the JSON shapes exchanged across the front door: the
// request/response publish body and its response, the duplex-channel frame
// envelope, and the health response. Keeping these as plain structs in one
// package lets both the HTTP handlers and the duplex-channel handlers share
// exactly one definition of the wire format.
package wire

import "encoding/json"

// PublishRequest is the body of the publish and replicate-in endpoints.
type PublishRequest struct {
	RecipientCode    string `json:"recipientContactCode"`
	EncryptedMessage string `json:"encryptedMessage"`
	MessageID        string `json:"messageId"`
	TTLMillis        int64  `json:"ttl,omitempty"`
	AuthTag          string `json:"authTag"`
}

// PublishResponse is returned from the publish endpoint.
type PublishResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Delivered bool   `json:"delivered"`
	Pooled    bool   `json:"pooled"`
}

// PullResponseMessage is one element of a pull response.
type PullResponseMessage struct {
	MessageID        string `json:"id"`
	EncryptedMessage string `json:"encryptedMessage"`
	AuthTag          string `json:"authTag"`
	Timestamp        int64  `json:"timestamp"`
}

// PullResponse is returned from the pull endpoint.
type PullResponse struct {
	Messages []PullResponseMessage `json:"messages"`
}

// DeleteResponse is returned from the delete endpoint.
type DeleteResponse struct {
	Removed bool `json:"removed"`
}

// RegisterNodeRequest is the body of the register_node endpoint.
type RegisterNodeRequest struct {
	NodeURL   string `json:"nodeUrl"`
	PublicKey string `json:"publicKey"`
}

// NodeEntry is one element of a list_nodes response.
type NodeEntry struct {
	NodeURL  string `json:"nodeUrl"`
	LastSeen int64  `json:"lastSeen"`
}

// ListNodesResponse is returned from the list_nodes endpoint.
type ListNodesResponse struct {
	Nodes []NodeEntry `json:"nodes"`
}

// HealthResponse is returned from the health endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	Timestamp       int64  `json:"timestamp"`
	Version         string `json:"version"`
	MessagePoolSize int    `json:"messagePoolSize"`
	ActiveSessions  int    `json:"activeSessions"`
	ConnectedNodes  int    `json:"connectedNodes"`
	MemoryRSSBytes  uint64 `json:"memoryRssBytes,omitempty"`
}

// Frame types exchanged over the duplex channel.
const (
	FrameRegisterUser        = "register_user"
	FrameStatusUpdate        = "status_update"
	FrameRealTimeMessage     = "real_time_message"
	FrameRegistrationSuccess = "registration_success"
	FrameNewMessage          = "new_message"
	FrameError               = "error"
)

// InboundFrame is the head every inbound duplex-channel frame is
// unmarshaled into first. The protocol is flat (fields live alongside
// "type", not nested under a "data" key), so the same bytes are unmarshaled
// a second time into the concrete frame struct selected by Type.
type InboundFrame struct {
	Type string `json:"type"`
}

// RegisterUserFrame binds a session to a recipient code.
type RegisterUserFrame struct {
	Type        string `json:"type"`
	ContactCode string `json:"contactCode"`
}

// StatusUpdateFrame is broadcast verbatim to every open session.
type StatusUpdateFrame struct {
	Type          string `json:"type"`
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
	UserID        string `json:"userId,omitempty"`
}

// RealTimeMessageFrame is forwarded to sessions bound to
// RecipientContactCode without ever touching the message pool.
type RealTimeMessageFrame struct {
	Type                 string          `json:"type"`
	RecipientContactCode string          `json:"recipientContactCode"`
	Payload              json.RawMessage `json:"payload,omitempty"`
}

// RegistrationSuccessFrame acknowledges a register_user frame.
type RegistrationSuccessFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewMessageFrame delivers a pushed envelope to a bound session.
type NewMessageFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	AuthTag   string `json:"authTag"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a malformed inbound frame without closing the session.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
