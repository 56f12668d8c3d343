// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSetFingerprint     = "set_fingerprint"
	TypeSetNickname        = "set_nickname"
	TypeRejoin             = "rejoin"
	TypeGenerateDeviceCode = "generate_device_code"
	TypeMessage            = "message"
	TypeBanUser            = "ban_user"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeOnlineCount         = "online_count"
	TypeSessionValid        = "session_valid"
	TypeInvalidSession      = "invalid_session"
	TypeBanned              = "banned"
	TypeNicknameAccepted    = "nickname_accepted"
	TypeMessageHistory      = "message_history"
	TypeUserJoined          = "user_joined"
	TypeUserLeft            = "user_left"
	TypeMessageDeleted      = "message_deleted"
	TypeDeviceCodeGenerated = "device_code_generated"
	TypeDeviceCodeDeleted   = "device_code_deleted"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload fragments
// ---------------------------------------------------------------------------

// UserPayload describes a registered identity as exposed to clients. Session
// tokens deliberately never travel inside this fragment; they appear only in
// the top-level fields of the login acknowledgements.
type UserPayload struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	AvatarHue int    `json:"avatar_hue"`
	IsAdmin   bool   `json:"is_admin"`
}

// MessagePayload is one chat message as delivered to clients, both in live
// broadcasts and in the history replay.
type MessagePayload struct {
	ID        string `json:"id"`
	AuthorID  string `json:"author_id"`
	Nickname  string `json:"nickname"`
	AvatarHue int    `json:"avatar_hue"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetFingerprintMsg is sent by the client to associate a browser fingerprint
// hash with the current connection for ban enforcement.
type SetFingerprintMsg struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
}

// SetNicknameMsg is sent by the client to register a nickname. Input shaped
// like a device code is first tried as a cross-device login code.
type SetNicknameMsg struct {
	Type     string `json:"type"`
	Nickname string `json:"nickname"`
}

// RejoinMsg is sent by the client to resume an existing identity with a
// previously issued session token.
type RejoinMsg struct {
	Type         string `json:"type"`
	SessionToken string `json:"session_token"`
}

// GenerateDeviceCodeMsg asks the relay for a short code that lets a second
// device assume the sender's identity.
type GenerateDeviceCodeMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client into the room.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BanUserMsg is sent by the admin to permanently ban an identity.
type BanUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// OnlineCountMsg carries the current size of the global connection set. It is
// broadcast to everyone on each connect and disconnect.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// SessionValidMsg is sent when a token presented via the session cookie
// resumed an identity during the handshake.
type SessionValidMsg struct {
	Type         string      `json:"type"`
	User         UserPayload `json:"user"`
	SessionToken string      `json:"session_token"`
	DeviceCode   string      `json:"device_code,omitempty"`
}

// InvalidSessionMsg tells the client the token it presented is no longer
// valid and should be discarded.
type InvalidSessionMsg struct {
	Type string `json:"type"`
}

// BannedMsg is sent to a connection immediately before it is force-closed
// because its identity, IP or fingerprint is banned.
type BannedMsg struct {
	Type string `json:"type"`
}

// NicknameAcceptedMsg acknowledges a successful login: a fresh registration,
// an explicit rejoin, or a device-code login.
type NicknameAcceptedMsg struct {
	Type          string      `json:"type"`
	User          UserPayload `json:"user"`
	DeviceCode    string      `json:"device_code,omitempty"`
	SessionToken  string      `json:"session_token"`
	IsAdmin       bool        `json:"is_admin"`
	IsRejoin      bool        `json:"is_rejoin,omitempty"`
	IsDeviceLogin bool        `json:"is_device_login,omitempty"`
}

// MessageHistoryMsg replays the retained message log to a connection that
// just became attributed.
type MessageHistoryMsg struct {
	Type     string           `json:"type"`
	Messages []MessagePayload `json:"messages"`
}

// UserJoinedMsg announces that an identity's first live connection appeared.
type UserJoinedMsg struct {
	Type        string `json:"type"`
	Nickname    string `json:"nickname"`
	OnlineCount int    `json:"online_count"`
}

// UserLeftMsg announces that an identity's last live connection went away.
// Banned marks departures caused by a ban.
type UserLeftMsg struct {
	Type        string `json:"type"`
	Nickname    string `json:"nickname"`
	OnlineCount int    `json:"online_count"`
	Banned      bool   `json:"banned,omitempty"`
}

// MessageDeletedMsg tells clients to drop a single message from display.
type MessageDeletedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DeviceCodeGeneratedMsg returns a freshly generated device code to the
// requesting connection.
type DeviceCodeGeneratedMsg struct {
	Type       string `json:"type"`
	DeviceCode string `json:"device_code"`
}

// DeviceCodeDeletedMsg informs an identity's connections that its pending
// device code is gone.
type DeviceCodeDeletedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetFingerprint:
		var m SetFingerprintMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetNickname:
		var m SetNicknameMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRejoin:
		var m RejoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGenerateDeviceCode:
		var m GenerateDeviceCodeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBanUser:
		var m BanUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
