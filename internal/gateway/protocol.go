// Package gateway terminates WebSocket connections and runs the message
// dispatch loop: inbound messages and timer ticks are processed one at a
// time by a single owning goroutine, so registry state needs no locking.
package gateway

import (
	"encoding/json"
	"time"
)

// Inbound message kinds.
const (
	TypeRegisterCoach   = "register_coach"
	TypeHealthUpdate    = "health_update"
	TypeSubscribeClient = "subscribe_client"
	TypePing            = "ping"
)

// Outbound message kinds (alert/update/heartbeat envelopes are owned by
// the broadcast package).
const (
	TypeConnected        = "connected"
	TypeCoachRegistered  = "coach_registered"
	TypeClientSubscribed = "client_subscribed"
	TypePong             = "pong"
	TypeError            = "error"
)

// Inbound is the tagged wire structure for every client→gateway message.
type Inbound struct {
	Type     string         `json:"type"`
	CoachID  string         `json:"coachId,omitempty"`
	ClientID string         `json:"clientId,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

// ConnectedMsg is sent once when a connection is accepted.
type ConnectedMsg struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CoachRegisteredMsg confirms observer registration.
type CoachRegisteredMsg struct {
	Type      string    `json:"type"`
	CoachID   string    `json:"coachId"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientSubscribedMsg confirms a subscription.
type ClientSubscribedMsg struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMsg reports a protocol error to the sender; the connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// encode marshals an outbound message. The message types above cannot fail
// to marshal; a nil return only happens on programmer error and is dropped
// by the caller.
func encode(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
