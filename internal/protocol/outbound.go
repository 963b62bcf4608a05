package protocol

import "encoding/json"

// Outbound envelopes. Each helper returns the marshalled frame; the
// shapes here only ever contain server-built data, so marshalling
// cannot fail and the helpers swallow the impossible error.

type outbound struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	ConnID  string          `json:"connId,omitempty"`
	FromID  string          `json:"fromId,omitempty"`
	From    string          `json:"from,omitempty"`
	Message string          `json:"message,omitempty"`
	OfferID string          `json:"offerId,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
	CamCode string          `json:"camCode,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    any             `json:"data,omitempty"`
}

func marshal(o outbound) []byte {
	b, _ := json.Marshal(o)
	return b
}

// Joined confirms a room join to the joining connection.
func Joined(roomID, connID string) []byte {
	return marshal(outbound{Type: "joined", RoomID: roomID, ConnID: connID})
}

// PeerJoined tells existing room members a new connection arrived.
func PeerJoined(roomID, connID, name string) []byte {
	return marshal(outbound{Type: "peer-joined", RoomID: roomID, ConnID: connID, From: name})
}

// PeerLeft tells remaining room members a connection left.
func PeerLeft(roomID, connID string) []byte {
	return marshal(outbound{Type: "peer-left", RoomID: roomID, ConnID: connID})
}

// State relays an opaque game-state payload.
func State(fromID string, payload json.RawMessage) []byte {
	return marshal(outbound{Type: "state", FromID: fromID, Payload: payload})
}

// ChatMessage relays filtered chat text.
func ChatMessage(fromID, fromName, text string) []byte {
	return marshal(outbound{Type: "chat", FromID: fromID, From: fromName, Message: text})
}

// PresenceUpdate pushes a presence record change.
func PresenceUpdate(record any) []byte {
	return marshal(outbound{Type: "presence", Data: record})
}

// Matches carries the full open-offers list.
func Matches(offers any) []byte {
	return marshal(outbound{Type: "matches", Data: offers})
}

// Tournaments carries the full tournaments snapshot.
func Tournaments(list any) []byte {
	return marshal(outbound{Type: "tournaments", Data: list})
}

// Invite is the directed envelope delivered to an offer's creator when
// someone asks to join.
func Invite(offerID, fromID, fromName string) []byte {
	return marshal(outbound{Type: "invite", OfferID: offerID, FromID: fromID, From: fromName})
}

// MatchStart instructs a participant to join the match room.
func MatchStart(roomID, offerID string) []byte {
	return marshal(outbound{Type: "match-start", RoomID: roomID, OfferID: offerID})
}

// Declined tells a requester the creator turned the invite down.
func Declined(offerID string) []byte {
	return marshal(outbound{Type: "declined", OfferID: offerID})
}

// ErrorEnvelope reports a recoverable failure to the originating
// connection.
func ErrorEnvelope(code ErrorCode, msg string) []byte {
	return marshal(outbound{Type: "error", Code: code, Message: msg})
}

// CamCode returns a fresh pairing code to the host.
func CamCode(code string) []byte {
	return marshal(outbound{Type: "cam-code", CamCode: code})
}

// CamJoined confirms pairing to the joiner.
func CamJoined(code string) []byte {
	return marshal(outbound{Type: "cam-joined", CamCode: code})
}

// CamPeerJoined tells the host a joiner arrived.
func CamPeerJoined(code string) []byte {
	return marshal(outbound{Type: "cam-peer-joined", CamCode: code})
}

// CamSignalEnvelope relays an offer/answer/ICE payload to the other peer.
func CamSignalEnvelope(kind SignalKind, code string, payload json.RawMessage) []byte {
	return marshal(outbound{Type: "cam-" + string(kind), CamCode: code, Payload: payload})
}

// TournamentReminder is broadcast once when a tournament enters its
// check-in window.
func TournamentReminder(t any) []byte {
	return marshal(outbound{Type: "tournament-reminder", Data: t})
}

// TournamentStart is broadcast when a tournament transitions to running.
func TournamentStart(t any) []byte {
	return marshal(outbound{Type: "tournament-start", Data: t})
}
