package protocol

import (
	"encoding/json"
	"errors"
)

// Error codes returned to clients inside an "error" envelope. None of
// these terminate the connection.
type ErrorCode string

const (
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodePremiumRequired     ErrorCode = "PREMIUM_REQUIRED"
	CodeCalibrationRequired ErrorCode = "CALIBRATION_REQUIRED"
	CodeSpectateNotAllowed  ErrorCode = "SPECTATE_NOT_ALLOWED"
	CodeUserOffline         ErrorCode = "USER_OFFLINE"
	CodeAlreadyStarted      ErrorCode = "ALREADY_STARTED"
	CodeFull                ErrorCode = "FULL"
	CodeInvalidCode         ErrorCode = "INVALID_CODE"
	CodeExpired             ErrorCode = "EXPIRED"
)

// MaxChatLen is the server-side cap on relayed chat text.
const MaxChatLen = 500

var ErrUnknownType = errors.New("unknown message type")
var ErrBadEnvelope = errors.New("malformed envelope")

// inbound is the raw wire shape; every client message is a JSON object
// with a "type" discriminator and a type-specific subset of the rest.
type inbound struct {
	Type               string          `json:"type"`
	RoomID             string          `json:"roomId,omitempty"`
	Message            string          `json:"message,omitempty"`
	Username           string          `json:"username,omitempty"`
	Email              string          `json:"email,omitempty"`
	AllowSpectate      *bool           `json:"allowSpectate,omitempty"`
	Mode               string          `json:"mode,omitempty"`
	Rules              string          `json:"rules,omitempty"`
	Legs               int             `json:"legs,omitempty"`
	StartingScore      int             `json:"startingScore,omitempty"`
	RequireCalibration bool            `json:"requireCalibration,omitempty"`
	Calibrated         bool            `json:"calibrated,omitempty"`
	OfferID            string          `json:"offerId,omitempty"`
	Accept             bool            `json:"accept,omitempty"`
	ToID               string          `json:"toId,omitempty"`
	ToEmail            string          `json:"toEmail,omitempty"`
	Code               string          `json:"code,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// Command is the decoded form of an inbound envelope. The set of
// implementations is closed; dispatch over it is an exhaustive type
// switch with a single default for anything a client invents.
type Command interface{ isCommand() }

type JoinRoom struct{ RoomID string }

type Spectate struct{ RoomID string }

// RelayState carries an opaque game-state payload for the sender's room.
type RelayState struct{ Payload json.RawMessage }

type Chat struct{ Message string }

type Identify struct {
	Username      string
	Email         string
	AllowSpectate bool
}

type CreateMatch struct {
	Mode               string
	Rules              string // "best-of" | "first-to"
	Legs               int
	StartingScore      int
	RequireCalibration bool
}

type JoinMatch struct {
	OfferID    string
	Calibrated bool
}

type InviteResponse struct {
	OfferID string
	Accept  bool
	ToID    string
}

type CancelMatch struct{ OfferID string }

type StartFriendMatch struct {
	ToEmail string
	Match   CreateMatch
}

type CamCreate struct{}

type CamJoin struct{ Code string }

// SignalKind distinguishes the three WebRTC relay message types.
type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalICE    SignalKind = "ice"
)

type CamSignal struct {
	Code    string
	Kind    SignalKind
	Payload json.RawMessage
}

type ListMatches struct{}

type ListTournaments struct{}

func (JoinRoom) isCommand()         {}
func (Spectate) isCommand()         {}
func (RelayState) isCommand()       {}
func (Chat) isCommand()             {}
func (Identify) isCommand()         {}
func (CreateMatch) isCommand()      {}
func (JoinMatch) isCommand()        {}
func (InviteResponse) isCommand()   {}
func (CancelMatch) isCommand()      {}
func (StartFriendMatch) isCommand() {}
func (CamCreate) isCommand()        {}
func (CamJoin) isCommand()          {}
func (CamSignal) isCommand()        {}
func (ListMatches) isCommand()      {}
func (ListTournaments) isCommand()  {}

// Decode parses a raw frame into a Command. Malformed JSON and unknown
// types come back as errors the caller drops silently; probing clients
// get no oracle.
func Decode(data []byte) (Command, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, ErrBadEnvelope
	}

	switch in.Type {
	case "join":
		if in.RoomID == "" {
			return nil, ErrBadEnvelope
		}
		return JoinRoom{RoomID: in.RoomID}, nil
	case "spectate":
		if in.RoomID == "" {
			return nil, ErrBadEnvelope
		}
		return Spectate{RoomID: in.RoomID}, nil
	case "state":
		return RelayState{Payload: in.Payload}, nil
	case "chat":
		return Chat{Message: TruncateChat(in.Message)}, nil
	case "presence":
		if in.Email == "" {
			return nil, ErrBadEnvelope
		}
		allow := true
		if in.AllowSpectate != nil {
			allow = *in.AllowSpectate
		}
		return Identify{Username: in.Username, Email: in.Email, AllowSpectate: allow}, nil
	case "create-match":
		return CreateMatch{
			Mode:               in.Mode,
			Rules:              in.Rules,
			Legs:               in.Legs,
			StartingScore:      in.StartingScore,
			RequireCalibration: in.RequireCalibration,
		}, nil
	case "join-match":
		if in.OfferID == "" {
			return nil, ErrBadEnvelope
		}
		return JoinMatch{OfferID: in.OfferID, Calibrated: in.Calibrated}, nil
	case "invite-response":
		if in.OfferID == "" {
			return nil, ErrBadEnvelope
		}
		return InviteResponse{OfferID: in.OfferID, Accept: in.Accept, ToID: in.ToID}, nil
	case "cancel-match":
		if in.OfferID == "" {
			return nil, ErrBadEnvelope
		}
		return CancelMatch{OfferID: in.OfferID}, nil
	case "start-friend-match":
		if in.ToEmail == "" {
			return nil, ErrBadEnvelope
		}
		return StartFriendMatch{
			ToEmail: in.ToEmail,
			Match: CreateMatch{
				Mode:               in.Mode,
				Rules:              in.Rules,
				Legs:               in.Legs,
				StartingScore:      in.StartingScore,
				RequireCalibration: in.RequireCalibration,
			},
		}, nil
	case "cam-create":
		return CamCreate{}, nil
	case "cam-join":
		if in.Code == "" {
			return nil, ErrBadEnvelope
		}
		return CamJoin{Code: in.Code}, nil
	case "cam-offer":
		return camSignal(in, SignalOffer)
	case "cam-answer":
		return camSignal(in, SignalAnswer)
	case "cam-ice":
		return camSignal(in, SignalICE)
	case "list-matches":
		return ListMatches{}, nil
	case "list-tournaments":
		return ListTournaments{}, nil
	default:
		return nil, ErrUnknownType
	}
}

func camSignal(in inbound, kind SignalKind) (Command, error) {
	if in.Code == "" {
		return nil, ErrBadEnvelope
	}
	return CamSignal{Code: in.Code, Kind: kind, Payload: in.Payload}, nil
}

// TruncateChat caps relayed text at MaxChatLen without splitting a rune.
func TruncateChat(s string) string {
	if len(s) <= MaxChatLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= MaxChatLen {
		return s
	}
	return string(runes[:MaxChatLen])
}
