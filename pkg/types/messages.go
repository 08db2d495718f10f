package types

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

// Codec is the JSON configuration shared by every wire encoder in the module.
var Codec = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrUnknownKind = errors.New("types: unknown message type")
var ErrMalformed = errors.New("types: malformed message")

type Kind string

const (
	KindJoin              Kind = "join"
	KindSync              Kind = "sync"
	KindLeaderAction      Kind = "leader_action"
	KindParticipants      Kind = "participants"
	KindParticipantStatus Kind = "participant_status"
)

// Header is the envelope part every message carries on the wire:
//
//	{ "type": "...", "timestamp": 1700000000000, "seq": 3, ...kind fields }
//
// Timestamp is the sender's send time in Unix milliseconds. Seq is stamped by the
// server on relayed leader messages and is omitted everywhere else.
type Header struct {
	Type      Kind   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Seq       uint64 `json:"seq,omitempty"`
}

// Message is the closed set of protocol messages. Only the variants in this
// file implement it.
type Message interface {
	Kind() Kind
	Meta() Header
	// WithMeta returns a copy carrying h. The type tag is always forced to Kind().
	WithMeta(h Header) Message
	isMessage()
}

// Client -> Server. First message on every connection.
type Join struct {
	Header
	Participant Participant `json:"participant"`
	Leader      bool        `json:"leader"`
}

// Leader -> Server -> Followers. Full state to apply.
type Sync struct {
	Header
	Payload json.RawMessage `json:"payload"`
}

// Leader -> Server -> Followers. A single leader action (page turn, highlight, ...).
type LeaderAction struct {
	Header
	Payload json.RawMessage `json:"payload"`
}

// Server -> Clients. Authoritative roster snapshot.
type Participants struct {
	Header
	Participants []Participant `json:"participants"`
}

// Any participant -> Server -> Others. Presence signal.
type ParticipantStatus struct {
	Header
	ParticipantID string `json:"participant_id"`
	Status        Status `json:"status"`
}

func (Join) Kind() Kind              { return KindJoin }
func (Sync) Kind() Kind              { return KindSync }
func (LeaderAction) Kind() Kind      { return KindLeaderAction }
func (Participants) Kind() Kind      { return KindParticipants }
func (ParticipantStatus) Kind() Kind { return KindParticipantStatus }

func (m Join) Meta() Header              { return m.Header }
func (m Sync) Meta() Header              { return m.Header }
func (m LeaderAction) Meta() Header      { return m.Header }
func (m Participants) Meta() Header      { return m.Header }
func (m ParticipantStatus) Meta() Header { return m.Header }

func (m Join) WithMeta(h Header) Message {
	h.Type = KindJoin
	m.Header = h
	return m
}

func (m Sync) WithMeta(h Header) Message {
	h.Type = KindSync
	m.Header = h
	return m
}

func (m LeaderAction) WithMeta(h Header) Message {
	h.Type = KindLeaderAction
	m.Header = h
	return m
}

func (m Participants) WithMeta(h Header) Message {
	h.Type = KindParticipants
	m.Header = h
	return m
}

func (m ParticipantStatus) WithMeta(h Header) Message {
	h.Type = KindParticipantStatus
	m.Header = h
	return m
}

func (Join) isMessage()              {}
func (Sync) isMessage()              {}
func (LeaderAction) isMessage()      {}
func (Participants) isMessage()      {}
func (ParticipantStatus) isMessage() {}

// Encode writes msg as a single JSON frame. The header type tag is filled in
// from the variant so callers never set it by hand.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.Wrap(ErrMalformed, "encode nil message")
	}
	msg = msg.WithMeta(msg.Meta())
	data, err := Codec.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", msg.Kind())
	}
	return data, nil
}

// Decode parses a frame produced by Encode (or any peer speaking the same envelope).
func Decode(data []byte) (Message, error) {
	var h Header
	if err := Codec.Unmarshal(data, &h); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode header"), ErrMalformed)
	}

	switch h.Type {
	case KindJoin:
		var m Join
		if err := Codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", h.Type), ErrMalformed)
		}
		if err := ValidateParticipant(m.Participant); err != nil {
			return nil, err
		}
		return m, nil

	case KindSync:
		var m Sync
		if err := Codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", h.Type), ErrMalformed)
		}
		return m, nil

	case KindLeaderAction:
		var m LeaderAction
		if err := Codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", h.Type), ErrMalformed)
		}
		return m, nil

	case KindParticipants:
		var m Participants
		if err := Codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", h.Type), ErrMalformed)
		}
		if m.Participants == nil {
			m.Participants = []Participant{}
		}
		return m, nil

	case KindParticipantStatus:
		var m ParticipantStatus
		if err := Codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", h.Type), ErrMalformed)
		}
		return m, nil

	case "":
		return nil, errors.Wrap(ErrMalformed, "missing type")

	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", h.Type)
	}
}

// MarshalPayload turns an arbitrary value into a sync/leader_action payload.
// Raw JSON is passed through untouched.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := Codec.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return data, nil
}
