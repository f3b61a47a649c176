package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type MessageType string

const (
	TypeJoinRoom      MessageType = "join-room"
	TypeLeaveRoom     MessageType = "leave-room"
	TypeOffer         MessageType = "offer"
	TypeAnswer        MessageType = "answer"
	TypeICECandidate  MessageType = "ice-candidate"
	TypeChatMessage   MessageType = "chat-message"
	TypeGlobalMessage MessageType = "global-message"
	TypeSetUsername   MessageType = "set-username"
	TypePingCheck     MessageType = "ping-check"

	TypeWelcome     MessageType = "welcome"
	TypeRoomPeers   MessageType = "room-peers"
	TypeUserJoined  MessageType = "user-joined"
	TypeUserLeft    MessageType = "user-left"
	TypeRoomsUpdate MessageType = "rooms-update"
	TypePingAck     MessageType = "ping-ack"
	TypeError       MessageType = "error"
)

const MaxTextRunes = 500

// ErrInvalidMessage wraps every client frame decoding failure.
var ErrInvalidMessage = errors.New("invalid message")

// ClientMessage is the closed set of frames a client may send.
type ClientMessage interface {
	clientMessage()
	Type() MessageType
}

type JoinRoom struct {
	RoomID   string
	Username string
}

type LeaveRoom struct {
	RoomID string
}

// Signal is a targeted negotiation frame (offer, answer or ice-candidate).
// Payload is forwarded verbatim and never interpreted by the relay.
type Signal struct {
	Kind    MessageType
	To      string
	Payload json.RawMessage
}

type ChatText struct {
	Global bool
	Text   string
}

type SetUsername struct {
	Username string
}

type PingCheck struct {
	Seq uint64
}

func (JoinRoom) clientMessage()    {}
func (LeaveRoom) clientMessage()   {}
func (Signal) clientMessage()      {}
func (ChatText) clientMessage()    {}
func (SetUsername) clientMessage() {}
func (PingCheck) clientMessage()   {}

func (JoinRoom) Type() MessageType    { return TypeJoinRoom }
func (LeaveRoom) Type() MessageType   { return TypeLeaveRoom }
func (m Signal) Type() MessageType    { return m.Kind }
func (SetUsername) Type() MessageType { return TypeSetUsername }
func (PingCheck) Type() MessageType   { return TypePingCheck }
func (m ChatText) Type() MessageType {
	if m.Global {
		return TypeGlobalMessage
	}
	return TypeChatMessage
}

// clientFrame is the on-the-wire shape of every client frame.
type clientFrame struct {
	Type     MessageType     `json:"type"`
	RoomID   *string         `json:"roomId,omitempty"`
	Username *string         `json:"username,omitempty"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Text     *string         `json:"text,omitempty"`
	Seq      *uint64         `json:"seq,omitempty"`
}

// ParseClientMessage strictly decodes a single client frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f clientFrame
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}

	msg, err := f.toMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func (f clientFrame) toMessage() (ClientMessage, error) {
	switch f.Type {
	case TypeJoinRoom:
		if f.RoomID == nil {
			return nil, fmt.Errorf("%s missing roomId", f.Type)
		}
		if f.To != "" || f.Payload != nil || f.Text != nil || f.Seq != nil {
			return nil, fmt.Errorf("%s has unexpected fields", f.Type)
		}
		return JoinRoom{RoomID: *f.RoomID, Username: deref(f.Username)}, nil
	case TypeLeaveRoom:
		if f.Username != nil || f.To != "" || f.Payload != nil || f.Text != nil || f.Seq != nil {
			return nil, fmt.Errorf("%s has unexpected fields", f.Type)
		}
		return LeaveRoom{RoomID: deref(f.RoomID)}, nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if f.To == "" {
			return nil, fmt.Errorf("%s missing to", f.Type)
		}
		if len(f.Payload) == 0 || string(f.Payload) == "null" {
			return nil, fmt.Errorf("%s missing payload", f.Type)
		}
		if f.RoomID != nil || f.Username != nil || f.Text != nil || f.Seq != nil {
			return nil, fmt.Errorf("%s has unexpected fields", f.Type)
		}
		return Signal{Kind: f.Type, To: f.To, Payload: f.Payload}, nil
	case TypeChatMessage, TypeGlobalMessage:
		if f.Text == nil {
			return nil, fmt.Errorf("%s missing text", f.Type)
		}
		if f.RoomID != nil || f.Username != nil || f.To != "" || f.Payload != nil || f.Seq != nil {
			return nil, fmt.Errorf("%s has unexpected fields", f.Type)
		}
		return ChatText{Global: f.Type == TypeGlobalMessage, Text: *f.Text}, nil
	case TypeSetUsername:
		if f.Username == nil {
			return nil, fmt.Errorf("%s missing username", f.Type)
		}
		if f.RoomID != nil || f.To != "" || f.Payload != nil || f.Text != nil || f.Seq != nil {
			return nil, fmt.Errorf("%s has unexpected fields", f.Type)
		}
		return SetUsername{Username: *f.Username}, nil
	case TypePingCheck:
		if f.RoomID != nil || f.Username != nil || f.To != "" || f.Payload != nil || f.Text != nil {
			return nil, fmt.Errorf("%s has unexpected fields", f.Type)
		}
		return PingCheck{Seq: deref(f.Seq)}, nil
	case "":
		return nil, errors.New("missing type")
	default:
		return nil, fmt.Errorf("unsupported message type %q", f.Type)
	}
}

// MarshalClientMessage encodes msg in its wire shape.
func MarshalClientMessage(msg ClientMessage) ([]byte, error) {
	f := clientFrame{Type: msg.Type()}
	switch m := msg.(type) {
	case JoinRoom:
		f.RoomID, f.Username = &m.RoomID, &m.Username
	case LeaveRoom:
		if m.RoomID != "" {
			f.RoomID = &m.RoomID
		}
	case Signal:
		f.To, f.Payload = m.To, m.Payload
	case ChatText:
		f.Text = &m.Text
	case SetUsername:
		f.Username = &m.Username
	case PingCheck:
		f.Seq = &m.Seq
	default:
		return nil, fmt.Errorf("unsupported client message %T", msg)
	}
	return json.Marshal(f)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
