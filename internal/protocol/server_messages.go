package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ServerMessage is the closed set of frames the server sends.
type ServerMessage interface {
	serverMessage()
	Type() MessageType
}

type Peer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type RoomInfo struct {
	ID          string `json:"id"`
	MemberCount int    `json:"memberCount"`
}

type ChatMessage struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	Username    string `json:"username"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestampMs"`
}

type Welcome struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type RoomPeers struct {
	RoomID string `json:"roomId"`
	Peers  []Peer `json:"peers"`
}

type UserJoined Peer

type UserLeft Peer

// Relayed is a negotiation frame forwarded from another connection.
type Relayed struct {
	Kind    MessageType     `json:"-"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type Chat struct {
	Global  bool        `json:"-"`
	Message ChatMessage `json:"message"`
}

type RoomsUpdate struct {
	Rooms []RoomInfo `json:"rooms"`
}

type PingAck struct {
	Seq uint64 `json:"seq"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Welcome) serverMessage()     {}
func (RoomPeers) serverMessage()   {}
func (UserJoined) serverMessage()  {}
func (UserLeft) serverMessage()    {}
func (Relayed) serverMessage()     {}
func (Chat) serverMessage()        {}
func (RoomsUpdate) serverMessage() {}
func (PingAck) serverMessage()     {}
func (Error) serverMessage()       {}

func (Welcome) Type() MessageType     { return TypeWelcome }
func (RoomPeers) Type() MessageType   { return TypeRoomPeers }
func (UserJoined) Type() MessageType  { return TypeUserJoined }
func (UserLeft) Type() MessageType    { return TypeUserLeft }
func (m Relayed) Type() MessageType   { return m.Kind }
func (RoomsUpdate) Type() MessageType { return TypeRoomsUpdate }
func (PingAck) Type() MessageType     { return TypePingAck }
func (Error) Type() MessageType       { return TypeError }
func (m Chat) Type() MessageType {
	if m.Global {
		return TypeGlobalMessage
	}
	return TypeChatMessage
}

// MarshalServerMessage encodes msg as a flat JSON object with a leading
// "type" field.
func MarshalServerMessage(msg ServerMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

type serverFrame struct {
	Type     MessageType     `json:"type"`
	ID       string          `json:"id"`
	Username string          `json:"username"`
	RoomID   string          `json:"roomId"`
	Peers    []Peer          `json:"peers"`
	From     string          `json:"from"`
	Payload  json.RawMessage `json:"payload"`
	Message  *ChatMessage    `json:"message"`
	Rooms    []RoomInfo      `json:"rooms"`
	Seq      uint64          `json:"seq"`
}

// ParseServerMessage decodes a server frame. Unknown fields are tolerated so
// older clients keep working against newer servers.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	// Error frames reuse "message" as a string, so they decode separately.
	if head.Type == TypeError {
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return e, nil
	}

	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch f.Type {
	case TypeWelcome:
		return Welcome{ID: f.ID, Username: f.Username}, nil
	case TypeRoomPeers:
		return RoomPeers{RoomID: f.RoomID, Peers: f.Peers}, nil
	case TypeUserJoined:
		return UserJoined{ID: f.ID, Username: f.Username}, nil
	case TypeUserLeft:
		return UserLeft{ID: f.ID, Username: f.Username}, nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return Relayed{Kind: f.Type, From: f.From, Payload: f.Payload}, nil
	case TypeChatMessage, TypeGlobalMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("%w: %s missing message", ErrInvalidMessage, f.Type)
		}
		return Chat{Global: f.Type == TypeGlobalMessage, Message: *f.Message}, nil
	case TypeRoomsUpdate:
		return RoomsUpdate{Rooms: f.Rooms}, nil
	case TypePingAck:
		return PingAck{Seq: f.Seq}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, f.Type)
	}
}
