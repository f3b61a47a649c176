package rooms

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// AnonymousUsername is shown for connections that never set a name.
	AnonymousUsername = "Anonymous"

	MaxUsernameRunes = 20
	MaxRoomIDBytes   = 64
)

var (
	ErrConnectionExists   = errors.New("connection already registered")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrInvalidRoomID      = errors.New("invalid room id")
	ErrInvalidUsername    = errors.New("invalid username")
)

// Connection is a snapshot of one transport connection's registry record.
type Connection struct {
	ID     string
	UserID string

	Username string
	// UsernameSet reports whether a name was ever provided, either explicitly
	// or by joining a room. Global chat requires it.
	UsernameSet bool

	RoomID string
}

func (c Connection) DisplayName() string {
	if c.Username == "" {
		return AnonymousUsername
	}
	return c.Username
}

type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type RoomSummary struct {
	RoomID      string `json:"id"`
	MemberCount int    `json:"memberCount"`
}

// Departure describes a connection leaving a room. Remaining lists the
// members still in the room, in join order; it is empty when the room was
// deleted.
type Departure struct {
	ConnectionID string
	Username     string
	RoomID       string
	Remaining    []string
	RoomDeleted  bool
}

type JoinResult struct {
	// Left is set when joining implicitly left a previous room.
	Left *Departure
	// Members are the room's prior members, excluding the joiner.
	Members []Member
}

type room struct {
	id      string
	members []string
}

func (r *room) remove(connID string) bool {
	for i, id := range r.members {
		if id == connID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}

// Registry owns connection records, room membership and usernames.
//
// A Registry is not safe for concurrent use. The signaling hub serializes all
// access on its dispatcher goroutine.
type Registry struct {
	conns     map[string]*Connection
	connOrder []string

	rooms     map[string]*room
	roomOrder []string
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]*room),
	}
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// Connect registers a new connection. username may be empty.
func (r *Registry) Connect(id, userID, username string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrConnectionNotFound)
	}
	if _, ok := r.conns[id]; ok {
		return ErrConnectionExists
	}
	c := &Connection{ID: id, UserID: userID}
	if name := normalizeUsername(username); name != "" {
		c.Username = name
		c.UsernameSet = true
	}
	r.conns[id] = c
	r.connOrder = append(r.connOrder, id)
	return nil
}

// Disconnect leaves the connection's current room (if any) and forgets the
// connection. The returned departure is valid when ok is true.
func (r *Registry) Disconnect(id string) (dep Departure, ok bool) {
	c, exists := r.conns[id]
	if !exists {
		return Departure{}, false
	}
	if c.RoomID != "" {
		dep, ok = r.leave(c, c.RoomID)
	}
	delete(r.conns, id)
	for i, cid := range r.connOrder {
		if cid == id {
			r.connOrder = append(r.connOrder[:i], r.connOrder[i+1:]...)
			break
		}
	}
	return dep, ok
}

func (r *Registry) Connection(id string) (Connection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// ConnectionIDs returns every registered connection in connect order.
func (r *Registry) ConnectionIDs() []string {
	return append([]string(nil), r.connOrder...)
}

func (r *Registry) SetUsername(id, username string) (string, error) {
	c, ok := r.conns[id]
	if !ok {
		return "", ErrConnectionNotFound
	}
	name := normalizeUsername(username)
	if name == "" {
		return "", ErrInvalidUsername
	}
	c.Username = name
	c.UsernameSet = true
	return name, nil
}

// Join moves the connection into roomID, leaving any previous room first.
// The join names the connection; an empty username makes it anonymous.
func (r *Registry) Join(id, roomID, username string) (JoinResult, error) {
	c, ok := r.conns[id]
	if !ok {
		return JoinResult{}, ErrConnectionNotFound
	}
	roomID, err := NormalizeRoomID(roomID)
	if err != nil {
		return JoinResult{}, err
	}

	var res JoinResult
	if c.RoomID != "" {
		if dep, left := r.leave(c, c.RoomID); left {
			res.Left = &dep
		}
	}

	c.Username = normalizeUsername(username)
	if c.Username == "" {
		c.Username = AnonymousUsername
	}
	c.UsernameSet = true

	rm, exists := r.rooms[roomID]
	if !exists {
		rm = &room{id: roomID}
		r.rooms[roomID] = rm
		r.roomOrder = append(r.roomOrder, roomID)
	}

	res.Members = make([]Member, 0, len(rm.members))
	for _, mid := range rm.members {
		m := r.conns[mid]
		res.Members = append(res.Members, Member{ID: mid, Username: m.DisplayName()})
	}

	rm.members = append(rm.members, id)
	c.RoomID = roomID
	return res, nil
}

// Leave removes the connection from roomID. Leaving a room the connection is
// not in is a no-op. An empty roomID means the connection's current room.
func (r *Registry) Leave(id, roomID string) (Departure, bool) {
	c, ok := r.conns[id]
	if !ok || c.RoomID == "" {
		return Departure{}, false
	}
	if roomID != "" && roomID != c.RoomID {
		return Departure{}, false
	}
	return r.leave(c, c.RoomID)
}

func (r *Registry) leave(c *Connection, roomID string) (Departure, bool) {
	rm, ok := r.rooms[roomID]
	c.RoomID = ""
	if !ok || !rm.remove(c.ID) {
		return Departure{}, false
	}

	dep := Departure{
		ConnectionID: c.ID,
		Username:     c.DisplayName(),
		RoomID:       roomID,
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		for i, id := range r.roomOrder {
			if id == roomID {
				r.roomOrder = append(r.roomOrder[:i], r.roomOrder[i+1:]...)
				break
			}
		}
		dep.RoomDeleted = true
		return dep, true
	}
	dep.Remaining = append([]string(nil), rm.members...)
	return dep, true
}

// Members returns the connection ids in roomID in join order.
func (r *Registry) Members(roomID string) []string {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), rm.members...)
}

// ListRooms returns a snapshot of non-empty rooms in creation order.
func (r *Registry) ListRooms() []RoomSummary {
	out := make([]RoomSummary, 0, len(r.roomOrder))
	for _, id := range r.roomOrder {
		out = append(out, RoomSummary{RoomID: id, MemberCount: len(r.rooms[id].members)})
	}
	return out
}

// NormalizeRoomID enforces the room id bounds. Ids are compared byte for
// byte, so surrounding whitespace is rejected rather than trimmed.
func NormalizeRoomID(roomID string) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if roomID != strings.TrimSpace(roomID) {
		return "", fmt.Errorf("%w: surrounding whitespace", ErrInvalidRoomID)
	}
	if len(roomID) > MaxRoomIDBytes {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidRoomID, MaxRoomIDBytes)
	}
	return roomID, nil
}

func normalizeUsername(username string) string {
	return TruncateRunes(strings.TrimSpace(username), MaxUsernameRunes)
}

// TruncateRunes returns at most n runes of s.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
