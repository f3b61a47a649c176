package rooms

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"strings"
	"testing"
)

func mustConnect(t *testing.T, r *Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := r.Connect(id, "", ""); err != nil {
			t.Fatalf("Connect(%q): %v", id, err)
		}
	}
}

func TestJoin_ReturnsPriorMembersInJoinOrder(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a", "b", "c")

	res, err := r.Join("a", "R", "alice")
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	if len(res.Members) != 0 {
		t.Fatalf("members=%v, want empty", res.Members)
	}

	res, err = r.Join("b", "R", "bob")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	want := []Member{{ID: "a", Username: "alice"}}
	if !reflect.DeepEqual(res.Members, want) {
		t.Fatalf("members=%v, want %v", res.Members, want)
	}

	res, err = r.Join("c", "R", "")
	if err != nil {
		t.Fatalf("join c: %v", err)
	}
	want = []Member{{ID: "a", Username: "alice"}, {ID: "b", Username: "bob"}}
	if !reflect.DeepEqual(res.Members, want) {
		t.Fatalf("members=%v, want %v", res.Members, want)
	}

	c, _ := r.Connection("c")
	if c.Username != AnonymousUsername {
		t.Fatalf("username=%q, want %q", c.Username, AnonymousUsername)
	}
}

func TestJoin_EmptyUsernameResetsToAnonymous(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a", "b")
	if _, err := r.Join("a", "R", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("a", "S", "  "); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if c, _ := r.Connection("a"); c.Username != AnonymousUsername {
		t.Fatalf("username=%q, want %q", c.Username, AnonymousUsername)
	}

	res, err := r.Join("b", "S", "bob")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if want := []Member{{ID: "a", Username: AnonymousUsername}}; !reflect.DeepEqual(res.Members, want) {
		t.Fatalf("members=%v, want %v", res.Members, want)
	}
}

func TestJoin_SwapsRoomsAtomically(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a", "b", "c")
	for _, step := range []struct{ id, room string }{{"a", "A"}, {"b", "A"}, {"c", "B"}} {
		if _, err := r.Join(step.id, step.room, step.id); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	res, err := r.Join("b", "B", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Left == nil {
		t.Fatalf("expected departure from room A")
	}
	if res.Left.RoomID != "A" || !reflect.DeepEqual(res.Left.Remaining, []string{"a"}) {
		t.Fatalf("left=%+v, want room A with remaining [a]", *res.Left)
	}
	if !reflect.DeepEqual(res.Members, []Member{{ID: "c", Username: "c"}}) {
		t.Fatalf("members=%v", res.Members)
	}
	if got := r.Members("A"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("A members=%v, want [a]", got)
	}
	if got := r.Members("B"); !reflect.DeepEqual(got, []string{"c", "b"}) {
		t.Fatalf("B members=%v, want [c b]", got)
	}
}

func TestLeave_DeletesEmptyRoomEagerly(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a")
	if _, err := r.Join("a", "R", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	dep, ok := r.Leave("a", "R")
	if !ok {
		t.Fatalf("expected leave to succeed")
	}
	if !dep.RoomDeleted || len(dep.Remaining) != 0 {
		t.Fatalf("departure=%+v, want deleted room", dep)
	}
	if rooms := r.ListRooms(); len(rooms) != 0 {
		t.Fatalf("rooms=%v, want none", rooms)
	}
}

func TestLeave_IsIdempotent(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a", "b")
	if _, err := r.Join("a", "R", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("b", "R", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, ok := r.Leave("a", "other"); ok {
		t.Fatalf("leaving a room the connection is not in must be a no-op")
	}
	if _, ok := r.Leave("a", "R"); !ok {
		t.Fatalf("expected first leave to succeed")
	}
	if _, ok := r.Leave("a", "R"); ok {
		t.Fatalf("expected second leave to be a no-op")
	}
	if _, ok := r.Leave("missing", "R"); ok {
		t.Fatalf("expected leave for unknown connection to be a no-op")
	}
	if got := r.ListRooms(); !reflect.DeepEqual(got, []RoomSummary{{RoomID: "R", MemberCount: 1}}) {
		t.Fatalf("rooms=%v", got)
	}
}

func TestDisconnect_LeavesRoomAndForgetsConnection(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a", "b")
	if _, err := r.Join("a", "R", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("b", "R", "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	dep, ok := r.Disconnect("b")
	if !ok {
		t.Fatalf("expected a departure")
	}
	if dep.ConnectionID != "b" || dep.Username != "bob" || !reflect.DeepEqual(dep.Remaining, []string{"a"}) {
		t.Fatalf("departure=%+v", dep)
	}
	if _, ok := r.Connection("b"); ok {
		t.Fatalf("connection b still registered")
	}
	if got := r.ListRooms(); !reflect.DeepEqual(got, []RoomSummary{{RoomID: "R", MemberCount: 1}}) {
		t.Fatalf("rooms=%v, want [{R 1}]", got)
	}
	if _, ok := r.Disconnect("b"); ok {
		t.Fatalf("second disconnect must be a no-op")
	}
}

func TestListRooms_InsertionOrder(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a", "b", "c")
	_, _ = r.Join("a", "zeta", "")
	_, _ = r.Join("b", "alpha", "")
	_, _ = r.Join("c", "zeta", "")

	want := []RoomSummary{{RoomID: "zeta", MemberCount: 2}, {RoomID: "alpha", MemberCount: 1}}
	if got := r.ListRooms(); !reflect.DeepEqual(got, want) {
		t.Fatalf("rooms=%v, want %v", got, want)
	}
}

func TestJoin_Validation(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a")

	if _, err := r.Join("a", "   ", ""); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("err=%v, want ErrInvalidRoomID", err)
	}
	if _, err := r.Join("a", strings.Repeat("x", MaxRoomIDBytes+1), ""); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("err=%v, want ErrInvalidRoomID", err)
	}
	for _, id := range []string{" R", "R ", "\tR", "R\n"} {
		if _, err := r.Join("a", id, ""); !errors.Is(err, ErrInvalidRoomID) {
			t.Fatalf("Join(%q) err=%v, want ErrInvalidRoomID", id, err)
		}
	}
	if _, err := r.Join("missing", "R", ""); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("err=%v, want ErrConnectionNotFound", err)
	}
	if rooms := r.ListRooms(); len(rooms) != 0 {
		t.Fatalf("rejected joins must not mutate state, rooms=%v", rooms)
	}

	// Room ids are case-sensitive.
	mustConnect(t, r, "b")
	_, _ = r.Join("a", "Room", "")
	_, _ = r.Join("b", "room", "")
	if n := len(r.ListRooms()); n != 2 {
		t.Fatalf("rooms=%d, want 2", n)
	}
}

func TestSetUsername(t *testing.T) {
	r := NewRegistry()
	mustConnect(t, r, "a")

	c, _ := r.Connection("a")
	if c.UsernameSet || c.DisplayName() != AnonymousUsername {
		t.Fatalf("fresh connection=%+v, want unset anonymous", c)
	}

	name, err := r.SetUsername("a", "  "+strings.Repeat("é", 25)+" ")
	if err != nil {
		t.Fatalf("SetUsername: %v", err)
	}
	if want := strings.Repeat("é", MaxUsernameRunes); name != want {
		t.Fatalf("name=%q, want %q", name, want)
	}
	if _, err := r.SetUsername("a", " "); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("err=%v, want ErrInvalidUsername", err)
	}
	if err := r.Connect("a", "", ""); !errors.Is(err, ErrConnectionExists) {
		t.Fatalf("err=%v, want ErrConnectionExists", err)
	}
}

// TestRandomSequences checks the registry against a trivial model: a
// connection's room is whatever it last joined, minus leaves and disconnects.
func TestRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	roomIDs := []string{"R1", "R2", "R3"}

	for iter := 0; iter < 200; iter++ {
		r := NewRegistry()
		model := map[string]string{}
		connected := map[string]bool{}

		for step := 0; step < 60; step++ {
			id := fmt.Sprintf("c%d", rng.Intn(6))
			switch op := rng.Intn(4); {
			case !connected[id]:
				if err := r.Connect(id, "", ""); err != nil {
					t.Fatalf("connect: %v", err)
				}
				connected[id] = true
			case op == 0:
				roomID := roomIDs[rng.Intn(len(roomIDs))]
				if _, err := r.Join(id, roomID, id); err != nil {
					t.Fatalf("join: %v", err)
				}
				model[id] = roomID
			case op == 1:
				roomID := roomIDs[rng.Intn(len(roomIDs))]
				r.Leave(id, roomID)
				if model[id] == roomID {
					delete(model, id)
				}
			case op == 2:
				r.Disconnect(id)
				delete(model, id)
				delete(connected, id)
			default:
				r.Leave(id, "")
				delete(model, id)
			}

			want := map[string][]string{}
			for cid, roomID := range model {
				want[roomID] = append(want[roomID], cid)
			}
			got := map[string][]string{}
			for _, summary := range r.ListRooms() {
				if summary.MemberCount == 0 {
					t.Fatalf("empty room %q listed", summary.RoomID)
				}
				members := r.Members(summary.RoomID)
				if len(members) != summary.MemberCount {
					t.Fatalf("memberCount=%d, members=%v", summary.MemberCount, members)
				}
				got[summary.RoomID] = members
			}
			for _, v := range want {
				sort.Strings(v)
			}
			seen := map[string]string{}
			for roomID, v := range got {
				for _, cid := range v {
					if prev, dup := seen[cid]; dup {
						t.Fatalf("connection %q in two rooms: %q and %q", cid, prev, roomID)
					}
					seen[cid] = roomID
				}
				sort.Strings(v)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("iter %d step %d: rooms=%v, want %v", iter, step, got, want)
			}
		}
	}
}
