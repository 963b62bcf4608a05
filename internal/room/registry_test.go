package room

import (
	"slices"
	"testing"
)

func TestRegistry_NoEmptyRoomsPersist(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a")
	r.Join("c2", "room-a")

	r.Leave("c1")
	if len(r.Members("room-a")) != 1 {
		t.Fatalf("want 1 member left, got %d", len(r.Members("room-a")))
	}

	r.Leave("c2")
	if len(r.Rooms()) != 0 {
		t.Fatalf("empty room persisted: %v", r.Rooms())
	}
}

func TestRegistry_AtMostOneRoomPerConnection(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a")
	prev := r.Join("c1", "room-b")

	if prev != "room-a" {
		t.Fatalf("want prior room room-a, got %q", prev)
	}
	if got, _ := r.Room("c1"); got != "room-b" {
		t.Fatalf("want room-b, got %q", got)
	}
	if len(r.Members("room-a")) != 0 {
		t.Fatal("connection still in first room after joining second")
	}
	if len(r.Rooms()) != 1 {
		t.Fatalf("want exactly one live room, got %v", r.Rooms())
	}
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "room-a")
	r.Join("c2", "room-a")
	r.Join("c3", "room-a")
	r.Join("c4", "room-b")

	var got []string
	r.Broadcast("room-a", []byte("x"), "c1", func(id string, _ []byte) {
		got = append(got, id)
	})
	slices.Sort(got)

	if !slices.Equal(got, []string{"c2", "c3"}) {
		t.Fatalf("want delivery to c2,c3 only, got %v", got)
	}
}

func TestRegistry_LeaveUnknownConnection(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Leave("ghost"); ok {
		t.Fatal("leave of unknown connection reported success")
	}
}
