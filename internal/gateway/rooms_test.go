package gateway

import (
	"testing"

	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

func TestRoomMembershipLifecycle(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()
	rooms := NewRooms(store, "instance-a", 1<<20)

	s1 := testSession("s1", 8)
	s2 := testSession("s2", 8)
	rooms.Join(26000, s1)
	rooms.Join(26000, s2)
	rooms.Join(53001, s1)

	if rooms.Members(26000) != 2 || rooms.RoomCount() != 2 {
		t.Fatalf("membership: %d rooms, %d members", rooms.RoomCount(), rooms.Members(26000))
	}

	rooms.Leave(26000, s1)
	if rooms.Members(26000) != 1 {
		t.Fatalf("members: %d", rooms.Members(26000))
	}
	rooms.LeaveAll(s2)
	rooms.LeaveAll(s1)
	if rooms.RoomCount() != 0 {
		t.Fatalf("rooms should be empty: %d", rooms.RoomCount())
	}
}

func TestBroadcastReachesLocalMembersOnly(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()
	rooms := NewRooms(store, "instance-a", 1<<20)

	member := testSession("s1", 8)
	outsider := testSession("s2", 8)
	rooms.Join(26000, member)
	rooms.Join(53001, outsider)

	data := json.RawMessage(`{"token":26000}`)
	raw, _ := encodeRawEvent(eventMarketData, data)
	framed, _ := encodeFramedEvent(eventMarketData, data)
	delivered := rooms.Broadcast(26000, eventMarketData, data, raw, framed)

	if delivered != 1 {
		t.Fatalf("delivered: %d", delivered)
	}
	if len(member.out) != 1 || len(outsider.out) != 0 {
		t.Fatalf("queues: member=%d outsider=%d", len(member.out), len(outsider.out))
	}
}

func TestBroadcastRelaysAcrossInstances(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()
	roomsA := NewRooms(store, "instance-a", 1<<20)
	roomsB := NewRooms(store, "instance-b", 1<<20)

	remote := testSession("remote", 8)
	roomsB.Join(26000, remote)

	data := json.RawMessage(`{"token":26000,"last_price":101.5}`)
	raw, _ := encodeRawEvent(eventMarketData, data)
	framed, _ := encodeFramedEvent(eventMarketData, data)
	roomsA.Broadcast(26000, eventMarketData, data, raw, framed)

	// The memory store delivers synchronously, so the remote room has the
	// frame already.
	if len(remote.out) != 1 {
		t.Fatalf("remote queue: %d", len(remote.out))
	}

	// The publishing instance must not deliver its own relayed copy twice.
	local := testSession("local", 8)
	roomsA.Join(26000, local)
	roomsA.Broadcast(26000, eventMarketData, data, raw, framed)
	if len(local.out) != 1 {
		t.Fatalf("local session saw duplicate delivery: %d", len(local.out))
	}
}
