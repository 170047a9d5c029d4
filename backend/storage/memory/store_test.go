package memory

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/bamboo0911/never-ending-drum-party/backend/model"
)

func newTestStore(seed int64, clock clockwork.Clock) *MemStore {
	logger := zerolog.Nop()
	return NewMemStore(Config{
		Logger: &logger,
		Clock:  clock,
		Rand:   rand.New(rand.NewSource(seed)),
	})
}

func checkSeatInvariant(t *testing.T, ms *MemStore, roomID string) {
	t.Helper()
	ms.mx.Lock()
	rs, ok := ms.db[roomID]
	ms.mx.Unlock()
	if !ok {
		return
	}
	rs.mx.Lock()
	defer rs.mx.Unlock()

	room := &rs.room
	var seated int
	for userID, occ := range room.Occupants {
		if occ.Seat == model.SeatSelf {
			t.Fatalf("occupant %s holds the reserved seat", userID)
		}
		if occ.Seat == "" {
			continue
		}
		seated++
		if holder, assigned := room.SeatAssignment[occ.Seat]; !assigned || holder != userID {
			t.Fatalf("seat %s of occupant %s not assigned back (holder %q)", occ.Seat, userID, holder)
		}
	}
	if len(room.SeatAssignment) != seated {
		t.Fatalf("seat assignment size %d != seated occupants %d", len(room.SeatAssignment), seated)
	}
	if _, ok := room.SeatAssignment[model.SeatSelf]; ok {
		t.Fatal("reserved seat present in seat assignment")
	}
}

func TestFirstJoinerBecomesSeatlessHost(t *testing.T) {
	ms := newTestStore(1, nil)

	res, err := ms.CreateOrJoinRoom("r1", "A", "conn-a", "Alice", "snare")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if res.Seat != "" {
		t.Errorf("expected founding occupant to keep the reserved position, got seat %q", res.Seat)
	}
	if !res.BecameHost || res.HostID != "A" {
		t.Errorf("expected A to become host, got hostID %q becameHost %v", res.HostID, res.BecameHost)
	}
	if len(res.Occupants) != 1 || res.Occupants[0].ID != "A" {
		t.Errorf("unexpected occupant list: %+v", res.Occupants)
	}
	checkSeatInvariant(t, ms, "r1")
}

func TestSecondJoinerGetsSeat(t *testing.T) {
	ms := newTestStore(1, nil)

	if _, err := ms.CreateOrJoinRoom("r1", "A", "conn-a", "", ""); err != nil {
		t.Fatalf("join A failed: %v", err)
	}
	res, err := ms.CreateOrJoinRoom("r1", "B", "conn-b", "", "")
	if err != nil {
		t.Fatalf("join B failed: %v", err)
	}
	if res.Seat == "" || res.Seat == model.SeatSelf {
		t.Errorf("expected B to get an assignable seat, got %q", res.Seat)
	}
	if res.HostID != "A" {
		t.Errorf("expected host to stay A, got %q", res.HostID)
	}
	if res.BecameHost {
		t.Error("B must not become host while A is present")
	}
	if len(res.Occupants) != 2 {
		t.Errorf("expected 2 occupants, got %d", len(res.Occupants))
	}
	checkSeatInvariant(t, ms, "r1")
}

func TestSeatInvariantUnderChurn(t *testing.T) {
	ms := newTestStore(42, nil)

	users := make([]string, 0, model.RoomCapacity)
	for i := 0; i < model.RoomCapacity; i++ {
		users = append(users, fmt.Sprintf("user-%d", i))
	}

	for _, u := range users {
		if _, err := ms.CreateOrJoinRoom("r1", u, "conn-"+u, "", ""); err != nil {
			t.Fatalf("join %s failed: %v", u, err)
		}
		checkSeatInvariant(t, ms, "r1")
	}
	for _, u := range []string{"user-3", "user-0", "user-6"} {
		if _, err := ms.LeaveRoom("r1", u, ""); err != nil {
			t.Fatalf("leave %s failed: %v", u, err)
		}
		checkSeatInvariant(t, ms, "r1")
	}
	for _, u := range []string{"joiner-x", "joiner-y"} {
		if _, err := ms.CreateOrJoinRoom("r1", u, "conn-"+u, "", ""); err != nil {
			t.Fatalf("join %s failed: %v", u, err)
		}
		checkSeatInvariant(t, ms, "r1")
	}
}

func TestRoomFullNeverEvicts(t *testing.T) {
	ms := newTestStore(1, nil)

	for i := 0; i < model.RoomCapacity; i++ {
		if _, err := ms.CreateOrJoinRoom("r1", fmt.Sprintf("user-%d", i), "c", "", ""); err != nil {
			t.Fatalf("join %d failed: %v", i, err)
		}
	}
	_, err := ms.CreateOrJoinRoom("r1", "late", "c", "", "")
	if !errors.Is(err, ErrRoomIsFull) {
		t.Fatalf("expected ErrRoomIsFull, got %v", err)
	}

	snap, err := ms.GetSnapshot("r1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Occupants) != model.RoomCapacity {
		t.Errorf("occupant count changed by rejected join: %d", len(snap.Occupants))
	}
	for _, occ := range snap.Occupants {
		if occ.ID == "late" {
			t.Error("rejected joiner present in room")
		}
	}
}

func TestNoSeatAvailable(t *testing.T) {
	ms := newTestStore(1, nil)

	// founder plus seven seated, then the seatless founder leaves
	for i := 0; i < model.RoomCapacity; i++ {
		if _, err := ms.CreateOrJoinRoom("r1", fmt.Sprintf("user-%d", i), "c", "", ""); err != nil {
			t.Fatalf("join %d failed: %v", i, err)
		}
	}
	if _, err := ms.LeaveRoom("r1", "user-0", ""); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	// seven seated occupants remain, under capacity but with no free seat
	_, err := ms.CreateOrJoinRoom("r1", "late", "c", "", "")
	if !errors.Is(err, ErrNoSeatAvailable) {
		t.Fatalf("expected ErrNoSeatAvailable, got %v", err)
	}
}

func TestReconnectKeepsSeat(t *testing.T) {
	ms := newTestStore(1, nil)

	if _, err := ms.CreateOrJoinRoom("r1", "A", "conn-1", "", ""); err != nil {
		t.Fatalf("join A failed: %v", err)
	}
	first, err := ms.CreateOrJoinRoom("r1", "B", "conn-1", "Bob", "kick")
	if err != nil {
		t.Fatalf("join B failed: %v", err)
	}

	second, err := ms.CreateOrJoinRoom("r1", "B", "conn-2", "Bobby", "")
	if err != nil {
		t.Fatalf("rejoin B failed: %v", err)
	}
	if !second.Rejoined {
		t.Error("expected rejoin to be reported")
	}
	if second.Seat != first.Seat {
		t.Errorf("rejoin reassigned seat: %q -> %q", first.Seat, second.Seat)
	}

	occ, err := ms.GetMember("r1", "B")
	if err != nil {
		t.Fatalf("member lookup failed: %v", err)
	}
	if occ.ConnID != "conn-2" {
		t.Errorf("connection handle not updated, got %q", occ.ConnID)
	}
	if occ.DisplayName != "Bobby" {
		t.Errorf("display name not updated, got %q", occ.DisplayName)
	}
	if occ.Instrument != "kick" {
		t.Errorf("instrument must keep last value on empty update, got %q", occ.Instrument)
	}
	checkSeatInvariant(t, ms, "r1")

	// an in-band attribute refresh carries no handle and must not wipe it
	if _, err = ms.CreateOrJoinRoom("r1", "B", "", "Robert", ""); err != nil {
		t.Fatalf("attribute refresh failed: %v", err)
	}
	occ, err = ms.GetMember("r1", "B")
	if err != nil {
		t.Fatalf("member lookup failed: %v", err)
	}
	if occ.ConnID != "conn-2" {
		t.Errorf("empty handle update clobbered connection, got %q", occ.ConnID)
	}
}

// A teardown still keyed to a replaced connection must not remove the
// occupant who reconnected in the meantime.
func TestLeaveWithStaleConnIsRejected(t *testing.T) {
	ms := newTestStore(1, nil)

	if _, err := ms.CreateOrJoinRoom("r1", "A", "conn-1", "", ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := ms.CreateOrJoinRoom("r1", "A", "conn-2", "", ""); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}

	if _, err := ms.LeaveRoom("r1", "A", "conn-1"); !errors.Is(err, ErrStaleConnection) {
		t.Fatalf("expected ErrStaleConnection, got %v", err)
	}
	if _, err := ms.GetMember("r1", "A"); err != nil {
		t.Fatalf("stale leave evicted the live occupant: %v", err)
	}
	if _, err := ms.GetSnapshot("r1"); err != nil {
		t.Fatalf("stale leave destroyed the room: %v", err)
	}

	res, err := ms.LeaveRoom("r1", "A", "conn-2")
	if err != nil {
		t.Fatalf("leave with current handle failed: %v", err)
	}
	if !res.RoomEmpty {
		t.Error("expected the room to empty on the real leave")
	}
}

func TestHostSuccessionIsDeterministicWithSeededRand(t *testing.T) {
	elect := func(seed int64) string {
		ms := newTestStore(seed, nil)
		for _, u := range []string{"A", "B", "C", "D"} {
			if _, err := ms.CreateOrJoinRoom("r1", u, "c", "", ""); err != nil {
				t.Fatalf("join %s failed: %v", u, err)
			}
		}
		res, err := ms.LeaveRoom("r1", "A", "")
		if err != nil {
			t.Fatalf("leave failed: %v", err)
		}
		if !res.WasHost {
			t.Fatal("A should have been host")
		}
		return res.NewHostID
	}

	first := elect(7)
	second := elect(7)
	if first != second {
		t.Errorf("same seed produced different successors: %q vs %q", first, second)
	}
	switch first {
	case "B", "C", "D":
	default:
		t.Errorf("successor %q is not a remaining occupant", first)
	}
}

func TestNonHostLeaveKeepsHost(t *testing.T) {
	ms := newTestStore(1, nil)
	for _, u := range []string{"A", "B"} {
		if _, err := ms.CreateOrJoinRoom("r1", u, "c", "", ""); err != nil {
			t.Fatalf("join %s failed: %v", u, err)
		}
	}
	res, err := ms.LeaveRoom("r1", "B", "")
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if res.WasHost || res.NewHostID != "" {
		t.Errorf("non-host departure must not trigger succession: %+v", res)
	}
	snap, _ := ms.GetSnapshot("r1")
	if snap.HostID != "A" {
		t.Errorf("host changed to %q", snap.HostID)
	}
}

func TestEmptyRoomIsDeletedEagerly(t *testing.T) {
	ms := newTestStore(1, nil)
	if _, err := ms.CreateOrJoinRoom("r1", "A", "c", "", ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	res, err := ms.LeaveRoom("r1", "A", "")
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if !res.RoomEmpty {
		t.Error("expected RoomEmpty")
	}
	if _, err = ms.GetSnapshot("r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound after last leave, got %v", err)
	}
}

func TestIdleSweep(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ms := newTestStore(1, fc)

	if _, err := ms.CreateOrJoinRoom("idle", "A", "c", "", ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := ms.CreateOrJoinRoom("busy", "B", "c", "", ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	fc.Advance(2 * time.Hour)
	ms.Touch("busy")
	ms.sweepIdle()

	if _, err := ms.GetSnapshot("idle"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("idle room survived the sweep: %v", err)
	}
	if _, err := ms.GetSnapshot("busy"); err != nil {
		t.Errorf("active room was swept: %v", err)
	}
}

func TestStats(t *testing.T) {
	ms := newTestStore(1, nil)
	for _, r := range []string{"r1", "r2"} {
		if _, err := ms.CreateOrJoinRoom(r, "A-"+r, "c", "", ""); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}
	stats := ms.GetStats()
	if stats.TotalRooms != 2 || len(stats.Rooms) != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Rooms[0].ID != "r1" || stats.Rooms[1].ID != "r2" {
		t.Errorf("rooms not sorted by id: %+v", stats.Rooms)
	}
	if stats.Rooms[0].UserCount != 1 || stats.Rooms[0].IsFull {
		t.Errorf("unexpected room info: %+v", stats.Rooms[0])
	}
}
