package chat

import "testing"

// TestNewDMRoomCanonical verifies spec testable property 7: chat:join
// from either side resolves to the same roomId.
func TestNewDMRoomCanonical(t *testing.T) {
	a := NewDMRoom("ua-1", "ub-2")
	b := NewDMRoom("ub-2", "ua-1")

	if a.ID() != b.ID() {
		t.Fatalf("DM room ids diverge by caller order: %q vs %q", a.ID(), b.ID())
	}
	if a.ID() != "dm:ua-1_ub-2" {
		t.Errorf("unexpected canonical room id: %q", a.ID())
	}
}

func TestNewGroupRoomID(t *testing.T) {
	r := NewGroupRoom("ski-club-42")
	if r.ID() != "group:ski-club-42" {
		t.Errorf("unexpected group room id: %q", r.ID())
	}
}

func TestResolveRoomExactlyOneOf(t *testing.T) {
	if _, err := resolveRoom("g1", "u2", "caller"); err == nil {
		t.Error("expected error when both group_id and recipient_id set")
	}
	if _, err := resolveRoom("", "", "caller"); err == nil {
		t.Error("expected error when neither group_id nor recipient_id set")
	}
	if _, err := resolveRoom("", "caller", "caller"); err == nil {
		t.Error("expected error opening a dm room with yourself")
	}
}

func TestResolveRoomGroup(t *testing.T) {
	room, err := resolveRoom("g1", "", "caller")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.Kind != RoomGroup || room.GroupID != "g1" {
		t.Errorf("expected group room g1, got %+v", room)
	}
}

func TestResolveRoomDM(t *testing.T) {
	room, err := resolveRoom("", "ub-2", "ua-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.Kind != RoomDM || room.ID() != "dm:ua-1_ub-2" {
		t.Errorf("expected canonical dm room, got %+v", room)
	}
}
