package packet

import "testing"

type ping struct {
	Header
	Body string
}

var _ Message = (*ping)(nil)

func TestNewHeaderAssignsUniqueIDs(t *testing.T) {
	a, b := NewHeader(), NewHeader()
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
}

func TestPointAt(t *testing.T) {
	req := &ping{Header: Header{ID: "req-1", Source: "node-a"}}
	reply := &ping{Header: NewHeader()}
	reply.PointAt(req)
	if reply.ID != "req-1" {
		t.Fatalf("expected reply id req-1, got %q", reply.ID)
	}
	if reply.Target != "node-a" {
		t.Fatalf("expected reply target node-a, got %q", reply.Target)
	}
}

func TestStampKeepsExistingValues(t *testing.T) {
	h := Header{ID: "x", Source: "origin"}
	h.Stamp("local")
	if h.ID != "x" || h.Source != "origin" {
		t.Fatalf("stamp overwrote header: %+v", h)
	}
	var empty Header
	empty.Stamp("local")
	if empty.Source != "local" || empty.ID == "" {
		t.Fatalf("stamp did not fill header: %+v", empty)
	}
}
