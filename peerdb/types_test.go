package peerdb

import (
	"net"
	"testing"
)

func TestNeighborKeyEqual(t *testing.T) {
	a := NeighborKey{Addr: net.ParseIP("192.168.1.1"), Port: 8000}
	b := NeighborKey{Addr: net.ParseIP("192.168.1.1"), Port: 8000}
	c := NeighborKey{Addr: net.ParseIP("192.168.1.2"), Port: 8000}
	if !a.Equal(b) {
		t.Fatal("expected equal keys with identical IP/port to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected keys with different IPs to compare unequal")
	}
}

func TestNeighborKeyBytesFixedWidth(t *testing.T) {
	k := NeighborKey{Addr: net.ParseIP("10.0.0.1"), Port: 1234}
	if len(k.Bytes()) != 18 {
		t.Fatalf("expected 18-byte encoding, got %d", len(k.Bytes()))
	}
}

func TestNeighborKeyString(t *testing.T) {
	k := NeighborKey{Addr: net.ParseIP("10.0.0.1"), Port: 1234}
	want := "10.0.0.1:1234"
	if got := k.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestSlotIsStableAndBounded(t *testing.T) {
	k := NeighborKey{Addr: net.ParseIP("172.16.0.5"), Port: 9000}
	s1 := Slot(k)
	s2 := Slot(k)
	if s1 != s2 {
		t.Fatal("Slot must be deterministic for the same key")
	}
	if s1 >= NumSlots {
		t.Fatalf("slot %d out of bounds [0, %d)", s1, NumSlots)
	}
}
