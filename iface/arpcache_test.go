package iface

import (
	"net/netip"
	"testing"
)

func addr(i byte) netip.Addr { return netip.AddrFrom4([4]byte{10, 0, 0, i}) }
func hw(i byte) [6]byte      { return [6]byte{2, 0, 0, 0, 0, i} }

func TestSliceCacheFillLookup(t *testing.T) {
	c := NewSliceCache(3)
	if _, ok := c.Lookup(addr(1)); ok {
		t.Fatal("empty cache lookup succeeded")
	}
	c.Fill(addr(1), hw(1))
	c.Fill(addr(2), hw(2))
	got, ok := c.Lookup(addr(1))
	if !ok || got != hw(1) {
		t.Fatalf("lookup = %v %v", got, ok)
	}
	// Fill on an existing key updates in place.
	c.Fill(addr(1), hw(9))
	got, _ = c.Lookup(addr(1))
	if got != hw(9) {
		t.Fatalf("update not applied, got %v", got)
	}
}

func TestSliceCacheEviction(t *testing.T) {
	c := NewSliceCache(2)
	c.Fill(addr(1), hw(1))
	c.Fill(addr(2), hw(2))
	c.Fill(addr(3), hw(3)) // Evicts round-robin.
	present := 0
	for i := byte(1); i <= 3; i++ {
		if got, ok := c.Lookup(addr(i)); ok {
			present++
			if got != hw(i) {
				t.Fatalf("entry %d maps to %v", i, got)
			}
		}
	}
	if present != 2 {
		t.Fatalf("bounded cache holds %d entries, want 2", present)
	}
	if _, ok := c.Lookup(addr(3)); !ok {
		t.Fatal("most recent fill evicted")
	}
}
