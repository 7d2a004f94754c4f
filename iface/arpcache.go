package iface

import "net/netip"

// Cache is the ARP cache consulted when lowering IP packets onto the link:
// a bounded associative store from protocol address to hardware address.
// Entries carry no TTL; they are refreshed by any observed unicast ARP or
// IPv4 source pairing.
type Cache interface {
	Lookup(addr netip.Addr) ([6]byte, bool)
	// Fill inserts or updates a mapping, evicting an implementation-chosen
	// entry when full.
	Fill(addr netip.Addr, hwAddr [6]byte)
}

type cacheEntry struct {
	addr   netip.Addr
	hwAddr [6]byte
}

// SliceCache is a bounded [Cache] over a fixed slot array: lookups scan
// linearly starting from the most recently written entry, inserts evict
// round-robin when full.
type SliceCache struct {
	entries []cacheEntry
	// index points to the last written entry.
	index uint
}

var _ Cache = (*SliceCache)(nil)

// NewSliceCache creates a cache with maxSize slots.
func NewSliceCache(maxSize int) *SliceCache {
	if maxSize <= 0 {
		panic("iface: arp cache size must be > 0")
	}
	return &SliceCache{entries: make([]cacheEntry, 0, maxSize)}
}

// Lookup implements [Cache].
func (c *SliceCache) Lookup(addr netip.Addr) ([6]byte, bool) {
	// Scan starting from index and then backwards.
	i := c.index
	for range len(c.entries) {
		e := &c.entries[i]
		if e.addr == addr {
			return e.hwAddr, true
		}
		if i == 0 {
			i = uint(len(c.entries))
		}
		i--
	}
	return [6]byte{}, false
}

// Fill implements [Cache].
func (c *SliceCache) Fill(addr netip.Addr, hwAddr [6]byte) {
	for i := range c.entries {
		if c.entries[i].addr == addr {
			c.entries[i].hwAddr = hwAddr
			return
		}
	}
	// Write the entry immediately after the one pointed by index (with wrapping).
	if len(c.entries) < cap(c.entries) {
		c.entries = append(c.entries, cacheEntry{addr, hwAddr})
		c.index = uint(len(c.entries) - 1)
	} else {
		c.index++
		if c.index >= uint(len(c.entries)) {
			c.index = 0
		}
		c.entries[c.index] = cacheEntry{addr, hwAddr}
	}
}
