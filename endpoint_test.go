package smoltcp

import (
	"net/netip"
	"testing"
)

func TestEndpointCompare(t *testing.T) {
	wildcard := Endpoint{Port: 80}
	low := Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80}
	high := Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 80}
	samePortless := Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 79}

	if wildcard.Compare(low) >= 0 {
		t.Error("unspecified address must sort before concrete addresses")
	}
	if low.Compare(high) >= 0 {
		t.Error("address bytes must order endpoints")
	}
	if samePortless.Compare(high) >= 0 {
		t.Error("port must break address ties")
	}
	if high.Compare(high) != 0 {
		t.Error("equal endpoints must compare equal")
	}
}

func TestEndpointUnbound(t *testing.T) {
	if !(Endpoint{}).IsUnbound() {
		t.Error("zero endpoint should be unbound")
	}
	if (Endpoint{Port: 1}).IsUnbound() {
		t.Error("endpoint with port should be bound")
	}
	if (Endpoint{Addr: netip.MustParseAddr("10.0.0.1")}).IsUnbound() {
		t.Error("endpoint with address should be bound")
	}
}

func TestIsUnicastAddr(t *testing.T) {
	for _, tc := range []struct {
		addr string
		want bool
	}{
		{"192.168.1.1", true},
		{"0.0.0.0", false},
		{"255.255.255.255", false},
		{"224.0.0.1", false},
	} {
		if got := IsUnicastAddr(netip.MustParseAddr(tc.addr)); got != tc.want {
			t.Errorf("IsUnicastAddr(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
	if IsUnicastAddr(netip.Addr{}) {
		t.Error("invalid address should not be unicast")
	}
}
