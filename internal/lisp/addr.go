package lisp

// Address and prefix algebra (component A).
//
// The original (original_source/lispd/lib/prefixes.c) represents an
// address as a family-discriminated union accessed through macros
// (ip_addr_get_v4/ip_addr_get_v6) and mutates a prefix's plen field in
// place to compute masked comparisons. Per the design notes this is
// re-architected as a pure-function API over net/netip's already-sum-typed
// Addr/Prefix: netip.Addr carries its own family tag and is immutable,
// which eliminates the cross-family accessor misuse the original's macros
// permitted, and every function below takes its arguments by value and
// returns a new value rather than mutating a shared prefix length.

import (
	"fmt"
	"net/netip"
)

// NetworkAddress returns the network address of pfx: pfx.Addr() with all
// bits beyond pfx.Bits() cleared. Fails with ErrUnsupportedFamily if pfx
// is not a valid IPv4 or IPv6 prefix.
//
// This is equivalent to netip.Prefix.Masked().Addr(), reimplemented
// explicitly here because the core's contract (spec component A) treats
// "compute the network address under a mask" as a named primitive other
// components call directly, and because Masked() silently returns the
// zero Addr on an invalid prefix where this function reports an error.
func NetworkAddress(pfx netip.Prefix) (netip.Addr, error) {
	if !pfx.IsValid() {
		return netip.Addr{}, fmt.Errorf("network address of %v: %w", pfx, ErrUnsupportedFamily)
	}
	return pfx.Masked().Addr(), nil
}

// Contains reports whether prefix b is contained in prefix a: same
// family, a's length <= b's length, and the network address of b
// truncated to a's length equals a's network address. Equal prefixes
// count as contained (a contains itself).
//
// This never mutates either argument -- the original's containment check
// temporarily rewrote a prefix's plen field to compute the truncated
// comparison; here the truncated network address is computed into a
// local via netip.PrefixFrom(...).Masked(), matching the design notes' "pure function over
// (a, b)" requirement.
func Contains(a, b netip.Prefix) bool {
	if !a.IsValid() || !b.IsValid() {
		return false
	}
	if a.Addr().Is4() != b.Addr().Is4() {
		return false
	}
	if a.Bits() > b.Bits() {
		return false
	}

	truncated, err := netip.AddrFromSlice(b.Addr().AsSlice())
	if err != nil {
		return false
	}

	bTruncated := netip.PrefixFrom(truncated, a.Bits()).Masked().Addr()
	aNetwork := a.Masked().Addr()

	return bTruncated == aNetwork
}

// Normalize returns the canonical form of pfx: (network address, prefix
// length). Constructors elsewhere in this package MAY accept
// non-canonical prefixes (host bits set); insertion into the map-cache
// store always normalizes via this function first, per component C's
// contract.
func Normalize(pfx netip.Prefix) (netip.Prefix, error) {
	addr, err := NetworkAddress(pfx)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, pfx.Bits()), nil
}

// FamilyWidth returns the address family's bit width (32 for IPv4, 128
// for IPv6). Used to derive the "default prefix length" for host-route
// entries created on a cache miss (engine step 5).
func FamilyWidth(addr netip.Addr) int {
	if addr.Is4() {
		return 32
	}
	return 128
}

// HostPrefix returns the /32 or /128 prefix exactly covering addr, used
// when the egress engine installs a placeholder entry for an exact
// destination on a cache miss.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, FamilyWidth(addr))
}
