package lisp_test

import (
	"net/netip"
	"testing"

	"github.com/dantte-lp/lispd/internal/lisp"
)

func TestContains(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"equal prefixes contained", "10.0.0.0/24", "10.0.0.0/24", true},
		{"supernet contains subnet", "10.0.0.0/16", "10.0.5.0/24", true},
		{"subnet does not contain supernet", "10.0.5.0/24", "10.0.0.0/16", false},
		{"disjoint v4", "10.0.0.0/24", "10.1.0.0/24", false},
		{"family mismatch", "10.0.0.0/24", "::1/128", false},
		{"v6 supernet contains subnet", "2001:db8::/32", "2001:db8:1::/48", true},
		{"host route contained in /0", "0.0.0.0/0", "1.2.3.4/32", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := netip.MustParsePrefix(tt.a)
			b := netip.MustParsePrefix(tt.b)
			if got := lisp.Contains(a, b); got != tt.want {
				t.Errorf("Contains(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestContainsReflexive(t *testing.T) {
	t.Parallel()

	prefixes := []string{"10.0.0.0/8", "192.168.1.0/24", "::/0", "2001:db8::/32", "1.2.3.4/32"}
	for _, s := range prefixes {
		p := netip.MustParsePrefix(s)
		if !lisp.Contains(p, p) {
			t.Errorf("Contains(%s, %s) = false, want true (reflexive)", s, s)
		}
	}
}

func TestNetworkAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pfx  string
		want string
	}{
		{"v4 already canonical", "10.0.0.0/24", "10.0.0.0"},
		{"v4 host bits set", "10.0.0.5/24", "10.0.0.0"},
		{"v4 /0", "255.255.255.255/0", "0.0.0.0"},
		{"v4 /32", "1.2.3.4/32", "1.2.3.4"},
		{"v6 host bits set", "2001:db8::5/32", "2001:db8::"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pfx := netip.MustParsePrefix(tt.pfx)
			got, err := lisp.NetworkAddress(pfx)
			if err != nil {
				t.Fatalf("NetworkAddress(%s): %v", tt.pfx, err)
			}
			want := netip.MustParseAddr(tt.want)
			if got != want {
				t.Errorf("NetworkAddress(%s) = %s, want %s", tt.pfx, got, want)
			}
		})
	}
}

func TestNetworkAddressInvalidPrefix(t *testing.T) {
	t.Parallel()
	_, err := lisp.NetworkAddress(netip.Prefix{})
	if err == nil {
		t.Fatal("NetworkAddress(zero prefix): want error, got nil")
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	pfx := netip.MustParsePrefix("10.0.0.5/24")
	once, err := lisp.Normalize(pfx)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	twice, err := lisp.Normalize(once)
	if err != nil {
		t.Fatalf("Normalize (second pass): %v", err)
	}
	if once != twice {
		t.Errorf("Normalize is not idempotent: %s != %s", once, twice)
	}
	if once.Addr().String() != "10.0.0.0" || once.Bits() != 24 {
		t.Errorf("Normalize(10.0.0.5/24) = %s, want 10.0.0.0/24", once)
	}
}

func TestHostPrefix(t *testing.T) {
	t.Parallel()

	v4 := netip.MustParseAddr("1.2.3.4")
	if hp := lisp.HostPrefix(v4); hp.Bits() != 32 {
		t.Errorf("HostPrefix(%s).Bits() = %d, want 32", v4, hp.Bits())
	}

	v6 := netip.MustParseAddr("2001:db8::1")
	if hp := lisp.HostPrefix(v6); hp.Bits() != 128 {
		t.Errorf("HostPrefix(%s).Bits() = %d, want 128", v6, hp.Bits())
	}
}

func TestFamilyWidth(t *testing.T) {
	t.Parallel()

	if w := lisp.FamilyWidth(netip.MustParseAddr("1.2.3.4")); w != 32 {
		t.Errorf("FamilyWidth(v4) = %d, want 32", w)
	}
	if w := lisp.FamilyWidth(netip.MustParseAddr("::1")); w != 128 {
		t.Errorf("FamilyWidth(v6) = %d, want 128", w)
	}
}
