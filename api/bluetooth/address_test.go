package bluetooth

import (
	"testing"
)

func TestParseMAC(t *testing.T) {
	mac, err := ParseMAC("11:22:33:AA:BB:CC")
	if err != nil {
		t.Fatal(err)
	}

	if mac[5] != 0x11 || mac[0] != 0xcc {
		t.Errorf("unexpected byte order: %v", mac)
	}

	if got := mac.String(); got != "11:22:33:AA:BB:CC" {
		t.Errorf("String() = %q", got)
	}

	if got := mac.PathString(); got != "11_22_33_AA_BB_CC" {
		t.Errorf("PathString() = %q", got)
	}

	lower, err := ParseMAC("11:22:33:aa:bb:cc")
	if err != nil || lower != mac {
		t.Errorf("lowercase address parsed to %v (%v)", lower, err)
	}

	for _, bad := range []string{"", "11:22:33:AA:BB", "11:22:33:AA:BB:CG", "112:2:33:AA:BB:CC", "11-22-33-AA-BB-CC"} {
		if _, err := ParseMAC(bad); err == nil {
			t.Errorf("ParseMAC(%q) did not fail", bad)
		}
	}
}

func TestMacAddressText(t *testing.T) {
	mac, _ := ParseMAC("00:1A:7D:DA:71:13")

	data, err := mac.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	var decoded MacAddress
	if err := decoded.UnmarshalText(data); err != nil {
		t.Fatal(err)
	}

	if decoded != mac {
		t.Errorf("got %v, want %v", decoded, mac)
	}

	if !(MacAddress{}).IsNil() || mac.IsNil() {
		t.Error("IsNil is wrong")
	}
}

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		addr    string
		typ     AddressType
		private bool
	}{
		{"3A:11:22:33:44:55", AddressLERandom, true},  // non-resolvable
		{"7A:11:22:33:44:55", AddressLERandom, true},  // resolvable
		{"CA:11:22:33:44:55", AddressLERandom, false}, // static
		{"3A:11:22:33:44:55", AddressLEPublic, false},
		{"3A:11:22:33:44:55", AddressBREDR, false},
	}

	for _, tt := range tests {
		mac, err := ParseMAC(tt.addr)
		if err != nil {
			t.Fatal(err)
		}

		if got := IsPrivate(mac, tt.typ); got != tt.private {
			t.Errorf("IsPrivate(%s, %s) = %v, want %v", tt.addr, tt.typ, got, tt.private)
		}
	}
}

func TestParsePreferredBearer(t *testing.T) {
	for _, s := range []string{"last-used", "le", "bredr", "last-seen"} {
		if p, ok := ParsePreferredBearer(s); !ok || string(p) != s {
			t.Errorf("ParsePreferredBearer(%q) = %q, %v", s, p, ok)
		}
	}

	if _, ok := ParsePreferredBearer("classic"); ok {
		t.Error("invalid preference accepted")
	}
}
