// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package addrmatch

import "testing"

func mustParseAddress(t *testing.T, hostport string) Address {
	t.Helper()
	addr, err := ParseAddress(hostport)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", hostport, err)
	}
	return addr
}

func TestWhitelist_EmptyAllowsAll(t *testing.T) {
	var w Whitelist
	if !w.Allow(mustParseAddress(t, "anything.example:22")) {
		t.Error("empty whitelist should allow everything")
	}
}

func TestCIDREntry_MatchesLiteralIPOnly(t *testing.T) {
	entry, err := ParseEntry("10.0.0.0/8")
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	w := New([]Entry{entry})

	if !w.Allow(mustParseAddress(t, "10.1.2.3:22")) {
		t.Error("expected 10.1.2.3 to match 10.0.0.0/8")
	}
	if w.Allow(mustParseAddress(t, "192.168.1.5:22")) {
		t.Error("expected 192.168.1.5 not to match 10.0.0.0/8")
	}
	if w.Allow(mustParseAddress(t, "host.example.com:22")) {
		t.Error("CIDR entry must never match a DNS name")
	}
}

func TestExactEntry_CaseInsensitive(t *testing.T) {
	entry, err := ParseEntry("Db.Example.com")
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	w := New([]Entry{entry})

	if !w.Allow(mustParseAddress(t, "db.example.com:5432")) {
		t.Error("expected case-insensitive exact match")
	}
	if w.Allow(mustParseAddress(t, "other.example.com:5432")) {
		t.Error("expected no match for a different hostname")
	}
}

func TestWildcardEntry_MatchesOneLabelOnly(t *testing.T) {
	entry, err := ParseEntry("*.example.com")
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	w := New([]Entry{entry})

	cases := []struct {
		addr string
		want bool
	}{
		{"db.example.com:5432", true},
		{"example.com:5432", false},
		{"a.b.example.com:5432", false},
		{"notexample.com:5432", false},
	}
	for _, tc := range cases {
		got := w.Allow(mustParseAddress(t, tc.addr))
		if got != tc.want {
			t.Errorf("Allow(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestWildcardEntry_NeverMatchesLiteralIP(t *testing.T) {
	entry, err := ParseEntry("*.example.com")
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	w := New([]Entry{entry})

	if w.Allow(mustParseAddress(t, "127.0.0.1:22")) {
		t.Error("wildcard entry must never match a literal IP")
	}
}

func TestParseEntry_EmptyRejected(t *testing.T) {
	if _, err := ParseEntry("   "); err == nil {
		t.Fatal("expected error for empty entry")
	}
}

func TestParseEntry_BareWildcardRejected(t *testing.T) {
	if _, err := ParseEntry("*."); err == nil {
		t.Fatal("expected error for wildcard with empty suffix")
	}
}

func TestParseWhitelist_AnyMatchAllows(t *testing.T) {
	w, err := ParseWhitelist([]string{"10.0.0.0/8", "*.example.com", "trusted-host"})
	if err != nil {
		t.Fatalf("ParseWhitelist: %v", err)
	}

	if !w.Allow(mustParseAddress(t, "trusted-host:22")) {
		t.Error("expected exact entry to allow trusted-host")
	}
	if w.Allow(mustParseAddress(t, "192.168.1.5:22")) {
		t.Error("expected 192.168.1.5 to be denied")
	}
}

func TestParseWhitelist_PropagatesEntryError(t *testing.T) {
	if _, err := ParseWhitelist([]string{"fine-host", ""}); err == nil {
		t.Fatal("expected ParseWhitelist to fail on an invalid entry")
	}
}
