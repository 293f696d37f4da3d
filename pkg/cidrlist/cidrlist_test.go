package cidrlist

import (
	"net/netip"
	"testing"
)

// TestParse validates conversion from text to structured entries.
func TestParse(t *testing.T) {
	text := `# Load balancers
10.0.0.0/8
10.20.30.40
not-a-cidr
# IPv6 edge
2001:db8::/32

192.0.2.7
`

	got := Parse(text)
	want := []CIDR{
		{Value: mustPrefix("10.0.0.0/8"), Comment: "Load balancers"},
		{Value: mustPrefix("10.20.30.40/32"), Comment: "Load balancers"},
		{Value: mustPrefix("2001:db8::/32"), Comment: "IPv6 edge"},
		{Value: mustPrefix("192.0.2.7/32"), Comment: ""},
	}
	compareSlices(t, got, want)
}

func TestParseEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    []string
		wantErr bool
	}{
		{"addresses and networks", []string{"10.0.0.1", " 172.16.0.0/12 ", "::1", "2001:db8::/48"}, []string{"10.0.0.1/32", "172.16.0.0/12", "::1/128", "2001:db8::/48"}, false},
		{"unmasked network is masked", []string{"10.1.2.3/8"}, []string{"10.0.0.0/8"}, false},
		{"mapped address is unmapped", []string{"::ffff:10.0.0.1"}, []string{"10.0.0.1/32"}, false},
		{"empty list", nil, nil, false},
		{"invalid entry", []string{"10.0.0.1", "proxy.internal"}, nil, true},
		{"empty entry", []string{""}, nil, true},
		{"bad prefix length", []string{"10.0.0.0/33"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntries(tt.entries)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Value.String() != tt.want[i] {
					t.Errorf("entry %d: expected %s, got %s", i, tt.want[i], got[i].Value)
				}
			}
		})
	}
}

// TestSynthesize confirms redundant entries are removed and tracked.
func TestSynthesize(t *testing.T) {
	list := []CIDR{
		{Value: mustPrefix("79.23.125.0/24"), Comment: "block"},
		{Value: mustPrefix("79.23.125.21/32"), Comment: "single"},
		{Value: mustPrefix("10.0.0.0/8"), Comment: "wide"},
		{Value: mustPrefix("10.1.0.0/16"), Comment: "narrow"},
		{Value: mustPrefix("10.1.0.0/16"), Comment: "duplicate"},
		{Value: mustPrefix("2001:db8::/32"), Comment: "v6 wide"},
		{Value: mustPrefix("2001:db8:1::/48"), Comment: "v6 narrow"},
		{Value: mustPrefix("::/0"), Comment: "v6 everything"},
	}

	res := Synthesize(list)

	compareSlices(t, res.NewList, []CIDR{list[0], list[2], list[7]})
	compareSlices(t, res.RemovedEntries, []CIDR{list[1], list[3], list[4], list[5], list[6]})
}

func TestSynthesizeKeepsFirstDuplicate(t *testing.T) {
	list := []CIDR{
		{Value: mustPrefix("10.0.0.0/8"), Comment: "first"},
		{Value: mustPrefix("10.0.0.0/8"), Comment: "second"},
	}
	res := Synthesize(list)
	compareSlices(t, res.NewList, list[:1])
	compareSlices(t, res.RemovedEntries, list[1:])
}

func TestContains(t *testing.T) {
	list := []CIDR{
		{Value: mustPrefix("10.0.0.0/8")},
		{Value: mustPrefix("2001:db8::/32")},
	}

	tests := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"::ffff:10.1.2.3", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := Contains(list, netip.MustParseAddr(tt.addr)); got != tt.want {
				t.Fatalf("Contains(%s) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}

	if Contains(nil, netip.MustParseAddr("10.0.0.1")) {
		t.Fatal("empty list must not contain anything")
	}
}

func TestParse_EdgeCases(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		if got := Parse(""); len(got) != 0 {
			t.Errorf("expected empty list, got %d entries", len(got))
		}
	})

	t.Run("only comments", func(t *testing.T) {
		if got := Parse("# Comment 1\n# Comment 2\n"); len(got) != 0 {
			t.Errorf("expected empty list, got %d entries", len(got))
		}
	})
}

// compareSlices asserts two CIDR slices are identical for testing.
func compareSlices(t *testing.T, got, want []CIDR) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected length: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Value != want[i].Value || got[i].Comment != want[i].Comment {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}

// mustPrefix parses a CIDR and panics on failure to simplify test setup.
func mustPrefix(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p.Masked()
}

func TestFormatRoundTrips(t *testing.T) {
	list := []CIDR{
		{Value: netip.MustParsePrefix("10.0.0.0/8"), Comment: "Load balancers"},
		{Value: netip.MustParsePrefix("192.168.0.0/16"), Comment: "Load balancers"},
		{Value: netip.MustParsePrefix("2001:db8::/32"), Comment: "IPv6 edge"},
		{Value: netip.MustParsePrefix("192.0.2.7/32")},
	}

	want := "# Load balancers\n10.0.0.0/8\n192.168.0.0/16\n\n# IPv6 edge\n2001:db8::/32\n\n192.0.2.7/32"
	got := Format(list)
	if got != want {
		t.Fatalf("unexpected output:\n%s", got)
	}

	parsed := Parse(got)
	if len(parsed) != len(list) {
		t.Fatalf("expected %d entries after parsing, got %d", len(list), len(parsed))
	}
	for i := range list {
		if parsed[i] != list[i] {
			t.Fatalf("entry %d: expected %+v, got %+v", i, list[i], parsed[i])
		}
	}

	if Format(nil) != "" {
		t.Fatal("expected empty output for an empty list")
	}
}
