// Package geodbtest builds small in-memory country databases for tests.
package geodbtest

import (
	"bytes"
	"net"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
)

// Entry maps a network in CIDR notation to a country ISO code. An empty
// ISOCode writes a record that only carries continent data.
type Entry struct {
	Network string
	ISOCode string
}

// Build writes a GeoLite2-Country shaped database containing entries.
func Build(tb testing.TB, entries ...Entry) []byte {
	tb.Helper()

	writer, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType: "GeoLite2-Country",
		RecordSize:   24,
	})
	if err != nil {
		tb.Fatalf("failed to create mmdb writer: %v", err)
	}

	for _, entry := range entries {
		_, network, err := net.ParseCIDR(entry.Network)
		if err != nil {
			tb.Fatalf("invalid fixture network %q: %v", entry.Network, err)
		}
		if err := writer.Insert(network, record(entry.ISOCode)); err != nil {
			tb.Fatalf("failed to insert %s: %v", entry.Network, err)
		}
	}

	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		tb.Fatalf("failed to serialize mmdb: %v", err)
	}
	return buf.Bytes()
}

func record(isoCode string) mmdbtype.Map {
	if isoCode == "" {
		return mmdbtype.Map{
			"continent": mmdbtype.Map{"code": mmdbtype.String("EU")},
		}
	}
	return mmdbtype.Map{
		"country": mmdbtype.Map{
			"iso_code": mmdbtype.String(isoCode),
			"names":    mmdbtype.Map{"en": mmdbtype.String(isoCode)},
		},
	}
}
