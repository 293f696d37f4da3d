// Package geodb decodes shared country databases and resolves addresses to ISO
// country codes.
package geodb

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/oschwald/geoip2-golang/v2"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/sharedstore"
)

var (
	// ErrDecode is returned when a blob is not a readable MMDB database.
	ErrDecode = errors.New("geoip database could not be decoded")
	// ErrNotFound is returned when the database has no country ISO code for an address.
	ErrNotFound = errors.New("no country found for address")
)

// Database is an immutable country database decoded from one shared blob.
// It is safe for concurrent use.
type Database struct {
	reader  *geoip2.Reader
	version sharedstore.Version
}

// Decode parses blob as a MaxMind database. The returned Database keeps a
// reference to blob, which must not be modified afterwards.
func Decode(blob []byte, version sharedstore.Version) (*Database, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrDecode)
	}

	reader, err := geoip2.OpenBytes(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return &Database{reader: reader, version: version}, nil
}

// Country returns the ISO 3166-1 alpha-2 country code registered for addr.
func (d *Database) Country(addr netip.Addr) (string, error) {
	record, err := d.reader.Country(addr.Unmap())
	if err != nil {
		return "", fmt.Errorf("country lookup for %s failed: %w", addr, err)
	}
	if !record.HasData() || record.Country.ISOCode == "" {
		return "", ErrNotFound
	}
	return record.Country.ISOCode, nil
}

// Version is the store version of the blob this database was decoded from.
func (d *Database) Version() sharedstore.Version {
	return d.version
}

// Type is the MMDB database type, e.g. "GeoLite2-Country".
func (d *Database) Type() string {
	return d.reader.Metadata().DatabaseType
}

// BuildTime is when the database file was built.
func (d *Database) BuildTime() time.Time {
	return time.Unix(int64(d.reader.Metadata().BuildEpoch), 0).UTC()
}
