// Package geohint provides best-effort country-code annotation for exit
// IPs. Lookups are display-only and never influence rate or health
// decisions; an unconfigured service answers every query with "".
package geohint

import (
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

// Reader abstracts the GeoIP database so tests can substitute a fake.
type Reader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// noOpReader answers "" for all lookups.
type noOpReader struct{}

func (noOpReader) Lookup(_ netip.Addr) string { return "" }
func (noOpReader) Close() error               { return nil }

// NoOp returns a Reader that answers "" for every lookup.
func NoOp() Reader { return noOpReader{} }

type mmdbReader struct {
	reader *maxminddb.Reader
}

type mmdbCountryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

func (m *mmdbReader) Lookup(ip netip.Addr) string {
	if m == nil || m.reader == nil || !ip.IsValid() {
		return ""
	}
	ip = ip.Unmap()
	var record mmdbCountryRecord
	if err := m.reader.Lookup(net.IP(ip.AsSlice()), &record); err != nil {
		return ""
	}
	if record.Country.ISOCode != "" {
		return strings.ToLower(record.Country.ISOCode)
	}
	if record.RegisteredCountry.ISOCode != "" {
		return strings.ToLower(record.RegisteredCountry.ISOCode)
	}
	return ""
}

func (m *mmdbReader) Close() error {
	if m == nil || m.reader == nil {
		return nil
	}
	return m.reader.Close()
}

// Open opens a MaxMind-compatible database at path. An empty path yields
// the no-op reader; an unreadable database is also degraded to the no-op
// reader rather than failing, since hints are never load-bearing.
func Open(path string) Reader {
	if path == "" {
		return NoOp()
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return NoOp()
	}
	return &mmdbReader{reader: reader}
}

// Service answers country-hint queries for exit IP strings.
type Service struct {
	reader Reader
}

// NewService creates a hint service over the given reader.
func NewService(reader Reader) *Service {
	if reader == nil {
		reader = NoOp()
	}
	return &Service{reader: reader}
}

// Hint returns the lowercase ISO country code for ip, or "" when unknown
// or unparsable.
func (s *Service) Hint(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	return s.reader.Lookup(addr)
}

// Close releases the underlying database.
func (s *Service) Close() error {
	return s.reader.Close()
}
