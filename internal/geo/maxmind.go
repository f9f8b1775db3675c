package geo

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// cityReader is the part of *geoip2.Reader the provider uses.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// MaxMindProvider resolves addresses offline from a GeoLite2/GeoIP2 City
// database.
type MaxMindProvider struct {
	reader cityReader
}

// NewMaxMindProvider opens the database at path.
func NewMaxMindProvider(path string) (*MaxMindProvider, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &MaxMindProvider{reader: r}, nil
}

// Name implements Provider.
func (p *MaxMindProvider) Name() string { return "maxmind" }

// Lookup implements Provider. Addresses absent from the database are a
// failure so they are not cached as unknown.
func (p *MaxMindProvider) Lookup(_ context.Context, addr string) (Location, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	rec, err := p.reader.City(ip.Unmap().AsSlice())
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	loc := Location{
		Country: strOrNil(rec.Country.Names["en"]),
		City:    strOrNil(rec.City.Names["en"]),
	}
	if loc.Country == nil && loc.City == nil {
		return Location{}, fmt.Errorf("%w: %s not in database", ErrLookup, addr)
	}
	return loc, nil
}

// Close releases the database.
func (p *MaxMindProvider) Close() error {
	return p.reader.Close()
}
