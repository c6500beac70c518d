// Package lookup defines the optional external collaborator interfaces
// named in spec §6 — AS, GeoIP, and reverse-DNS lookup — plus the
// concrete reverse-DNS implementation. ASLookup and GeoIPLookup are
// deliberately left as documented no-op stubs: the relay design treats
// BGP/MaxMind enrichment as "an optional collaborator, not required" and
// nothing in the pack carries a BGP or MaxMind client to ground a real
// implementation on.
package lookup

import (
	"context"
	"net"
	"time"
)

// ASLookup resolves an IP address to an originating AS number. A result
// of (0, false) means "no answer within the timeout", which the enricher
// treats identically to a disabled lookup.
type ASLookup interface {
	Lookup(ctx context.Context, ip net.IP) (asn uint32, ok bool)
}

// GeoIPLookup resolves an IP address to an ISO country code.
type GeoIPLookup interface {
	Lookup(ctx context.Context, ip net.IP) (countryCode string, ok bool)
}

// RDnsLookup resolves an IP address to a reverse-DNS hostname.
type RDnsLookup interface {
	Lookup(ctx context.Context, ip net.IP) (hostname string, ok bool)
}

// NoopASLookup always reports no answer; it exists so the enricher can be
// wired unconditionally and the `as_extraction` fallback path simply does
// nothing useful when no real collaborator is configured.
type NoopASLookup struct{}

func (NoopASLookup) Lookup(context.Context, net.IP) (uint32, bool) { return 0, false }

// NoopGeoIPLookup mirrors NoopASLookup for the GeoIP collaborator.
type NoopGeoIPLookup struct{}

func (NoopGeoIPLookup) Lookup(context.Context, net.IP) (string, bool) { return "", false }

// DefaultTimeout is the spec §6 default collaborator timeout.
const DefaultTimeout = 5 * time.Millisecond
