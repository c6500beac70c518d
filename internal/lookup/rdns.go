package lookup

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// RDNSResolver implements RDnsLookup with an ordinary reverse-DNS query
// and an mDNS fallback for addresses that only answer on the local
// segment. Adapted from the teacher's internal/resolver.Resolver, trimmed
// of its IPv6 EUI-64/MAC correlation (spec §6 only asks for ip -> String,
// no cross-record correlation belongs in this collaborator).
type RDNSResolver struct {
	mu     sync.RWMutex
	cache  map[string]cacheEntry
	maxAge time.Duration
}

type cacheEntry struct {
	hostname string
	at       time.Time
	notFound bool
}

// NewRDNSResolver builds a resolver whose cache entries expire after maxAge.
func NewRDNSResolver(maxAge time.Duration) *RDNSResolver {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &RDNSResolver{cache: make(map[string]cacheEntry), maxAge: maxAge}
}

// Lookup satisfies lookup.RDnsLookup. It consults the cache first, then
// standard DNS, then mDNS, respecting ctx's deadline throughout.
func (r *RDNSResolver) Lookup(ctx context.Context, ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	ipStr := ip.String()

	r.mu.RLock()
	entry, cached := r.cache[ipStr]
	r.mu.RUnlock()
	if cached && time.Since(entry.at) < r.maxAge {
		return entry.hostname, !entry.notFound
	}

	names, err := net.DefaultResolver.LookupAddr(ctx, ipStr)
	var hostname string
	found := false
	if err == nil && len(names) > 0 {
		hostname = strings.TrimSuffix(names[0], ".")
		if !isUnhelpfulHostname(hostname, ipStr) {
			found = true
		}
	}

	if !found {
		if mdnsName := lookupMDNS(ctx, ip); mdnsName != "" {
			hostname = mdnsName
			found = true
		}
	}

	r.mu.Lock()
	r.cache[ipStr] = cacheEntry{hostname: hostname, at: time.Now(), notFound: !found}
	r.mu.Unlock()

	return hostname, found
}

var unhelpfulPatterns = []struct {
	contains string
}{
	{"ip6.arpa"},
	{"in-addr.arpa"},
}

func isUnhelpfulHostname(hostname, ipStr string) bool {
	if hostname == "" || hostname == ipStr {
		return true
	}
	if strings.Contains(hostname, ipStr) {
		return true
	}
	for _, p := range unhelpfulPatterns {
		if strings.Contains(strings.ToLower(hostname), p.contains) {
			return true
		}
	}
	return false
}

func reverseIPv4Name(ip net.IP) string {
	ip = ip.To4()
	if ip == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", ip[3], ip[2], ip[1], ip[0])
}

func reverseIPv6Name(ip net.IP) string {
	ip = ip.To16()
	if ip == nil {
		return ""
	}
	var b strings.Builder
	for i := len(ip) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%x.%x.", ip[i]&0x0f, ip[i]>>4)
	}
	b.WriteString("ip6.arpa.")
	return b.String()
}

// lookupMDNS sends a one-shot PTR query to the well-known mDNS multicast
// group and returns the first PTR answer, if any.
func lookupMDNS(ctx context.Context, ip net.IP) string {
	var reverseName, mdnsAddr string
	if v4 := ip.To4(); v4 != nil {
		reverseName = reverseIPv4Name(ip)
		mdnsAddr = "224.0.0.251:5353"
	} else {
		reverseName = reverseIPv6Name(ip)
		mdnsAddr = "[ff02::fb]:5353"
	}
	if reverseName == "" {
		return ""
	}

	msg := new(dns.Msg)
	msg.SetQuestion(reverseName, dns.TypePTR)
	msg.RecursionDesired = false

	timeout := 500 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	client := &dns.Client{Net: "udp", Timeout: timeout}

	response, _, err := client.Exchange(msg, mdnsAddr)
	if err != nil {
		return ""
	}
	for _, answer := range response.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}
