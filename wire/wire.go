// Package wire supplies the small set of DNS wire-format helpers qcache
// treats as external collaborators: extracting the minimum TTL from a
// rendered response, canonicalising a query name, and aging a cached
// response's TTLs in place. qcache itself never parses a full DNS
// message; these helpers do, using github.com/miekg/dns.
package wire

import (
	"math"

	"github.com/miekg/dns"
)

// NoTTL is the sentinel MinTTL returns when a packet cannot be parsed or
// carries no resource record to extract a TTL from. The cache treats it
// as "do not cache this response".
const NoTTL = math.MaxUint32

// maxDomainNameWireOctets is the maximum wire-format length of a domain
// name (RFC 1035 section 2.3.4). github.com/miekg/dns keeps this constant
// unexported, so it is mirrored here.
const maxDomainNameWireOctets = 255

// MinTTL scans every resource record in a rendered DNS response and
// returns the smallest TTL seen across the Answer, Ns and Extra
// sections, ignoring OPT pseudo-records (they carry no real TTL). It
// returns NoTTL if the packet cannot be parsed or has no eligible record.
func MinTTL(msg []byte) uint32 {
	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return NoTTL
	}

	min := uint32(NoTTL)
	scan := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if ttl := rr.Header().Ttl; ttl < min {
				min = ttl
			}
		}
	}
	scan(m.Answer)
	scan(m.Ns)
	scan(m.Extra)

	return min
}

// ToWire returns the canonical length-prefixed label encoding of name,
// e.g. "example.com." -> []byte{7,'e',...,3,'c','o','m',0}.
func ToWire(name string) ([]byte, error) {
	buf := make([]byte, maxDomainNameWireOctets)
	n, err := dns.PackDomainName(dns.Fqdn(name), buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ToLowerWire returns b with every ASCII uppercase byte folded to
// lowercase. It operates directly on wire-encoded bytes (length octets
// included) since label lengths never collide with ASCII letter ranges.
func ToLowerWire(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

// AgeResponse decrements every resource record's TTL in a rendered
// response by age seconds, clamping at zero, and re-renders the result
// back into buf. buf[:n] is the input; the returned length is the
// re-rendered message's length, which the caller must use in place of
// n. Re-packing can compress domain names differently than however the
// message was originally encoded, so the output length is not
// guaranteed to equal n even though no record was added or removed. If
// the re-rendered message does not fit in buf, buf is left untouched and
// n is returned.
//
// age is signed because qcache's stale-serve accounting can land on a
// negative value (a staleTTL window longer than the record's own TTL);
// the clamp-at-zero subtraction still applies, it just never triggers
// in that case.
func AgeResponse(buf []byte, n int, age int64) int {
	if age == 0 || n < 12 {
		return n
	}

	m := new(dns.Msg)
	if err := m.Unpack(buf[:n]); err != nil {
		// Not a well-formed message (e.g. a header-only response with
		// no records to age); leave the bytes untouched.
		return n
	}

	ageRRs := func(rrs []dns.RR) {
		for _, rr := range rrs {
			h := rr.Header()
			if h.Rrtype == dns.TypeOPT {
				continue
			}
			ttl := int64(h.Ttl) - age
			if ttl < 0 {
				ttl = 0
			}
			h.Ttl = uint32(ttl)
		}
	}
	ageRRs(m.Answer)
	ageRRs(m.Ns)
	ageRRs(m.Extra)

	out, err := m.PackBuffer(buf)
	if err != nil || len(out) > len(buf) {
		return n
	}
	// PackBuffer packs into a fresh slice when buf lacks spare room, so
	// copy the result back to keep the aging in place.
	copy(buf, out)
	return len(out)
}
