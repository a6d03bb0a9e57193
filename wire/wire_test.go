package wire

import (
	"testing"

	"github.com/miekg/dns"
)

func buildResponse(t *testing.T, ttl uint32) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	rr, err := dns.NewRR("example.com. " + itoa(ttl) + " IN A 192.0.2.1")
	if err != nil {
		t.Fatal(err)
	}
	m.Answer = append(m.Answer, rr)

	buf, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func TestMinTTL(t *testing.T) {
	buf := buildResponse(t, 300)
	if ttl := MinTTL(buf); ttl != 300 {
		t.Fatalf("expected TTL 300, got %d", ttl)
	}
}

func TestMinTTLNoRecords(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	buf, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}

	if ttl := MinTTL(buf); ttl != NoTTL {
		t.Fatalf("expected sentinel NoTTL for header-only response, got %d", ttl)
	}
}

func TestMinTTLMalformed(t *testing.T) {
	if ttl := MinTTL([]byte{0x00, 0x01}); ttl != NoTTL {
		t.Fatalf("expected sentinel NoTTL for malformed packet, got %d", ttl)
	}
}

func TestToWireAndLower(t *testing.T) {
	upper, err := ToWire("EXAMPLE.COM.")
	if err != nil {
		t.Fatal(err)
	}
	lower, err := ToWire("example.com.")
	if err != nil {
		t.Fatal(err)
	}

	if string(ToLowerWire(upper)) != string(lower) {
		t.Fatalf("expected lowered wire name to match: %x != %x", ToLowerWire(upper), lower)
	}
}

func TestAgeResponse(t *testing.T) {
	buf := buildResponse(t, 300)
	n := AgeResponse(buf, len(buf), 100)

	m := new(dns.Msg)
	if err := m.Unpack(buf[:n]); err != nil {
		t.Fatal(err)
	}
	if got := m.Answer[0].Header().Ttl; got != 200 {
		t.Fatalf("expected aged TTL 200, got %d", got)
	}
}

func TestAgeResponseClampsAtZero(t *testing.T) {
	buf := buildResponse(t, 50)
	n := AgeResponse(buf, len(buf), 100)

	m := new(dns.Msg)
	if err := m.Unpack(buf[:n]); err != nil {
		t.Fatal(err)
	}
	if got := m.Answer[0].Header().Ttl; got != 0 {
		t.Fatalf("expected TTL clamped to 0, got %d", got)
	}
}

func TestAgeResponseHeaderOnlyNoop(t *testing.T) {
	buf := make([]byte, 12)
	if n := AgeResponse(buf, 12, 50); n != 12 {
		t.Fatalf("expected header-only response length unchanged, got %d", n)
	}
}
