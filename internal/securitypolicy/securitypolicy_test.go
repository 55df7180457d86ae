package securitypolicy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestCanonicalMXOrder(t *testing.T) {
	mxs := []*net.MX{
		{Host: "MX2.Example.COM.", Pref: 20},
		{Host: "mx1.example.com.", Pref: 10},
		{Host: "mx0b.example.com.", Pref: 10},
	}

	got := CanonicalMXOrder(mxs)
	expected := []string{"mx0b.example.com", "mx1.example.com", "mx2.example.com"}
	if len(got) != len(expected) {
		t.Fatalf("unexpected order: %v", got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("position %d: got %q, expected %q", i, got[i], expected[i])
		}
	}
}

// Two permutations of the same MX set must produce the same fingerprint.
func TestRouteFingerprintStable(t *testing.T) {
	a := []*net.MX{
		{Host: "mx1.example.com", Pref: 10},
		{Host: "mx2.example.com", Pref: 20},
		{Host: "mx3.example.com", Pref: 20},
	}
	b := []*net.MX{
		{Host: "MX3.example.com.", Pref: 20},
		{Host: "mx1.EXAMPLE.com", Pref: 10},
		{Host: "mx2.example.com", Pref: 20},
	}

	fa := RouteFingerprint(CanonicalMXOrder(a))
	fb := RouteFingerprint(CanonicalMXOrder(b))
	if fa != fb {
		t.Errorf("fingerprints differ for permutations: %q vs %q", fa, fb)
	}

	c := []*net.MX{{Host: "other.example.com", Pref: 10}}
	if fc := RouteFingerprint(CanonicalMXOrder(c)); fc == fa {
		t.Errorf("different MX sets produced the same fingerprint")
	}
}

func TestMXIsAllowed(t *testing.T) {
	p := &SecurityPolicy{
		Mode:       ModeMTASTSEnforce,
		MXPatterns: []string{"*.mail.example.com", "backup.example.net"},
	}

	if !p.MXIsAllowed("mx1.mail.example.com") {
		t.Errorf("wildcard-matching MX was not allowed")
	}
	if !p.MXIsAllowed("backup.example.net") {
		t.Errorf("exact-matching MX was not allowed")
	}
	if p.MXIsAllowed("evil.example.org") {
		t.Errorf("non-matching MX was allowed")
	}

	// No patterns (DANE / opportunistic) means no restriction.
	open := &SecurityPolicy{Mode: ModeDANE}
	if !open.MXIsAllowed("anything.example.com") {
		t.Errorf("pattern-less policy restricted an MX")
	}
}

func TestRequiresAuthenticatedTLS(t *testing.T) {
	cases := []struct {
		mode     Mode
		expected bool
	}{
		{ModeDANE, true},
		{ModeMTASTSEnforce, true},
		{ModeMTASTSTesting, false},
		{ModeOpportunistic, false},
	}
	for _, c := range cases {
		p := &SecurityPolicy{Mode: c.mode}
		if got := p.RequiresAuthenticatedTLS(); got != c.expected {
			t.Errorf("%s: RequiresAuthenticatedTLS = %v, expected %v",
				c.mode, got, c.expected)
		}
	}
}

func selfSignedCert(t *testing.T) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.e.com"},
		DNSNames:     []string{"mx.e.com"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

func TestVerifyDANE(t *testing.T) {
	cert := selfSignedCert(t)
	chain := []*x509.Certificate{cert}

	spkiHash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	certHash := sha256.Sum256(cert.Raw)

	policyWith := func(rr dns.TLSA) *SecurityPolicy {
		return &SecurityPolicy{
			Mode: ModeDANE,
			TLSA: map[string][]dns.TLSA{"mx.e.com": {rr}},
		}
	}

	// DANE-EE (usage 3), SPKI (selector 1), SHA-256 (matching type 1).
	p := policyWith(dns.TLSA{
		Usage: 3, Selector: 1, MatchingType: 1,
		Certificate: fmt.Sprintf("%x", spkiHash),
	})
	if ok, err := p.VerifyDANE("mx.e.com", chain); !ok {
		t.Errorf("matching DANE-EE SPKI record rejected: %v", err)
	}

	// Full certificate (selector 0).
	p = policyWith(dns.TLSA{
		Usage: 3, Selector: 0, MatchingType: 1,
		Certificate: fmt.Sprintf("%x", certHash),
	})
	if ok, err := p.VerifyDANE("mx.e.com", chain); !ok {
		t.Errorf("matching full-cert record rejected: %v", err)
	}

	// DANE-TA (usage 2) on a self-signed chain: the leaf is its own anchor.
	p = policyWith(dns.TLSA{
		Usage: 2, Selector: 1, MatchingType: 1,
		Certificate: fmt.Sprintf("%x", spkiHash),
	})
	if ok, err := p.VerifyDANE("mx.e.com", chain); !ok {
		t.Errorf("matching DANE-TA record rejected: %v", err)
	}

	// Hash mismatch must fail.
	p = policyWith(dns.TLSA{
		Usage: 3, Selector: 1, MatchingType: 1,
		Certificate: "00112233445566778899aabbccddeeff" +
			"00112233445566778899aabbccddeeff",
	})
	if ok, _ := p.VerifyDANE("mx.e.com", chain); ok {
		t.Errorf("mismatched record accepted")
	}

	// No records for the host must fail.
	if ok, _ := p.VerifyDANE("other.e.com", chain); ok {
		t.Errorf("host without records accepted")
	}
}
