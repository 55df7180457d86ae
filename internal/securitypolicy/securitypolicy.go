// Package securitypolicy decides, for a given destination domain, how
// strictly outbound delivery should validate the TLS connection to its
// mail exchangers. It composes two independent signals fetched from
// DNS/HTTPS - DANE (TLSA records on the MX) and MTA-STS (a published
// HTTPS policy) - into a single SecurityPolicy the courier can enforce.
package securitypolicy

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/transilvlad/robin/internal/sts"
	"github.com/transilvlad/robin/internal/trace"
)

// Mode identifies which mechanism produced a SecurityPolicy's
// constraints.
type Mode string

const (
	// ModeDANE means at least one candidate MX published a usable TLSA
	// record; the courier MUST validate the chain (or leaf/SPKI hash,
	// per usage) against it.
	ModeDANE Mode = "dane"

	// ModeMTASTSEnforce means a valid MTA-STS policy in "enforce" mode
	// was found; the courier MUST use TLS with full certificate
	// validation, restricted to the policy's MX patterns.
	ModeMTASTSEnforce Mode = "mta-sts-enforce"

	// ModeMTASTSTesting means a valid MTA-STS policy in "testing" mode
	// was found; violations should be logged but not block delivery.
	ModeMTASTSTesting Mode = "mta-sts-testing"

	// ModeOpportunistic means neither DANE nor MTA-STS data was found;
	// the courier uses STARTTLS when offered but doesn't require it.
	ModeOpportunistic Mode = "opportunistic"
)

// SecurityPolicy is the resolved security posture for one destination
// domain.
type SecurityPolicy struct {
	Mode Mode

	// MXPatterns restricts which MX hostnames may be used, per the
	// MTA-STS policy. Empty means no restriction (DANE/opportunistic).
	MXPatterns []string

	// TLSA holds the TLSA record set per MX hostname, populated only in
	// ModeDANE.
	TLSA map[string][]dns.TLSA
}

// MXIsAllowed reports whether mx may be used to deliver mail under this
// policy.
func (p *SecurityPolicy) MXIsAllowed(mx string) bool {
	if p == nil || len(p.MXPatterns) == 0 {
		return true
	}

	// The pattern-matching semantics are MTA-STS's, so delegate to it.
	stsPolicy := &sts.Policy{Mode: sts.Enforce, MXs: p.MXPatterns}
	return stsPolicy.MXIsAllowed(mx)
}

// RequiresAuthenticatedTLS reports whether the courier must reject the
// connection if the TLS certificate cannot be validated.
func (p *SecurityPolicy) RequiresAuthenticatedTLS() bool {
	return p != nil && (p.Mode == ModeDANE || p.Mode == ModeMTASTSEnforce)
}

// VerifyDANE checks a presented certificate chain against the TLSA
// records collected for mx, per RFC 6698's four usage types: 0 (PKIX-TA)
// and 2 (DANE-TA) constrain an issuer anywhere in the chain, 1 (PKIX-EE)
// and 3 (DANE-EE) constrain the leaf. Note the PKIX usages additionally
// require Web-PKI validation, which the courier tracks separately via its
// connection security level.
func (p *SecurityPolicy) VerifyDANE(mx string, chain []*x509.Certificate) (bool, error) {
	if p == nil {
		return false, errors.New("no policy")
	}
	records, ok := p.TLSA[mx]
	if !ok || len(records) == 0 {
		return false, fmt.Errorf("no TLSA records for %s", mx)
	}
	if len(chain) == 0 {
		return false, errors.New("empty certificate chain")
	}

	for _, rr := range records {
		var candidates []*x509.Certificate
		switch rr.Usage {
		case 0, 2: // PKIX-TA / DANE-TA: a trust anchor in the chain.
			candidates = chain[1:]
			if len(candidates) == 0 {
				// A self-signed leaf is its own anchor.
				candidates = chain
			}
		case 1, 3: // PKIX-EE / DANE-EE: the leaf itself.
			candidates = chain[:1]
		default:
			continue
		}

		for _, cert := range candidates {
			data, err := selectorData(cert, rr.Selector)
			if err != nil {
				continue
			}

			digest, err := matchingData(data, rr.MatchingType)
			if err != nil {
				continue
			}

			if strings.EqualFold(digest, rr.Certificate) {
				return true, nil
			}
		}
	}

	return false, fmt.Errorf("no TLSA record matched presented chain for %s", mx)
}

func selectorData(cert *x509.Certificate, selector uint8) ([]byte, error) {
	switch selector {
	case 0: // full certificate
		return cert.Raw, nil
	case 1: // SubjectPublicKeyInfo
		return cert.RawSubjectPublicKeyInfo, nil
	default:
		return nil, fmt.Errorf("unsupported TLSA selector %d", selector)
	}
}

func matchingData(data []byte, matchingType uint8) (string, error) {
	switch matchingType {
	case 0:
		return fmt.Sprintf("%x", data), nil
	case 1:
		sum := sha256.Sum256(data)
		return fmt.Sprintf("%x", sum), nil
	case 2:
		sum := sha512.Sum512(data)
		return fmt.Sprintf("%x", sum), nil
	default:
		return "", fmt.Errorf("unsupported TLSA matching type %d", matchingType)
	}
}

// CanonicalMXOrder returns the hostnames of the given MX records in
// canonical order: by priority, then hostname ascending (lowercased, with
// any trailing dot removed). Two permutations of the same record set
// always produce the same list.
func CanonicalMXOrder(mxs []*net.MX) []string {
	recs := make([]*net.MX, len(mxs))
	copy(recs, mxs)

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Pref != recs[j].Pref {
			return recs[i].Pref < recs[j].Pref
		}
		return canonicalHost(recs[i].Host) < canonicalHost(recs[j].Host)
	})

	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, canonicalHost(r.Host))
	}
	return out
}

func canonicalHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(h, "."))
}

// RouteFingerprint returns a stable SHA-256 fingerprint of a canonically
// ordered MX list, identifying identical "routes" that may be shared
// across domains.
func RouteFingerprint(hosts []string) string {
	h := sha256.New()
	for _, host := range hosts {
		h.Write([]byte(host))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Options configures a Resolver.
type Options struct {
	EnableDANE   bool
	EnableMTASTS bool

	// CachePath is the directory where the MTA-STS policy cache is
	// persisted between restarts. It is required when EnableMTASTS is
	// set: NewResolver returns an error if it is empty (MTA-STS is never
	// operated without the cache, per the RFC's requirement that policies
	// be honored for their full max_age).
	CachePath string
}

// Resolver fetches and caches DANE/MTA-STS data for outbound delivery
// decisions.
type Resolver struct {
	opts Options

	stsCache *sts.PolicyCache

	dnsClient  *dns.Client
	resolvConf string
}

// NewResolver builds a Resolver with the given options, backed by an
// MTA-STS policy cache at opts.CachePath.
func NewResolver(opts Options) (*Resolver, error) {
	r := &Resolver{
		opts:       opts,
		dnsClient:  &dns.Client{Timeout: 5 * time.Second},
		resolvConf: "/etc/resolv.conf",
	}

	if opts.EnableMTASTS {
		if opts.CachePath == "" {
			return nil, errors.New("MTA-STS requires a cache directory")
		}
		var err error
		r.stsCache, err = sts.NewCache(opts.CachePath)
		if err != nil {
			return nil, fmt.Errorf("creating STS cache: %v", err)
		}
	}

	return r, nil
}

// PeriodicallyRefresh refreshes cached MTA-STS policies before they
// expire, until ctx is cancelled. It is meant to be run in its own
// goroutine for the lifetime of the process.
func (r *Resolver) PeriodicallyRefresh(ctx context.Context) {
	if r.stsCache == nil {
		return
	}
	r.stsCache.PeriodicallyRefresh(ctx)
}

// Resolve computes the SecurityPolicy for domain, trying DANE first (if
// enabled) against the given candidate MX hosts, then MTA-STS (if
// enabled), falling back to opportunistic TLS.
func (r *Resolver) Resolve(ctx context.Context, tr *trace.Trace, domain string, mxs []string) *SecurityPolicy {
	if r.opts.EnableDANE {
		if p := r.resolveDANE(tr, mxs); p != nil {
			return p
		}
	}

	if r.stsCache != nil {
		if p, err := r.stsCache.Fetch(ctx, domain); err == nil {
			if sp := stsToPolicy(p); sp != nil {
				return sp
			}
		} else {
			tr.Debugf("no MTA-STS policy for %s: %v", domain, err)
		}
	}

	return &SecurityPolicy{Mode: ModeOpportunistic}
}

// stsToPolicy converts an MTA-STS policy into a SecurityPolicy, or nil for
// mode "none" (which explicitly asks to be treated as if no policy existed).
func stsToPolicy(p *sts.Policy) *SecurityPolicy {
	switch p.Mode {
	case sts.Enforce:
		return &SecurityPolicy{Mode: ModeMTASTSEnforce, MXPatterns: p.MXs}
	case sts.Testing:
		return &SecurityPolicy{Mode: ModeMTASTSTesting, MXPatterns: p.MXs}
	default:
		return nil
	}
}

func (r *Resolver) resolveDANE(tr *trace.Trace, mxs []string) *SecurityPolicy {
	records := map[string][]dns.TLSA{}

	for _, mx := range mxs {
		rrs, err := r.lookupTLSA(mx)
		if err != nil || len(rrs) == 0 {
			continue
		}
		records[mx] = rrs
	}

	if len(records) == 0 {
		return nil
	}

	tr.Debugf("DANE TLSA records found for %d/%d MXs", len(records), len(mxs))
	return &SecurityPolicy{Mode: ModeDANE, TLSA: records}
}

// lookupTLSA queries the TLSA record for SMTP (port 25, TCP) on mx.
func (r *Resolver) lookupTLSA(mx string) ([]dns.TLSA, error) {
	ascii, err := idna.ToASCII(strings.TrimSuffix(mx, "."))
	if err != nil {
		return nil, err
	}

	qname := fmt.Sprintf("_25._tcp.%s.", ascii)
	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeTLSA)
	m.SetEdns0(4096, true) // request DNSSEC OK; unsigned TLSA is not trustworthy.

	conf, err := dns.ClientConfigFromFile(r.resolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return nil, errors.New("no DNS resolver configured")
	}

	server := conf.Servers[0] + ":" + conf.Port
	resp, _, err := r.dnsClient.Exchange(m, server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("DNS rcode %d for TLSA %s", resp.Rcode, qname)
	}
	if !resp.AuthenticatedData {
		return nil, fmt.Errorf("TLSA response for %s is not DNSSEC-authenticated", qname)
	}

	var out []dns.TLSA
	for _, rr := range resp.Answer {
		if tlsa, ok := rr.(*dns.TLSA); ok {
			out = append(out, *tlsa)
		}
	}
	return out, nil
}

// UncheckedFetchMTASTS fetches and parses the MTA-STS policy for domain
// without validating it or consulting the cache, for diagnostic tools.
func UncheckedFetchMTASTS(ctx context.Context, domain string) (*SecurityPolicy, error) {
	p, err := sts.UncheckedFetch(ctx, domain)
	if err != nil {
		return nil, err
	}

	if sp := stsToPolicy(p); sp != nil {
		return sp, nil
	}
	return &SecurityPolicy{Mode: ModeOpportunistic}, nil
}

