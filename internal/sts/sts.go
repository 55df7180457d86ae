// Package sts implements the MTA-STS (Strict Transport Security), RFC 8461.
//
// Note that "report" mode is not supported.
package sts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/net/idna"

	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/safeio"
	"github.com/transilvlad/robin/internal/trace"
	"blitiri.com.ar/go/log"
)

// Exported variables.
var (
	cacheFetches = expvarom.NewInt("robin/sts/cache/fetches",
		"count of total fetches in the STS cache")
	cacheHits = expvarom.NewInt("robin/sts/cache/hits",
		"count of STS cache hits")

	cacheIOErrors = expvarom.NewInt("robin/sts/cache/ioErrors",
		"count of I/O errors when maintaining STS cache")
	cacheFailedFetch = expvarom.NewInt("robin/sts/cache/failedFetch",
		"count of failed fetches in the STS cache")
	cacheInvalid = expvarom.NewInt("robin/sts/cache/invalid",
		"count of invalid policies in the STS cache")
	cacheMarshalErrors = expvarom.NewInt("robin/sts/cache/marshalErrors",
		"count of marshalling errors when maintaining STS cache")
	cacheRefreshCycles = expvarom.NewInt("robin/sts/cache/refreshCycles",
		"count of STS cache refresh cycles")
	cacheRefreshes = expvarom.NewInt("robin/sts/cache/refreshes",
		"count of STS cache refreshes")
	cacheRefreshErrors = expvarom.NewInt("robin/sts/cache/refreshErrors",
		"count of STS cache refresh errors")

	cacheUnmarshalErrors = expvarom.NewInt("robin/sts/cache/unmarshalErrors",
		"count of unmarshalling errors in STS cache")
)

// Policy represents a parsed policy.
// https://tools.ietf.org/html/rfc8461#section-3.2
// The json annotations are used for storing the policy in the cache.
type Policy struct {
	Version string        `json:"version"`
	Mode    Mode          `json:"mode"`
	MXs     []string      `json:"mx"`
	MaxAge  time.Duration `json:"max_age"`
}

// Mode of the STS policy. For more details, see
// https://tools.ietf.org/html/rfc8461#section-5.
type Mode string

// Valid modes.
const (
	Enforce = Mode("enforce")
	Testing = Mode("testing")
	None    = Mode("none")
)

// parsePolicy parses a text representation of the policy (as specified in
// the RFC), and returns the corresponding Policy structure.
func parsePolicy(raw []byte) (*Policy, error) {
	p := &Policy{}

	scanner := strings.Split(string(raw), "\n")
	for _, line := range scanner {
		sp := strings.SplitN(line, ":", 2)
		if len(sp) != 2 {
			continue
		}
		key := strings.TrimSpace(sp[0])
		value := strings.TrimSpace(sp[1])

		// Only care about the keys we know about, skip the rest.
		switch key {
		case "version":
			p.Version = value
		case "mode":
			p.Mode = Mode(value)
		case "mx":
			p.MXs = append(p.MXs, value)
		case "max_age":
			// On error, explicitly set it to 0, as the value could be
			// anything.
			maxAge, err := strconv.Atoi(value)
			if err != nil {
				maxAge = 0
			}
			p.MaxAge = time.Duration(maxAge) * time.Second
		}
	}

	return p, nil
}

// Errors returned by the Check function.
var (
	ErrUnknownVersion = errors.New("unknown policy version")
	ErrInvalidMaxAge  = errors.New("invalid max_age")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrInvalidMX      = errors.New("invalid mx")
)

// Check that the policy contents are valid.
func (p *Policy) Check() error {
	if p.Version != "STSv1" {
		return ErrUnknownVersion
	}
	if p.MaxAge <= 0 {
		return ErrInvalidMaxAge
	}

	if p.Mode != Enforce && p.Mode != Testing && p.Mode != None {
		return ErrInvalidMode
	}

	// "mx" field is required, and the policy is invalid if it's not present.
	// https://mailarchive.ietf.org/arch/msg/uta/Omqo1Bw6rJbrTMl2Zo69IJr35Qo
	if len(p.MXs) == 0 {
		return ErrInvalidMX
	}

	return nil
}

// MXIsAllowed checks if the given MX is allowed, according to the policy.
// https://tools.ietf.org/html/rfc8461#section-4.1
func (p *Policy) MXIsAllowed(mx string) bool {
	if p.Mode != Enforce {
		return true
	}

	for _, pattern := range p.MXs {
		if matchDomain(mx, pattern) {
			return true
		}
	}

	return false
}

// UncheckedFetch fetches and parses the policy, but does NOT check it.
// This can be useful for debugging and troubleshooting, but you should always
// call Check on the policy before using it.
func UncheckedFetch(ctx context.Context, domain string) (*Policy, error) {
	// Convert the domain to ascii form, as httpGet does not support IDNs in
	// any other way.
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	rawPolicy, err := httpGet(ctx, urlForDomain(domain))
	if err != nil {
		return nil, err
	}

	return parsePolicy(rawPolicy)
}

// Fake URL for testing purposes, so we can do more end-to-end tests,
// including the HTTP fetching code.
var fakeURLForTesting = ""

func urlForDomain(domain string) string {
	if fakeURLForTesting != "" {
		return fakeURLForTesting + "/" + domain
	}

	// URL composed from the domain, as explained in:
	// https://tools.ietf.org/html/rfc8461#section-3.3
	return "https://mta-sts." + domain + "/.well-known/mta-sts.txt"
}

// Fetch a policy for the given domain. Note this results in various network
// lookups and HTTPS GETs, so it can be slow.
// The returned policy is parsed and sanity-checked (using Policy.Check), so
// it should be safe to use.
func Fetch(ctx context.Context, domain string) (*Policy, error) {
	p, err := UncheckedFetch(ctx, domain)
	if err != nil {
		return nil, err
	}

	err = p.Check()
	if err != nil {
		return nil, err
	}

	return p, nil
}

// httpGet performs an HTTP GET of the given URL, using the context and
// rejecting redirects, as per the standard.
func httpGet(ctx context.Context, url string) ([]byte, error) {
	client := &http.Client{
		// We MUST NOT follow redirects, see
		// https://tools.ietf.org/html/rfc8461#section-3.3
		CheckRedirect: rejectRedirect,
	}

	// Note that http does not care for the context deadline, so we need to
	// construct it here.
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}

	resp, err := ctxhttp.Get(ctx, client, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Media type must be "text/plain" to guard against cases where
	// webservers allow untrusted users to host non-text content (like HTML
	// or images) at a user-defined path.
	// https://tools.ietf.org/html/rfc8461#section-3.2
	mt := strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]
	if ct := strings.TrimSpace(mt); ct != "" && ct != "text/plain" {
		return nil, fmt.Errorf("invalid HTTP content-type: %v", ct)
	}

	// Read at most 10k of the policy; anything past that is silently
	// dropped, not reported as an error.
	return ioutil.ReadAll(io.LimitReader(resp.Body, 10*1024))
}

var errRejectRedirect = errors.New("redirects not allowed in MTA-STS")

func rejectRedirect(req *http.Request, via []*http.Request) error {
	return errRejectRedirect
}

// matchDomain checks if the domain matches the given pattern, according to
// https://tools.ietf.org/html/rfc8461#section-4.1
// (based on https://tools.ietf.org/html/rfc6125#section-6.4).
func matchDomain(domain, pattern string) bool {
	domain, dErr := domainToASCII(domain)
	pattern, pErr := domainToASCII(pattern)
	if dErr != nil || pErr != nil {
		// Domains should already have been checked and normalized by the
		// caller, exposing this is not worth the API complexity in this case.
		return false
	}

	domainLabels := strings.Split(domain, ".")
	patternLabels := strings.Split(pattern, ".")

	if len(domainLabels) != len(patternLabels) {
		return false
	}

	for i, p := range patternLabels {
		// Wildcards only apply to the first part, see
		// https://tools.ietf.org/html/rfc6125#section-6.4.3 #1 and #2.
		// This also allows us to do the length comparison above.
		if p == "*" && i == 0 {
			continue
		}

		if p != domainLabels[i] {
			return false
		}
	}

	return true
}

// domainToASCII converts the domain to ASCII form, similar to idna.ToASCII
// but with some preprocessing convenient for our use cases.
func domainToASCII(domain string) (string, error) {
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.ToLower(domain)
	return idna.ToASCII(domain)
}

// PolicyCache is a caching layer around Fetch, storing policies on disk so
// they survive across restarts, per the RFC's requirement that policies be
// honored for their max_age even when the policy host goes away.
//
// It is concurrency-safe, and uses the file system for simplicity: one JSON
// file per domain, with the file's modification time plus the policy's
// max_age determining expiry.
type PolicyCache struct {
	dir string

	sync.Mutex
}

// NewCache creates an instance of PolicyCache using the given directory as
// backing storage. The directory will be created if it does not exist.
func NewCache(dir string) (*PolicyCache, error) {
	c := &PolicyCache{
		dir: dir,
	}
	err := os.MkdirAll(dir, 0770)
	return c, err
}

const pathPrefix = "pol:"

func (c *PolicyCache) domainPath(domain string) string {
	// We always use the ASCII representation of the domain, to avoid issues
	// with the file system and unicode domains.
	d, err := idna.ToASCII(domain)
	if err != nil {
		d = domain
	}
	return filepath.Join(c.dir, pathPrefix+d)
}

var errExpired = errors.New("cache entry expired")

func (c *PolicyCache) load(domain string) (*Policy, error) {
	fname := c.domainPath(domain)

	fi, err := os.Stat(fname)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, err
	}

	p := &Policy{}
	err = json.Unmarshal(data, p)
	if err != nil {
		cacheUnmarshalErrors.Add(1)
		return nil, err
	}

	// The modification time of the file is the policy's expiry, see store.
	if time.Now().After(fi.ModTime()) {
		return nil, errExpired
	}

	// The policy should always be valid, as we marshalled it ourselves;
	// however, check it just to be safe.
	if err := p.Check(); err != nil {
		cacheInvalid.Add(1)
		return nil, fmt.Errorf("cache contains invalid policy: %v", err)
	}

	return p, nil
}

func (c *PolicyCache) store(domain string, p *Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		cacheMarshalErrors.Add(1)
		return fmt.Errorf("json.Marshal: %v", err)
	}

	fname := c.domainPath(domain)
	err = safeio.WriteFile(fname, data, 0640)
	if err != nil {
		cacheIOErrors.Add(1)
		return fmt.Errorf("writing file: %v", err)
	}

	// We encode the expiry time as the file's modification time, so the
	// entry ages out naturally without having to re-parse it.
	expires := time.Now().Add(p.MaxAge)
	if err := os.Chtimes(fname, expires, expires); err != nil {
		cacheIOErrors.Add(1)
		return fmt.Errorf("setting expiry: %v", err)
	}
	return nil
}

// Fetch a policy for the given domain, using the cache, and refetching over
// the network on a miss or expiry.
func (c *PolicyCache) Fetch(ctx context.Context, domain string) (*Policy, error) {
	cacheFetches.Add(1)
	c.Lock()
	defer c.Unlock()

	p, err := c.load(domain)
	if err == nil {
		cacheHits.Add(1)
		return p, nil
	}

	p, err = Fetch(ctx, domain)
	if err != nil {
		cacheFailedFetch.Add(1)
		return nil, err
	}

	if err := c.store(domain, p); err != nil {
		log.Infof("failed to store STS policy for %s: %v", domain, err)
	}

	return p, nil
}

// PeriodicallyRefresh the cache, until the context is cancelled.
func (c *PolicyCache) PeriodicallyRefresh(ctx context.Context) {
	for ctx.Err() == nil {
		c.refresh(ctx)

		// Wait 10 minutes between passes; this is a background refresh and
		// there's no need to poke the servers very often.
		select {
		case <-time.After(10 * time.Minute):
		case <-ctx.Done():
		}
	}
}

func (c *PolicyCache) refresh(ctx context.Context) {
	tr := trace.New("STSCache.Refresh", c.dir)
	defer tr.Finish()
	cacheRefreshCycles.Add(1)

	entries, err := ioutil.ReadDir(c.dir)
	if err != nil {
		tr.Errorf("failed to list directory %q: %v", c.dir, err)
		return
	}
	tr.Debugf("%d entries", len(entries))

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, pathPrefix) {
			continue
		}
		domain := name[len(pathPrefix):]

		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		p, err := Fetch(fetchCtx, domain)
		cancel()
		if err != nil {
			tr.Debugf("refresh %q failed: %v", domain, err)
			cacheRefreshErrors.Add(1)
			continue
		}
		tr.Debugf("refresh %q successful", domain)

		c.Lock()
		err = c.store(domain, p)
		c.Unlock()
		if err != nil {
			tr.Errorf("refresh %q failed to store: %v", domain, err)
			continue
		}

		cacheRefreshes.Add(1)
	}

	tr.Debugf("refresh done")
}
