// Package scanresult implements the closed tagged union of content-scanner
// outcomes attached to an envelope.
package scanresult

import "sync"

// ScanResult is a closed variant over the scanners robin knows how to talk
// to. Exactly one of Rspamd, ClamAV or Other is non-nil.
type ScanResult struct {
	Rspamd *Rspamd
	ClamAV *ClamAV
	Other  *Other
}

// Rspamd is the result of a spam-scoring pass.
type Rspamd struct {
	Score   float64
	Spam    bool
	Symbols []string
}

// ClamAV is the result of an antivirus pass.
type ClamAV struct {
	Infected bool
	Viruses  []string
	Part     string
}

// Other is a result from a scanner robin does not model explicitly, kept
// for bot responses and header stamping that only need the raw fields.
type Other struct {
	Scanner string
	Fields  map[string]string
}

// Scanner returns the name of the scanner that produced r, for logging and
// header stamping.
func (r ScanResult) Scanner() string {
	switch {
	case r.Rspamd != nil:
		return "rspamd"
	case r.ClamAV != nil:
		return "clamav"
	case r.Other != nil:
		return r.Other.Scanner
	default:
		return "unknown"
	}
}

// List is an append-only, thread-safe collection of ScanResults, one per
// envelope. Scanner clients may run concurrently (e.g. AV and spam checks
// fired in parallel), so appends must be safe across goroutines.
type List struct {
	mu      sync.Mutex
	results []ScanResult
}

// Append adds r to the list. Safe for concurrent use.
func (l *List) Append(r ScanResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

// Snapshot returns a copy of the results accumulated so far.
func (l *List) Snapshot() []ScanResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ScanResult, len(l.results))
	copy(out, l.results)
	return out
}

// Len reports how many results have been recorded.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}
