// Package storage implements the ordered storage-processor chain that
// every accepted envelope flows through after DATA/BDAT completes
// (AV -> Spam -> Webhook-RAW -> Bot-dispatch -> ProxyStream); the SMTP
// server then queues the remaining recipients, and local delivery runs
// from that queue rather than as a chain stage. Processors signal their
// outcome via an explicit tagged Result, never by panicking across the
// chain boundary.
package storage

import (
	"fmt"

	"github.com/transilvlad/robin/internal/rsession"
	"github.com/transilvlad/robin/internal/scanresult"
)

// Outcome tags the three ways a processor can end the chain.
type Outcome int

const (
	// Continue means: run the next processor.
	Continue Outcome = iota
	// StopOk means: stop the chain, the message was fully handled, reply
	// success to the client.
	StopOk
	// StopReject means: stop the chain, reply the given SMTP code/text.
	StopReject
)

// Result is returned by every Processor. The chain runner interprets it
// and decides whether to continue, and what (if anything) to tell the
// client.
type Result struct {
	Outcome Outcome
	Code    int
	Text    string
}

// Continue is shorthand for the most common result.
func ContinueResult() Result { return Result{Outcome: Continue} }

// Ok is shorthand for a terminal success.
func Ok(code int, text string) Result {
	return Result{Outcome: StopOk, Code: code, Text: text}
}

// Reject is shorthand for a terminal rejection.
func Reject(code int, text string) Result {
	return Result{Outcome: StopReject, Code: code, Text: text}
}

// Envelope is the mutable state the chain threads through its
// processors: the in-memory payload (bytes; robin only spools to disk
// once a message is queued), the envelope's routing facts, and the
// processors' accumulated side effects (header additions, scan results,
// removed recipients).
type Envelope struct {
	Session *rsession.Session

	MailFrom string
	RcptTo   []string
	Data     []byte

	// ScanResults accumulates AV/spam verdicts. It is append-only and
	// safe for concurrent use, since scanner clients may run in parallel.
	ScanResults scanresult.List

	// HeaderPrefix accumulates header lines processors want stamped onto
	// the message (Received, X-Robin-*, DKIM signatures, ...). Processors
	// must never mutate Data directly, per the chain invariant; they may
	// only append here. The prefix is emitted ahead of Data wherever the
	// message is finally written or streamed.
	HeaderPrefix []byte

	// RemovedRecipients is populated by processors (bot-dispatch) that
	// fully own a recipient and want it excluded from every later step.
	RemovedRecipients map[string]bool

	// ProxyUpstream, if non-nil, is the already-open upstream connection
	// for this envelope's matched proxy rule (opened at first matching
	// RCPT). The ProxyStream processor streams Data over
	// it and closes it afterward.
	ProxyUpstream ProxyUpstream

	// RelayRecipients accumulates recipients that still need outbound
	// delivery after local/proxy/bot handling, for the final
	// Queue-or-RelayDecision processor.
	RelayRecipients []string
}

// ActiveRecipients returns RcptTo minus anything a processor has claimed
// via RemovedRecipients.
func (e *Envelope) ActiveRecipients() []string {
	if len(e.RemovedRecipients) == 0 {
		return e.RcptTo
	}
	var out []string
	for _, r := range e.RcptTo {
		if !e.RemovedRecipients[r] {
			out = append(out, r)
		}
	}
	return out
}

// Remove marks addr as claimed by the current processor, excluding it
// from every later step in the chain.
func (e *Envelope) Remove(addr string) {
	if e.RemovedRecipients == nil {
		e.RemovedRecipients = map[string]bool{}
	}
	e.RemovedRecipients[addr] = true
}

// Clone returns a deep copy of the envelope's header block, for handing to
// asynchronous consumers (bot dispatch): the session, addressing and scan
// results are copied, while the raw payload and the proxy upstream are
// deliberately excluded, so clones can never touch the live transaction.
func (e *Envelope) Clone() *Envelope {
	c := &Envelope{
		Session:  e.Session.Clone(),
		MailFrom: e.MailFrom,
		RcptTo:   append([]string(nil), e.RcptTo...),
	}

	for _, r := range e.ScanResults.Snapshot() {
		c.ScanResults.Append(r)
	}

	if len(e.RemovedRecipients) > 0 {
		c.RemovedRecipients = make(map[string]bool, len(e.RemovedRecipients))
		for k, v := range e.RemovedRecipients {
			c.RemovedRecipients[k] = v
		}
	}

	c.HeaderPrefix = append([]byte(nil), e.HeaderPrefix...)
	c.RelayRecipients = append([]string(nil), e.RelayRecipients...)

	return c
}

// ProxyUpstream is the minimal surface the ProxyStream processor needs
// from an already-open upstream connection. internal/proxyrouter.Upstream
// satisfies this structurally, with no import dependency in either
// direction.
type ProxyUpstream interface {
	// Stream sends data as the DATA payload over the upstream connection
	// and returns its final response verbatim.
	Stream(data []byte) (code int, text string, err error)
	Close() error
}

// Processor is one named stage of the storage chain. Implementations
// must not mutate e.Data; they append to e.HeaderPrefix or e.RelayRecipients
// instead, and signal rejection/success via the returned Result.
type Processor interface {
	Name() string
	Process(e *Envelope) Result
}

// Chain runs an ordered list of Processors over an Envelope, stopping at
// the first StopOk/StopReject result.
type Chain struct {
	processors []Processor
}

// NewChain builds a Chain from the given processors, run in the given
// order. The SMTP server builds it as:
// AV -> Spam -> Webhook-RAW -> Bot-dispatch -> ProxyStream.
func NewChain(processors ...Processor) *Chain {
	return &Chain{processors: processors}
}

// Run executes every processor in order against e, returning the first
// terminal Result, or a Continue-outcome Result (meaning every processor
// in the chain returned Continue) if none wants to stop.
func (c *Chain) Run(e *Envelope) Result {
	for _, p := range c.processors {
		if p == nil {
			continue
		}
		r := p.Process(e)
		switch r.Outcome {
		case Continue:
			continue
		case StopOk, StopReject:
			return r
		default:
			return Reject(550, fmt.Sprintf("5.3.0 internal error: processor %q returned unknown outcome", p.Name()))
		}
	}
	return ContinueResult()
}
