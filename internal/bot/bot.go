// Package bot implements the bot-dispatch storage processor: matching
// recipients against configured bot bindings (address pattern, allowed
// source CIDRs, sieve-style `+token` addressing), and handing matched
// recipients off to a bounded goroutine pool that generates an analysis
// reply and enqueues it as a new relay job.
package bot

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/transilvlad/robin/internal/envelope"
	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/storage"
	"github.com/transilvlad/robin/internal/trace"
)

var (
	dispatchResults = expvarom.NewMap("robin/bot/dispatchResults",
		"result", "count of bot dispatch outcomes")
)

// Binding routes mail for matching addresses to a bot: an address
// pattern, a set of
// authorized source networks, a set of authorized `+token` suffixes, and
// the name of the bot to invoke.
type Binding struct {
	AddressPattern *regexp.Regexp
	AllowedNets    []*net.IPNet
	AllowedTokens  []string
	BotName        string
}

// NewBinding compiles a Binding from its string/CIDR configuration form.
func NewBinding(addressPattern string, allowedCIDRs, allowedTokens []string, botName string) (*Binding, error) {
	re, err := regexp.Compile(addressPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid address pattern %q: %v", addressPattern, err)
	}

	var nets []*net.IPNet
	for _, c := range allowedCIDRs {
		n, err := parseCIDROrIP(c)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed IP/CIDR %q: %v", c, err)
		}
		nets = append(nets, n)
	}

	return &Binding{
		AddressPattern: re,
		AllowedNets:    nets,
		AllowedTokens:  allowedTokens,
		BotName:        botName,
	}, nil
}

// parseCIDROrIP accepts either a bare IP ("203.0.113.5") or a CIDR
// ("203.0.113.0/24") and returns the equivalent IPNet, parsing by prefix
// length rather than the source system's string-prefix matching (the
// source's approach is wrong for IPv6 and for prefixes that don't fall on
// a dotted-decimal boundary).
func parseCIDROrIP(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		return n, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("not a valid IP address")
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// decode extracts the sieve-style `+token` suffix from the local part of
// addr, if any, along with the decoded destination address embedded after
// the token (e.g. "bot+tok+user+dom.com@host" authorizes with token "tok"
// and carries the reply destination "user@dom.com").
func decode(addr string) (token string, dest string) {
	user, domain := envelope.Split(addr)
	parts := strings.Split(user, "+")
	if len(parts) < 2 {
		return "", ""
	}
	token = parts[1]
	if len(parts) >= 4 {
		dest = parts[2] + "@" + strings.Join(parts[3:], "+")
	} else if len(parts) == 3 {
		// No embedded domain; assume the bot's own domain.
		dest = parts[2] + "@" + domain
	}
	return token, dest
}

// authorized reports whether sourceIP or the token embedded in addr
// satisfies b's restrictions. A binding with no allowed networks and no
// allowed tokens is unrestricted.
func (b *Binding) authorized(sourceIP net.IP, addr string) bool {
	if len(b.AllowedNets) == 0 && len(b.AllowedTokens) == 0 {
		return true
	}

	if sourceIP != nil {
		for _, n := range b.AllowedNets {
			if n.Contains(sourceIP) {
				return true
			}
		}
	}

	tok, _ := decode(addr)
	if tok == "" {
		return false
	}
	for _, t := range b.AllowedTokens {
		if t == tok {
			return true
		}
	}
	return false
}

// ReplyBuilder constructs the analysis reply email body for a matched
// recipient. Implementations are bot-specific; the dispatcher only cares
// about the (from, to, data) tuple it gets back.
type ReplyBuilder func(binding *Binding, session *storage.Envelope, matchedAddr, replyTo string) (from, to string, data []byte)

// Enqueuer hands a generated reply off to the outbound retry queue, as a
// new relay job independent of the triggering session.
type Enqueuer func(from string, to []string, data []byte) (string, error)

// Dispatcher is the storage.Processor that matches recipients against
// Bindings and fans the authorized ones out to a bounded, cached
// goroutine pool.
type Dispatcher struct {
	Bindings []*Binding
	Reply    ReplyBuilder
	Enqueue  Enqueuer

	// MaxConcurrent bounds the self-trimming goroutine pool; it's a
	// safety valve, not a fixed worker count (the pool "trims" itself by
	// simply letting idle goroutines exit).
	MaxConcurrent int

	once sync.Once
	sem  chan struct{}
}

func (d *Dispatcher) Name() string { return "bot-dispatch" }

func (d *Dispatcher) semaphore() chan struct{} {
	d.once.Do(func() {
		max := d.MaxConcurrent
		if max <= 0 {
			max = 64
		}
		d.sem = make(chan struct{}, max)
	})
	return d.sem
}

func (d *Dispatcher) Process(e *storage.Envelope) storage.Result {
	if d == nil || len(d.Bindings) == 0 {
		return storage.ContinueResult()
	}

	var sourceIP net.IP
	if e.Session != nil {
		if host, _, err := net.SplitHostPort(e.Session.RemoteAddr); err == nil {
			sourceIP = net.ParseIP(host)
		} else {
			sourceIP = net.ParseIP(e.Session.RemoteAddr)
		}
	}

	for _, addr := range e.ActiveRecipients() {
		binding := d.matchBinding(addr)
		if binding == nil {
			continue
		}
		if !binding.authorized(sourceIP, addr) {
			dispatchResults.Add("unauthorized", 1)
			continue
		}

		// This recipient is now owned by the bot; it must not reach
		// local storage, LDA, or the proxy router.
		e.Remove(addr)
		dispatchResults.Add("matched", 1)

		d.dispatch(binding, e, addr)
	}

	return storage.ContinueResult()
}

func (d *Dispatcher) matchBinding(addr string) *Binding {
	for _, b := range d.Bindings {
		if b.AddressPattern.MatchString(addr) {
			return b
		}
	}
	return nil
}

// DefaultReply builds a simple plain-text analysis reply for a matched
// recipient, summarizing the scan results the chain has gathered so far.
// Operators that need a richer reply can supply their own ReplyBuilder.
func DefaultReply(binding *Binding, e *storage.Envelope, matchedAddr, replyTo string) (from, to string, data []byte) {
	from = matchedAddr
	to = replyTo

	var body strings.Builder
	fmt.Fprintf(&body, "Subject: [%s] automated reply\r\n", binding.BotName)
	fmt.Fprintf(&body, "From: %s\r\n", matchedAddr)
	fmt.Fprintf(&body, "To: %s\r\n\r\n", replyTo)
	fmt.Fprintf(&body, "This is an automated reply from bot %q.\r\n\r\n", binding.BotName)
	fmt.Fprintf(&body, "Original sender: %s\r\n", e.MailFrom)
	fmt.Fprintf(&body, "Scan results recorded: %d\r\n", e.ScanResults.Len())
	return from, to, []byte(body.String())
}

func (d *Dispatcher) dispatch(binding *Binding, e *storage.Envelope, matchedAddr string) {
	if d.Reply == nil || d.Enqueue == nil {
		return
	}

	sem := d.semaphore()
	select {
	case sem <- struct{}{}:
	default:
		// Pool is saturated; drop rather than block the storage chain.
		dispatchResults.Add("pool-saturated", 1)
		return
	}

	_, dest := decode(matchedAddr)
	if dest == "" {
		dest = e.MailFrom
	}

	// The bot runs asynchronously, while the chain keeps processing the
	// live envelope; hand it a clone so nothing reaches back.
	e = e.Clone()

	go func() {
		defer func() { <-sem }()

		tr := trace.New("Bot.Dispatch", binding.BotName)
		defer tr.Finish()

		start := time.Now()
		from, to, data := d.Reply(binding, e, matchedAddr, dest)
		if _, err := d.Enqueue(from, []string{to}, data); err != nil {
			tr.Errorf("failed to enqueue bot reply: %v", err)
			dispatchResults.Add("enqueue-error", 1)
			return
		}
		tr.Debugf("bot %q replied to %s in %v", binding.BotName, to, time.Since(start))
		dispatchResults.Add("replied", 1)
	}()
}
