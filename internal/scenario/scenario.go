// Package scenario implements forced-response scenarios, a staging and
// debugging affordance: an operator can configure canned SMTP replies
// (optionally delayed) for transactions matching a verb and address
// pattern, and the connection handler consults them before the normal
// webhook/processor path. Scenarios never go over the network.
package scenario

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/transilvlad/robin/internal/expvarom"
)

var (
	applied = expvarom.NewMap("robin/scenario/applied",
		"verb", "count of forced scenario responses, by verb")
)

// Scenario forces a canned response for commands matching Verb and
// AddressPattern.
type Scenario struct {
	// Verb this scenario applies to (MAIL, RCPT, DATA). Empty means any.
	Verb string

	// AddressPattern is matched against the command's address (the
	// reverse-path for MAIL/DATA, the forward-path for RCPT). Nil matches
	// everything.
	AddressPattern *regexp.Regexp

	// Code and Text are the forced reply.
	Code int
	Text string

	// Delay to wait before replying, to simulate slow servers.
	Delay time.Duration
}

// New compiles a Scenario from its configuration form. response is
// "<code> <text>", the same shape webhook overrides use.
func New(verb, addressPattern, response string, delay time.Duration) (*Scenario, error) {
	s := &Scenario{
		Verb:  strings.ToUpper(verb),
		Delay: delay,
	}

	if addressPattern != "" {
		re, err := regexp.Compile(addressPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid address pattern %q: %v", addressPattern, err)
		}
		s.AddressPattern = re
	}

	sp := strings.SplitN(response, " ", 2)
	code, err := strconv.Atoi(sp[0])
	if err != nil {
		return nil, fmt.Errorf("invalid response %q: %v", response, err)
	}
	s.Code = code
	if len(sp) == 2 {
		s.Text = sp[1]
	}

	return s, nil
}

func (s *Scenario) matches(verb, addr string) bool {
	if s.Verb != "" && s.Verb != verb {
		return false
	}
	if s.AddressPattern != nil && !s.AddressPattern.MatchString(addr) {
		return false
	}
	return true
}

// Registry holds the ordered scenario list; the first match wins.
type Registry struct {
	scenarios []*Scenario
}

// NewRegistry builds a Registry from already-compiled scenarios.
func NewRegistry(scenarios ...*Scenario) *Registry {
	return &Registry{scenarios: scenarios}
}

// Apply returns the forced response for the given verb and address, if any
// scenario matches, sleeping its configured delay first. ok is false when
// no scenario applies and normal processing should continue.
func (r *Registry) Apply(verb, addr string) (code int, text string, ok bool) {
	if r == nil {
		return 0, "", false
	}

	for _, s := range r.scenarios {
		if !s.matches(verb, addr) {
			continue
		}

		if s.Delay > 0 {
			time.Sleep(s.Delay)
		}
		applied.Add(verb, 1)
		return s.Code, s.Text, true
	}

	return 0, "", false
}
