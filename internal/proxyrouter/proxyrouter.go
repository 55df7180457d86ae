// Package proxyrouter implements rule-driven proxying of an inbound
// transaction to an upstream SMTP/ESMTP/LMTP server: at the first RCPT
// that matches a configured Rule, it opens a client connection to the
// rule's host:port, issues HELO/EHLO/LHLO, optional STARTTLS, MAIL FROM using
// the inbound envelope's reverse-path, and forwards each subsequent
// matching RCPT, relaying every response verbatim back to the inbound
// client.
package proxyrouter

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"time"

	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/trace"
)

var (
	openResults = expvarom.NewMap("robin/proxyrouter/openResults",
		"result", "count of upstream proxy connection attempts")
)

// NonMatchAction selects what happens to a RCPT that does not match any
// rule once a proxy connection is already open for the transaction.
type NonMatchAction string

const (
	// ActionNone falls through to normal local processing.
	ActionNone NonMatchAction = "none"
	// ActionAccept replies 250 locally without further processing.
	ActionAccept NonMatchAction = "accept"
	// ActionReject replies 550 locally.
	ActionReject NonMatchAction = "reject"
)

// Protocol selects the upstream wire dialect.
type Protocol string

const (
	ProtoSMTP  Protocol = "smtp"
	ProtoESMTP Protocol = "esmtp"
	ProtoLMTP  Protocol = "lmtp"
)

// Rule is a compiled proxy rule: a set of AND'd
// patterns plus the upstream target. Rules are consulted in order; only
// the first whose patterns all match is used.
type Rule struct {
	RcptPattern *regexp.Regexp
	MailPattern *regexp.Regexp
	EhloPattern *regexp.Regexp
	IPPattern   *regexp.Regexp

	Host     string
	Port     int
	Protocol Protocol
	TLS      bool

	NonMatchAction NonMatchAction
}

// Matches reports whether every non-nil pattern on r matches its
// corresponding value. All specified patterns must match (AND).
func (r *Rule) Matches(rcpt, mailFrom, ehlo, remoteIP string) bool {
	if r.RcptPattern != nil && !r.RcptPattern.MatchString(rcpt) {
		return false
	}
	if r.MailPattern != nil && !r.MailPattern.MatchString(mailFrom) {
		return false
	}
	if r.EhloPattern != nil && !r.EhloPattern.MatchString(ehlo) {
		return false
	}
	if r.IPPattern != nil && !r.IPPattern.MatchString(remoteIP) {
		return false
	}
	return true
}

// Router holds the ordered list of Rules consulted on every RCPT.
type Router struct {
	Rules []*Rule

	// DialTimeout bounds connecting to the upstream and the initial
	// EHLO/STARTTLS negotiation.
	DialTimeout time.Duration
}

// Match returns the first Rule whose patterns all match, or nil.
func (router *Router) Match(rcpt, mailFrom, ehlo, remoteIP string) *Rule {
	for _, r := range router.Rules {
		if r.Matches(rcpt, mailFrom, ehlo, remoteIP) {
			return r
		}
	}
	return nil
}

// Upstream is an open, negotiated client connection to a Rule's target,
// used for the lifetime of one inbound transaction.
type Upstream struct {
	rule *Rule
	conn net.Conn
	text *textproto.Conn
	tr   *trace.Trace

	// lmtp tracks how many RCPTs were forwarded, since LMTP replies once
	// per recipient after DATA rather than a single final response.
	lmtp     bool
	rcptSent int

	closed bool
}

// Open dials rule's target, performs HELO/EHLO/LHLO according to
// rule.Protocol (+ optional STARTTLS), and
// issues MAIL FROM with from as the reverse-path.
func Open(rule *Rule, from, ehloDomain string, timeout time.Duration) (*Upstream, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	tr := trace.New("ProxyRouter.Open", fmt.Sprintf("%s:%d", rule.Host, rule.Port))

	addr := fmt.Sprintf("%s:%d", rule.Host, rule.Port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		openResults.Add("dial-error", 1)
		tr.Finish()
		return nil, fmt.Errorf("dialing %s: %v", addr, err)
	}
	conn.SetDeadline(time.Now().Add(timeout))

	text := textproto.NewConn(conn)

	if _, _, err := text.ReadResponse(220); err != nil {
		conn.Close()
		openResults.Add("banner-error", 1)
		tr.Finish()
		return nil, fmt.Errorf("reading banner: %v", err)
	}

	helloVerb := "EHLO"
	if rule.Protocol == ProtoLMTP {
		helloVerb = "LHLO"
	} else if rule.Protocol == ProtoSMTP {
		helloVerb = "HELO"
	}

	if err := text.PrintfLine("%s %s", helloVerb, ehloDomain); err != nil {
		conn.Close()
		tr.Finish()
		return nil, err
	}
	if _, _, err := text.ReadResponse(250); err != nil {
		conn.Close()
		openResults.Add("hello-error", 1)
		tr.Finish()
		return nil, fmt.Errorf("%s failed: %v", helloVerb, err)
	}

	if rule.TLS {
		if err := text.PrintfLine("STARTTLS"); err != nil {
			conn.Close()
			tr.Finish()
			return nil, err
		}
		if _, _, err := text.ReadResponse(220); err != nil {
			conn.Close()
			openResults.Add("starttls-error", 1)
			tr.Finish()
			return nil, fmt.Errorf("STARTTLS failed: %v", err)
		}

		tlsConn := tls.Client(conn, &tls.Config{ServerName: rule.Host})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			openResults.Add("tls-error", 1)
			tr.Finish()
			return nil, fmt.Errorf("TLS handshake failed: %v", err)
		}
		conn = tlsConn
		text = textproto.NewConn(conn)

		if err := text.PrintfLine("%s %s", helloVerb, ehloDomain); err != nil {
			conn.Close()
			tr.Finish()
			return nil, err
		}
		if _, _, err := text.ReadResponse(250); err != nil {
			conn.Close()
			tr.Finish()
			return nil, fmt.Errorf("post-STARTTLS %s failed: %v", helloVerb, err)
		}
	}

	mailFrom := from
	if mailFrom == "" {
		mailFrom = "<>"
	} else {
		mailFrom = "<" + mailFrom + ">"
	}
	if err := text.PrintfLine("MAIL FROM:%s", mailFrom); err != nil {
		conn.Close()
		tr.Finish()
		return nil, err
	}
	if _, _, err := text.ReadResponse(250); err != nil {
		conn.Close()
		openResults.Add("mail-error", 1)
		tr.Finish()
		return nil, fmt.Errorf("MAIL FROM failed: %v", err)
	}

	openResults.Add("success", 1)
	return &Upstream{
		rule: rule,
		conn: conn,
		text: text,
		tr:   tr,
		lmtp: rule.Protocol == ProtoLMTP,
	}, nil
}

// Rcpt forwards a RCPT TO to the upstream and returns its response
// verbatim, for the inbound session to relay to its own client.
func (u *Upstream) Rcpt(addr string) (code int, text string, err error) {
	if err := u.text.PrintfLine("RCPT TO:<%s>", addr); err != nil {
		return 0, "", err
	}
	code, text, err = u.text.ReadResponse(0)
	if err != nil {
		return 0, "", err
	}
	if code < 400 {
		u.rcptSent++
	}
	return code, text, nil
}

// Stream sends data as the DATA payload over the upstream connection. For
// SMTP/ESMTP it returns the single final response; for LMTP it collects
// one response per forwarded recipient and reports the worst code, with
// the individual responses joined in text.
func (u *Upstream) Stream(data []byte) (code int, text string, err error) {
	if err := u.text.PrintfLine("DATA"); err != nil {
		return 0, "", err
	}
	if _, _, err := u.text.ReadResponse(354); err != nil {
		return 0, "", err
	}

	dw := u.text.DotWriter()
	if _, err := dw.Write(data); err != nil {
		dw.Close()
		return 0, "", err
	}
	if err := dw.Close(); err != nil {
		return 0, "", err
	}

	if !u.lmtp {
		code, text, err = u.text.ReadResponse(0)
		return code, text, err
	}

	// LMTP: one response per recipient that was RCPT'd successfully.
	var responses []string
	finalCode := 250
	for i := 0; i < u.rcptSent; i++ {
		c, t, rerr := u.text.ReadResponse(0)
		if rerr != nil {
			return 0, "", rerr
		}
		responses = append(responses, fmt.Sprintf("%d %s", c, t))
		if c >= 400 && c > finalCode {
			finalCode = c
		}
	}
	return finalCode, joinLMTPResponses(responses), nil
}

func joinLMTPResponses(rs []string) string {
	out := ""
	for i, r := range rs {
		if i > 0 {
			out += "\n"
		}
		out += r
	}
	return out
}

// Close tears down the upstream connection, issuing QUIT first on a
// best-effort basis. Closing more than once is a no-op.
func (u *Upstream) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true

	defer u.tr.Finish()
	_ = u.text.PrintfLine("QUIT")
	return u.conn.Close()
}
