package smtpsrv

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/mail"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/transilvlad/robin/internal/aliases"
	"github.com/transilvlad/robin/internal/auth"
	"github.com/transilvlad/robin/internal/bot"
	"github.com/transilvlad/robin/internal/dkim"
	"github.com/transilvlad/robin/internal/domaininfo"
	"github.com/transilvlad/robin/internal/envelope"
	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/haproxy"
	"github.com/transilvlad/robin/internal/maillog"
	"github.com/transilvlad/robin/internal/normalize"
	"github.com/transilvlad/robin/internal/proxyrouter"
	"github.com/transilvlad/robin/internal/queue"
	"github.com/transilvlad/robin/internal/rsession"
	"github.com/transilvlad/robin/internal/scan"
	"github.com/transilvlad/robin/internal/scenario"
	"github.com/transilvlad/robin/internal/set"
	"github.com/transilvlad/robin/internal/storage"
	"github.com/transilvlad/robin/internal/tlsconst"
	"github.com/transilvlad/robin/internal/trace"
	"github.com/transilvlad/robin/internal/webhook"
	"blitiri.com.ar/go/spf"
)

// Exported variables.
var (
	commandCount = expvarom.NewMap("robin/smtpIn/commandCount",
		"command", "count of SMTP commands received, by command")
	responseCodeCount = expvarom.NewMap("robin/smtpIn/responseCodeCount",
		"code", "response codes returned to SMTP commands")
	spfResultCount = expvarom.NewMap("robin/smtpIn/spfResultCount",
		"result", "SPF result count")
	loopsDetected = expvarom.NewInt("robin/smtpIn/loopsDetected",
		"count of loops detected")
	tlsCount = expvarom.NewMap("robin/smtpIn/tlsCount",
		"status", "count of TLS usage in incoming connections")
	slcResults = expvarom.NewMap("robin/smtpIn/securityLevelChecks",
		"result", "incoming security level check results")
	hookResults = expvarom.NewMap("robin/smtpIn/hookResults",
		"result", "count of hook invocations, by result")
	wrongProtoCount = expvarom.NewMap("robin/smtpIn/wrongProtoCount",
		"command", "count of commands for other protocols")
)

var (
	maxReceivedHeaders = flag.Int("testing__max_received_headers", 50,
		"max Received headers, for loop detection; ONLY FOR TESTING")

	// Tests disable SPF to avoid leaking DNS lookups. It's a flag (and not
	// just a variable) so tests outside this package can set it too.
	disableSPFForTesting = flag.Bool("testing__disable_spf", false,
		"disable SPF checks, ONLY FOR TESTING")
)

// SocketMode represents the mode for a socket (listening or connection).
// We keep them distinct, as policies can differ between them.
type SocketMode struct {
	// Is this mode submission?
	IsSubmission bool

	// Is this mode TLS-wrapped? That means that we don't use STARTTLS, the
	// connection is directly established over TLS (like HTTPS).
	TLS bool

	// Is this mode LMTP? LMTP sockets speak LHLO instead of HELO/EHLO and
	// reply to DATA/BDAT with one response per accepted recipient.
	LMTP bool
}

func (mode SocketMode) String() string {
	s := "SMTP"
	switch {
	case mode.LMTP:
		s = "LMTP"
	case mode.IsSubmission:
		s = "submission"
	}
	if mode.TLS {
		s += "+TLS"
	}
	return s
}

// Valid socket modes.
var (
	ModeSMTP          = SocketMode{IsSubmission: false, TLS: false}
	ModeSubmission    = SocketMode{IsSubmission: true, TLS: false}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
	ModeLMTP          = SocketMode{LMTP: true}
)

// Conn represents an incoming SMTP connection.
type Conn struct {
	// Main hostname, used for display only.
	hostname string

	// Maximum data size.
	maxDataSize int64

	// Post-DATA hook location.
	postDataHook string

	// Connection information.
	conn         net.Conn
	mode         SocketMode
	tlsConnState *tls.ConnectionState
	remoteAddr   net.Addr

	// Reader and text writer, so we can control limits.
	reader *bufio.Reader
	writer *bufio.Writer

	// Tracer to use.
	tr *trace.Trace

	// TLS configuration.
	tlsConfig *tls.Config

	// Domain given at HELO/EHLO.
	ehloDomain string

	// Envelope.
	mailFrom string
	rcptTo   []string
	data     []byte

	// SPF results.
	spfResult spf.Result
	spfError  error

	// Are we using TLS?
	onTLS bool

	// Have we used EHLO?
	isESMTP bool

	// Authenticator, aliases and local domains, taken from the server at
	// creation time.
	authr        *auth.Authenticator
	localDomains *set.String
	aliasesR     *aliases.Resolver
	dinfo        *domaininfo.DB

	// DKIM signers, by domain. Only messages from authenticated senders on
	// the matching domain get signed.
	dkimSigners map[string][]*dkim.Signer

	// Have we successfully completed AUTH?
	completedAuth bool

	// Authenticated user and domain, empty if !completedAuth.
	authUser   string
	authDomain string

	// When we should close this connection, no matter what.
	deadline time.Time

	// Queue where we put incoming mails.
	queue *queue.Queue

	// Time we wait for network operations.
	commandTimeout time.Duration

	// Enable HAProxy on incoming connections.
	haproxyEnabled bool

	// Storage-processor chain pieces, taken from the server at creation
	// time. Any of these may be nil, meaning that stage is disabled.
	av            *scan.AV
	spam          *scan.Spam
	webhookClient *webhook.Client
	botDispatcher *bot.Dispatcher
	proxyRouter   *proxyrouter.Router
	scenarios     *scenario.Registry

	// proxyUp and proxyRule track the proxy upstream opened (at most once
	// per transaction) by the first RCPT that matched a rule.
	proxyUp   *proxyrouter.Upstream
	proxyRule *proxyrouter.Rule

	// session is the cloneable snapshot handed to storage processors; it's
	// rebuilt lazily, just before it's needed.
	session *rsession.Session

	// bdatActive is true once the first BDAT of a transaction has been
	// seen, so DATA can be refused per RFC 3030 section 4.
	bdatActive bool

	// rcptReplies holds the per-recipient outcome of the last DATA/BDAT,
	// aligned with the transaction's recipient list; LMTP replies with
	// one of these per recipient. Zero entries fall back to the
	// transaction-level response.
	rcptReplies []rcptReply
}

// rcptReply is one recipient's DATA outcome.
type rcptReply struct {
	code int
	msg  string
}

// Close the connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// Handle implements the main protocol loop (reading commands, sending
// replies).
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("Connected, mode: %s", c.mode)

	c.session = rsession.New(rsession.Inbound)
	c.session.LocalAddr = c.conn.LocalAddr().String()

	// Set the first deadline, which covers possibly the TLS handshake and
	// then our initial greeting.
	c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		// For TLS connections, complete the handshake and get the state, so
		// it can be used when we say hello below.
		err := tc.Handshake()
		if err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}

		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		if name := c.tlsConnState.ServerName; name != "" {
			c.hostname = name
		}
	}

	// Set up a buffered reader and writer from the conn.
	// They will be used to do line-oriented, limited I/O.
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	c.remoteAddr = c.conn.RemoteAddr()
	if c.haproxyEnabled {
		src, dst, err := haproxy.Handshake(c.reader)
		if err != nil {
			c.tr.Errorf("error in haproxy handshake: %v", err)
			return
		}
		c.remoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	greetProto := "ESMTP"
	if c.mode.LMTP {
		greetProto = "LMTP"
	}
	c.printfLine("220 %s %s robin", c.hostname, greetProto)

	var cmd, params string
	var err error
	var errCount int

loop:
	for {
		if time.Since(c.deadline) > 0 {
			err = fmt.Errorf("connection deadline exceeded")
			c.tr.Error(err)
			break
		}

		c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

		cmd, params, err = c.readCommand()
		if err != nil {
			c.printfLine("554 error reading command: %v", err)
			break
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		var code int
		var msg string

		switch cmd {
		case "QUIT":
			_ = c.writeResponse(221, "2.0.0 Be seeing you...")
			break loop
		case "GET", "POST", "CONNECT":
			// HTTP protocol detection, to prevent cross-protocol attacks
			// (e.g. https://alpaca-attack.com/).
			wrongProtoCount.Add(cmd, 1)
			c.tr.Errorf("http command, closing connection")
			_ = c.writeResponse(502,
				"5.7.0 You hear someone cursing shoplifters")
			break loop
		default:
			var known bool
			code, msg, known = c.dispatch(cmd, params)
			if !known {
				// Sanitize it a bit to avoid filling the logs and events
				// with noisy data. Keep the first 6 bytes for debugging.
				cmd = fmt.Sprintf("unknown<%.6q>", cmd)
				code = 500
				msg = "5.5.1 Unknown command"
			}
		}

		commandCount.Add(cmd, 1)
		if code > 0 {
			c.tr.Debugf("<- %d  %s", code, msg)

			// Keep the session's transaction log; never record AUTH
			// parameters, they carry credentials.
			logParams := params
			if cmd == "AUTH" {
				logParams = "<redacted>"
			}
			c.session.RecordTransaction(cmd, logParams, code, msg)

			if code >= 400 {
				// Be verbose about errors, to help troubleshooting.
				c.tr.Errorf("%s failed: %d  %s", cmd, code, msg)

				// Close the connection after 3 errors.
				// This helps prevent cross-protocol attacks.
				errCount++
				if errCount >= 3 {
					// https://tools.ietf.org/html/rfc5321#section-4.3.2
					c.tr.Errorf("too many errors, breaking connection")
					_ = c.writeResponse(421, "4.5.0 Too many errors, bye")
					break
				}
			}

			err = c.writeResponse(code, msg)
			if err != nil {
				break
			}
		}
	}

	if err != nil {
		if err == io.EOF {
			c.tr.Debugf("client closed the connection")
		} else {
			c.tr.Errorf("exiting with error: %v", err)
		}
	}
}

// HELO SMTP command handler.
func (c *Conn) HELO(params string) (code int, msg string) {
	if c.mode.LMTP {
		// https://tools.ietf.org/html/rfc2033#section-4.1
		return 500, "5.5.1 You feel confused; this is an LMTP port, use LHLO"
	}
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "Invisible customers are not welcome!"
	}
	c.ehloDomain = strings.Fields(params)[0]

	types := []string{
		"general store", "used armor dealership", "second-hand bookstore",
		"liquor emporium", "antique weapons outlet", "delicatessen",
		"jewelers", "quality apparel and accessories", "hardware",
		"rare books", "lighting store"}
	t := types[rand.Int()%len(types)]
	msg = fmt.Sprintf("Hello my friend, welcome to robin's %s!", t)

	return 250, msg
}

// EHLO SMTP command handler.
func (c *Conn) EHLO(params string) (code int, msg string) {
	if c.mode.LMTP {
		return 500, "5.5.1 You feel confused; this is an LMTP port, use LHLO"
	}
	return c.ehloCommon(params)
}

// LHLO LMTP command handler (RFC 2033). It advertises the same extensions
// as EHLO; LMTP sockets just use this verb instead.
func (c *Conn) LHLO(params string) (code int, msg string) {
	if !c.mode.LMTP {
		return 500, "5.5.1 You feel confused; LHLO belongs on the LMTP port"
	}
	return c.ehloCommon(params)
}

func (c *Conn) ehloCommon(params string) (code int, msg string) {
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "Invisible customers are not welcome!"
	}
	c.ehloDomain = strings.Fields(params)[0]
	c.isESMTP = true

	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, c.hostname+" - Your hour of destiny has come.\n")
	fmt.Fprintf(buf, "8BITMIME\n")
	fmt.Fprintf(buf, "PIPELINING\n")
	fmt.Fprintf(buf, "SMTPUTF8\n")
	fmt.Fprintf(buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(buf, "CHUNKING\n")
	fmt.Fprintf(buf, "SIZE %d\n", c.maxDataSize)
	if !c.mode.LMTP {
		if c.onTLS {
			fmt.Fprintf(buf, "AUTH PLAIN LOGIN\n")
		} else {
			fmt.Fprintf(buf, "STARTTLS\n")
		}
	}
	fmt.Fprintf(buf, "HELP\n")
	return 250, buf.String()
}

// HELP SMTP command handler.
func (c *Conn) HELP(params string) (code int, msg string) {
	return 214, "2.0.0 Hoy por ti, mañana por mi"
}

// RSET SMTP command handler.
func (c *Conn) RSET(params string) (code int, msg string) {
	c.resetEnvelope()

	msgs := []string{
		"Who was that Maud person anyway?",
		"Thinking of Maud you forget everything else.",
		"Your mind releases itself from mundane concerns.",
		"As your mind turns inward on itself, you forget everything else.",
	}
	return 250, "2.0.0 " + msgs[rand.Int()%len(msgs)]
}

// VRFY SMTP command handler.
func (c *Conn) VRFY(params string) (code int, msg string) {
	// 252 can be used for cases like ours, when we don't really want to
	// confirm or deny anything.
	// See https://tools.ietf.org/html/rfc2821#section-3.5.3.
	return 252, "2.5.2 You have a strange feeling for a moment, then it passes."
}

// EXPN SMTP command handler.
func (c *Conn) EXPN(params string) (code int, msg string) {
	// See VRFY for the reasoning.
	return 252, "2.5.2 You feel disoriented for a moment."
}

// NOOP SMTP command handler.
func (c *Conn) NOOP(params string) (code int, msg string) {
	return 250, "2.0.0 You hear a faint typing noise."
}

// MAIL SMTP command handler.
func (c *Conn) MAIL(params string) (code int, msg string) {
	// params should be: "FROM:<name@host>", and possibly followed by
	// options such as "BODY=8BITMIME" (which we ignore).
	// Check that it begins with "FROM:" first, it's mandatory.
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Unknown command"
	}
	if c.mode.IsSubmission && !c.completedAuth {
		return 550, "5.7.9 Mail to submission port must be authenticated"
	}

	rawAddr := ""
	_, err := fmt.Sscanf(params[5:], "%s ", &rawAddr)
	if err != nil {
		return 500, "5.5.4 Malformed command: " + err.Error()
	}

	// Note some servers check (and fail) if we had a previous MAIL command,
	// but that's not according to the RFC. We reset the envelope instead.
	c.resetEnvelope()

	// Special case a null reverse-path, which is explicitly allowed and used
	// for notification messages.
	// It should be written "<>", we check for that and remove spaces just to
	// be more flexible.
	addr := ""
	if strings.Replace(rawAddr, " ", "", -1) == "<>" {
		addr = "<>"
	} else {
		e, err := mail.ParseAddress(rawAddr)
		if err != nil || e.Address == "" {
			return 501, "5.1.7 Sender address malformed"
		}
		addr = e.Address

		if !strings.Contains(addr, "@") {
			return 501, "5.1.8 Sender address must contain a domain"
		}

		// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
		if len(addr) > 256 {
			return 501, "5.1.7 Sender address too long"
		}

		// SPF check - https://tools.ietf.org/html/rfc7208#section-2.4
		// We opt not to fail on errors, to avoid accidents from preventing
		// delivery.
		c.spfResult, c.spfError = c.checkSPF(addr)
		if c.spfResult == spf.Fail {
			// https://tools.ietf.org/html/rfc7208#section-8.4
			maillog.Rejected(c.remoteAddr, addr, nil,
				fmt.Sprintf("failed SPF: %v", c.spfError))
			return 550, fmt.Sprintf(
				"5.7.23 SPF check failed: %v", c.spfError)
		}

		if !c.secLevelCheck(addr) {
			maillog.Rejected(c.remoteAddr, addr, nil,
				"security level check failed")
			return 550, "5.7.3 Security level check failed"
		}

		addr, err = normalize.DomainToUnicode(addr)
		if err != nil {
			maillog.Rejected(c.remoteAddr, addr, nil,
				fmt.Sprintf("malformed address: %v", err))
			return 501, "5.1.8 Malformed sender domain (IDNA conversion failed)"
		}
	}

	if code, text, ok := c.scenarios.Apply("MAIL", addr); ok {
		return code, text
	}

	if d := c.preCommandHook("MAIL", addr, nil); d.Override {
		return d.Code, d.Text
	}

	c.mailFrom = addr
	return 250, "2.1.5 You feel like you are being watched"
}

// preCommandHook consults the configured policy webhook, if any, before a
// MAIL or RCPT is accepted.
func (c *Conn) preCommandHook(verb, mailFrom string, rcptTo []string) webhook.Decision {
	if c.webhookClient == nil {
		return webhook.Decision{}
	}
	return c.webhookClient.PreCommand(context.Background(), verb, c.buildSession(), mailFrom, rcptTo)
}

// checkSPF for the given address, based on the current connection.
func (c *Conn) checkSPF(addr string) (spf.Result, error) {
	// Does not apply to authenticated connections, they're allowed regardless.
	if c.completedAuth {
		return "", nil
	}

	if *disableSPFForTesting {
		return "", nil
	}

	if tcp, ok := c.remoteAddr.(*net.TCPAddr); ok {
		spfTr := c.tr.NewChild("SPF", tcp.IP.String())
		defer spfTr.Finish()
		res, err := spf.CheckHostWithSender(
			tcp.IP, envelope.DomainOf(addr), addr,
			spf.WithTraceFunc(func(f string, a ...interface{}) {
				spfTr.Debugf(f, a...)
			}))

		c.tr.Debugf("SPF %v (%v)", res, err)
		spfResultCount.Add(string(res), 1)

		return res, err
	}

	return "", nil
}

// secLevelCheck checks if the security level is acceptable for the given
// address.
func (c *Conn) secLevelCheck(addr string) bool {
	// Only check if SPF passes. This serves two purposes:
	//  - Skip for authenticated connections (we trust them implicitly).
	//  - Don't apply this if we can't be sure the sender is authorized.
	//    Otherwise anyone could raise the level of any domain.
	if c.spfResult != spf.Pass {
		slcResults.Add("skip", 1)
		c.tr.Debugf("SPF did not pass, skipping security level check")
		return true
	}

	domain := envelope.DomainOf(addr)
	level := domaininfo.SecLevel_PLAIN
	if c.onTLS {
		level = domaininfo.SecLevel_TLS_CLIENT
	}

	ok := c.dinfo.IncomingSecLevel(c.tr, domain, level)
	if ok {
		slcResults.Add("pass", 1)
		c.tr.Debugf("security level check for %s passed (%s)", domain, level)
	} else {
		slcResults.Add("fail", 1)
		c.tr.Errorf("security level check for %s failed (%s)", domain, level)
	}

	return ok
}

// RCPT SMTP command handler.
func (c *Conn) RCPT(params string) (code int, msg string) {
	// params should be: "TO:<name@host>", and possibly followed by options
	// such as "NOTIFY=SUCCESS,DELAY" (which we ignore).
	// Check that it begins with "TO:" first, it's mandatory.
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Unknown command"
	}

	rawAddr := ""
	_, err := fmt.Sscanf(params[3:], "%s ", &rawAddr)
	if err != nil {
		return 500, "5.5.4 Malformed command: " + err.Error()
	}

	// RFC says 100 is the minimum limit for this, but it seems excessive.
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.8
	if len(c.rcptTo) > 100 {
		return 452, "4.5.3 Too many recipients"
	}

	e, err := mail.ParseAddress(rawAddr)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 Malformed destination address"
	}

	addr, err := normalize.DomainToUnicode(e.Address)
	if err != nil {
		return 501, "5.1.2 Malformed destination domain (IDNA conversion failed)"
	}

	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
	if len(addr) > 256 {
		return 501, "5.1.3 Destination address too long"
	}

	if c.proxyRouter != nil {
		if handled, pcode, pmsg := c.tryProxyRCPT(addr); handled {
			if pcode >= 200 && pcode < 300 {
				c.rcptTo = append(c.rcptTo, addr)
			}
			return pcode, pmsg
		}
	}

	if code, text, ok := c.scenarios.Apply("RCPT", addr); ok {
		return code, text
	}

	localDst := envelope.DomainIn(addr, c.localDomains)
	if !localDst && !c.completedAuth {
		maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
			"relay not allowed")
		return 503, "5.7.1 Relay not allowed"
	}

	if localDst {
		addr, err = normalize.Addr(addr)
		if err != nil {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				fmt.Sprintf("invalid address: %v", err))
			return 550, "5.1.3 Destination address is invalid"
		}

		ok, err := c.localUserExists(addr)
		if err != nil {
			c.tr.Errorf("error checking if user %q exists: %v", addr, err)
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				fmt.Sprintf("error checking if user exists: %v", err))
			return 451, "4.4.3 Temporary error checking address"
		}
		if !ok {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				"local user does not exist")
			return 550, "5.1.1 Destination address is unknown (user does not exist)"
		}
	}

	if d := c.preCommandHook("RCPT", c.mailFrom, []string{addr}); d.Override {
		return d.Code, d.Text
	}

	c.rcptTo = append(c.rcptTo, addr)
	return 250, "2.1.5 You have an eerie feeling..."
}

// tryProxyRCPT consults the proxy router for addr. handled is true when the
// proxy router owns the final outcome for this RCPT (either because it
// matched a rule, or because a proxy connection is already open for this
// transaction and the rule's non-match action applies); in that case
// code/msg is the response to send to the client.
func (c *Conn) tryProxyRCPT(addr string) (handled bool, code int, msg string) {
	remoteIP := ""
	if tcp, ok := c.remoteAddr.(*net.TCPAddr); ok {
		remoteIP = tcp.IP.String()
	}

	rule := c.proxyRouter.Match(addr, c.mailFrom, c.ehloDomain, remoteIP)

	if rule == nil {
		if c.proxyUp == nil {
			// No proxy involved in this transaction yet; defer to normal
			// local/relay processing.
			return false, 0, ""
		}

		// A proxy connection is already open, but this recipient doesn't
		// match any rule: the currently active rule's non-match action
		// decides what happens to it.
		switch c.proxyRule.NonMatchAction {
		case proxyrouter.ActionAccept:
			return true, 250, "2.1.5 Accepted"
		case proxyrouter.ActionReject:
			return true, 550, "5.7.1 Recipient rejected by proxy rule"
		default:
			return false, 0, ""
		}
	}

	if c.proxyUp == nil {
		up, err := proxyrouter.Open(rule, c.mailFrom, c.ehloDomain, c.proxyRouter.DialTimeout)
		if err != nil {
			c.tr.Errorf("error opening proxy upstream for %s: %v", addr, err)
			return true, 451, fmt.Sprintf("4.4.0 Error connecting to upstream: %v", err)
		}
		c.proxyUp = up
		c.proxyRule = rule
	}

	pcode, ptext, err := c.proxyUp.Rcpt(addr)
	if err != nil {
		c.tr.Errorf("error forwarding RCPT to upstream: %v", err)
		return true, 451, fmt.Sprintf("4.4.0 Error forwarding recipient to upstream: %v", err)
	}
	return true, pcode, ptext
}

// DATA SMTP command handler.
func (c *Conn) DATA(params string) (code int, msg string) {
	// We're going ahead.
	err := c.writeResponse(354, "You suddenly realize it is unnaturally quiet")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing DATA response: %v", err)
	}

	c.tr.Debugf("<- 354  You experience a strange sense of peace")
	if c.onTLS {
		tlsCount.Add("tls", 1)
	} else {
		tlsCount.Add("plain", 1)
	}

	// Increase the deadline for the data transfer to the connection-level
	// one, we don't want the command timeout to interfere.
	c.conn.SetDeadline(c.deadline)

	c.data, err = readUntilDot(c.reader, c.maxDataSize)
	if err == errMessageTooLarge {
		return 552, "5.3.4 Message too big"
	}
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error reading DATA: %v", err)
	}

	c.tr.Debugf("-> ... %d bytes of data", len(c.data))
	return c.finishData()
}

// BDAT LMTP/ESMTP chunking command handler (RFC 3030). Each call carries a
// chunk size and, on the final chunk, the LAST keyword; chunks accumulate in
// c.data until LAST, at which point the same post-DATA processing as DATA
// runs.
func (c *Conn) BDAT(params string) (code int, msg string) {
	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 Malformed BDAT: missing chunk size"
	}

	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return 501, "5.5.4 Malformed BDAT: invalid chunk size"
	}

	last := len(fields) >= 2 && strings.EqualFold(fields[1], "LAST")

	if int64(len(c.data))+size > c.maxDataSize {
		return 552, "5.3.4 Message too big"
	}

	c.bdatActive = true
	c.conn.SetDeadline(c.deadline)

	chunk := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(c.reader, chunk); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading BDAT chunk: %v", err)
		}
	}
	c.data = append(c.data, chunk...)

	c.tr.Debugf("-> ... %d octets of BDAT data (last=%v)", size, last)

	if !last {
		return 250, fmt.Sprintf("2.0.0 %d octets received", size)
	}

	if err := checkData(c.data); err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		return 554, err.Error()
	}
	return c.finishData()
}

// finishData runs the common tail of DATA/BDAT processing, and emits the
// replies: a single one for SMTP; for LMTP, one per accepted recipient,
// each reflecting that recipient's own outcome.
// https://tools.ietf.org/html/rfc2033#section-4.2
func (c *Conn) finishData() (code int, msg string) {
	nrcpt := len(c.rcptTo)
	c.rcptReplies = nil
	code, msg = c.processData()

	if !c.mode.LMTP {
		return code, msg
	}

	for i := 0; i < nrcpt; i++ {
		rcode, rmsg := code, msg
		if i < len(c.rcptReplies) && c.rcptReplies[i].code != 0 {
			rcode, rmsg = c.rcptReplies[i].code, c.rcptReplies[i].msg
		}

		// The last reply is emitted by our caller, the command loop.
		if i == nrcpt-1 {
			return rcode, rmsg
		}
		if err := c.writeResponse(rcode, rmsg); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error writing LMTP response: %v", err)
		}
	}
	return code, msg
}

// processData is the common tail of DATA/BDAT processing once the full
// message body is in c.data: loop detection, the Received header, the
// post-DATA hook, DKIM signing, the storage-processor chain, and finally
// queueing whatever recipients the chain left active.
func (c *Conn) processData() (code int, msg string) {
	if code, text, ok := c.scenarios.Apply("DATA", c.mailFrom); ok {
		c.resetEnvelope()
		return code, text
	}

	if err := checkData(c.data); err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		return 554, err.Error()
	}

	c.addReceivedHeader()

	hookOut, permanent, err := c.runPostDataHook(c.data)
	if err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		if permanent {
			return 554, err.Error()
		}
		return 451, err.Error()
	}
	c.data = append(hookOut, c.data...)

	c.signDKIM()

	env := &storage.Envelope{
		Session:  c.buildSession(),
		MailFrom: c.mailFrom,
		RcptTo:   append([]string(nil), c.rcptTo...),
		Data:     c.data,
	}
	if c.proxyUp != nil {
		env.ProxyUpstream = c.proxyUp
	}

	var chain []storage.Processor
	chain = append(chain, c.av, c.spam)
	if c.webhookClient != nil && c.webhookClient.RawURL != "" {
		chain = append(chain, c.webhookClient.NewRawProcessor(c.webhookRawContext(), true))
	}
	chain = append(chain, c.botDispatcher, proxyrouter.StreamProcessor{})

	result := storage.NewChain(chain...).Run(env)

	switch result.Outcome {
	case storage.StopOk:
		maillog.Queued(c.remoteAddr, c.mailFrom, env.ActiveRecipients(), "chain-handled")
		c.resetEnvelope()
		return result.Code, result.Text
	case storage.StopReject:
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, result.Text)
		c.resetEnvelope()
		return result.Code, result.Text
	}

	active := env.ActiveRecipients()

	// Queue whatever the chain left active. There are no partial failures
	// within the queueing itself: if individual deliveries fail later, we
	// report via email.
	// Headers the processors asked to stamp go ahead of the body.
	qcode, qmsg := 0, ""
	if len(active) > 0 {
		data := env.Data
		if len(env.HeaderPrefix) > 0 {
			data = append(append([]byte(nil), env.HeaderPrefix...), data...)
		}
		msgID, err := c.queue.Put(c.tr, c.mailFrom, active, data)
		if err != nil {
			qcode = 451
			qmsg = fmt.Sprintf("4.3.0 Failed to queue message: %v", err)
		} else {
			c.tr.Printf("Queued from %s to %s - %s", c.mailFrom, active, msgID)
			maillog.Queued(c.remoteAddr, c.mailFrom, active, msgID)
		}
	} else {
		// Every recipient was claimed by an earlier processor (e.g. the
		// bot dispatcher); there's nothing left to queue.
		c.tr.Printf("all recipients claimed by storage chain, nothing to queue")
	}

	// Record the per-recipient outcomes, for the LMTP replies: recipients
	// a processor claimed were accepted regardless of the queue's fate.
	c.rcptReplies = make([]rcptReply, len(env.RcptTo))
	for i, addr := range env.RcptTo {
		if env.RemovedRecipients[addr] {
			c.rcptReplies[i] = rcptReply{250, "2.0.0 Message accepted"}
		} else {
			c.rcptReplies[i] = rcptReply{qcode, qmsg}
		}
	}

	if qcode >= 400 {
		// Return a transient error, without resetting the envelope, so
		// the client may retry the transaction.
		return qcode, qmsg
	}

	// It is very important that we reset the envelope before returning,
	// so clients can send other emails right away without needing to RSET.
	c.resetEnvelope()

	if len(active) == 0 {
		return 250, "2.0.0 Message accepted, no recipients left to deliver"
	}

	msgs := []string{
		"You offer the Amulet of Yendor to Anhur...",
		"An invisible choir sings, and you are bathed in radiance...",
		"The voice of Anhur booms out: Congratulations, mortal!",
		"In return to thy service, I grant thee the gift of Immortality!",
		"You ascend to the status of Demigod(dess)...",
	}
	return 250, "2.0.0 " + msgs[rand.Int()%len(msgs)]
}

// signDKIM prepends a DKIM-Signature header for authenticated senders on a
// domain with configured signers.
func (c *Conn) signDKIM() {
	if !c.completedAuth {
		return
	}
	signers := c.dkimSigners[c.authDomain]
	if len(signers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, signer := range signers {
		header, err := signer.Sign(ctx, string(c.data))
		if err != nil {
			c.tr.Errorf("error DKIM-signing for %s/%s: %v", signer.Domain, signer.Selector, err)
			continue
		}
		c.data = envelope.AddHeader(c.data, "DKIM-Signature", header)
	}
}

// buildSession lazily constructs (or refreshes) the cloneable session
// snapshot handed to storage processors and webhook calls.
func (c *Conn) buildSession() *rsession.Session {
	if c.session == nil {
		c.session = rsession.New(rsession.Inbound)
	}

	s := c.session
	s.RemoteAddr = c.remoteAddr.String()
	s.HeloDomain = c.ehloDomain
	s.Protocol = c.protocolName()

	s.TLS = rsession.TLSInfo{Negotiated: c.onTLS}
	if c.tlsConnState != nil {
		s.TLS.Protocol = tlsconst.VersionName(c.tlsConnState.Version)
		s.TLS.Cipher = tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite)
	}

	if c.completedAuth {
		s.AuthPrincipal = c.authUser + "@" + c.authDomain
	}

	return s.Clone()
}

// protocolName reports the wire dialect of this connection, for the
// session snapshot and Received header.
func (c *Conn) protocolName() string {
	switch {
	case c.mode.LMTP:
		return "lmtp"
	case c.isESMTP:
		return "esmtp"
	default:
		return "smtp"
	}
}

// webhookRawContext builds the per-message context sent alongside the
// post-DATA RAW webhook call.
func (c *Conn) webhookRawContext() webhook.RawContext {
	username := ""
	if c.completedAuth {
		username = c.authUser + "@" + c.authDomain
	}
	return webhook.RawContext{
		Hostname:   c.hostname,
		Direction:  "inbound",
		UID:        c.tr.ID,
		TLS:        c.onTLS,
		EHLO:       c.ehloDomain,
		Username:   username,
		SenderIP:   addrHost(c.remoteAddr),
		Sender:     c.mailFrom,
		Recipients: append([]string(nil), c.rcptTo...),
	}
}

// addrHost extracts the bare host from addr, mirroring the *net.TCPAddr
// type-assertion pattern used elsewhere in this file (e.g. checkSPF).
func addrHost(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}

func (c *Conn) addReceivedHeader() {
	var v string

	// Format is semi-structured, defined by
	// https://tools.ietf.org/html/rfc5321#section-4.4

	if c.completedAuth {
		// For authenticated users, only show the EHLO domain they gave;
		// explicitly hide their network address.
		v += fmt.Sprintf("from %s\n", c.ehloDomain)
	} else {
		// For non-authenticated users we show the real address as canonical,
		// and then the given EHLO domain for convenience and
		// troubleshooting.
		v += fmt.Sprintf("from [%s] (%s)\n",
			addrLiteral(c.remoteAddr), c.ehloDomain)
	}

	v += fmt.Sprintf("by %s (robin) ", c.hostname)

	// https://www.iana.org/assignments/mail-parameters/mail-parameters.xhtml#mail-parameters-7
	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.onTLS {
		with += "S"
	}
	if c.completedAuth {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if c.tlsConnState != nil {
		// https://tools.ietf.org/html/rfc8314#section-4.3
		v += fmt.Sprintf("tls %s\n",
			tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	v += fmt.Sprintf("(over %s, ", c.mode)
	if c.tlsConnState != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(c.tlsConnState.Version))
	} else {
		v += "plain text!, "
	}

	// Note we must NOT include c.rcptTo, that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", c.mailFrom)

	// This should be the last part in the Received header, by RFC.
	// The ";" is a mandatory separator. The date format is not standard but
	// this one seems to be widely used.
	// https://tools.ietf.org/html/rfc5322#section-3.6.7
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))
	c.data = envelope.AddHeader(c.data, "Received", v)

	if c.spfResult != "" {
		// https://tools.ietf.org/html/rfc7208#section-9.1
		v = fmt.Sprintf("%s (%v)", c.spfResult, c.spfError)
		c.data = envelope.AddHeader(c.data, "Received-SPF", v)
	}
}

// addrLiteral converts a net.Addr (must be TCP) into a string for use as
// address literal, compliant with
// https://tools.ietf.org/html/rfc5321#section-4.1.3.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		// Fall back to Go's string representation; non-compliant but
		// better than anything for our purposes.
		return addr.String()
	}

	// IPv6 addresses take the "IPv6:" prefix.
	// IPv4 addresses are used literally.
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}

	return s
}

// checkData performs very basic checks on the body of the email, to help
// detect very broad problems like email loops. It does not fully check the
// sanity of the headers or the structure of the payload.
func checkData(data []byte) error {
	msg, err := mail.ReadMessage(bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("5.6.0 Error parsing message: %v", err)
	}

	// This serves as a basic form of loop prevention. It's not infallible but
	// should catch most instances of accidental looping.
	// https://tools.ietf.org/html/rfc5321#section-6.3
	if len(msg.Header["Received"]) > *maxReceivedHeaders {
		loopsDetected.Add(1)
		return fmt.Errorf("5.4.6 Loop detected (%d hops)",
			*maxReceivedHeaders)
	}

	return nil
}

// Sanitize HELO/EHLO domain.
// RFC is extremely flexible with EHLO domain values, allowing all printable
// ASCII characters. They can be tricky to use in shell scripts (commonly used
// as post-data hooks), so this function sanitizes the value to make it
// shell-safe.
func sanitizeEHLODomain(s string) string {
	n := ""
	for _, c := range s {
		// Allow a-zA-Z0-9 and []-.:
		// That's enough for all domains, IPv4 and IPv6 literals, and also
		// shell-safe.
		// Non-ASCII are forbidden as EHLO domains per RFC.
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '-', c == '.',
			c == '[', c == ']', c == ':':
			n += string(c)
		}
	}

	return n
}

// runPostDataHook and return the new headers to add, and on error a boolean
// indicating if it's permanent, and the error itself.
func (c *Conn) runPostDataHook(data []byte) ([]byte, bool, error) {
	// TODO: check if the file is executable.
	if _, err := os.Stat(c.postDataHook); os.IsNotExist(err) {
		hookResults.Add("post-data:skip", 1)
		return nil, false, nil
	}
	tr := trace.New("Hook.Post-DATA", c.remoteAddr.String())
	defer tr.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.postDataHook)
	cmd.Stdin = bytes.NewReader(data)

	// Prepare the environment, copying some common variables so the hook has
	// something reasonable, and then setting the specific ones for this case.
	for _, v := range strings.Fields("USER PWD SHELL PATH") {
		cmd.Env = append(cmd.Env, v+"="+os.Getenv(v))
	}
	cmd.Env = append(cmd.Env, "REMOTE_ADDR="+c.remoteAddr.String())
	cmd.Env = append(cmd.Env, "EHLO_DOMAIN="+sanitizeEHLODomain(c.ehloDomain))
	cmd.Env = append(cmd.Env, "EHLO_DOMAIN_RAW="+c.ehloDomain)
	cmd.Env = append(cmd.Env, "MAIL_FROM="+c.mailFrom)
	cmd.Env = append(cmd.Env, "RCPT_TO="+strings.Join(c.rcptTo, " "))

	if c.completedAuth {
		cmd.Env = append(cmd.Env, "AUTH_AS="+c.authUser+"@"+c.authDomain)
	} else {
		cmd.Env = append(cmd.Env, "AUTH_AS=")
	}

	cmd.Env = append(cmd.Env, "ON_TLS="+boolToStr(c.onTLS))
	cmd.Env = append(cmd.Env, "FROM_LOCAL_DOMAIN="+boolToStr(
		envelope.DomainIn(c.mailFrom, c.localDomains)))
	cmd.Env = append(cmd.Env, "SPF_PASS="+boolToStr(c.spfResult == spf.Pass))

	out, err := cmd.Output()
	tr.Debugf("stdout: %q", out)
	if err != nil {
		hookResults.Add("post-data:fail", 1)
		tr.Error(err)

		permanent := false
		if ee, ok := err.(*exec.ExitError); ok {
			tr.Printf("stderr: %q", string(ee.Stderr))
			if status, ok := ee.Sys().(syscall.WaitStatus); ok {
				permanent = status.ExitStatus() == 20
			}
		}

		// The error contains the last line of stdout, so filters can pass
		// some rejection information back to the sender.
		err = fmt.Errorf(lastLine(string(out)))
		return nil, permanent, err
	}

	// Check that output looks like headers, to avoid breaking the email
	// contents. If it does not, just skip it.
	if !isHeader(out) {
		hookResults.Add("post-data:badoutput", 1)
		tr.Errorf("error parsing post-data output: %q", out)
		return nil, false, nil
	}

	tr.Debugf("success")
	hookResults.Add("post-data:success", 1)
	return out, false, nil
}

// isHeader checks if the given buffer is a valid MIME header.
func isHeader(b []byte) bool {
	s := string(b)
	if len(s) == 0 {
		return true
	}

	// If it is just a \n, or contains two \n, then it's not a header.
	if s == "\n" || strings.Contains(s, "\n\n") {
		return false
	}

	// If it does not end in \n, not a header.
	if s[len(s)-1] != '\n' {
		return false
	}

	// Each line must either start with a space or have a ':'.
	seen := false
	for _, line := range strings.SplitAfter(s, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if !seen {
				// Continuation without a header first (invalid).
				return false
			}
			continue
		}
		if !strings.Contains(line, ":") {
			return false
		}
		seen = true
	}
	return true
}

func lastLine(s string) string {
	l := strings.Split(s, "\n")
	if len(l) < 2 {
		return ""
	}
	return l[len(l)-2]
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// STARTTLS SMTP command handler.
func (c *Conn) STARTTLS(params string) (code int, msg string) {
	err := c.writeResponse(220, "2.0.0 You experience a strange sense of peace")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing STARTTLS response: %v", err)
	}

	c.tr.Debugf("<- 220  You experience a strange sense of peace")

	server := tls.Server(c.conn, c.tlsConfig)
	err = server.Handshake()
	if err != nil {
		return 554, fmt.Sprintf("5.5.0 Error in TLS handshake: %v", err)
	}

	c.tr.Debugf("<> ...  jump to TLS was successful")

	// Override the connection. We don't need the older one anymore.
	c.conn = server
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	// Take the connection state, so we can use it later for logging and
	// tracing purposes.
	cstate := server.ConnectionState()
	c.tlsConnState = &cstate

	// Reset the envelope and the EHLO-negotiated state; clients must start
	// over (including a new EHLO) after switching to TLS.
	// https://tools.ietf.org/html/rfc3207#section-4.2
	c.resetEnvelope()
	c.ehloDomain = ""
	c.isESMTP = false

	c.onTLS = true

	// If the client requested a specific server and we complied, that's our
	// identity from now on.
	if name := c.tlsConnState.ServerName; name != "" {
		c.hostname = name
	}

	// 0 indicates not to send back a reply.
	return 0, ""
}

// AUTH SMTP command handler.
func (c *Conn) AUTH(params string) (code int, msg string) {
	// We support PLAIN and LOGIN, so no need to make this too complicated.
	// Params should be "PLAIN", "PLAIN <response>" or "LOGIN".
	// If the response is not there, we reply with 334, and expect the
	// response back from the client in the next message.

	sp := strings.SplitN(params, " ", 2)
	if len(sp) < 1 || (sp[0] != "PLAIN" && sp[0] != "LOGIN") {
		// As we only offer PLAIN and LOGIN, this should not really happen.
		return 534, "5.7.9 Asmodeus demands 534 zorkmids for safe passage"
	}

	// Note we use more "serious" error messages from now own, as these may
	// find their way to the users in some circumstances.

	// Get the response, either from the message or interactively.
	response := ""
	if len(sp) == 2 {
		response = sp[1]
	} else if sp[0] == "LOGIN" {
		// With the LOGIN method, the user password and domain are
		// passed in separate messages. Here we prompt for the LOGIN
		// parameters and convert them into the PLAIN authentication
		// format, i.e. the base64-encoded string:
		//	<authorization id> NUL <authentication id> NUL <password>
		if err := c.writeResponse(334, ""); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error writing AUTH 334: %v", err)
		}
		user := []byte{}
		pass := []byte{}

		if userb64, err := c.readLine(); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading AUTH LOGIN user response: %v", err)
		} else if user, err = base64.StdEncoding.DecodeString(userb64); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error parsing AUTH LOGIN user 334: %v", err)
		} else if err := c.writeResponse(334, ""); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error writing AUTH 334: %v", err)
		}

		if passb64, err := c.readLine(); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading AUTH LOGIN pass response: %v", err)
		} else if pass, err = base64.StdEncoding.DecodeString(passb64); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error parsing AUTH LOGIN pass 334: %v", err)
		}

		plain := []byte{}
		plain = append(plain, user...)
		plain = append(plain, '\000')
		plain = append(plain, user...)
		plain = append(plain, '\000')
		plain = append(plain, pass...)
		response = base64.StdEncoding.EncodeToString(plain)
	} else {
		// Reply 334 and expect the user to provide it.
		// In this case, the text IS relevant, as it is taken as the
		// server-side SASL challenge (empty for PLAIN).
		// https://tools.ietf.org/html/rfc4954#section-4
		err := c.writeResponse(334, "")
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 Error writing AUTH 334: %v", err)
		}

		response, err = c.readLine()
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading AUTH response: %v", err)
		}
	}

	user, domain, passwd, err := auth.DecodeResponse(response)
	if err != nil {
		// https://tools.ietf.org/html/rfc4954#section-4
		return 501, fmt.Sprintf("5.5.2 Error decoding AUTH response: %v", err)
	}

	// https://tools.ietf.org/html/rfc4954#section-6
	authOk, err := c.authr.Authenticate(user, domain, passwd)
	if err != nil {
		c.tr.Errorf("error authenticating %q@%q: %v", user, domain, err)
		maillog.Auth(c.remoteAddr, user+"@"+domain, false)
		return 454, "4.7.0 Temporary authentication failure"
	}
	if authOk {
		c.authUser = user
		c.authDomain = domain
		c.completedAuth = true
		maillog.Auth(c.remoteAddr, user+"@"+domain, true)
		return 235, "2.7.0 Authentication successful"
	}

	maillog.Auth(c.remoteAddr, user+"@"+domain, false)
	return 535, "5.7.8 Incorrect user or password"
}

func (c *Conn) resetEnvelope() {
	c.mailFrom = ""
	c.rcptTo = nil
	c.data = nil
	c.spfResult = ""
	c.spfError = nil
	c.bdatActive = false

	// If a proxy upstream is still around, it is tied to the transaction
	// being discarded; close it. Closing twice is harmless, so we don't
	// track whether the stream processor already did.
	if c.proxyUp != nil {
		c.proxyUp.Close()
		c.proxyUp = nil
		c.proxyRule = nil
	}
}

func (c *Conn) localUserExists(addr string) (bool, error) {
	// Note Exists removes the drop chars and suffixes from the address, so
	// the database lookup below is on a "clean" form of it.
	cleaned, ok := c.aliasesR.Exists(c.tr, addr)
	if ok {
		return true, nil
	}

	user, domain := envelope.Split(cleaned)
	return c.authr.Exists(user, domain)
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	msg, err := c.readLine()
	if err != nil {
		return "", "", err
	}

	sp := strings.SplitN(msg, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}

	return cmd, params, err
}

func (c *Conn) readLine() (line string, err error) {
	// The bufio reader's ReadLine will only read up to the buffer size, which
	// prevents DoS due to memory exhaustion on extremely long lines.
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}

	// As per RFC, the maximum length of a text line is 1000 octets.
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.6
	if len(l) > 1000 || more {
		// Keep reading to maintain the protocol status, but discard the data.
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("line too long")
	}

	return string(l), nil
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()

	responseCodeCount.Add(strconv.Itoa(code), 1)
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a multi-line response to the given writer.
// This is the writing version of textproto.Reader.ReadResponse().
func writeResponse(w io.Writer, code int, msg string) error {
	var i int
	lines := strings.Split(msg, "\n")

	// The first N-1 lines use "<code>-<text>".
	for i = 0; i < len(lines)-2; i++ {
		_, err := w.Write([]byte(fmt.Sprintf("%d-%s\r\n", code, lines[i])))
		if err != nil {
			return err
		}
	}

	// The last line uses "<code> <text>".
	_, err := w.Write([]byte(fmt.Sprintf("%d %s\r\n", code, lines[i])))
	if err != nil {
		return err
	}

	return nil
}
