package smtpsrv

// This file holds the SMTP verb dispatch table. Each entry pairs the
// preconditions a command must meet (given the current session state) with
// the handler that executes it; the command loop looks the verb up here and
// replies with the first failing precondition, or with the handler's
// result. New verbs are added by registering entries in this table, not by
// growing a switch.

// precondition checks the session state before a verb executes. A non-zero
// code means the command must be refused with that reply.
type precondition func(c *Conn) (code int, msg string)

// verbHandler is one entry in the dispatch table.
type verbHandler struct {
	preconditions []precondition
	execute       func(c *Conn, params string) (code int, msg string)
}

func needsHello(c *Conn) (int, string) {
	if c.ehloDomain == "" {
		return 503, "5.5.1 Invisible customers are not welcome!"
	}
	return 0, ""
}

func needsMailFrom(c *Conn) (int, string) {
	if c.mailFrom == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	return 0, ""
}

func needsRcptTo(c *Conn) (int, string) {
	if len(c.rcptTo) == 0 {
		return 503, "5.5.1 Need an address to send to"
	}
	return 0, ""
}

func needsNoBDAT(c *Conn) (int, string) {
	if c.bdatActive {
		// https://tools.ietf.org/html/rfc3030#section-4
		return 503, "5.5.1 DATA is not allowed after BDAT"
	}
	return 0, ""
}

func needsTLS(c *Conn) (int, string) {
	if !c.onTLS {
		return 503, "5.7.10 You feel vulnerable"
	}
	return 0, ""
}

func needsNoTLS(c *Conn) (int, string) {
	if c.onTLS {
		return 503, "5.5.1 You are already wearing that!"
	}
	return 0, ""
}

func needsNoAuth(c *Conn) (int, string) {
	if c.completedAuth {
		// After a successful AUTH command completes, a server MUST reject
		// any further AUTH commands with a 503 reply.
		// https://tools.ietf.org/html/rfc4954#section-4
		return 503, "5.5.1 You are already wearing that!"
	}
	return 0, ""
}

var verbs = map[string]verbHandler{
	"HELO": {execute: (*Conn).HELO},
	"EHLO": {execute: (*Conn).EHLO},
	"LHLO": {execute: (*Conn).LHLO},
	"HELP": {execute: (*Conn).HELP},
	"NOOP": {execute: (*Conn).NOOP},
	"RSET": {execute: (*Conn).RSET},
	"VRFY": {execute: (*Conn).VRFY},
	"EXPN": {execute: (*Conn).EXPN},

	"STARTTLS": {
		preconditions: []precondition{needsNoTLS},
		execute:       (*Conn).STARTTLS,
	},
	"AUTH": {
		preconditions: []precondition{needsHello, needsTLS, needsNoAuth},
		execute:       (*Conn).AUTH,
	},

	"MAIL": {
		preconditions: []precondition{needsHello},
		execute:       (*Conn).MAIL,
	},
	"RCPT": {
		preconditions: []precondition{needsMailFrom},
		execute:       (*Conn).RCPT,
	},
	"DATA": {
		preconditions: []precondition{
			needsHello, needsMailFrom, needsRcptTo, needsNoBDAT},
		execute: (*Conn).DATA,
	},
	"BDAT": {
		preconditions: []precondition{
			needsHello, needsMailFrom, needsRcptTo},
		execute: (*Conn).BDAT,
	},
}

// dispatch looks cmd up in the verb table and runs it against c.
// Returns ok=false when the verb is unknown.
func (c *Conn) dispatch(cmd, params string) (code int, msg string, ok bool) {
	v, ok := verbs[cmd]
	if !ok {
		return 0, "", false
	}

	for _, pre := range v.preconditions {
		if code, msg := pre(c); code != 0 {
			return code, msg, true
		}
	}

	code, msg = v.execute(c, params)
	return code, msg, true
}
