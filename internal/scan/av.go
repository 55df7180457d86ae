// Package scan implements the AV and Spam storage processors: thin
// clients for a ClamAV-style antivirus daemon and a Rspamd-style spam
// scorer.
package scan

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/scanresult"
	"github.com/transilvlad/robin/internal/storage"
	"github.com/transilvlad/robin/internal/trace"
)

var (
	avResults = expvarom.NewMap("robin/scan/avResults",
		"result", "count of antivirus scan outcomes")
)

// Policy selects what an infected/over-threshold verdict does to the
// transaction.
type Policy string

const (
	PolicyReject  Policy = "reject"
	PolicyDiscard Policy = "discard"
)

// AV is the storage.Processor that streams the envelope payload to a
// ClamAV-compatible daemon over its INSTREAM protocol and acts on the
// verdict.
type AV struct {
	// Addr is "host:port" for the clamd daemon. Empty disables the
	// processor (it always continues).
	Addr    string
	Policy  Policy
	Timeout time.Duration
}

func (a *AV) Name() string { return "av" }

func (a *AV) Process(e *storage.Envelope) storage.Result {
	if a == nil || a.Addr == "" {
		return storage.ContinueResult()
	}

	tr := trace.New("Scan.AV", a.Addr)
	defer tr.Finish()

	infected, viruses, err := a.scan(e.Data)
	if err != nil {
		tr.Errorf("clamav scan failed: %v", err)
		avResults.Add("error", 1)
		// A scanner outage is a transient local failure, not grounds to
		// silently accept unscanned mail: defer to the sender.
		return storage.Reject(451, fmt.Sprintf("4.7.1 Temporary failure scanning message: %v", err))
	}

	if !infected {
		avResults.Add("clean", 1)
		e.ScanResults.Append(scanresult.ScanResult{ClamAV: &scanresult.ClamAV{Infected: false}})
		return storage.ContinueResult()
	}

	avResults.Add("infected", 1)
	e.ScanResults.Append(scanresult.ScanResult{ClamAV: &scanresult.ClamAV{
		Infected: true,
		Viruses:  viruses,
	}})

	switch a.Policy {
	case PolicyDiscard:
		tr.Printf("virus detected, silently discarding: %v", viruses)
		return storage.Ok(250, "2.0.0 Message accepted")
	default:
		tr.Errorf("virus detected, rejecting: %v", viruses)
		return storage.Reject(554, fmt.Sprintf("5.7.0 Virus detected: %s", strings.Join(viruses, ", ")))
	}
}

// scan streams data to the clamd INSTREAM protocol and parses the
// response. See https://docs.clamav.net/manual/Usage/Scanning.html#zinstream
func (a *AV) scan(data []byte) (infected bool, viruses []string, err error) {
	timeout := a.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	conn, err := net.DialTimeout("tcp", a.Addr, timeout)
	if err != nil {
		return false, nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return false, nil, err
	}

	const chunkSize = 8192
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		var szbuf [4]byte
		binary.BigEndian.PutUint32(szbuf[:], uint32(len(chunk)))
		if _, err := conn.Write(szbuf[:]); err != nil {
			return false, nil, err
		}
		if _, err := conn.Write(chunk); err != nil {
			return false, nil, err
		}
	}

	// Zero-length chunk terminates the stream.
	var zero [4]byte
	if _, err := conn.Write(zero[:]); err != nil {
		return false, nil, err
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return false, nil, err
	}
	reply = strings.TrimRight(reply, "\x00\r\n")

	// Reply looks like "stream: OK" or "stream: Eicar-Test-Signature FOUND".
	if strings.HasSuffix(reply, "OK") {
		return false, nil, nil
	}
	if strings.Contains(reply, "FOUND") {
		name := strings.TrimSuffix(strings.TrimPrefix(reply, "stream: "), " FOUND")
		return true, []string{name}, nil
	}
	if strings.Contains(reply, "ERROR") {
		return false, nil, fmt.Errorf("clamd error: %s", reply)
	}

	return false, nil, fmt.Errorf("unrecognized clamd reply: %q", reply)
}
