package scan

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/storage"
)

// fakeClamd implements just enough of the INSTREAM wire protocol to drive
// AV.Process in tests: it drains size-prefixed chunks until a zero-length
// terminator, then writes back a canned reply.
func fakeClamd(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		// Drain the command.
		if _, err := r.ReadString('\x00'); err != nil {
			return
		}
		for {
			var szbuf [4]byte
			if _, err := io.ReadFull(r, szbuf[:]); err != nil {
				return
			}
			sz := binary.BigEndian.Uint32(szbuf[:])
			if sz == 0 {
				break
			}
			if _, err := io.CopyN(io.Discard, r, int64(sz)); err != nil {
				return
			}
		}
		conn.Write([]byte(reply + "\x00"))
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestAVProcessClean(t *testing.T) {
	addr := fakeClamd(t, "stream: OK")
	av := &AV{Addr: addr, Timeout: 2 * time.Second}
	e := &storage.Envelope{Data: []byte("hello world")}

	r := av.Process(e)
	if r.Outcome != storage.Continue {
		t.Fatalf("expected Continue for clean scan, got %+v", r)
	}
	if e.ScanResults.Len() != 1 || e.ScanResults.Snapshot()[0].ClamAV.Infected {
		t.Fatalf("expected one clean ClamAV result recorded")
	}
}

func TestAVProcessInfectedRejectsByDefault(t *testing.T) {
	addr := fakeClamd(t, "stream: Eicar-Test-Signature FOUND")
	av := &AV{Addr: addr, Timeout: 2 * time.Second}
	e := &storage.Envelope{Data: []byte("virus payload")}

	r := av.Process(e)
	if r.Outcome != storage.StopReject || r.Code != 554 {
		t.Fatalf("expected reject on infected, got %+v", r)
	}
}

func TestAVProcessInfectedDiscardPolicy(t *testing.T) {
	addr := fakeClamd(t, "stream: Eicar-Test-Signature FOUND")
	av := &AV{Addr: addr, Policy: PolicyDiscard, Timeout: 2 * time.Second}
	e := &storage.Envelope{Data: []byte("virus payload")}

	r := av.Process(e)
	if r.Outcome != storage.StopOk || r.Code != 250 {
		t.Fatalf("expected silent accept on discard policy, got %+v", r)
	}
}

func TestAVProcessDisabledWhenNoAddr(t *testing.T) {
	av := &AV{}
	e := &storage.Envelope{Data: []byte("anything")}
	r := av.Process(e)
	if r.Outcome != storage.Continue {
		t.Fatalf("expected disabled AV to continue, got %+v", r)
	}
	if e.ScanResults.Len() != 0 {
		t.Fatalf("expected no scan results recorded when disabled")
	}
}
