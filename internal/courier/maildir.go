package courier

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/transilvlad/robin/internal/envelope"
	"github.com/transilvlad/robin/internal/normalize"
	"github.com/transilvlad/robin/internal/trace"
)

// Maildir delivers local mail by writing one file per message into the
// recipient's Maildir-style mailbox: the message is written to tmp/ and
// then renamed into new/, so readers never see partial messages.
// https://cr.yp.to/proto/maildir.html
type Maildir struct {
	// Base directory; each recipient's mailbox lives at
	// <Base>/<domain>/<user>/.
	Base string
}

var maildirSeq uint64

func (m *Maildir) Deliver(from string, to string, data []byte) (error, bool) {
	tr := trace.New("Courier.Maildir", to)
	defer tr.Finish()
	tr.Debugf("%s -> %s", from, to)

	user := envelope.UserOf(to)
	domain := envelope.DomainOf(to)

	dir := filepath.Join(m.Base, sanitizeForMDA(domain), sanitizeForMDA(user))
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			// Can't create the mailbox; transient, the operator may fix
			// permissions or disk space.
			return tr.Errorf("creating maildir: %v", err), false
		}
	}

	// Unique name per the Maildir convention: time, pid and a sequence
	// number. We never reuse it within the process thanks to the counter.
	hostname, _ := os.Hostname()
	name := fmt.Sprintf("%d.%d_%d.%s",
		time.Now().UnixNano(), os.Getpid(),
		atomic.AddUint64(&maildirSeq, 1), hostname)

	tmpPath := filepath.Join(dir, "tmp", name)
	newPath := filepath.Join(dir, "new", name)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return tr.Errorf("creating message file: %v", err), false
	}

	if _, err := f.Write(normalize.ToCRLF(data)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return tr.Errorf("writing message: %v", err), false
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return tr.Errorf("closing message: %v", err), false
	}

	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return tr.Errorf("delivering to new/: %v", err), false
	}

	tr.Debugf("delivered to %s", newPath)
	return nil, false
}
