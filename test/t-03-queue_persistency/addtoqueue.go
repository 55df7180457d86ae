// addtoqueue is a test helper which adds a relay job directly to the queue
// backend, behind robin's back.
//
// Note that robin does NOT support this, we do it before starting up the
// daemon for testing purposes only.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/queue"
	"github.com/transilvlad/robin/internal/safeio"
)

var (
	queueDir = flag.String("queue_dir", ".queue", "queue directory")
	id       = flag.String("id", "mid1234", "Message ID")
	from     = flag.String("from", "from", "Mail from")
	rcpt     = flag.String("rcpt", "rcpt", "Rcpt to")
)

func main() {
	flag.Parse()

	data, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		fmt.Printf("error reading data: %v\n", err)
		os.Exit(1)
	}

	os.MkdirAll(*queueDir, 0700)

	payloadPath := fmt.Sprintf("%s/%s.msg", *queueDir, *id)
	if err := safeio.WriteFile(payloadPath, data, 0600); err != nil {
		fmt.Printf("error writing payload: %v\n", err)
		os.Exit(1)
	}

	backend, err := queue.NewBackend(
		config.QueueConfig{Backend: "bolt"}, *queueDir)
	if err != nil {
		fmt.Printf("error opening queue backend: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	job := &queue.RelayJob{
		UID:      *id,
		Protocol: queue.ProtoLDA,
		Envelopes: []queue.JobEnvelope{{
			SessionUID: *id,
			MailFrom:   *from,
			Recipients: []queue.JobRecipient{{
				Address:      *rcpt,
				OriginalAddr: *rcpt,
				Status:       queue.RcptPending,
			}},
			PayloadPath: payloadPath,
		}},
		CreatedAt: time.Now(),
		LastRetry: time.Now(),
	}

	if err := backend.Put(job); err != nil {
		fmt.Printf("error writing job: %v\n", err)
		os.Exit(1)
	}
}
