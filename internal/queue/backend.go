package queue

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/transilvlad/robin/internal/config"
)

// Backend is the durable storage contract every queue implementation
// must satisfy: an ordered mapping jobID -> RelayJob with FIFO dequeue,
// peek, snapshot, clear, and removal by UID. All backends share this
// contract so the cron and Queue facade never need to know which one is
// in use.
type Backend interface {
	// Put appends job to the back of the queue, or replaces it in place
	// if a job with the same UID already exists.
	Put(job *RelayJob) error

	// Dequeue removes and returns up to max jobs from the front of the
	// queue, in FIFO order.
	Dequeue(max int) ([]*RelayJob, error)

	// Peek returns up to max jobs from the front without removing them.
	Peek(max int) ([]*RelayJob, error)

	// Snapshot returns every job currently queued, front to back.
	Snapshot() ([]*RelayJob, error)

	// RemoveByUID removes the job with the given UID, if present.
	RemoveByUID(uid string) error

	// RemoveAt removes the job at the given position (0 = front), if
	// present.
	RemoveAt(index int) error

	// Len returns the number of queued jobs.
	Len() (int, error)

	// Clear empties the queue. Used by tests.
	Clear() error

	// Close releases any resources (file handles, connections) held by
	// the backend.
	Close() error
}

var validTableName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// NewBackend constructs the Backend selected by qc.Backend ("bolt",
// "redis", "sql", or "memory"), rooted at dataDir for file-based
// backends.
func NewBackend(qc config.QueueConfig, dataDir string) (Backend, error) {
	switch qc.Backend {
	case "", "bolt":
		path := qc.BoltPath
		if path == "" {
			path = "queue.db"
		}
		return newBoltBackend(dataDir + "/" + path)
	case "redis":
		return newRedisBackend(qc)
	case "sql":
		if !validTableName.MatchString(qc.SQLTable) {
			return nil, fmt.Errorf("invalid SQL table name %q", qc.SQLTable)
		}
		return newSQLBackend(qc)
	case "memory":
		return newMemBackend(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
}

// backoff computes the delay before a job at the given retry count is
// eligible for its next attempt:
//
//	backoff(n) = round(first_wait_minutes * growth_factor^n * 60) seconds
//
// With the defaults (first_wait_minutes=1, growth_factor=1.2) this gives
// backoff(0)=60s, backoff(1)=72s, and a cumulative wait of roughly 24h by
// the time max_retries (30) is reached.
func backoff(n int, firstWaitMinutes, growthFactor float64) time.Duration {
	seconds := math.Round(firstWaitMinutes * math.Pow(growthFactor, float64(n)) * 60)
	return time.Duration(seconds) * time.Second
}

// nextAllowed returns the time at which job is next eligible for a
// delivery attempt.
func nextAllowed(job *RelayJob, firstWaitMinutes, growthFactor float64) time.Time {
	return job.LastRetry.Add(backoff(job.RetryCount, firstWaitMinutes, growthFactor))
}

// Backoff exports backoff for use by internal/cron, which must decide
// retry eligibility without reaching into this package's internals.
func Backoff(n int, firstWaitMinutes, growthFactor float64) time.Duration {
	return backoff(n, firstWaitMinutes, growthFactor)
}

// NextAllowed exports nextAllowed for use by internal/cron.
func NextAllowed(job *RelayJob, firstWaitMinutes, growthFactor float64) time.Time {
	return nextAllowed(job, firstWaitMinutes, growthFactor)
}
