package queue

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// boltBackend stores RelayJobs in a single bbolt file, matching the
// "embedded key/value file store" backend named in the queue's external
// interface: one file plus a write-ahead log, managed entirely by
// bbolt's own transaction machinery.
//
// Jobs are keyed by an auto-incrementing sequence number, so natural key
// order gives FIFO iteration; the job's UID is kept as a field inside the
// stored value (not the key) so RemoveByUID needs a scan, matching the
// durability/simplicity tradeoff the embedded backend is meant for.
type boltBackend struct {
	db *bolt.DB
}

var jobsBucket = []byte("relay_jobs")

func newBoltBackend(path string) (*boltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Put(job *RelayJob) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(jobsBucket)

		// Replace in place if the UID is already present.
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			existing, err := Unmarshal(v)
			if err == nil && existing.UID == job.UID {
				return bk.Put(k, data)
			}
		}

		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}
		return bk.Put(itob(seq), data)
	})
}

func (b *boltBackend) Dequeue(max int) ([]*RelayJob, error) {
	var out []*RelayJob
	var keys [][]byte

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(jobsBucket)
		c := bk.Cursor()
		for k, v := c.First(); k != nil && len(out) < max; k, v = c.Next() {
			job, err := Unmarshal(v)
			if err != nil {
				continue
			}
			out = append(out, job)
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) Peek(max int) ([]*RelayJob, error) {
	var out []*RelayJob
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		for k, v := c.First(); k != nil && len(out) < max; k, v = c.Next() {
			job, err := Unmarshal(v)
			if err != nil {
				continue
			}
			out = append(out, job)
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) Snapshot() ([]*RelayJob, error) {
	return b.Peek(1 << 30)
}

func (b *boltBackend) RemoveByUID(uid string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(jobsBucket)
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			job, err := Unmarshal(v)
			if err == nil && job.UID == uid {
				return bk.Delete(k)
			}
		}
		return nil
	})
}

func (b *boltBackend) RemoveAt(index int) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		i := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if i == index {
				return c.Delete()
			}
			i++
		}
		return nil
	})
}

func (b *boltBackend) Len() (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(jobsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *boltBackend) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(jobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(jobsBucket)
		return err
	})
}

func (b *boltBackend) Close() error { return b.db.Close() }

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
