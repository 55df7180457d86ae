package queue

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/transilvlad/robin/internal/config"
)

// sqlBackend stores RelayJobs as opaque JSON blobs in a single table,
// matching the "SQL table" backend named in the queue's external
// interface. The table name comes from operator configuration, so it is
// validated against validTableName by the caller (NewBackend) before
// ever reaching a query string; sqlBackend itself trusts its caller and
// never re-derives the name from untrusted input.
type sqlBackend struct {
	db    *sql.DB
	table string
}

func newSQLBackend(qc config.QueueConfig) (*sqlBackend, error) {
	driver := qc.SQLDriver
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, qc.SQLDSN)
	if err != nil {
		return nil, err
	}

	b := &sqlBackend{db: db, table: qc.SQLTable}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`, b.table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

func (s *sqlBackend) Put(job *RelayJob) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}

	var id int64
	q := fmt.Sprintf(`SELECT id FROM %s WHERE uid = ?`, s.table)
	err = s.db.QueryRow(q, job.UID).Scan(&id)
	switch err {
	case nil:
		upd := fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, s.table)
		_, err = s.db.Exec(upd, data, id)
		return err
	case sql.ErrNoRows:
		ins := fmt.Sprintf(`INSERT INTO %s (uid, data) VALUES (?, ?)`, s.table)
		_, err = s.db.Exec(ins, job.UID, data)
		return err
	default:
		return err
	}
}

func (s *sqlBackend) Dequeue(max int) ([]*RelayJob, error) {
	jobs, ids, err := s.selectFront(max)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		del := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)
		if _, err := s.db.Exec(del, id); err != nil {
			return jobs, err
		}
	}
	return jobs, nil
}

func (s *sqlBackend) Peek(max int) ([]*RelayJob, error) {
	jobs, _, err := s.selectFront(max)
	return jobs, err
}

func (s *sqlBackend) selectFront(max int) ([]*RelayJob, []int64, error) {
	q := fmt.Sprintf(`SELECT id, data FROM %s ORDER BY id ASC LIMIT ?`, s.table)
	rows, err := s.db.Query(q, max)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var jobs []*RelayJob
	var ids []int64
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return jobs, ids, err
		}
		job, err := Unmarshal(data)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
		ids = append(ids, id)
	}
	return jobs, ids, rows.Err()
}

func (s *sqlBackend) Snapshot() ([]*RelayJob, error) {
	return s.Peek(1 << 30)
}

func (s *sqlBackend) RemoveByUID(uid string) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE uid = ?`, s.table)
	_, err := s.db.Exec(del, uid)
	return err
}

func (s *sqlBackend) RemoveAt(index int) error {
	q := fmt.Sprintf(
		`SELECT id FROM %s ORDER BY id ASC LIMIT 1 OFFSET ?`, s.table)
	var id int64
	err := s.db.QueryRow(q, index).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)
	_, err = s.db.Exec(del, id)
	return err
}

func (s *sqlBackend) Len() (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var n int
	err := s.db.QueryRow(q).Scan(&n)
	return n, err
}

func (s *sqlBackend) Clear() error {
	del := fmt.Sprintf(`DELETE FROM %s`, s.table)
	_, err := s.db.Exec(del)
	return err
}

func (s *sqlBackend) Close() error { return s.db.Close() }
