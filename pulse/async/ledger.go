package async

import (
	"database/sql"
	"time"

	"github.com/trellisfw/target-helper/db"
	"github.com/trellisfw/target-helper/errors"
)

// Ledger states recorded in addition to update statuses
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCancelled = "cancelled"
)

// Entry is one recorded lifecycle transition of a job
type Entry struct {
	JobID       string    `json:"job_id"`
	JobKey      string    `json:"job_key"`
	JobType     string    `json:"job_type"`
	State       string    `json:"state"`
	Information string    `json:"information,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ledger persists job transitions in the local database. It is a
// diagnostic record only; the store stays the source of truth.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger creates a ledger over db (migrated with db.Migrate)
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Record appends a transition. A zero UpdatedAt is stamped with now.
func (l *Ledger) Record(e Entry) error {
	if e.JobID == "" {
		return errors.NewInvalidRequestError("ledger entry without job id")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = l.now().UTC()
	}

	_, err := l.db.Exec(`
		INSERT INTO job_ledger (job_id, job_key, job_type, state, information, error_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.JobKey, e.JobType, e.State, e.Information, e.ErrorCode, e.UpdatedAt)
	if err != nil {
		return errors.Wrapf(db.MarkClosed(err), "failed to record %s for job %s", e.State, e.JobID)
	}
	return nil
}

// History returns every transition of one job, oldest first
func (l *Ledger) History(jobID string) ([]Entry, error) {
	rows, err := l.db.Query(`SELECT `+StandardEntrySelectColumns()+`
		FROM job_ledger WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query history of job %s", jobID)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.NewNotFoundError("job %s has no ledger entries", jobID)
	}
	return entries, nil
}

// Latest returns the most recent transition of each job, newest first
func (l *Ledger) Latest(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(`SELECT `+StandardEntrySelectColumns()+`
		FROM job_ledger
		WHERE id IN (SELECT MAX(id) FROM job_ledger GROUP BY job_id)
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query latest job states")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List returns raw transitions, newest first
func (l *Ledger) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(`SELECT `+StandardEntrySelectColumns()+`
		FROM job_ledger ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ledger")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Cleanup deletes transitions older than olderThan and returns how many went
func (l *Ledger) Cleanup(olderThan time.Duration) (int64, error) {
	cutoff := l.now().UTC().Add(-olderThan)
	res, err := l.db.Exec(`DELETE FROM job_ledger WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up ledger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count cleaned up entries")
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := ScanEntryFromRows(rows, &e); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read ledger")
	}
	return entries, nil
}
