package async

import (
	"database/sql"
)

// EntryScanArgs holds the nullable columns of a ledger row
type EntryScanArgs struct {
	JobKey      sql.NullString
	JobType     sql.NullString
	Information sql.NullString
	ErrorCode   sql.NullString
}

// GetEntryScanTargets returns scan destinations in the order of
// StandardEntrySelectColumns
func GetEntryScanTargets(e *Entry, args *EntryScanArgs) []interface{} {
	return []interface{}{
		&e.JobID,
		&args.JobKey,
		&args.JobType,
		&e.State,
		&args.Information,
		&args.ErrorCode,
		&e.UpdatedAt,
	}
}

// ProcessEntryScanArgs copies the scanned nullable columns into e
func ProcessEntryScanArgs(e *Entry, args *EntryScanArgs) {
	e.JobKey = args.JobKey.String
	e.JobType = args.JobType.String
	e.Information = args.Information.String
	e.ErrorCode = args.ErrorCode.String
}

// ScanEntryFromRows scans one ledger entry from sql.Rows
func ScanEntryFromRows(rows *sql.Rows, e *Entry) error {
	var args EntryScanArgs
	if err := rows.Scan(GetEntryScanTargets(e, &args)...); err != nil {
		return err
	}
	ProcessEntryScanArgs(e, &args)
	return nil
}

// StandardEntrySelectColumns returns the column list for ledger SELECTs
func StandardEntrySelectColumns() string {
	return `job_id, job_key, job_type, state, information, error_code, updated_at`
}
