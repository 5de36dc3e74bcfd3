package db

import (
	"strings"

	"github.com/trellisfw/target-helper/errors"
)

// ErrDatabaseClosed marks ledger writes that arrive after shutdown closed
// the database, typically from jobs still draining.
var ErrDatabaseClosed = errors.New("job ledger database is closed")

// driverClosedMessage is what database/sql and go-sqlite3 report for a
// closed handle. Their errors are not wrappable at the source.
const driverClosedMessage = "database is closed"

// MarkClosed marks err with ErrDatabaseClosed when it reports a closed
// database and returns it unchanged otherwise
func MarkClosed(err error) error {
	if err == nil || errors.Is(err, ErrDatabaseClosed) {
		return err
	}
	if strings.Contains(err.Error(), driverClosedMessage) {
		return errors.Mark(err, ErrDatabaseClosed)
	}
	return err
}

// IsDatabaseClosed reports whether err comes from a closed ledger database
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(MarkClosed(err), ErrDatabaseClosed)
}
