package async

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisfw/target-helper/db"
	"github.com/trellisfw/target-helper/errors"
	thtest "github.com/trellisfw/target-helper/internal/testing"
)

func TestLedger(t *testing.T) {
	l := NewLedger(thtest.CreateTestDB(t))
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	require.NoError(t, l.Record(Entry{JobID: "resources/J1", JobKey: "k1", JobType: TypeTranscription, State: StateRunning}))
	require.NoError(t, l.Record(Entry{JobID: "resources/J2", JobKey: "k2", JobType: TypeASN, State: StateRunning}))
	require.NoError(t, l.Record(Entry{
		JobID: "resources/J1", JobKey: "k1", JobType: TypeTranscription,
		State: StatusFailure, Information: "engine said no", ErrorCode: string(ErrorCodeEngineError),
	}))

	t.Run("history is oldest first", func(t *testing.T) {
		h, err := l.History("resources/J1")
		require.NoError(t, err)
		require.Len(t, h, 2)
		assert.Equal(t, StateRunning, h[0].State)
		assert.Equal(t, StatusFailure, h[1].State)
		assert.Equal(t, "engine_error", h[1].ErrorCode)
		assert.True(t, h[1].UpdatedAt.Equal(base))
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := l.History("resources/nope")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("latest state per job", func(t *testing.T) {
		latest, err := l.Latest(10)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "resources/J1", latest[0].JobID)
		assert.Equal(t, StatusFailure, latest[0].State)
		assert.Equal(t, "resources/J2", latest[1].JobID)
	})

	t.Run("list", func(t *testing.T) {
		all, err := l.List(0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("cleanup", func(t *testing.T) {
		l.now = func() time.Time { return base.Add(48 * time.Hour) }
		require.NoError(t, l.Record(Entry{JobID: "resources/J3", State: StateQueued}))

		n, err := l.Cleanup(24 * time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		all, err := l.List(10)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "resources/J3", all[0].JobID)
	})

	t.Run("entry without job", func(t *testing.T) {
		assert.True(t, errors.IsInvalidRequestError(l.Record(Entry{State: StateQueued})))
	})
}

func TestLedgerDatabaseFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	l := NewLedger(db)

	mock.ExpectExec("INSERT INTO job_ledger").WillReturnError(errors.New("disk full"))
	err = l.Record(Entry{JobID: "resources/J1", State: StateRunning})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	mock.ExpectQuery("SELECT (.+) FROM job_ledger").WillReturnError(errors.New("locked"))
	_, err = l.Latest(5)
	assert.ErrorContains(t, err, "locked")

	mock.ExpectQuery("SELECT (.+) FROM job_ledger WHERE job_id").
		WithArgs("resources/J1").
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "job_key", "job_type", "state", "information", "error_code", "updated_at"}).
			AddRow("resources/J1", nil, nil, StateRunning, nil, nil, time.Unix(0, 0)))
	h, err := l.History("resources/J1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Empty(t, h[0].JobKey)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAfterShutdown(t *testing.T) {
	conn := thtest.CreateTestDB(t)
	l := NewLedger(conn)
	require.NoError(t, conn.Close())

	err := l.Record(Entry{JobID: "resources/J1", State: StatusSuccess})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrDatabaseClosed))
	assert.True(t, db.IsDatabaseClosed(err))
}
