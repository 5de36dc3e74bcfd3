package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	thtest "github.com/trellisfw/target-helper/internal/testing"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/store/memstore"
)

func TestNewKeyIsSortable(t *testing.T) {
	a, b := NewKey(), NewKey()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
	assert.LessOrEqual(t, a[:8], b[:8])
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New(zap.NewNop().Sugar())
	sub := NewSubmitter(ms, zap.NewNop().Sugar())

	job := &Job{
		Type:    TypeTranscription,
		Service: "target",
		Config: Config{
			Type:        "pdf",
			PDF:         &Link{ID: "resources/P1"},
			OadaDocType: "cois",
		},
	}
	got, err := sub.Submit(ctx, "", job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Key, got.Key)
	assert.Equal(t, store.Join(store.PendingPath("target"), got.Key), got.Path)

	// Resource carries the job body and content type
	body, err := store.GetObject(ctx, ms, store.ResourcePath(got.ID))
	require.NoError(t, err)
	assert.Equal(t, ContentType, body["_type"])
	assert.Equal(t, TypeTranscription, body["type"])

	// Queue link resolves to the job
	linked, err := store.GetObject(ctx, ms, got.Path)
	require.NoError(t, err)
	assert.Equal(t, got.ID, linked["_id"])

	t.Run("explicit service wins", func(t *testing.T) {
		share := &Job{Type: TypeShare, Extra: map[string]interface{}{"config": map[string]interface{}{"src": "/x"}}}
		got, err := sub.Submit(ctx, "trellis-shares", share)
		require.NoError(t, err)
		assert.Equal(t, "trellis-shares", share.Service)
		ok, err := store.Exists(ctx, ms, store.Join(store.PendingPath("trellis-shares"), got.Key))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("recorded as queued", func(t *testing.T) {
		ledger := NewLedger(thtest.CreateTestDB(t))
		got, err := NewSubmitter(ms, zap.NewNop().Sugar()).WithLedger(ledger).
			Submit(ctx, "target", &Job{Type: TypeASN})
		require.NoError(t, err)
		h, err := ledger.History(got.ID)
		require.NoError(t, err)
		require.Len(t, h, 1)
		assert.Equal(t, StateQueued, h[0].State)
		assert.Equal(t, got.Key, h[0].JobKey)
	})

	t.Run("no service", func(t *testing.T) {
		_, err := sub.Submit(ctx, "", &Job{Type: TypeASN})
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

func TestUpdateEmitter(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New(zap.NewNop().Sugar())
	loc, err := ms.Post(ctx, store.ResourcesPath, map[string]interface{}{"type": TypeASN})
	require.NoError(t, err)
	job := &Job{ID: store.ResourceID(loc), Type: TypeASN}

	e := NewUpdateEmitter(ms, job, zap.NewNop().Sugar())
	key, err := e.EmitStatus(ctx, StatusIdentifying, "")
	require.NoError(t, err)

	u, err := store.GetObject(ctx, ms, store.Join(job.Path(), "updates", key))
	require.NoError(t, err)
	assert.Equal(t, StatusIdentifying, u["status"])
	assert.NotEmpty(t, u["time"])

	key, err = e.Emit(ctx, Update{Key: "fixed", Status: StatusError, Time: "2020-01-01T00:00:00Z", Information: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", key)
	u, err = store.GetObject(ctx, ms, store.Join(job.Path(), "updates", "fixed"))
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01T00:00:00Z", u["time"])
	assert.Equal(t, "boom", u["information"])
}
