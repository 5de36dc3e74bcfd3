package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	thtest "github.com/trellisfw/target-helper/internal/testing"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/store/memstore"
)

// ============================================================================
// TAS Bot Test Universe
// ============================================================================
//
// A tool-assisted speedrun bot plays back inputs frame by frame. Each job
// is a frame; the worker must play every frame exactly once.
// ============================================================================

type tasObserver struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
}

func (o *tasObserver) JobStarted(string) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *tasObserver) JobFinished(_ string, status string, _ time.Duration) {
	o.mu.Lock()
	if o.finished == nil {
		o.finished = map[string]int{}
	}
	o.finished[status]++
	o.mu.Unlock()
}

func (o *tasObserver) count(status string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished[status]
}

type tasRig struct {
	ms       *memstore.Store
	worker   *Worker
	submit   *Submitter
	ledger   *Ledger
	observer *tasObserver
	day      time.Time
}

func newTASRig(t *testing.T, handlers ...JobHandler) *tasRig {
	t.Helper()
	log := zap.NewNop().Sugar()
	ms := memstore.New(log)
	reg := NewHandlerRegistry()
	for _, h := range handlers {
		reg.Register(h)
	}
	rig := &tasRig{
		ms:       ms,
		submit:   NewSubmitter(ms, log),
		ledger:   NewLedger(thtest.CreateTestDB(t)),
		observer: &tasObserver{},
		day:      time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC),
	}
	rig.worker = NewWorker(ms, reg, WorkerConfig{Service: "target", Workers: 2, StopTimeout: time.Second}, log).
		WithLedger(rig.ledger).
		WithObserver(rig.observer)
	rig.worker.now = func() time.Time { return rig.day }
	return rig
}

func (r *tasRig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.worker.Start(ctx))
	t.Cleanup(func() {
		cancel()
		r.worker.Stop()
	})
}

func (r *tasRig) queued(t *testing.T, queue, key string) bool {
	t.Helper()
	path := store.Join(store.DayIndexPath("target", queue, r.day), key)
	ok, err := store.Exists(context.Background(), r.ms, path)
	require.NoError(t, err)
	return ok
}

func (r *tasRig) pending(t *testing.T, key string) bool {
	t.Helper()
	ok, err := store.Exists(context.Background(), r.ms, store.Join(store.PendingPath("target"), key))
	require.NoError(t, err)
	return ok
}

func TestWorker_TASBot(t *testing.T) {
	ctx := context.Background()

	t.Run("frame plays and lands in success", func(t *testing.T) {
		var plays int32
		rig := newTASRig(t, HandlerFunc{Type: TypeASN, Fn: func(ctx context.Context, job *Job) (map[string]interface{}, error) {
			atomic.AddInt32(&plays, 1)
			return map[string]interface{}{"frame": job.Config.ASNKey}, nil
		}})
		rig.start(t)

		got, err := rig.submit.Submit(ctx, "target", &Job{Type: TypeASN, Config: Config{ASNKey: "frame-1"}})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return rig.queued(t, store.QueueSuccess, got.Key) }, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return !rig.pending(t, got.Key) }, time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), atomic.LoadInt32(&plays))

		body, err := store.GetObject(ctx, rig.ms, store.ResourcePath(got.ID))
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, body["status"])
		assert.Equal(t, map[string]interface{}{"frame": "frame-1"}, body["result"])

		updates, err := store.GetObject(ctx, rig.ms, store.Join(store.ResourcePath(got.ID), "updates"))
		require.NoError(t, err)
		require.Len(t, updates, 1)

		h, err := rig.ledger.History(got.ID)
		require.NoError(t, err)
		require.Len(t, h, 2)
		assert.Equal(t, StateRunning, h[0].State)
		assert.Equal(t, StatusSuccess, h[1].State)
		assert.Equal(t, 1, rig.observer.count(StatusSuccess))
	})

	t.Run("desync lands in failure with a classified error", func(t *testing.T) {
		rig := newTASRig(t, HandlerFunc{Type: TypeTranscription, Fn: func(context.Context, *Job) (map[string]interface{}, error) {
			return nil, errors.Mark(errors.New("engine reported desync"), errors.ErrEngineReported)
		}})
		rig.start(t)

		got, err := rig.submit.Submit(ctx, "target", &Job{Type: TypeTranscription})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return rig.queued(t, store.QueueFailure, got.Key) }, 2*time.Second, 10*time.Millisecond)

		body, err := store.GetObject(ctx, rig.ms, store.ResourcePath(got.ID))
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, body["status"])
		result := body["result"].(map[string]interface{})
		assert.Equal(t, string(ErrorCodeEngineError), result["code"])

		latest, err := rig.ledger.Latest(1)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, string(ErrorCodeEngineError), latest[0].ErrorCode)
		assert.Equal(t, 1, rig.observer.count(StatusFailure))
	})

	t.Run("unknown frame type fails", func(t *testing.T) {
		rig := newTASRig(t)
		rig.start(t)
		got, err := rig.submit.Submit(ctx, "target", &Job{Type: "speedrun"})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rig.queued(t, store.QueueFailure, got.Key) }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("frames queued before start are played", func(t *testing.T) {
		var plays int32
		rig := newTASRig(t, HandlerFunc{Type: TypeASN, Fn: func(context.Context, *Job) (map[string]interface{}, error) {
			atomic.AddInt32(&plays, 1)
			return nil, nil
		}})
		var keys []string
		for i := 0; i < 3; i++ {
			got, err := rig.submit.Submit(ctx, "target", &Job{Type: TypeASN})
			require.NoError(t, err)
			keys = append(keys, got.Key)
		}
		rig.start(t)

		for _, key := range keys {
			key := key
			require.Eventually(t, func() bool { return rig.queued(t, store.QueueSuccess, key) }, 2*time.Second, 10*time.Millisecond)
		}
		assert.Equal(t, int32(3), atomic.LoadInt32(&plays))
	})

	t.Run("dangling link is removed", func(t *testing.T) {
		rig := newTASRig(t)
		rig.start(t)
		_, err := rig.ms.Put(ctx, store.Join(store.PendingPath("target"), "ghost"), store.Link("resources/ghost"))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return !rig.pending(t, "ghost") }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("stop leaves interrupted frames pending", func(t *testing.T) {
		entered := make(chan struct{})
		rig := newTASRig(t, HandlerFunc{Type: TypeASN, Fn: func(ctx context.Context, _ *Job) (map[string]interface{}, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}})
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		require.NoError(t, rig.worker.Start(runCtx))

		got, err := rig.submit.Submit(ctx, "target", &Job{Type: TypeASN})
		require.NoError(t, err)
		<-entered
		assert.Equal(t, 1, rig.worker.Active())

		rig.worker.Stop()
		assert.True(t, rig.pending(t, got.Key))
		assert.False(t, rig.queued(t, store.QueueFailure, got.Key))

		latest, err := rig.ledger.Latest(1)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, latest[0].State)
	})
}
