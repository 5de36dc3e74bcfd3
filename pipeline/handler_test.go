package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/pulse/lifecycle"
	"github.com/trellisfw/target-helper/store"
)

// engine plays the external transcription engine against a job
type engine struct {
	e   *env
	job *async.Job
}

func (g engine) post(t *testing.T, status, info string) {
	t.Helper()
	_, err := async.NewUpdateEmitter(g.e.ms, g.job, zap.NewNop().Sugar()).
		Emit(context.Background(), async.NewUpdate(status, info))
	require.NoError(t, err)
}

func startWorker(t *testing.T, e *env) *async.Submitter {
	t.Helper()
	log := zap.NewNop().Sugar()
	ctl, err := lifecycle.New(e.ms, func(string) time.Duration { return time.Minute }, log)
	require.NoError(t, err)

	reg := async.NewHandlerRegistry()
	Register(reg, ctl, e.pipe)
	w := async.NewWorker(e.ms, reg, async.WorkerConfig{Service: "target", Workers: 2, StopTimeout: time.Second}, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	return async.NewSubmitter(e.ms, log)
}

// indexed reports whether key sits in today's (or, across midnight,
// yesterday's) day-index of queue
func indexed(t *testing.T, e *env, queue, key string) bool {
	t.Helper()
	now := time.Now()
	for _, day := range []time.Time{now, now.Add(-24 * time.Hour)} {
		if e.exists(t, store.Join(store.DayIndexPath("target", queue, day), key)) {
			return true
		}
	}
	return false
}

func TestHandler_EndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("engine success signs and publishes", func(t *testing.T) {
		e := newEnv(t)
		submit := startWorker(t, e)
		e.put(t, "/resources/PDF7", map[string]interface{}{"name": "coi.pdf"})
		e.put(t, "/resources/DOC7", map[string]interface{}{"policy": "P-700"})

		got, err := submit.Submit(ctx, "target", &async.Job{
			Type:   async.TypeTranscription,
			Config: async.Config{Type: "pdf", PDF: &async.Link{ID: "resources/PDF7"}},
		})
		require.NoError(t, err)
		job := &async.Job{ID: got.ID, Key: got.Key, Type: async.TypeTranscription}
		g := engine{e: e, job: job}

		g.post(t, async.StatusIdentifying, "")
		e.put(t, store.Join(job.Path(), "targetResult"), map[string]interface{}{
			"cois": map[string]interface{}{"k7": map[string]interface{}{"_id": "resources/DOC7"}},
		})
		g.post(t, async.StatusSuccess, "")

		require.Eventually(t, func() bool { return indexed(t, e, store.QueueSuccess, got.Key) },
			3*time.Second, 10*time.Millisecond)
		assert.False(t, e.exists(t, store.Join(store.PendingPath("target"), got.Key)))

		doc := e.get(t, "/resources/DOC7")
		assert.Len(t, signatures(t, doc), 1)
		assert.True(t, e.exists(t, store.Join(store.DocumentsPath, "cois", "k7")))

		body := e.get(t, job.Path())
		assert.Equal(t, async.StatusSuccess, body["status"])
		assert.Equal(t, map[string]interface{}{
			"cois": map[string]interface{}{"k7": map[string]interface{}{"_id": "resources/DOC7"}},
		}, body["result"])
	})

	t.Run("engine error fails the job untouched", func(t *testing.T) {
		e := newEnv(t)
		submit := startWorker(t, e)
		e.put(t, "/resources/DOC8", map[string]interface{}{"policy": "P-800"})

		got, err := submit.Submit(ctx, "target", &async.Job{
			Type:   async.TypeTranscription,
			Config: async.Config{Type: "pdf"},
		})
		require.NoError(t, err)
		job := &async.Job{ID: got.ID, Key: got.Key, Type: async.TypeTranscription}
		g := engine{e: e, job: job}

		e.put(t, store.Join(job.Path(), "targetResult"), map[string]interface{}{
			"cois": map[string]interface{}{"k8": map[string]interface{}{"_id": "resources/DOC8"}},
		})
		g.post(t, async.StatusError, "unreadable scan")

		require.Eventually(t, func() bool { return indexed(t, e, store.QueueFailure, got.Key) },
			3*time.Second, 10*time.Millisecond)
		assert.False(t, e.exists(t, store.Join(store.PendingPath("target"), got.Key)))

		assert.Empty(t, signatures(t, e.get(t, "/resources/DOC8")))
		assert.False(t, e.exists(t, store.Join(store.DocumentsPath, "cois", "k8")))

		body := e.get(t, job.Path())
		assert.Equal(t, async.StatusFailure, body["status"])
		result, _ := body["result"].(map[string]interface{})
		assert.Contains(t, result["error"], "unreadable scan")
	})
}
