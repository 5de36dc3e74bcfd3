package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/doctypes"
	"github.com/trellisfw/target-helper/partners"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/store/memstore"
)

// ============================================================================
// Lending Library Test Universe
// ============================================================================
//
// Books (documents) arrive on the returns shelf. A book with a catalogue
// card (source PDF) and no "processed" stamp goes to the cataloguing desk
// (a job). Branches (trading partners) each have their own returns shelf.
// ============================================================================

type countingObserver struct {
	mu        sync.Mutex
	submitted map[string]int
	removed   int
}

func (o *countingObserver) Submitted(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.submitted == nil {
		o.submitted = map[string]int{}
	}
	o.submitted[kind]++
}

func (o *countingObserver) StubsRemoved(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed += n
}

func (o *countingObserver) count(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submitted[kind]
}

type library struct {
	ms       *memstore.Store
	submit   *async.Submitter
	registry *doctypes.Registry
	observer *countingObserver
	log      *zap.SugaredLogger
}

func newLibrary(t *testing.T) *library {
	t.Helper()
	log := zap.NewNop().Sugar()
	ms := memstore.New(log)
	return &library{
		ms:       ms,
		submit:   async.NewSubmitter(ms, log),
		registry: doctypes.Default(),
		observer: &countingObserver{},
		log:      log,
	}
}

func (l *library) put(t *testing.T, path string, body interface{}) {
	t.Helper()
	_, err := l.ms.Put(context.Background(), path, body)
	require.NoError(t, err)
}

// book creates resources/<id> with a catalogue card unless pdf is empty
func (l *library) book(t *testing.T, id, pdf string) {
	t.Helper()
	body := map[string]interface{}{"title": id}
	if pdf != "" {
		l.put(t, "/resources/"+pdf, map[string]interface{}{"name": pdf + ".pdf"})
		body["_meta"] = map[string]interface{}{"vdoc": map[string]interface{}{"pdf": store.Link("resources/" + pdf)}}
	}
	l.put(t, "/resources/"+id, body)
}

// pending returns the bodies of the jobs queued for target
func (l *library) pending(t *testing.T) []map[string]interface{} {
	t.Helper()
	ctx := context.Background()
	queue, err := store.GetObject(ctx, l.ms, store.PendingPath("target"))
	if err != nil {
		return nil
	}
	var jobs []map[string]interface{}
	for _, key := range sortedKeys(queue) {
		id, ok := store.LinkID(queue[key])
		if !ok {
			continue
		}
		job, err := store.GetObject(ctx, l.ms, store.ResourcePath(id))
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

func (l *library) docWatcher(t *testing.T, partner string, scan bool) *DocWatcher {
	t.Helper()
	w := NewDocWatcher(l.ms, l.submit, l.registry, DocWatcherConfig{Service: "target", Partner: partner, ScanOnStart: scan}, l.log).
		WithObserver(l.observer)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestDocWatcher_Library(t *testing.T) {
	t.Run("book with catalogue card is submitted once", func(t *testing.T) {
		l := newLibrary(t)
		l.docWatcher(t, "", false)
		l.book(t, "DOC1", "PDF1")

		l.put(t, store.Join(store.DocumentsPath, "cois", "k1"), store.VersionedLink("resources/DOC1"))
		require.Eventually(t, func() bool { return len(l.pending(t)) == 1 }, 2*time.Second, 10*time.Millisecond)

		job := l.pending(t)[0]
		assert.Equal(t, async.TypeTranscription, job["type"])
		assert.Equal(t, "target", job["service"])
		cfg := job["config"].(map[string]interface{})
		assert.Equal(t, "pdf", cfg["type"])
		assert.Equal(t, map[string]interface{}{"_id": "resources/PDF1"}, cfg["pdf"])
		assert.Equal(t, map[string]interface{}{"_id": "resources/DOC1"}, cfg["document"])
		assert.Equal(t, "k1", cfg["docKey"])
		assert.Equal(t, "cois", cfg["oada-doc-type"])
		assert.Equal(t, "application/vnd.trellisfw.coi.accord.1+json", cfg["document-type"])
		assert.NotContains(t, cfg, "trading-partner")

		// The stamp keeps a second shelving from queuing another job
		l.put(t, store.Join(store.DocumentsPath, "cois", "k1"), store.VersionedLink("resources/DOC1"))
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, l.pending(t), 1)
		assert.Equal(t, 1, l.observer.count(KindDocument))

		jobs, err := store.GetObject(context.Background(), l.ms, markerPath("resources/DOC1", "target"))
		require.NoError(t, err)
		assert.Len(t, store.StripReserved(jobs), 1)
	})

	t.Run("book without catalogue card waits", func(t *testing.T) {
		l := newLibrary(t)
		w := l.docWatcher(t, "", false)
		l.book(t, "DOC2", "")

		ok, err := w.Consider(context.Background(), "cois", "k2", "resources/DOC2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, l.pending(t))
	})

	t.Run("stamped book is skipped", func(t *testing.T) {
		l := newLibrary(t)
		w := l.docWatcher(t, "", false)
		l.book(t, "DOC3", "PDF3")
		l.put(t, store.Join(markerPath("resources/DOC3", "target"), "old"), store.Link("resources/OLDJOB"))

		ok, err := w.Consider(context.Background(), "cois", "k3", "resources/DOC3")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stamp of another service does not count", func(t *testing.T) {
		l := newLibrary(t)
		w := l.docWatcher(t, "", false)
		l.book(t, "DOC4", "PDF4")
		l.put(t, store.Join(markerPath("resources/DOC4", "other"), "old"), store.Link("resources/OLDJOB"))

		ok, err := w.Consider(context.Background(), "fsqa-audits", "k4", "resources/DOC4")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown shelf is skipped", func(t *testing.T) {
		l := newLibrary(t)
		w := l.docWatcher(t, "", false)
		l.book(t, "DOC5", "PDF5")

		ok, err := w.Consider(context.Background(), "comic-books", "k5", "resources/DOC5")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("initial scan catalogues books already shelved", func(t *testing.T) {
		l := newLibrary(t)
		l.book(t, "DOC6", "PDF6")
		l.book(t, "DOC7", "")
		l.put(t, store.DocumentsPath, map[string]interface{}{
			"cois":              map[string]interface{}{"k6": store.Link("resources/DOC6")},
			"fsqa-certificates": map[string]interface{}{"k7": store.Link("resources/DOC7")},
		})

		l.docWatcher(t, "", true)
		require.Eventually(t, func() bool { return len(l.pending(t)) == 1 }, 2*time.Second, 10*time.Millisecond)
		cfg := l.pending(t)[0]["config"].(map[string]interface{})
		assert.Equal(t, "k6", cfg["docKey"])
	})

	t.Run("branch watcher scopes the job", func(t *testing.T) {
		l := newLibrary(t)
		w := l.docWatcher(t, "branch-east", false)
		assert.Equal(t, store.PartnerDocumentsPath("branch-east"), w.Root())
		l.book(t, "DOC8", "PDF8")

		l.put(t, store.Join(w.Root(), "fsqa-audits", "k8"), store.VersionedLink("resources/DOC8"))
		require.Eventually(t, func() bool { return len(l.pending(t)) == 1 }, 2*time.Second, 10*time.Millisecond)
		cfg := l.pending(t)[0]["config"].(map[string]interface{})
		assert.Equal(t, "branch-east", cfg["trading-partner"])
	})
}

func TestLinksIn(t *testing.T) {
	body := map[string]interface{}{
		"_id":  "resources/BUCKET",
		"_rev": 3,
		"cois": map[string]interface{}{
			"_type": "application/vnd.trellisfw.documents.1+json",
			"a":     store.Link("resources/A"),
			"b":     map[string]interface{}{"not": "a link"},
		},
		"audits": map[string]interface{}{"c": store.VersionedLink("resources/C")},
		"note":   "ignored",
	}
	got := linksIn(nil, body, isDocument, 2)
	require.Len(t, got, 2)
	assert.Equal(t, entry{path: []string{"audits", "c"}, id: "resources/C"}, got[0])
	assert.Equal(t, entry{path: []string{"cois", "a"}, id: "resources/A"}, got[1])

	got = changeLinks(store.Change{Path: "/cois/a", Type: store.ChangeMerge, Body: store.Link("resources/A")}, isDocument, 2)
	assert.Equal(t, []entry{{path: []string{"cois", "a"}, id: "resources/A"}}, got)

	assert.Empty(t, changeLinks(store.Change{Path: "/cois/a", Type: store.ChangeDelete}, isDocument, 2))
	assert.Empty(t, changeLinks(store.Change{Path: "/cois/a/_meta", Type: store.ChangeMerge, Body: map[string]interface{}{"x": 1}}, isDocument, 2))

	asns := linksIn(nil, map[string]interface{}{
		"a1":        store.Link("resources/A1"),
		"day-index": map[string]interface{}{"2024-02-29": map[string]interface{}{"a2": store.Link("resources/A2")}},
	}, isASN, 3)
	require.Len(t, asns, 2)
	assert.Equal(t, []string{"a1"}, asns[0].path)
	assert.Equal(t, []string{"day-index", "2024-02-29", "a2"}, asns[1].path)
}

func TestPartnerRegistry_Branches(t *testing.T) {
	l := newLibrary(t)
	ctx := context.Background()
	index := partners.NewIndex(l.ms, l.log)
	l.put(t, store.ExpandIndexPath, map[string]interface{}{
		"branch-west": map[string]interface{}{"name": "West"},
	})
	l.put(t, store.PartnerPath("branch-west"), map[string]interface{}{"name": "West"})

	reg := NewPartnerRegistry(l.ms, l.submit, l.registry, index, DocWatcherConfig{Service: "target"}, l.log).
		WithObserver(l.observer)
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(reg.Stop)

	require.Eventually(t, func() bool { return len(reg.Partners()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"branch-west"}, reg.Partners())

	// A new branch opens
	l.put(t, store.PartnerPath("branch-north"), map[string]interface{}{"name": "North"})
	require.Eventually(t, func() bool { return len(reg.Partners()) == 2 }, 2*time.Second, 10*time.Millisecond)

	// Its returns shelf is watched
	l.book(t, "DOC9", "PDF9")
	l.put(t, store.Join(store.PartnerDocumentsPath("branch-north"), "cois", "k9"), store.VersionedLink("resources/DOC9"))
	require.Eventually(t, func() bool { return l.observer.count(KindDocument) == 1 }, 2*time.Second, 10*time.Millisecond)
	cfg := l.pending(t)[0]["config"].(map[string]interface{})
	assert.Equal(t, "branch-north", cfg["trading-partner"])

	// The expand-index moved: the cache reloads on next use
	_, err := index.Partners(ctx)
	require.NoError(t, err)
	loads := index.Loads()
	l.put(t, store.Join(store.ExpandIndexPath, "branch-north"), map[string]interface{}{"name": "North"})
	require.Eventually(t, func() bool {
		_, err := index.Partners(ctx)
		return err == nil && index.Loads() > loads
	}, 2*time.Second, 10*time.Millisecond)

	// A branch closes
	require.NoError(t, l.ms.Delete(ctx, store.PartnerPath("branch-west")))
	require.Eventually(t, func() bool { return len(reg.Partners()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"branch-north"}, reg.Partners())

	reg.Stop()
	assert.Empty(t, reg.Partners())
	assert.Error(t, reg.Add("branch-south"))
}
