package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedDeliversInOrder(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	for i := 0; i < 50; i++ {
		require.True(t, f.Push(Change{Path: "/" + string(rune('a'+i%26))}))
	}
	for i := 0; i < 50; i++ {
		select {
		case c := <-f.Events():
			assert.Equal(t, "/"+string(rune('a'+i%26)), c.Path)
		case <-time.After(time.Second):
			t.Fatal("feed stalled")
		}
	}
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	calls := 0
	f := NewFeed(func() { calls++ })

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Equal(t, 1, calls)
	assert.False(t, f.Push(Change{}))

	_, ok := <-f.Events()
	assert.False(t, ok)
}

func TestLinkHelpers(t *testing.T) {
	id, ok := LinkID(Link("resources/A"))
	assert.True(t, ok)
	assert.Equal(t, "resources/A", id)

	_, ok = LinkID(Ref("resources/A"))
	assert.False(t, ok)
	id, ok = RefID(Ref("resources/A"))
	assert.True(t, ok)
	assert.Equal(t, "resources/A", id)

	assert.True(t, IsPureLink(VersionedLink("resources/A")))
	assert.False(t, IsPureLink(map[string]interface{}{"_id": "resources/A", "name": "x"}))

	assert.Equal(t, "/resources/A", ResourcePath("resources/A"))
	assert.Equal(t, "resources/A", ResourceID("/resources/A"))

	stripped := StripReserved(map[string]interface{}{"_id": 1, "_rev": 2, "_meta": 3, "_type": 4, "keep": 5})
	assert.Equal(t, map[string]interface{}{"keep": 5}, stripped)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/bookmarks/services/target/jobs/pending", PendingPath("target"))
	day := time.Date(2026, 10, 17, 23, 30, 0, 0, time.FixedZone("x", -3600))
	assert.Equal(t, "/bookmarks/services/target/jobs/success/day-index/2026-10-18", DayIndexPath("target", QueueSuccess, day))
	assert.Equal(t, "/bookmarks/trellisfw/trading-partners/tp1/shared/trellisfw/documents", PartnerDocumentsPath("tp1"))
	assert.Equal(t, "/a/b", Join("/a/", "", "b/"))
	assert.Equal(t, "/", Join())
}
