package contextstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/agentmesh/journal"
	"github.com/hatsunemiku3939/agentmesh/kernel"
	"github.com/hatsunemiku3939/agentmesh/storage"
)

type fixture struct {
	store *Store
	jnl   *journal.Journal
	mem   *storage.Memory
}

func newFixture(t *testing.T, mem *storage.Memory, opts ...Option) *fixture {
	t.Helper()
	k := kernel.New(mem)
	jnl, err := journal.New(k)
	require.NoError(t, err)
	store, err := New(k, mem, append([]Option{WithJournal(jnl)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, k.Recover())
	return &fixture{store: store, jnl: jnl, mem: mem}
}

func contents(views []View) [][]byte {
	out := make([][]byte, 0, len(views))
	for _, v := range views {
		out = append(out, v.Content)
	}
	return out
}

func TestAppendAndView(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	id1, err := f.store.Append(ctx, "root", []byte("first"), TypeMessage)
	require.NoError(t, err)
	_, err = f.store.Append(ctx, "root", []byte("second"), TypeCode)
	require.NoError(t, err)

	views, err := f.store.GetView(ctx, "root")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, contents(views))
	assert.Equal(t, Expanded, views[0].Status)

	seg, ok := f.store.Segment(id1)
	require.True(t, ok)
	assert.Equal(t, 5, seg.ByteSize)
	assert.Equal(t, TypeMessage, seg.Type)
}

// No silent data loss: any fold/evict/unfold sequence ends with the
// original bytes when the segment is unfolded.
func TestCurationReversibility(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	// S4: ten segments, fold 1–5, evict 1–3, unfold 2.
	ids := make([]string, 10)
	for i := range ids {
		var err error
		ids[i], err = f.store.Append(ctx, "root", []byte(fmt.Sprintf("segment-%d-original-content", i+1)), TypeMessage)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Fold(ids[i], []byte(fmt.Sprintf("summary-%d", i+1))))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Evict(ids[i]))
	}
	require.NoError(t, f.store.Unfold(ids[1]))

	views, err := f.store.GetView(ctx, "root")
	require.NoError(t, err)
	// Evicted: 1, 3. Expanded: 2, 6–10. Folded: 4, 5.
	require.Len(t, views, 8)

	byID := make(map[string]View)
	for _, v := range views {
		byID[v.SegmentID] = v
	}
	restored, ok := byID[ids[1]]
	require.True(t, ok)
	assert.Equal(t, Expanded, restored.Status)
	assert.Equal(t, []byte("segment-2-original-content"), restored.Content, "byte-for-byte restoration")

	folded := byID[ids[3]]
	assert.Equal(t, Folded, folded.Status)
	assert.Equal(t, []byte("summary-4"), folded.Content)

	_, evicted := byID[ids[0]]
	assert.False(t, evicted, "evicted segments serve no live view")
}

func TestUnfoldFromEvictedReExpands(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	id, err := f.store.Append(ctx, "root", []byte("payload"), TypeToolResult)
	require.NoError(t, err)
	require.NoError(t, f.store.Evict(id))
	require.NoError(t, f.store.Unfold(id))

	views, err := f.store.GetView(ctx, "root")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, []byte("payload"), views[0].Content)
}

func TestOversizedSummaryAcceptedButFlagged(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	id, err := f.store.Append(context.Background(), "root", []byte("tiny"), TypeMessage)
	require.NoError(t, err)

	big := []byte("a summary somehow larger than the original content")
	require.NoError(t, f.store.Fold(id, big), "the store never rejects on content quality")

	flags := f.jnl.Scan(0, 0, func(e journal.Entry) bool { return e.PayloadTag == FlagTag })
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0].Annotation, "not smaller")
}

func TestBudget(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), WithTokenBudget(10))
	ctx := context.Background()

	id, err := f.store.Append(ctx, "root", []byte("0123456789abcdef"), TypeMessage) // 4 tokens
	require.NoError(t, err)
	_, err = f.store.Append(ctx, "root", []byte("01234567"), TypeMessage) // 2 tokens
	require.NoError(t, err)

	current, limit := f.store.Budget("root")
	assert.Equal(t, 6, current)
	assert.Equal(t, 10, limit)

	require.NoError(t, f.store.Evict(id))
	current, _ = f.store.Budget("root")
	assert.Equal(t, 2, current, "evicted segments leave the budget")
}

func TestRecommend(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), WithTokenBudget(8))
	ctx := context.Background()

	low, err := f.store.Append(ctx, "root", []byte("0123456789abcdef"), TypeMessage) // 4 tokens
	require.NoError(t, err)
	mid, err := f.store.Append(ctx, "root", []byte("0123456789abcdef"), TypeMessage) // 4 tokens
	require.NoError(t, err)
	high, err := f.store.Append(ctx, "root", []byte("0123456789abcdef"), TypeMessage) // 4 tokens
	require.NoError(t, err)
	require.NoError(t, f.store.SetRelevance(low, 0.1))
	require.NoError(t, f.store.SetRelevance(mid, 0.5))
	require.NoError(t, f.store.SetRelevance(high, 0.9))

	recs := f.store.Recommend("root", 0.3)

	var foldIDs, evictIDs []string
	for _, r := range recs {
		switch r.Action {
		case Folded:
			foldIDs = append(foldIDs, r.SegmentID)
		case Evicted:
			evictIDs = append(evictIDs, r.SegmentID)
		}
	}
	assert.Equal(t, []string{low}, foldIDs, "below-threshold relevance folds")
	// 12 tokens against a budget of 8: evict lowest relevance first.
	assert.Equal(t, []string{low}, evictIDs)
}

func TestReap(t *testing.T) {
	mem := storage.NewMemory()
	f := newFixture(t, mem)
	ctx := context.Background()

	id, err := f.store.Append(ctx, "root.t1", []byte("doomed"), TypeMessage)
	require.NoError(t, err)
	keep, err := f.store.Append(ctx, "root", []byte("kept"), TypeMessage)
	require.NoError(t, err)

	require.NoError(t, f.store.Reap(ctx, "root.t1"))

	_, ok := f.store.Segment(id)
	assert.False(t, ok)
	_, err = mem.Get(ctx, id)
	assert.Error(t, err, "reap deletes durable content")

	_, ok = f.store.Segment(keep)
	assert.True(t, ok)
	_, err = mem.Get(ctx, keep)
	assert.NoError(t, err)
}

// Status transitions and relevance survive recovery; durable content is
// still present.
func TestDurability(t *testing.T) {
	mem := storage.NewMemory()
	var folded, expanded string
	{
		f := newFixture(t, mem)
		ctx := context.Background()
		var err error
		folded, err = f.store.Append(ctx, "root", []byte("folded-content"), TypeMessage)
		require.NoError(t, err)
		expanded, err = f.store.Append(ctx, "root", []byte("expanded-content"), TypeMessage)
		require.NoError(t, err)
		require.NoError(t, f.store.Fold(folded, []byte("short")))
		require.NoError(t, f.store.SetRelevance(expanded, 0.7))
	}

	f := newFixture(t, mem)
	views, err := f.store.GetView(context.Background(), "root")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, []byte("short"), views[0].Content)
	assert.Equal(t, []byte("expanded-content"), views[1].Content)

	seg, ok := f.store.Segment(expanded)
	require.True(t, ok)
	assert.InDelta(t, 0.7, seg.Relevance, 1e-9)

	require.NoError(t, f.store.Unfold(folded))
	views, err = f.store.GetView(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, []byte("folded-content"), views[0].Content)
}
