package thread

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/journal"
	"github.com/hatsunemiku3939/agentmesh/kernel"
	"github.com/hatsunemiku3939/agentmesh/profile"
	"github.com/hatsunemiku3939/agentmesh/storage"
)

func testResolver(t *testing.T) *profile.Resolver {
	t.Helper()
	forever := journal.RetentionPolicy{Mode: journal.RetainForever}
	res, err := profile.NewResolver([]profile.Profile{
		{
			Name: "coding",
			Table: map[string]string{
				"FileReadRequest":  "file-read",
				"FileWriteRequest": "file-write",
			},
			Retention: forever,
		},
		{
			Name:      "researcher",
			Table:     map[string]string{"FileReadRequest": "file-read"},
			Retention: forever,
		},
		{
			Name:      "admin",
			Table:     map[string]string{"FileReadRequest": "file-read", "CommandExecRequest": "command-exec"},
			Retention: forever,
		},
	})
	require.NoError(t, err)
	return res
}

func newTable(t *testing.T, store *storage.Memory) *Table {
	t.Helper()
	k := kernel.New(store)
	table, err := New(k, testResolver(t))
	require.NoError(t, err)
	require.NoError(t, k.Recover())
	return table
}

func TestSpawnHierarchy(t *testing.T) {
	table := newTable(t, storage.NewMemory())
	require.NoError(t, table.EnsureRoot("coding"))

	c1, err := table.Spawn(RootID, "coding")
	require.NoError(t, err)
	assert.Equal(t, "root.t1", c1)

	c2, err := table.Spawn(RootID, "researcher")
	require.NoError(t, err)
	assert.Equal(t, "root.t2", c2)

	gc, err := table.Spawn(c1, "researcher")
	require.NoError(t, err)
	assert.Equal(t, "root.t1.t1", gc)

	root, ok := table.Get(RootID)
	require.True(t, ok)
	assert.Equal(t, []string{"root.t1", "root.t2"}, root.Children)
	assert.Equal(t, Active, root.State)
}

// Profile monotonicity: a spawn requesting routes the parent lacks fails.
func TestSpawnPrivilegeEscalation(t *testing.T) {
	table := newTable(t, storage.NewMemory())
	require.NoError(t, table.EnsureRoot("researcher"))

	_, err := table.Spawn(RootID, "coding")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPrivilegeEscalation))

	_, err = table.Spawn(RootID, "admin")
	assert.True(t, fault.Is(err, fault.KindPrivilegeEscalation))

	// Equal profile is a subset of itself.
	id, err := table.Spawn(RootID, "researcher")
	require.NoError(t, err)
	assert.True(t, table.Active(id))
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	table := newTable(t, storage.NewMemory())
	require.NoError(t, table.EnsureRoot("coding"))
	id, err := table.Spawn(RootID, "coding")
	require.NoError(t, err)

	require.NoError(t, table.Return(id, json.RawMessage(`{"ok":true}`)))
	th, ok := table.Get(id)
	require.True(t, ok)
	assert.Equal(t, Completed, th.State)

	assert.Error(t, table.Return(id, nil))
	assert.Error(t, table.Fail(id, "nope"))
	_, err = table.Spawn(id, "coding")
	assert.Error(t, err, "terminal threads spawn nothing")
}

func TestFail(t *testing.T) {
	table := newTable(t, storage.NewMemory())
	require.NoError(t, table.EnsureRoot("coding"))
	require.NoError(t, table.Fail(RootID, "iteration cap exceeded"))
	th, _ := table.Get(RootID)
	assert.Equal(t, Failed, th.State)
	assert.Equal(t, "iteration cap exceeded", th.FailReason)
}

func TestBump(t *testing.T) {
	table := newTable(t, storage.NewMemory())
	require.NoError(t, table.EnsureRoot("coding"))
	for want := 1; want <= 3; want++ {
		got, err := table.Bump(RootID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWalk(t *testing.T) {
	table := newTable(t, storage.NewMemory())
	require.NoError(t, table.EnsureRoot("coding"))
	c1, _ := table.Spawn(RootID, "coding")
	c2, _ := table.Spawn(RootID, "coding")
	gc, _ := table.Spawn(c1, "coding")

	var order []string
	table.Walk(RootID, func(th Thread) bool {
		order = append(order, th.ID)
		return true
	})
	assert.Equal(t, []string{RootID, c1, gc, c2}, order)

	order = order[:0]
	table.Walk(RootID, func(th Thread) bool {
		order = append(order, th.ID)
		return th.ID != c1
	})
	assert.Equal(t, []string{RootID, c1}, order)
}

// Lifecycle transitions survive a restart: the spawn record is durable
// before the id is visible, terminations stay terminal.
func TestDurability(t *testing.T) {
	store := storage.NewMemory()
	var c1, c2 string
	{
		table := newTable(t, store)
		require.NoError(t, table.EnsureRoot("coding"))
		var err error
		c1, err = table.Spawn(RootID, "coding")
		require.NoError(t, err)
		c2, err = table.Spawn(RootID, "researcher")
		require.NoError(t, err)
		require.NoError(t, table.Fail(c2, "boom"))
		_, err = table.Bump(c1)
		require.NoError(t, err)
	}

	table := newTable(t, store)
	th, ok := table.Get(c1)
	require.True(t, ok)
	assert.Equal(t, Active, th.State)
	assert.Equal(t, 1, th.Iterations)

	failed, ok := table.Get(c2)
	require.True(t, ok)
	assert.Equal(t, Failed, failed.State)

	// Child numbering resumes from the durable counter.
	c3, err := table.Spawn(RootID, "coding")
	require.NoError(t, err)
	assert.Equal(t, "root.t3", c3)
}
