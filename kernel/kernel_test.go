package kernel

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/storage"
)

const kindCounter Kind = 0x01

// counter is a minimal durable component: it sums applied values.
type counter struct {
	mu     sync.Mutex
	total  int
	events []int
}

func (c *counter) attach(t *testing.T, k *Kernel) {
	t.Helper()
	require.NoError(t, k.RegisterApplier(kindCounter, func(payload []byte) error {
		var v int
		if err := json.Unmarshal(payload, &v); err != nil {
			return err
		}
		c.mu.Lock()
		c.total += v
		c.events = append(c.events, v)
		c.mu.Unlock()
		return nil
	}))
	k.RegisterSnapshotter(c)
}

func (c *counter) SnapshotName() string { return "counter" }

func (c *counter) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(c.total)
}

func (c *counter) Restore(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	if b == nil {
		c.total = 0
		return nil
	}
	return json.Unmarshal(b, &c.total)
}

func (c *counter) sum() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func apply(t *testing.T, k *Kernel, v int) uint64 {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	lsn, err := k.Apply(kindCounter, payload)
	require.NoError(t, err)
	return lsn
}

func TestApplyAssignsMonotonicLSN(t *testing.T) {
	store := storage.NewMemory()
	k := New(store)
	c := &counter{}
	c.attach(t, k)
	require.NoError(t, k.Recover())

	assert.Equal(t, uint64(1), apply(t, k, 10))
	assert.Equal(t, uint64(2), apply(t, k, 20))
	assert.Equal(t, uint64(3), apply(t, k, 12))
	assert.Equal(t, 42, c.sum())
	assert.Equal(t, uint64(3), k.LSN())
}

func TestRecoverReplaysLog(t *testing.T) {
	store := storage.NewMemory()
	{
		k := New(store)
		c := &counter{}
		c.attach(t, k)
		require.NoError(t, k.Recover())
		apply(t, k, 1)
		apply(t, k, 2)
		apply(t, k, 3)
	}

	k2 := New(store)
	c2 := &counter{}
	c2.attach(t, k2)
	require.NoError(t, k2.Recover())
	assert.Equal(t, 6, c2.sum())
	assert.Equal(t, uint64(3), k2.LSN())
}

// Replaying the WAL any number of times from the same checkpoint yields
// the same state.
func TestRecoveryIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	{
		k := New(store)
		c := &counter{}
		c.attach(t, k)
		require.NoError(t, k.Recover())
		apply(t, k, 5)
		require.NoError(t, k.Checkpoint())
		apply(t, k, 7)
		apply(t, k, 11)
	}

	var sums []int
	var lsns []uint64
	for i := 0; i < 3; i++ {
		k := New(store)
		c := &counter{}
		c.attach(t, k)
		require.NoError(t, k.Recover())
		sums = append(sums, c.sum())
		lsns = append(lsns, k.LSN())
	}
	assert.Equal(t, []int{23, 23, 23}, sums)
	assert.Equal(t, lsns[0], lsns[1])
	assert.Equal(t, lsns[1], lsns[2])
}

// A crash mid-append leaves a torn tail; recovery applies the clean
// prefix and truncates the rest.
func TestRecoverTruncatesTornTail(t *testing.T) {
	store := storage.NewMemory()
	{
		k := New(store)
		c := &counter{}
		c.attach(t, k)
		require.NoError(t, k.Recover())
		apply(t, k, 1)
		synced := store.SyncedLen()
		apply(t, k, 2)
		// Simulate the crash: the second record only partially reached
		// the disk.
		store.TruncateWAL(synced + 5)
	}

	k2 := New(store)
	c2 := &counter{}
	c2.attach(t, k2)
	require.NoError(t, k2.Recover())
	assert.Equal(t, 1, c2.sum(), "only the fsynced record survives")
	assert.Equal(t, uint64(1), k2.LSN())

	// The torn bytes are gone for good: a third recovery sees a clean log.
	k3 := New(store)
	c3 := &counter{}
	c3.attach(t, k3)
	require.NoError(t, k3.Recover())
	assert.Equal(t, 1, c3.sum())
}

func TestRecoverRejectsCorruptCheckpoint(t *testing.T) {
	store := storage.NewMemory()
	{
		k := New(store)
		c := &counter{}
		c.attach(t, k)
		require.NoError(t, k.Recover())
		apply(t, k, 1)
		require.NoError(t, k.Checkpoint())
	}
	raw, ok, err := store.GetCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, store.PutCheckpoint(raw))

	k2 := New(store)
	c2 := &counter{}
	c2.attach(t, k2)
	err = k2.Recover()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindCheckpointInconsistent))
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	store := storage.NewMemory()
	k := New(store)
	c := &counter{}
	c.attach(t, k)
	require.NoError(t, k.Recover())
	apply(t, k, 3)
	apply(t, k, 4)
	require.NoError(t, k.Checkpoint())
	assert.Empty(t, store.WALBytes())

	apply(t, k, 5)

	k2 := New(store)
	c2 := &counter{}
	c2.attach(t, k2)
	require.NoError(t, k2.Recover())
	assert.Equal(t, 12, c2.sum())
	assert.Equal(t, uint64(3), k2.LSN())
}

func TestApplyUnknownKind(t *testing.T) {
	k := New(storage.NewMemory())
	_, err := k.Apply(Kind(0x7F), []byte("{}"))
	assert.Error(t, err)
}
