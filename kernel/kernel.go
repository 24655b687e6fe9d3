// Package kernel is the single-writer durable core. Every mutation to the
// thread table, the context store, or the journal is packaged as a WAL
// record, fsynced, and only then applied to the in-memory structures.
// Recovery restores the last checkpoint and replays the WAL tail.
package kernel

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/storage"
)

// ApplyFunc applies one record payload to in-memory state. Appliers run
// under the writer lock, must be deterministic, and must be idempotent:
// replaying an already-applied record leaves state unchanged.
type ApplyFunc func(payload []byte) error

// Snapshotter is a durable component that can be checkpointed. Restore(nil)
// resets the component to its empty state.
type Snapshotter interface {
	SnapshotName() string
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
}

// Kernel serializes all durable mutations behind one writer lock.
type Kernel struct {
	mu        sync.Mutex
	store     storage.Store
	appliers  map[Kind]ApplyFunc
	snappers  []Snapshotter
	lsn       uint64
	recovered bool
	log       *slog.Logger
	clock     func() time.Time
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(log *slog.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithClock injects the clock. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// New creates a kernel over the given store. Components register their
// appliers and snapshotters before Recover is called.
func New(store storage.Store, opts ...Option) *Kernel {
	k := &Kernel{
		store:    store,
		appliers: make(map[Kind]ApplyFunc),
		log:      slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Now returns the kernel clock's current time.
func (k *Kernel) Now() time.Time { return k.clock() }

// RegisterApplier binds a record kind to its applier. Not safe after Recover.
func (k *Kernel) RegisterApplier(kind Kind, fn ApplyFunc) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.recovered {
		return errors.New("kernel: register after recovery")
	}
	if _, dup := k.appliers[kind]; dup {
		return fmt.Errorf("kernel: duplicate applier for kind %d", kind)
	}
	k.appliers[kind] = fn
	return nil
}

// RegisterSnapshotter adds a component to checkpointing. Not safe after Recover.
func (k *Kernel) RegisterSnapshotter(s Snapshotter) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.snappers = append(k.snappers, s)
}

// Apply assigns the next LSN, appends and fsyncs the record, then applies
// it to in-memory state, all under the writer lock. The record is either
// fully applied or not at all: an append or sync failure leaves memory
// untouched, and an applier failure after fsync is a state corruption bug
// surfaced as a fatal fault.
func (k *Kernel) Apply(kind Kind, payload []byte) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fn, ok := k.appliers[kind]
	if !ok {
		return 0, fmt.Errorf("kernel: no applier for kind %d", kind)
	}
	lsn := k.lsn + 1
	frame := encodeFrame(lsn, kind, payload)
	if err := k.store.Append(frame); err != nil {
		return 0, err
	}
	if err := k.store.Sync(); err != nil {
		return 0, err
	}
	k.lsn = lsn
	if err := fn(payload); err != nil {
		return 0, fault.New(fault.KindCorruptedWal, "apply kind %d at lsn %d: %v", kind, lsn, err)
	}
	return lsn, nil
}

// LSN returns the last assigned sequence number.
func (k *Kernel) LSN() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lsn
}

// checkpoint is the serialized checkpoint document.
type checkpoint struct {
	LSN       uint64            `json:"lsn"`
	Snapshots map[string][]byte `json:"snapshots"`
}

// Recover restores the last checkpoint and replays the WAL tail in LSN
// order. Records are applied up to the last whose checksum validates; a
// trailing partial record is truncated away. Interior inconsistencies
// (LSN regression, unknown record kind) refuse startup. Idempotent:
// running recovery twice yields the same state.
func (k *Kernel) Recover() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	base, err := k.restoreCheckpoint()
	if err != nil {
		return err
	}
	k.lsn = base

	reader, err := k.store.Reader()
	if err != nil {
		return fault.New(fault.KindCorruptedWal, "open wal: %v", err)
	}
	defer reader.Close()

	fr := &frameReader{r: reader}
	applied := 0
	truncate := false
	for {
		rec, err := fr.next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, errPartialFrame) || errors.Is(err, errBadChecksum) || errors.Is(err, errBadLength) {
			// Torn tail from a crash mid-append. Everything before it is
			// intact; drop the rest.
			truncate = true
			break
		}
		if err != nil {
			return fault.New(fault.KindCorruptedWal, "read wal: %v", err)
		}
		if rec.LSN <= base {
			continue
		}
		if rec.LSN != k.lsn+1 {
			return fault.New(fault.KindCorruptedWal, "lsn gap: have %d, record %d", k.lsn, rec.LSN)
		}
		fn, ok := k.appliers[rec.Kind]
		if !ok {
			return fault.New(fault.KindCorruptedWal, "no applier for kind %d at lsn %d", rec.Kind, rec.LSN)
		}
		if err := fn(rec.Payload); err != nil {
			return fault.New(fault.KindCorruptedWal, "replay kind %d at lsn %d: %v", rec.Kind, rec.LSN, err)
		}
		k.lsn = rec.LSN
		applied++
	}

	if truncate {
		if err := k.truncateTail(fr.offset); err != nil {
			return fault.New(fault.KindCorruptedWal, "truncate torn tail: %v", err)
		}
	}
	k.recovered = true
	k.log.Info("kernel recovered",
		slog.Uint64("checkpoint_lsn", base),
		slog.Uint64("lsn", k.lsn),
		slog.Int("replayed", applied),
		slog.Bool("truncated_tail", truncate))
	return nil
}

func (k *Kernel) restoreCheckpoint() (uint64, error) {
	content, exists, err := k.store.GetCheckpoint()
	if err != nil {
		return 0, fault.New(fault.KindCheckpointInconsistent, "load: %v", err)
	}
	if !exists {
		// Fresh start: reset all components to empty.
		for _, s := range k.snappers {
			if err := s.Restore(nil); err != nil {
				return 0, fault.New(fault.KindCheckpointInconsistent, "reset %s: %v", s.SnapshotName(), err)
			}
		}
		return 0, nil
	}
	doc, err := verifyCheckpoint(content)
	if err != nil {
		return 0, err
	}
	var ckpt checkpoint
	if err := json.Unmarshal(doc, &ckpt); err != nil {
		return 0, fault.New(fault.KindCheckpointInconsistent, "decode: %v", err)
	}
	for _, s := range k.snappers {
		snap, ok := ckpt.Snapshots[s.SnapshotName()]
		if !ok {
			return 0, fault.New(fault.KindCheckpointInconsistent, "missing snapshot %q", s.SnapshotName())
		}
		if err := s.Restore(snap); err != nil {
			return 0, fault.New(fault.KindCheckpointInconsistent, "restore %s: %v", s.SnapshotName(), err)
		}
	}
	return ckpt.LSN, nil
}

// Checkpoint snapshots the in-memory state of all registered components and
// truncates the WAL prefix it covers.
func (k *Kernel) Checkpoint() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ckpt := checkpoint{LSN: k.lsn, Snapshots: make(map[string][]byte, len(k.snappers))}
	for _, s := range k.snappers {
		snap, err := s.Snapshot()
		if err != nil {
			return fmt.Errorf("kernel: snapshot %s: %w", s.SnapshotName(), err)
		}
		ckpt.Snapshots[s.SnapshotName()] = snap
	}
	doc, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("kernel: encode checkpoint: %w", err)
	}
	if err := k.store.PutCheckpoint(sealCheckpoint(doc)); err != nil {
		return err
	}
	if err := k.store.Rewrite(nil); err != nil {
		return fmt.Errorf("kernel: truncate wal: %w", err)
	}
	k.log.Info("checkpoint written", slog.Uint64("lsn", k.lsn))
	return nil
}

// truncateTail rewrites the WAL keeping only the clean prefix.
func (k *Kernel) truncateTail(cleanLen int64) error {
	reader, err := k.store.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	prefix := make([]byte, cleanLen)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return err
	}
	return k.store.Rewrite(prefix)
}

// sealCheckpoint prefixes the document with its checksum using the same
// integrity scheme as WAL frames.
func sealCheckpoint(doc []byte) []byte {
	out := make([]byte, 8+len(doc))
	binary.BigEndian.PutUint64(out, xxhash.Sum64(doc))
	copy(out[8:], doc)
	return out
}

func verifyCheckpoint(content []byte) ([]byte, error) {
	if len(content) < 8 {
		return nil, fault.New(fault.KindCheckpointInconsistent, "short checkpoint")
	}
	sum := binary.BigEndian.Uint64(content)
	doc := content[8:]
	if xxhash.Sum64(doc) != sum {
		return nil, fault.New(fault.KindCheckpointInconsistent, "checksum mismatch")
	}
	return doc, nil
}
