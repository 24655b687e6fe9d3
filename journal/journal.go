// Package journal is the append-only message log. Entries are assigned
// monotonic ids under the kernel's single-writer discipline, never
// modified, and deleted only whole, per retention policy.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hatsunemiku3939/agentmesh/kernel"
)

// Direction marks which side of a handler an entry records.
type Direction int

const (
	// Inbound records a handler receiving a message.
	Inbound Direction = iota
	// Outbound records a handler producing a message.
	Outbound
)

// Mode selects a retention policy.
type Mode string

const (
	// RetainForever never prunes.
	RetainForever Mode = "retain_forever"
	// PruneOnDelivery prunes an Outbound entry once every target has a
	// later Inbound entry with the same payload hash.
	PruneOnDelivery Mode = "prune_on_delivery"
	// RetainDays prunes entries older than Days at pruning cycles.
	RetainDays Mode = "retain_days"
)

// RetentionPolicy is the policy in force when an entry is written.
type RetentionPolicy struct {
	Mode Mode `json:"mode" yaml:"mode"`
	Days int  `json:"days,omitempty" yaml:"days,omitempty"`
}

// Validate checks the policy shape.
func (p RetentionPolicy) Validate() error {
	switch p.Mode {
	case RetainForever, PruneOnDelivery:
		return nil
	case RetainDays:
		if p.Days <= 0 {
			return fmt.Errorf("journal: retain_days requires days > 0, got %d", p.Days)
		}
		return nil
	default:
		return fmt.Errorf("journal: unknown retention mode %q", p.Mode)
	}
}

// Entry is one append-only journal record.
type Entry struct {
	ID          uint64          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	ThreadID    string          `json:"threadId"`
	Direction   Direction       `json:"direction"`
	Handler     string          `json:"handler"`
	PayloadTag  string          `json:"payloadTag"`
	PayloadHash string          `json:"payloadHash"`
	Retention   RetentionPolicy `json:"retention"`
	// Targets holds the addressed handlers of an Outbound entry; delivery
	// tracking for prune_on_delivery needs every broadcast target.
	Targets []string `json:"targets,omitempty"`
	// Annotation flags anomalies (audit denials, oversized summaries).
	Annotation string `json:"annotation,omitempty"`
}

// WAL record kinds owned by the journal.
const (
	KindAppend kernel.Kind = 0x20
	KindPrune  kernel.Kind = 0x21
)

// Hash returns the integrity digest recorded for payload bytes.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Journal holds entries in memory, durably backed by the kernel WAL.
type Journal struct {
	mu      sync.RWMutex
	k       *kernel.Kernel
	entries []Entry
	nextID  uint64
	// lastAssigned carries the applier-assigned id back to Append. Only
	// touched under the kernel writer lock.
	lastAssigned uint64
	log          *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the journal logger.
func WithLogger(log *slog.Logger) Option {
	return func(j *Journal) { j.log = log }
}

// New creates a journal and registers its appliers and snapshot with the
// kernel.
func New(k *kernel.Kernel, opts ...Option) (*Journal, error) {
	j := &Journal{k: k, nextID: 1, log: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	if err := k.RegisterApplier(KindAppend, j.applyAppend); err != nil {
		return nil, err
	}
	if err := k.RegisterApplier(KindPrune, j.applyPrune); err != nil {
		return nil, err
	}
	k.RegisterSnapshotter(j)
	return j, nil
}

// Append journals an entry and returns its assigned id. The id is assigned
// by the applier under the writer lock; two appends never share one.
func (j *Journal) Append(e Entry) (uint64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.k.Now()
	}
	e.ID = 0
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("journal: encode entry: %w", err)
	}
	if _, err := j.k.Apply(KindAppend, payload); err != nil {
		return 0, err
	}
	return j.lastAssigned, nil
}

// Scan returns entries with from <= id <= to (to == 0 means unbounded)
// passing the filter, in id order. Linearizable with the latest append.
func (j *Journal) Scan(from, to uint64, filter func(Entry) bool) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Entry
	for _, e := range j.entries {
		if e.ID < from || (to != 0 && e.ID > to) {
			continue
		}
		if filter != nil && !filter(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of live entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Prune deletes whole entries per their recorded retention policies and
// returns how many were removed. Deletions are WAL-durable.
func (j *Journal) Prune(now time.Time) (int, error) {
	j.mu.RLock()
	var ids []uint64
	for _, e := range j.entries {
		if j.prunable(e, now) {
			ids = append(ids, e.ID)
		}
	}
	j.mu.RUnlock()
	if len(ids) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("journal: encode prune set: %w", err)
	}
	if _, err := j.k.Apply(KindPrune, payload); err != nil {
		return 0, err
	}
	j.log.Info("journal pruned", slog.Int("entries", len(ids)))
	return len(ids), nil
}

// prunable evaluates an entry's own retention policy. Callers hold at
// least the read lock.
func (j *Journal) prunable(e Entry, now time.Time) bool {
	switch e.Retention.Mode {
	case RetainForever:
		return false
	case RetainDays:
		return now.Sub(e.Timestamp) > time.Duration(e.Retention.Days)*24*time.Hour
	case PruneOnDelivery:
		if e.Direction != Outbound || len(e.Targets) == 0 {
			return false
		}
		// Conservative reading for broadcasts: every target must show a
		// later Inbound entry with the matching hash.
		for _, target := range e.Targets {
			if !j.delivered(e, target) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (j *Journal) delivered(e Entry, target string) bool {
	for _, other := range j.entries {
		if other.ID > e.ID && other.Direction == Inbound &&
			other.Handler == target && other.PayloadHash == e.PayloadHash {
			return true
		}
	}
	return false
}

func (j *Journal) applyAppend(payload []byte) error {
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("journal: decode entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	e.ID = j.nextID
	j.nextID++
	j.entries = append(j.entries, e)
	j.lastAssigned = e.ID
	return nil
}

func (j *Journal) applyPrune(payload []byte) error {
	var ids []uint64
	if err := json.Unmarshal(payload, &ids); err != nil {
		return fmt.Errorf("journal: decode prune set: %w", err)
	}
	drop := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.entries[:0]
	for _, e := range j.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	j.entries = kept
	return nil
}

// SnapshotName implements kernel.Snapshotter.
func (j *Journal) SnapshotName() string { return "journal" }

type snapshot struct {
	Entries []Entry `json:"entries"`
	NextID  uint64  `json:"nextId"`
}

// Snapshot implements kernel.Snapshotter.
func (j *Journal) Snapshot() ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return json.Marshal(snapshot{Entries: j.entries, NextID: j.nextID})
}

// Restore implements kernel.Snapshotter. A nil snapshot resets to empty.
func (j *Journal) Restore(b []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if b == nil {
		j.entries = nil
		j.nextID = 1
		return nil
	}
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("journal: decode snapshot: %w", err)
	}
	j.entries = s.Entries
	j.nextID = s.NextID
	return nil
}
