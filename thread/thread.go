// Package thread is the hierarchical thread table. Threads form a tree
// stored as an arena keyed by dotted ids with parent pointers as keys;
// every lifecycle transition is WAL-durable before anything observes it.
package thread

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/kernel"
	"github.com/hatsunemiku3939/agentmesh/profile"
)

// State is the thread lifecycle state. Terminal states are absorbing.
type State int

const (
	Active State = iota
	Completed
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool { return s != Active }

// Thread is one node of the tree. Profile is fixed at creation and never
// mutated.
type Thread struct {
	ID         string          `json:"id"`
	Profile    string          `json:"profile"`
	State      State           `json:"state"`
	Parent     string          `json:"parent,omitempty"`
	Children   []string        `json:"children,omitempty"`
	Iterations int             `json:"iterations"`
	NextChild  int             `json:"nextChild"`
	Result     json.RawMessage `json:"result,omitempty"`
	FailReason string          `json:"failReason,omitempty"`
}

// WAL record kinds owned by the thread table.
const (
	KindSpawn   kernel.Kind = 0x10
	KindReturn  kernel.Kind = 0x11
	KindFail    kernel.Kind = 0x12
	KindIterate kernel.Kind = 0x13
)

// RootID is the id of the single root thread.
const RootID = "root"

// Table is the thread arena.
type Table struct {
	mu      sync.RWMutex
	opMu    sync.Mutex // serializes id assignment across spawns
	threads map[string]*Thread
	k       *kernel.Kernel
	res     *profile.Resolver
	log     *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the table logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Table) { t.log = log }
}

// New creates a thread table and registers its appliers and snapshot with
// the kernel.
func New(k *kernel.Kernel, res *profile.Resolver, opts ...Option) (*Table, error) {
	t := &Table{threads: make(map[string]*Thread), k: k, res: res, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	for kind, fn := range map[kernel.Kind]kernel.ApplyFunc{
		KindSpawn:   t.applySpawn,
		KindReturn:  t.applyReturn,
		KindFail:    t.applyFail,
		KindIterate: t.applyIterate,
	} {
		if err := k.RegisterApplier(kind, fn); err != nil {
			return nil, err
		}
	}
	k.RegisterSnapshotter(t)
	return t, nil
}

type spawnRecord struct {
	ID      string `json:"id"`
	Parent  string `json:"parent,omitempty"`
	Profile string `json:"profile"`
}

type terminalRecord struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

type iterateRecord struct {
	ID string `json:"id"`
}

// EnsureRoot creates the root thread under the given profile if it does
// not exist yet.
func (t *Table) EnsureRoot(profileName string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.mu.RLock()
	_, exists := t.threads[RootID]
	t.mu.RUnlock()
	if exists {
		return nil
	}
	if !t.res.Has(profileName) {
		return fault.New(fault.KindUnknownProfile, "profile %q", profileName)
	}
	return t.apply(KindSpawn, spawnRecord{ID: RootID, Profile: profileName})
}

// Spawn creates a child of parentID under the requested profile. The
// requested profile must be a subset of the parent's; otherwise the spawn
// fails with a privilege-escalation fault. The spawn record is WAL-durable
// before the new id is returned to any caller.
func (t *Table) Spawn(parentID, requestedProfile string) (string, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.RLock()
	parent, ok := t.threads[parentID]
	var parentProfile string
	var seq int
	state := Active
	if ok {
		parentProfile = parent.Profile
		seq = parent.NextChild + 1
		state = parent.State
	}
	t.mu.RUnlock()

	if !ok {
		return "", fault.New(fault.KindUnknownThread, "thread %q", parentID)
	}
	if state.Terminal() {
		return "", fault.New(fault.KindUnknownThread, "thread %q is %s", parentID, state)
	}
	subset, err := t.res.Subset(requestedProfile, parentProfile)
	if err != nil {
		return "", err
	}
	if !subset {
		return "", fault.New(fault.KindPrivilegeEscalation,
			"profile %q is not a subset of parent profile %q", requestedProfile, parentProfile)
	}

	id := fmt.Sprintf("%s.t%d", parentID, seq)
	if err := t.apply(KindSpawn, spawnRecord{ID: id, Parent: parentID, Profile: requestedProfile}); err != nil {
		return "", err
	}
	t.log.Debug("thread spawned", slog.String("thread", id), slog.String("profile", requestedProfile))
	return id, nil
}

// Return marks a thread Completed with a result. WAL-durable; terminal
// states are absorbing, so returning a terminal thread is an error.
func (t *Table) Return(id string, result json.RawMessage) error {
	if err := t.requireActive(id); err != nil {
		return err
	}
	return t.apply(KindReturn, terminalRecord{ID: id, Result: result})
}

// Fail marks a thread Failed with a reason. WAL-durable.
func (t *Table) Fail(id, reason string) error {
	if err := t.requireActive(id); err != nil {
		return err
	}
	if err := t.apply(KindFail, terminalRecord{ID: id, Reason: reason}); err != nil {
		return err
	}
	t.log.Warn("thread failed", slog.String("thread", id), slog.String("reason", reason))
	return nil
}

// Bump durably increments a thread's iteration counter and returns the
// new value.
func (t *Table) Bump(id string) (int, error) {
	if err := t.requireActive(id); err != nil {
		return 0, err
	}
	if err := t.apply(KindIterate, iterateRecord{ID: id}); err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threads[id].Iterations, nil
}

// Get returns a copy of a thread.
func (t *Table) Get(id string) (Thread, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.threads[id]
	if !ok {
		return Thread{}, false
	}
	return copyThread(th), true
}

// Active reports whether a thread exists and is Active.
func (t *Table) Active(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.threads[id]
	return ok && th.State == Active
}

// Walk visits rootID and its descendants depth-first in spawn order,
// stopping when the visitor returns false.
func (t *Table) Walk(rootID string, visit func(Thread) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.walk(rootID, visit)
}

func (t *Table) walk(id string, visit func(Thread) bool) bool {
	th, ok := t.threads[id]
	if !ok {
		return true
	}
	if !visit(copyThread(th)) {
		return false
	}
	for _, child := range th.Children {
		if !t.walk(child, visit) {
			return false
		}
	}
	return true
}

func (t *Table) requireActive(id string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.threads[id]
	if !ok {
		return fault.New(fault.KindUnknownThread, "thread %q", id)
	}
	if th.State.Terminal() {
		return fault.New(fault.KindUnknownThread, "thread %q is %s", id, th.State)
	}
	return nil
}

func (t *Table) apply(kind kernel.Kind, rec any) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("thread: encode record: %w", err)
	}
	_, err = t.k.Apply(kind, payload)
	return err
}

func (t *Table) applySpawn(payload []byte) error {
	var rec spawnRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("thread: decode spawn: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.threads[rec.ID]; exists {
		return nil
	}
	t.threads[rec.ID] = &Thread{ID: rec.ID, Profile: rec.Profile, State: Active, Parent: rec.Parent}
	if rec.Parent != "" {
		if parent, ok := t.threads[rec.Parent]; ok {
			parent.Children = append(parent.Children, rec.ID)
			parent.NextChild++
		}
	}
	return nil
}

func (t *Table) applyReturn(payload []byte) error {
	return t.applyTerminal(payload, Completed)
}

func (t *Table) applyFail(payload []byte) error {
	return t.applyTerminal(payload, Failed)
}

func (t *Table) applyTerminal(payload []byte, state State) error {
	var rec terminalRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("thread: decode terminal: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[rec.ID]
	if !ok {
		return fmt.Errorf("thread: terminal record for unknown thread %q", rec.ID)
	}
	if th.State.Terminal() {
		return nil
	}
	th.State = state
	th.Result = rec.Result
	th.FailReason = rec.Reason
	return nil
}

func (t *Table) applyIterate(payload []byte) error {
	var rec iterateRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("thread: decode iterate: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[rec.ID]
	if !ok {
		return fmt.Errorf("thread: iterate record for unknown thread %q", rec.ID)
	}
	th.Iterations++
	return nil
}

// SnapshotName implements kernel.Snapshotter.
func (t *Table) SnapshotName() string { return "threads" }

// Snapshot implements kernel.Snapshotter.
func (t *Table) Snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(t.threads)
}

// Restore implements kernel.Snapshotter. A nil snapshot resets to empty.
func (t *Table) Restore(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b == nil {
		t.threads = make(map[string]*Thread)
		return nil
	}
	threads := make(map[string]*Thread)
	if err := json.Unmarshal(b, &threads); err != nil {
		return fmt.Errorf("thread: decode snapshot: %w", err)
	}
	t.threads = threads
	return nil
}

func copyThread(th *Thread) Thread {
	cp := *th
	cp.Children = append([]string(nil), th.Children...)
	cp.Result = append(json.RawMessage(nil), th.Result...)
	return cp
}
