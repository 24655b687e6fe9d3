// Package contextstore is the three-tier segment store behind the
// Librarian. Segment metadata and live views are in memory, full content
// lives in blob storage for the life of the owning thread, and every
// status transition is WAL-durable. The store supplies mechanism only;
// curation policy belongs to the external curator.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hatsunemiku3939/agentmesh/journal"
	"github.com/hatsunemiku3939/agentmesh/kernel"
	"github.com/hatsunemiku3939/agentmesh/storage"
)

// ContentType classifies segment content.
type ContentType string

const (
	TypeMessage    ContentType = "message"
	TypeCode       ContentType = "code"
	TypeToolResult ContentType = "tool_result"
	TypeSummary    ContentType = "summary"
	TypeOther      ContentType = "other"
)

// Status is the segment's attention tier. Transitions only swap which slot
// feeds the live view; full content stays on disk throughout.
type Status string

const (
	Expanded Status = "expanded"
	Folded   Status = "folded"
	Evicted  Status = "evicted"
)

// Segment is the in-memory metadata of one context segment.
type Segment struct {
	ID            string      `json:"id"`
	Seq           uint64      `json:"seq"`
	ThreadID      string      `json:"threadId"`
	Type          ContentType `json:"type"`
	Status        Status      `json:"status"`
	Relevance     float64     `json:"relevance"`
	ByteSize      int         `json:"byteSize"`
	TokenEstimate int         `json:"tokenEstimate"`
	// Summary is the live view while Folded; retained as metadata after
	// an unfold.
	Summary []byte `json:"summary,omitempty"`
}

// View is one element of a thread's live view.
type View struct {
	SegmentID string
	Type      ContentType
	Status    Status
	Content   []byte
}

// WAL record kinds owned by the context store.
const (
	KindAppend    kernel.Kind = 0x30
	KindFold      kernel.Kind = 0x31
	KindUnfold    kernel.Kind = 0x32
	KindEvict     kernel.Kind = 0x33
	KindRelevance kernel.Kind = 0x34
	KindReap      kernel.Kind = 0x35
)

// FlagTag tags journal entries recording curation anomalies.
const FlagTag = "mesh.ContextFlag"

// tokenEstimate is the crude chars-per-token heuristic used for budgets.
func tokenEstimate(content []byte) int { return (len(content) + 3) / 4 }

// Store is the segment store.
type Store struct {
	mu       sync.RWMutex
	k        *kernel.Kernel
	blobs    storage.Blob
	jnl      *journal.Journal
	segments map[string]*Segment
	byThread map[string][]string
	seq      uint64
	budget   int
	log      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithTokenBudget sets the per-thread live-view token budget.
func WithTokenBudget(tokens int) Option {
	return func(s *Store) { s.budget = tokens }
}

// WithJournal wires the journal used to flag curation anomalies.
func WithJournal(jnl *journal.Journal) Option {
	return func(s *Store) { s.jnl = jnl }
}

// defaultTokenBudget bounds a thread's Expanded+Folded view when no budget
// is configured.
const defaultTokenBudget = 64 * 1024

// New creates a store and registers its appliers and snapshot with the
// kernel.
func New(k *kernel.Kernel, blobs storage.Blob, opts ...Option) (*Store, error) {
	s := &Store{
		k:        k,
		blobs:    blobs,
		segments: make(map[string]*Segment),
		byThread: make(map[string][]string),
		budget:   defaultTokenBudget,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for kind, fn := range map[kernel.Kind]kernel.ApplyFunc{
		KindAppend:    s.applyAppend,
		KindFold:      s.applyFold,
		KindUnfold:    s.applyUnfold,
		KindEvict:     s.applyEvict,
		KindRelevance: s.applyRelevance,
		KindReap:      s.applyReap,
	} {
		if err := k.RegisterApplier(kind, fn); err != nil {
			return nil, err
		}
	}
	k.RegisterSnapshotter(s)
	return s, nil
}

type appendRecord struct {
	ID       string      `json:"id"`
	ThreadID string      `json:"threadId"`
	Type     ContentType `json:"type"`
	ByteSize int         `json:"byteSize"`
	Tokens   int         `json:"tokens"`
}

type foldRecord struct {
	ID      string `json:"id"`
	Summary []byte `json:"summary"`
}

type idRecord struct {
	ID string `json:"id"`
}

type relevanceRecord struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type reapRecord struct {
	ThreadID string `json:"threadId"`
}

// Append stores full content durably and adds an Expanded segment to the
// thread's view. The blob write precedes the WAL record, so a recovered
// append always has its content.
func (s *Store) Append(ctx context.Context, threadID string, content []byte, typ ContentType) (string, error) {
	id := uuid.NewString()
	if err := s.blobs.Put(ctx, id, content); err != nil {
		return "", fmt.Errorf("contextstore: put content: %w", err)
	}
	rec := appendRecord{
		ID:       id,
		ThreadID: threadID,
		Type:     typ,
		ByteSize: len(content),
		Tokens:   tokenEstimate(content),
	}
	if err := s.apply(KindAppend, rec); err != nil {
		return "", err
	}
	return id, nil
}

// GetView returns the thread's live views in append order: full content
// for Expanded segments, the summary for Folded ones, nothing for Evicted.
// Linearizable with fold/unfold/evict on the same thread.
func (s *Store) GetView(ctx context.Context, threadID string) ([]View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var views []View
	for _, id := range s.byThread[threadID] {
		seg := s.segments[id]
		switch seg.Status {
		case Expanded:
			content, err := s.blobs.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("contextstore: segment %s content: %w", id, err)
			}
			views = append(views, View{SegmentID: id, Type: seg.Type, Status: Expanded, Content: content})
		case Folded:
			views = append(views, View{SegmentID: id, Type: seg.Type, Status: Folded, Content: append([]byte(nil), seg.Summary...)})
		case Evicted:
			// Nothing serves as the live view.
		}
	}
	return views, nil
}

// Fold replaces a segment's live view with the supplied summary. The
// original content remains on disk; the transition is reversible. A
// summary larger than the original is accepted but flagged in the journal;
// content quality is the curator's problem, not the store's.
func (s *Store) Fold(segmentID string, summary []byte) error {
	seg, err := s.get(segmentID)
	if err != nil {
		return err
	}
	if err := s.apply(KindFold, foldRecord{ID: segmentID, Summary: summary}); err != nil {
		return err
	}
	if len(summary) >= seg.ByteSize && s.jnl != nil {
		_, err := s.jnl.Append(journal.Entry{
			ThreadID:    seg.ThreadID,
			Direction:   journal.Outbound,
			Handler:     "librarian",
			PayloadTag:  FlagTag,
			PayloadHash: journal.Hash(summary),
			Retention:   journal.RetentionPolicy{Mode: journal.RetainForever},
			Annotation:  fmt.Sprintf("fold summary (%d bytes) not smaller than original (%d bytes)", len(summary), seg.ByteSize),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Unfold restores a segment's original content as its live view. Works
// from Folded and from Evicted, which implicitly re-expands.
func (s *Store) Unfold(segmentID string) error {
	if _, err := s.get(segmentID); err != nil {
		return err
	}
	return s.apply(KindUnfold, idRecord{ID: segmentID})
}

// Evict removes a segment from the live view. Original content remains on
// disk; reversible via Unfold.
func (s *Store) Evict(segmentID string) error {
	if _, err := s.get(segmentID); err != nil {
		return err
	}
	return s.apply(KindEvict, idRecord{ID: segmentID})
}

// SetRelevance records a curator-assigned relevance score in [0, 1].
func (s *Store) SetRelevance(segmentID string, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("contextstore: relevance %v out of range", score)
	}
	if _, err := s.get(segmentID); err != nil {
		return err
	}
	return s.apply(KindRelevance, relevanceRecord{ID: segmentID, Score: score})
}

// Budget returns the thread's current Expanded+Folded token estimate and
// the configured limit.
func (s *Store) Budget(threadID string) (current, limit int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byThread[threadID] {
		seg := s.segments[id]
		if seg.Status == Expanded || seg.Status == Folded {
			current += seg.TokenEstimate
		}
	}
	return current, s.budget
}

// Segment returns a copy of a segment's metadata.
func (s *Store) Segment(segmentID string) (Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[segmentID]
	if !ok {
		return Segment{}, false
	}
	cp := *seg
	cp.Summary = append([]byte(nil), seg.Summary...)
	return cp, true
}

// Reap permanently deletes a terminal thread's segments and their durable
// content. The only path that ever deletes full content.
func (s *Store) Reap(ctx context.Context, threadID string) error {
	s.mu.RLock()
	ids := append([]string(nil), s.byThread[threadID]...)
	s.mu.RUnlock()
	if err := s.apply(KindReap, reapRecord{ThreadID: threadID}); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.blobs.Delete(ctx, id); err != nil {
			return fmt.Errorf("contextstore: reap %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) get(segmentID string) (Segment, error) {
	seg, ok := s.Segment(segmentID)
	if !ok {
		return Segment{}, fmt.Errorf("%w: %q", ErrUnknownSegment, segmentID)
	}
	return seg, nil
}

func (s *Store) apply(kind kernel.Kind, rec any) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("contextstore: encode record: %w", err)
	}
	_, err = s.k.Apply(kind, payload)
	return err
}

func (s *Store) applyAppend(payload []byte) error {
	var rec appendRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("contextstore: decode append: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.segments[rec.ID]; exists {
		return nil
	}
	s.seq++
	s.segments[rec.ID] = &Segment{
		ID:            rec.ID,
		Seq:           s.seq,
		ThreadID:      rec.ThreadID,
		Type:          rec.Type,
		Status:        Expanded,
		ByteSize:      rec.ByteSize,
		TokenEstimate: rec.Tokens,
	}
	s.byThread[rec.ThreadID] = append(s.byThread[rec.ThreadID], rec.ID)
	return nil
}

func (s *Store) applyFold(payload []byte) error {
	var rec foldRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("contextstore: decode fold: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[rec.ID]
	if !ok {
		return fmt.Errorf("contextstore: fold of unknown segment %q", rec.ID)
	}
	seg.Status = Folded
	seg.Summary = rec.Summary
	return nil
}

func (s *Store) applyUnfold(payload []byte) error {
	return s.applyStatus(payload, Expanded)
}

func (s *Store) applyEvict(payload []byte) error {
	return s.applyStatus(payload, Evicted)
}

func (s *Store) applyStatus(payload []byte, status Status) error {
	var rec idRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("contextstore: decode status record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[rec.ID]
	if !ok {
		return fmt.Errorf("contextstore: status record for unknown segment %q", rec.ID)
	}
	seg.Status = status
	return nil
}

func (s *Store) applyRelevance(payload []byte) error {
	var rec relevanceRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("contextstore: decode relevance: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[rec.ID]
	if !ok {
		return fmt.Errorf("contextstore: relevance record for unknown segment %q", rec.ID)
	}
	seg.Relevance = rec.Score
	return nil
}

func (s *Store) applyReap(payload []byte) error {
	var rec reapRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("contextstore: decode reap: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byThread[rec.ThreadID] {
		delete(s.segments, id)
	}
	delete(s.byThread, rec.ThreadID)
	return nil
}

// SnapshotName implements kernel.Snapshotter.
func (s *Store) SnapshotName() string { return "contextstore" }

type snapshot struct {
	Segments map[string]*Segment `json:"segments"`
	ByThread map[string][]string `json:"byThread"`
	Seq      uint64              `json:"seq"`
}

// Snapshot implements kernel.Snapshotter.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(snapshot{Segments: s.segments, ByThread: s.byThread, Seq: s.seq})
}

// Restore implements kernel.Snapshotter. A nil snapshot resets to empty.
func (s *Store) Restore(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == nil {
		s.segments = make(map[string]*Segment)
		s.byThread = make(map[string][]string)
		s.seq = 0
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("contextstore: decode snapshot: %w", err)
	}
	s.segments = snap.Segments
	s.byThread = snap.ByThread
	s.seq = snap.Seq
	return nil
}

// Recommendation is one advisory curation step.
type Recommendation struct {
	SegmentID string
	Action    Status // Folded or Evicted
}

// Recommend computes the advisory curation plan for a thread: fold
// Expanded segments whose relevance is below foldThreshold, then evict
// lowest-relevance segments (oldest first on ties) until the view fits
// the budget. The store never applies recommendations itself.
func (s *Store) Recommend(threadID string, foldThreshold float64) []Recommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []Recommendation
	var live []*Segment
	total := 0
	for _, id := range s.byThread[threadID] {
		seg := s.segments[id]
		if seg.Status == Evicted {
			continue
		}
		live = append(live, seg)
		total += seg.TokenEstimate
		if seg.Status == Expanded && seg.Relevance < foldThreshold {
			recs = append(recs, Recommendation{SegmentID: seg.ID, Action: Folded})
		}
	}
	if total <= s.budget {
		return recs
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Relevance != live[j].Relevance {
			return live[i].Relevance < live[j].Relevance
		}
		return live[i].Seq < live[j].Seq
	})
	for _, seg := range live {
		if total <= s.budget {
			break
		}
		recs = append(recs, Recommendation{SegmentID: seg.ID, Action: Evicted})
		total -= seg.TokenEstimate
	}
	return recs
}
