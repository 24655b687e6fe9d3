package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory is an in-memory Store for tests and development. SyncedLen exposes
// how many bytes were durable at the last Sync so crash points can be
// simulated by truncating to it.
type Memory struct {
	mu         sync.Mutex
	wal        []byte
	synced     int
	blobs      map[string][]byte
	checkpoint []byte
	hasCkpt    bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Append implements WAL.
func (m *Memory) Append(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wal = append(m.wal, frame...)
	return nil
}

// Sync implements WAL.
func (m *Memory) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = len(m.wal)
	return nil
}

// Reader implements WAL.
func (m *Memory) Reader() (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(m.wal))
	copy(cp, m.wal)
	return io.NopCloser(bytes.NewReader(cp)), nil
}

// Rewrite implements WAL.
func (m *Memory) Rewrite(content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wal = append([]byte(nil), content...)
	m.synced = len(m.wal)
	return nil
}

// Put implements Blob.
func (m *Memory) Put(_ context.Context, key string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), content...)
	return nil
}

// Get implements Blob.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("storage: blob get %q: not found", key)
	}
	return append([]byte(nil), content...), nil
}

// Delete implements Blob.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// PutCheckpoint implements Checkpoints.
func (m *Memory) PutCheckpoint(content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = append([]byte(nil), content...)
	m.hasCkpt = true
	return nil
}

// GetCheckpoint implements Checkpoints.
func (m *Memory) GetCheckpoint() ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasCkpt {
		return nil, false, nil
	}
	return append([]byte(nil), m.checkpoint...), true, nil
}

// WALBytes returns a copy of the current log contents.
func (m *Memory) WALBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.wal...)
}

// TruncateWAL cuts the log to n bytes, simulating a crash mid-append.
func (m *Memory) TruncateWAL(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < len(m.wal) {
		m.wal = m.wal[:n]
	}
	if m.synced > len(m.wal) {
		m.synced = len(m.wal)
	}
}

// SyncedLen returns how many log bytes were durable at the last Sync.
func (m *Memory) SyncedLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}
