// Package storagenode implements the blob-holding side of quiltfs: a data
// directory of UUID-named files, a per-UUID lock engine serializing access to
// them, and a TCP server speaking the wire protocol.
package storagenode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quiltfs/quiltfs/pkg/metrics"
)

// NoFileError reports that no blob exists for a UUID.
type NoFileError struct {
	UUID uuid.UUID
}

func (e *NoFileError) Error() string {
	return fmt.Sprintf("no file with uuid %s", e.UUID)
}

// Node owns a data directory of blobs. While a Node is running the directory
// must not be modified externally; every read, write and delete goes through
// a FileLock.
type Node struct {
	dataDir string
	metrics *metrics.LockMetrics

	mu     sync.Mutex
	locked map[uuid.UUID]string // held locks, with the reason each was taken
	// released is closed and replaced whenever any lock is released, waking
	// every blocked LockFile call to re-check its UUID.
	released chan struct{}
}

// New opens (creating if necessary) the data directory and returns a Node.
func New(dataDir string) (*Node, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	info, err := os.Stat(dataDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data path %q is not a directory", dataDir)
	}

	return &Node{
		dataDir:  dataDir,
		locked:   make(map[uuid.UUID]string),
		released: make(chan struct{}),
	}, nil
}

// DataDir returns the blob directory path.
func (n *Node) DataDir() string { return n.dataDir }

// SetMetrics instruments the lock engine. Call before serving; a nil
// recorder keeps every observation a no-op.
func (n *Node) SetMetrics(m *metrics.LockMetrics) { n.metrics = m }

// LockFile blocks any other holder from accessing the blob for u and returns
// a FileLock scoped to the acquisition. If the blob is already locked,
// LockFile waits until it is released. Cancelling ctx abandons the attempt
// without leaving an entry behind.
//
// The reason string is recorded while the lock is held, for diagnosing
// stuck locks.
//
// There is no fairness guarantee: when several waiters contend for the same
// UUID, whichever re-checks first after a release wins.
func (n *Node) LockFile(ctx context.Context, u uuid.UUID, reason string) (*FileLock, error) {
	start := time.Now()
	blocked := false
	defer func() {
		if blocked {
			n.metrics.AddBlocked(-1)
		}
	}()

	for {
		n.mu.Lock()
		if _, held := n.locked[u]; !held {
			n.locked[u] = reason
			held := len(n.locked)
			n.mu.Unlock()

			n.metrics.ObserveAcquire(reason, time.Since(start).Seconds())
			n.metrics.SetLockedFiles(held)
			return &FileLock{uuid: u, node: n, reason: reason, acquiredAt: time.Now()}, nil
		}
		released := n.released
		n.mu.Unlock()

		if !blocked {
			blocked = true
			n.metrics.AddBlocked(1)
		}

		select {
		case <-ctx.Done():
			n.metrics.RecordAbandoned(reason)
			return nil, ctx.Err()
		case <-released:
		}
	}
}

// LockedFiles returns a snapshot of currently held locks and their reasons.
func (n *Node) LockedFiles() map[uuid.UUID]string {
	n.mu.Lock()
	defer n.mu.Unlock()

	snapshot := make(map[uuid.UUID]string, len(n.locked))
	for u, reason := range n.locked {
		snapshot[u] = reason
	}
	return snapshot
}

// release removes the lock entry for u and wakes all waiters.
func (n *Node) release(u uuid.UUID) {
	n.mu.Lock()
	delete(n.locked, u)
	held := len(n.locked)
	close(n.released)
	n.released = make(chan struct{})
	n.mu.Unlock()

	n.metrics.SetLockedFiles(held)
}

// FileLock is exclusive access to one blob, valid until Release. At most one
// FileLock exists per UUID at any time.
type FileLock struct {
	uuid       uuid.UUID
	node       *Node
	reason     string
	acquiredAt time.Time
	once       sync.Once
}

// Release returns the lock. Safe to call more than once; defer it right
// after acquisition.
func (l *FileLock) Release() {
	l.once.Do(func() {
		l.node.release(l.uuid)
		l.node.metrics.ObserveRelease(l.reason, time.Since(l.acquiredAt).Seconds())
	})
}

// UUID returns the UUID the lock is held for.
func (l *FileLock) UUID() uuid.UUID { return l.uuid }

// Path returns the on-disk location of the blob: the data directory joined
// with the lowercase hyphenated UUID.
func (l *FileLock) Path() string {
	return filepath.Join(l.node.dataDir, l.uuid.String())
}

// Read returns the blob's contents. A missing blob is a NoFileError.
func (l *FileLock) Read() ([]byte, error) {
	data, err := os.ReadFile(l.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NoFileError{UUID: l.uuid}
		}
		return nil, err
	}
	return data, nil
}

// Write stores data as the blob's new contents, creating the blob if needed.
func (l *FileLock) Write(data []byte) error {
	return os.WriteFile(l.Path(), data, 0644)
}

// Delete removes the blob. A missing blob is a NoFileError.
func (l *FileLock) Delete() error {
	err := os.Remove(l.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &NoFileError{UUID: l.uuid}
		}
		return err
	}
	return nil
}
