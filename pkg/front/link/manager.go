package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/front/metadata"
	"github.com/quiltfs/quiltfs/pkg/metrics"
	"github.com/quiltfs/quiltfs/pkg/wire"
)

// ErrNotConnectedToAnyNode is returned by PickNode when no storage node has
// an active link.
var ErrNotConnectedToAnyNode = errors.New("not connected to any storage node")

// NodeConfig describes one storage node the manager should keep a link to.
type NodeConfig struct {
	ID      metadata.StorageNodeID
	Name    string
	Addr    string
	Timeout time.Duration
}

// UploadFileInfo is the input to the placement policy. It deliberately
// carries only the upload size; richer placement signals would extend this
// struct, not the method signature.
type UploadFileInfo struct {
	DataLength int
}

// RetryInterval is the pause between redial attempts for a dead node.
const RetryInterval = 5 * time.Second

// PingInterval is how often each connected node is probed with GetVersion.
const PingInterval = 1 * time.Second

// Manager owns the set of active links, one monitor goroutine per configured
// storage node. Monitors dial, watch for disconnects, and redial with a
// fixed pause between attempts.
//
// The link map sits behind a reader/writer lock: operations take a brief
// read hold to clone the link handle, monitors take the write hold only to
// install or evict. A caller that cloned a handle before an eviction simply
// fails with ErrClientDisconnected and sees the new link on its next lookup.
type Manager struct {
	limits  wire.Limits
	metrics *metrics.LinkMetrics

	mu    sync.RWMutex
	links map[metadata.StorageNodeID]*Link

	// nodes in configuration order; PickNode scans this for determinism.
	nodes []NodeConfig

	wg sync.WaitGroup
}

// ManagerOptions tunes the manager.
type ManagerOptions struct {
	// Limits caps frame sizes on every link.
	Limits wire.Limits

	// Metrics optionally instruments links and reconnects. May be nil.
	Metrics *metrics.LinkMetrics
}

// NewManager creates a manager for the given nodes and starts one monitor
// per node. Nodes that cannot be reached are logged and retried forever;
// startup never fails on an unreachable node.
//
// Cancelling ctx stops all monitors and closes all links; Wait blocks until
// they are done.
func NewManager(ctx context.Context, nodes []NodeConfig, opts ManagerOptions) *Manager {
	m := &Manager{
		limits:  opts.Limits,
		metrics: opts.Metrics,
		links:   make(map[metadata.StorageNodeID]*Link),
		nodes:   nodes,
	}

	for _, node := range nodes {
		m.wg.Add(1)
		go func(node NodeConfig) {
			defer m.wg.Done()
			m.monitor(ctx, node)
		}(node)
	}

	return m
}

// Wait blocks until every monitor has exited after context cancellation.
func (m *Manager) Wait() { m.wg.Wait() }

// monitor keeps one node connected: dial, install, wait for death, evict,
// redial. It exits only when ctx is cancelled.
func (m *Manager) monitor(ctx context.Context, node NodeConfig) {
	for {
		if ctx.Err() != nil {
			return
		}

		logger.Info("Connecting to storage node", "node", node.Name, "addr", node.Addr)
		l, err := Dial(ctx, node.Name, node.Addr, Options{
			Timeout: node.Timeout,
			Limits:  m.limits,
			Metrics: m.metrics,
		})
		if err != nil {
			logger.Warn("Could not connect to storage node", "node", node.Name, "addr", node.Addr, "error", err)
			if !sleepCtx(ctx, RetryInterval) {
				return
			}
			continue
		}

		logger.Info("Connected to storage node", "node", node.Name, "addr", node.Addr)
		m.metrics.RecordReconnect(node.Name)

		m.mu.Lock()
		m.links[node.ID] = l
		m.mu.Unlock()

		// Keepalive probe; stops on its own when the link dies.
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			m.ping(ctx, node, l)
		}()

		select {
		case <-l.Disconnected():
		case <-ctx.Done():
			l.Close()
		}

		// Wait for subsidiary tasks before touching the map so no stale
		// user of the old link runs concurrently with the redial.
		<-pingDone

		m.mu.Lock()
		if m.links[node.ID] == l {
			delete(m.links, node.ID)
		}
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		logger.Warn("Storage node disconnected", "node", node.Name)
		if !sleepCtx(ctx, RetryInterval) {
			return
		}
	}
}

// ping probes the node until the link dies or ctx is cancelled.
func (m *Manager) ping(ctx context.Context, node NodeConfig, l *Link) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.Disconnected():
			return
		case <-ticker.C:
		}

		reply, err := l.Communicate(ctx, wire.GetVersion())
		if err != nil {
			logger.Debug("Storage node ping failed", "node", node.Name, "error", err)
			return
		}
		if reply.Kind == wire.KindMyVersionIs {
			logger.Debug("Storage node ping", "node", node.Name, "version", reply.Version)
		}
	}
}

// Lookup clones the current link handle for a node. The second return is
// false when the node has no active link.
func (m *Manager) Lookup(id metadata.StorageNodeID) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[id]
	return l, ok
}

// PickNode chooses a storage node for a new upload: the first configured
// node with an active link. info is accepted so smarter placement (free
// space, load) can slot in without changing callers.
func (m *Manager) PickNode(info UploadFileInfo) (metadata.StorageNodeID, *Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, node := range m.nodes {
		if l, ok := m.links[node.ID]; ok {
			return node.ID, l, nil
		}
	}
	return 0, nil, ErrNotConnectedToAnyNode
}

// ConnectedNodes reports which configured nodes currently have a link, for
// health reporting.
func (m *Manager) ConnectedNodes() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.nodes))
	for _, node := range m.nodes {
		_, ok := m.links[node.ID]
		status[node.Name] = ok
	}
	return status
}

// sleepCtx pauses for d; returns false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
