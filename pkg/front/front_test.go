package front

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltfs/quiltfs/pkg/front/link"
	"github.com/quiltfs/quiltfs/pkg/front/metadata"
	"github.com/quiltfs/quiltfs/pkg/storagenode"
)

// testCluster is a front node wired to one real storage node over loopback
// TCP, with a throwaway sqlite metadata database.
type testCluster struct {
	front  *Node
	store  *metadata.Store
	root   metadata.DirectoryID
	nodeID metadata.StorageNodeID
}

func startCluster(t *testing.T) *testCluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	blobNode, err := storagenode.New(t.TempDir())
	require.NoError(t, err)
	server := storagenode.NewServer(blobNode, storagenode.ServerConfig{Addr: "127.0.0.1:0", Version: "test"})
	go func() { _ = server.Serve(ctx) }()
	require.Eventually(t, func() bool { return server.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	store, err := metadata.New(&metadata.Config{
		Type:   metadata.DatabaseTypeSQLite,
		SQLite: metadata.SQLiteConfig{Path: filepath.Join(t.TempDir(), "meta.db")},
	})
	require.NoError(t, err)

	root, err := store.EnsureRootDirectory(ctx)
	require.NoError(t, err)

	nodeID, err := store.EnsureNode(ctx, "shelf-1")
	require.NoError(t, err)

	manager := link.NewManager(ctx, []link.NodeConfig{{
		ID:      nodeID,
		Name:    "shelf-1",
		Addr:    server.Addr(),
		Timeout: 2 * time.Second,
	}}, link.ManagerOptions{})

	require.Eventually(t, func() bool {
		_, ok := manager.Lookup(nodeID)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "manager never connected")

	return &testCluster{
		front:  New(store, manager),
		store:  store,
		root:   root,
		nodeID: nodeID,
	}
}

func TestUploadThenGet(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	dir, err := c.store.CreateDirectory(ctx, c.root, "docs")
	require.NoError(t, err)

	u, err := c.front.UploadFile(ctx, "x.txt", dir, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())

	data, gotUUID, loc, err := c.front.GetFileByPath(ctx, "docs/x.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, u, gotUUID)
	assert.Equal(t, "shelf-1", loc.NodeName)
}

func TestGetFile_UnknownUUID(t *testing.T) {
	c := startCluster(t)

	_, _, err := c.front.GetFile(context.Background(), uuid.New())
	assert.ErrorIs(t, err, metadata.ErrUnknownUUID)
}

func TestGetFile_NodeNotConnected(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	// A file whose registry row points at a node the manager was never
	// configured for.
	otherNode, err := c.store.EnsureNode(ctx, "shelf-unplugged")
	require.NoError(t, err)

	u := uuid.New()
	require.NoError(t, c.store.InsertFile(ctx, u, "stranded.txt", c.root, otherNode))

	_, _, err = c.front.GetFile(ctx, u)
	assert.ErrorIs(t, err, ErrNotConnectedToNode)
}

func TestUploadFile_NoNodesConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := metadata.New(&metadata.Config{
		Type:   metadata.DatabaseTypeSQLite,
		SQLite: metadata.SQLiteConfig{Path: filepath.Join(t.TempDir(), "meta.db")},
	})
	require.NoError(t, err)
	root, err := store.EnsureRootDirectory(ctx)
	require.NoError(t, err)

	manager := link.NewManager(ctx, nil, link.ManagerOptions{})
	node := New(store, manager)

	_, err = node.UploadFile(ctx, "f", root, []byte("data"))
	assert.ErrorIs(t, err, link.ErrNotConnectedToAnyNode)
}

func TestDeleteFile(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	u, err := c.front.UploadFile(ctx, "gone.txt", c.root, []byte("bytes"))
	require.NoError(t, err)

	require.NoError(t, c.front.DeleteFile(ctx, u))

	_, _, err = c.front.GetFile(ctx, u)
	assert.ErrorIs(t, err, metadata.ErrUnknownUUID)

	_, err = c.store.FileUUIDForPath(ctx, "gone.txt", nil)
	assert.ErrorIs(t, err, metadata.ErrNoSuchFile)
}

func TestDeleteFile_BlobAlreadyMissing(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	// Metadata row exists but the storage node never got the blob. The
	// remote delete fails with a node-side error; the row must still go.
	u := uuid.New()
	require.NoError(t, c.store.InsertFile(ctx, u, "ghost.txt", c.root, c.nodeID))

	require.NoError(t, c.front.DeleteFile(ctx, u))
	_, err := c.store.FileUUIDForPath(ctx, "ghost.txt", nil)
	assert.ErrorIs(t, err, metadata.ErrNoSuchFile)
}

func TestUploadFile_DuplicateName(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	_, err := c.front.UploadFile(ctx, "same.txt", c.root, []byte("one"))
	require.NoError(t, err)

	_, err = c.front.UploadFile(ctx, "same.txt", c.root, []byte("two"))
	assert.ErrorIs(t, err, metadata.ErrFileExists)
}
