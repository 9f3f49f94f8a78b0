package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltfs/quiltfs/pkg/front"
	"github.com/quiltfs/quiltfs/pkg/front/link"
	"github.com/quiltfs/quiltfs/pkg/front/metadata"
	"github.com/quiltfs/quiltfs/pkg/storagenode"
)

func startAPI(t *testing.T) (*httptest.Server, *metadata.Store, metadata.DirectoryID) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	blobNode, err := storagenode.New(t.TempDir())
	require.NoError(t, err)
	nodeServer := storagenode.NewServer(blobNode, storagenode.ServerConfig{Addr: "127.0.0.1:0", Version: "test"})
	go func() { _ = nodeServer.Serve(ctx) }()
	require.Eventually(t, func() bool { return nodeServer.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

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
		ID: nodeID, Name: "shelf-1", Addr: nodeServer.Addr(), Timeout: 2 * time.Second,
	}}, link.ManagerOptions{})
	require.Eventually(t, func() bool {
		_, ok := manager.Lookup(nodeID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	node := front.New(store, manager)
	api := httptest.NewServer(NewRouter(node, Info{Name: "quiltfs", Binary: "quiltfs", Version: "0.1.0"}))
	t.Cleanup(api.Close)

	return api, store, root
}

func TestVersionEndpoint(t *testing.T) {
	api, _, _ := startAPI(t)

	resp, err := http.Get(api.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "quiltfs quiltfs 0.1.0", string(body))
}

func TestUploadThenGetByPath(t *testing.T) {
	api, store, root := startAPI(t)
	ctx := context.Background()

	// Build a/b so the upload parent exists.
	a, err := store.CreateDirectory(ctx, root, "a")
	require.NoError(t, err)
	_, err = store.CreateDirectory(ctx, a, "b")
	require.NoError(t, err)

	resp, err := http.Post(api.URL+"/upload/file-by-path/a/b/x.txt", "application/octet-stream", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	uploadUUID := resp.Header.Get("X-File-UUID")
	require.NotEmpty(t, uploadUUID)
	_, err = uuid.Parse(uploadUUID)
	require.NoError(t, err)

	get, err := http.Get(api.URL + "/get/file-by-path/a/b/x.txt")
	require.NoError(t, err)
	defer get.Body.Close()

	body, _ := io.ReadAll(get.Body)
	assert.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, uploadUUID, get.Header.Get("X-File-UUID"))
	assert.Equal(t, "shelf-1", get.Header.Get("X-Node-Name"))
}

func TestUpload_MissingParent(t *testing.T) {
	api, _, _ := startAPI(t)

	resp, err := http.Post(api.URL+"/upload/file-by-path/nope/x", "application/octet-stream", strings.NewReader("q"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "no such directory")
}

func TestGet_MissingFile(t *testing.T) {
	api, _, _ := startAPI(t)

	resp, err := http.Get(api.URL + "/get/file-by-path/absent.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateDirectoryAndList(t *testing.T) {
	api, _, _ := startAPI(t)

	resp, err := http.Post(api.URL+"/create/directory-by-path/docs", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Creating under the fresh directory works too.
	resp, err = http.Post(api.URL+"/create/directory-by-path/docs/reports", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Missing parent is a 404.
	resp, err = http.Post(api.URL+"/create/directory-by-path/ghost/child", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Root listing shows docs; docs listing shows reports.
	var listing struct {
		Files [][2]any `json:"file_uuids_and_names"`
		Dirs  [][2]any `json:"directory_ids_and_names"`
	}

	resp, err = http.Get(api.URL + "/list-directory")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Dirs, 1)
	assert.Equal(t, "docs", listing.Dirs[0][1])

	resp, err = http.Get(api.URL + "/list-directory/docs")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Dirs, 1)
	assert.Equal(t, "reports", listing.Dirs[0][1])
	assert.Empty(t, listing.Files)
}

func TestListDirectory_WithFiles(t *testing.T) {
	api, _, _ := startAPI(t)

	resp, err := http.Post(api.URL+"/upload/file-by-path/top.txt", "application/octet-stream", strings.NewReader("contents"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fileUUID := resp.Header.Get("X-File-UUID")

	var listing struct {
		Files [][2]any `json:"file_uuids_and_names"`
	}
	resp, err = http.Get(api.URL + "/list-directory")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()

	require.Len(t, listing.Files, 1)
	assert.Equal(t, fileUUID, listing.Files[0][0])
	assert.Equal(t, "top.txt", listing.Files[0][1])
}

func TestDeleteFileByPath(t *testing.T) {
	api, _, _ := startAPI(t)

	resp, err := http.Post(api.URL+"/upload/file-by-path/doomed.txt", "application/octet-stream", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(api.URL+"/delete/file-by-path/doomed.txt", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(api.URL + "/get/file-by-path/doomed.txt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Deleting again is a 404.
	resp, err = http.Post(api.URL+"/delete/file-by-path/doomed.txt", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	api, _, _ := startAPI(t)

	resp, err := http.Get(api.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string          `json:"status"`
		Nodes  map[string]bool `json:"storage_nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Nodes["shelf-1"])
}
