package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/front"
	"github.com/quiltfs/quiltfs/pkg/front/metadata"
)

type handlers struct {
	node *front.Node
	info Info
}

func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s %s %s", h.info.Name, h.info.Binary, h.info.Version)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status string          `json:"status"`
		Nodes  map[string]bool `json:"storage_nodes"`
	}{
		Status: "ok",
		Nodes:  h.node.Manager().ConnectedNodes(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getFileByPath(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	data, u, loc, err := h.node.GetFileByPath(r.Context(), path, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-File-UUID", u.String())
	w.Header().Set("X-Node-Name", loc.NodeName)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *handlers) uploadFileByPath(w http.ResponseWriter, r *http.Request) {
	fullPath := chi.URLParam(r, "*")
	dirPath, name := splitPath(fullPath)
	if name == "" {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}

	dir, err := h.node.Store().DirectoryIDForPath(r.Context(), dirPath, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	u, err := h.node.UploadFile(r.Context(), name, dir, body)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-File-UUID", u.String())
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "upload successful")
}

func (h *handlers) deleteFileByPath(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	u, err := h.node.Store().FileUUIDForPath(r.Context(), path, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.node.DeleteFile(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "delete successful")
}

func (h *handlers) createDirectoryByPath(w http.ResponseWriter, r *http.Request) {
	fullPath := chi.URLParam(r, "*")
	parentPath, name := splitPath(fullPath)
	if name == "" {
		http.Error(w, "missing directory name", http.StatusBadRequest)
		return
	}

	parent, err := h.node.Store().DirectoryIDForPath(r.Context(), parentPath, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.node.Store().CreateDirectory(r.Context(), parent, name); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "directory created")
}

func (h *handlers) listDirectory(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	dir, err := h.node.Store().DirectoryIDForPath(r.Context(), path, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	listing, err := h.node.Store().ListDirectory(r.Context(), dir)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := struct {
		Files [][2]any `json:"file_uuids_and_names"`
		Dirs  [][2]any `json:"directory_ids_and_names"`
	}{
		Files: make([][2]any, 0, len(listing.Files)),
		Dirs:  make([][2]any, 0, len(listing.Directories)),
	}
	for _, f := range listing.Files {
		resp.Files = append(resp.Files, [2]any{f.UUID.String(), f.Name})
	}
	for _, d := range listing.Directories {
		resp.Dirs = append(resp.Dirs, [2]any{int64(d.ID), d.Name})
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps core errors onto the HTTP contract: user errors are 404
// with a readable body, everything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	var noDir *metadata.NoSuchDirectoryError
	var noUser *metadata.NoSuchUserError

	switch {
	case errors.Is(err, metadata.ErrNoSuchFile),
		errors.Is(err, metadata.ErrUnknownUUID),
		errors.As(err, &noDir),
		errors.As(err, &noUser):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		logger.Error("Request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// splitPath splits "a/b/c.txt" into ("a/b", "c.txt").
func splitPath(path string) (dir, name string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}
