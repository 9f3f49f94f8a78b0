package sftpd

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/quiltfs/quiltfs/pkg/front/metadata"
)

// handle is what the adapter hands out from open/opendir: "f:<uuid>" for
// files, "d:<int>" for directories. Anything else fails to parse with
// BadMessage.
type handle struct {
	isFile bool
	file   uuid.UUID
	dir    metadata.DirectoryID
}

func fileHandle(u uuid.UUID) handle {
	return handle{isFile: true, file: u}
}

func dirHandle(id metadata.DirectoryID) handle {
	return handle{dir: id}
}

func (h handle) String() string {
	if h.isFile {
		return "f:" + h.file.String()
	}
	return "d:" + strconv.FormatInt(int64(h.dir), 10)
}

func parseHandle(s string) (handle, error) {
	suffix, ok := strings.CutPrefix(s, "f:")
	if ok {
		u, err := uuid.Parse(suffix)
		if err != nil {
			return handle{}, errBadMessage
		}
		return fileHandle(u), nil
	}

	suffix, ok = strings.CutPrefix(s, "d:")
	if ok {
		id, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			return handle{}, errBadMessage
		}
		return dirHandle(metadata.DirectoryID(id)), nil
	}

	return handle{}, errBadMessage
}
