package sftpd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/front"
	"github.com/quiltfs/quiltfs/pkg/front/link"
	"github.com/quiltfs/quiltfs/pkg/front/metadata"
)

// dirReadState tracks readdir progress: a directory listing is emitted in
// one batch on the first readdir, and every readdir after that is EOF.
type dirReadState int

const (
	dirUnread dirReadState = iota
	dirRead
)

// openFile is the state behind an "f:" handle. Writes are buffered here and
// flushed when the handle closes; new files also remember where their
// metadata row should go.
type openFile struct {
	existing   bool
	name       string               // new files: name for the metadata row
	dir        metadata.DirectoryID // new files: parent directory
	appendMode bool
	loaded     bool // buf holds the current contents
	dirty      bool
	buf        []byte
}

// session handles one authenticated SFTP subsystem stream. Requests on a
// session are processed in order, so no locking is needed on its maps.
type session struct {
	node   *front.Node
	user   string
	remote string

	dirStatus map[metadata.DirectoryID]dirReadState
	files     map[uuid.UUID]*openFile
}

func newSession(node *front.Node, user, remote string) *session {
	return &session{
		node:      node,
		user:      user,
		remote:    remote,
		dirStatus: make(map[metadata.DirectoryID]dirReadState),
		files:     make(map[uuid.UUID]*openFile),
	}
}

// serve runs the packet loop until the stream ends.
func (s *session) serve(ctx context.Context, rw io.ReadWriter) {
	for {
		packetType, body, err := readPacket(rw)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("SFTP stream ended", "user", s.user, "remote", s.remote, "error", err)
			}
			return
		}

		if err := s.dispatch(ctx, rw, packetType, body); err != nil {
			logger.Debug("SFTP reply failed", "user", s.user, "remote", s.remote, "error", err)
			return
		}
	}
}

// dispatch handles one packet; the returned error is a transport write
// failure, which ends the session.
func (s *session) dispatch(ctx context.Context, w io.Writer, packetType byte, body []byte) error {
	p := &pktReader{buf: body}

	if packetType == fxpInit {
		reply := (&pktWriter{}).uint32(protocolVersion)
		return writePacket(w, fxpVersion, reply.buf)
	}

	id, err := p.uint32()
	if err != nil {
		// Can't even name the request; drop the session.
		return fmt.Errorf("request without an id")
	}

	handlerErr := func() error {
		switch packetType {
		case fxpRealpath:
			return s.realpath(w, id, p)
		case fxpOpendir:
			return s.opendir(ctx, w, id, p)
		case fxpReaddir:
			return s.readdir(ctx, w, id, p)
		case fxpOpen:
			return s.open(ctx, w, id, p)
		case fxpRead:
			return s.read(ctx, w, id, p)
		case fxpWrite:
			return s.write(ctx, w, id, p)
		case fxpClose:
			return s.close(ctx, w, id, p)
		case fxpStat, fxpLstat:
			return s.statPath(ctx, w, id, p)
		case fxpFstat:
			return s.fstat(w, id, p)
		case fxpRemove:
			return s.remove(ctx, w, id, p)
		case fxpMkdir:
			return s.mkdir(ctx, w, id, p)
		default:
			return errFailure
		}
	}()

	if handlerErr == nil {
		return nil
	}

	var status *statusError
	if !errors.As(handlerErr, &status) {
		// A write to the peer failed mid-reply.
		return handlerErr
	}
	return sendStatus(w, id, status)
}

// ----- replies -----

func sendStatus(w io.Writer, id uint32, status *statusError) error {
	reply := (&pktWriter{}).uint32(id).uint32(status.code).string(status.Error()).string("en")
	return writePacket(w, fxpStatus, reply.buf)
}

func sendOK(w io.Writer, id uint32) error {
	reply := (&pktWriter{}).uint32(id).uint32(statusOK).string("ok").string("en")
	return writePacket(w, fxpStatus, reply.buf)
}

func sendHandle(w io.Writer, id uint32, h handle) error {
	reply := (&pktWriter{}).uint32(id).string(h.String())
	return writePacket(w, fxpHandle, reply.buf)
}

func sendAttrs(w io.Writer, id uint32, perms uint32) error {
	reply := (&pktWriter{}).uint32(id).permAttrs(perms)
	return writePacket(w, fxpAttrs, reply.buf)
}

// ----- path resolution -----

// absolutize turns a client path into (base, relative): a leading slash
// means the root (nil base); otherwise the authenticated user's home
// directory, looked up per request.
func (s *session) absolutize(ctx context.Context, path string) (*metadata.DirectoryID, string, error) {
	absolute, normalized, err := splitAbsolute(path)
	if err != nil {
		return nil, "", err
	}
	if absolute {
		return nil, normalized, nil
	}

	home, err := s.node.Store().HomeForUser(ctx, s.user)
	if err != nil {
		logger.Error("No home directory for logged-in user", "user", s.user, "error", err)
		return nil, "", errFailure
	}
	return &home, normalized, nil
}

// handleFromPath resolves a path, preferring a directory over a file of the
// same name.
func (s *session) handleFromPath(ctx context.Context, path string) (handle, error) {
	base, rel, err := s.absolutize(ctx, path)
	if err != nil {
		return handle{}, err
	}

	dir, err := s.node.Store().DirectoryIDForPath(ctx, rel, base)
	if err == nil {
		return dirHandle(dir), nil
	}
	var noDir *metadata.NoSuchDirectoryError
	if !errors.As(err, &noDir) {
		logger.Error("Could not resolve directory", "path", rel, "error", err)
		return handle{}, errFailure
	}

	u, err := s.node.Store().FileUUIDForPath(ctx, rel, base)
	if err == nil {
		return fileHandle(u), nil
	}
	if !errors.Is(err, metadata.ErrNoSuchFile) && !errors.As(err, &noDir) {
		logger.Error("Could not resolve file", "path", rel, "error", err)
		return handle{}, errFailure
	}

	return handle{}, errNoSuchFile
}

// ----- operations -----

func (s *session) realpath(w io.Writer, id uint32, p *pktReader) error {
	path, err := p.string()
	if err != nil {
		return errBadMessage
	}

	absolute, normalized, err := splitAbsolute(path)
	if err != nil {
		return errBadMessage
	}

	canon := normalized
	if absolute {
		canon = "/" + normalized
	} else if canon == "" {
		canon = "."
	}

	reply := (&pktWriter{}).uint32(id).uint32(1).
		string(canon).string(canon).permAttrs(permDirectory)
	return writePacket(w, fxpName, reply.buf)
}

func (s *session) opendir(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	path, err := p.string()
	if err != nil {
		return errBadMessage
	}

	h, err := s.handleFromPath(ctx, path)
	if err != nil {
		return err
	}
	if h.isFile {
		return errNoSuchFile
	}

	s.dirStatus[h.dir] = dirUnread
	return sendHandle(w, id, h)
}

func (s *session) readdir(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	raw, err := p.string()
	if err != nil {
		return errBadMessage
	}
	h, err := parseHandle(raw)
	if err != nil || h.isFile {
		return errBadMessage
	}

	state, ok := s.dirStatus[h.dir]
	if !ok {
		logger.Warn("Listing unopened directory", "user", s.user, "handle", raw)
		return errBadMessage
	}
	if state == dirRead {
		return errEOF
	}
	s.dirStatus[h.dir] = dirRead

	listing, err := s.node.Store().ListDirectory(ctx, h.dir)
	if err != nil {
		logger.Error("Directory listing failed", "user", s.user, "error", err)
		return errFailure
	}

	reply := (&pktWriter{}).uint32(id).uint32(uint32(len(listing.Files) + len(listing.Directories)))
	for _, f := range listing.Files {
		reply.string(f.Name).string(longname(false, f.Name)).permAttrs(permFile)
	}
	for _, d := range listing.Directories {
		reply.string(d.Name).string(longname(true, d.Name)).permAttrs(permDirectory)
	}
	return writePacket(w, fxpName, reply.buf)
}

func (s *session) open(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	path, err := p.string()
	if err != nil {
		return errBadMessage
	}
	pflags, err := p.uint32()
	if err != nil {
		return errBadMessage
	}
	if _, err := p.attrs(); err != nil {
		return errBadMessage
	}

	var existing *uuid.UUID
	switch h, err := s.handleFromPath(ctx, path); {
	case err == nil && h.isFile:
		existing = &h.file
	case err == nil:
		// Directories cannot be opened as files; a CREATE here would shadow
		// the directory in every later lookup.
		return errFailure
	case errors.Is(err, errNoSuchFile):
	default:
		return err
	}

	var u uuid.UUID
	state := &openFile{appendMode: pflags&pflagAppend != 0}

	switch {
	case pflags&pflagCreate != 0 && existing != nil:
		if pflags&pflagExcl != 0 {
			logger.Debug("Open with CREATE+EXCL on existing file", "user", s.user, "path", path)
			return errFailure
		}
		u = *existing
		state.existing = true

	case pflags&pflagCreate != 0:
		// A new file: mint its UUID now, commit blob and metadata at close.
		base, rel, err := s.absolutize(ctx, path)
		if err != nil {
			return err
		}
		dirPath, name := splitRelPath(rel)
		if name == "" {
			return errBadMessage
		}
		dir, err := s.node.Store().DirectoryIDForPath(ctx, dirPath, base)
		if err != nil {
			return mapNodeError(err)
		}

		u, err = uuid.NewV7()
		if err != nil {
			return errFailure
		}
		state.name = name
		state.dir = dir
		state.loaded = true
		state.dirty = true

	case existing != nil:
		u = *existing
		state.existing = true

	default:
		logger.Debug("Open of non-existent file without CREATE", "user", s.user, "path", path)
		return errFailure
	}

	if state.existing && pflags&pflagTrunc != 0 {
		state.loaded = true
		state.dirty = true
	}

	s.files[u] = state
	return sendHandle(w, id, fileHandle(u))
}

func (s *session) read(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	raw, err := p.string()
	if err != nil {
		return errBadMessage
	}
	h, err := parseHandle(raw)
	if err != nil || !h.isFile {
		return errBadMessage
	}
	offset, err := p.uint64()
	if err != nil {
		return errBadMessage
	}
	length, err := p.uint32()
	if err != nil {
		return errBadMessage
	}

	data, _, err := s.node.GetFile(ctx, h.file)
	if err != nil {
		if errors.Is(err, front.ErrNotConnectedToNode) {
			logger.Warn("Could not read file; node not connected", "uuid", h.file)
		} else {
			logger.Error("Could not read file", "uuid", h.file, "error", err)
		}
		return errFailure
	}

	if offset >= uint64(len(data)) {
		return errEOF
	}
	data = data[offset:]
	if uint64(length) < uint64(len(data)) {
		data = data[:length]
	}

	reply := (&pktWriter{}).uint32(id).bytes(data)
	return writePacket(w, fxpData, reply.buf)
}

func (s *session) write(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	raw, err := p.string()
	if err != nil {
		return errBadMessage
	}
	h, err := parseHandle(raw)
	if err != nil || !h.isFile {
		return errBadMessage
	}
	offset, err := p.uint64()
	if err != nil {
		return errBadMessage
	}
	data, err := p.bytes()
	if err != nil {
		return errBadMessage
	}

	state, ok := s.files[h.file]
	if !ok {
		logger.Warn("Write on unopened handle", "user", s.user, "handle", raw)
		return errFailure
	}

	// Writes patch an in-memory copy of the file; the result ships to the
	// storage node when the handle closes.
	if !state.loaded {
		current, _, err := s.node.GetFile(ctx, h.file)
		if err != nil {
			logger.Error("Could not fetch file for writing", "uuid", h.file, "error", err)
			return errFailure
		}
		state.buf = current
		state.loaded = true
	}

	at := offset
	if state.appendMode {
		at = uint64(len(state.buf))
	}
	end := at + uint64(len(data))
	if end > uint64(len(state.buf)) {
		grown := make([]byte, end)
		copy(grown, state.buf)
		state.buf = grown
	}
	copy(state.buf[at:end], data)
	state.dirty = true

	return sendOK(w, id)
}

func (s *session) close(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	raw, err := p.string()
	if err != nil {
		return errBadMessage
	}
	h, err := parseHandle(raw)
	if err != nil {
		return errBadMessage
	}

	if !h.isFile {
		if _, ok := s.dirStatus[h.dir]; !ok {
			logger.Warn("Close of unopened directory", "user", s.user, "handle", raw)
			return errFailure
		}
		delete(s.dirStatus, h.dir)
		return sendOK(w, id)
	}

	state, ok := s.files[h.file]
	if !ok {
		logger.Warn("Close of unopened handle", "user", s.user, "handle", raw)
		return errFailure
	}
	delete(s.files, h.file)

	if state.dirty {
		if err := s.flush(ctx, h.file, state); err != nil {
			logger.Error("Flush on close failed", "uuid", h.file, "error", err)
			return errFailure
		}
	}
	return sendOK(w, id)
}

// flush commits buffered writes: existing files overwrite their blob in
// place, new files go through the upload path (blob first, then the
// metadata row).
func (s *session) flush(ctx context.Context, u uuid.UUID, state *openFile) error {
	if state.existing {
		return s.node.WriteFileContents(ctx, u, state.buf)
	}
	return s.node.UploadFileWithUUID(ctx, u, state.name, state.dir, state.buf)
}

func (s *session) statPath(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	path, err := p.string()
	if err != nil {
		return errBadMessage
	}

	h, err := s.handleFromPath(ctx, path)
	if err != nil {
		return err
	}
	return sendAttrs(w, id, handlePerms(h))
}

func (s *session) fstat(w io.Writer, id uint32, p *pktReader) error {
	raw, err := p.string()
	if err != nil {
		return errBadMessage
	}
	h, err := parseHandle(raw)
	if err != nil {
		return err
	}
	return sendAttrs(w, id, handlePerms(h))
}

func (s *session) remove(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	path, err := p.string()
	if err != nil {
		return errBadMessage
	}

	base, rel, err := s.absolutize(ctx, path)
	if err != nil {
		return err
	}

	u, err := s.node.Store().FileUUIDForPath(ctx, rel, base)
	if err != nil {
		return mapNodeError(err)
	}

	if err := s.node.DeleteFile(ctx, u); err != nil {
		logger.Error("Remove failed", "uuid", u, "error", err)
		return mapNodeError(err)
	}
	return sendOK(w, id)
}

func (s *session) mkdir(ctx context.Context, w io.Writer, id uint32, p *pktReader) error {
	path, err := p.string()
	if err != nil {
		return errBadMessage
	}
	if _, err := p.attrs(); err != nil {
		return errBadMessage
	}

	base, rel, err := s.absolutize(ctx, path)
	if err != nil {
		return err
	}

	dirPath, name := splitRelPath(rel)
	if name == "" {
		return errBadMessage
	}
	parent, err := s.node.Store().DirectoryIDForPath(ctx, dirPath, base)
	if err != nil {
		return mapNodeError(err)
	}

	if _, err := s.node.Store().CreateDirectory(ctx, parent, name); err != nil {
		return mapNodeError(err)
	}
	return sendOK(w, id)
}

// ----- helpers -----

func handlePerms(h handle) uint32 {
	if h.isFile {
		return permFile
	}
	return permDirectory
}

// mapNodeError folds core errors into SFTP status codes: user errors are
// NoSuchFile, everything else is Failure.
func mapNodeError(err error) *statusError {
	var noDir *metadata.NoSuchDirectoryError
	switch {
	case errors.Is(err, metadata.ErrNoSuchFile),
		errors.Is(err, metadata.ErrUnknownUUID),
		errors.As(err, &noDir):
		return errNoSuchFile
	case errors.Is(err, link.ErrClientDisconnected),
		errors.Is(err, front.ErrNotConnectedToNode):
		return errFailure
	default:
		return errFailure
	}
}

// splitRelPath splits a normalized relative path into parent and last
// segment.
func splitRelPath(path string) (dir, name string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}

// longname fabricates an ls-style line for NAME replies. Sizes and dates are
// not tracked in the schema, so they read as zero.
func longname(isDir bool, name string) string {
	kind := "-"
	if isDir {
		kind = "d"
	}
	return fmt.Sprintf("%srwxrwxrwx   1 quiltfs  quiltfs         0 Jan  1  1970 %s", kind, name)
}
