// Package front ties the namespace store and the storage-node links into
// the front node's file operations. The HTTP and SFTP surfaces both sit on
// top of this package.
package front

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quiltfs/quiltfs/internal/telemetry"
	"github.com/quiltfs/quiltfs/pkg/front/link"
	"github.com/quiltfs/quiltfs/pkg/front/metadata"
	"github.com/quiltfs/quiltfs/pkg/wire"
)

// ErrNotConnectedToNode is returned when the node storing a file is known
// but has no active link right now. Distinct from metadata.ErrUnknownUUID:
// the file exists, its node is just unreachable.
var ErrNotConnectedToNode = errors.New("not connected to the storage node holding this file")

// UnexpectedResponseError reports a storage node answering with the wrong
// message kind. Treated as an internal error, never shown as a user error.
type UnexpectedResponseError struct {
	Kind wire.Kind
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response from storage node: %s", e.Kind)
}

// RemoteError carries an Error reply from a storage node.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("storage node error: %s", e.Msg)
}

// Node is the front node: the metadata store plus the connection manager.
type Node struct {
	store   *metadata.Store
	manager *link.Manager
}

// New assembles a front node from its two halves.
func New(store *metadata.Store, manager *link.Manager) *Node {
	return &Node{store: store, manager: manager}
}

// Store exposes the namespace store for surfaces that only need resolution
// and listing.
func (n *Node) Store() *metadata.Store { return n.store }

// Manager exposes the connection manager, for health reporting.
func (n *Node) Manager() *link.Manager { return n.manager }

// GetFile fetches a file's bytes from the node storing it.
func (n *Node) GetFile(ctx context.Context, u uuid.UUID) ([]byte, metadata.FileLocation, error) {
	ctx, span := telemetry.StartSpan(ctx, "front.GetFile",
		trace.WithAttributes(attribute.String("file.uuid", u.String())))
	defer span.End()

	loc, err := n.store.FileLocation(ctx, u)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, metadata.FileLocation{}, err
	}

	l, ok := n.manager.Lookup(loc.NodeID)
	if !ok {
		telemetry.RecordError(span, ErrNotConnectedToNode)
		return nil, loc, ErrNotConnectedToNode
	}

	reply, err := l.Communicate(ctx, wire.ReadFile(u))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, loc, err
	}

	switch reply.Kind {
	case wire.KindFileContents:
		return reply.Payload, loc, nil
	case wire.KindError:
		err = &RemoteError{Msg: reply.ErrMsg}
	default:
		err = &UnexpectedResponseError{Kind: reply.Kind}
	}
	telemetry.RecordError(span, err)
	return nil, loc, err
}

// GetFileByPath resolves path against base and fetches the file.
func (n *Node) GetFileByPath(ctx context.Context, path string, base *metadata.DirectoryID) ([]byte, uuid.UUID, metadata.FileLocation, error) {
	u, err := n.store.FileUUIDForPath(ctx, path, base)
	if err != nil {
		return nil, uuid.Nil, metadata.FileLocation{}, err
	}

	data, loc, err := n.GetFile(ctx, u)
	return data, u, loc, err
}

// UploadFile stores data as a new file named name in dir: generate a v7
// UUID, ship the blob to a node chosen by the placement policy, then insert
// the metadata row. If the insert fails after the blob was written the blob
// is orphaned on the node; the namespace stays consistent.
func (n *Node) UploadFile(ctx context.Context, name string, dir metadata.DirectoryID, data []byte) (uuid.UUID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid: %w", err)
	}
	return u, n.UploadFileWithUUID(ctx, u, name, dir, data)
}

// UploadFileWithUUID is UploadFile for callers that minted the UUID earlier,
// such as an SFTP handle opened with CREATE. Blob first, then metadata.
func (n *Node) UploadFileWithUUID(ctx context.Context, u uuid.UUID, name string, dir metadata.DirectoryID, data []byte) error {
	ctx, span := telemetry.StartSpan(ctx, "front.UploadFile",
		trace.WithAttributes(
			attribute.String("file.name", name),
			attribute.Int("file.size", len(data)),
		))
	defer span.End()

	nodeID, l, err := n.manager.PickNode(link.UploadFileInfo{DataLength: len(data)})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if err := n.expectAck(ctx, l, wire.WriteFile(u, data)); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if err := n.store.InsertFile(ctx, u, name, dir, nodeID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// WriteFileContents replaces the bytes of an existing file on the node that
// stores it.
func (n *Node) WriteFileContents(ctx context.Context, u uuid.UUID, data []byte) error {
	ctx, span := telemetry.StartSpan(ctx, "front.WriteFileContents",
		trace.WithAttributes(
			attribute.String("file.uuid", u.String()),
			attribute.Int("file.size", len(data)),
		))
	defer span.End()

	loc, err := n.store.FileLocation(ctx, u)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	l, ok := n.manager.Lookup(loc.NodeID)
	if !ok {
		telemetry.RecordError(span, ErrNotConnectedToNode)
		return ErrNotConnectedToNode
	}

	if err := n.expectAck(ctx, l, wire.WriteFile(u, data)); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// DeleteFile removes a file's blob and then its metadata row. A blob the
// storage node no longer has does not block removing the row.
func (n *Node) DeleteFile(ctx context.Context, u uuid.UUID) error {
	ctx, span := telemetry.StartSpan(ctx, "front.DeleteFile",
		trace.WithAttributes(attribute.String("file.uuid", u.String())))
	defer span.End()

	loc, err := n.store.FileLocation(ctx, u)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	l, ok := n.manager.Lookup(loc.NodeID)
	if !ok {
		telemetry.RecordError(span, ErrNotConnectedToNode)
		return ErrNotConnectedToNode
	}

	err = n.expectAck(ctx, l, wire.DeleteFile(u))
	var remote *RemoteError
	if err != nil && !errors.As(err, &remote) {
		telemetry.RecordError(span, err)
		return err
	}

	if err := n.store.DeleteFile(ctx, u); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// expectAck sends msg and requires an Ack back.
func (n *Node) expectAck(ctx context.Context, l *link.Link, msg wire.Message) error {
	reply, err := l.Communicate(ctx, msg)
	if err != nil {
		return err
	}
	switch reply.Kind {
	case wire.KindAck:
		return nil
	case wire.KindError:
		return &RemoteError{Msg: reply.ErrMsg}
	default:
		return &UnexpectedResponseError{Kind: reply.Kind}
	}
}
