// Package sftpd serves the front node's namespace over SFTP. The SSH
// transport comes from golang.org/x/crypto/ssh; the SFTP subsystem (protocol
// version 3) is implemented here directly, since handles and directory-read
// state map straight onto front-node concepts.
package sftpd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SFTP protocol version served. Version 3 is what OpenSSH speaks by default.
const protocolVersion = 3

// Packet types, from draft-ietf-secsh-filexfer-02.
const (
	fxpInit     = 1
	fxpVersion  = 2
	fxpOpen     = 3
	fxpClose    = 4
	fxpRead     = 5
	fxpWrite    = 6
	fxpLstat    = 7
	fxpFstat    = 8
	fxpSetstat  = 9
	fxpFsetstat = 10
	fxpOpendir  = 11
	fxpReaddir  = 12
	fxpRemove   = 13
	fxpMkdir    = 14
	fxpRmdir    = 15
	fxpRealpath = 16
	fxpStat     = 17
	fxpRename   = 18

	fxpStatus = 101
	fxpHandle = 102
	fxpData   = 103
	fxpName   = 104
	fxpAttrs  = 105
)

// Status codes.
const (
	statusOK            = 0
	statusEOF           = 1
	statusNoSuchFile    = 2
	statusPermissionDen = 3
	statusFailure       = 4
	statusBadMessage    = 5
	statusOpUnsupported = 8
)

// Open pflags.
const (
	pflagRead   = 0x01
	pflagWrite  = 0x02
	pflagAppend = 0x04
	pflagCreate = 0x08
	pflagTrunc  = 0x10
	pflagExcl   = 0x20
)

// Attribute presence flags.
const (
	attrSize        = 0x01
	attrUIDGID      = 0x02
	attrPermissions = 0x04
	attrACModTime   = 0x08
)

// Permission bits reported until the schema carries real modes.
const (
	permDirectory = 0o040777
	permFile      = 0o100777
)

// maxPacketSize caps a single SFTP packet. Writes larger than the usual
// 32KiB client chunking still fit comfortably.
const maxPacketSize = 1 << 20

// statusError aborts handling of one request with an SFTP status code. The
// session turns it into a STATUS reply.
type statusError struct {
	code uint32
	msg  string
}

func (e *statusError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	switch e.code {
	case statusEOF:
		return "end of file"
	case statusNoSuchFile:
		return "no such file"
	case statusPermissionDen:
		return "permission denied"
	case statusBadMessage:
		return "bad message"
	case statusOpUnsupported:
		return "operation unsupported"
	default:
		return "failure"
	}
}

var (
	errEOF        = &statusError{code: statusEOF}
	errNoSuchFile = &statusError{code: statusNoSuchFile}
	errFailure    = &statusError{code: statusFailure}
	errBadMessage = &statusError{code: statusBadMessage}
)

// readPacket reads one length-prefixed SFTP packet: type byte plus body.
func readPacket(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("zero-length sftp packet")
	}
	if length > maxPacketSize {
		return 0, nil, fmt.Errorf("sftp packet of %d bytes exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// writePacket frames and sends one packet.
func writePacket(w io.Writer, packetType byte, body []byte) error {
	frame := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(1+len(body)))
	frame[4] = packetType
	copy(frame[5:], body)

	_, err := w.Write(frame)
	return err
}

// pktReader consumes the fields of a packet body in order.
type pktReader struct {
	buf []byte
}

func (p *pktReader) uint32() (uint32, error) {
	if len(p.buf) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(p.buf[:4])
	p.buf = p.buf[4:]
	return v, nil
}

func (p *pktReader) uint64() (uint64, error) {
	if len(p.buf) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(p.buf[:8])
	p.buf = p.buf[8:]
	return v, nil
}

func (p *pktReader) bytes() ([]byte, error) {
	n, err := p.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(len(p.buf)) < uint64(n) {
		return nil, io.ErrUnexpectedEOF
	}
	v := p.buf[:n]
	p.buf = p.buf[n:]
	return v, nil
}

func (p *pktReader) string() (string, error) {
	b, err := p.bytes()
	return string(b), err
}

// attrs skips an encoded attribute block, returning the permission bits if
// present. The adapter ignores client-supplied attributes otherwise.
func (p *pktReader) attrs() (perms uint32, err error) {
	flags, err := p.uint32()
	if err != nil {
		return 0, err
	}
	if flags&attrSize != 0 {
		if _, err := p.uint64(); err != nil {
			return 0, err
		}
	}
	if flags&attrUIDGID != 0 {
		if _, err := p.uint32(); err != nil {
			return 0, err
		}
		if _, err := p.uint32(); err != nil {
			return 0, err
		}
	}
	if flags&attrPermissions != 0 {
		if perms, err = p.uint32(); err != nil {
			return 0, err
		}
	}
	if flags&attrACModTime != 0 {
		if _, err := p.uint32(); err != nil {
			return 0, err
		}
		if _, err := p.uint32(); err != nil {
			return 0, err
		}
	}
	return perms, nil
}

// pktWriter builds a packet body field by field.
type pktWriter struct {
	buf []byte
}

func (p *pktWriter) uint32(v uint32) *pktWriter {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	p.buf = append(p.buf, b[:]...)
	return p
}

func (p *pktWriter) uint64(v uint64) *pktWriter {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	p.buf = append(p.buf, b[:]...)
	return p
}

func (p *pktWriter) bytes(v []byte) *pktWriter {
	p.uint32(uint32(len(v)))
	p.buf = append(p.buf, v...)
	return p
}

func (p *pktWriter) string(v string) *pktWriter {
	return p.bytes([]byte(v))
}

// permAttrs appends an attribute block carrying only permission bits.
func (p *pktWriter) permAttrs(perms uint32) *pktWriter {
	p.uint32(attrPermissions)
	p.uint32(perms)
	return p
}
