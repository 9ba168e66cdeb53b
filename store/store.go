// Package store implements the append-only block device each data file
// is built on: allocate by appending, read at an arbitrary offset, sync,
// and recover the latest committed header on reopen.
package store

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cubdb-go/cubdb/node"
)

// IoError wraps a filesystem fault, per the engine's error taxonomy.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// DefaultHeaderScanWindow bounds how far back from end-of-file the store
// will look for a valid header on Open, so recovery cost stays bounded
// even when a large uncommitted tail (from an insert with commit=false,
// or a crash mid-write) follows the last good header.
const DefaultHeaderScanWindow = 64 << 20 // 64 MiB

// Store is the append-only byte log backing one B-tree file. Appends are
// serialized internally; reads never block on an append in progress.
type Store struct {
	path   string
	f      *os.File
	length atomic.Int64
	appendMu sync.Mutex

	// ScanWindow overrides DefaultHeaderScanWindow for LatestHeader; 0
	// means unbounded (scan the whole file).
	ScanWindow int64
}

// Open creates the file if absent and positions the in-memory length at
// the file's current size.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &IoError{Op: "open", Path: path, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IoError{Op: "stat", Path: path, Err: err}
	}
	s := &Store{path: path, f: f, ScanWindow: DefaultHeaderScanWindow}
	s.length.Store(fi.Size())
	return s, nil
}

// Path returns the file path this store was opened with.
func (s *Store) Path() string { return s.path }

// Length returns the current logical end-of-file offset.
func (s *Store) Length() int64 { return s.length.Load() }

// Append writes data at the current end of file and returns the offset
// where writing began. Not durable until Sync.
func (s *Store) Append(data []byte) (int64, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	off := s.length.Load()
	if _, err := s.f.WriteAt(data, off); err != nil {
		return 0, &IoError{Op: "append", Path: s.path, Err: err}
	}
	s.length.Store(off + int64(len(data)))
	return off, nil
}

// ReadAt performs a random, concurrency-safe read of length bytes at
// offset.
func (s *Store) ReadAt(offset int64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && n < length {
		return nil, &IoError{Op: "read_at", Path: s.path, Err: err}
	}
	return buf, nil
}

// Sync flushes OS buffers for this file.
func (s *Store) Sync() error {
	if err := s.f.Sync(); err != nil {
		return &IoError{Op: "sync", Path: s.path, Err: err}
	}
	return nil
}

// Close releases the underlying file descriptor.
func (s *Store) Close() error {
	return s.f.Close()
}

// ReadNode fetches and decodes the node at offset. payloadLen is bounded
// by node.MaxPayloadSize before it is ever used to size a read, so a
// corrupt length prefix on a trusted (tree-pointer-derived) offset can't
// force an oversized allocation.
func (s *Store) ReadNode(offset uint64) (*node.Node, error) {
	prefix, err := s.ReadAt(int64(offset), 5)
	if err != nil {
		return nil, err
	}
	tag, payloadLen, err := node.DecodeEnvelope(prefix)
	if err != nil {
		return nil, err
	}
	_ = tag
	if payloadLen > node.MaxPayloadSize {
		return nil, &node.ErrCorrupt{Offset: offset, Reason: "payload length exceeds maximum frame size"}
	}
	rest, err := s.ReadAt(int64(offset)+5, int(payloadLen)+4)
	if err != nil {
		return nil, err
	}
	return node.Decode(offset, prefix, rest)
}

// LatestHeader scans backward from end-of-file, trying every byte offset
// in turn, for the nearest valid, checksummed header. Returns ok=false if
// the file holds no valid header (a brand new, empty file).
//
// Unlike ReadNode, the scan never decodes an arbitrary frame: every
// candidate offset is read as a single fixed HeaderFrameSize block, and
// its envelope is checked against the header tag and exact header
// payload size before node.Decode ever runs. A stray byte elsewhere in
// the file that happens to equal TypeHeader, with a length field that
// claims gigabytes of payload, is rejected from that 5-byte prefix
// alone and never causes a larger read.
func (s *Store) LatestHeader() (offset uint64, hdr node.Header, ok bool, err error) {
	length := s.Length()
	if length < node.HeaderFrameSize {
		return 0, node.Header{}, false, nil
	}

	window := s.ScanWindow
	if window <= 0 || window > length {
		window = length
	}
	floor := length - window

	for off := length - node.HeaderFrameSize; off >= floor; off-- {
		h, candidateOK, derr := s.readHeaderCandidate(off)
		if derr == nil && candidateOK {
			return uint64(off), h, true, nil
		}
		if off == 0 {
			break
		}
	}
	return 0, node.Header{}, false, nil
}

// readHeaderCandidate reads exactly HeaderFrameSize bytes at off and
// accepts them only if the envelope's tag is TypeHeader and its declared
// payload length is exactly HeaderPayloadSize, before the checksum in
// node.Decode is ever checked. The read size is fixed regardless of
// what the candidate bytes contain.
func (s *Store) readHeaderCandidate(off int64) (node.Header, bool, error) {
	buf, err := s.ReadAt(off, node.HeaderFrameSize)
	if err != nil {
		return node.Header{}, false, err
	}
	tag, payloadLen, err := node.DecodeEnvelope(buf[:5])
	if err != nil {
		return node.Header{}, false, nil
	}
	if tag != node.TypeHeader || payloadLen != node.HeaderPayloadSize {
		return node.Header{}, false, nil
	}
	n, err := node.Decode(uint64(off), buf[:5], buf[5:])
	if err != nil {
		return node.Header{}, false, nil
	}
	return n.Header, true, nil
}
