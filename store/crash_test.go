package store

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/cubdb-go/cubdb/node"
)

// Test_Open_RecoversLastGoodHeaderAfterTruncatedWrite simulates scenario
// S5: a crash mid-write leaves a torn, unterminated tail after the last
// successful commit. Reopening the file must still find the last good
// header and must never hand back the torn tail as if it were valid.
func Test_Open_RecoversLastGoodHeaderAfterTruncatedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.cub")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	firstHeaderOffset, err := s.Append(makeHeaderFrame(t, 111, 1, 0))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// A second transaction starts appending a node but crashes before its
	// header frame is written: only a torn, incomplete tail lands on
	// disk.
	if _, err := s.Append([]byte{0x01, 0x00, 0x00}); err != nil {
		t.Fatalf("Append (torn tail): %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	off, hdr, ok, err := reopened.LatestHeader()
	if err != nil {
		t.Fatalf("LatestHeader: %v", err)
	}
	if !ok {
		t.Fatal("expected the last good header to still be found after a torn tail")
	}
	if off != uint64(firstHeaderOffset) {
		t.Fatalf("expected the recovered header to be the last good commit at %d, got %d", firstHeaderOffset, off)
	}
	if hdr.RootOffset != 111 || hdr.Size != 1 {
		t.Fatalf("unexpected recovered header: %+v", hdr)
	}
}

// Test_Open_EmptyFileHasNoHeader confirms a brand new file reports no
// recoverable header rather than erroring.
func Test_Open_EmptyFileHasNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.cub")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, _, ok, err := s.LatestHeader()
	if err != nil {
		t.Fatalf("LatestHeader: %v", err)
	}
	if ok {
		t.Fatal("expected no header in a brand new file")
	}
}

// Test_LatestHeader_RejectsForgedLengthWithoutOverAllocating covers a
// scan candidate whose tag byte happens to equal TypeHeader but whose
// declared payload length is enormous. The backward scan must reject it
// from the fixed-size envelope check alone and fall back to the last
// good header, never attempting to read a length derived from that
// untrusted field.
func Test_LatestHeader_RejectsForgedLengthWithoutOverAllocating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.cub")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	goodOffset, err := s.Append(makeHeaderFrame(t, 7, 1, 0))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	forged := make([]byte, node.HeaderFrameSize)
	forged[0] = byte(node.TypeHeader)
	binary.BigEndian.PutUint32(forged[1:5], 0x7ffffff0)
	if _, err := s.Append(forged); err != nil {
		t.Fatalf("Append (forged candidate): %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	off, hdr, ok, err := s.LatestHeader()
	if err != nil {
		t.Fatalf("LatestHeader: %v", err)
	}
	if !ok {
		t.Fatal("expected the scan to still find the last good header")
	}
	if off != uint64(goodOffset) {
		t.Fatalf("expected recovered offset %d, got %d", goodOffset, off)
	}
	if hdr.RootOffset != 7 {
		t.Fatalf("unexpected recovered header: %+v", hdr)
	}
}

// makeHeaderFrame builds a standalone, well-formed header frame without
// going through the btree package, so the store test stays independent
// of the tree's own commit path.
func makeHeaderFrame(t *testing.T, rootOffset, size, dirt uint64) []byte {
	t.Helper()
	return node.EncodeHeader(node.Header{RootOffset: rootOffset, Size: size, Dirt: dirt})
}
