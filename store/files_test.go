package store

import (
	"os"
	"testing"
)

func Test_FileName_ParseFileID_RoundTrip(t *testing.T) {
	name := FileName(0xABCD, CommittedExt)
	if name != "0000abcd.cub" {
		t.Fatalf("unexpected file name %q", name)
	}
	id, ok := ParseFileID(name)
	if !ok || id != 0xABCD {
		t.Fatalf("expected round trip to 0xABCD, got %d ok=%v", id, ok)
	}
}

func Test_Directory_NextID_SkipsBothExtensions(t *testing.T) {
	dir, err := NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	id, err := dir.NextID()
	if err != nil || id != 0 {
		t.Fatalf("expected 0 on an empty directory, got %d err=%v", id, err)
	}

	os.WriteFile(dir.Path(0, CommittedExt), nil, 0o644)
	os.WriteFile(dir.Path(3, CompactingExt), nil, 0o644)

	id, err = dir.NextID()
	if err != nil || id != 4 {
		t.Fatalf("expected NextID to skip past the highest id across both extensions (4), got %d err=%v", id, err)
	}
}

func Test_Directory_Latest_PicksHighestCommitted(t *testing.T) {
	dir, err := NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	if _, _, ok, err := dir.Latest(); err != nil || ok {
		t.Fatalf("expected no committed files yet, ok=%v err=%v", ok, err)
	}

	os.WriteFile(dir.Path(0, CommittedExt), nil, 0o644)
	os.WriteFile(dir.Path(2, CommittedExt), nil, 0o644)
	os.WriteFile(dir.Path(1, CommittedExt), nil, 0o644)
	os.WriteFile(dir.Path(5, CompactingExt), nil, 0o644) // in-progress, must be ignored

	id, path, ok, err := dir.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !ok || id != 2 {
		t.Fatalf("expected the latest committed file to be id 2, got %d ok=%v", id, ok)
	}
	if path != dir.Path(2, CommittedExt) {
		t.Fatalf("unexpected path %q", path)
	}
}

func Test_Directory_Remove_MissingFileIsNotAnError(t *testing.T) {
	dir, err := NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	if err := dir.Remove(99, CommittedExt); err != nil {
		t.Fatalf("expected removing a missing file to be a no-op, got %v", err)
	}
}
