package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	// CommittedExt names a data file that holds a committed tree:
	// readable, and the one startup picks the lexicographically-last of.
	CommittedExt = ".cub"
	// CompactingExt names a compaction's target file while it is still
	// being built; renamed to CommittedExt only once the compaction
	// commits successfully.
	CompactingExt = ".compact"
)

// FileName renders a file id (a monotonically increasing counter) as the
// hex-named file cubdb uses on disk.
func FileName(id uint32, ext string) string {
	return fmt.Sprintf("%08x%s", id, ext)
}

// ParseFileID extracts the hex id from a name produced by FileName. It
// ignores the extension.
func ParseFileID(name string) (uint32, bool) {
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	n, err := strconv.ParseUint(base, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Directory lists and classifies the data files under dir.
type Directory struct {
	Dir string
}

// NewDirectory ensures dir exists and returns a handle onto it.
func NewDirectory(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IoError{Op: "mkdir", Path: dir, Err: err}
	}
	return &Directory{Dir: dir}, nil
}

// Committed returns every *.cub file id present, sorted ascending.
func (d *Directory) Committed() ([]uint32, error) {
	return d.listExt(CommittedExt)
}

// Compacting returns every *.compact file id present, sorted ascending.
func (d *Directory) Compacting() ([]uint32, error) {
	return d.listExt(CompactingExt)
}

func (d *Directory) listExt(ext string) ([]uint32, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, &IoError{Op: "readdir", Path: d.Dir, Err: err}
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		id, ok := ParseFileID(e.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Latest returns the lexicographically-last (i.e. numerically greatest,
// since names share a fixed width) committed file id, if any.
func (d *Directory) Latest() (id uint32, path string, ok bool, err error) {
	ids, err := d.Committed()
	if err != nil {
		return 0, "", false, err
	}
	if len(ids) == 0 {
		return 0, "", false, nil
	}
	last := ids[len(ids)-1]
	return last, d.Path(last, CommittedExt), true, nil
}

// Path builds the full path for a file id and extension under dir.
func (d *Directory) Path(id uint32, ext string) string {
	return filepath.Join(d.Dir, FileName(id, ext))
}

// NextID returns one past the greatest id currently present among either
// extension, so a freshly created file never collides with an existing
// one (including in-flight compaction targets).
func (d *Directory) NextID() (uint32, error) {
	cub, err := d.Committed()
	if err != nil {
		return 0, err
	}
	compact, err := d.Compacting()
	if err != nil {
		return 0, err
	}
	var max uint32
	seen := false
	for _, id := range cub {
		if !seen || id > max {
			max, seen = id, true
		}
	}
	for _, id := range compact {
		if !seen || id > max {
			max, seen = id, true
		}
	}
	if !seen {
		return 0, nil
	}
	return max + 1, nil
}

// Remove deletes the file for id/ext. Missing files are not an error:
// cleanup races against itself harmlessly.
func (d *Directory) Remove(id uint32, ext string) error {
	err := os.Remove(d.Path(id, ext))
	if err != nil && !os.IsNotExist(err) {
		return &IoError{Op: "remove", Path: d.Path(id, ext), Err: err}
	}
	return nil
}
