package store

import (
	"errors"
	"io/fs"
	"os"

	"github.com/r0bb10/ornament-node/internal/fault"
)

// WriteFileAtomic writes data to <path>.tmp, syncs it and renames it over path.
// On any failure the temp file is removed and path is left untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fault.NewStorage("create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fault.NewStorage("write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fault.NewStorage("sync temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fault.NewStorage("close temp file", err)
	}
	return ReplaceFile(tmp, path)
}

// ReplaceFile moves a completely written temp file over target. Filesystems that
// refuse to rename over an existing file get the target removed first. The temp
// file never outlives the call.
func ReplaceFile(tmp, target string) error {
	if err := os.Rename(tmp, target); err == nil {
		return nil
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp)
		return fault.NewStorage("remove "+target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fault.NewStorage("rename "+tmp, err)
	}
	return nil
}
