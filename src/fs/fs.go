// Package fs provides various filesystem helpers.
package fs

import (
	"io"
	"os"
	"path/filepath"
)

// DirPermissions are the default permission bits we apply to directories.
const DirPermissions = os.ModeDir | 0775

// EnsureDir ensures that the directory of the given file has been created.
func EnsureDir(filename string) error {
	return os.MkdirAll(filepath.Dir(filename), DirPermissions)
}

// PathExists returns true if the given path exists, as a file or a directory.
func PathExists(filename string) bool {
	_, err := os.Lstat(filename)
	return err == nil
}

// FileExists returns true if the given path exists and is a file.
func FileExists(filename string) bool {
	info, err := os.Lstat(filename)
	return err == nil && !info.IsDir()
}

// IsDirectory returns true if the given path exists and is a directory.
func IsDirectory(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && info.IsDir()
}

// FileSize returns the size of the given file, or 0 if it can't be determined.
func FileSize(filename string) uint64 {
	info, err := os.Stat(filename)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// CopyFile copies a file from 'from' to 'to', with an attempt to perform a copy & rename
// to avoid chaos if anything goes wrong partway.
func CopyFile(from string, to string, mode os.FileMode) error {
	fromFile, err := os.Open(from)
	if err != nil {
		return err
	}
	defer fromFile.Close()
	return WriteFile(fromFile, to, mode)
}

// WriteFile writes data from a reader to the file named 'to', with an attempt to perform
// a copy & rename to avoid chaos if anything goes wrong partway.
// Readers of 'to' see either the old contents or the new ones, never a partial file.
func WriteFile(fromFile io.Reader, to string, mode os.FileMode) error {
	dir, file := filepath.Split(to)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, "."+file+".tmp")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tempFile, fromFile); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return err
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return err
	}
	// OK, now file is written; adjust permissions appropriately.
	if mode == 0 {
		mode = 0664
	}
	if err := os.Chmod(tempFile.Name(), mode); err != nil {
		os.Remove(tempFile.Name())
		return err
	}
	// And move it to its final destination.
	return os.Rename(tempFile.Name(), to)
}

// ReplaceDir atomically replaces the directory 'to' with 'from', which must be on the same
// filesystem. Any existing contents of 'to' are removed.
func ReplaceDir(from, to string) error {
	if err := EnsureDir(to); err != nil {
		return err
	}
	if PathExists(to) {
		old := to + ".old"
		if err := os.RemoveAll(old); err != nil {
			return err
		}
		if err := os.Rename(to, old); err != nil {
			return err
		}
		defer os.RemoveAll(old)
	}
	return os.Rename(from, to)
}

// RemoveAll is like os.RemoveAll but returns the paths of the files that were removed.
func RemoveAll(path string) ([]string, error) {
	var removed []string
	if PathExists(path) {
		if err := Walk(path, func(name string, isDir bool) error {
			if !isDir {
				removed = append(removed, name)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return removed, os.RemoveAll(path)
}
