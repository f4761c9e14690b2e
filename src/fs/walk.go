package fs

import (
	"os"

	"github.com/karrick/godirwalk"
)

// SkipDir can be returned from a Walk callback on a directory to avoid descending into it.
var SkipDir = godirwalk.SkipThis

// Walk calls the callback for every file and directory beneath rootPath, including rootPath itself.
// Symlinks are reported as files and not followed. If rootPath is a file, only it is reported.
func Walk(rootPath string, callback func(name string, isDir bool) error) error {
	info, err := os.Lstat(rootPath)
	if err != nil {
		return err
	} else if !info.IsDir() {
		return callback(rootPath, false)
	}
	return godirwalk.Walk(rootPath, &godirwalk.Options{
		Unsorted: true,
		Callback: func(name string, de *godirwalk.Dirent) error {
			return callback(name, de.IsDir())
		},
	})
}

// DirSize returns the total size in bytes and number of files beneath a directory.
// A directory that doesn't exist is considered empty.
func DirSize(rootPath string) (size uint64, files int, err error) {
	if !PathExists(rootPath) {
		return 0, 0, nil
	}
	err = Walk(rootPath, func(name string, isDir bool) error {
		if !isDir {
			size += FileSize(name)
			files++
		}
		return nil
	})
	return size, files, err
}
