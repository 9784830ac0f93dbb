package files

import (
	"os"
)

// IsFile reports whether path is a regular file. Symlinks are not followed,
// and any stat error counts as absent.
func IsFile(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// IsDir reports whether path is a directory, without following symlinks.
func IsDir(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

func IsSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}

// Relink points link at target, replacing a previous symlink at link.
// Anything at link that is not a symlink is left alone and reported as an error.
func Relink(target, link string) error {
	if IsSymlink(link) {
		if err := os.Remove(link); err != nil {
			return err
		}
	}
	return os.Symlink(target, link)
}
