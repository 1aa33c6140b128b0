package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"stash/internal/common"
)

// rename is swapped out in tests to simulate cross-device moves.
var rename = os.Rename

// CopyFile copies the contents of srcPath into a newly created destPath. A
// partially written destination is removed before the error is returned.
func CopyFile(srcPath string, destPath string) (err error) {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := destFile.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			if rmErr := os.Remove(destPath); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Debug("Failed to remove partial copy", "path", destPath, "err", rmErr)
			}
		}
	}()

	if _, err = destFile.ReadFrom(srcFile); err != nil {
		return err
	}
	return destFile.Sync()
}

// MoveFile renames srcPath to destPath. When the two live on different
// filesystems it falls back to copying the contents and removing the source.
// If that copy fails the source is left untouched.
func MoveFile(srcPath string, destPath string) error {
	err := rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if copyErr := CopyFile(srcPath, destPath); copyErr != nil {
		return fmt.Errorf("copy across devices: %w", copyErr)
	}

	// Best-effort cleanup of the source file; ignore ENOENT in case
	// something else already removed it.
	if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}

// Relocate moves tempPath to finalPath, creating parent directories. A rename
// is used when both paths share a filesystem; otherwise the file is copied and
// the source removed. When the copy fails the temporary file stays in place.
func Relocate(tempPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return common.Wrap(common.ErrIO, err, "create object dir")
	}

	if err := MoveFile(tempPath, finalPath); err != nil {
		return common.Wrap(common.ErrIO, err, "relocate upload")
	}
	return nil
}
