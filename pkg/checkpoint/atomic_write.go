package checkpoint

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteAtomic replaces filePath with data so that readers observe either the
// previous content or the new content, never a partial write.
func WriteAtomic(filePath string, data []byte) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmpFile.Name()

	cleanup := func(err error, msg string) error {
		tmpFile.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, msg)
	}

	if _, err := tmpFile.Write(data); err != nil {
		return cleanup(err, "failed to write to temp file")
	}
	if err := tmpFile.Sync(); err != nil {
		return cleanup(err, "failed to sync temp file")
	}
	if err := tmpFile.Chmod(0600); err != nil {
		return cleanup(err, "failed to set temp file mode")
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close temp file")
	}

	// rename(2) is atomic on POSIX filesystems
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename temp file to %s", filePath)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
