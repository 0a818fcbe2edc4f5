// Package artifact manages the model file the predictor serves from:
// atomic installation, content fingerprints and change notifications.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// Install replaces dst with src. Readers of dst observe either the old or
// the new content, never a partial file. src is consumed.
func Install(dst, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat new artifact: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("new artifact %s is a directory", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	err = os.Rename(src, dst)
	if err == nil {
		return syncDir(filepath.Dir(dst))
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("installing artifact: %w", err)
	}

	// Can't rename across filesystems: stage a copy next to dst first.
	tmp, err := copyToTemp(src, filepath.Dir(dst), info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("staging artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing artifact: %w", err)
	}
	os.Remove(src)
	return syncDir(filepath.Dir(dst))
}

// copyToTemp copies src into a synced temporary file in dir
func copyToTemp(src, dir string, perm os.FileMode) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return "", err
	}
	name := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(name)
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(name)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename itself is done.
	d.Sync()
	return nil
}

// Version returns a short content fingerprint of the file at path
func Version(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}
