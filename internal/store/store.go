// Package store implements the atomic persistence primitive every stateful
// component writes through. Each component owns exactly one JSON document on
// disk; Write replaces it atomically and keeps a single backup generation, and
// Read transparently repairs the document from that backup when the primary
// copy is missing or fails to parse.
//
// Per-path mutation is serialized by the caller - each component guards its
// document with its own mutex.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BackupSuffix is appended to a document path to form its backup twin.
const BackupSuffix = ".bak"

const tmpSuffix = ".tmp"

// Write serializes value and atomically replaces the document at path.
// If a previous version exists it is copied to path+".bak" first, so a crash
// at any point leaves either the old document, the new document, or the old
// document plus a recoverable backup - never a truncated primary with no
// fallback.
func Write(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+BackupSuffix); err != nil {
			return fmt.Errorf("backup %s: %w", filepath.Base(path), err)
		}
	}

	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	// Flush before the rename so the rename can never expose a short file.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Read loads the document at path into out. Corruption is detected
// structurally: if the primary copy is missing or does not unmarshal, the
// backup twin is tried, and when the backup parses the primary is repaired
// from it. Returns false with a nil error when neither copy exists, leaving
// out untouched so the caller's zero value stands in as the default.
func Read(path string, out interface{}) (bool, error) {
	primaryErr := readInto(path, out)
	if primaryErr == nil {
		return true, nil
	}

	backupErr := readInto(path+BackupSuffix, out)
	if backupErr == nil {
		// Backup is good; put the primary back in place. A failed repair is
		// not fatal - the next Write replaces the primary anyway.
		_ = copyFile(path+BackupSuffix, path)
		return true, nil
	}

	if os.IsNotExist(primaryErr) && os.IsNotExist(backupErr) {
		return false, nil
	}
	return false, fmt.Errorf("read %s: %w (backup: %v)", filepath.Base(path), primaryErr, backupErr)
}

func readInto(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
