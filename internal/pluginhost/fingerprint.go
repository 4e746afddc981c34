package pluginhost

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FingerprintScanner computes a deterministic content fingerprint over a
// plugin directory, covering the manifest and every regular file under
// it. Two scans of unchanged content always yield the same value.
type FingerprintScanner struct {
	excludes []string
}

// NewFingerprintScanner creates a scanner. Exclude patterns are matched
// against path base names (glob patterns and plain names both work) and
// should mirror the hot-reload watcher's exclusions so editor temp files
// do not churn fingerprints.
func NewFingerprintScanner(excludes []string) *FingerprintScanner {
	return &FingerprintScanner{excludes: excludes}
}

// ScanDir walks dir and returns the hex fingerprint of its content.
func (s *FingerprintScanner) ScanDir(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if s.Excluded(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk plugin dir %s: %w", dir, err)
	}

	// Walk order is already lexical per directory, but sorting the full
	// relative paths keeps the hash independent of tree shape.
	sort.Strings(files)

	hasher := sha256.New()
	for _, rel := range files {
		hasher.Write([]byte(rel))
		hasher.Write([]byte{0})
		if err := hashFile(hasher, filepath.Join(dir, rel)); err != nil {
			return "", err
		}
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Excluded reports whether a path base name matches the scanner's
// exclusion patterns.
func (s *FingerprintScanner) Excluded(name string) bool {
	for _, pat := range s.excludes {
		if pat == name {
			return true
		}
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return nil
}
