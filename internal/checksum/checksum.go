// Package checksum persists content hashes of build outputs so that
// unchanged files are neither rewritten nor rebuilt between runs.
package checksum

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Filename is the store file kept at the root of a build output directory.
const Filename = ".checksums"

// Store maps relative paths to xxhash64 content digests. Hashes loaded
// from a previous run gate rewrites; only paths updated during the
// current run count as retained, so anything a run no longer produces
// falls out of the store and gets pruned.
type Store struct {
	path    string
	entries map[string]string
	touched map[string]bool
}

// Load reads the store from dir. A missing or corrupt file yields an
// empty store; the next Save starts a fresh one.
func Load(dir string) *Store {
	path := filepath.Join(dir, Filename)

	entries := map[string]string{}
	payload, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(payload, &entries); err != nil {
			entries = map[string]string{}
		}
	}

	return &Store{path: path, entries: entries, touched: map[string]bool{}}
}

// Update inserts or replaces the hash for a relative path and marks the
// path as retained. It reports whether the stored value changed, which
// callers use to skip writes for unchanged content.
func (s *Store) Update(relPath, newHash string) bool {
	key := filepath.ToSlash(relPath)
	old, existed := s.entries[key]
	s.entries[key] = newHash
	s.touched[key] = true
	return !existed || old != newHash
}

// HasFile reports whether the exact relative path was retained during
// this run.
func (s *Store) HasFile(relPath string) bool {
	return s.touched[filepath.ToSlash(relPath)]
}

// HasFolder reports whether any retained entry lives under the given
// relative directory.
func (s *Store) HasFolder(relDir string) bool {
	prefix := filepath.ToSlash(relDir)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for key := range s.touched {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	return len(s.touched)
}

// Save persists the retained entries with stable formatting. Keys are
// emitted in sorted order so identical content yields identical bytes.
func (s *Store) Save() error {
	retained := make(map[string]string, len(s.touched))
	for key := range s.touched {
		retained[key] = s.entries[key]
	}

	payload, err := json.MarshalIndent(retained, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checksum store: %w", err)
	}
	if err := os.WriteFile(s.path, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// HashFile computes the xxhash64 digest of a file as lowercase hex.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum64()), nil
}

// HashBytes computes the xxhash64 digest of a byte slice as lowercase hex.
func HashBytes(content []byte) string {
	return fmt.Sprintf("%x", xxhash.Sum64(content))
}

// Prune deletes files and directories under root that are not covered by
// a retained entry. The store file itself and whitelisted build-tool
// directories are left intact.
func (s *Store) Prune(root string, keepDirs ...string) error {
	var obsoleteDirs []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if rel == Filename {
			return nil
		}
		for _, keep := range keepDirs {
			if rel == keep || strings.HasPrefix(rel, keep+"/") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		if d.IsDir() {
			if !s.HasFolder(rel) {
				obsoleteDirs = append(obsoleteDirs, path)
				return fs.SkipDir
			}
			return nil
		}

		if !s.HasFile(rel) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("delete obsolete file %s: %w", rel, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, dir := range obsoleteDirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("delete obsolete folder %s: %w", dir, err)
		}
	}
	return nil
}
