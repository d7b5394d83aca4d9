package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUpdateReportsChangeOnce(t *testing.T) {
	store := Load(t.TempDir())

	if !store.Update("src/main.rs", "abc123") {
		t.Fatal("first Update must report a change")
	}
	if store.Update("src/main.rs", "abc123") {
		t.Fatal("second Update with the same hash must report no change")
	}
	if !store.Update("src/main.rs", "def456") {
		t.Fatal("Update with a new hash must report a change")
	}
}

func TestLoadMissingOrCorruptYieldsEmptyStore(t *testing.T) {
	dir := t.TempDir()

	store := Load(dir)
	if store.Len() != 0 {
		t.Fatalf("missing store file: want empty store, got %d entries", store.Len())
	}

	if err := os.WriteFile(filepath.Join(dir, Filename), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}
	store = Load(dir)
	if store.Len() != 0 {
		t.Fatalf("corrupt store file: want empty store, got %d entries", store.Len())
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store := Load(dir)
	store.Update("Cargo.toml", "aa11")
	store.Update("src/lib.rs", "bb22")
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded := Load(dir)
	if reloaded.Update("Cargo.toml", "aa11") {
		t.Fatal("reloaded hash must gate an identical write")
	}
	if !reloaded.Update("src/lib.rs", "bb99") {
		t.Fatal("reloaded hash must report changed content")
	}
}

func TestSaveIsStable(t *testing.T) {
	dir := t.TempDir()

	store := Load(dir)
	store.Update("b.rs", "22")
	store.Update("a.rs", "11")
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	first, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		t.Fatalf("read store: %v", err)
	}

	store = Load(dir)
	store.Update("a.rs", "11")
	store.Update("b.rs", "22")
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		t.Fatalf("read store: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("store bytes differ between identical saves:\n%s\n%s", first, second)
	}
}

func TestHasFolder(t *testing.T) {
	store := Load(t.TempDir())
	store.Update("src/bin/handler.rs", "cc33")

	if !store.HasFolder("src") {
		t.Fatal("src must be retained")
	}
	if !store.HasFolder("src/bin") {
		t.Fatal("src/bin must be retained")
	}
	if store.HasFolder("tests") {
		t.Fatal("tests must not be retained")
	}
}

func TestHashBytesMatchesHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	content := []byte("fn main() {}\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	fromFile, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if fromBytes := HashBytes(content); fromBytes != fromFile {
		t.Fatalf("hash mismatch: file=%s bytes=%s", fromFile, fromBytes)
	}
}

func TestPruneDeletesUncoveredPaths(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "src", "kept.rs"), "kept")
	mustWrite(t, filepath.Join(dir, "src", "stale.rs"), "stale")
	mustWrite(t, filepath.Join(dir, "old", "gone.rs"), "gone")
	mustWrite(t, filepath.Join(dir, "target", "cache.bin"), "cache")

	store := Load(dir)
	store.Update("src/kept.rs", "aa")
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := store.Prune(dir, "target"); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "src", "kept.rs")); err != nil {
		t.Fatalf("retained file deleted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src", "stale.rs")); !os.IsNotExist(err) {
		t.Fatal("stale file must be deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "old")); !os.IsNotExist(err) {
		t.Fatal("uncovered folder must be deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "target", "cache.bin")); err != nil {
		t.Fatalf("whitelisted dir must survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, Filename)); err != nil {
		t.Fatalf("store file must survive: %v", err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
