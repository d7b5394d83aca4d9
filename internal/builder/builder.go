// Package builder turns a project crate into a deployable build
// workspace. It clones the crate with handler annotations stripped,
// generates one bin scaffold per function and variant, patches the
// manifest with runtime dependencies and function metadata, and prunes
// everything a previous run left behind. Writes are gated on content
// hashes so repeated runs touch only what changed.
package builder

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/foldline/skylift/internal/builder/scaffold"
	"github.com/foldline/skylift/internal/checksum"
	"github.com/foldline/skylift/internal/function"
	"github.com/foldline/skylift/internal/logger"
	"github.com/foldline/skylift/internal/parser"
	"github.com/foldline/skylift/internal/project"
)

// WorkspaceDir is the build output directory inside the project root.
const WorkspaceDir = ".skylift-build"

// Result describes a prepared workspace.
type Result struct {
	// Workspace is the root of the cloned crate.
	Workspace string

	// Functions holds one entry per remote function. Entries selected
	// for deployment carry IsDeploying.
	Functions []*function.Function

	// Parsed lists the handlers found in the project source.
	Parsed []parser.ParsedFunction
}

// Builder prepares build workspaces for a project.
type Builder struct {
	project *project.Project
}

func New(p *project.Project) *Builder {
	return &Builder{project: p}
}

// Prepare scans the project for handlers and materializes the build
// workspace. deployNames selects which functions a later pipeline
// stage will deploy; an empty list selects all of them.
func (b *Builder) Prepare(deployNames []string) (*Result, error) {
	functions, err := parser.Scan(b.project.Root)
	if err != nil {
		return nil, err
	}

	workspace := filepath.Join(b.project.Root, WorkspaceDir)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	store := checksum.Load(workspace)

	if err := b.cloneSources(workspace, store); err != nil {
		return nil, err
	}
	if err := b.writeLib(workspace, functions, store); err != nil {
		return nil, err
	}

	crate, err := b.writeScaffoldsAndManifest(workspace, functions, store)
	if err != nil {
		return nil, err
	}

	if err := store.Save(); err != nil {
		return nil, err
	}
	if err := store.Prune(workspace, "target"); err != nil {
		return nil, err
	}

	result := &Result{Workspace: workspace, Parsed: functions}
	for _, f := range functions {
		name, err := f.FuncName(false)
		if err != nil {
			return nil, err
		}
		fn := function.New(workspace, name)
		fn.IsDeploying = len(deployNames) == 0 || slices.Contains(deployNames, name)
		result.Functions = append(result.Functions, fn)
	}

	logger.Debug("workspace prepared",
		"crate", crate, "functions", len(result.Functions))
	return result, nil
}

// cloneSources copies the crate into the workspace with annotations
// stripped from Rust sources. Cargo.toml is patched separately, and
// build output directories never cross over.
func (b *Builder) cloneSources(workspace string, store *checksum.Store) error {
	root := b.project.Root

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}

		if d.IsDir() {
			switch d.Name() {
			case "target", ".git", ".hg", WorkspaceDir:
				return fs.SkipDir
			}
			return nil
		}
		switch filepath.ToSlash(rel) {
		case "Cargo.toml", "Cargo.lock", "src/lib.rs":
			return nil
		}

		payload, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		if strings.HasSuffix(rel, ".rs") {
			payload = []byte(stripAnnotations(string(payload)))
		}
		return writeGated(workspace, filepath.ToSlash(rel), payload, store)
	})
}

// writeLib merges the crate's lib.rs, or generates one, so that every
// handler module is exported from the clone.
func (b *Builder) writeLib(workspace string, functions []parser.ParsedFunction, store *checksum.Store) error {
	existing := ""
	payload, err := os.ReadFile(filepath.Join(b.project.Root, "src", "lib.rs"))
	if err == nil {
		existing = string(payload)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read lib.rs: %w", err)
	}

	return writeGated(workspace, "src/lib.rs", []byte(mergeLib(existing, functions)), store)
}

// writeScaffoldsAndManifest renders both bin variants of every handler
// and writes the patched manifest. Returns the crate name.
func (b *Builder) writeScaffoldsAndManifest(workspace string, functions []parser.ParsedFunction, store *checksum.Store) (string, error) {
	m, err := loadManifest(filepath.Join(b.project.Root, "Cargo.toml"))
	if err != nil {
		return "", err
	}
	crate, err := m.crateName()
	if err != nil {
		return "", err
	}

	m.resetFunctionMetadata()
	for _, f := range functions {
		for _, isLocal := range []bool{false, true} {
			name, err := f.FuncName(isLocal)
			if err != nil {
				return "", err
			}

			src := scaffold.Render(
				importStatement(f.RelativePath, f.RustFunctionName, crate),
				f.RustFunctionName, f.Params, isLocal,
			)
			rel := "src/bin/" + name + ".rs"
			if err := writeGated(workspace, rel, []byte(src), store); err != nil {
				return "", err
			}

			m.addFunctionMetadata(f, name, isLocal)
			m.addRuntimeDeps(f.Params, isLocal)
		}
	}

	payload, err := m.bytes()
	if err != nil {
		return "", err
	}
	return crate, writeGated(workspace, "Cargo.toml", payload, store)
}

// writeGated writes content under workspace only when its hash differs
// from the stored one, and records the file in the store either way.
func writeGated(workspace, rel string, content []byte, store *checksum.Store) error {
	if !store.Update(rel, checksum.HashBytes(content)) {
		return nil
	}

	dst := filepath.Join(workspace, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	logger.Debug("workspace file written", "path", rel)
	return nil
}
