// Package function models a single deployable handler binary: where
// the compiler leaves it, how it is bundled for upload and how the
// compiler is invoked.
package function

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested function name does not
// exist in the crate.
var ErrNotFound = errors.New("no function with such name")

// CommandRunner executes an external command in a working directory.
// The default implementation shells out; tests substitute a fake.
type CommandRunner interface {
	Run(dir string, cmd []string) error
}

// Function is one handler variant scheduled for build and upload.
type Function struct {
	// ID is unique per run and names the temporary bundle file.
	ID string

	// Name is the deployable function name, also the bin target.
	Name string

	// IsDeploying marks functions selected for this deploy. Unselected
	// functions still participate in template synthesis.
	IsDeploying bool

	// Workspace is the prepared build crate directory.
	Workspace string
}

// New creates a function rooted in the prepared build workspace.
func New(workspace, name string) *Function {
	return &Function{
		ID:        uuid.NewString(),
		Name:      name,
		Workspace: workspace,
	}
}

// FindByName returns the function with the given deployable name.
func FindByName(functions []*Function, name string) (*Function, error) {
	for _, f := range functions {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// BuildPath is where the compiler leaves the handler binary.
func (f *Function) BuildPath() string {
	return filepath.Join(f.Workspace, "target", "lambda", f.Name, "bootstrap")
}

// BundlePath is the zip archive uploaded to the artifact store. The
// bundle is temporary and removed after a successful upload.
func (f *Function) BundlePath() string {
	return filepath.Join(f.Workspace, f.ID+".zip")
}

// Bundle wraps the compiled binary into a single-entry zip named
// bootstrap. The archive carries no timestamps so an unchanged binary
// produces byte-identical bundles across runs.
func (f *Function) Bundle() error {
	binary, err := os.Open(f.BuildPath())
	if err != nil {
		return fmt.Errorf("open compiled binary for %s: %w", f.Name, err)
	}
	defer binary.Close()

	out, err := os.Create(f.BundlePath())
	if err != nil {
		return fmt.Errorf("create bundle for %s: %w", f.Name, err)
	}
	defer out.Close()

	archive := zip.NewWriter(out)

	header := &zip.FileHeader{Name: "bootstrap", Method: zip.Deflate}
	header.SetMode(0o755)

	entry, err := archive.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("open bundle entry for %s: %w", f.Name, err)
	}
	if _, err := io.Copy(entry, binary); err != nil {
		return fmt.Errorf("write bundle for %s: %w", f.Name, err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("close bundle for %s: %w", f.Name, err)
	}
	return nil
}

// RemoveBundle deletes the temporary bundle archive.
func (f *Function) RemoveBundle() error {
	if err := os.Remove(f.BundlePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove bundle for %s: %w", f.Name, err)
	}
	return nil
}

// Compile builds the named bin targets with cargo lambda for the
// managed runtime's target triple.
func Compile(runner CommandRunner, workspace string, names ...string) error {
	if len(names) == 0 {
		return errors.New("attempted to compile an empty function list")
	}

	cmd := []string{
		"cargo", "lambda", "build",
		"--release",
		"--target", "x86_64-unknown-linux-musl",
	}
	for _, name := range names {
		cmd = append(cmd, "--bin", name)
	}

	if err := runner.Run(workspace, cmd); err != nil {
		return fmt.Errorf("compile %v: %w", names, err)
	}
	return nil
}
