package function

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingRunner struct {
	dir  string
	cmds [][]string
	err  error
}

func (r *recordingRunner) Run(dir string, cmd []string) error {
	r.dir = dir
	r.cmds = append(r.cmds, cmd)
	return r.err
}

func TestBundleWrapsBinaryAsBootstrap(t *testing.T) {
	workspace := t.TempDir()
	f := New(workspace, "ApiCheckout")

	content := []byte("compiled handler binary")
	if err := os.MkdirAll(filepath.Dir(f.BuildPath()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(f.BuildPath(), content, 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	if err := f.Bundle(); err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}

	archive, err := zip.OpenReader(f.BundlePath())
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	defer archive.Close()

	if len(archive.File) != 1 || archive.File[0].Name != "bootstrap" {
		t.Fatalf("bundle entries = %v, want single bootstrap", archive.File)
	}
	entry, err := archive.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer entry.Close()
	extracted, err := io.ReadAll(entry)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(extracted) != string(content) {
		t.Fatal("bundle content differs from the compiled binary")
	}
}

func TestBundleIsDeterministic(t *testing.T) {
	workspace := t.TempDir()
	f := New(workspace, "ApiCheckout")

	if err := os.MkdirAll(filepath.Dir(f.BuildPath()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(f.BuildPath(), []byte("binary"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	if err := f.Bundle(); err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	first, err := os.ReadFile(f.BundlePath())
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}

	if err := f.Bundle(); err != nil {
		t.Fatalf("second Bundle() error = %v", err)
	}
	second, err := os.ReadFile(f.BundlePath())
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}

	if string(first) != string(second) {
		t.Fatal("bundles of an unchanged binary must be byte-identical")
	}
}

func TestRemoveBundleIsIdempotent(t *testing.T) {
	f := New(t.TempDir(), "ApiCheckout")
	if err := f.RemoveBundle(); err != nil {
		t.Fatalf("RemoveBundle() on a missing bundle: %v", err)
	}
}

func TestFindByName(t *testing.T) {
	functions := []*Function{
		New("/tmp/w", "ApiCheckout"),
		New("/tmp/w", "MailSender"),
	}

	found, err := FindByName(functions, "MailSender")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if found.Name != "MailSender" {
		t.Fatalf("found = %q", found.Name)
	}

	if _, err := FindByName(functions, "Missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestCompileInvokesCargoLambda(t *testing.T) {
	runner := &recordingRunner{}

	if err := Compile(runner, "/tmp/workspace", "ApiCheckout", "ApiCheckoutLocal"); err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	if runner.dir != "/tmp/workspace" {
		t.Fatalf("dir = %q", runner.dir)
	}
	cmd := strings.Join(runner.cmds[0], " ")
	for _, want := range []string{
		"cargo lambda build",
		"--release",
		"--target x86_64-unknown-linux-musl",
		"--bin ApiCheckout",
		"--bin ApiCheckoutLocal",
	} {
		if !strings.Contains(cmd, want) {
			t.Fatalf("command %q missing %q", cmd, want)
		}
	}
}

func TestCompileRejectsEmptyList(t *testing.T) {
	if err := Compile(&recordingRunner{}, "/tmp/workspace"); err == nil {
		t.Fatal("empty function list must be rejected")
	}
}
