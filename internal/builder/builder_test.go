package builder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldline/skylift/internal/project"
)

const testManifest = `[package]
name = "shop-api"
version = "0.1.0"
edition = "2021"

[dependencies]
serde = "1"
skylift-macro = "0.1"
`

const testHandler = `use skylift_macro::endpoint;

#[endpoint(url_path = "/orders")]
pub async fn confirm(req: Request) -> Result<Response<Body>, Error> {
    Ok(Response::new(Body::from("ok")))
}
`

func writeProject(t *testing.T) *project.Project {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "api"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(testManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "api", "orders.rs"), []byte(testHandler), 0o644))

	p, err := project.FromPath(dir)
	require.NoError(t, err)
	return p
}

func readWorkspaceFile(t *testing.T, workspace, rel string) string {
	t.Helper()
	payload, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(payload)
}

func TestPrepareClonesAndScaffolds(t *testing.T) {
	p := writeProject(t)

	result, err := New(p).Prepare(nil)
	require.NoError(t, err)

	cloned := readWorkspaceFile(t, result.Workspace, "src/api/orders.rs")
	assert.NotContains(t, cloned, "#[endpoint")
	assert.NotContains(t, cloned, "skylift_macro")
	assert.Contains(t, cloned, "pub async fn confirm")

	lib := readWorkspaceFile(t, result.Workspace, "src/lib.rs")
	assert.Contains(t, lib, "pub mod api;")

	remote := readWorkspaceFile(t, result.Workspace, "src/bin/ApiOrdersConfirm.rs")
	assert.Contains(t, remote, "use shop_api::api::orders::confirm;")
	assert.Contains(t, remote, "run(service_fn(")

	local := readWorkspaceFile(t, result.Workspace, "src/bin/ApiOrdersConfirmLocal.rs")
	assert.Contains(t, local, "SKYLIFT_INVOKE_PATH")

	require.Len(t, result.Functions, 1)
	assert.Equal(t, "ApiOrdersConfirm", result.Functions[0].Name)
	assert.True(t, result.Functions[0].IsDeploying)
}

func TestPreparePatchesManifest(t *testing.T) {
	p := writeProject(t)

	result, err := New(p).Prepare(nil)
	require.NoError(t, err)

	doc := map[string]any{}
	require.NoError(t, toml.Unmarshal([]byte(readWorkspaceFile(t, result.Workspace, "Cargo.toml")), &doc))

	deps := doc["dependencies"].(map[string]any)
	assert.NotContains(t, deps, "skylift-macro")
	assert.Contains(t, deps, "lambda_http")
	assert.Contains(t, deps, "tokio")
	assert.Contains(t, deps, "serde", "user dependencies survive")

	metadata := doc["package"].(map[string]any)["metadata"].(map[string]any)
	functions := metadata["skylift"].(map[string]any)["functions"].([]any)
	require.Len(t, functions, 2, "one remote and one local entry")

	first := functions[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "ApiOrdersConfirm", first["name"])
	assert.Equal(t, "endpoint", first["role"])
	assert.Equal(t, "/orders", first["url_path"])
}

func TestPrepareIsIncremental(t *testing.T) {
	p := writeProject(t)
	b := New(p)

	result, err := b.Prepare(nil)
	require.NoError(t, err)

	binPath := filepath.Join(result.Workspace, "src", "bin", "ApiOrdersConfirm.rs")
	before, err := os.Stat(binPath)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = b.Prepare(nil)
	require.NoError(t, err)

	after, err := os.Stat(binPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "unchanged outputs are not rewritten")
}

func TestPrepareRemovesStaleOutputs(t *testing.T) {
	p := writeProject(t)
	b := New(p)

	_, err := b.Prepare(nil)
	require.NoError(t, err)

	require.NoError(t, os.Rename(
		filepath.Join(p.Root, "src", "api", "orders.rs"),
		filepath.Join(p.Root, "src", "api", "checkout.rs"),
	))

	result, err := b.Prepare(nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(result.Workspace, "src", "api", "orders.rs"))
	assert.True(t, os.IsNotExist(err), "renamed source leaves no stale clone")
	_, err = os.Stat(filepath.Join(result.Workspace, "src", "bin", "ApiOrdersConfirm.rs"))
	assert.True(t, os.IsNotExist(err), "renamed source leaves no stale scaffold")

	assert.FileExists(t, filepath.Join(result.Workspace, "src", "bin", "ApiCheckoutConfirm.rs"))
}

func TestPreparePreservesCompileOutput(t *testing.T) {
	p := writeProject(t)
	b := New(p)

	_, err := b.Prepare(nil)
	require.NoError(t, err)

	artifact := filepath.Join(p.Root, WorkspaceDir, "target", "lambda", "ApiOrdersConfirm")
	require.NoError(t, os.MkdirAll(artifact, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifact, "bootstrap"), []byte("elf"), 0o755))

	_, err = b.Prepare(nil)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(artifact, "bootstrap"))
}

func TestPrepareMarksDeployingSubset(t *testing.T) {
	p := writeProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(p.Root, "src", "api", "users.rs"), []byte(
		"#[endpoint(url_path = \"/users\")]\npub async fn list() {}\n",
	), 0o644))

	result, err := New(p).Prepare([]string{"ApiOrdersConfirm"})
	require.NoError(t, err)
	require.Len(t, result.Functions, 2)

	deploying := map[string]bool{}
	for _, f := range result.Functions {
		deploying[f.Name] = f.IsDeploying
	}
	assert.True(t, deploying["ApiOrdersConfirm"])
	assert.False(t, deploying["ApiUsersList"])
}
