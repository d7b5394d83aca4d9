package builder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/foldline/skylift/internal/parser"
)

// macroDependency is the attribute macro crate; clones must not depend
// on it.
const macroDependency = "skylift-macro"

// metadataNamespace is the reserved table under package.metadata where
// the build engine records function settings for later stages.
const metadataNamespace = "skylift"

// manifest is the crate's Cargo.toml as a mutable document.
type manifest struct {
	doc map[string]any
}

func loadManifest(path string) (*manifest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &manifest{doc: doc}, nil
}

// crateName returns the package name.
func (m *manifest) crateName() (string, error) {
	pkg, ok := m.doc["package"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("manifest has no [package] table")
	}
	name, ok := pkg["name"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("manifest has no package name")
	}
	return name, nil
}

func (m *manifest) dependencies() map[string]any {
	deps, ok := m.doc["dependencies"].(map[string]any)
	if !ok {
		deps = map[string]any{}
		m.doc["dependencies"] = deps
	}
	return deps
}

// removeMacroDependency drops the attribute macro crate from the
// dependency table.
func (m *manifest) removeMacroDependency() {
	delete(m.dependencies(), macroDependency)
}

// addRuntimeDeps pins the dependencies a bin scaffold needs for the
// given role and variant. Versions are fixed so clones build
// reproducibly.
func (m *manifest) addRuntimeDeps(params parser.Params, isLocal bool) {
	deps := m.dependencies()

	_, isEndpoint := params.(parser.Endpoint)
	if !isEndpoint || isLocal {
		deps["serde_json"] = map[string]any{"version": "1.0.140"}
		deps["reqwest"] = map[string]any{
			"version":          "0.12.15",
			"default-features": false,
			"features":         []any{"rustls-tls"},
		}
	}

	if isEndpoint {
		deps["lambda_http"] = map[string]any{"version": "0.14.0"}
	} else {
		deps["lambda_runtime"] = map[string]any{"version": "0.13.0"}
	}

	deps["aws_lambda_events"] = map[string]any{"version": "0.16.0"}
	deps["aws-config"] = map[string]any{"version": "1.0.1"}
	deps["aws-sdk-ssm"] = map[string]any{"version": "1.59.0"}
	deps["aws-sdk-sqs"] = map[string]any{"version": "1.62.0"}
	deps["tokio"] = map[string]any{"version": "1.43.0", "features": []any{"full"}}

	m.removeMacroDependency()
}

// addFunctionMetadata appends one function entry to the reserved
// metadata namespace. Later stages read the entries instead of
// re-parsing the source.
func (m *manifest) addFunctionMetadata(f parser.ParsedFunction, name string, isLocal bool) {
	functionTable := map[string]any{
		"name":     name,
		"role":     f.Params.Kind(),
		"is_local": isLocal,
	}

	entry := map[string]any{"function": functionTable}

	switch params := f.Params.(type) {
	case parser.Endpoint:
		if params.URLPath != "" {
			functionTable["url_path"] = params.URLPath
		}
		if len(params.Queues) > 0 {
			queues := make([]any, 0, len(params.Queues))
			for _, q := range params.Queues {
				queues = append(queues, q)
			}
			functionTable["queues"] = queues
		}
		if params.IsDisabled {
			functionTable["is_disabled"] = true
		}
	case parser.Cron:
		functionTable["schedule"] = params.Schedule
	case parser.Worker:
		queueTable := map[string]any{
			"name":        name,
			"concurrency": int64(params.Concurrency),
			"fifo":        params.FIFO,
		}
		if params.QueueAlias != "" {
			queueTable["alias"] = params.QueueAlias
		}
		entry["queue"] = map[string]any{name: queueTable}
	}

	if env := f.Params.Environment(); len(env) > 0 {
		envTable := map[string]any{}
		for k, v := range env {
			envTable[k] = v
		}
		functionTable["environment"] = envTable
	}

	m.functionEntries(true)
	metadata := m.doc["package"].(map[string]any)["metadata"].(map[string]any)
	ns := metadata[metadataNamespace].(map[string]any)
	ns["functions"] = append(ns["functions"].([]any), entry)
}

// functionEntries returns the metadata function list, creating the
// namespace when asked to.
func (m *manifest) functionEntries(create bool) []any {
	pkg, ok := m.doc["package"].(map[string]any)
	if !ok {
		if !create {
			return nil
		}
		pkg = map[string]any{}
		m.doc["package"] = pkg
	}
	metadata, ok := pkg["metadata"].(map[string]any)
	if !ok {
		if !create {
			return nil
		}
		metadata = map[string]any{}
		pkg["metadata"] = metadata
	}
	ns, ok := metadata[metadataNamespace].(map[string]any)
	if !ok {
		if !create {
			return nil
		}
		ns = map[string]any{}
		metadata[metadataNamespace] = ns
	}
	functions, ok := ns["functions"].([]any)
	if !ok {
		if !create {
			return nil
		}
		functions = []any{}
		ns["functions"] = functions
	}
	return functions
}

// resetFunctionMetadata clears stale entries from a previous run.
func (m *manifest) resetFunctionMetadata() {
	m.functionEntries(true)
	metadata := m.doc["package"].(map[string]any)["metadata"].(map[string]any)
	metadata[metadataNamespace].(map[string]any)["functions"] = []any{}
}

// bytes serializes the manifest. Table keys are emitted sorted, so an
// unchanged manifest yields identical bytes.
func (m *manifest) bytes() ([]byte, error) {
	payload, err := toml.Marshal(m.doc)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return payload, nil
}

// writeManifest persists the manifest into the workspace.
func (m *manifest) write(workspace string, payload []byte) error {
	path := filepath.Join(workspace, "Cargo.toml")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
