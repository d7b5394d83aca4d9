// Package project models the user's crate as a deployable project:
// its name, root directory and the managed resources it declares.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// ConfigFile is the optional project manifest at the crate root.
const ConfigFile = "skylift.toml"

// ErrNoManifest is returned when the crate has no Cargo.toml.
var ErrNoManifest = errors.New("no Cargo.toml found")

// Project maps one to one onto the user's crate. The name prefixes
// every provisioned resource.
type Project struct {
	// Name of the project, defaulting to the crate name.
	Name string

	// Root is the crate directory.
	Root string

	// KvTables declared in the project manifest.
	KvTables []KvTable

	// Queues declared in the project manifest. Workers may also get
	// implicit queues during synthesis.
	Queues []Queue

	// SQL marks the project as needing a relational database. The
	// database itself is provisioned by the control plane, not the
	// template.
	SQL bool
}

// Resource is a managed resource the project declares. Implemented by
// KvTable and Queue only.
type Resource interface {
	ResourceName() string
	sealedResource()
}

// KvTable is a key-value table available to every handler.
type KvTable struct {
	Name string `toml:"name"`
}

// Queue is a message queue that a worker consumes from. Concurrency
// caps how many consumer instances drain it at once.
type Queue struct {
	Name        string `toml:"name"`
	Alias       string `toml:"alias,omitempty"`
	Concurrency int    `toml:"concurrency,omitempty"`
	FIFO        bool   `toml:"fifo,omitempty"`
}

func (t KvTable) ResourceName() string { return t.Name }
func (t KvTable) sealedResource()      {}

func (q Queue) ResourceName() string { return q.Name }
func (q Queue) sealedResource()      {}

// fileConfig is the shape of skylift.toml.
type fileConfig struct {
	Project struct {
		Name string `toml:"name"`
		SQL  bool   `toml:"sql"`
	} `toml:"project"`
	KvDB  []KvTable `toml:"kvdb"`
	Queue []Queue   `toml:"queue"`
}

// FromPath loads the project rooted at dir. The crate name from
// Cargo.toml is the fallback project name when skylift.toml does not
// set one; a missing skylift.toml yields a project with no declared
// resources.
func FromPath(dir string) (*Project, error) {
	crateName, err := CrateName(dir)
	if err != nil {
		return nil, err
	}

	p := &Project{Name: crateName, Root: dir}

	payload, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("read %s: %w", ConfigFile, err)
	}

	var cfg fileConfig
	if err := toml.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}

	if cfg.Project.Name != "" {
		p.Name = cfg.Project.Name
	}
	p.SQL = cfg.Project.SQL
	p.KvTables = cfg.KvDB
	p.Queues = cfg.Queue

	for _, q := range p.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("%s: queue declared without a name", ConfigFile)
		}
	}
	return p, nil
}

// CrateName reads the package name from the crate's Cargo.toml.
func CrateName(dir string) (string, error) {
	payload, err := os.ReadFile(filepath.Join(dir, "Cargo.toml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", dir, ErrNoManifest)
		}
		return "", fmt.Errorf("read Cargo.toml: %w", err)
	}

	var manifest struct {
		Package struct {
			Name string `toml:"name"`
		} `toml:"package"`
	}
	if err := toml.Unmarshal(payload, &manifest); err != nil {
		return "", fmt.Errorf("parse Cargo.toml: %w", err)
	}
	if manifest.Package.Name == "" {
		return "", fmt.Errorf("Cargo.toml in %s has no package name", dir)
	}
	return manifest.Package.Name, nil
}

// QueueByAlias resolves a declared queue by its alias.
func (p *Project) QueueByAlias(alias string) (Queue, bool) {
	for _, q := range p.Queues {
		if q.Alias == alias || q.Name == alias {
			return q, true
		}
	}
	return Queue{}, false
}

// Resources returns every declared resource in manifest order.
func (p *Project) Resources() []Resource {
	resources := make([]Resource, 0, len(p.KvTables)+len(p.Queues))
	for _, t := range p.KvTables {
		resources = append(resources, t)
	}
	for _, q := range p.Queues {
		resources = append(resources, q)
	}
	return resources
}
