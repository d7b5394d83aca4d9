// Package template synthesizes the infrastructure template for a
// project: one compute function per handler with its role, trigger and
// policies, the declared tables and queues, and the routing layer in
// front of the endpoints. Synthesis is deterministic so an unchanged
// project produces byte-identical output.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/foldline/skylift/internal/config"
	"github.com/foldline/skylift/internal/parser"
	"github.com/foldline/skylift/internal/project"
)

var (
	// ErrNoQueue means a worker could not be bound to a queue.
	ErrNoQueue = errors.New("no queue resource for worker")

	// ErrDuplicateResource means two handlers produced the same
	// logical resource name.
	ErrDuplicateResource = errors.New("duplicate logical resource name")
)

// Resource is one entry of the template's Resources document.
type Resource struct {
	LogicalName string
	Body        map[string]any
}

// Handler is a deployable function as the synthesizer sees it: its
// final name, the uploaded artifact key and the parsed role settings.
type Handler struct {
	Name   string
	S3Key  string
	Params parser.Params
}

// Input carries everything synthesis depends on. All values are
// resolved by the caller; the synthesizer itself performs no I/O.
type Input struct {
	Project     *project.Project
	Handlers    []Handler
	SecretNames []string

	Bucket          string
	Username        string
	UsernameEscaped string
	AccountID       string
	Region          string
	KMSKeyID        string

	// Domain is the base domain fronting endpoints, "" for the
	// distribution's default hostname.
	Domain       string
	HostedZoneID string
}

// Template is an ordered collection of logical resources scoped to one
// user and project.
type Template struct {
	in        Input
	resources []Resource
	index     map[string]int
}

// Synthesize builds the full template for the project.
func Synthesize(in Input) (*Template, error) {
	in.SecretNames = sortedCopy(in.SecretNames)
	t := &Template{in: in, index: map[string]int{}}

	for _, table := range in.Project.KvTables {
		if err := t.add(t.kvTable(table)); err != nil {
			return nil, err
		}
	}
	for _, queue := range in.Project.Queues {
		if err := t.add(t.queue("Queue"+t.prefixed(queue.Name), queue.Name, queue.FIFO)); err != nil {
			return nil, err
		}
	}

	for _, h := range in.Handlers {
		bundle, err := t.handler(h)
		if err != nil {
			return nil, err
		}
		for _, r := range bundle {
			if err := t.add(r); err != nil {
				return nil, err
			}
		}
	}

	routing, err := t.routing()
	if err != nil {
		return nil, err
	}
	for _, r := range routing {
		if err := t.add(r); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Template) add(r Resource) error {
	if _, exists := t.index[r.LogicalName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateResource, r.LogicalName)
	}
	t.index[r.LogicalName] = len(t.resources)
	t.resources = append(t.resources, r)
	return nil
}

// Resources returns the synthesized resources in declaration order.
func (t *Template) Resources() []Resource {
	return t.resources
}

// Resource looks up a synthesized resource by logical name.
func (t *Template) Resource(logicalName string) (Resource, bool) {
	i, ok := t.index[logicalName]
	if !ok {
		return Resource{}, false
	}
	return t.resources[i], true
}

// JSON serializes the template. Object keys are emitted sorted, so the
// same resources always yield the same bytes.
func (t *Template) JSON() ([]byte, error) {
	resources := map[string]any{}
	for _, r := range t.resources {
		resources[r.LogicalName] = r.Body
	}
	payload, err := json.MarshalIndent(map[string]any{"Resources": resources}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	return payload, nil
}

// prefixed scopes a resource name to the user and project. The
// separator keeps logical names alphanumeric.
func (t *Template) prefixed(parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, t.in.UsernameEscaped, config.EscapeResourceName(t.in.Project.Name))
	for _, p := range parts {
		escaped = append(escaped, config.EscapeResourceName(p))
	}
	return strings.Join(escaped, "D")
}

// handler dispatches to the role-specific resource bundle.
func (t *Template) handler(h Handler) ([]Resource, error) {
	switch params := h.Params.(type) {
	case parser.Endpoint:
		return t.endpoint(h, params), nil
	case parser.Worker:
		return t.worker(h, params)
	case parser.Cron:
		return t.cron(h, params), nil
	}
	return nil, fmt.Errorf("handler %s has unknown role", h.Name)
}

// environment assembles the function's environment variables. User
// values come first; managed entries overwrite redefinitions.
func (t *Template) environment(h Handler) map[string]any {
	variables := map[string]any{}
	for k, v := range h.Params.Environment() {
		variables[k] = v
	}

	variables["SKYLIFT_SECRETS_NAMES"] = strings.Join(t.in.SecretNames, ",")
	variables["SKYLIFT_USERNAME"] = t.in.Username

	for _, q := range t.in.Project.Queues {
		alias := q.Alias
		if alias == "" {
			alias = q.Name
		}
		variables["SKYLIFT_QUEUE_"+alias] = ref("Queue" + t.prefixed(q.Name))
	}

	return map[string]any{"Variables": variables}
}

func ref(logicalName string) map[string]any {
	return map[string]any{"Ref": logicalName}
}

func getAtt(logicalName, attribute string) map[string]any {
	return map[string]any{"Fn::GetAtt": []any{logicalName, attribute}}
}

// sortedCopy keeps the secrets list stable across runs regardless of
// the order the caller collected it in.
func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
