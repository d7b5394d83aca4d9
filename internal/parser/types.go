// Package parser discovers annotated handler functions in a Rust crate
// and derives their deployable names. The scanner works on source text
// and recognizes the three handler attributes; it does not evaluate the
// surrounding code.
package parser

import "fmt"

// Params holds the role-specific settings parsed from a handler
// attribute. Exactly one of Endpoint, Worker or Cron implements it.
type Params interface {
	// Kind returns the attribute name, e.g. "endpoint".
	Kind() string
	// DeclaredName returns the explicit name override, or "" when the
	// name is derived from the source path.
	DeclaredName() string
	// Environment returns extra environment variables for the handler.
	Environment() map[string]string

	sealedParams()
}

// Endpoint marks a function served over HTTP behind the routing layer.
// Queues lists the declared queues the endpoint sends to.
type Endpoint struct {
	Name       string
	URLPath    string
	Queues     []string
	IsDisabled bool
	Env        map[string]string
}

// Worker marks a function consuming batches from a project queue.
type Worker struct {
	Name        string
	QueueAlias  string
	Concurrency int
	FIFO        bool
	Env         map[string]string
}

// Cron marks a function invoked on a fixed schedule expression.
type Cron struct {
	Name     string
	Schedule string
	Env      map[string]string
}

func (e Endpoint) Kind() string                   { return "endpoint" }
func (e Endpoint) DeclaredName() string           { return e.Name }
func (e Endpoint) Environment() map[string]string { return e.Env }
func (e Endpoint) sealedParams()                  {}

func (w Worker) Kind() string                   { return "worker" }
func (w Worker) DeclaredName() string           { return w.Name }
func (w Worker) Environment() map[string]string { return w.Env }
func (w Worker) sealedParams()                  {}

func (c Cron) Kind() string                   { return "cron" }
func (c Cron) DeclaredName() string           { return c.Name }
func (c Cron) Environment() map[string]string { return c.Env }
func (c Cron) sealedParams()                  {}

// ParsedFunction is one annotated handler found in the crate source.
type ParsedFunction struct {
	// RustFunctionName is the identifier of the annotated fn.
	RustFunctionName string

	// RelativePath locates the defining file relative to the crate
	// root, always slash-separated.
	RelativePath string

	// Params carries the role and its attribute settings.
	Params Params
}

func (f ParsedFunction) String() string {
	return fmt.Sprintf("%s %s (%s)", f.Params.Kind(), f.RustFunctionName, f.RelativePath)
}
