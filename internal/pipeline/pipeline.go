// Package pipeline drives a build or deploy end to end: one bounded
// job per function compiles it and, when deploying, bundles and
// uploads the result; provisioning runs as a strict barrier after
// every job finished. Hotswap deploys stop after the uploads.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/foldline/skylift/internal/builder"
	"github.com/foldline/skylift/internal/function"
	"github.com/foldline/skylift/internal/logger"
	"github.com/foldline/skylift/internal/uploader"
)

// Stage identifies where a function currently is in its job.
type Stage string

const (
	StageBuilding     Stage = "building"
	StageBundling     Stage = "bundling"
	StageUploading    Stage = "uploading"
	StageProvisioning Stage = "provisioning"
)

// Reporter receives progress events. Events are informational only and
// must never affect control flow.
type Reporter interface {
	Stage(functionName string, stage Stage)
}

// logReporter is the default Reporter, logging stage transitions.
type logReporter struct{}

func (logReporter) Stage(functionName string, stage Stage) {
	logger.Info("stage", "function", functionName, "stage", string(stage))
}

// Store uploads one bundle and reports whether anything was written.
type Store interface {
	Upload(ctx context.Context, f *function.Function, key string) (bool, error)
}

// Provisioner applies the deployed functions to the target
// infrastructure once their bundles are in place.
type Provisioner interface {
	Provision(ctx context.Context, functions []*function.Function) error
}

// Pipeline holds the collaborators of a run.
type Pipeline struct {
	runner      function.CommandRunner
	store       Store
	provisioner Provisioner

	usernameEscaped string
	projectName     string
	concurrency     int

	// BuildOnly compiles every function and stops: no bundles, no
	// uploads, no provisioning.
	BuildOnly bool

	// Hotswap uploads code bundles but skips provisioning.
	Hotswap bool

	// Reporter receives stage events; nil selects the logging default.
	Reporter Reporter
}

// Result summarizes a run.
type Result struct {
	// Built counts the compiled functions.
	Built int

	// Deployed counts the functions selected for deployment.
	Deployed int

	// Changed counts the bundles that actually reached the artifact
	// store; the rest were identical to the previous upload.
	Changed int
}

func New(runner function.CommandRunner, store Store, provisioner Provisioner, usernameEscaped, projectName string, concurrency int) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		runner:          runner,
		store:           store,
		provisioner:     provisioner,
		usernameEscaped: usernameEscaped,
		projectName:     projectName,
		concurrency:     concurrency,
	}
}

// Run executes one job per function under the concurrency cap. Every
// job compiles its function; deploying functions are additionally
// bundled and uploaded. Job failures do not stop sibling jobs; the
// aggregate error carries every failed function. Provisioning only
// runs when all jobs succeeded.
func (p *Pipeline) Run(ctx context.Context, prepared *builder.Result) (*Result, error) {
	reporter := p.Reporter
	if reporter == nil {
		reporter = logReporter{}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    error
		changed atomic.Int64
	)
	sem := make(chan struct{}, p.concurrency)

	result := &Result{Built: len(prepared.Functions)}
	for _, f := range prepared.Functions {
		if f.IsDeploying {
			result.Deployed++
		}

		wg.Add(1)
		go func(f *function.Function) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := p.job(ctx, f, reporter, &changed); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(f)
	}
	wg.Wait()

	if errs != nil {
		return nil, errs
	}
	result.Changed = int(changed.Load())

	if p.BuildOnly {
		return result, nil
	}
	if p.Hotswap {
		logger.Info("hotswap complete", "functions", result.Deployed, "uploaded", result.Changed)
		return result, nil
	}

	reporter.Stage("", StageProvisioning)
	if err := p.provisioner.Provision(ctx, prepared.Functions); err != nil {
		return nil, err
	}
	return result, nil
}

// job compiles one function and ships its bundle when the function is
// deploying.
func (p *Pipeline) job(ctx context.Context, f *function.Function, reporter Reporter, changed *atomic.Int64) error {
	reporter.Stage(f.Name, StageBuilding)
	if err := function.Compile(p.runner, f.Workspace, f.Name); err != nil {
		return err
	}
	if p.BuildOnly || !f.IsDeploying {
		return nil
	}

	reporter.Stage(f.Name, StageBundling)
	if err := f.Bundle(); err != nil {
		return err
	}
	defer func() {
		if err := f.RemoveBundle(); err != nil {
			logger.Warn("leaking bundle archive", "function", f.Name, "error", err)
		}
	}()

	reporter.Stage(f.Name, StageUploading)
	uploaded, err := p.store.Upload(ctx, f, uploader.Key(p.usernameEscaped, p.projectName, f.Name))
	if err != nil {
		return err
	}
	if uploaded {
		changed.Add(1)
	}
	return nil
}
