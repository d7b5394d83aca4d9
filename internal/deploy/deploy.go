// Package deploy provisions the project's infrastructure after its
// bundles are uploaded: secrets are synced first so the synthesized
// policies reference existing parameters, then the template is
// submitted as a stack and polled until it settles.
package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/foldline/skylift/internal/config"
	"github.com/foldline/skylift/internal/function"
	"github.com/foldline/skylift/internal/logger"
	"github.com/foldline/skylift/internal/parser"
	"github.com/foldline/skylift/internal/project"
	"github.com/foldline/skylift/internal/secrets"
	"github.com/foldline/skylift/internal/stack"
	"github.com/foldline/skylift/internal/template"
	"github.com/foldline/skylift/internal/uploader"
)

// SecretSyncer pushes project secrets to the parameter store.
type SecretSyncer interface {
	Sync(ctx context.Context, secrets []secrets.Secret) error
}

// StackSubmitter submits a synthesized template body as a stack.
type StackSubmitter interface {
	Provision(ctx context.Context, stackName string, body []byte) (template.Outcome, error)
}

// StackWaiter inspects and blocks on stack operations.
type StackWaiter interface {
	Status(ctx context.Context, stackName string) (stack.Report, error)
	Wait(ctx context.Context, stackName string) (stack.Report, error)
}

// Options collects the collaborators and resolved identity a deploy
// needs.
type Options struct {
	Secrets SecretSyncer
	Stacks  StackSubmitter
	Waiter  StackWaiter

	Project   *project.Project
	Parsed    []parser.ParsedFunction
	Config    config.Config
	Username  string
	AccountID string
}

// Deployer implements the provisioning stage of the pipeline.
type Deployer struct {
	opts Options
}

func New(opts Options) *Deployer {
	return &Deployer{opts: opts}
}

// Provision syncs secrets, synthesizes the template covering every
// handler and submits it, then waits for the stack to settle. A stack
// that rolls back surfaces its resource failure reasons.
func (d *Deployer) Provision(ctx context.Context, _ []*function.Function) error {
	o := d.opts
	usernameEscaped := config.EscapeResourceName(o.Username)

	projectSecrets, err := secrets.FromDotenv(o.Project.Root, o.Username, o.Project.Name)
	if err != nil {
		return err
	}
	if err := o.Secrets.Sync(ctx, projectSecrets); err != nil {
		return err
	}

	handlers := make([]template.Handler, 0, len(o.Parsed))
	for _, f := range o.Parsed {
		name, err := f.FuncName(false)
		if err != nil {
			return err
		}
		handlers = append(handlers, template.Handler{
			Name:   name,
			S3Key:  uploader.Key(usernameEscaped, o.Project.Name, name),
			Params: f.Params,
		})
	}

	synthesized, err := template.Synthesize(template.Input{
		Project:         o.Project,
		Handlers:        handlers,
		SecretNames:     secrets.Names(projectSecrets),
		Bucket:          o.Config.Bucket,
		Username:        o.Username,
		UsernameEscaped: usernameEscaped,
		AccountID:       o.AccountID,
		Region:          o.Config.Region,
		KMSKeyID:        o.Config.KMSKeyID,
		Domain:          o.Config.Domain,
		HostedZoneID:    o.Config.HostedZoneID,
	})
	if err != nil {
		return err
	}
	body, err := synthesized.JSON()
	if err != nil {
		return err
	}

	stackName := template.StackName(usernameEscaped, o.Project.Name)
	if err := d.waitIdle(ctx, stackName); err != nil {
		return err
	}

	outcome, err := o.Stacks.Provision(ctx, stackName, body)
	if err != nil {
		return err
	}
	if outcome == template.OutcomeUnchanged {
		d.reportEndpoints()
		return nil
	}

	report, err := o.Waiter.Wait(ctx, stackName)
	if err != nil {
		return err
	}
	if report.Status == stack.StatusFailed {
		if len(report.Errors) > 0 {
			return fmt.Errorf("stack %s failed: %s", stackName, strings.Join(report.Errors, "; "))
		}
		return fmt.Errorf("stack %s failed", stackName)
	}

	logger.Info("stack settled", "stack", stackName, "outcome", outcome.String())
	d.reportEndpoints()
	return nil
}

// waitIdle blocks while a previous operation on the stack is still in
// flight. A stack that does not exist yet has no event stream; that
// probe failure means there is nothing to wait for.
func (d *Deployer) waitIdle(ctx context.Context, stackName string) error {
	report, err := d.opts.Waiter.Status(ctx, stackName)
	if err != nil {
		logger.Debug("no previous stack operation found", "stack", stackName, "error", err)
		return nil
	}
	if report.Status != stack.StatusInProgress {
		return nil
	}

	logger.Info("waiting for previous stack operation", "stack", stackName)
	if _, err := d.opts.Waiter.Wait(ctx, stackName); err != nil {
		return err
	}
	return nil
}

// reportEndpoints logs the public URL of every enabled endpoint when a
// custom domain fronts the project.
func (d *Deployer) reportEndpoints() {
	o := d.opts
	if o.Config.Domain == "" {
		return
	}

	for _, f := range o.Parsed {
		params, ok := f.Params.(parser.Endpoint)
		if !ok || params.IsDisabled {
			continue
		}
		name, err := f.FuncName(false)
		if err != nil {
			continue
		}
		path := params.URLPath
		if path == "" {
			path = "/" + strings.ToLower(name)
		}
		logger.Info("endpoint available",
			"function", name,
			"url", fmt.Sprintf("https://%s.%s%s", o.Project.Name, o.Config.Domain, path))
	}
}
