package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldline/skylift/internal/config"
	"github.com/foldline/skylift/internal/parser"
	"github.com/foldline/skylift/internal/project"
	"github.com/foldline/skylift/internal/secrets"
	"github.com/foldline/skylift/internal/stack"
	"github.com/foldline/skylift/internal/template"
)

type fakeSyncer struct {
	synced []secrets.Secret
	calls  int
}

func (f *fakeSyncer) Sync(_ context.Context, s []secrets.Secret) error {
	f.calls++
	f.synced = s
	return nil
}

type fakeStacks struct {
	outcome   template.Outcome
	stackName string
	body      []byte
}

func (f *fakeStacks) Provision(_ context.Context, stackName string, body []byte) (template.Outcome, error) {
	f.stackName = stackName
	f.body = body
	return f.outcome, nil
}

type fakeWaiter struct {
	status    stack.Report
	statusErr error
	report    stack.Report
	calls     int
}

func (f *fakeWaiter) Status(_ context.Context, _ string) (stack.Report, error) {
	return f.status, f.statusErr
}

func (f *fakeWaiter) Wait(_ context.Context, _ string) (stack.Report, error) {
	f.calls++
	return f.report, nil
}

func testOptions(t *testing.T) (Options, *fakeSyncer, *fakeStacks, *fakeWaiter) {
	t.Helper()

	syncer := &fakeSyncer{}
	stacks := &fakeStacks{outcome: template.OutcomeUpdated}
	waiter := &fakeWaiter{
		status: stack.Report{Status: stack.StatusComplete},
		report: stack.Report{Status: stack.StatusComplete},
	}

	opts := Options{
		Secrets: syncer,
		Stacks:  stacks,
		Waiter:  waiter,
		Project: &project.Project{Name: "shop", Root: t.TempDir()},
		Parsed: []parser.ParsedFunction{{
			RustFunctionName: "confirm",
			RelativePath:     "src/api/checkout.rs",
			Params:           parser.Endpoint{Name: "ApiCheckout", URLPath: "/checkout"},
		}},
		Config: config.Config{
			Bucket: "artifacts",
			Region: "eu-central-1",
		},
		Username:  "dev@example.com",
		AccountID: "123456789012",
	}
	return opts, syncer, stacks, waiter
}

func TestProvisionSubmitsTemplateAndWaits(t *testing.T) {
	opts, syncer, stacks, waiter := testOptions(t)
	require.NoError(t, os.WriteFile(filepath.Join(opts.Project.Root, secrets.Filename), []byte("DB_PASSWORD=hunter2\n"), 0o600))

	require.NoError(t, New(opts).Provision(context.Background(), nil))

	require.Equal(t, 1, syncer.calls)
	assert.Len(t, syncer.synced, 1)

	assert.Equal(t, "devATexampleDOTcom-shop", stacks.stackName)
	assert.Contains(t, string(stacks.body), "EndpointdevATexampleDOTcomDshopDApiCheckout")
	assert.Contains(t, string(stacks.body), "devATexampleDOTcom/shop/ApiCheckout.zip")

	assert.Equal(t, 1, waiter.calls)
}

func TestProvisionSkipsWaitWhenUnchanged(t *testing.T) {
	opts, _, stacks, waiter := testOptions(t)
	stacks.outcome = template.OutcomeUnchanged

	require.NoError(t, New(opts).Provision(context.Background(), nil))
	assert.Zero(t, waiter.calls)
}

func TestProvisionSurfacesStackFailure(t *testing.T) {
	opts, _, _, waiter := testOptions(t)
	waiter.report = stack.Report{
		Status: stack.StatusFailed,
		Errors: []string{"Code bundle not found"},
	}

	err := New(opts).Provision(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Code bundle not found")
}

func TestProvisionWaitsForPreviousOperation(t *testing.T) {
	opts, _, _, waiter := testOptions(t)
	waiter.status = stack.Report{Status: stack.StatusInProgress}

	require.NoError(t, New(opts).Provision(context.Background(), nil))
	assert.Equal(t, 2, waiter.calls, "once to drain the old operation, once for ours")
}

func TestProvisionToleratesMissingStackProbe(t *testing.T) {
	opts, _, stacks, waiter := testOptions(t)
	waiter.statusErr = errors.New("stack does not exist")
	stacks.outcome = template.OutcomeCreated

	require.NoError(t, New(opts).Provision(context.Background(), nil))
	assert.Equal(t, 1, waiter.calls)
}

func TestProvisionWithoutSecretsFile(t *testing.T) {
	opts, syncer, _, _ := testOptions(t)

	require.NoError(t, New(opts).Provision(context.Background(), nil))
	require.Equal(t, 1, syncer.calls)
	assert.Empty(t, syncer.synced)
}
