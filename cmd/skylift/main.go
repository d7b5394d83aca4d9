package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/foldline/skylift/internal/config"
	"github.com/foldline/skylift/internal/logger"
	"github.com/foldline/skylift/internal/pipeline"
	"github.com/foldline/skylift/internal/stack"
)

type CLI struct {
	Build  BuildCmd  `cmd:"" help:"Generate the build workspace and compile every function"`
	Deploy DeployCmd `cmd:"" help:"Build, upload and provision the project"`
	Status StatusCmd `cmd:"" help:"Report the state of the project's deployment"`
}

type BuildCmd struct {
	Path string `name:"path" default:"." help:"Project directory"`
}

type DeployCmd struct {
	Names   []string `arg:"" optional:"" help:"Deploy only the named functions"`
	Path    string   `name:"path" default:"." help:"Project directory"`
	Hotswap bool     `name:"hotswap" help:"Replace code bundles without re-provisioning the stack"`
}

type StatusCmd struct {
	Path string `name:"path" default:"." help:"Project directory"`
}

type BuildInput struct {
	Path string
}

type BuildResult struct {
	Functions int
}

type DeployInput struct {
	Path    string
	Names   []string
	Hotswap bool
}

type StatusInput struct {
	Path string
}

type kongExitCode int

type commandDeps struct {
	executeBuild  func(BuildInput) (BuildResult, error)
	executeDeploy func(DeployInput) (*pipeline.Result, error)
	executeStatus func(StatusInput) (stack.Report, error)
	out           io.Writer
	errOut        io.Writer
}

func main() {
	logger.Init()
	os.Exit(run(os.Args[1:], defaultDeps()))
}

func defaultDeps() commandDeps {
	return commandDeps{
		executeBuild:  executeBuild,
		executeDeploy: executeDeploy,
		executeStatus: executeStatus,
		out:           os.Stdout,
		errOut:        os.Stderr,
	}
}

func run(args []string, deps commandDeps) (exitCode int) {
	out := deps.out
	if out == nil {
		out = os.Stdout
	}
	errOut := deps.errOut
	if errOut == nil {
		errOut = os.Stderr
	}
	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("skylift"),
		kong.Description("Deploy annotated Rust functions as managed serverless infrastructure."),
		kong.Writers(out, errOut),
		kong.Exit(func(code int) {
			panic(kongExitCode(code))
		}),
	)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: initialize command parser: %v\n", err)
		return 1
	}
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		code, ok := recovered.(kongExitCode)
		if !ok {
			panic(recovered)
		}
		exitCode = int(code)
	}()
	ctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		_, _ = fmt.Fprintln(errOut, "Hint: run `skylift --help`, `skylift build --help`, `skylift deploy --help`, or `skylift status --help`.")
		return 1
	}
	switch {
	case ctx.Command() == "build":
		if err := runBuild(cli.Build, deps, out); err != nil {
			_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
			return 1
		}
		return 0
	case ctx.Command() == "deploy" || ctx.Command() == "deploy <names>":
		if err := runDeploy(cli.Deploy, deps, out); err != nil {
			_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
			if hint := hintForDeployError(err); hint != "" {
				_, _ = fmt.Fprintf(errOut, "Hint: %s\n", hint)
			}
			return 1
		}
		return 0
	case ctx.Command() == "status":
		if err := runStatus(cli.Status, deps, out); err != nil {
			_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(errOut, "Error: unsupported command: %s\n", ctx.Command())
		_, _ = fmt.Fprintln(errOut, "Hint: run `skylift --help`.")
		return 1
	}
}

func runBuild(cmd BuildCmd, deps commandDeps, out io.Writer) error {
	execBuild := deps.executeBuild
	if execBuild == nil {
		execBuild = executeBuild
	}
	result, err := execBuild(BuildInput{Path: cmd.Path})
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "build complete: functions=%d\n", result.Functions)
	return nil
}

func runDeploy(cmd DeployCmd, deps commandDeps, out io.Writer) error {
	execDeploy := deps.executeDeploy
	if execDeploy == nil {
		execDeploy = executeDeploy
	}
	result, err := execDeploy(DeployInput{
		Path:    cmd.Path,
		Names:   append([]string(nil), cmd.Names...),
		Hotswap: cmd.Hotswap,
	})
	if err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}
	if result.Changed == 0 {
		_, _ = fmt.Fprintf(out, "deploy complete: functions=%d, all bundles unchanged\n", result.Deployed)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deploy complete: functions=%d uploaded=%d\n", result.Deployed, result.Changed)
	return nil
}

func runStatus(cmd StatusCmd, deps commandDeps, out io.Writer) error {
	execStatus := deps.executeStatus
	if execStatus == nil {
		execStatus = executeStatus
	}
	report, err := execStatus(StatusInput{Path: cmd.Path})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "deployment status: %s\n", report.Status)
	for _, reason := range report.Errors {
		_, _ = fmt.Fprintf(out, "  - %s\n", reason)
	}
	return nil
}

func hintForDeployError(err error) string {
	switch {
	case errors.Is(err, config.ErrNotLoggedIn):
		return "place credentials.yaml with a valid token under ~/.skylift."
	case errors.Is(err, config.ErrCredentialsExpired):
		return "credentials have expired; refresh them before deploying."
	case errors.Is(err, config.ErrMissingBucket), errors.Is(err, config.ErrMissingRegion):
		return "configure bucket and region in ~/.skylift/config.yaml or via SKYLIFT_BUCKET / SKYLIFT_REGION."
	default:
		return "run `skylift deploy --help` for required arguments."
	}
}
