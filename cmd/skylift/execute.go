package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/foldline/skylift/internal/builder"
	"github.com/foldline/skylift/internal/config"
	"github.com/foldline/skylift/internal/deploy"
	"github.com/foldline/skylift/internal/function"
	"github.com/foldline/skylift/internal/pipeline"
	"github.com/foldline/skylift/internal/project"
	"github.com/foldline/skylift/internal/secrets"
	"github.com/foldline/skylift/internal/stack"
	"github.com/foldline/skylift/internal/template"
	"github.com/foldline/skylift/internal/uploader"
)

// executeBuild prepares the build workspace and compiles every function
// without touching any remote service.
func executeBuild(input BuildInput) (BuildResult, error) {
	p, err := project.FromPath(input.Path)
	if err != nil {
		return BuildResult{}, err
	}

	prepared, err := builder.New(p).Prepare(nil)
	if err != nil {
		return BuildResult{}, err
	}

	pipe := pipeline.New(function.ShellRunner{}, nil, nil, "", p.Name, config.DefaultMaxConcurrency)
	pipe.BuildOnly = true

	result, err := pipe.Run(context.Background(), prepared)
	if err != nil {
		return BuildResult{}, err
	}
	return BuildResult{Functions: result.Built}, nil
}

// executeDeploy runs the full pipeline: workspace preparation, compile,
// bundle and upload under the concurrency cap, then secrets sync,
// template synthesis and stack provisioning.
func executeDeploy(input DeployInput) (*pipeline.Result, error) {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}

	p, err := project.FromPath(input.Path)
	if err != nil {
		return nil, err
	}
	prepared, err := builder.New(p).Prepare(input.Names)
	if err != nil {
		return nil, err
	}
	for _, name := range input.Names {
		if _, err := function.FindByName(prepared.Functions, name); err != nil {
			return nil, err
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	accountID, err := callerAccount(ctx, sts.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}

	cfnClient := cloudformation.NewFromConfig(awsCfg)
	deployer := deploy.New(deploy.Options{
		Secrets:   secrets.NewStore(ssm.NewFromConfig(awsCfg), cfg.KMSKeyID),
		Stacks:    template.NewProvisioner(cfnClient),
		Waiter:    stack.NewPoller(cfnClient),
		Project:   p,
		Parsed:    prepared.Parsed,
		Config:    *cfg,
		Username:  creds.Email,
		AccountID: accountID,
	})

	pipe := pipeline.New(
		function.ShellRunner{},
		uploader.New(s3.NewFromConfig(awsCfg), cfg.Bucket),
		deployer,
		creds.UsernameEscaped(),
		p.Name,
		cfg.MaxConcurrency,
	)
	pipe.Hotswap = input.Hotswap

	return pipe.Run(ctx, prepared)
}

// executeStatus reports the current state of the project's stack.
func executeStatus(input StatusInput) (stack.Report, error) {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return stack.Report{}, err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return stack.Report{}, err
	}
	p, err := project.FromPath(input.Path)
	if err != nil {
		return stack.Report{}, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return stack.Report{}, fmt.Errorf("load aws configuration: %w", err)
	}

	poller := stack.NewPoller(cloudformation.NewFromConfig(awsCfg))
	stackName := template.StackName(creds.UsernameEscaped(), p.Name)
	report, err := poller.Status(ctx, stackName)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" {
			return stack.Report{}, fmt.Errorf("project %s has no deployment yet", p.Name)
		}
		return stack.Report{}, err
	}
	return report, nil
}

func callerAccount(ctx context.Context, client *sts.Client) (string, error) {
	identity, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolve caller identity: %w", err)
	}
	return aws.ToString(identity.Account), nil
}
