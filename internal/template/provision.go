package template

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"github.com/foldline/skylift/internal/logger"
)

// Outcome is the result of one provisioning call.
type Outcome int

const (
	// OutcomeCreated means a new stack was started.
	OutcomeCreated Outcome = iota
	// OutcomeUpdated means an existing stack received changes.
	OutcomeUpdated
	// OutcomeUnchanged means the submitted template matched the
	// deployed stack and nothing was provisioned.
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// CloudFormationAPI is the subset of the provisioning client the
// provisioner needs.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
}

// Provisioner submits synthesized templates as stacks.
type Provisioner struct {
	client CloudFormationAPI
}

func NewProvisioner(client CloudFormationAPI) *Provisioner {
	return &Provisioner{client: client}
}

// StackName scopes the stack to the user and project.
func StackName(usernameEscaped, projectName string) string {
	return fmt.Sprintf("%s-%s", usernameEscaped, projectName)
}

// Provision creates the stack or updates it when it already exists.
// A submitted template identical to the deployed one yields
// OutcomeUnchanged.
func (p *Provisioner) Provision(ctx context.Context, stackName string, body []byte) (Outcome, error) {
	exists, err := p.stackExists(ctx, stackName)
	if err != nil {
		return OutcomeUnchanged, err
	}

	if !exists {
		_, err := p.client.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(stackName),
			TemplateBody: aws.String(string(body)),
			Capabilities: []types.Capability{types.CapabilityCapabilityIam},
		})
		if err != nil {
			return OutcomeUnchanged, fmt.Errorf("create stack %s: %w", stackName, err)
		}
		logger.Info("stack created", "stack", stackName)
		return OutcomeCreated, nil
	}

	_, err = p.client.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(string(body)),
		Capabilities: []types.Capability{types.CapabilityCapabilityIam},
	})
	if err != nil {
		if isNoUpdates(err) {
			logger.Info("stack unchanged", "stack", stackName)
			return OutcomeUnchanged, nil
		}
		return OutcomeUnchanged, fmt.Errorf("update stack %s: %w", stackName, err)
	}
	logger.Info("stack update started", "stack", stackName)
	return OutcomeUpdated, nil
}

// stackExists probes the stack. The provisioning API reports a missing
// stack as a ValidationError; any other failure is surfaced.
func (p *Provisioner) stackExists(ctx context.Context, stackName string) (bool, error) {
	_, err := p.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" {
		return false, nil
	}
	return false, fmt.Errorf("describe stack %s: %w", stackName, err)
}

// isNoUpdates recognizes the ValidationError raised when an update
// submits a template identical to the deployed one.
func isNoUpdates(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "ValidationError" {
		return false
	}
	return strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}
