// Package stack watches a provisioned stack until the current
// operation reaches a terminal state. Classification works on the
// event stream alone: events arrive newest first and the examination
// stops at the boundary of the operation the user started.
package stack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"

	"github.com/foldline/skylift/internal/logger"
)

// stackResourceType marks events that describe the stack itself rather
// than one of its resources.
const stackResourceType = "AWS::CloudFormation::Stack"

// userInitiatedReason marks the stack-scope event that started the
// current operation. Events older than it belong to previous runs.
const userInitiatedReason = "User Initiated"

// DefaultPollInterval is the delay between status probes.
const DefaultPollInterval = 2 * time.Second

// Status is the classified state of the current stack operation.
type Status int

const (
	StatusInProgress Status = iota
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusComplete:
		return "COMPLETE"
	case StatusFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Report is the outcome of one classification pass. Errors carries the
// failure reasons of individual resources when the operation failed.
type Report struct {
	Status Status
	Errors []string
}

// Event is one entry of the stack's event stream.
type Event struct {
	ResourceType string
	Status       string
	Reason       string
}

var failureStatuses = map[string]bool{
	"UPDATE_ROLLBACK_COMPLETE": true,
	"UPDATE_ROLLBACK_FAILED":   true,
	"CREATE_FAILED":            true,
	"UPDATE_FAILED":            true,
	"DELETE_FAILED":            true,
}

var successStatuses = map[string]bool{
	"UPDATE_COMPLETE": true,
	"CREATE_COMPLETE": true,
	"DELETE_COMPLETE": true,
}

// Classify reduces a newest-first event stream to the state of the
// current operation. Only events up to the user-initiated boundary are
// examined; the first stack-scope terminal status decides the outcome
// and resource-level failure reasons become diagnostics.
func Classify(events []Event) Report {
	var terminal *Event
	var diagnostics []string

	for i := range events {
		event := events[i]
		isStackEvent := event.ResourceType == stackResourceType

		if isStackEvent && terminal == nil {
			if failureStatuses[event.Status] || successStatuses[event.Status] {
				terminal = &events[i]
			}
		}

		if !isStackEvent && strings.Contains(event.Status, "FAILED") && event.Reason != "" {
			diagnostics = append(diagnostics, event.Reason)
		}

		if isStackEvent && event.Reason == userInitiatedReason {
			break
		}
	}

	switch {
	case terminal == nil:
		return Report{Status: StatusInProgress}
	case successStatuses[terminal.Status]:
		return Report{Status: StatusComplete}
	default:
		return Report{Status: StatusFailed, Errors: diagnostics}
	}
}

// StackEventsAPI is the subset of the provisioning client the poller
// needs.
type StackEventsAPI interface {
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
}

// Poller fetches and classifies stack events.
type Poller struct {
	client   StackEventsAPI
	interval time.Duration
}

func NewPoller(client StackEventsAPI) *Poller {
	return &Poller{client: client, interval: DefaultPollInterval}
}

// WithInterval overrides the probe delay, mainly for tests.
func (p *Poller) WithInterval(interval time.Duration) *Poller {
	p.interval = interval
	return p
}

// Status fetches the event stream and classifies the current
// operation. Pages are fetched until the operation boundary is seen or
// the stream ends.
func (p *Poller) Status(ctx context.Context, stackName string) (Report, error) {
	var events []Event
	var nextToken *string

	for {
		out, err := p.client.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
			StackName: aws.String(stackName),
			NextToken: nextToken,
		})
		if err != nil {
			return Report{}, fmt.Errorf("describe events for %s: %w", stackName, err)
		}

		boundarySeen := false
		for _, raw := range out.StackEvents {
			event := Event{
				ResourceType: aws.ToString(raw.ResourceType),
				Status:       string(raw.ResourceStatus),
				Reason:       aws.ToString(raw.ResourceStatusReason),
			}
			events = append(events, event)
			if event.ResourceType == stackResourceType && event.Reason == userInitiatedReason {
				boundarySeen = true
				break
			}
		}

		nextToken = out.NextToken
		if boundarySeen || nextToken == nil {
			break
		}
	}

	return Classify(events), nil
}

// Wait polls until the current operation leaves IN_PROGRESS. The
// context bounds the total wait.
func (p *Poller) Wait(ctx context.Context, stackName string) (Report, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		report, err := p.Status(ctx, stackName)
		if err != nil {
			return Report{}, err
		}
		if report.Status != StatusInProgress {
			return report, nil
		}
		logger.Debug("stack operation in progress", "stack", stackName)

		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
