package template

import (
	"fmt"

	"github.com/foldline/skylift/internal/parser"
	"github.com/foldline/skylift/internal/project"
)

const (
	computeRuntime = "provided.al2023"
	computeHandler = "bootstrap"
	usernameTagKey = "SKYLIFT_USERNAME"
)

// kvTable declares one key-value table with a fixed hash key.
func (t *Template) kvTable(table project.KvTable) Resource {
	return Resource{
		LogicalName: "DynamoDBTable" + t.prefixed(table.Name),
		Body: map[string]any{
			"Type": "AWS::DynamoDB::Table",
			"Properties": map[string]any{
				"TableName": t.prefixed(table.Name),
				"AttributeDefinitions": []any{map[string]any{
					"AttributeName": "id",
					"AttributeType": "S",
				}},
				"KeySchema": []any{map[string]any{
					"AttributeName": "id",
					"KeyType":       "HASH",
				}},
				"ProvisionedThroughput": map[string]any{
					"ReadCapacityUnits":  5,
					"WriteCapacityUnits": 5,
				},
			},
		},
	}
}

// queue declares one message queue with consumer-friendly defaults:
// long polling and four days of retention.
func (t *Template) queue(logicalName, queueName string, fifo bool) Resource {
	properties := map[string]any{
		"QueueName":                     t.prefixed(queueName),
		"VisibilityTimeout":             60,
		"MaximumMessageSize":            2048,
		"MessageRetentionPeriod":        345600,
		"ReceiveMessageWaitTimeSeconds": 20,
	}
	if fifo {
		properties["QueueName"] = t.prefixed(queueName) + ".fifo"
		properties["FifoQueue"] = true
	}
	return Resource{
		LogicalName: logicalName,
		Body: map[string]any{
			"Type":       "AWS::SQS::Queue",
			"Properties": properties,
		},
	}
}

// computeFunction is the shared shape of every handler's function
// resource. Functions carry the user tag so other parts of the stack
// can attribute them; a function cannot modify its own tags.
func (t *Template) computeFunction(h Handler, name, roleLogical string, memory, timeout int) map[string]any {
	return map[string]any{
		"Type": "AWS::Lambda::Function",
		"Properties": map[string]any{
			"FunctionName": name,
			"Handler":      computeHandler,
			"Runtime":      computeRuntime,
			"Environment":  t.environment(h),
			"Role":         getAtt(roleLogical, "Arn"),
			"MemorySize":   memory,
			"Timeout":      timeout,
			"Code": map[string]any{
				"S3Bucket": t.in.Bucket,
				"S3Key":    h.S3Key,
			},
			"Tags": []any{map[string]any{
				"Key":   usernameTagKey,
				"Value": t.in.Username,
			}},
		},
	}
}

// executionRole builds the IAM role for a handler with the given
// inline policies.
func executionRole(policies []any) map[string]any {
	return map[string]any{
		"Type": "AWS::IAM::Role",
		"Properties": map[string]any{
			"AssumeRolePolicyDocument": map[string]any{
				"Version": "2012-10-17",
				"Statement": []any{map[string]any{
					"Effect":    "Allow",
					"Principal": map[string]any{"Service": []any{"lambda.amazonaws.com"}},
					"Action":    []any{"sts:AssumeRole"},
				}},
			},
			"Path":     "/",
			"Policies": policies,
		},
	}
}

// endpoint produces the resource bundle for an HTTP handler: the
// function, its role, a public function URL and the invoke permission.
func (t *Template) endpoint(h Handler, _ parser.Endpoint) []Resource {
	name := t.prefixed(h.Name)
	policies := append(t.sharedPolicies(), logsPolicy())

	return []Resource{
		{
			LogicalName: "Endpoint" + name,
			Body:        t.computeFunction(h, name, "EndpointRole"+name, 256, 30),
		},
		{
			LogicalName: "EndpointRole" + name,
			Body:        executionRole(policies),
		},
		{
			LogicalName: "EndpointUrl" + name,
			Body: map[string]any{
				"Type": "AWS::Lambda::Url",
				"Properties": map[string]any{
					"AuthType":          "NONE",
					"TargetFunctionArn": ref("Endpoint" + name),
				},
			},
		},
		{
			LogicalName: "EndpointUrlPermission" + name,
			Body: map[string]any{
				"Type": "AWS::Lambda::Permission",
				"Properties": map[string]any{
					"Action":              "lambda:InvokeFunctionUrl",
					"FunctionUrlAuthType": "NONE",
					"FunctionName":        ref("Endpoint" + name),
					"Principal":           "*",
				},
			},
		},
	}
}

// worker produces the resource bundle for a queue consumer: the
// function, its role with receive permissions on the queue, the queue
// itself when the worker does not bind a declared one, and the event
// source mapping capped at the worker's concurrency.
func (t *Template) worker(h Handler, params parser.Worker) ([]Resource, error) {
	name := t.prefixed(h.Name)

	queueLogical := "WorkerQueue" + name
	concurrency := params.Concurrency
	var resources []Resource

	if params.QueueAlias != "" {
		declared, ok := t.in.Project.QueueByAlias(params.QueueAlias)
		if !ok {
			return nil, fmt.Errorf("%w: %s binds unknown queue %q", ErrNoQueue, h.Name, params.QueueAlias)
		}
		queueLogical = "Queue" + t.prefixed(declared.Name)
		if declared.Concurrency > 0 {
			concurrency = declared.Concurrency
		}
	} else {
		resources = append(resources, t.queue(queueLogical, h.Name, params.FIFO))
	}

	policies := append(t.sharedPolicies(), logsPolicy(), map[string]any{
		"PolicyName": "QueuePolicy",
		"PolicyDocument": map[string]any{
			"Version": "2012-10-17",
			"Statement": []any{map[string]any{
				"Effect": "Allow",
				"Action": []any{
					"sqs:ChangeMessageVisibility",
					"sqs:DeleteMessage",
					"sqs:GetQueueAttributes",
					"sqs:GetQueueUrl",
					"sqs:ReceiveMessage",
				},
				"Resource": getAtt(queueLogical, "Arn"),
			}},
		},
	})

	resources = append(resources,
		Resource{
			LogicalName: "Worker" + name,
			Body:        t.computeFunction(h, name, "WorkerRole"+name, 128, 60),
		},
		Resource{
			LogicalName: "WorkerRole" + name,
			Body:        executionRole(policies),
		},
		Resource{
			LogicalName: "WorkerQueueEventSourceMapping" + name,
			Body: map[string]any{
				"Type": "AWS::Lambda::EventSourceMapping",
				"Properties": map[string]any{
					"EventSourceArn": getAtt(queueLogical, "Arn"),
					"FunctionName":   ref("Worker" + name),
					"ScalingConfig":  map[string]any{"MaximumConcurrency": concurrency},
				},
			},
		},
	)
	return resources, nil
}

// cron produces the resource bundle for a scheduled handler: the
// function with a reserved concurrency cap, its role, the schedule
// rule and the permission for the scheduler to invoke it.
func (t *Template) cron(h Handler, params parser.Cron) []Resource {
	name := t.prefixed(h.Name)
	policies := append(t.sharedPolicies(), logsPolicy())

	fn := t.computeFunction(h, name, "CronRole"+name, 128, 60)
	fn["Properties"].(map[string]any)["ReservedConcurrentExecutions"] = 8

	return []Resource{
		{
			LogicalName: "Cron" + name,
			Body:        fn,
		},
		{
			LogicalName: "CronRole" + name,
			Body:        executionRole(policies),
		},
		{
			LogicalName: "CronEventBridgeRule" + name,
			Body: map[string]any{
				"Type": "AWS::Events::Rule",
				"Properties": map[string]any{
					"Description":        "Schedule rule for the cron handler",
					"ScheduleExpression": params.Schedule,
					"State":              "ENABLED",
					"Targets": []any{map[string]any{
						"Arn": getAtt("Cron"+name, "Arn"),
						"Id":  "CronTarget" + name,
					}},
				},
			},
		},
		{
			LogicalName: "CronEventBridgePermission" + name,
			Body: map[string]any{
				"Type": "AWS::Lambda::Permission",
				"Properties": map[string]any{
					"Action":       "lambda:InvokeFunction",
					"FunctionName": ref("Cron" + name),
					"Principal":    "events.amazonaws.com",
					"SourceArn":    getAtt("CronEventBridgeRule"+name, "Arn"),
				},
			},
		},
	}
}

// sharedPolicies grants every handler in the project access to the
// project's tables, declared queues and stored secrets.
func (t *Template) sharedPolicies() []any {
	var policies []any

	for _, table := range t.in.Project.KvTables {
		name := t.prefixed(table.Name)
		policies = append(policies, map[string]any{
			"PolicyName": "DynamoPolicy" + name,
			"PolicyDocument": map[string]any{
				"Version": "2012-10-17",
				"Statement": []any{map[string]any{
					"Effect": "Allow",
					"Action": []any{
						"dynamodb:BatchGetItem",
						"dynamodb:BatchWriteItem",
						"dynamodb:ConditionCheckItem",
						"dynamodb:PutItem",
						"dynamodb:DescribeTable",
						"dynamodb:DeleteItem",
						"dynamodb:GetItem",
						"dynamodb:Scan",
						"dynamodb:Query",
						"dynamodb:UpdateItem",
					},
					"Resource": getAtt("DynamoDBTable"+name, "Arn"),
				}},
			},
		})
	}

	for _, queue := range t.in.Project.Queues {
		name := t.prefixed(queue.Name)
		policies = append(policies, map[string]any{
			"PolicyName": "QueueSendPolicy" + name,
			"PolicyDocument": map[string]any{
				"Version": "2012-10-17",
				"Statement": []any{map[string]any{
					"Effect": "Allow",
					"Action": []any{
						"sqs:GetQueueUrl",
						"sqs:SendMessage",
					},
					"Resource": getAtt("Queue"+name, "Arn"),
				}},
			},
		})
	}

	for _, secret := range t.in.SecretNames {
		statements := []any{map[string]any{
			"Effect": "Allow",
			"Action": []any{
				"ssm:GetParameter",
				"ssm:GetParameters",
				"ssm:ListTagsForResource",
			},
			"Resource": []any{fmt.Sprintf(
				"arn:aws:ssm:%s:%s:parameter/%s",
				t.in.Region, t.in.AccountID, secret,
			)},
		}}
		if t.in.KMSKeyID != "" {
			statements = append(statements, map[string]any{
				"Effect": "Allow",
				"Action": []any{"kms:Decrypt"},
				"Resource": []any{fmt.Sprintf(
					"arn:aws:kms:%s:%s:key/%s",
					t.in.Region, t.in.AccountID, t.in.KMSKeyID,
				)},
			})
		}
		policies = append(policies, map[string]any{
			"PolicyName": "SecretPolicy" + t.prefixed(secret),
			"PolicyDocument": map[string]any{
				"Version":   "2012-10-17",
				"Statement": statements,
			},
		})
	}

	return policies
}

// logsPolicy lets a handler create and append to its own log streams.
func logsPolicy() map[string]any {
	return map[string]any{
		"PolicyName": "AppendToLogsPolicy",
		"PolicyDocument": map[string]any{
			"Version": "2012-10-17",
			"Statement": []any{map[string]any{
				"Effect": "Allow",
				"Action": []any{
					"logs:CreateLogGroup",
					"logs:CreateLogStream",
					"logs:PutLogEvents",
				},
				"Resource": "*",
			}},
		},
	}
}
