// Package scaffold renders the Rust bin sources that wrap a handler
// function for execution. Every handler gets a remote variant running
// behind the compute runtime and a local variant runnable on the
// developer machine.
package scaffold

import (
	"strings"

	"github.com/lithammer/dedent"

	"github.com/foldline/skylift/internal/parser"
)

// Render produces the bin source for one handler variant. The import
// statement brings the handler symbol into scope and rustName is the
// symbol to call.
func Render(importStatement, rustName string, params parser.Params, isLocal bool) string {
	var body string
	switch params.(type) {
	case parser.Endpoint:
		body = endpoint(isLocal)
	case parser.Worker:
		body = worker(isLocal)
	case parser.Cron:
		body = cron(isLocal)
	}

	preamble := localPreamble
	if !isLocal {
		preamble = remotePreamble
	}

	r := strings.NewReplacer(
		"<<preamble>>", preamble,
		"<<import>>", importStatement,
		"<<handler>>", rustName,
	)
	return strings.TrimLeft(r.Replace(dedent.Dedent(body)), "\n")
}

// remotePreamble loads secrets from the parameter store, recovering
// display names from the original_name tag, and builds queue senders
// from SKYLIFT_QUEUE_* environment variables.
const remotePreamble = `    let config = aws_config::load_defaults(aws_config::BehaviorVersion::latest()).await;
    println!("Fetching secrets");
    let secrets_client = aws_sdk_ssm::Client::new(&config);
    let mut secrets = std::collections::HashMap::new();

    for secret_name in std::env::var("SKYLIFT_SECRETS_NAMES")
        .unwrap_or_default()
        .split(',')
        .map(|s| s.trim().to_string())
        .filter(|s| !s.is_empty())
    {
        let param = secrets_client
            .get_parameter()
            .name(secret_name.clone())
            .with_decryption(true)
            .send()
            .await?;

        let tags = secrets_client
            .list_tags_for_resource()
            .resource_type(aws_sdk_ssm::types::ResourceTypeForTagging::Parameter)
            .resource_id(secret_name.clone())
            .send()
            .await?
            .tag_list
            .unwrap_or_default();

        let name = tags
            .iter()
            .find(|t| t.key() == "original_name")
            .map(|t| t.value().to_string())
            .unwrap_or(secret_name);

        secrets.insert(name, param.parameter.unwrap().value().unwrap().to_string());
    }

    println!("Provisioning queues");
    let mut queues = std::collections::HashMap::new();

    for (k, v) in std::env::vars() {
        if let Some(alias) = k.strip_prefix("SKYLIFT_QUEUE_") {
            queues.insert(
                alias.to_string(),
                aws_sdk_sqs::Client::new(&config).send_message().queue_url(v),
            );
        }
    }`

// localPreamble reads secrets injected through the environment; local
// runs never reach the managed parameter store.
const localPreamble = `    let queues = std::collections::HashMap::new();
    let mut secrets = std::collections::HashMap::new();

    for (k, v) in std::env::vars() {
        if let Some(key) = k.strip_prefix("SKYLIFT_SECRET_") {
            secrets.insert(key.to_string(), v);
        }
    }`

func endpoint(isLocal bool) string {
	if isLocal {
		return `
			<<import>>
			use lambda_http::Request;

			#[tokio::main]
			async fn main() -> Result<(), lambda_http::Error> {
			<<preamble>>

			    let path = std::env::var("SKYLIFT_INVOKE_PATH").unwrap_or_else(|_| "/".into());
			    let body = std::env::var("SKYLIFT_INVOKE_BODY").unwrap_or_default();

			    let mut builder = lambda_http::http::Request::builder().method("POST").uri(path);
			    if let Ok(raw) = std::env::var("SKYLIFT_INVOKE_HEADERS") {
			        let headers: std::collections::HashMap<String, String> =
			            serde_json::from_str(&raw).unwrap_or_default();
			        for (k, v) in headers {
			            builder = builder.header(k, v);
			        }
			    }

			    println!("Serving request");
			    let event = Request::from(builder.body(body.into())?);
			    let response = <<handler>>(event, &secrets, &queues).await?;
			    println!("{:?}", response);
			    Ok(())
			}
		`
	}
	return `
		<<import>>
		use lambda_http::{run, service_fn};

		#[tokio::main]
		async fn main() -> Result<(), lambda_http::Error> {
		<<preamble>>

		    println!("Serving requests");

		    run(service_fn(|event| async {
		        match <<handler>>(event, &secrets, &queues).await {
		            Ok(response) => Ok(response),
		            Err(err) => {
		                eprintln!("Error occurred while handling request: {:?}", err);
		                Err(err)
		            }
		        }
		    }))
		    .await
		}
	`
}

func worker(isLocal bool) string {
	if isLocal {
		return `
			<<import>>
			use aws_lambda_events::sqs::{SqsEvent, SqsMessage};

			#[tokio::main]
			async fn main() -> Result<(), Box<dyn std::error::Error>> {
			<<preamble>>

			    let payload = std::env::var("SKYLIFT_INVOKE_PAYLOAD").unwrap_or_else(|_| "{}".into());

			    let sqs_event = SqsEvent {
			        records: vec![SqsMessage {
			            message_id: Some("local".into()),
			            body: Some(payload),
			            ..Default::default()
			        }],
			    };

			    let context = lambda_runtime::Context::default();
			    let event = lambda_runtime::LambdaEvent::new(sqs_event, context);

			    match <<handler>>(event, &secrets, &queues).await {
			        Ok(response) => println!("{:?}", response),
			        Err(err) => eprintln!("Request failed: {:?}", err),
			    }

			    Ok(())
			}
		`
	}
	return `
		<<import>>
		use aws_lambda_events::sqs::{SqsBatchResponse, SqsEvent};
		use lambda_runtime::{run, service_fn, Error, LambdaEvent};

		#[tokio::main]
		async fn main() -> Result<(), Error> {
		<<preamble>>

		    println!("Serving requests");

		    run(service_fn(|event: LambdaEvent<SqsEvent>| async {
		        match <<handler>>(event, &secrets, &queues).await {
		            Ok(response) => Ok(response),
		            Err(err) => {
		                eprintln!("Error occurred while handling batch: {:?}", err);
		                Err(err)
		            }
		        }
		    }))
		    .await
		}
	`
}

func cron(isLocal bool) string {
	if isLocal {
		return `
			<<import>>

			#[tokio::main]
			async fn main() -> Result<(), Box<dyn std::error::Error>> {
			<<preamble>>

			    <<handler>>(&secrets, &queues).await?;
			    Ok(())
			}
		`
	}
	return `
		<<import>>
		use aws_lambda_events::eventbridge::EventBridgeEvent;
		use lambda_runtime::{run, service_fn, Error, LambdaEvent};

		#[tokio::main]
		async fn main() -> Result<(), Error> {
		<<preamble>>

		    println!("Serving requests");

		    run(service_fn(|_event: LambdaEvent<EventBridgeEvent<serde_json::Value>>| async {
		        match <<handler>>(&secrets, &queues).await {
		            Ok(()) => Ok(()),
		            Err(err) => {
		                eprintln!("Error occurred while handling tick: {:?}", err);
		                Err(err)
		            }
		        }
		    }))
		    .await
		}
	`
}
