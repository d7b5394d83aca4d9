package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/foldline/skylift/internal/parser"
	"github.com/foldline/skylift/internal/project"
)

func testInput() Input {
	return Input{
		Project: &project.Project{
			Name:     "shop",
			KvTables: []project.KvTable{{Name: "orders"}},
			Queues:   []project.Queue{{Name: "MailQueue", Alias: "mail", Concurrency: 4}},
		},
		Handlers: []Handler{
			{
				Name:   "ApiCheckout",
				S3Key:  "devATexampleDOTcom/shop/ApiCheckout.zip",
				Params: parser.Endpoint{URLPath: "/checkout"},
			},
			{
				Name:   "ApiStatus",
				S3Key:  "devATexampleDOTcom/shop/ApiStatus.zip",
				Params: parser.Endpoint{URLPath: "/status/"},
			},
			{
				Name:   "MailSender",
				S3Key:  "devATexampleDOTcom/shop/MailSender.zip",
				Params: parser.Worker{QueueAlias: "mail", Concurrency: 2},
			},
			{
				Name:   "NightlyCleanup",
				S3Key:  "devATexampleDOTcom/shop/NightlyCleanup.zip",
				Params: parser.Cron{Schedule: "rate(1 day)"},
			},
		},
		SecretNames:     []string{"dbpassword1234"},
		Bucket:          "artifacts",
		Username:        "dev@example.com",
		UsernameEscaped: "devATexampleDOTcom",
		AccountID:       "123456789012",
		Region:          "eu-central-1",
	}
}

func mustSynthesize(t *testing.T, in Input) *Template {
	t.Helper()
	tpl, err := Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	return tpl
}

func TestSynthesizeScopesLogicalNames(t *testing.T) {
	tpl := mustSynthesize(t, testInput())

	for _, logical := range []string{
		"DynamoDBTabledevATexampleDOTcomDshopDorders",
		"QueuedevATexampleDOTcomDshopDMailQueue",
		"EndpointdevATexampleDOTcomDshopDApiCheckout",
		"EndpointRoledevATexampleDOTcomDshopDApiCheckout",
		"EndpointUrldevATexampleDOTcomDshopDApiCheckout",
		"EndpointUrlPermissiondevATexampleDOTcomDshopDApiCheckout",
		"WorkerdevATexampleDOTcomDshopDMailSender",
		"WorkerQueueEventSourceMappingdevATexampleDOTcomDshopDMailSender",
		"CrondevATexampleDOTcomDshopDNightlyCleanup",
		"CronEventBridgeRuledevATexampleDOTcomDshopDNightlyCleanup",
		"EndpointDistributionshop",
	} {
		if _, ok := tpl.Resource(logical); !ok {
			t.Fatalf("missing resource %s", logical)
		}
	}
}

func TestSynthesizeIsIdempotent(t *testing.T) {
	first, err := mustSynthesize(t, testInput()).JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	second, err := mustSynthesize(t, testInput()).JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("synthesis of identical input must be byte-identical")
	}
}

func TestWorkerBindsDeclaredQueue(t *testing.T) {
	tpl := mustSynthesize(t, testInput())

	mapping, ok := tpl.Resource("WorkerQueueEventSourceMappingdevATexampleDOTcomDshopDMailSender")
	if !ok {
		t.Fatal("event source mapping missing")
	}
	props := mapping.Body["Properties"].(map[string]any)
	scaling := props["ScalingConfig"].(map[string]any)
	if scaling["MaximumConcurrency"] != 4 {
		t.Fatalf("concurrency = %v, want declared queue concurrency 4", scaling["MaximumConcurrency"])
	}

	arn := props["EventSourceArn"].(map[string]any)["Fn::GetAtt"].([]any)
	if arn[0] != "QueuedevATexampleDOTcomDshopDMailQueue" {
		t.Fatalf("mapping source = %v, want the declared queue", arn[0])
	}
}

func TestWorkerWithoutAliasGetsOwnQueue(t *testing.T) {
	in := testInput()
	in.Handlers = []Handler{{
		Name:   "Indexer",
		S3Key:  "u/shop/Indexer.zip",
		Params: parser.Worker{Concurrency: 3},
	}}
	tpl := mustSynthesize(t, in)

	queue, ok := tpl.Resource("WorkerQueuedevATexampleDOTcomDshopDIndexer")
	if !ok {
		t.Fatal("implicit worker queue missing")
	}
	if queue.Body["Type"] != "AWS::SQS::Queue" {
		t.Fatalf("queue type = %v", queue.Body["Type"])
	}
}

func TestWorkerWithUnknownAliasFails(t *testing.T) {
	in := testInput()
	in.Handlers = []Handler{{
		Name:   "MailSender",
		S3Key:  "u/shop/MailSender.zip",
		Params: parser.Worker{QueueAlias: "missing", Concurrency: 2},
	}}

	if _, err := Synthesize(in); !errors.Is(err, ErrNoQueue) {
		t.Fatalf("error = %v, want ErrNoQueue", err)
	}
}

func TestRoutingDefaultsToFirstEndpoint(t *testing.T) {
	tpl := mustSynthesize(t, testInput())

	dist, ok := tpl.Resource("EndpointDistributionshop")
	if !ok {
		t.Fatal("distribution missing")
	}
	cfg := dist.Body["Properties"].(map[string]any)["DistributionConfig"].(map[string]any)

	defaultBehavior := cfg["DefaultCacheBehavior"].(map[string]any)
	if defaultBehavior["TargetOriginId"] != "EndpointOrigindevATexampleDOTcomDshopDApiCheckout" {
		t.Fatalf("default origin = %v, want the first declared endpoint", defaultBehavior["TargetOriginId"])
	}

	behaviors := cfg["CacheBehaviors"].([]any)
	var patterns []string
	for _, b := range behaviors {
		patterns = append(patterns, b.(map[string]any)["PathPattern"].(string))
	}
	joined := strings.Join(patterns, " ")
	for _, want := range []string{"/checkout", "/checkout/", "/status", "/status/"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("behaviors %v missing pattern %q", patterns, want)
		}
	}

	cert := cfg["ViewerCertificate"].(map[string]any)
	if cert["CloudFrontDefaultCertificate"] != true {
		t.Fatalf("certificate = %v, want default certificate without a domain", cert)
	}
}

func TestRoutingSkipsDisabledEndpoints(t *testing.T) {
	in := testInput()
	in.Handlers = append(in.Handlers, Handler{
		Name:   "ApiHidden",
		S3Key:  "u/shop/ApiHidden.zip",
		Params: parser.Endpoint{URLPath: "/hidden", IsDisabled: true},
	})
	tpl := mustSynthesize(t, in)

	dist, _ := tpl.Resource("EndpointDistributionshop")
	cfg := dist.Body["Properties"].(map[string]any)["DistributionConfig"].(map[string]any)
	for _, b := range cfg["CacheBehaviors"].([]any) {
		if strings.HasPrefix(b.(map[string]any)["PathPattern"].(string), "/hidden") {
			t.Fatal("disabled endpoint must not be routed")
		}
	}
}

func TestRoutingWithDomainAddsCertificateAndRecord(t *testing.T) {
	in := testInput()
	in.Domain = "example.dev"
	in.HostedZoneID = "Z0123456789"
	tpl := mustSynthesize(t, in)

	cert, ok := tpl.Resource("EndpointDistributionDomainCertshop")
	if !ok {
		t.Fatal("certificate missing")
	}
	props := cert.Body["Properties"].(map[string]any)
	if props["DomainName"] != "shop.example.dev" {
		t.Fatalf("certificate domain = %v", props["DomainName"])
	}

	record, ok := tpl.Resource("EndpointDistributionAliasRecordshop")
	if !ok {
		t.Fatal("alias record missing")
	}
	alias := record.Body["Properties"].(map[string]any)["AliasTarget"].(map[string]any)
	if alias["HostedZoneId"] != cloudfrontHostedZoneID {
		t.Fatalf("alias zone = %v", alias["HostedZoneId"])
	}

	dist, _ := tpl.Resource("EndpointDistributionshop")
	cfg := dist.Body["Properties"].(map[string]any)["DistributionConfig"].(map[string]any)
	viewer := cfg["ViewerCertificate"].(map[string]any)
	if viewer["SslSupportMethod"] != "sni-only" {
		t.Fatalf("viewer certificate = %v", viewer)
	}
}

func TestRoutingOmittedWithoutEndpoints(t *testing.T) {
	in := testInput()
	in.Handlers = []Handler{{
		Name:   "NightlyCleanup",
		S3Key:  "u/shop/NightlyCleanup.zip",
		Params: parser.Cron{Schedule: "rate(1 day)"},
	}}
	tpl := mustSynthesize(t, in)

	if _, ok := tpl.Resource("EndpointDistributionshop"); ok {
		t.Fatal("distribution must be omitted when no endpoint exists")
	}
}

func TestEnvironmentCarriesManagedEntries(t *testing.T) {
	in := testInput()
	in.Handlers[0].Params = parser.Endpoint{
		URLPath: "/checkout",
		Env:     map[string]string{"TABLE": "orders", "SKYLIFT_USERNAME": "spoofed"},
	}
	tpl := mustSynthesize(t, in)

	fn, _ := tpl.Resource("EndpointdevATexampleDOTcomDshopDApiCheckout")
	env := fn.Body["Properties"].(map[string]any)["Environment"].(map[string]any)
	variables := env["Variables"].(map[string]any)

	if variables["TABLE"] != "orders" {
		t.Fatalf("user variable lost: %v", variables)
	}
	if variables["SKYLIFT_USERNAME"] != "dev@example.com" {
		t.Fatalf("managed variable must win over redefinition: %v", variables["SKYLIFT_USERNAME"])
	}
	if variables["SKYLIFT_SECRETS_NAMES"] != "dbpassword1234" {
		t.Fatalf("secrets names = %v", variables["SKYLIFT_SECRETS_NAMES"])
	}
	queueRef := variables["SKYLIFT_QUEUE_mail"].(map[string]any)
	if queueRef["Ref"] != "QueuedevATexampleDOTcomDshopDMailQueue" {
		t.Fatalf("queue env = %v", queueRef)
	}
}

func TestSecretPolicyScopesParameterArn(t *testing.T) {
	in := testInput()
	in.KMSKeyID = "kms-key-1"
	tpl := mustSynthesize(t, in)

	role, _ := tpl.Resource("EndpointRoledevATexampleDOTcomDshopDApiCheckout")
	policies := role.Body["Properties"].(map[string]any)["Policies"].([]any)

	var secretPolicy map[string]any
	for _, p := range policies {
		policy := p.(map[string]any)
		if strings.HasPrefix(policy["PolicyName"].(string), "SecretPolicy") {
			secretPolicy = policy
		}
	}
	if secretPolicy == nil {
		t.Fatalf("no secret policy in %v", policies)
	}

	statements := secretPolicy["PolicyDocument"].(map[string]any)["Statement"].([]any)
	if len(statements) != 2 {
		t.Fatalf("statements = %d, want parameter access plus key decrypt", len(statements))
	}
	paramArns := statements[0].(map[string]any)["Resource"].([]any)
	if paramArns[0] != "arn:aws:ssm:eu-central-1:123456789012:parameter/dbpassword1234" {
		t.Fatalf("parameter arn = %v", paramArns[0])
	}
}

func TestDuplicateHandlersRejected(t *testing.T) {
	in := testInput()
	in.Handlers = append(in.Handlers, in.Handlers[0])

	if _, err := Synthesize(in); !errors.Is(err, ErrDuplicateResource) {
		t.Fatalf("error = %v, want ErrDuplicateResource", err)
	}
}
