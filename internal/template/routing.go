package template

import (
	"strings"

	"github.com/foldline/skylift/internal/config"
	"github.com/foldline/skylift/internal/parser"
)

// cloudfrontHostedZoneID is the fixed zone every distribution alias
// record points into.
const cloudfrontHostedZoneID = "Z2FDTNDATAQYW2"

// Managed policy ids for origin requests and caching on behaviors.
const (
	originRequestPolicyID = "b689b0a8-53d0-40ab-baf2-68738e2966ac"
	cachePolicyID         = "4135ea2d-6df8-44a3-9df3-4b5a84be39ad"
)

var allowedMethods = []any{"DELETE", "GET", "HEAD", "OPTIONS", "PATCH", "POST", "PUT"}

// routing fronts every enabled endpoint with a distribution: one
// origin per endpoint URL, a cache behavior per URL path plus its
// trailing-slash twin, and the first endpoint by declaration order as
// the default origin. With a configured domain the distribution gets a
// certificate and a DNS alias record.
func (t *Template) routing() ([]Resource, error) {
	type routed struct {
		name    string
		urlPath string
	}

	var endpoints []routed
	for _, h := range t.in.Handlers {
		params, ok := h.Params.(parser.Endpoint)
		if !ok || params.IsDisabled {
			continue
		}
		urlPath := params.URLPath
		if urlPath == "" {
			urlPath = "/" + strings.ToLower(h.Name)
		}
		endpoints = append(endpoints, routed{name: t.prefixed(h.Name), urlPath: urlPath})
	}
	if len(endpoints) == 0 {
		return nil, nil
	}

	projectLogical := config.EscapeResourceName(t.in.Project.Name)

	var origins []any
	var behaviors []any
	for _, e := range endpoints {
		origins = append(origins, map[string]any{
			"Id": "EndpointOrigin" + e.name,
			// The function URL is https://<hostname>/; the origin needs
			// the bare hostname.
			"DomainName": map[string]any{
				"Fn::Select": []any{2, map[string]any{
					"Fn::Split": []any{"/", getAtt("EndpointUrl"+e.name, "FunctionUrl")},
				}},
			},
			"CustomOriginConfig": map[string]any{
				"OriginProtocolPolicy": "https-only",
			},
		})

		path := strings.TrimRight(e.urlPath, "/")
		for _, pattern := range []string{path, path + "/"} {
			behaviors = append(behaviors, map[string]any{
				"PathPattern":           pattern,
				"AllowedMethods":        allowedMethods,
				"OriginRequestPolicyId": originRequestPolicyID,
				"CachePolicyId":         cachePolicyID,
				"TargetOriginId":        "EndpointOrigin" + e.name,
				"ViewerProtocolPolicy":  "redirect-to-https",
				"Compress":              true,
			})
		}
	}

	projectDomain := ""
	if t.in.Domain != "" {
		projectDomain = t.in.Project.Name + "." + t.in.Domain
	}

	aliases := []any{}
	var viewerCertificate map[string]any
	if projectDomain != "" {
		aliases = append(aliases, projectDomain)
		viewerCertificate = map[string]any{
			"AcmCertificateArn":      ref("EndpointDistributionDomainCert" + projectLogical),
			"SslSupportMethod":       "sni-only",
			"MinimumProtocolVersion": "TLSv1.2_2021",
		}
	} else {
		viewerCertificate = map[string]any{"CloudFrontDefaultCertificate": true}
	}

	resources := []Resource{{
		LogicalName: "EndpointDistribution" + projectLogical,
		Body: map[string]any{
			"Type": "AWS::CloudFront::Distribution",
			"Properties": map[string]any{
				"DistributionConfig": map[string]any{
					"Aliases":        aliases,
					"Enabled":        true,
					"CacheBehaviors": behaviors,
					"DefaultCacheBehavior": map[string]any{
						"AllowedMethods":        allowedMethods,
						"OriginRequestPolicyId": originRequestPolicyID,
						"CachePolicyId":         cachePolicyID,
						"TargetOriginId":        "EndpointOrigin" + endpoints[0].name,
						"ViewerProtocolPolicy":  "redirect-to-https",
						"Compress":              true,
					},
					"Origins":           origins,
					"ViewerCertificate": viewerCertificate,
				},
			},
		},
	}}

	if projectDomain != "" {
		resources = append(resources,
			Resource{
				LogicalName: "EndpointDistributionDomainCert" + projectLogical,
				Body: map[string]any{
					"Type": "AWS::CertificateManager::Certificate",
					"Properties": map[string]any{
						"DomainName":       projectDomain,
						"ValidationMethod": "DNS",
						"DomainValidationOptions": []any{map[string]any{
							"DomainName":   projectDomain,
							"HostedZoneId": t.in.HostedZoneID,
						}},
					},
				},
			},
			Resource{
				LogicalName: "EndpointDistributionAliasRecord" + projectLogical,
				Body: map[string]any{
					"Type": "AWS::Route53::RecordSet",
					"Properties": map[string]any{
						"HostedZoneId": t.in.HostedZoneID,
						"Name":         projectDomain,
						"Type":         "A",
						"AliasTarget": map[string]any{
							"HostedZoneId": cloudfrontHostedZoneID,
							"DNSName":      getAtt("EndpointDistribution"+projectLogical, "DomainName"),
						},
					},
				},
			},
		)
	}

	return resources, nil
}
