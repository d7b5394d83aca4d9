// Package secrets syncs the project's local secrets file into the
// managed parameter store. Stored names are scoped per user and
// project; the original display name travels along as a tag so
// handlers can recover it at startup.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/subosito/gotenv"

	"github.com/foldline/skylift/internal/config"
	"github.com/foldline/skylift/internal/logger"
)

// Filename is the dotenv-style secrets file at the project root.
const Filename = ".env.secrets"

// originalNameTag carries the display name of a stored secret.
const originalNameTag = "original_name"

// Secret is one entry of the project's secrets file.
type Secret struct {
	// Name is the display name handlers use to look the secret up.
	Name string

	// Value is the secret material.
	Value string

	unique string
}

// FromDotenv reads the secrets file in dir. A missing file yields no
// secrets. Storage names are derived from the user and project so the
// same display name never collides across projects.
func FromDotenv(dir, username, projectName string) ([]Secret, error) {
	path := filepath.Join(dir, Filename)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	secrets := make([]Secret, 0, len(env))
	for name, value := range env {
		secrets = append(secrets, Secret{
			Name:   name,
			Value:  value,
			unique: config.UniqueResourceName(username, projectName, name),
		})
	}
	return secrets, nil
}

// UniqueName is the scoped storage name of the secret.
func (s Secret) UniqueName() string {
	return s.unique
}

// Names returns the storage names of all secrets.
func Names(secrets []Secret) []string {
	names := make([]string, 0, len(secrets))
	for _, s := range secrets {
		names = append(names, s.UniqueName())
	}
	return names
}

// SSMAPI is the subset of the parameter store client the package
// needs.
type SSMAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	AddTagsToResource(ctx context.Context, params *ssm.AddTagsToResourceInput, optFns ...func(*ssm.Options)) (*ssm.AddTagsToResourceOutput, error)
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	ListTagsForResource(ctx context.Context, params *ssm.ListTagsForResourceInput, optFns ...func(*ssm.Options)) (*ssm.ListTagsForResourceOutput, error)
}

// Store writes and reads secrets in the parameter store.
type Store struct {
	client   SSMAPI
	kmsKeyID string
}

// NewStore creates a store. kmsKeyID may be empty to use the default
// encryption key.
func NewStore(client SSMAPI, kmsKeyID string) *Store {
	return &Store{client: client, kmsKeyID: kmsKeyID}
}

// Sync upserts every secret as an encrypted parameter and tags it with
// its display name. Syncing runs before provisioning so the
// synthesized per-secret policies always reference existing
// parameters.
func (s *Store) Sync(ctx context.Context, secrets []Secret) error {
	for _, secret := range secrets {
		input := &ssm.PutParameterInput{
			Name:      aws.String(secret.UniqueName()),
			Value:     aws.String(secret.Value),
			Type:      types.ParameterTypeSecureString,
			Overwrite: aws.Bool(true),
		}
		if s.kmsKeyID != "" {
			input.KeyId = aws.String(s.kmsKeyID)
		}
		if _, err := s.client.PutParameter(ctx, input); err != nil {
			return fmt.Errorf("store secret %s: %w", secret.Name, err)
		}

		_, err := s.client.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
			ResourceType: types.ResourceTypeForTaggingParameter,
			ResourceId:   aws.String(secret.UniqueName()),
			Tags: []types.Tag{{
				Key:   aws.String(originalNameTag),
				Value: aws.String(secret.Name),
			}},
		})
		if err != nil {
			return fmt.Errorf("tag secret %s: %w", secret.Name, err)
		}

		logger.Debug("secret synced", "name", secret.Name)
	}
	return nil
}

// Fetch reads one stored secret and recovers its display name from the
// tag, falling back to the storage name for untagged parameters.
func (s *Store) Fetch(ctx context.Context, uniqueName string) (Secret, error) {
	param, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(uniqueName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Secret{}, fmt.Errorf("fetch secret %s: %w", uniqueName, err)
	}

	tags, err := s.client.ListTagsForResource(ctx, &ssm.ListTagsForResourceInput{
		ResourceType: types.ResourceTypeForTaggingParameter,
		ResourceId:   aws.String(uniqueName),
	})
	if err != nil {
		return Secret{}, fmt.Errorf("read tags for %s: %w", uniqueName, err)
	}

	name := uniqueName
	for _, tag := range tags.TagList {
		if aws.ToString(tag.Key) == originalNameTag {
			name = aws.ToString(tag.Value)
		}
	}

	return Secret{
		Name:   name,
		Value:  aws.ToString(param.Parameter.Value),
		unique: uniqueName,
	}, nil
}
