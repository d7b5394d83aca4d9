// Package uploader pushes function bundles to the artifact bucket.
// Uploads carry a content digest in object metadata so an unchanged
// bundle is skipped on the next deploy.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/foldline/skylift/internal/checksum"
	"github.com/foldline/skylift/internal/function"
	"github.com/foldline/skylift/internal/logger"
)

// metadataHashKey is the object metadata entry holding the bundle's
// xxhash64 digest.
const metadataHashKey = "content-xxh64"

// S3API is the subset of the S3 client the uploader needs.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader stores bundles in a single artifact bucket.
type Uploader struct {
	client S3API
	bucket string
}

func New(client S3API, bucket string) *Uploader {
	return &Uploader{client: client, bucket: bucket}
}

// Key returns the stable object key for a function bundle. Keys do not
// change between deploys so the digest comparison can find the
// previous upload.
func Key(userEscaped, projectName, functionName string) string {
	return fmt.Sprintf("%s/%s/%s.zip", userEscaped, projectName, functionName)
}

// Upload stores the function's bundle under key and reports whether
// anything was written. A stored object with the same content digest
// short-circuits the upload.
func (u *Uploader) Upload(ctx context.Context, f *function.Function, key string) (bool, error) {
	hash, err := checksum.HashFile(f.BundlePath())
	if err != nil {
		return false, fmt.Errorf("hash bundle for %s: %w", f.Name, err)
	}

	stored, err := u.storedHash(ctx, key)
	if err != nil {
		return false, err
	}
	if stored == hash {
		logger.Debug("bundle unchanged, skipping upload", "function", f.Name, "key", key)
		return false, nil
	}

	bundle, err := os.Open(f.BundlePath())
	if err != nil {
		return false, fmt.Errorf("open bundle for %s: %w", f.Name, err)
	}
	defer bundle.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bundle,
		ContentType: aws.String("application/zip"),
		Metadata:    map[string]string{metadataHashKey: hash},
	})
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", key, err)
	}

	logger.Debug("bundle uploaded", "function", f.Name, "key", key)
	return true, nil
}

// storedHash returns the digest of the previously uploaded object, or
// "" when no object exists under the key.
func (u *Uploader) storedHash(ctx context.Context, key string) (string, error) {
	head, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("probe %s: %w", key, err)
	}
	return head.Metadata[metadataHashKey], nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}
