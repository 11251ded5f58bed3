package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

// objectAPI is the subset of *s3.Client the adapter needs.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// s3Adapter stores chunks as objects in one bucket of an S3-compatible store.
type s3Adapter struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Adapter creates an adapter for AWS or any S3-compatible provider
// (MinIO, Wasabi, Backblaze B2, Cloudflare R2, ...).
func NewS3Adapter(creds models.Credentials) (Adapter, error) {
	if creds.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", common.ErrConfiguration)
	}
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKey,
			creds.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	s3Options := []func(*s3.Options){}
	if creds.Endpoint != "" && creds.Provider != "aws" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(creds.Endpoint)
		})
	}
	if creds.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3AdapterWithClient(s3.NewFromConfig(awsCfg, s3Options...), creds.Bucket, creds.Prefix), nil
}

func newS3AdapterWithClient(client objectAPI, bucket, prefix string) *s3Adapter {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &s3Adapter{client: client, bucket: bucket, prefix: prefix}
}

// Store uploads one chunk payload.
func (a *s3Adapter) Store(ctx context.Context, name string, data []byte) (string, int64, error) {
	key := a.prefix + name
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", 0, a.wrap("put", key, err)
	}
	return key, int64(len(data)), nil
}

// Fetch downloads one chunk payload.
func (a *s3Adapter) Fetch(ctx context.Context, remoteID string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(remoteID),
	})
	if err != nil {
		return nil, a.wrap("get", remoteID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, a.wrap("read", remoteID, err)
	}
	return data, nil
}

// Delete looks up the object size, then removes it.
func (a *s3Adapter) Delete(ctx context.Context, remoteID string) (int64, error) {
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(remoteID),
	})
	if err != nil {
		return 0, a.wrap("head", remoteID, err)
	}

	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(remoteID),
	})
	if err != nil {
		return 0, a.wrap("delete", remoteID, err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

// Check verifies the bucket is reachable with the configured credentials.
func (a *s3Adapter) Check(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return a.wrap("head bucket", "", err)
	}
	return nil
}

func (a *s3Adapter) wrap(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("failed to %s object %s/%s: %w: %w", op, a.bucket, key, common.ErrObjectNotFound, common.ErrBackendUnavailable)
	}
	return fmt.Errorf("failed to %s object %s/%s: %w: %w", op, a.bucket, key, common.ErrBackendUnavailable, err)
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
