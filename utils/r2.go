// utils/r2.go
package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// R2Config holds the Cloudflare R2 credentials for the clip bucket.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	// Endpoint overrides the account endpoint, e.g. for a local S3 emulator.
	Endpoint string
}

// Enabled reports whether enough is configured to reach the bucket.
func (c R2Config) Enabled() bool {
	return c.Bucket != "" && (c.AccountID != "" || c.Endpoint != "")
}

// HeadObjectAPI is the slice of the S3 client the media check needs.
type HeadObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// R2Media checks that uploaded clips exist before a move references them.
// Uploading is done by the client against a presigned URL elsewhere.
type R2Media struct {
	client HeadObjectAPI
	bucket string
}

func NewR2Media(ctx context.Context, cfg R2Config) (*R2Media, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewR2MediaWithClient(client, cfg.Bucket), nil
}

// NewR2MediaWithClient wires an existing client, mainly for tests.
func NewR2MediaWithClient(client HeadObjectAPI, bucket string) *R2Media {
	return &R2Media{client: client, bucket: bucket}
}

// Exists reports whether key is present in the bucket. A media reference may
// be a bare key or a URL whose path is the key.
func (m *R2Media) Exists(ctx context.Context, ref string) (bool, error) {
	key := MediaKey(ref)
	if key == "" {
		return false, nil
	}
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == 404 {
		return false, nil
	}
	return false, fmt.Errorf("head object %q: %w", key, err)
}

// MediaKey strips scheme and host from a media reference.
func MediaKey(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "://"); i >= 0 {
		rest := ref[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			ref = rest[j+1:]
		} else {
			ref = ""
		}
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	return strings.TrimPrefix(ref, "/")
}
