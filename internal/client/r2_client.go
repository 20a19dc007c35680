package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/magistory/render-server/internal/config"
)

// R2Client implements StorageClient for Cloudflare R2 through the S3 API
type R2Client struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
}

// NewR2Client builds an S3 client against the account's R2 endpoint, or
// against cfg.Endpoint when set. Path-style addressing keeps keys under
// <endpoint>/<bucket>/ so any S3-compatible store works.
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, errors.New("R2 configuration incomplete")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, errors.New("R2 account id or endpoint is required")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = endpoint + "/" + cfg.BucketName
	}

	return &R2Client{
		s3Client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}),
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(publicURL, "/"),
	}, nil
}

// Upload streams body to key and returns the public URL
func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return c.put(ctx, key, body, nil, contentType)
}

// UploadFile streams the file at localPath to key. The length is sent up
// front so the SDK does not buffer the whole video to compute it.
func (c *R2Client) UploadFile(ctx context.Context, localPath, key, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}

	return c.put(ctx, key, f, aws.Int64(st.Size()), contentType)
}

func (c *R2Client) put(ctx context.Context, key string, body io.Reader, size *int64, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: size,
		ContentType:   aws.String(contentType),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}

	return c.GetPublicURL(key), nil
}

// GetPublicURL returns the URL clients fetch key from
func (c *R2Client) GetPublicURL(key string) string {
	return c.publicURL + "/" + key
}
