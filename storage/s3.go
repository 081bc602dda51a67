// Package storage archives full command output to S3-compatible storage.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

type Client struct {
	mc     *minio.Client
	config Config
	log    *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc, config: cfg, log: log}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	name := c.config.Bucket
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	region := c.config.Region
	if region == "" || region == "auto" {
		region = "us-east-1"
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	c.log.Info("s3: created bucket", zap.String("bucket", name))
	return nil
}

// ObjectKey is where the output of one attempt is stored.
func ObjectKey(deploymentID string, attempt int) string {
	return fmt.Sprintf("deployments/%s/attempt-%d.log", deploymentID, attempt)
}

// PutOutput stores output and returns its s3:// location.
func (c *Client) PutOutput(ctx context.Context, deploymentID string, attempt int, output string) (string, error) {
	key := ObjectKey(deploymentID, attempt)
	_, err := c.mc.PutObject(ctx, c.config.Bucket, key, strings.NewReader(output), int64(len(output)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return "s3://" + c.config.Bucket + "/" + key, nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.BucketExists(ctx, c.config.Bucket)
	return err
}
