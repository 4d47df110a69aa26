package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// S3Config holds the bucket and client settings for S3Sink
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional, for MinIO and other S3-compatible stores
	PathStyle       bool
	AccessKeyID     string // optional, falls back to the default credentials chain
	SecretAccessKey string
}

// S3Sink uploads sheets to s3://Bucket/Prefix/<sheet>.csv
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewS3Sink builds an S3 client from cfg
func NewS3Sink(ctx context.Context, cfg S3Config, logger *logrus.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3SinkFromClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3SinkFromClient wraps an existing client
func NewS3SinkFromClient(client *s3.Client, bucket, prefix string, logger *logrus.Logger) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Key returns the object key of a sheet
func (s *S3Sink) Key(sheet string) string {
	return path.Join(s.prefix, sheet+".csv")
}

// Put uploads one sheet, replacing any previous export
func (s *S3Sink) Put(ctx context.Context, sheet string, body []byte) error {
	key := s.Key(sheet)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return err
	}
	s.logger.Infof("Uploaded s3://%s/%s", s.bucket, key)
	return nil
}
