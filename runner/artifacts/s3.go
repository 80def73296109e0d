package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/izavyalov-dev/kubeprov/state"
)

// S3Config configures the S3 archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver stores terminal request logs in AWS S3.
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3Archiver loads AWS config and prepares an archiver.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return newS3Archiver(s3.NewFromConfig(awsCfg), cfg), nil
}

func newS3Archiver(client putObjectAPI, cfg S3Config) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// Archive uploads the request's log lines and returns a s3:// URI.
func (a *S3Archiver) Archive(ctx context.Context, req state.ProvisioningRequest) (string, error) {
	key := a.objectKey("requests", strconv.FormatInt(req.ID, 10), "log.txt")

	var body bytes.Buffer
	for _, line := range req.Logs {
		body.WriteString(line)
		body.WriteByte('\n')
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: ptr("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"target-id": req.TargetID,
			"action":    string(req.Action),
			"status":    string(req.Status),
		},
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *S3Archiver) objectKey(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
