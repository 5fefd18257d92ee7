package artifacts

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/prowdex/prowdex/pkg/config"
)

// Compile-time interface check.
var _ Store = (*s3Store)(nil)

type s3Store struct {
	log    logrus.FieldLogger
	client *s3.Client
	bucket string
}

// NewS3Store creates a Store backed by S3-compatible object storage.
func NewS3Store(log logrus.FieldLogger, cfg *config.ArtifactsConfig) Store {
	return &s3Store{
		log:    log.WithField("component", "artifacts"),
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
	}
}

// List pages through ListObjectsV2 until exhaustion and returns all keys
// and common prefixes under prefix.
func (s *s3Store) List(
	ctx context.Context, prefix, delimiter string,
) (*Listing, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)

	listing := &Listing{}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &TransientError{Op: "list " + prefix, Err: err}
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				listing.Keys = append(listing.Keys, *obj.Key)
			}
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil {
				listing.CommonPrefixes = append(listing.CommonPrefixes, *cp.Prefix)
			}
		}
	}

	return listing, nil
}

// Fetch reads one object into memory. Result artifacts are small (metadata
// JSON and junit XML), so no streaming is needed.
func (s *s3Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}

		return nil, &TransientError{Op: "fetch " + key, Err: err}
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &TransientError{Op: "read " + key, Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(data),
	}).Debug("Fetched artifact")

	return data, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.ArtifactsConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
