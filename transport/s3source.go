package transport

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/skydrive/uploadq/errors"
	"github.com/skydrive/uploadq/uploadtypes"
)

// DefaultPresignExpiry is how long produced URLs stay valid.
const DefaultPresignExpiry = 15 * time.Minute

// S3URLSource produces presigned PUT URLs against an S3-compatible bucket
// and doubles as the destination-listing service via HeadObject, so one
// backend object serves both the transport and the conflict resolver.
type S3URLSource struct {
	presigner *s3.PresignClient
	s3Client  *s3.Client
	bucket    string
	expiry    time.Duration
}

// S3Option configures an S3URLSource.
type S3Option func(*s3SourceConfig)

type s3SourceConfig struct {
	region         string
	endpoint       string
	forcePathStyle bool
	expiry         time.Duration
	customConfig   *aws.Config
}

// WithS3Region sets the region for the underlying client.
func WithS3Region(region string) S3Option {
	return func(c *s3SourceConfig) {
		c.region = region
	}
}

// WithS3Endpoint sets a custom endpoint URL. This is how OSS- and COS-style
// stores with S3-compatible APIs are reached.
func WithS3Endpoint(endpoint string) S3Option {
	return func(c *s3SourceConfig) {
		c.endpoint = endpoint
	}
}

// WithS3ForcePathStyle forces path-style URLs, required by most
// S3-compatible services that do not support virtual hosting.
func WithS3ForcePathStyle(force bool) S3Option {
	return func(c *s3SourceConfig) {
		c.forcePathStyle = force
	}
}

// WithS3PresignExpiry sets how long produced URLs stay valid.
func WithS3PresignExpiry(expiry time.Duration) S3Option {
	return func(c *s3SourceConfig) {
		if expiry > 0 {
			c.expiry = expiry
		}
	}
}

// WithS3AWSConfig allows providing a custom AWS configuration, overriding
// the default credential chain.
func WithS3AWSConfig(cfg *aws.Config) S3Option {
	return func(c *s3SourceConfig) {
		c.customConfig = cfg
	}
}

// NewS3URLSource creates a URL source for the given bucket.
// Credentials come from the default AWS credential chain unless a custom
// configuration is provided.
func NewS3URLSource(ctx context.Context, bucket string, opts ...S3Option) (*S3URLSource, error) {
	if bucket == "" {
		return nil, errors.NewError("s3Source", errors.ErrInvalidInput).
			WithMessage("bucket name cannot be empty")
	}

	cfg := &s3SourceConfig{expiry: DefaultPresignExpiry}
	for _, opt := range opts {
		opt(cfg)
	}

	var awsCfg aws.Config
	var err error
	if cfg.customConfig != nil {
		awsCfg = *cfg.customConfig
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.NewError("s3Source", err)
		}
	}
	if cfg.region != "" {
		awsCfg.Region = cfg.region
	} else if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.endpoint != "" {
		endpoint := cfg.endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.forcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &S3URLSource{
		presigner: s3.NewPresignClient(client),
		s3Client:  client,
		bucket:    bucket,
		expiry:    cfg.expiry,
	}, nil
}

// objectKey joins the destination path and name into a bucket key.
func (s *S3URLSource) objectKey(destinationPath, name string) string {
	return strings.TrimPrefix(path.Join(destinationPath, name), "/")
}

// Presign returns a time-limited PUT target for the given destination entry.
func (s *S3URLSource) Presign(
	ctx context.Context,
	destinationPath, name, contentType string,
) (*PresignedRequest, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(destinationPath, name)),
		ContentType: aws.String(contentType),
	}

	signed, err := s.presigner.PresignPutObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = s.expiry
	})
	if err != nil {
		return nil, err
	}

	headers := make(http.Header, len(signed.SignedHeader))
	for key, values := range signed.SignedHeader {
		for _, value := range values {
			headers.Add(key, value)
		}
	}

	return &PresignedRequest{
		URL:     signed.URL,
		Headers: headers,
	}, nil
}

// Exists reports whether an entry with the given name exists at the
// destination, using a HEAD request so no object data is transferred.
func (s *S3URLSource) Exists(ctx context.Context, destinationPath, name string) (bool, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(destinationPath, name)),
	}

	_, err := s.s3Client.HeadObject(ctx, input)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "NoSuchKey") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Ensure the source serves both contracts
var (
	_ URLSource          = (*S3URLSource)(nil)
	_ uploadtypes.Lister = (*S3URLSource)(nil)
)
