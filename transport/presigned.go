package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/skydrive/uploadq/errors"
	"github.com/skydrive/uploadq/uploadtypes"
)

// Provider identifies which object store a presigned URL targets. It only
// affects how URLs and headers are produced, never the transfer semantics.
type Provider string

// Supported object-store providers
const (
	// ProviderAWSS3 targets Amazon S3
	ProviderAWSS3 Provider = "aws_s3"

	// ProviderAliyunOSS targets Alibaba Cloud OSS
	ProviderAliyunOSS Provider = "aliyun_oss"

	// ProviderTencentCOS targets Tencent Cloud COS
	ProviderTencentCOS Provider = "tencent_cos"
)

// PresignedRequest is a pre-authorized PUT target produced by a URLSource.
type PresignedRequest struct {
	// URL is the time-limited target for the PUT
	URL string

	// Headers are additional headers the signature covers
	Headers http.Header
}

// URLSource produces presigned PUT targets for destination entries.
// Implementations differ per provider; the transport treats them uniformly.
type URLSource interface {
	// Presign returns a PUT target for the given destination entry
	Presign(ctx context.Context, destinationPath, name, contentType string) (*PresignedRequest, error)
}

// PresignedTransport uploads an object with a single PUT to a presigned URL.
// It cannot continue a partial object, so a nonzero resume offset is rejected
// with ErrSessionExpired and the scheduler restarts the item from byte zero.
type PresignedTransport struct {
	source   URLSource
	provider Provider
	client   *http.Client
	limiter  *rate.Limiter
}

// PresignedOption configures a PresignedTransport.
type PresignedOption func(*PresignedTransport)

// WithHTTPClient sets a custom HTTP client for the PUT requests.
func WithHTTPClient(client *http.Client) PresignedOption {
	return func(t *PresignedTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithRateLimit caps the upload throughput in bytes per second.
// Zero or negative disables the limit.
func WithRateLimit(bytesPerSecond int) PresignedOption {
	return func(t *PresignedTransport) {
		if bytesPerSecond > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

// NewPresigned creates a transport that PUTs whole objects to URLs produced
// by the given source.
func NewPresigned(source URLSource, provider Provider, opts ...PresignedOption) *PresignedTransport {
	t := &PresignedTransport{
		source:   source,
		provider: provider,
		client:   newHTTPClient(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transfer performs the upload described by req.
func (t *PresignedTransport) Transfer(
	ctx context.Context,
	req *uploadtypes.TransferRequest,
) (*uploadtypes.TransferResult, error) {
	if req.Body == nil {
		return nil, errors.NewError("transfer", errors.ErrInvalidInput).
			WithDest(req.DestinationPath).
			WithMessage("body cannot be nil")
	}
	if req.ResumeOffset > 0 {
		// A presigned PUT replaces the whole object; there is nothing to
		// continue from. The scheduler falls back to a fresh transfer.
		return nil, errors.NewError("transfer", errors.ErrSessionExpired).
			WithDest(req.DestinationPath).
			WithMessage("presigned PUT cannot resume a partial object")
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = DetectContentType(req.Name, req.Body)
	}

	signed, err := t.source.Presign(ctx, req.DestinationPath, req.Name, contentType)
	if err != nil {
		return nil, errors.NewError("presign", err).WithDest(req.DestinationPath)
	}

	startTime := time.Now()

	body := &progressReader{
		ctx:     ctx,
		r:       req.Body,
		limiter: t.limiter,
		onRead:  req.OnProgress,
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.URL, body)
	if err != nil {
		return nil, errors.NewError("transfer", err).WithDest(req.DestinationPath)
	}
	httpReq.ContentLength = req.Size
	httpReq.Header.Set("Content-Type", contentType)
	for key, values := range signed.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewError("transfer", errors.ErrCanceled).WithDest(req.DestinationPath)
		}
		return nil, errors.NewError("transfer", err).
			WithDest(req.DestinationPath).
			WithMessage(fmt.Sprintf("%s PUT failed", t.provider))
	}
	defer resp.Body.Close()

	if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
		return nil, errors.NewError("transfer", statusErr).WithDest(req.DestinationPath)
	}

	return &uploadtypes.TransferResult{
		Key:       req.DestinationPath + "/" + req.Name,
		ETag:      resp.Header.Get("ETag"),
		BytesSent: req.Size,
		Duration:  time.Since(startTime),
	}, nil
}

// Ensure the transport satisfies the Transport contract
var _ uploadtypes.Transport = (*PresignedTransport)(nil)
