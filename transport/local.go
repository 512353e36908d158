package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/skydrive/uploadq/errors"
	"github.com/skydrive/uploadq/uploadtypes"
)

// DefaultChunkSize is the chunk size for the local endpoint transport.
const DefaultChunkSize = 4 * 1024 * 1024

// LocalTransport streams an item to a local server endpoint in sequential
// chunks. Each chunk is PUT to {base}/upload with the destination, name,
// and byte offset in the query; a 2xx response acknowledges the chunk.
// Because the server tracks offsets, this transport can resume mid-object.
type LocalTransport struct {
	baseURL   string
	chunkSize int64
	client    *http.Client
	limiter   *rate.Limiter
}

// LocalOption configures a LocalTransport.
type LocalOption func(*LocalTransport)

// WithChunkSize sets the chunk size in bytes. Non-positive keeps the default.
func WithChunkSize(size int64) LocalOption {
	return func(t *LocalTransport) {
		if size > 0 {
			t.chunkSize = size
		}
	}
}

// WithLocalHTTPClient sets a custom HTTP client for chunk requests.
func WithLocalHTTPClient(client *http.Client) LocalOption {
	return func(t *LocalTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithLocalRateLimit caps the upload throughput in bytes per second.
func WithLocalRateLimit(bytesPerSecond int) LocalOption {
	return func(t *LocalTransport) {
		if bytesPerSecond > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

// NewLocal creates a transport for a local server endpoint.
func NewLocal(baseURL string, opts ...LocalOption) *LocalTransport {
	t := &LocalTransport{
		baseURL:   baseURL,
		chunkSize: DefaultChunkSize,
		client:    newHTTPClient(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transfer performs the upload described by req, one chunk at a time.
// Progress is reported only after the server acknowledges a chunk, so every
// reported offset is safe to checkpoint.
func (t *LocalTransport) Transfer(
	ctx context.Context,
	req *uploadtypes.TransferRequest,
) (*uploadtypes.TransferResult, error) {
	if req.Body == nil {
		return nil, errors.NewError("transfer", errors.ErrInvalidInput).
			WithDest(req.DestinationPath).
			WithMessage("body cannot be nil")
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = DetectContentType(req.Name, req.Body)
	}

	offset := req.ResumeOffset
	if offset > 0 {
		if _, err := req.Body.Seek(offset, io.SeekStart); err != nil {
			return nil, errors.NewError("transfer", errors.ErrSessionExpired).
				WithDest(req.DestinationPath).
				WithMessage("source no longer seekable to resume offset")
		}
	}

	startTime := time.Now()
	var sent int64

	for offset < req.Size {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewError("transfer", errors.ErrCanceled).WithDest(req.DestinationPath)
		}

		chunkLen := t.chunkSize
		if remaining := req.Size - offset; remaining < chunkLen {
			chunkLen = remaining
		}

		n, err := t.putChunk(ctx, req, contentType, offset, chunkLen)
		if err != nil {
			return nil, err
		}

		offset += n
		sent += n
		if req.OnProgress != nil {
			req.OnProgress(n)
		}
	}

	return &uploadtypes.TransferResult{
		Key:       req.DestinationPath + "/" + req.Name,
		BytesSent: sent,
		Duration:  time.Since(startTime),
	}, nil
}

// putChunk PUTs one chunk and returns the number of bytes acknowledged.
func (t *LocalTransport) putChunk(
	ctx context.Context,
	req *uploadtypes.TransferRequest,
	contentType string,
	offset, length int64,
) (int64, error) {
	query := url.Values{}
	query.Set("path", req.DestinationPath)
	query.Set("name", req.Name)
	query.Set("offset", strconv.FormatInt(offset, 10))
	query.Set("total", strconv.FormatInt(req.Size, 10))
	if req.Overwrite {
		query.Set("overwrite", "true")
	}
	target := t.baseURL + "/upload?" + query.Encode()

	body := &progressReader{
		ctx:     ctx,
		r:       io.LimitReader(req.Body, length),
		limiter: t.limiter,
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return 0, errors.NewError("transfer", err).WithDest(req.DestinationPath)
	}
	httpReq.ContentLength = length
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, errors.NewError("transfer", errors.ErrCanceled).WithDest(req.DestinationPath)
		}
		return 0, errors.NewError("transfer", err).
			WithDest(req.DestinationPath).
			WithMessage(fmt.Sprintf("chunk at offset %d failed", offset))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		// The server discarded its partial object, e.g. an expired session.
		return 0, errors.NewError("transfer", errors.ErrSessionExpired).WithDest(req.DestinationPath)
	}
	if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
		return 0, errors.NewError("transfer", statusErr).WithDest(req.DestinationPath)
	}

	return length, nil
}

// Ensure the transport satisfies the Transport contract
var _ uploadtypes.Transport = (*LocalTransport)(nil)
