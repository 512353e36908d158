// Package transport moves bytes for one upload item to one storage backend.
// Adapters share PUT semantics: bytes go to a caller-supplied URL with a
// Content-Type header, any 2xx response is success, and backend identity only
// changes how the URL and headers are produced.
package transport

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"github.com/skydrive/uploadq/errors"
)

const (
	// DefaultContentType is used when content type detection fails
	DefaultContentType = "application/octet-stream"

	// sniffLen is how many leading bytes are read for content detection
	sniffLen = 512
)

// DetectContentType sniffs the reader's leading bytes with mimetype and falls
// back to extension lookup. The reader is rewound before returning.
func DetectContentType(name string, body io.ReadSeeker) string {
	if body != nil {
		buf := make([]byte, sniffLen)
		n, _ := body.Read(buf)
		if _, err := body.Seek(0, io.SeekStart); err == nil && n > 0 {
			if mt := mimetype.Detect(buf[:n]); mt != nil && mt.String() != DefaultContentType {
				return mt.String()
			}
		}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	return DefaultContentType
}

// classifyStatus translates an HTTP response status into the pipeline's error
// taxonomy. 2xx returns nil; anything else maps to a sentinel or a plain
// (retryable) error.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: backend returned %d", errors.ErrUnauthorized, status)
	case status == http.StatusConflict:
		return errors.ErrConflict
	case status == http.StatusRequestEntityTooLarge || status == http.StatusInsufficientStorage:
		return fmt.Errorf("%w: backend returned %d", errors.ErrQuotaExceeded, status)
	default:
		return fmt.Errorf("backend returned %d", status)
	}
}

// progressReader wraps the request body, reporting acknowledged deltas and
// applying the optional bandwidth limit. It also surfaces context
// cancellation between reads so an abort never blocks on the body.
type progressReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	onRead  func(delta int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := pr.r.Read(p)
	if n > 0 {
		if pr.limiter != nil {
			if waitErr := pr.limiter.WaitN(pr.ctx, n); waitErr != nil {
				return n, waitErr
			}
		}
		if pr.onRead != nil {
			pr.onRead(int64(n))
		}
	}
	return n, err
}

// newHTTPClient returns the client used by the HTTP-backed transports.
func newHTTPClient() *http.Client {
	return &http.Client{}
}
