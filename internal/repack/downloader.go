package repack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/phrazzld/repackd/internal/redact"
	"github.com/phrazzld/repackd/internal/task"
	"github.com/spf13/afero"
)

// ProgressFunc receives the bytes received so far and the expected total,
// which is -1 when unknown.
type ProgressFunc func(received, total int64)

// Downloader fetches a remote input into a local file.
type Downloader interface {
	Download(ctx context.Context, rawURL, dest string, progress ProgressFunc) (int64, error)
}

// HTTPDownloader downloads over HTTP(S). Failures that are not worth
// retrying are wrapped with task.Permanent.
type HTTPDownloader struct {
	client *http.Client
	fs     afero.Fs
}

// NewHTTPDownloader creates a downloader writing into fs. A nil client gets
// a pooled client from go-cleanhttp.
func NewHTTPDownloader(client *http.Client, fs afero.Fs) *HTTPDownloader {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &HTTPDownloader{client: client, fs: fs}
}

// Download fetches rawURL into dest and returns the number of bytes written.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, dest string, progress ProgressFunc) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, task.Permanent(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, task.Permanent(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, task.Permanent(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &HTTPStatusError{URL: redact.URL(rawURL), StatusCode: resp.StatusCode}
		if statusErr.Retryable() {
			return 0, statusErr
		}
		return 0, task.Permanent(statusErr)
	}

	f, err := d.fs.Create(dest)
	if err != nil {
		return 0, task.Permanent(fmt.Errorf("failed to create download file: %w", err))
	}
	defer func() { _ = f.Close() }()

	cw := &countingWriter{w: f, total: resp.ContentLength, progress: progress}
	n, err := io.Copy(cw, resp.Body)
	if err != nil {
		if cw.writeErr != nil {
			return n, task.Permanent(fmt.Errorf("failed to write download: %w", cw.writeErr))
		}
		return n, classifyTransportError(err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("short download, %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF)
	}
	return n, nil
}

// classifyTransportError keeps transient network failures retryable and
// marks everything else permanent.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return err
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ETIMEDOUT):
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return task.Permanent(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return err
	}

	return task.Permanent(err)
}

type countingWriter struct {
	w        io.Writer
	received int64
	total    int64
	progress ProgressFunc
	writeErr error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.received += int64(n)
	if err != nil {
		c.writeErr = err
		return n, err
	}
	if c.progress != nil {
		c.progress(c.received, c.total)
	}
	return n, nil
}
