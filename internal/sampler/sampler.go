// Package sampler measures download throughput against a fixed reference
// payload. A sample is a one-shot diagnostic; its result never feeds the
// connectivity state.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/doridoridoriand/netwatch/internal/probe"
)

var (
	ErrTimeout   = errors.New("sample timed out")
	ErrTransport = errors.New("sample transport failure")
)

// DefaultTimeout bounds one sample.
const DefaultTimeout = 15 * time.Second

// kbThreshold is the MB/s rate under which results are shown in KB/s.
const kbThreshold = 0.1

// Result is one completed sample.
type Result struct {
	URL   string
	Bytes int64
	// Expected is the configured payload size; zero skips the size check.
	Expected int64
	Duration time.Duration
	// BytesPerSecond is bytes read divided by elapsed seconds.
	BytesPerSecond float64
}

// MBps returns the rate in MB/s (1 MB = 1024*1024 bytes).
func (r Result) MBps() float64 {
	return r.BytesPerSecond / (1024 * 1024)
}

// Rate formats the rate in MB/s, or KB/s below 0.1 MB/s.
func (r Result) Rate() string {
	mb := r.MBps()
	if mb < kbThreshold {
		return fmt.Sprintf("%.2f KB/s", r.BytesPerSecond/1024)
	}
	return fmt.Sprintf("%.2f MB/s", mb)
}

// SizeMismatch reports whether the payload differs from the expected size.
func (r Result) SizeMismatch() bool {
	return r.Expected > 0 && r.Bytes != r.Expected
}

// Summary is the event log text for a successful sample.
func (r Result) Summary() string {
	return fmt.Sprintf("Speed test: %s (File: %s, Size: %.2fMB, Duration: %.2fs)",
		r.Rate(), path.Base(r.URL), float64(r.Bytes)/(1024*1024), r.Duration.Seconds())
}

// Sampler downloads the reference payload.
type Sampler struct {
	client   *http.Client
	url      string
	expected int64
	timeout  time.Duration
	now      func() time.Time
}

// New returns a sampler for url expecting size bytes. A nil client uses
// http.DefaultClient and a non-positive timeout uses DefaultTimeout.
func New(client *http.Client, url string, size int64, timeout time.Duration) *Sampler {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sampler{client: client, url: url, expected: size, timeout: timeout, now: time.Now}
}

// Run performs one sample. Failures wrap ErrTimeout or ErrTransport.
func (s *Sampler) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.CacheBust(s.url, start), nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: HTTP error! status: %d", ErrTransport, resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Result{}, classify(ctx, err)
	}
	elapsed := s.now().Sub(start)

	res := Result{URL: s.url, Bytes: n, Expected: s.expected, Duration: elapsed}
	if elapsed > 0 {
		res.BytesPerSecond = float64(n) / elapsed.Seconds()
	}
	return res, nil
}

// Describe renders an error for the failure log line.
func Describe(err error) string {
	if errors.Is(err, ErrTimeout) {
		return "Timeout"
	}
	return err.Error()
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
