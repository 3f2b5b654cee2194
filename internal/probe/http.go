package probe

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPProber issues cache-bypassing HTTP requests. Any completed response
// counts as reachable, whatever its status.
type HTTPProber struct {
	client *http.Client
	now    func() time.Time
}

// NewHTTPProber returns a prober using client, or a fresh client when nil.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client, now: time.Now}
}

// Probe sends one HEAD or GET request bounded by ctx and timeout.
func (p *HTTPProber) Probe(ctx context.Context, target string, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	req, err := http.NewRequestWithContext(ctx, methodFor(target), CacheBust(target, start), nil)
	if err != nil {
		return Outcome{Err: err}
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return Outcome{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return Outcome{Succeeded: true, RTT: time.Since(start)}
}

// methodFor picks HEAD for endpoints that serve empty bodies.
func methodFor(target string) string {
	if strings.Contains(target, "generate_204") || strings.Contains(target, "favicon.ico") {
		return http.MethodHead
	}
	return http.MethodGet
}

// CacheBust appends t=<unix millis> to the query string.
func CacheBust(target string, at time.Time) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(at.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}
