package carrier

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:102.0) Gecko/20100101 Firefox/102.0"

type HTTPOptions struct {
	Timeout time.Duration
	// RequestsPerSecond paces outgoing requests of one client; 0 disables pacing.
	RequestsPerSecond float64
	Logger            *slog.Logger
	Transport         http.RoundTripper
}

// NewHTTPClient returns the client carrier integrations share: request logging,
// optional pacing and a hard timeout.
func NewHTTPClient(opts HTTPOptions) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var rt http.RoundTripper = &loggingRoundTripper{next: base, logger: opts.Logger}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rt = &pacingRoundTripper{
			next:    rt,
			limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		}
	}
	return &http.Client{Transport: rt, Timeout: opts.Timeout}
}

type loggingRoundTripper struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func (l *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	if err != nil {
		l.logger.Debug("carrier request failed",
			"method", req.Method, "host", req.URL.Host,
			"duration", time.Since(start), "error", err.Error())
		return nil, err
	}
	l.logger.Debug("carrier request",
		"method", req.Method, "host", req.URL.Host,
		"status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}

type pacingRoundTripper struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (p *pacingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := p.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return p.next.RoundTrip(req)
}
