package httpclient

import (
	"net/http"
	"time"

	"tryon/internal/logging"
)

// New returns an http.Client configured for outbound calls to the remote
// model services.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: loggingTransport(logger),
	}
}

type roundTripLogger struct {
	base   http.RoundTripper
	logger logging.Logger
}

func loggingTransport(logger logging.Logger) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &roundTripLogger{base: http.DefaultTransport, logger: logging.OrNop(logger)}
	}
	return &roundTripLogger{base: base.Clone(), logger: logging.OrNop(logger)}
}

func (t *roundTripLogger) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("%s %s failed after %v: %v", req.Method, req.URL.Redacted(), time.Since(start), err)
		return nil, err
	}
	t.logger.Debug("%s %s -> %d (%v)", req.Method, req.URL.Redacted(), resp.StatusCode, time.Since(start))
	return resp, nil
}
