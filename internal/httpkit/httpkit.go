// Package httpkit provides shared HTTP client construction and utilities
// for outbound calls to the device. It enforces consistent timeouts,
// connection limits and a User-Agent, and classifies transport failures
// into short reasons for logs and metrics.
//
// The M5Stick runs a single-threaded async web server on a 2.4 GHz radio.
// The transport keeps very few idle connections per host so the bridge
// never holds more sockets open than the firmware can service.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/m5bridge/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection.
	DefaultDialTimeout = 5 * time.Second

	// DefaultKeepAlive is the interval between TCP keep-alive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultIdleConnTimeout is how long idle connections stay in the pool.
	DefaultIdleConnTimeout = 30 * time.Second

	// DefaultMaxIdleConns is the total number of idle connections across all hosts.
	DefaultMaxIdleConns = 4

	// DefaultMaxIdleConnsPerHost is the per-host idle connection limit.
	DefaultMaxIdleConnsPerHost = 2
)

// NewTransport creates an http.Transport sized for a single embedded
// device on the LAN.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
	}
}

// NewClient builds an *http.Client with the shared transport and the
// bridge User-Agent. No client-level timeout is set; callers bound each
// request with a context deadline.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			base: NewTransport(),
			ua:   buildinfo.UserAgent(),
		},
	}
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone the request to avoid mutating the original, per RoundTripper contract.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it.
// Use to ensure HTTP connections are returned to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder to allow connection reuse.
// Returns an empty string if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// Transport failure reasons returned by Reason.
const (
	ReasonNone        = ""
	ReasonTimeout     = "timeout"
	ReasonRefused     = "connection_refused"
	ReasonUnreachable = "unreachable"
	ReasonDNS         = "dns"
	ReasonReset       = "connection_reset"
	ReasonOther       = "other"
)

// Reason classifies a transport-level error into a short, stable label.
// It returns ReasonNone for a nil error.
func Reason(err error) string {
	if err == nil {
		return ReasonNone
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonDNS
	}

	// errors.As walks through *url.Error and *net.OpError to the errno.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return ReasonRefused
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return ReasonUnreachable
		case syscall.ECONNRESET:
			return ReasonReset
		}
	}

	return ReasonOther
}
