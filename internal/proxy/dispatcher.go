// Package proxy forwards resolved requests to upstream backends and maps
// transport failures to uniform client-facing errors.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/learnware/api-gateway/internal/auth"
	"github.com/learnware/api-gateway/internal/routing"
)

// FailureKind classifies a failed forward attempt.
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureDNS               FailureKind = "dns_failure"
	FailureTransport         FailureKind = "transport_error"
)

// Hop-by-hop headers are meaningful only for a single transport link and
// must not be forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Dispatcher issues a single forward attempt per request. It never
// retries; retry with backoff is a deliberate extension point left to a
// future revision.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with a bounded per-forward timeout.
func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Dispatcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			// Redirects belong to the client, not the gateway.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		logger:  logger,
	}
}

// Forward proxies r to the route's target, streaming the upstream response
// back to w. Transport failures become a 503 with the logical service
// name; upstream HTTP errors (4xx/5xx) pass through verbatim, since the
// upstream handled the request and the client is owed that answer.
func (d *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, route *routing.Route) {
	ctx, cancel := context.WithTimeout(r.Context(), d.timeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL(r, route), r.Body)
	if err != nil {
		d.logger.Error("build upstream request",
			slog.String("service", route.Service),
			slog.String("error", err.Error()),
		)
		d.writeUnavailable(w, route)
		return
	}
	outReq.ContentLength = r.ContentLength

	copyHeaders(outReq.Header, r.Header)
	setForwardedHeaders(outReq, r)
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		outReq.Header.Set("X-User-Id", claims.Subject)
		outReq.Header.Set("X-User-Role", claims.Role)
		if claims.Email != "" {
			outReq.Header.Set("X-User-Email", claims.Email)
		}
	}

	resp, err := d.client.Do(outReq)
	if err != nil {
		// A body ceiling overrun surfaces here when the inbound body is
		// wrapped in MaxBytesReader and the declared length was unknown.
		// That is the client's fault, not the upstream's.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": "Request body too large",
				"limit": maxErr.Limit,
			})
			return
		}

		kind := classifyFailure(err)
		d.logger.Warn("upstream unreachable",
			slog.String("service", route.Service),
			slog.String("target", route.Target.String()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		d.writeUnavailable(w, route)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body)
}

func upstreamURL(r *http.Request, route *routing.Route) string {
	u := *route.Target
	basePath := strings.TrimSuffix(u.Path, "/")
	u.Path = basePath + route.RewritePath(r.URL.Path)
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}

func setForwardedHeaders(outReq *http.Request, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)
}

// streamBody copies the upstream body to the client, flushing after each
// chunk so large and streamed payloads are not buffered in full.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func classifyFailure(err error) FailureKind {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &dnsErr):
		return FailureDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailureConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureTransport
}

func (d *Dispatcher) writeUnavailable(w http.ResponseWriter, route *routing.Route) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   route.Service + " service unavailable",
		"service": route.Service,
	})
}
