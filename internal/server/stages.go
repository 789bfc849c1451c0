package server

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/learnware/api-gateway/internal/auth"
	"github.com/learnware/api-gateway/internal/pipeline"
	"github.com/learnware/api-gateway/internal/ratelimit"
	"github.com/learnware/api-gateway/internal/routing"
)

// IdentityFunc names the client for rate-limit accounting.
type IdentityFunc func(r *http.Request) string

// ClientIdentity prefers a verified user identity over the source address,
// so clients behind a shared NAT don't burn each other's budget. The token
// check here is best effort: an invalid token simply falls back to the
// address, and the auth stage still decides admission for protected routes.
func ClientIdentity(verifier *auth.Verifier) IdentityFunc {
	return func(r *http.Request) string {
		if verifier != nil {
			if token, err := auth.BearerToken(r); err == nil {
				if claims, err := verifier.Verify(token); err == nil {
					return "user:" + claims.Subject
				}
			}
		}

		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return "ip:" + first
			}
		}

		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return "ip:" + host
		}
		return "ip:" + r.RemoteAddr
	}
}

// RateLimitStage checks the most specific policy tier for the request path
// and denies with 429 once the window budget is spent.
func RateLimitStage(limiter *ratelimit.Limiter, policies []ratelimit.Policy, identity IdentityFunc) pipeline.Stage {
	return pipeline.Func{
		StageName: "ratelimit",
		Fn: func(r *http.Request) pipeline.Outcome {
			policy, ok := ratelimit.SelectPolicy(policies, r.URL.Path)
			if !ok {
				return pipeline.Continue(r)
			}

			dec := limiter.Check(r.Context(), policy, identity(r))
			if dec.Allowed {
				return pipeline.Continue(r)
			}

			retryAfter := int(math.Ceil(dec.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			return pipeline.Respond(http.StatusTooManyRequests, map[string]any{
				"error":      "Too many requests",
				"message":    policy.Message,
				"retryAfter": retryAfter,
			}).WithHeader("Retry-After", strconv.Itoa(retryAfter))
		},
	}
}

// RouteStage resolves the request path against the route table; an
// unmatched path terminates with the platform's 404 envelope.
func RouteStage(table *routing.Table) pipeline.Stage {
	return pipeline.Func{
		StageName: "route",
		Fn: func(r *http.Request) pipeline.Outcome {
			route, ok := table.Resolve(r.URL.Path)
			if !ok {
				return pipeline.Respond(http.StatusNotFound, map[string]any{
					"error":  "Route not found",
					"path":   r.URL.Path,
					"method": r.Method,
				})
			}
			return pipeline.Continue(r.WithContext(routing.ContextWithRoute(r.Context(), route)))
		},
	}
}

// AuthStage gates protected routes on a verified bearer credential. It
// runs after RouteStage; unprotected routes pass untouched. On success the
// claims ride the request context for the dispatcher to forward.
func AuthStage(verifier *auth.Verifier) pipeline.Stage {
	return pipeline.Func{
		StageName: "auth",
		Fn: func(r *http.Request) pipeline.Outcome {
			route, ok := routing.RouteFromContext(r.Context())
			if !ok || !route.Protected {
				return pipeline.Continue(r)
			}

			token, err := auth.BearerToken(r)
			if err != nil {
				return unauthorized(err)
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				return unauthorized(err)
			}

			return pipeline.Continue(r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
		},
	}
}

func unauthorized(err error) pipeline.Outcome {
	msg := "Invalid or expired token"
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		msg = "Missing Authorization header"
	case errors.Is(err, auth.ErrMalformedCredential):
		msg = "Malformed Authorization header"
	}
	return pipeline.Respond(http.StatusUnauthorized, map[string]any{"error": msg})
}
