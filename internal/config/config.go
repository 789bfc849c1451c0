// Package config loads gateway configuration once at startup: an optional
// YAML file overlaid with GATEWAY_* environment variables. There is no hot
// reload; a config change means a restart.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/learnware/api-gateway/internal/ratelimit"
	"github.com/learnware/api-gateway/internal/routing"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// devSecret mirrors the identity service's development fallback. It is
	// rejected outside development mode.
	devSecret = "your-secret-key"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	CORS      CORSConfig      `koanf:"cors"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Routes    []RouteConfig   `koanf:"routes"`
}

type ServerConfig struct {
	Port        int    `koanf:"port"`
	Environment string `koanf:"environment"`
	// BodyLimit is the request body ceiling in bytes.
	BodyLimit int64 `koanf:"body_limit"`
	// UpstreamTimeout bounds every forward attempt.
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`
}

type AuthConfig struct {
	// Secret is the shared HMAC verification key for bearer tokens.
	Secret string `koanf:"secret"`
}

type CORSConfig struct {
	// Origin is the allowed browser origin.
	Origin string `koanf:"origin"`
}

type RateLimitConfig struct {
	// Store selects the counter backend: "memory" or "redis".
	Store    string         `koanf:"store"`
	Redis    RedisConfig    `koanf:"redis"`
	Policies []PolicyConfig `koanf:"policies"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type PolicyConfig struct {
	Name        string        `koanf:"name"`
	Window      time.Duration `koanf:"window"`
	MaxRequests int           `koanf:"max_requests"`
	Message     string        `koanf:"message"`
	Prefixes    []string      `koanf:"prefixes"`
}

type RouteConfig struct {
	Prefix    string `koanf:"prefix"`
	Target    string `koanf:"target"`
	Rewrite   string `koanf:"rewrite"`
	Service   string `koanf:"service"`
	Protected bool   `koanf:"protected"`
}

// Load reads configuration from the file named by GATEWAY_CONFIG (if set)
// and the environment, then fills defaults.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("GATEWAY_CONFIG"))
}

// LoadFrom reads configuration from the given YAML file path (optional)
// overlaid with GATEWAY_* environment variables.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.Environment == "" {
		c.Server.Environment = EnvDevelopment
	}
	if c.Server.BodyLimit == 0 {
		c.Server.BodyLimit = 10 << 20 // 10 MiB, matching the platform's ceiling
	}
	if c.Server.UpstreamTimeout == 0 {
		c.Server.UpstreamTimeout = 15 * time.Second
	}
	if c.Auth.Secret == "" && c.Server.Environment == EnvDevelopment {
		c.Auth.Secret = devSecret
	}
	if c.CORS.Origin == "" {
		c.CORS.Origin = "http://localhost:5173"
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "memory"
	}
	if len(c.RateLimit.Policies) == 0 {
		c.RateLimit.Policies = DefaultPolicies()
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
}

// IsDevelopment reports whether detailed internal error messages may be
// shown to clients.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// Validate rejects configurations that must not reach the serving loop.
// Called once at startup; any error here is fatal.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Auth.Secret == devSecret && !c.IsDevelopment() {
		return fmt.Errorf("auth.secret must be set outside development")
	}
	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "redis" {
		return fmt.Errorf("ratelimit.store must be memory or redis, got %q", c.RateLimit.Store)
	}
	if c.RateLimit.Store == "redis" && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("ratelimit.redis.addr is required for the redis store")
	}

	for _, p := range c.RateLimit.Policies {
		if p.Name == "" {
			return fmt.Errorf("rate limit policy without a name")
		}
		if p.Window <= 0 || p.MaxRequests <= 0 {
			return fmt.Errorf("policy %s: window and max_requests must be positive", p.Name)
		}
	}

	// Route validation (duplicates, absolute targets) happens in
	// BuildRouteTable; run it here so a bad table fails at boot even if
	// the caller forgets.
	if _, err := c.BuildRouteTable(); err != nil {
		return err
	}
	return nil
}

// BuildRouteTable converts the configured routes into the immutable table.
func (c *Config) BuildRouteTable() (*routing.Table, error) {
	routes := make([]*routing.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		target, err := url.Parse(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid target %q: %w", rc.Prefix, rc.Target, err)
		}
		routes = append(routes, &routing.Route{
			Prefix:    rc.Prefix,
			Target:    target,
			RewriteTo: rc.Rewrite,
			Service:   rc.Service,
			Protected: rc.Protected,
		})
	}
	return routing.NewTable(routes)
}

// BuildPolicies converts the configured tiers into limiter policies.
func (c *Config) BuildPolicies() []ratelimit.Policy {
	policies := make([]ratelimit.Policy, 0, len(c.RateLimit.Policies))
	for _, pc := range c.RateLimit.Policies {
		policies = append(policies, ratelimit.Policy{
			Name:        pc.Name,
			Window:      pc.Window,
			MaxRequests: pc.MaxRequests,
			Message:     pc.Message,
			Prefixes:    pc.Prefixes,
		})
	}
	return policies
}

// DefaultPolicies returns the platform's four rate-limit tiers.
func DefaultPolicies() []PolicyConfig {
	return []PolicyConfig{
		{
			Name:        "general",
			Window:      15 * time.Minute,
			MaxRequests: 100,
			Message:     "Too many requests from this IP, please try again later.",
		},
		{
			Name:        "auth",
			Window:      15 * time.Minute,
			MaxRequests: 5,
			Message:     "Too many authentication attempts, please try again later.",
			Prefixes:    []string{"/api/auth"},
		},
		{
			Name:        "payment",
			Window:      time.Hour,
			MaxRequests: 10,
			Message:     "Too many payment requests, please try again later.",
			Prefixes:    []string{"/api/payments"},
		},
		{
			Name:        "search",
			Window:      time.Minute,
			MaxRequests: 30,
			Message:     "Too many search requests, please slow down.",
			Prefixes:    []string{"/api/search"},
		},
	}
}

// DefaultRoutes returns the platform's static service map: identity on
// 3001-3008, content on 3011-3020, learning on 3021-3029, commerce on
// 3031-3038. Rewrites are identity; every backend accepts the same path
// the gateway received.
func DefaultRoutes() []RouteConfig {
	local := func(port int) string { return fmt.Sprintf("http://localhost:%d", port) }

	return []RouteConfig{
		// Identity
		{Prefix: "/api/auth", Target: local(3001), Service: "authentication"},
		{Prefix: "/api/authorization", Target: local(3002), Service: "authorization"},
		{Prefix: "/api/users", Target: local(3003), Service: "user-profile", Protected: true},
		{Prefix: "/api/sessions", Target: local(3004), Service: "session-management", Protected: true},
		{Prefix: "/api/oauth", Target: local(3005), Service: "oauth-provider"},
		{Prefix: "/api/verification", Target: local(3006), Service: "identity-verification", Protected: true},
		{Prefix: "/api/recovery", Target: local(3007), Service: "account-recovery"},
		{Prefix: "/api/audit", Target: local(3008), Service: "audit-logging", Protected: true},

		// Content
		{Prefix: "/api/courses", Target: local(3011), Service: "course-catalog"},
		{Prefix: "/api/lessons", Target: local(3012), Service: "lesson-content"},
		{Prefix: "/api/video", Target: local(3013), Service: "video-processing"},
		{Prefix: "/api/files", Target: local(3014), Service: "file-storage", Protected: true},
		{Prefix: "/api/versions", Target: local(3015), Service: "content-versioning", Protected: true},
		{Prefix: "/api/metadata", Target: local(3016), Service: "metadata"},
		{Prefix: "/api/moderation", Target: local(3017), Service: "content-moderation", Protected: true},
		{Prefix: "/api/streaming", Target: local(3018), Service: "media-streaming"},
		{Prefix: "/api/search", Target: local(3019), Service: "content-search"},
		{Prefix: "/api/content-analytics", Target: local(3020), Service: "content-analytics", Protected: true},

		// Learning
		{Prefix: "/api/progress", Target: local(3021), Service: "progress-tracking", Protected: true},
		{Prefix: "/api/quizzes", Target: local(3022), Service: "quiz-engine", Protected: true},
		{Prefix: "/api/certificates", Target: local(3023), Service: "certificate", Protected: true},
		{Prefix: "/api/learning-paths", Target: local(3024), Service: "learning-path"},
		{Prefix: "/api/gamification", Target: local(3025), Service: "gamification", Protected: true},
		{Prefix: "/api/study-analytics", Target: local(3026), Service: "study-analytics", Protected: true},
		{Prefix: "/api/assignments", Target: local(3027), Service: "assignment", Protected: true},
		{Prefix: "/api/discussions", Target: local(3028), Service: "discussion-forum", Protected: true},
		{Prefix: "/api/live-sessions", Target: local(3029), Service: "live-session", Protected: true},

		// Commerce
		{Prefix: "/api/pricing", Target: local(3031), Service: "pricing"},
		{Prefix: "/api/payments", Target: local(3032), Service: "payment-processing", Protected: true},
		{Prefix: "/api/subscriptions", Target: local(3033), Service: "subscription", Protected: true},
		{Prefix: "/api/invoices", Target: local(3034), Service: "invoice", Protected: true},
		{Prefix: "/api/refunds", Target: local(3035), Service: "refund", Protected: true},
		{Prefix: "/api/financial-reports", Target: local(3036), Service: "financial-reporting", Protected: true},
		{Prefix: "/api/coupons", Target: local(3037), Service: "coupon", Protected: true},
		{Prefix: "/api/revenue-analytics", Target: local(3038), Service: "revenue-analytics", Protected: true},
	}
}
