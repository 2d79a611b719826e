package ratelimit

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the limiter policy. Clients are keyed by remote IP.
type Config struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration
	SweepInterval time.Duration
	Exempt        map[string]bool
	Blocked       map[string]bool
	Rules         []Rule
}

// Rule overrides the default budget for one method and path. A Path ending in "/"
// covers every route below it and all of them share one bucket.
type Rule struct {
	Method string
	Path   string
	Limit  int // requests per Window; zero means unlimited
	Window time.Duration
	Burst  int // bucket size, Limit when zero
}

func (r Rule) covers(method, path string) bool {
	if r.Method != method {
		return false
	}
	if strings.HasSuffix(r.Path, "/") {
		return strings.HasPrefix(path, r.Path)
	}
	return r.Path == path
}

// match picks the rule for a request. Exact paths win over prefixes, and health and
// metrics scrapes are never limited.
func (c *Config) match(method, path string) Rule {
	if method == http.MethodGet && (path == "/health" || path == "/metrics") {
		return Rule{Method: method, Path: path}
	}
	var prefix *Rule
	for i := range c.Rules {
		r := &c.Rules[i]
		if !r.covers(method, path) {
			continue
		}
		if r.Path == path {
			return *r
		}
		if prefix == nil {
			prefix = r
		}
	}
	if prefix != nil {
		return *prefix
	}
	return Rule{Method: method, Path: defaultScope, Limit: c.DefaultLimit, Window: c.DefaultWindow, Burst: c.DefaultLimit}
}

// RenderRules limits every POST that can start a render or touch the queues to
// perMinute, with a burst of a sixth of that.
func RenderRules(perMinute int) []Rule {
	burst := max(perMinute/6, 1)
	return []Rule{
		{Method: http.MethodPost, Path: "/images/", Limit: perMinute, Window: time.Minute, Burst: burst},
		{Method: http.MethodPost, Path: "/experiments", Limit: perMinute, Window: time.Minute, Burst: burst},
	}
}

// LoadConfig reads IMAGEGEN_RATE_LIMIT_* from the environment.
func LoadConfig() *Config {
	if !envBool("IMAGEGEN_RATE_LIMIT_ENABLED", true) {
		return &Config{}
	}
	return &Config{
		Enabled:       true,
		DefaultLimit:  envInt("IMAGEGEN_RATE_LIMIT_DEFAULT_LIMIT", 600),
		DefaultWindow: envDuration("IMAGEGEN_RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		SweepInterval: envDuration("IMAGEGEN_RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
		Exempt:        ipSet(os.Getenv("IMAGEGEN_RATE_LIMIT_EXEMPT")),
		Blocked:       ipSet(os.Getenv("IMAGEGEN_RATE_LIMIT_BLOCKED")),
		Rules:         RenderRules(envInt("IMAGEGEN_RATE_LIMIT_RENDER_LIMIT", 60)),
	}
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

// ipSet parses a comma separated address list.
func ipSet(list string) map[string]bool {
	set := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			set[ip] = true
		}
	}
	return set
}
