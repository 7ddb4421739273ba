// Package webtool provides a network class tool issuing HTTP requests,
// with domain allow/deny lists and exponential-backoff retry on transport
// failures.
package webtool

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
)

// BackoffPolicy is the exponential-backoff-with-jitter shape used for
// transport failures at the HTTP layer itself. The Tool Executor's own
// retry loop uses plain doubling from a base delay, without jitter or cap.
type BackoffPolicy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// DefaultBackoffPolicy is a conservative default: 200ms initial, 5s max,
// factor 2, 10% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{InitialMs: 200, MaxMs: 5000, Factor: 2, Jitter: 0.1}
}

func computeBackoff(p BackoffPolicy, attempt int) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * rand.Float64() //nolint:gosec // jitter has no security relevance
	total := math.Min(p.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Config controls Request's domain policy, retry behavior, and transport.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	MaxResponseSize int64
	AllowedDomains []string // empty means unrestricted
	DeniedDomains  []string
	Backoff        BackoffPolicy
	Client         *http.Client
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = 5 * 1024 * 1024
	}
	if c.Backoff == (BackoffPolicy{}) {
		c.Backoff = DefaultBackoffPolicy()
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// Request is a network class tool performing a single HTTP request.
type Request struct {
	cfg Config
}

// New builds a web request tool.
func New(cfg Config) *Request {
	return &Request{cfg: cfg.withDefaults()}
}

func (t *Request) Name() string        { return "web_request" }
func (t *Request) Description() string { return "Make an HTTP request to an allowed domain" }
func (t *Request) Permission() permission.Class { return permission.Network }

// requestParams is the typed parameter shape; the schema is generated
// from it rather than hand-written.
type requestParams struct {
	URL    string `json:"url" jsonschema:"description=request URL"`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method (defaults to GET)"`
	Body   string `json:"body,omitempty" jsonschema:"description=optional request body"`
}

func (t *Request) Schema() map[string]any {
	return tool.GenerateSchema(&requestParams{})
}

// MaxRetries advertises Config.MaxRetries as this tool's Executor retry
// budget, replacing the Executor's default; it applies to every HTTP
// method alike. Execute also retries transport failures itself.
func (t *Request) MaxRetries() int { return t.cfg.MaxRetries }

func (t *Request) Execute(ctx context.Context, params map[string]any) (tool.Result, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "url is required", nil)
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	body, _ := params["body"].(string)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "invalid url", err)
	}
	if err := checkDomain(parsed.Hostname(), t.cfg.AllowedDomains, t.cfg.DeniedDomains); err != nil {
		return tool.Result{}, tool.NewError(tool.PermissionDenied, t.Name(), err.Error(), nil)
	}

	maxAttempts := t.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return tool.Result{}, tool.NewError(tool.Timeout, t.Name(), "context cancelled", err)
		}

		result, err := t.doOnce(ctx, method, rawURL, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if sleepErr := sleepWithContext(ctx, computeBackoff(t.cfg.Backoff, attempt)); sleepErr != nil {
				return tool.Result{}, tool.NewError(tool.Timeout, t.Name(), "context cancelled during backoff", sleepErr)
			}
		}
	}

	return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "request failed after retries", lastErr)
}

func (t *Request) doOnce(ctx context.Context, method, rawURL, body string) (tool.Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(body))
	if err != nil {
		return tool.Result{}, err
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return tool.Result{}, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, t.cfg.MaxResponseSize)
	data, err := io.ReadAll(limited)
	if err != nil {
		return tool.Result{}, err
	}

	return tool.Result{
		Success: resp.StatusCode < 400,
		Data:    string(data),
		Message: fmt.Sprintf("%s %d", resp.Status, resp.StatusCode),
	}, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func checkDomain(host string, allowed, denied []string) error {
	for _, d := range denied {
		if matchesDomain(host, d) {
			return fmt.Errorf("domain denied: %s", host)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if matchesDomain(host, a) {
			return nil
		}
	}
	return fmt.Errorf("domain not allowed: %s", host)
}

func matchesDomain(host, pattern string) bool {
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}
