package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/plugin-runner/internal/governance"
	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/metadata"
)

// APIPath is the versioned Web API root below the organization URL.
const APIPath = "/api/data/v9.2/"

// maxResponseBytes bounds a buffered response body.
const maxResponseBytes = 64 << 20

// EntitySets resolves logical names to entity set names and back.
type EntitySets interface {
	GetEntity(logicalName string) (metadata.EntityInfo, bool)
	GetEntityBySetName(setName string) (metadata.EntityInfo, bool)
}

// Options configures a Client.
type Options struct {
	OrgURL      string
	AccessToken string
	// HTTPClient overrides the default otelhttp instrumented client.
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      governance.RetryConfig
	Breakers   *governance.BreakerSet
	Throttle   *governance.Throttle
	Logger     *slog.Logger
}

// Client talks to one organization's Web API. It implements the native
// organization service over HTTP and serves as the metadata source.
type Client struct {
	base     *url.URL
	apiBase  *url.URL
	token    string
	http     *http.Client
	retry    *governance.RetryPolicy
	breaker  *governance.Breaker
	throttle *governance.Throttle
	orgKey   string
	logger   *slog.Logger

	names   Names
	coercer *dataaccess.Coercer
}

// New creates a Client for opts.OrgURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.OrgURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "invalid organization URL %q", opts.OrgURL)
	}
	apiBase := base.JoinPath(APIPath)
	apiBase.Path = strings.TrimRight(apiBase.Path, "/") + "/"

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = governance.NewBreakerSet(governance.DefaultBreakerConfig())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:     base,
		apiBase:  apiBase,
		token:    opts.AccessToken,
		http:     httpClient,
		retry:    governance.NewRetryPolicy(opts.Retry),
		breaker:  breakers.Get(base.Host),
		throttle: opts.Throttle,
		orgKey:   strings.ToLower(base.Host),
		logger:   logger.With("category", "data", "org", base.Host),
	}
	c.coercer = dataaccess.NewCoercer(nil)
	return c, nil
}

// UseMetadata wires entity set resolution and attribute shapes. It must be
// called before the client serves requests.
func (c *Client) UseMetadata(sets EntitySets, shapes dataaccess.ShapeResolver) {
	c.names = Names{Sets: sets}
	c.coercer = dataaccess.NewCoercer(shapes)
}

// BaseURL returns the organization URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// APIError is a non-success Web API response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("web api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("web api %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 onto domain.ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == domain.ErrNotFound && e.StatusCode == http.StatusNotFound
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type call struct {
	method  string
	target  string // absolute URL or path relative to the API root
	query   url.Values
	body    []byte
	headers map[string]string
	noAuth  bool
}

// send runs one call through the throttle, breaker and retry policy. Only
// transport faults and 5xx outcomes count against the breaker.
func (c *Client) send(ctx context.Context, cl call) (*response, error) {
	if err := c.throttle.Wait(ctx, c.orgKey); err != nil {
		return nil, err
	}

	var resp *response
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		attempt, err := c.retry.Do(ctx, cl.method, func(ctx context.Context) (governance.Attempt, error) {
			r, err := c.roundTrip(ctx, cl)
			if err != nil {
				return governance.Attempt{}, err
			}
			resp = r
			return governance.Attempt{
				StatusCode: r.StatusCode,
				RetryAfter: governance.ParseRetryAfter(r.Header.Get("Retry-After"), time.Now()),
			}, nil
		})
		if err == nil && attempt.StatusCode >= 500 {
			return fmt.Errorf("web api status %d", attempt.StatusCode)
		}
		return err
	})
	if resp != nil && (err == nil || errors.Is(err, governance.ErrMaxRetriesExceeded) || resp.StatusCode >= 500) {
		return resp, nil
	}
	if err != nil {
		c.logger.WarnContext(ctx, "Web API call failed", "method", cl.method, "target", cl.target, "error", err)
		return nil, fmt.Errorf("%w: %s %s: %w", domain.ErrUpstreamUnreachable, cl.method, cl.target, err)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, cl call) (*response, error) {
	u, err := c.resolve(cl.target)
	if err != nil {
		return nil, err
	}
	if len(cl.query) > 0 {
		u.RawQuery = encodeQuery(cl.query)
	}

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if !cl.noAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.DebugContext(ctx, "Web API call", "method", cl.method, "url", u.Path, "status", res.StatusCode, "duration", time.Since(start))
	return &response{StatusCode: res.StatusCode, Header: res.Header, Body: data}, nil
}

// resolve turns an absolute URL, an org-relative path or an API-relative
// path into a URL on this organization.
func (c *Client) resolve(target string) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	switch {
	case ref.IsAbs():
		return ref, nil
	case strings.HasPrefix(ref.Path, "/"):
		return c.base.ResolveReference(ref), nil
	default:
		return c.apiBase.ResolveReference(ref), nil
	}
}

// encodeQuery keeps OData option names ($select, @p1) unescaped and encodes
// spaces as %20.
func encodeQuery(q url.Values) string {
	return strings.NewReplacer("%24", "$", "%40", "@", "+", "%20").Replace(q.Encode())
}

func (c *Client) expect(resp *response, codes ...int) error {
	for _, code := range codes {
		if resp.StatusCode == code {
			return nil
		}
	}
	return decodeError(resp)
}

func decodeError(resp *response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(resp.Body, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, target string, query url.Values, v any) error {
	resp, err := c.send(ctx, call{method: http.MethodGet, target: target, query: query})
	if err != nil {
		return err
	}
	if err := c.expect(resp, http.StatusOK); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}
