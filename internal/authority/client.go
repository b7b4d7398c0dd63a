package authority

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

	"golang.org/x/time/rate"
)

const defaultBasePath = "/resources"

// ErrNoCertificate is returned by mutating calls when no certificate client
// was configured.
var ErrNoCertificate = errors.New("no client certificate configured for mutating requests")

// Error is a logical failure reported inside an otherwise well-formed response.
type Error struct {
	Op     string
	Code   int
	Reason string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: authority error %d: %s", e.Op, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: authority error: %s", e.Op, e.Reason)
}

// Config holds the static configuration for an authority client.
type Config struct {
	ServerURL string
}

// Dependencies allow test overrides for HTTP clients, pacing, and logging.
type Dependencies struct {
	// HTTPClient serves GET requests, without a client certificate.
	HTTPClient *http.Client
	// CertClient serves POST, PUT and DELETE requests.
	CertClient *http.Client
	Limiter    *rate.Limiter
	Logger     *slog.Logger
	BasePath   string
}

// Client talks JSON REST to the allocation authority.
type Client struct {
	anonymous *http.Client
	cert      *http.Client
	baseURL   string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewClient builds an authority client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if deps.HTTPClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	basePath := deps.BasePath
	if basePath == "" {
		basePath = defaultBasePath
	}
	return &Client{
		anonymous: deps.HTTPClient,
		cert:      deps.CertClient,
		baseURL:   joinURL(cfg.ServerURL, basePath),
		limiter:   deps.Limiter,
		logger:    logger,
	}, nil
}

// String identifies the authority in notices.
func (c *Client) String() string {
	return c.baseURL
}

// Leases returns the raw lease records currently known to the authority.
func (c *Client) Leases(ctx context.Context) ([]json.RawMessage, error) {
	env, err := c.do(ctx, "list leases", http.MethodGet, "leases", nil)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return []json.RawMessage{}, nil
	}
	resources := env.ResourceResponse.Resources
	if resources == nil {
		resources = []json.RawMessage{}
	}
	c.logger.Info("leases received", "count", len(resources))
	return resources, nil
}

// Node resolves a node name to the authority's node resource.
func (c *Client) Node(ctx context.Context, name string) (Node, error) {
	qualifier := "nodes?name=" + url.QueryEscape(name)
	env, err := c.do(ctx, "lookup node", http.MethodGet, qualifier, nil)
	if err != nil {
		return Node{}, err
	}
	if env == nil || len(env.ResourceResponse.Resource) == 0 {
		return Node{}, &Error{Op: "lookup node", Code: http.StatusNotFound, Reason: fmt.Sprintf("node %q not found", name)}
	}
	var node Node
	if err := json.Unmarshal(env.ResourceResponse.Resource, &node); err != nil {
		return Node{}, fmt.Errorf("decode node %q: %w", name, err)
	}
	if node.UUID == "" {
		return Node{}, &Error{Op: "lookup node", Reason: fmt.Sprintf("node %q has no uuid", name)}
	}
	return node, nil
}

// CreateLease submits a new lease and returns the created record.
func (c *Client) CreateLease(ctx context.Context, req LeaseRequest) (json.RawMessage, error) {
	return c.resource(ctx, "create lease", http.MethodPost, req)
}

// UpdateLease changes the time range of an existing lease.
func (c *Client) UpdateLease(ctx context.Context, req LeaseUpdate) (json.RawMessage, error) {
	if req.UUID == "" {
		return nil, fmt.Errorf("update lease: uuid is required")
	}
	return c.resource(ctx, "update lease", http.MethodPut, req)
}

// DeleteLease withdraws the lease with the given remote identifier.
func (c *Client) DeleteLease(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("delete lease: uuid is required")
	}
	env, err := c.do(ctx, "delete lease", http.MethodDelete, "leases", leaseRef{UUID: id})
	if err != nil {
		return err
	}
	if env == nil || env.ResourceResponse.Response != "OK" {
		response := ""
		if env != nil {
			response = env.ResourceResponse.Response
		}
		return &Error{Op: "delete lease", Reason: fmt.Sprintf("unexpected response %q", response)}
	}
	return nil
}

func (c *Client) resource(ctx context.Context, op, verb string, body any) (json.RawMessage, error) {
	env, err := c.do(ctx, op, verb, "leases", body)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, &Error{Op: op, Code: http.StatusNotFound, Reason: NoResourcesReason}
	}
	raw := env.ResourceResponse.Resource
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, &Error{Op: op, Reason: "response carries no resource"}
	}
	return raw, nil
}

// do sends one request and decodes the envelope. A nil envelope with a nil
// error means the authority answered "no resources matching".
func (c *Client) do(ctx context.Context, op, verb, qualifier string, body any) (*envelope, error) {
	client := c.anonymous
	if verb != http.MethodGet {
		if c.cert == nil {
			return nil, fmt.Errorf("%s: %w", op, ErrNoCertificate)
		}
		client = c.cert
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: wait for rate limiter: %w", op, err)
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + "/" + qualifier
	req, err := http.NewRequestWithContext(ctx, verb, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rhubarbe/0.1")

	c.logger.Debug("sending request", "verb", verb, "url", target)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	return decodeEnvelope(op, resp.StatusCode, resp.Status, data)
}

func decodeEnvelope(op string, statusCode int, status string, data []byte) (*envelope, error) {
	ok := statusCode >= 200 && statusCode < 300

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if !ok {
			return nil, fmt.Errorf("%s: status %s", op, status)
		}
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if env.Exception != nil {
		if env.Exception.Reason == NoResourcesReason {
			return nil, nil
		}
		return nil, &Error{Op: op, Code: env.Exception.Code, Reason: env.Exception.Reason}
	}
	if len(env.Error) > 0 && !bytes.Equal(bytes.TrimSpace(env.Error), []byte("null")) {
		return nil, &Error{Op: op, Reason: errorReason(env.Error)}
	}
	if !ok {
		return nil, fmt.Errorf("%s: status %s", op, status)
	}
	if env.ResourceResponse == nil {
		return nil, fmt.Errorf("%s: response has no resource_response", op)
	}
	return &env, nil
}

func errorReason(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Reason != "" {
			return obj.Reason
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	return string(raw)
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(base+path, "/")
}
