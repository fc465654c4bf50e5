package ipam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/vmpool/vmpool/pkg/engine"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// Config configures a NetBox client.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration

	// Tenant and Role are set on every claimed address when non-zero.
	Tenant int
	Role   string

	Retry  engine.RetryPolicy
	Clock  clock.Clock
	Logger zerolog.Logger

	// HTTPClient overrides the default client; used by tests.
	HTTPClient *http.Client
}

// Client allocates addresses from NetBox prefixes.
type Client struct {
	base   *url.URL
	token  string
	tenant int
	role   string
	retry  engine.RetryPolicy
	clock  clock.Clock
	http   *http.Client
	logger zerolog.Logger
}

var _ engine.Allocator = (*Client)(nil)

// NewClient creates a NetBox client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid netbox url %q", cfg.URL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = engine.DefaultRetryPolicy()
	}

	return &Client{
		base:   base,
		token:  cfg.Token,
		tenant: cfg.Tenant,
		role:   cfg.Role,
		retry:  cfg.Retry,
		clock:  cfg.Clock,
		http:   cfg.HTTPClient,
		logger: cfg.Logger.With().Str("component", "ipam").Logger(),
	}, nil
}

// ipAddress is the subset of the NetBox IP address object the client reads.
type ipAddress struct {
	ID          int64  `json:"id"`
	Address     string `json:"address"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type ipAddressList struct {
	Count   int         `json:"count"`
	Results []ipAddress `json:"results"`
}

type claimRequest struct {
	Status      string `json:"status"`
	Description string `json:"description"`
	DNSName     string `json:"dns_name,omitempty"`
	Tenant      int    `json:"tenant,omitempty"`
	Role        string `json:"role,omitempty"`
}

// statusError is a non-2xx NetBox response.
type statusError struct {
	Status int
	Detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("netbox returned %d: %s", e.Status, e.Detail)
}

// Allocate claims one address for the interface named in req.
func (c *Client) Allocate(ctx context.Context, req engine.AllocationRequest) (*engine.IPAllocation, error) {
	if req.Network.PrefixID <= 0 {
		return nil, &engine.AllocationError{Message: "network context has no prefix"}
	}

	desc := description(req.RequestID, req.Interface)
	var claimed *ipAddress

	err := c.retry.Do(ctx, c.clock,
		retryable,
		func(err error, attempt int) {
			c.logger.Warn().Err(err).
				Str("request_id", req.RequestID).
				Str("interface", req.Interface).
				Int("attempt", attempt).
				Msg("address claim failed, retrying")
		},
		func(attempt int) error {
			if attempt > 1 {
				existing, err := c.findByDescription(ctx, desc)
				if err != nil {
					return err
				}
				if existing != nil {
					claimed = existing
					return nil
				}
			}
			ip, err := c.claim(ctx, req, desc)
			if err != nil {
				return err
			}
			claimed = ip
			return nil
		},
	)
	if err != nil {
		return nil, c.allocationError(ctx, req, err)
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("interface", req.Interface).
		Str("address", claimed.Address).
		Msg("address claimed")

	return &engine.IPAllocation{
		RequestID:   req.RequestID,
		Interface:   req.Interface,
		Address:     claimed.Address,
		Reference:   strconv.FormatInt(claimed.ID, 10),
		Status:      engine.AllocationActive,
		AllocatedAt: c.clock.Now().UTC(),
	}, nil
}

// Release deletes the address. An address that no longer exists counts as
// released.
func (c *Client) Release(ctx context.Context, alloc engine.IPAllocation) error {
	id, err := strconv.ParseInt(alloc.Reference, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid netbox reference %q for %s", alloc.Reference, alloc.Address)
	}

	err = c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/ipam/ip-addresses/%d/", id), nil, nil, nil)
	var serr *statusError
	if errors.As(err, &serr) && serr.Status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", alloc.Address, err)
	}
	return nil
}

func (c *Client) claim(ctx context.Context, req engine.AllocationRequest, desc string) (*ipAddress, error) {
	body := claimRequest{
		Status:      "active",
		Description: desc,
		Tenant:      c.tenant,
		Role:        c.role,
	}
	if req.Network.DNSDomain != "" {
		body.DNSName = req.VMName + "." + req.Network.DNSDomain
	}

	// NetBox answers a single-object body with a single object.
	var ip ipAddress
	path := fmt.Sprintf("/api/ipam/prefixes/%d/available-ips/", req.Network.PrefixID)
	if err := c.do(ctx, http.MethodPost, path, nil, body, &ip); err != nil {
		return nil, err
	}
	if ip.ID == 0 || ip.Address == "" {
		return nil, &statusError{Status: http.StatusBadGateway, Detail: "response carried no address"}
	}
	return &ip, nil
}

func (c *Client) findByDescription(ctx context.Context, desc string) (*ipAddress, error) {
	var list ipAddressList
	query := url.Values{"description": {desc}, "limit": {"1"}}
	if err := c.do(ctx, http.MethodGet, "/api/ipam/ip-addresses/", query, nil, &list); err != nil {
		return nil, err
	}
	if len(list.Results) == 0 {
		return nil, nil
	}
	return &list.Results[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &statusError{Status: resp.StatusCode, Detail: errorDetail(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &statusError{Status: http.StatusBadGateway, Detail: "invalid response: " + err.Error()}
	}
	return nil
}

func (c *Client) allocationError(ctx context.Context, req engine.AllocationRequest, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var serr *statusError
	if errors.As(err, &serr) {
		switch {
		case serr.Status == http.StatusConflict || strings.Contains(strings.ToLower(serr.Detail), "insufficient"):
			return &engine.AllocationError{
				Message: fmt.Sprintf("no addresses available in prefix %d", req.Network.PrefixID),
				Err:     err,
			}
		case serr.Status == http.StatusNotFound:
			return &engine.AllocationError{
				Message: fmt.Sprintf("prefix %d not found", req.Network.PrefixID),
				Err:     err,
			}
		case !retryable(err):
			return &engine.AllocationError{Message: "request refused", Err: err}
		}
	}
	return &engine.AllocationError{
		Transient: true,
		Message:   fmt.Sprintf("retries exhausted for %s", req.Interface),
		Err:       err,
	}
}

// retryable reports whether a failed call may succeed when repeated.
func retryable(err error) bool {
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.Status >= 500 || serr.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// errorDetail extracts NetBox's "detail" message, falling back to the body.
func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	return strings.TrimSpace(string(body))
}

func description(requestID, iface string) string {
	return "vmpool:" + requestID + ":" + iface
}
