package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	syncErrors "github.com/scopekit/scopes/errors"
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

// DefaultRequestTimeout is the per-request timeout of the default
// client when the caller does not supply an *http.Client.
const DefaultRequestTimeout = 30 * time.Second

// Client is a transport.Peer talking to a remote device's sync server.
type Client struct {
	baseURL string
	hc      *http.Client

	// cached after the first DeviceID call; a peer's identity is stable
	// for the lifetime of the connection.
	device identity.DeviceID
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// NewClient creates a peer client for the given base URL, for example
// "http://192.168.1.20:7340".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the peer's device identity, fetching it on first use.
func (c *Client) DeviceID(ctx context.Context) (identity.DeviceID, error) {
	if !c.device.IsZero() {
		return c.device, nil
	}
	var resp ClockResponse
	if err := c.get(ctx, "/v1/clock", nil, &resp); err != nil {
		return identity.DeviceID(""), err
	}
	device, err := identity.NewDeviceID(resp.DeviceID)
	if err != nil {
		return identity.DeviceID(""), syncErrors.NewNetworkError(syncErrors.OpTransport,
			fmt.Errorf("peer reported invalid device id %q: %w", resp.DeviceID, err))
	}
	c.device = device
	return device, nil
}

// Fetch returns the peer's events after the given instant.
func (c *Client) Fetch(ctx context.Context, since time.Time, limit int) ([]event.StoredEvent, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var batch EventBatch
	if err := c.get(ctx, "/v1/events", q, &batch); err != nil {
		return nil, err
	}
	return batch.Events, nil
}

// Send pushes local events to the peer and returns how many it accepted.
func (c *Client) Send(ctx context.Context, events []event.StoredEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(EventBatch{Events: events})
	if err != nil {
		return 0, syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return 0, syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.responseError(syncErrors.OpPush, resp)
	}
	var pr PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	return pr.Accepted, nil
}

// Clock returns the peer's current vector clock.
func (c *Client) Clock(ctx context.Context) (vclock.Clock, error) {
	var resp ClockResponse
	if err := c.get(ctx, "/v1/clock", nil, &resp); err != nil {
		return vclock.New(), err
	}
	return resp.Clock, nil
}

// Close is a no-op; the underlying HTTP client pools connections.
func (c *Client) Close() error { return nil }

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.responseError(syncErrors.OpPull, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// responseError converts a non-2xx peer response into a StoreError,
// preserving the peer's error code when it sent one.
func (c *Client) responseError(op syncErrors.Operation, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		cause := fmt.Errorf("peer returned %d: %s", resp.StatusCode, er.Error)
		switch code := syncErrors.ErrorCode(er.Code); code {
		case syncErrors.ErrCodeInvalidEventSequence,
			syncErrors.ErrCodeStorageCapacityExceeded,
			syncErrors.ErrCodeValidationFailure,
			syncErrors.ErrCodeDeviceNotFound:
			return syncErrors.New(code, op, "transport/http", cause)
		}
		return syncErrors.NewNetworkError(op, cause)
	}
	return syncErrors.NewNetworkError(op, fmt.Errorf("peer returned %d", resp.StatusCode))
}
