// Package client talks to the warden daemon over its local socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/health"
	"github.com/haasonsaas/warden/pkg/protocol"
)

const maxResponseBytes = 4 << 20

type Options struct {
	// Address is the daemon's unix socket or Windows named pipe.
	Address string
	// BaseURL replaces the socket transport, for TCP test servers.
	BaseURL         string
	Timeout         time.Duration
	RequestLifetime time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	MaxRetries      int
	Logger          zerolog.Logger
}

type Client struct {
	http     *http.Client
	base     string
	lifetime time.Duration
	retry    *retrier
	now      func() time.Time
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.RequestLifetime <= 0 {
		opts.RequestLifetime = time.Minute
	}
	c := &Client{
		http:     &http.Client{Timeout: opts.Timeout},
		base:     opts.BaseURL,
		lifetime: opts.RequestLifetime,
		retry:    newRetrier(opts.RetryInitial, opts.RetryMax, opts.MaxRetries, opts.Logger),
		now:      time.Now,
	}
	if c.base == "" {
		address := opts.Address
		c.base = "http://warden"
		c.http.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dial(ctx, address)
			},
			MaxIdleConns:    2,
			IdleConnTimeout: 30 * time.Second,
		}
	}
	return c
}

// Execute signs p and submits it. Every attempt carries a fresh nonce and
// validity window under the same commandId, so a retry after a lost response
// is answered from the daemon's idempotency record.
func (c *Client) Execute(ctx context.Context, signer auth.Signer, p protocol.CommandPayload) (*protocol.CommandResponse, error) {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = protocol.SchemaVersion
	}
	var out protocol.CommandResponse
	err := c.retry.do(ctx, func(int) error {
		nonce, err := auth.NewNonce()
		if err != nil {
			return err
		}
		now := c.now().UTC()
		p.Nonce = nonce
		p.IssuedAt = now
		p.ExpiresAt = now.Add(c.lifetime)
		req, err := auth.SignCommand(signer, &p)
		if err != nil {
			return err
		}
		out = protocol.CommandResponse{}
		return c.post(ctx, "/v1/commands", req, &out)
	}, isRetryable)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePolicy submits a signed policy update once.
func (c *Client) UpdatePolicy(ctx context.Context, req *protocol.PolicyUpdateRequest) (*protocol.PolicyUpdateResponse, error) {
	var out protocol.PolicyUpdateResponse
	if err := c.post(ctx, "/v1/policy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PolicyInfo is the daemon's summary of the active policy.
type PolicyInfo struct {
	Version  int64    `json:"version"`
	Commands []string `json:"commands"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func (c *Client) PolicyInfo(ctx context.Context) (*PolicyInfo, error) {
	var out PolicyInfo
	if err := c.get(ctx, "/v1/policy", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*health.Status, error) {
	var out health.Status
	if err := c.get(ctx, "/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do decodes any JSON answer into out. Coded failures arrive as bodies with a
// non-2xx status and are returned to the caller, not as errors.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if isRetryableStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return retryableStatusError{status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unexpected %d response from daemon: %w", resp.StatusCode, err)
	}
	return nil
}
