package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/streamchat/internal/shared"
)

// RequestFunc builds a fresh request for each attempt. Bodies must be
// rebuilt because an earlier attempt may have consumed them.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Client performs authenticated HTTP requests. On 401 or 403 it forces one
// token refresh and retries once; a second rejection ends the session.
type Client struct {
	broker *Broker
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an authenticated client. A nil httpClient uses
// http.DefaultClient.
func NewClient(broker *Broker, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{broker: broker, http: httpClient, logger: logger}
}

// Broker returns the token broker backing the client.
func (c *Client) Broker() *Broker {
	return c.broker
}

// Do sends the request built by build with a bearer token of the given
// kind. Transport failures become network errors, cancellation becomes
// an aborted error, and neither triggers a refresh.
func (c *Client) Do(ctx context.Context, build RequestFunc, kind TokenKind) (*http.Response, error) {
	const maxAuthRetries = 1

	var cred Credential
	var err error
	for attempt := 0; ; attempt++ {
		if attempt == 0 {
			cred, err = c.broker.Credential(ctx, kind)
			if err != nil {
				return nil, err
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, shared.Aborted(ctx.Err())
			}
			return nil, shared.NetworkError(err)
		}

		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			return resp, nil
		}

		drain(resp)
		c.logger.Warn("Authenticated request rejected",
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"max_attempts", maxAuthRetries+1)

		if attempt >= maxAuthRetries {
			c.broker.Expire(fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
			return nil, shared.SessionExpired(resp.StatusCode, nil)
		}

		sess, err := c.broker.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		cred = c.broker.pick(sess, kind)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
