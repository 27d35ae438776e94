package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fosrl/warden/tunnel"
	"github.com/fosrl/warden/tunnelstate"
)

// baseURL is a placeholder host; every request goes over the local socket.
const baseURL = "http://warden"

// Client talks to a running daemon over its control socket.
type Client struct {
	http *http.Client
	dial func(ctx context.Context) (net.Conn, error)
	base string
}

// NewClient connects to the daemon listening on socketPath (a Unix socket or a
// Windows pipe name).
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context) (net.Conn, error) {
		return dialSocket(ctx, socketPath)
	}
	return newClient(baseURL, dial, &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) { return dial(ctx) },
	})
}

// NewTCPClient connects to a daemon listening on a TCP address.
func NewTCPClient(addr string) *Client {
	var d net.Dialer
	dial := func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
	return newClient("http://"+addr, dial, http.DefaultTransport)
}

func newClient(base string, dial func(context.Context) (net.Conn, error), transport http.RoundTripper) *Client {
	return &Client{
		http: &http.Client{Transport: transport, Timeout: time.Minute},
		dial: dial,
		base: base,
	}
}

// RequestError is a non-2xx reply from the daemon.
type RequestError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *RequestError) Error() string {
	if r := e.Response.BlockReason; r != "" && r != "none" {
		return fmt.Sprintf("%s (status %d, reason %s)", e.Response.Error, e.StatusCode, r)
	}
	return fmt.Sprintf("%s (status %d)", e.Response.Error, e.StatusCode)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&reqErr.Response); err != nil {
			reqErr.Response.Error = http.StatusText(resp.StatusCode)
		}
		return reqErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) command(ctx context.Context, path string, body any) (StatusResponse, error) {
	var status StatusResponse
	err := c.call(ctx, http.MethodPost, path, body, &status)
	return status, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var status StatusResponse
	err := c.call(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

func (c *Client) Connect(ctx context.Context, params tunnel.Parameters) (StatusResponse, error) {
	return c.command(ctx, "/connect", params)
}

func (c *Client) Disconnect(ctx context.Context) (StatusResponse, error) {
	return c.command(ctx, "/disconnect", struct{}{})
}

func (c *Client) Block(ctx context.Context, reason tunnelstate.BlockReason) (StatusResponse, error) {
	return c.command(ctx, "/block", BlockRequest{Reason: reason.String()})
}

func (c *Client) SetFirewall(ctx context.Context, override tunnelstate.FirewallOverride) (StatusResponse, error) {
	return c.command(ctx, "/firewall", override)
}

func (c *Client) SetExcludedApps(ctx context.Context, apps []string) (StatusResponse, error) {
	return c.command(ctx, "/split-tunnel", SplitTunnelRequest{Apps: apps})
}

func (c *Client) SetDNS(ctx context.Context, servers []netip.Addr) (StatusResponse, error) {
	return c.command(ctx, "/dns", DNSRequest{Servers: servers})
}

func (c *Client) Exit(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/exit", struct{}{}, nil)
}

// Watch calls fn for every transition until ctx ends, the daemon stops or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, fn func(tunnelstate.Transition) error) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return c.dial(ctx)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	url := "ws" + c.base[len("http"):] + "/events"
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var tr tunnelstate.Transition
		if err := conn.ReadJSON(&tr); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("event stream closed: %w", err)
			}
			return err
		}
		if err := fn(tr); err != nil {
			return err
		}
	}
}
