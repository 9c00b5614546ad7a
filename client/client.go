// Package client is a Go client for the Gatehouse HTTP API. It keeps the
// session in a cookie jar and echoes the CSRF cookie on mutating requests,
// the way the browser app does.
//
// Facade failures are returned as *auth.Error and procedure failures as
// *api.RPCError, so callers can compare them with errors.Is and errors.As.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/flow"
)

const maxResponseBytes = 4 << 20

// Client talks to one Gatehouse server. It is safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Jar must be set
// for sessions to persist.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

var (
	_ flow.SessionGetter            = (*Client)(nil)
	_ flow.SignUpClient             = (*Client)(nil)
	_ flow.SignInClient             = (*Client)(nil)
	_ flow.SessionsClient           = (*Client)(nil)
	_ flow.PasswordClient           = (*Client)(nil)
	_ flow.ResetPasswordClient      = (*Client)(nil)
	_ flow.ProfileClient            = (*Client)(nil)
	_ flow.DeleteAccountClient      = (*Client)(nil)
	_ flow.AvatarClient             = (*Client)(nil)
	_ flow.TwoFactorEnableClient    = (*Client)(nil)
	_ flow.TwoFactorChallengeClient = (*Client)(nil)
	_ flow.TwoFactorDisableClient   = (*Client)(nil)
	_ flow.BackupCodesClient        = (*Client)(nil)
)

// New returns a client for the server at baseURL, e.g.
// "https://gatehouse.example.com". Redirects are not followed so callers
// can inspect them.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https: %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Cookie returns the value of the named cookie stored for the server.
func (c *Client) Cookie(name string) string {
	if c.http.Jar == nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && method != http.MethodHead {
		if token := c.Cookie(api.CSRFCookieName); token != "" {
			req.Header.Set(api.CSRFHeaderName, token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, data, nil
}

// facade performs a credential-facade call under /api/auth and decodes the
// JSON result into out when out is non-nil.
func (c *Client) facade(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, "/api/auth"+path, query, body)
	if err != nil {
		return err
	}
	resp, data, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return facadeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func facadeError(status int, data []byte) error {
	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return &auth.Error{Code: http.StatusText(status), Message: strings.TrimSpace(string(data)), Status: status}
	}
	return &auth.Error{Code: body.Code, Message: body.Message, Status: status}
}

// rpcEnvelope decodes both procedure results and failures. Failures from
// middleware in front of the procedures use the flat facade shape.
type rpcEnvelope struct {
	Result *struct {
		Data json.RawMessage `json:"data"`
	} `json:"result"`
	Error   *api.RPCError `json:"error"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
}

// rpc calls a procedure under /api/rpc.
func (c *Client) rpc(ctx context.Context, method, procedure string, in, out any) error {
	req, err := c.newRequest(ctx, method, "/api/rpc/"+procedure, nil, in)
	if err != nil {
		return err
	}
	resp, data, err := c.do(req)
	if err != nil {
		return err
	}
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &api.RPCError{Code: "INTERNAL_SERVER_ERROR", Message: fmt.Sprintf("%s: unexpected response (%d)", procedure, resp.StatusCode)}
	}
	switch {
	case env.Error != nil:
		return env.Error
	case resp.StatusCode >= 300:
		code := env.Code
		if code == "" {
			code = "INTERNAL_SERVER_ERROR"
		}
		return &api.RPCError{Code: code, Message: env.Message}
	case env.Result == nil:
		return &api.RPCError{Code: "INTERNAL_SERVER_ERROR", Message: procedure + ": missing result"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", procedure, err)
	}
	return nil
}

// follow requests a link without following its redirect and returns the
// redirect target, or "" for a non-redirect success.
func (c *Client) follow(ctx context.Context, path string, query url.Values) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/auth"+path, query, nil)
	if err != nil {
		return "", err
	}
	resp, data, err := c.do(req)
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return resp.Header.Get("Location"), nil
	case resp.StatusCode >= 400:
		return "", facadeError(resp.StatusCode, data)
	}
	return "", nil
}
