// Package platform is a client for the cloud IoT platform's door-lock API.
// It implements the issuance package's ticket and submission collaborators.
package platform

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
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/latchkey/crypto"
	"github.com/jmcleod/latchkey/internal/uuid"
	"github.com/jmcleod/latchkey/issuance"
)

const (
	DefaultTimeout = 15 * time.Second

	tokenPath = "/v1.0/token?grant_type=1"
	// tokenRefreshMargin renews the access token this long before it expires.
	tokenRefreshMargin = time.Minute
	maxResponseBytes   = 1 << 20
	// tokenFetchTimeout bounds a shared token refresh, which outlives the
	// caller that started it.
	tokenFetchTimeout = DefaultTimeout
	passwordTypeTicket = "ticket"
)

// Client talks to the platform. The shared secret signs every request and is
// also the key that unwraps ticket keys. A Client is safe for concurrent use.
type Client struct {
	endpoint string
	clientID string
	secret   *crypto.SharedSecret
	http     *http.Client
	now      func() time.Time
	logger   *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	refresh     singleflight.Group
}

var (
	_ issuance.TicketIssuer        = (*Client)(nil)
	_ issuance.CredentialSubmitter = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithClock overrides the time source used for request timestamps and token expiry.
func WithClock(now func() time.Time) ClientOption {
	return func(cl *Client) {
		cl.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient creates a Client for the platform at endpoint.
func NewClient(endpoint, clientID string, secret *crypto.SharedSecret, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		clientID: clientID,
		secret:   secret,
		http:     &http.Client{Timeout: DefaultTimeout},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "platform")
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	T       int64           `json:"t"`
}

type tokenResult struct {
	AccessToken string `json:"access_token"`
	ExpireTime  int64  `json:"expire_time"`
}

type ticketResult struct {
	TicketID   string `json:"ticket_id"`
	TicketKey  string `json:"ticket_key"`
	ExpireTime int64  `json:"expire_time"`
}

type tempPasswordRequest struct {
	Name          string `json:"name"`
	Password      string `json:"password"`
	EffectiveTime int64  `json:"effective_time"`
	InvalidTime   int64  `json:"invalid_time"`
	PasswordType  string `json:"password_type"`
	TicketID      string `json:"ticket_id"`
}

type tempPasswordResult struct {
	ID json.RawMessage `json:"id"`
}

// RequestTicket asks the platform for a single-use password ticket.
func (c *Client) RequestTicket(ctx context.Context, deviceID string) (*issuance.Ticket, error) {
	path := "/v1.0/devices/" + url.PathEscape(deviceID) + "/door-lock/password-ticket"
	var res ticketResult
	if err := c.call(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	if res.TicketID == "" || res.TicketKey == "" {
		return nil, fmt.Errorf("%w: ticket response missing fields", ErrTransport)
	}
	t := &issuance.Ticket{ID: res.TicketID, WrappedKey: res.TicketKey}
	if res.ExpireTime > 0 {
		t.ExpiresAt = c.now().Add(time.Duration(res.ExpireTime) * time.Second)
	}
	return t, nil
}

// SubmitCredential creates a temporary password from an encrypted credential.
func (c *Client) SubmitCredential(ctx context.Context, sub issuance.Submission) (*issuance.SubmissionResult, error) {
	path := "/v1.0/devices/" + url.PathEscape(sub.DeviceID) + "/door-lock/temp-password"
	body := tempPasswordRequest{
		Name:          sub.Name,
		Password:      sub.EncryptedCredential,
		EffectiveTime: sub.EffectiveTime.Unix(),
		InvalidTime:   sub.InvalidTime.Unix(),
		PasswordType:  passwordTypeTicket,
		TicketID:      sub.TicketID,
	}
	var res tempPasswordResult
	if err := c.call(ctx, http.MethodPost, path, body, &res); err != nil {
		return nil, err
	}
	return &issuance.SubmissionResult{PasswordID: strings.Trim(string(res.ID), `"`)}, nil
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.now().Add(tokenRefreshMargin).Before(c.tokenExpiry) {
		return c.accessToken, true
	}
	return "", false
}

// token returns a valid access token. Concurrent callers share one refresh;
// each caller stops waiting as soon as its own context is done.
func (c *Client) token(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}

	ch := c.refresh.DoChan("token", func() (any, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
		defer cancel()

		var res tokenResult
		if err := c.do(fetchCtx, http.MethodGet, tokenPath, nil, "", &res); err != nil {
			return "", fmt.Errorf("acquiring access token: %w", err)
		}
		if res.AccessToken == "" {
			return "", fmt.Errorf("%w: token response missing access_token", ErrTransport)
		}
		c.mu.Lock()
		c.accessToken = res.AccessToken
		c.tokenExpiry = c.now().Add(time.Duration(res.ExpireTime) * time.Second)
		c.mu.Unlock()
		return res.AccessToken, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: acquiring access token: %w", ErrTransport, ctx.Err())
	}
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// call performs an authenticated request.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}
	err = c.do(ctx, method, path, body, tok, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.tokenRejected() {
		c.invalidateToken()
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, accessToken string, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := c.signRequest(req, path, payload, accessToken); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: http %d with undecodable body", ErrTransport, resp.StatusCode)
	}
	if !env.Success {
		c.logger.WarnContext(ctx, "platform request rejected", "path", redactPath(path), "code", env.Code, "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%w: decoding result: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) signRequest(req *http.Request, path string, payload []byte, accessToken string) error {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := uuid.Compact()
	canonical := stringToSign(req.Method, path, payload)

	var signature string
	err := c.secret.Use(func(secret []byte) error {
		signature = sign(secret, c.clientID, accessToken, timestamp, nonce, canonical)
		return nil
	})
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	req.Header.Set("client_id", c.clientID)
	req.Header.Set("t", timestamp)
	req.Header.Set("nonce", nonce)
	req.Header.Set("sign_method", signMethod)
	req.Header.Set("sign", signature)
	if accessToken != "" {
		req.Header.Set("access_token", accessToken)
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return nil
}

// redactPath drops the query string, which can carry identifiers.
func redactPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
