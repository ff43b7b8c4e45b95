// Package media fetches encrypted still-image containers from blob storage
// and decrypts them for the browser.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/latchkey/crypto"
)

const (
	maxRedirects = 5

	DefaultTimeout   = 10 * time.Second
	DefaultMaxBytes  = 10 << 20
	DefaultUserAgent = "Mozilla/5.0 (compatible; latchkey/1.0)"

	// ContentType is the media type of decrypted images.
	ContentType = "image/jpeg"
	// CacheControl marks decrypted images as immutable for a year. The same
	// container and key always decrypt to the same bytes.
	CacheControl = "public, max-age=31536000, immutable"
)

// Image is a decrypted image plus fetch statistics.
type Image struct {
	Data          []byte
	ContainerSize int
	FetchDuration time.Duration
}

// Proxy fetches and decrypts media containers. It holds no per-request
// state and is safe for concurrent use.
type Proxy struct {
	client       *http.Client
	userAgent    string
	referer      string
	timeout      time.Duration
	maxBytes     int64
	allowedHosts map[string]struct{}
	logger       *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient sets the client used for upstream fetches. The client is
// copied; its redirect policy is replaced so every hop passes the URL checks.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) {
		p.client = c
	}
}

// WithClientSignature sets the User-Agent and Referer sent upstream. The blob
// host rejects requests that do not identify themselves.
func WithClientSignature(userAgent, referer string) Option {
	return func(p *Proxy) {
		if userAgent != "" {
			p.userAgent = userAgent
		}
		p.referer = referer
	}
}

// WithTimeout bounds the whole fetch. A timeout is reported as an upstream failure.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxBytes caps the container size accepted from upstream.
func WithMaxBytes(n int64) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithAllowedHosts restricts source URLs to the given hosts. An empty list
// allows any host.
func WithAllowedHosts(hosts ...string) Option {
	return func(p *Proxy) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" {
				continue
			}
			if p.allowedHosts == nil {
				p.allowedHosts = make(map[string]struct{})
			}
			p.allowedHosts[h] = struct{}{}
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// New creates a Proxy.
func New(opts ...Option) *Proxy {
	p := &Proxy{
		client:    &http.Client{},
		userAgent: DefaultUserAgent,
		timeout:   DefaultTimeout,
		maxBytes:  DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "media")

	if p.client == nil {
		p.client = &http.Client{}
	}
	client := *p.client
	client.CheckRedirect = p.checkRedirect
	p.client = &client
	return p
}

func (p *Proxy) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: stopped after %d redirects", ErrUpstreamFetchFailed, maxRedirects)
	}
	if _, err := p.checkURL(req.URL.String()); err != nil {
		return fmt.Errorf("%w: redirect refused: %v", ErrUpstreamFetchFailed, err)
	}
	return nil
}

// Decrypt validates key, fetches the container at sourceURL and decrypts it.
// The key is checked before any network traffic. Nothing partially decrypted
// is ever returned.
func (p *Proxy) Decrypt(ctx context.Context, sourceURL, key string) (*Image, error) {
	if len(key) != crypto.MediaKeySize {
		return nil, fmt.Errorf("%w: key must be %d characters", crypto.ErrInvalidKeyLength, crypto.MediaKeySize)
	}
	u, err := p.checkURL(sourceURL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	container, err := p.fetch(ctx, u)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.WarnContext(ctx, "media fetch failed", "host", u.Host, "error", err, "duration", elapsed)
		return nil, err
	}

	plain, err := crypto.DecodeMediaContainer(container, []byte(key))
	if err != nil {
		p.logger.WarnContext(ctx, "media decode failed", "host", u.Host, "container_bytes", len(container), "error", err)
		return nil, err
	}
	return &Image{Data: plain, ContainerSize: len(container), FetchDuration: elapsed}, nil
}

func (p *Proxy) checkURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidSourceURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: absolute http(s) url required", ErrInvalidSourceURL)
	}
	if len(p.allowedHosts) > 0 {
		if _, ok := p.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
		}
	}
	return u, nil
}

func (p *Proxy) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFetchFailed, err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("User-Agent", p.userAgent)
	if p.referer != "" {
		req.Header.Set("Referer", p.referer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, redactFetchError(u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > p.maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrContainerTooLarge, resp.ContentLength, p.maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrUpstreamFetchFailed, err)
	}
	if int64(len(body)) > p.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrContainerTooLarge, p.maxBytes)
	}
	return body, nil
}

// redactFetchError drops the request URL from err. Paths and queries can carry
// signed access tokens, so only the host is kept.
func redactFetchError(u *url.URL, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, ErrUpstreamFetchFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamFetchFailed, u.Host, err)
}

// WriteImage writes a decrypted image with immutable caching and an open
// cross-origin policy.
func WriteImage(w http.ResponseWriter, img *Image) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Content-Length", strconv.Itoa(len(img.Data)))
	h.Set("Cache-Control", CacheControl)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}

// IsUpstreamFailure reports whether err came from fetching rather than decrypting.
func IsUpstreamFailure(err error) bool {
	return errors.Is(err, ErrUpstreamFetchFailed) || errors.Is(err, ErrContainerTooLarge)
}
