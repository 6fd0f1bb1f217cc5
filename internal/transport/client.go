// Package transport implements the uniform HTTP client used for every
// upstream provider call: bounded timeouts, exponential backoff on transient
// errors, optional SOCKS5/HTTP proxying, and a streaming variant returning a
// readable byte stream.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Response is the buffered result of a non-streaming call.
type Response struct {
	Status     int
	StatusText string
	Headers    http.Header
	Body       []byte
}

// Options configures one Client instance; zero values take defaults.
type Options struct {
	// Timeout is the per-call deadline. Defaults to 60s.
	Timeout time.Duration
	// MaxRetries bounds same-target retries for transient errors.
	MaxRetries int
	// RetryDelay is the backoff base; each attempt doubles it. Defaults to 500ms.
	RetryDelay time.Duration
	// ProxyURL optionally routes calls through a SOCKS5 or HTTP proxy.
	ProxyURL string
}

// Client wraps net/http with the gateway's retry and proxy policy.
type Client struct {
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
}

// NewClient builds a Client from Options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	hc := &http.Client{}
	if opts.ProxyURL != "" {
		setProxy(hc, opts.ProxyURL)
	}
	return &Client{
		httpClient: hc,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		timeout:    opts.Timeout,
	}
}

// setProxy configures the client transport for SOCKS5, HTTP, or HTTPS proxies.
func setProxy(httpClient *http.Client, proxyRaw string) {
	proxyURL, errParse := url.Parse(proxyRaw)
	if errParse != nil {
		log.Errorf("invalid proxy url %q: %v", proxyRaw, errParse)
		return
	}
	var transport *http.Transport
	if proxyURL.Scheme == "socks5" {
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		proxyAuth := &proxy.Auth{User: username, Password: password}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	} else if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	if transport != nil {
		httpClient.Transport = transport
	}
}

// transient network errno substrings considered retryable.
var retryableNetErrors = []string{
	"ECONNRESET", "ECONNREFUSED", "ECONNABORTED",
	"ETIMEDOUT", "EAI_AGAIN", "EPIPE",
	"connection reset", "connection refused", "broken pipe",
	"no such host", "i/o timeout",
}

func isRetryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, marker := range retryableNetErrors {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do executes a buffered request with retry. 4xx responses are never retried
// here; the retry engine owns rotation for 429.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			log.Debugf("transport retry %d/%d after %s: %v", attempt, c.maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, c.wrapNetworkErr(ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.once(ctx, method, rawURL, body, headers)
		if err != nil {
			if isRetryableNetErr(err) {
				lastErr = err
				continue
			}
			return nil, c.wrapNetworkErr(err)
		}

		if resp.Status >= 500 {
			lastErr = &ProviderError{
				Type:       ErrorTypeServer,
				StatusCode: resp.Status,
				Retryable:  true,
				Message:    truncateBody(resp.Body),
			}
			continue
		}
		if resp.Status >= 400 {
			return nil, classifyHTTPError(resp)
		}
		return resp, nil
	}
	if pe, ok := lastErr.(*ProviderError); ok {
		return nil, pe
	}
	return nil, c.wrapNetworkErr(lastErr)
}

func (c *Client) once(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// DoStream issues a streaming POST and returns the raw body reader. The
// stream path never retries; a non-OK response surfaces the body text so the
// caller can classify and log it.
func (c *Client) DoStream(ctx context.Context, rawURL string, body []byte, headers map[string]string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, c.wrapNetworkErr(err)
	}
	// Set before applyHeaders so its application/json default never wins on
	// the stream path. Caller-supplied Accept headers still override.
	req.Header.Set("Accept", "text/event-stream")
	applyHeaders(req, headers)
	req.Header.Set("Cache-Control", "no-cache")

	// The stream outlives the dial; only the dial/headers phase gets the
	// per-call deadline via the caller's context.
	streamClient := &http.Client{Transport: c.httpClient.Transport, Timeout: 0}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, c.wrapNetworkErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, classifyHTTPError(&Response{Status: resp.StatusCode, StatusText: resp.Status, Headers: resp.Header, Body: b})
	}
	return resp.Body, nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) wrapNetworkErr(err error) *ProviderError {
	if err == nil {
		err = errors.New("unknown transport failure")
	}
	if pe, ok := err.(*ProviderError); ok {
		return pe
	}
	return &ProviderError{
		Type:      ErrorTypeNetwork,
		Retryable: isRetryableNetErr(err),
		Message:   err.Error(),
		Original:  err,
	}
}

func classifyHTTPError(resp *Response) *ProviderError {
	errType := ErrorTypeUnknown
	switch {
	case resp.Status == 401 || resp.Status == 403:
		errType = ErrorTypeAuthentication
	case resp.Status >= 500:
		errType = ErrorTypeServer
	}
	return &ProviderError{
		Type:       errType,
		StatusCode: resp.Status,
		Retryable:  resp.Status >= 500,
		Message:    truncateBody(resp.Body),
	}
}

func truncateBody(body []byte) string {
	const max = 4096
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
