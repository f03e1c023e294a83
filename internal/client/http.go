// Package client is the transport collaborator: JSON over HTTP with bearer
// auth, optional proxy support, and transfer measurement for the bandwidth
// monitor. The engine never opens raw sockets anywhere else.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/utils/log"
)

// Response is the transport result handed back to the core.
type Response struct {
	Success    bool
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// TransferRecorder receives one measurement per completed transfer.
type TransferRecorder interface {
	RecordTransfer(bytes int64, duration time.Duration, direction model.TransferDirection)
}

// Transport is the narrow interface the delivery components depend on.
type Transport interface {
	Post(ctx context.Context, url string, payload any, headers map[string]string) (*Response, error)
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
	Head(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// HTTPClient implements Transport on net/http.
type HTTPClient struct {
	http      *http.Client
	clientKey string
	recorder  TransferRecorder
}

// newTransport clones the default transport and wires the proxy. http/https
// proxies go through the standard Proxy hook; socks proxies replace the
// dialer.
func newTransport(proxyURLStr string) (*http.Transport, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("default transport is not *http.Transport")
	}
	cloned := transport.Clone()

	if proxyURLStr == "" {
		cloned.Proxy = nil
		return cloned, nil
	}

	proxyURL, err := url.Parse(proxyURLStr)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		cloned.Proxy = http.ProxyURL(proxyURL)
	case "socks", "socks5":
		socksDialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("invalid socks proxy: %w", err)
		}
		cloned.Proxy = nil
		cloned.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return socksDialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}

	return cloned, nil
}

// NewHTTPClient builds the transport. recorder may be nil.
func NewHTTPClient(clientKey, proxyURL string, recorder TransferRecorder) (*HTTPClient, error) {
	transport, err := newTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		http:      &http.Client{Transport: transport},
		clientKey: clientKey,
		recorder:  recorder,
	}, nil
}

func (c *HTTPClient) Post(ctx context.Context, targetURL string, payload any, headers map[string]string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "encode request payload")
	}
	return c.do(ctx, http.MethodPost, targetURL, body, headers, model.TransferUpload)
}

func (c *HTTPClient) Get(ctx context.Context, targetURL string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, targetURL, nil, headers, model.TransferDownload)
}

func (c *HTTPClient) Head(ctx context.Context, targetURL string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodHead, targetURL, nil, headers, model.TransferDownload)
}

func (c *HTTPClient) do(ctx context.Context, method, targetURL string, body []byte, headers map[string]string, direction model.TransferDirection) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.clientKey)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnf("%s %s failed: %v", method, targetURL, err)
		return nil, errs.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.ClassifyTransport(err)
	}
	elapsed := time.Since(start)

	if c.recorder != nil {
		transferred := int64(len(respBody))
		if direction == model.TransferUpload {
			transferred = int64(len(body))
		}
		c.recorder.RecordTransfer(transferred, elapsed, direction)
	}

	result := &Response{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
	}
	if !result.Success {
		return result, errs.ClassifyStatus(resp.StatusCode, truncateBody(respBody))
	}
	return result, nil
}

func truncateBody(body []byte) string {
	const maxLen = 512
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen])
}
