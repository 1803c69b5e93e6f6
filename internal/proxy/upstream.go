package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider names as recorded on traces and used for upstream routing.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// hopByHop headers are never forwarded upstream, per RFC 9110 connection
// handling. Names are lowercase; comparison is case-insensitive.
var hopByHop = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"content-length":      {},
	"transfer-encoding":   {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"upgrade":             {},
}

// SelectProvider routes on the shape of the caller's Authorization header:
// Anthropic keys start with sk-ant-, Google keys with AIza, and everything
// else is treated as OpenAI.
func SelectProvider(authorization string) string {
	token := strings.TrimPrefix(authorization, "Bearer ")
	switch {
	case strings.HasPrefix(token, "sk-ant-"):
		return ProviderAnthropic
	case strings.HasPrefix(token, "AIza"):
		return ProviderGoogle
	default:
		return ProviderOpenAI
	}
}

// Upstreams holds the provider base URLs. The request path is appended
// verbatim.
type Upstreams struct {
	OpenAI    string
	Anthropic string
	Google    string
}

// BaseURL returns the base URL for a provider name.
func (u Upstreams) BaseURL(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return u.Anthropic
	case ProviderGoogle:
		return u.Google
	default:
		return u.OpenAI
	}
}

// UpstreamResponse is a fully buffered upstream reply.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Provider   string
}

// Forwarder sends sanitized requests to the selected provider. Failures are
// surfaced as-is; the proxy returns 502 without retrying.
type Forwarder struct {
	client    *http.Client
	upstreams Upstreams
}

// NewForwarder builds a forwarder with a dedicated client. client may be nil
// for a default with a 60s overall timeout.
func NewForwarder(upstreams Upstreams, client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Forwarder{client: client, upstreams: upstreams}
}

// SanitizeHeaders copies headers eligible for forwarding: hop-by-hop headers
// and every x-switchboard-* header are dropped.
func SanitizeHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		lower := strings.ToLower(name)
		if _, drop := hopByHop[lower]; drop {
			continue
		}
		if strings.HasPrefix(lower, "x-switchboard-") {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// Forward sends one request to the provider selected by the Authorization
// header and buffers the full reply. path includes the query string and is
// appended to the provider base URL verbatim.
func (f *Forwarder) Forward(ctx context.Context, method, path string, header http.Header, body []byte) (*UpstreamResponse, error) {
	provider := SelectProvider(header.Get("Authorization"))
	url := f.upstreams.BaseURL(provider) + path

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	req.Header = SanitizeHeaders(header)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: upstream %s: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("proxy: read upstream response: %w", err)
	}

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Provider:   provider,
	}, nil
}
