package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultURLTemplate queries ip-api.com. {ip} is replaced by the address.
const DefaultURLTemplate = "http://ip-api.com/json/{ip}"

// DefaultTimeout bounds a single HTTP lookup.
const DefaultTimeout = 2 * time.Second

// maxBody caps how much of a provider response is read.
const maxBody = 64 << 10

// DefaultRequestsPerMinute matches the ip-api.com free tier.
const DefaultRequestsPerMinute = 45

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	URLTemplate string
	Timeout     time.Duration
	// RequestsPerMinute caps outbound lookups. Lookups over the cap fail
	// immediately and are retried on a later request. 0 disables the cap.
	RequestsPerMinute int
}

// HTTPProvider looks addresses up against a JSON web service that returns
// "country" and "city" fields.
type HTTPProvider struct {
	template string
	timeout  time.Duration
	http     *http.Client
	limiter  *rate.Limiter
}

type lookupResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Country *string `json:"country"`
	City    *string `json:"city"`
}

// NewHTTPProvider builds a provider with its own transport.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	p := &HTTPProvider{
		template: cfg.URLTemplate,
		timeout:  cfg.Timeout,
		http:     &http.Client{Transport: transport},
	}
	if cfg.RequestsPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return p
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return "http" }

// Lookup implements Provider. Throttled calls, transport errors, non-2xx
// statuses, malformed bodies and "status":"fail" payloads all return
// ErrLookup.
func (p *HTTPProvider) Lookup(ctx context.Context, addr string) (Location, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return Location{}, fmt.Errorf("%w: outbound rate limit reached", ErrLookup)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := strings.ReplaceAll(p.template, "{ip}", url.PathEscape(addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Location{}, fmt.Errorf("%w: build request: %v", ErrLookup, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return Location{}, fmt.Errorf("%w: HTTP %d", ErrLookup, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("%w: decode response: %v", ErrLookup, err)
	}
	if strings.EqualFold(body.Status, "fail") {
		return Location{}, fmt.Errorf("%w: provider reported failure: %s", ErrLookup, body.Message)
	}

	loc := Location{}
	if body.Country != nil {
		loc.Country = strOrNil(*body.Country)
	}
	if body.City != nil {
		loc.City = strOrNil(*body.City)
	}
	return loc, nil
}
