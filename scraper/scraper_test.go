package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-updater/config"
	"github.com/aluiziolira/go-price-updater/metrics"
	"github.com/aluiziolira/go-price-updater/models"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testLink      = "http://example.test/Some-Widget/dp/B000000001/ref=sr_1_1"
	testCanonical = "http://example.test/dp/B000000001"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MarketplaceBaseURL = "http://example.test"
	cfg.AllowedDomains = []string{"example.test"}
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond
	return cfg
}

func newTestFetcher(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) (*Fetcher, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	f, err := NewFetcher(cfg, m)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	f.SetTransport(transport)
	return f, m
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func productPage(inner string) string {
	return "<html><head><title>Some Widget</title></head><body>" + inner + "</body></html>"
}

func TestFetchActivePrice(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testCanonical, htmlResponder(productPage(
		`<div id="availability">In Stock</div><div id="corePrice_feature_div"><span class="a-price"><span class="a-price-whole">21.</span><span class="a-price-fraction">99</span></span></div>`,
	)))

	f, m := newTestFetcher(t, testConfig(), transport)
	res := f.Fetch(context.Background(), testLink)

	if res.Err != nil {
		t.Fatalf("fetch error: %v", res.Err)
	}
	if res.Status != models.StatusActive {
		t.Fatalf("status=%s, want active", res.Status)
	}
	if !res.Price.Valid || res.Price.Decimal.StringFixed(2) != "21.99" {
		t.Fatalf("price=%v, want 21.99", res.Price)
	}
	if res.Strategy != "whole_fraction" {
		t.Fatalf("strategy=%q", res.Strategy)
	}
	if res.URL != testCanonical || res.Attempts != 1 {
		t.Fatalf("url=%q attempts=%d", res.URL, res.Attempts)
	}
	if got := testutil.ToFloat64(m.FetchesTotal.WithLabelValues("active")); got != 1 {
		t.Fatalf("active fetch metric=%v, want 1", got)
	}
}

func TestFetchOutOfStockTakesPrecedence(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testCanonical, htmlResponder(productPage(
		`<div id="availability"><span>Currently unavailable.</span></div><span class="a-offscreen">$19.99</span>`,
	)))

	f, _ := newTestFetcher(t, testConfig(), transport)
	res := f.Fetch(context.Background(), testLink)

	if res.Status != models.StatusOutOfStock {
		t.Fatalf("status=%s, want out_of_stock (err=%v)", res.Status, res.Err)
	}
	if res.Price.Valid {
		t.Fatalf("out of stock result should carry no price, got %s", res.Price.Decimal)
	}
	if res.Err != nil {
		t.Fatalf("out of stock is not an error: %v", res.Err)
	}
}

func TestFetchParseErrorIsNotRetried(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testCanonical, htmlResponder(productPage(`<form action="/errors/validateCaptcha"></form>`)))

	f, _ := newTestFetcher(t, testConfig(), transport)
	res := f.Fetch(context.Background(), testLink)

	if res.Status != models.StatusError || res.ErrorType != "parse" {
		t.Fatalf("status=%s type=%q, want error/parse", res.Status, res.ErrorType)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts=%d, want 1", res.Attempts)
	}
	if calls := transport.GetCallCountInfo()["GET "+testCanonical]; calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
	if res.Note == "" {
		t.Fatalf("expected a diagnostic note")
	}
}

func TestFetchHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
		attempts int
	}{
		{status: http.StatusForbidden, expected: "forbidden", attempts: 1},
		{status: http.StatusNotFound, expected: "not_found", attempts: 1},
		{status: http.StatusTooManyRequests, expected: "rate_limited", attempts: 2},
		{status: http.StatusServiceUnavailable, expected: "server", attempts: 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", testCanonical, httpmock.NewStringResponder(tt.status, ""))

			f, m := newTestFetcher(t, testConfig(), transport)
			res := f.Fetch(context.Background(), testLink)

			if res.ErrorType != tt.expected {
				t.Fatalf("error type=%q, want %q (err=%v)", res.ErrorType, tt.expected, res.Err)
			}
			if res.StatusCode != tt.status {
				t.Fatalf("status code=%d, want %d", res.StatusCode, tt.status)
			}
			if res.Attempts != tt.attempts {
				t.Fatalf("attempts=%d, want %d", res.Attempts, tt.attempts)
			}
			if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(tt.expected)); got != 1 {
				t.Fatalf("error metric=%v, want 1", got)
			}
		})
	}
}

func TestFetchRetryRecoversFromServerError(t *testing.T) {
	var calls int32
	ok := productPage(`<span class="a-offscreen">$12.50</span>`)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testCanonical, func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return httpmock.NewStringResponse(http.StatusBadGateway, ""), nil
		}
		resp := httpmock.NewStringResponse(http.StatusOK, ok)
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	})

	f, m := newTestFetcher(t, testConfig(), transport)
	res := f.Fetch(context.Background(), testLink)

	if res.Err != nil || res.Status != models.StatusActive {
		t.Fatalf("status=%s err=%v, want active", res.Status, res.Err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts=%d, want 2", res.Attempts)
	}
	if got := testutil.ToFloat64(m.RetriesTotal); got != 1 {
		t.Fatalf("retries=%v, want 1", got)
	}
}

func TestFetchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testCanonical, httpmock.NewErrorResponder(timeoutError{}))

	f, _ := newTestFetcher(t, cfg, transport)
	res := f.Fetch(context.Background(), testLink)

	if res.ErrorType != "timeout" {
		t.Fatalf("error type=%q, want timeout (err=%v)", res.ErrorType, res.Err)
	}
	if !IsNetworkError(res.Err) {
		t.Fatalf("timeout should be a network error")
	}
}

func TestFetchDisallowedDomain(t *testing.T) {
	transport := httpmock.NewMockTransport()
	f, _ := newTestFetcher(t, testConfig(), transport)

	res := f.Fetch(context.Background(), "http://elsewhere.test/product/widget")
	if res.ErrorType != "forbidden" {
		t.Fatalf("error type=%q, want forbidden (err=%v)", res.ErrorType, res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts=%d, want 1", res.Attempts)
	}
}

func TestFetchInvalidURL(t *testing.T) {
	f, _ := newTestFetcher(t, testConfig(), httpmock.NewMockTransport())
	res := f.Fetch(context.Background(), "not a url")
	if res.Status != models.StatusError || res.Attempts != 0 {
		t.Fatalf("status=%s attempts=%d, want error without attempts", res.Status, res.Attempts)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testCanonical, htmlResponder(productPage(`<span class="a-offscreen">$1.50</span>`)))
	f, _ := newTestFetcher(t, testConfig(), transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.Fetch(ctx, testLink)
	if res.ErrorType != "cancelled" {
		t.Fatalf("error type=%q, want cancelled", res.ErrorType)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("cancelled fetch should not reach the transport")
	}
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testCanonical, func(*http.Request) (*http.Response, error) {
		cancel()
		return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
	})
	cfg := testConfig()
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour
	f, _ := newTestFetcher(t, cfg, transport)

	res := f.Fetch(ctx, testLink)
	if res.ErrorType != "cancelled" {
		t.Fatalf("error type=%q, want cancelled (err=%v)", res.ErrorType, res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts=%d, want 1", res.Attempts)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: errors.New("Internal Server Error"), statusCode: http.StatusInternalServerError, expected: "server"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: ErrTimeout{Err: errors.New("x")}, want: true},
		{err: ErrConnection{Err: errors.New("x")}, want: true},
		{err: ErrRateLimited{Err: errors.New("x")}, want: true},
		{err: ErrServer{StatusCode: 502, Err: errors.New("x")}, want: true},
		{err: ErrForbidden{Err: errors.New("x")}, want: false},
		{err: ErrNotFound{Err: errors.New("x")}, want: false},
		{err: ErrParse{Err: errors.New("x")}, want: false},
		{err: errors.New("x"), want: false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v)=%v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	p := retryPolicy{maxRetries: 3, base: 200 * time.Millisecond, max: 500 * time.Millisecond}

	if got := p.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("first backoff=%v, want 200ms", got)
	}
	if got := p.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("second backoff=%v, want 400ms", got)
	}
	if got := p.backoff(4); got != p.max {
		t.Fatalf("delay %v should be capped at %v", got, p.max)
	}
}

func TestRetryPolicyAllow(t *testing.T) {
	p := retryPolicy{maxRetries: 2}
	transient := ErrServer{StatusCode: 503, Err: errors.New("unavailable")}

	if !p.allow(1, transient) || !p.allow(2, transient) {
		t.Fatalf("first two retries should be allowed")
	}
	if p.allow(3, transient) {
		t.Fatalf("third retry exceeds the limit")
	}
	if p.allow(1, ErrNotFound{Err: errors.New("gone")}) {
		t.Fatalf("not found must not be retried")
	}
	if (retryPolicy{}).allow(1, transient) {
		t.Fatalf("zero retries configured should never allow")
	}
}
