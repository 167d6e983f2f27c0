// Package scraper fetches marketplace product pages and turns them into a
// price observation.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-updater/config"
	"github.com/aluiziolira/go-price-updater/metrics"
	"github.com/aluiziolira/go-price-updater/models"
	"github.com/aluiziolira/go-price-updater/parser"
	"github.com/gocolly/colly/v2"
	"github.com/shopspring/decimal"
)

// Result is the observation produced by one Fetch call. Status is
// StatusError whenever Err is set.
type Result struct {
	URL        string
	Price      decimal.NullDecimal
	Status     models.PriceStatus
	Note       string
	Err        error
	ErrorType  string
	Strategy   string
	StatusCode int
	Attempts   int
	Duration   time.Duration
}

// Fetcher wraps a colly collector configured for product pages.
type Fetcher struct {
	cfg        *config.Config
	collector  *colly.Collector
	extractors []parser.Extractor
	retry      retryPolicy
	metrics    *metrics.Metrics
}

// NewFetcher builds a fetcher from cfg. m may be nil.
func NewFetcher(cfg *config.Config, m *metrics.Metrics) (*Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("fetcher config is nil")
	}
	if len(cfg.AllowedDomains) == 0 {
		return nil, fmt.Errorf("fetcher needs at least one allowed domain")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(cfg.AllowedDomains...),
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgent),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	return &Fetcher{
		cfg:        cfg,
		collector:  collector,
		extractors: parser.DefaultExtractors(),
		retry: retryPolicy{
			maxRetries: cfg.MaxRetries,
			base:       cfg.RetryBackoff,
			max:        cfg.RetryBackoffMax,
		},
		metrics: m,
	}, nil
}

// SetTransport replaces the HTTP transport, mainly for tests.
func (f *Fetcher) SetTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// SetExtractors replaces the ordered extraction strategies.
func (f *Fetcher) SetExtractors(extractors []parser.Extractor) {
	f.extractors = extractors
}

// Fetch retrieves link and reports its current price or availability.
// Failures are reported inside the Result; Fetch never panics on bad
// markup and never returns an error outward.
func (f *Fetcher) Fetch(ctx context.Context, link string) Result {
	start := time.Now()
	target := parser.CanonicalURL(link, f.cfg.MarketplaceBaseURL)
	res := Result{URL: target, Status: models.StatusError}

	if err := parser.ValidateProductURL(target); err != nil {
		res.Err = err
		return f.finish(res, start)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		res.Attempts = attempt
		res.Err = nil

		body, status, err := f.get(target)
		res.StatusCode = status
		if err == nil {
			f.interpret(&res, body)
			break
		}
		res.Err = err

		if !f.retry.allow(attempt, err) {
			break
		}
		f.metrics.IncRetries()
		slog.Debug("retrying fetch",
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.String("category", ErrorTypeLabel(err)),
		)
		if err := f.retry.wait(ctx, attempt); err != nil {
			res.Err = err
			break
		}
	}

	return f.finish(res, start)
}

func (f *Fetcher) get(target string) ([]byte, int, error) {
	c := f.collector.Clone()

	var (
		body       []byte
		statusCode int
		cbErr      error
	)
	c.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		cbErr = err
	})

	err := c.Request(http.MethodGet, target, nil, nil, f.browserHeaders())
	if err == nil {
		err = cbErr
	}
	if err != nil || statusCode >= http.StatusBadRequest {
		return nil, statusCode, classifyError(err, statusCode)
	}
	return body, statusCode, nil
}

func (f *Fetcher) browserHeaders() http.Header {
	hdr := http.Header{}
	hdr.Set("User-Agent", f.cfg.UserAgent)
	hdr.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	hdr.Set("Accept-Language", "en-US,en;q=0.5")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("Upgrade-Insecure-Requests", "1")
	return hdr
}

// interpret runs availability detection first, then the extractor chain.
func (f *Fetcher) interpret(res *Result, body []byte) {
	page, err := parser.NewPage(res.URL, body)
	if err != nil {
		res.Err = ErrParse{Err: err}
		return
	}

	if phrase, ok := parser.Unavailable(page); ok {
		res.Status = models.StatusOutOfStock
		res.Note = "unavailable: " + phrase
		return
	}

	price, strategy, ok := parser.Extract(page, f.extractors)
	if !ok {
		title := parser.Snippet(page.Doc.Find("title").First().Text(), 60)
		res.Err = ErrParse{Err: fmt.Errorf("no price strategy matched (title %q)", title)}
		return
	}
	res.Status = models.StatusActive
	res.Price = decimal.NewNullDecimal(price)
	res.Strategy = strategy
	res.Note = "price via " + strategy
}

func (f *Fetcher) finish(res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	if res.Err != nil {
		res.Status = models.StatusError
		res.Price = decimal.NullDecimal{}
		res.ErrorType = ErrorTypeLabel(res.Err)
		res.Note = shortNote(res.Err)
		f.metrics.IncError(res.ErrorType)
		slog.Debug("fetch failed",
			slog.String("url", res.URL),
			slog.String("category", res.ErrorType),
			slog.Int("attempts", res.Attempts),
			slog.Any("error", res.Err),
		)
	}
	f.metrics.ObserveFetch(string(res.Status), res.Duration)
	return res
}

func shortNote(err error) string {
	msg := strings.TrimSpace(err.Error())
	return parser.Snippet(msg, 200)
}
