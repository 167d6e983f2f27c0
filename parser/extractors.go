package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// Page is a fetched product page prepared for extraction.
type Page struct {
	URL  string
	Body []byte
	Doc  *goquery.Document
}

// NewPage parses body into a goquery document.
func NewPage(pageURL string, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Page{URL: pageURL, Body: body, Doc: doc}, nil
}

// Extractor is one markup variant that may carry the current price.
type Extractor interface {
	Name() string
	TryExtract(page *Page) (decimal.Decimal, bool)
}

// SelectorExtractor reads the text of the first element matching Selector.
type SelectorExtractor struct {
	Label    string
	Selector string
}

func (s SelectorExtractor) Name() string { return s.Label }

func (s SelectorExtractor) TryExtract(page *Page) (decimal.Decimal, bool) {
	if page == nil || page.Doc == nil {
		return decimal.Zero, false
	}
	var (
		price decimal.Decimal
		found bool
	)
	page.Doc.Find(s.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		value, err := ParsePrice(sel.Text())
		if err != nil || !value.IsPositive() {
			return true
		}
		price, found = value, true
		return false
	})
	return price, found
}

// WholeFractionExtractor reads prices split into whole and fraction spans.
type WholeFractionExtractor struct {
	Container string
}

func (WholeFractionExtractor) Name() string { return "whole_fraction" }

func (w WholeFractionExtractor) TryExtract(page *Page) (decimal.Decimal, bool) {
	if page == nil || page.Doc == nil {
		return decimal.Zero, false
	}
	container := w.Container
	if container == "" {
		container = ".a-price"
	}
	var (
		price decimal.Decimal
		found bool
	)
	page.Doc.Find(container).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		whole := sel.Find(".a-price-whole").First()
		if whole.Length() == 0 {
			return true
		}
		// The whole span embeds the decimal separator, e.g. "1,299.".
		wholeText := strings.TrimSpace(whole.Text())
		fraction := strings.TrimSpace(sel.Find(".a-price-fraction").First().Text())
		value, err := JoinWholeFraction(wholeText, fraction)
		if err != nil || !value.IsPositive() {
			return true
		}
		price, found = value, true
		return false
	})
	return price, found
}

// RegexExtractor applies Pattern to the raw body; group 1 is the price.
type RegexExtractor struct {
	Label   string
	Pattern *regexp.Regexp
}

func (r RegexExtractor) Name() string { return r.Label }

func (r RegexExtractor) TryExtract(page *Page) (decimal.Decimal, bool) {
	if page == nil || r.Pattern == nil {
		return decimal.Zero, false
	}
	for _, match := range r.Pattern.FindAllSubmatch(page.Body, -1) {
		if len(match) < 2 {
			continue
		}
		value, err := ParsePrice(string(match[1]))
		if err != nil || !value.IsPositive() {
			continue
		}
		return value, true
	}
	return decimal.Zero, false
}

// DefaultExtractors returns the strategies in priority order. New markup
// variants are appended here.
func DefaultExtractors() []Extractor {
	return []Extractor{
		WholeFractionExtractor{Container: "#corePrice_feature_div .a-price, #corePriceDisplay_desktop_feature_div .a-price, .a-price"},
		SelectorExtractor{Label: "apb_price", Selector: "span.apb-price-current .a-offscreen"},
		RegexExtractor{Label: "price_amount_json", Pattern: regexp.MustCompile(`"priceAmount"\s*:\s*([0-9]+(?:\.[0-9]+)?)`)},
		SelectorExtractor{Label: "price_range", Selector: ".a-price-range .a-offscreen"},
		SelectorExtractor{Label: "apex_desktop", Selector: "#apex_desktop .a-offscreen"},
		SelectorExtractor{Label: "price_block", Selector: "#priceblock_ourprice, #priceblock_dealprice, #price_inside_buybox"},
		SelectorExtractor{Label: "offscreen", Selector: ".a-offscreen"},
	}
}

// Extract runs extractors in order and returns the first plausible price
// together with the name of the strategy that produced it.
func Extract(page *Page, extractors []Extractor) (decimal.Decimal, string, bool) {
	for _, extractor := range extractors {
		if price, ok := extractor.TryExtract(page); ok {
			return price, extractor.Name(), true
		}
	}
	return decimal.Zero, "", false
}
