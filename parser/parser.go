package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var asinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/dp/([A-Z0-9]{10})`),
	regexp.MustCompile(`/gp/product/([A-Z0-9]{10})`),
	regexp.MustCompile(`ASIN=([A-Z0-9]{10})`),
	regexp.MustCompile(`/([A-Z0-9]{10})/?$`),
}

// NormalizePrice removes currency symbols, thousands separators and
// surrounding whitespace.
func NormalizePrice(price string) string {
	price = strings.TrimSpace(price)
	for _, symbol := range []string{"Â£", "£", "$", "€", "USD", ","} {
		price = strings.ReplaceAll(price, symbol, "")
	}
	return strings.TrimSpace(price)
}

// ParsePrice converts marketplace price text into a decimal.
func ParsePrice(text string) (decimal.Decimal, error) {
	normalized := NormalizePrice(text)
	if normalized == "" {
		return decimal.Zero, fmt.Errorf("empty price text")
	}
	price, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", text, err)
	}
	return price, nil
}

// JoinWholeFraction builds a price from split whole/fraction markup
// such as "1,299." and "99".
func JoinWholeFraction(whole, fraction string) (decimal.Decimal, error) {
	whole = strings.TrimSuffix(NormalizePrice(whole), ".")
	fraction = strings.TrimSpace(fraction)
	if whole == "" {
		return decimal.Zero, fmt.Errorf("empty whole part")
	}
	if fraction == "" {
		fraction = "00"
	}
	return ParsePrice(whole + "." + fraction)
}

// ExtractASIN finds the 10-character product id in a marketplace link.
func ExtractASIN(link string) (string, bool) {
	if link == "" {
		return "", false
	}
	for _, pattern := range asinPatterns {
		if match := pattern.FindStringSubmatch(link); match != nil {
			return match[1], true
		}
	}
	return "", false
}

// CanonicalURL rewrites affiliate and tracking links to the plain product
// page under baseURL. Links without a product id are returned unchanged.
func CanonicalURL(link, baseURL string) string {
	link = strings.TrimSpace(link)
	asin, ok := ExtractASIN(link)
	if !ok {
		return link
	}
	return strings.TrimSuffix(baseURL, "/") + "/dp/" + asin
}

// ValidateProductURL ensures the link is an absolute http(s) URL.
func ValidateProductURL(link string) error {
	if strings.TrimSpace(link) == "" {
		return fmt.Errorf("product url is empty")
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid product url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("product url must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("product url must include a host")
	}
	return nil
}

// Snippet trims and collapses text to at most n runes for diagnostics.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
