package parser

import "strings"

// unavailablePhrases are matched case-insensitively against the page.
var unavailablePhrases = []string{
	"currently unavailable",
	"out of stock",
	"temporarily out of stock",
	"this item is not available",
	"product not available",
}

// availabilitySelectors narrow the check to the availability block when
// the page has one; otherwise the whole page text is searched.
var availabilitySelectors = []string{"#outOfStock", "#availability", "#availability_feature_div"}

// Unavailable reports whether the page declares the product unavailable,
// returning the matched phrase.
func Unavailable(page *Page) (string, bool) {
	if page == nil {
		return "", false
	}
	if page.Doc != nil {
		for _, selector := range availabilitySelectors {
			block := page.Doc.Find(selector)
			if block.Length() == 0 {
				continue
			}
			if phrase, ok := matchUnavailable(block.Text()); ok {
				return phrase, true
			}
			// An explicit availability block without a negative phrase
			// means the item is buyable.
			return "", false
		}
		return matchUnavailable(page.Doc.Text())
	}
	return matchUnavailable(string(page.Body))
}

func matchUnavailable(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range unavailablePhrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
