// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

// Tolerant field extractors used by the formation parser. Each helper probes
// an ordered list of candidate selectors (most specific first) and returns
// the first non-empty match coerced to the target type, or the caller's
// default. Absence is expected and never an error: these run against a third
// party's markup, without a contract.

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	numberRe   = regexp.MustCompile(`\d+(?:\.\d+)?`)
	currencyRe = regexp.MustCompile(`[^0-9.]`)
	bgImageRe  = regexp.MustCompile(`url\(['"]?([^'")]+)['"]?\)`)
)

// textFrom returns the trimmed text of the first selector that matches a
// non-empty node.
func textFrom(s *goquery.Selection, selectors []string, def string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(s.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return def
}

// attrFrom returns the named attribute of the first selector with a
// non-empty value for it.
func attrFrom(s *goquery.Selection, selectors []string, attr, def string) string {
	for _, sel := range selectors {
		if v, ok := s.Find(sel).First().Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return def
}

// intFrom extracts the first run of digits found in the matched text.
func intFrom(s *goquery.Selection, selectors []string, def int) int {
	for _, sel := range selectors {
		t := s.Find(sel).First().Text()
		if m := numberRe.FindString(t); m != "" {
			if f, err := strconv.ParseFloat(m, 64); err == nil {
				return int(f)
			}
		}
	}
	return def
}

// floatFrom extracts the first decimal number found in the matched text.
func floatFrom(s *goquery.Selection, selectors []string, def float64) float64 {
	for _, sel := range selectors {
		t := s.Find(sel).First().Text()
		if m := numberRe.FindString(t); m != "" {
			if f, err := strconv.ParseFloat(m, 64); err == nil {
				return f
			}
		}
	}
	return def
}

// priceFrom parses a currency-formatted value, stripping everything that is
// not a digit or a dot before parsing. Returns nil when no selector yields a
// parseable non-negative price.
func priceFrom(s *goquery.Selection, selectors []string) *float64 {
	for _, sel := range selectors {
		t := s.Find(sel).First().Text()
		if p, ok := parseCurrency(t); ok {
			return &p
		}
	}
	return nil
}

func parseCurrency(s string) (float64, bool) {
	cleaned := currencyRe.ReplaceAllString(s, "")
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

// ratingFrom extracts a 0-5 rating, clamping out-of-range values.
func ratingFrom(s *goquery.Selection, selectors []string, def float64) float64 {
	r := floatFrom(s, selectors, def)
	if r < 0 {
		return 0
	}
	if r > 5 {
		return 5
	}
	return r
}

// tagsFrom collects the text of every node matched by the first selector
// that matches anything, splitting comma-joined entries.
func tagsFrom(s *goquery.Selection, selectors []string) []string {
	for _, sel := range selectors {
		nodes := s.Find(sel)
		if nodes.Length() == 0 {
			continue
		}
		var tags []string
		seen := map[string]bool{}
		nodes.Each(func(_ int, n *goquery.Selection) {
			for _, part := range strings.Split(n.Text(), ",") {
				t := strings.TrimSpace(part)
				if t != "" && !seen[t] {
					seen[t] = true
					tags = append(tags, t)
				}
			}
		})
		if len(tags) > 0 {
			return tags
		}
	}
	return nil
}

// imageFrom resolves an image URL from src/data-src attributes or an inline
// background-image style, in that order of trust.
func imageFrom(s *goquery.Selection, selectors []string, def string) string {
	for _, sel := range selectors {
		node := s.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		for _, attr := range []string{"src", "data-src", "data-lazy-src"} {
			if v, ok := node.Attr(attr); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
		if style, ok := node.Attr("style"); ok {
			if m := bgImageRe.FindStringSubmatch(style); m != nil {
				return m[1]
			}
		}
	}
	return def
}

// durationSecondsFrom handles both plain second counts ("180s") and
// colon-separated clock text ("2:30" meaning 2m30s).
func durationSecondsFrom(s *goquery.Selection, selectors []string, def float64) float64 {
	for _, sel := range selectors {
		t := strings.TrimSpace(s.Find(sel).First().Text())
		if t == "" {
			continue
		}
		if d, ok := parseClockDuration(t); ok {
			return d
		}
		if m := numberRe.FindString(t); m != "" {
			if f, err := strconv.ParseFloat(m, 64); err == nil {
				return f
			}
		}
	}
	return def
}

func parseClockDuration(s string) (float64, bool) {
	if !strings.Contains(s, ":") {
		return 0, false
	}
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0.0
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, false
		}
		total = total*60 + v
	}
	return total, true
}
