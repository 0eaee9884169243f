// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// placeholderName is what extraction yields for a card with no recognizable
// name. Such cards are parse failures for that card, not for the page.
const placeholderName = "Untitled Formation"

// Ordered card-level selectors for listing pages, most trusted first.
var listingCardSelectors = []string{
	"[data-formation-id]",
	".formation-card",
	".library-item",
	".formation-grid .grid-item",
}

var (
	cardNameSelectors        = []string{".formation-name", ".card-title", "h3", "h4", ".title"}
	cardDescriptionSelectors = []string{".formation-description", ".card-description", ".description", "p"}
	cardCategorySelectors    = []string{".formation-category", ".category", ".badge"}
	cardThumbnailSelectors   = []string{"img.formation-thumbnail", ".thumbnail img", ".card-image img", "img"}
	cardDroneCountSelectors  = []string{".drone-count", ".drones", ".formation-drones"}
	cardDurationSelectors    = []string{".duration", ".formation-duration", ".length"}
	cardPriceSelectors       = []string{".price", ".formation-price", ".cost"}
	cardTagSelectors         = []string{".formation-tags .tag", ".tags .tag", ".tag"}
	cardCreatorSelectors     = []string{".creator", ".author", ".designer"}
	cardRatingSelectors      = []string{".rating", ".stars", ".formation-rating"}
	cardDownloadsSelectors   = []string{".downloads", ".download-count"}
)

var hrefIDRe = regexp.MustCompile(`/formations?/([A-Za-z0-9_-]+)`)

// ParseListingPage extracts zero or more candidate formations from a listing
// ("card") page. Cards whose name cannot be extracted are dropped; a page
// with no recognizable cards yields an empty slice, not an error.
func ParseListingPage(html string) ([]*Formation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("listing document: %v", err)}
	}

	var out []*Formation
	for _, cardSel := range listingCardSelectors {
		cards := doc.Find(cardSel)
		if cards.Length() == 0 {
			continue
		}
		cards.Each(func(_ int, card *goquery.Selection) {
			if f := parseCard(card); f != nil {
				out = append(out, f)
			}
		})
		break // first selector that matches any cards wins
	}
	return out, nil
}

func parseCard(card *goquery.Selection) *Formation {
	name := textFrom(card, cardNameSelectors, placeholderName)
	if name == "" || name == placeholderName {
		return nil
	}

	id := cardSourceID(card)
	if id == "" {
		return nil
	}

	f := &Formation{
		Source:        DefaultSource,
		SourceID:      id,
		Name:          name,
		Description:   textFrom(card, cardDescriptionSelectors, ""),
		Category:      textFrom(card, cardCategorySelectors, ""),
		ThumbnailURL:  imageFrom(card, cardThumbnailSelectors, ""),
		DroneCount:    intFrom(card, cardDroneCountSelectors, 0),
		Duration:      durationSecondsFrom(card, cardDurationSelectors, 0),
		Price:         priceFrom(card, cardPriceSelectors),
		Tags:          tagsFrom(card, cardTagSelectors),
		Creator:       textFrom(card, cardCreatorSelectors, ""),
		Rating:        ratingFrom(card, cardRatingSelectors, 0),
		DownloadCount: intFrom(card, cardDownloadsSelectors, 0),
		SyncStatus:    FormationPending,
	}
	return f
}

func cardSourceID(card *goquery.Selection) string {
	if v, ok := card.Attr("data-formation-id"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := card.Attr("data-id"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	href, ok := card.Attr("href")
	if !ok {
		href, _ = card.Find("a").First().Attr("href")
	}
	if m := hrefIDRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

// Embedded JSON blob markers found on detail pages, most trusted first.
// Each marker is followed by a balanced JSON object in the script text.
var embeddedMarkers = []string{
	"window.__INITIAL_STATE__",
	"window.__FORMATION_DATA__",
	"var formationData",
	"formationData",
}

// ParseDetailPage normalizes a detail page into a Formation, first through
// embedded JSON blobs (several known embedding conventions), then through
// DOM-structure extraction. Returns nil when neither strategy yields a
// usable name or id.
func ParseDetailPage(html string) (*Formation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("detail document: %v", err)}
	}

	if f := parseEmbeddedBlob(doc); f != nil {
		return f, nil
	}
	if f := parseDetailDOM(doc); f != nil {
		metricParseFallbacks.Inc()
		return f, nil
	}
	return nil, nil
}

func parseEmbeddedBlob(doc *goquery.Document) *Formation {
	var found *Formation

	// JSON script tags carry the whole blob as content.
	doc.Find(`script[type="application/json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var raw map[string]any
		if err := json.Unmarshal([]byte(s.Text()), &raw); err != nil {
			return true
		}
		if f := normalizeEmbedded(raw); f != nil {
			found = f
			return false
		}
		return true
	})
	if found != nil {
		return found
	}

	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		for _, marker := range embeddedMarkers {
			obj, ok := extractJSONAfter(text, marker)
			if !ok {
				continue
			}
			var raw map[string]any
			if err := json.Unmarshal([]byte(obj), &raw); err != nil {
				continue
			}
			if f := normalizeEmbedded(raw); f != nil {
				found = f
				return false
			}
		}
		return true
	})
	return found
}

// extractJSONAfter locates marker in text, skips to the next '=' or ':',
// then returns the balanced JSON object starting at the following '{'.
func extractJSONAfter(text, marker string) (string, bool) {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(marker):]
	assign := strings.IndexAny(rest, "=:")
	if assign < 0 {
		return "", false
	}
	rest = rest[assign+1:]
	start := strings.IndexByte(rest, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(rest); i++ {
		c := rest[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[start : i+1], true
			}
		}
	}
	return "", false
}

// normalizeEmbedded flattens the known nesting conventions for the same
// logical fields: {formation: {...}}, {props: {pageProps: {formation:
// {...}}}}, and a flat object. Returns nil when no usable name/id exists.
func normalizeEmbedded(raw map[string]any) *Formation {
	obj := raw
	if inner, ok := raw["formation"].(map[string]any); ok {
		obj = inner
	} else if props, ok := raw["props"].(map[string]any); ok {
		if pageProps, ok := props["pageProps"].(map[string]any); ok {
			if inner, ok := pageProps["formation"].(map[string]any); ok {
				obj = inner
			}
		}
	}

	id := stringField(obj, "id", "formation_id", "formationId", "slug")
	name := stringField(obj, "name", "title")
	if id == "" && name == "" {
		return nil
	}

	f := &Formation{
		Source:        DefaultSource,
		SourceID:      id,
		Name:          name,
		Description:   stringField(obj, "description", "summary"),
		Category:      stringField(obj, "category", "type"),
		ThumbnailURL:  stringField(obj, "thumbnail", "thumbnailUrl", "thumbnail_url", "image"),
		FileURL:       stringField(obj, "fileUrl", "file_url", "downloadUrl"),
		DroneCount:    intField(obj, "droneCount", "drone_count", "drones", "numDrones"),
		Duration:      floatField(obj, "duration", "duration_seconds", "length"),
		Creator:       stringField(obj, "creator", "author", "designer"),
		Rating:        clampRating(floatField(obj, "rating", "stars")),
		DownloadCount: intField(obj, "downloads", "downloadCount", "download_count"),
		SyncStatus:    FormationPending,
	}

	if p, ok := numericField(obj, "price"); ok && p >= 0 {
		f.Price = &p
	}
	f.Tags = tagListField(obj, "tags", "keywords")

	for _, key := range []string{"data", "formationData", "formation_data", "frames"} {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		if key == "frames" {
			v = map[string]any{"frames": v}
		}
		if b, err := json.Marshal(v); err == nil {
			f.FormationData = b
			break
		}
	}
	return f
}

var (
	detailNameSelectors        = []string{"h1.formation-title", ".formation-detail h1", "h1"}
	detailDescriptionSelectors = []string{".formation-description", ".detail-description", ".description"}
	detailCategorySelectors    = []string{".formation-category", ".category"}
	detailThumbnailSelectors   = []string{".formation-preview img", ".detail-thumbnail img", "img.formation-thumbnail"}
	detailDroneCountSelectors  = []string{".drone-count", ".spec-drones", ".drones"}
	detailDurationSelectors    = []string{".duration", ".spec-duration"}
	detailPriceSelectors       = []string{".price", ".formation-price"}
	detailTagSelectors         = []string{".formation-tags .tag", ".tags .tag"}
	detailCreatorSelectors     = []string{".creator", ".author"}
	detailRatingSelectors      = []string{".rating", ".stars"}
	detailDownloadsSelectors   = []string{".downloads", ".download-count"}
	detailFileLinkSelectors    = []string{"a.download-link", ".formation-download a", "a[download]"}
)

func parseDetailDOM(doc *goquery.Document) *Formation {
	root := doc.Selection
	name := textFrom(root, detailNameSelectors, "")
	id := detailSourceID(doc)
	if name == "" && id == "" {
		return nil
	}

	return &Formation{
		Source:        DefaultSource,
		SourceID:      id,
		Name:          name,
		Description:   textFrom(root, detailDescriptionSelectors, ""),
		Category:      textFrom(root, detailCategorySelectors, ""),
		ThumbnailURL:  imageFrom(root, detailThumbnailSelectors, ""),
		FileURL:       attrFrom(root, detailFileLinkSelectors, "href", ""),
		DroneCount:    intFrom(root, detailDroneCountSelectors, 0),
		Duration:      durationSecondsFrom(root, detailDurationSelectors, 0),
		Price:         priceFrom(root, detailPriceSelectors),
		Tags:          tagsFrom(root, detailTagSelectors),
		Creator:       textFrom(root, detailCreatorSelectors, ""),
		Rating:        ratingFrom(root, detailRatingSelectors, 0),
		DownloadCount: intFrom(root, detailDownloadsSelectors, 0),
		SyncStatus:    FormationPending,
	}
}

func detailSourceID(doc *goquery.Document) string {
	if v, ok := doc.Find("[data-formation-id]").First().Attr("data-formation-id"); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if m := hrefIDRe.FindStringSubmatch(v); m != nil {
			return m[1]
		}
	}
	return ""
}

// Field accessors tolerant of the JSON number/string typing that varies
// between page shapes.

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if t := strings.TrimSpace(v); t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func numericField(obj map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			return v, true
		case string:
			if f, ok := parseCurrency(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func intField(obj map[string]any, keys ...string) int {
	if f, ok := numericField(obj, keys...); ok {
		return int(f)
	}
	return 0
}

func floatField(obj map[string]any, keys ...string) float64 {
	if f, ok := numericField(obj, keys...); ok {
		return f
	}
	return 0
}

func clampRating(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 5 {
		return 5
	}
	return r
}

func tagListField(obj map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case []any:
			var tags []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					if t := strings.TrimSpace(s); t != "" {
						tags = append(tags, t)
					}
				}
			}
			if len(tags) > 0 {
				return tags
			}
		case string:
			if tags := SplitTags(v); len(tags) > 0 {
				return tags
			}
		}
	}
	return nil
}
