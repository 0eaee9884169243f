// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func selection(t *testing.T, html string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc.Selection
}

func TestTextFrom_FirstNonEmptySelectorWins(t *testing.T) {
	s := selection(t, `<div><span class="a"></span><span class="b">  Phoenix  </span><span class="c">Other</span></div>`)
	require.Equal(t, "Phoenix", textFrom(s, []string{".a", ".b", ".c"}, "fallback"))
}

func TestTextFrom_Default(t *testing.T) {
	s := selection(t, `<div><span class="x">hi</span></div>`)
	require.Equal(t, "fallback", textFrom(s, []string{".a", ".b"}, "fallback"))
}

func TestAttrFrom_FirstSelectorWithValueWins(t *testing.T) {
	s := selection(t, `<div><a class="a">no href</a><a class="b" href="  /files/x.bin ">x</a></div>`)
	require.Equal(t, "/files/x.bin", attrFrom(s, []string{".a", ".b"}, "href", ""))
	require.Equal(t, "none", attrFrom(s, []string{".c"}, "href", "none"))
}

func TestIntFrom_ExtractsDigitsFromText(t *testing.T) {
	s := selection(t, `<div><span class="drones">200 drones</span></div>`)
	require.Equal(t, 200, intFrom(s, []string{".drones"}, 0))
}

func TestIntFrom_DefaultOnMissing(t *testing.T) {
	s := selection(t, `<div><span class="drones">many</span></div>`)
	require.Equal(t, 50, intFrom(s, []string{".drones"}, 50))
}

func TestFloatFrom_Decimal(t *testing.T) {
	s := selection(t, `<div><span class="d">duration: 182.5s</span></div>`)
	require.InDelta(t, 182.5, floatFrom(s, []string{".d"}, 0), 1e-9)
}

func TestPriceFrom_StripsCurrencyFormatting(t *testing.T) {
	s := selection(t, `<div><span class="price">$1,299.99 USD</span></div>`)
	p := priceFrom(s, []string{".price"})
	require.NotNil(t, p)
	require.InDelta(t, 1299.99, *p, 1e-9)
}

func TestPriceFrom_NilWhenAbsent(t *testing.T) {
	s := selection(t, `<div><span class="price">Contact us</span></div>`)
	require.Nil(t, priceFrom(s, []string{".price", ".cost"}))
}

func TestRatingFrom_Clamped(t *testing.T) {
	s := selection(t, `<div><span class="r">9.5</span></div>`)
	require.Equal(t, 5.0, ratingFrom(s, []string{".r"}, 0))
}

func TestTagsFrom_SplitsAndDeduplicates(t *testing.T) {
	s := selection(t, `<ul>
		<li class="tag">holiday, festive</li>
		<li class="tag">festive</li>
		<li class="tag">outdoor</li>
	</ul>`)
	require.Equal(t, []string{"holiday", "festive", "outdoor"}, tagsFrom(s, []string{".tag"}))
}

func TestImageFrom_AttributeOrder(t *testing.T) {
	s := selection(t, `<div><img class="thumb" data-src="https://cdn.example.com/x.png"></div>`)
	require.Equal(t, "https://cdn.example.com/x.png", imageFrom(s, []string{".thumb"}, ""))
}

func TestImageFrom_BackgroundStyle(t *testing.T) {
	s := selection(t, `<div><div class="thumb" style="background-image: url('/img/heart.jpg');"></div></div>`)
	require.Equal(t, "/img/heart.jpg", imageFrom(s, []string{".thumb"}, ""))
}

func TestDurationSecondsFrom_ClockText(t *testing.T) {
	s := selection(t, `<div><span class="dur">2:30</span></div>`)
	require.InDelta(t, 150, durationSecondsFrom(s, []string{".dur"}, 0), 1e-9)
}

func TestDurationSecondsFrom_PlainSeconds(t *testing.T) {
	s := selection(t, `<div><span class="dur">180 seconds</span></div>`)
	require.InDelta(t, 180, durationSecondsFrom(s, []string{".dur"}, 0), 1e-9)
}

func TestParseClockDuration_HoursMinutesSeconds(t *testing.T) {
	d, ok := parseClockDuration("1:02:03")
	require.True(t, ok)
	require.InDelta(t, 3723, d, 1e-9)
}
