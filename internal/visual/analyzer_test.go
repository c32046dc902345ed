// internal/visual/analyzer_test.go
package visual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelworks/sitewright/api/schemas"
)

// landingGeometry models a 1280x800 viewport over a 2080px-tall landing page:
// nav, hero header, about, pricing, footer, with 100px gaps between content
// blocks. Indexes and parent pointers follow collection order.
func landingGeometry() *PageGeometry {
	return &PageGeometry{
		ViewportWidth:  1280,
		ViewportHeight: 800,
		DocumentHeight: 2080,
		Elements: []ElementGeometry{
			{Index: 0, Parent: -1, Tag: "nav", X: 0, Y: 0, Width: 1280, Height: 80,
				Text: "Home Products Contact", MainChild: true, Chrome: true},
			{Index: 1, Parent: -1, Tag: "header", Classes: []string{"hero"}, X: 0, Y: 80, Width: 1280, Height: 500,
				Text: "Welcome to Acme We build tools", MainChild: true},
			{Index: 2, Parent: 1, Tag: "h1", X: 340, Y: 200, Width: 600, Height: 60,
				Text: "Welcome to Acme", Heading: true},
			{Index: 3, Parent: -1, Tag: "section", ID: "about", X: 0, Y: 680, Width: 1280, Height: 400,
				Text: "About us Our story began in a garage", MainChild: true},
			{Index: 4, Parent: 3, Tag: "h2", X: 100, Y: 700, Width: 400, Height: 40,
				Text: "About us", Heading: true},
			{Index: 5, Parent: -1, Tag: "section", Classes: []string{"pricing"}, X: 0, Y: 1180, Width: 1280, Height: 600,
				Text: "Pricing From $9 per month", MainChild: true},
			{Index: 6, Parent: 5, Tag: "h2", X: 100, Y: 1200, Width: 400, Height: 40,
				Text: "Pricing", Heading: true},
			{Index: 7, Parent: -1, Tag: "footer", X: 0, Y: 1880, Width: 1280, Height: 200,
				Text: "Contact hi@acme.test", MainChild: true, Chrome: true},
		},
	}
}

func TestAnalyzeLandingPage(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	sections := a.Analyze(landingGeometry(), "shot-1.png")
	require.Len(t, sections, 3)

	assert.Equal(t, schemas.SectionHero, sections[0].Type)
	assert.Equal(t, schemas.SectionAbout, sections[1].Type)
	assert.Equal(t, schemas.SectionPricing, sections[2].Type)

	assert.Equal(t, "header.hero", sections[0].Locator)
	assert.Equal(t, "#about", sections[1].Locator)
	assert.Equal(t, "section.pricing:nth-of-type(2)", sections[2].Locator)

	assert.Equal(t, schemas.PositionTop, sections[0].Position)
	assert.Equal(t, schemas.PositionMiddle, sections[1].Position)

	for _, s := range sections {
		require.NotNil(t, s.Box, "%s must carry a bounding box", s.Label)
		assert.Greater(t, s.Box.Height, 0.0)
		assert.Equal(t, "shot-1.png", s.Screenshot)
	}
}

func TestAnalyzeNeverPicksChrome(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	for _, s := range a.Analyze(landingGeometry(), "") {
		assert.NotEqual(t, "nav", s.Locator)
		assert.NotEqual(t, "footer", s.Locator)
	}
}

func TestCollectMarkers(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	// Headings at 200/700/1200 plus >60px gap starts at 680/1180/1880; the
	// heading and gap pairs 680-700 and 1180-1200 merge, and a synthetic
	// marker lands at 0 because nothing sits near the top.
	markers := a.collectMarkers(landingGeometry())
	assert.Equal(t, []float64{0, 200, 680, 1180, 1880}, markers)
}

func TestAnalyzeEvenSplitRescue(t *testing.T) {
	// Three stacked blocks with no headings and no gaps: marker analysis
	// yields a single section, so the even geometric split takes over.
	geom := &PageGeometry{
		ViewportWidth:  1280,
		ViewportHeight: 800,
		DocumentHeight: 2100,
		Elements: []ElementGeometry{
			{Index: 0, Parent: -1, Tag: "div", Classes: []string{"a"}, Y: 0, Width: 1280, Height: 700, Text: "alpha", MainChild: true},
			{Index: 1, Parent: -1, Tag: "div", Classes: []string{"b"}, Y: 700, Width: 1280, Height: 700, Text: "beta", MainChild: true},
			{Index: 2, Parent: -1, Tag: "div", Classes: []string{"c"}, Y: 1400, Width: 1280, Height: 700, Text: "gamma", MainChild: true},
		},
	}
	a := New(zaptest.NewLogger(t))

	sections := a.Analyze(geom, "")
	require.Len(t, sections, maxFallbackBands)

	locators := make(map[string]bool)
	for _, s := range sections {
		locators[s.Locator] = true
	}
	assert.Len(t, locators, 3, "each block should be reachable from some band midpoint")
}

func TestAnalyzeEmptyGeometry(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	assert.Nil(t, a.Analyze(nil, ""))
	assert.Nil(t, a.Analyze(&PageGeometry{}, ""))
}

func TestDeriveLocatorPrefersID(t *testing.T) {
	geom := landingGeometry()
	assert.Equal(t, "#about", deriveLocator(geom, &geom.Elements[3]))
}

func TestDeriveLocatorWalksToUniqueAncestor(t *testing.T) {
	// Two anonymous divs under distinct identified parents: the bare "div"
	// segment is ambiguous, so the parent's id anchors the path.
	geom := &PageGeometry{
		ViewportWidth:  1280,
		DocumentHeight: 1000,
		Elements: []ElementGeometry{
			{Index: 0, Parent: -1, Tag: "section", ID: "left"},
			{Index: 1, Parent: 0, Tag: "div"},
			{Index: 2, Parent: -1, Tag: "section", ID: "right"},
			{Index: 3, Parent: 2, Tag: "div"},
		},
	}

	assert.Equal(t, "#left > div", deriveLocator(geom, &geom.Elements[1]))
	assert.Equal(t, "#right > div", deriveLocator(geom, &geom.Elements[3]))
}

func TestRepresentativePrefersTightestSpanningBox(t *testing.T) {
	// A page-level wrapper and the section inside it both span the viewport;
	// the smaller section wins so the locator stays tight.
	geom := &PageGeometry{
		ViewportWidth:  1280,
		DocumentHeight: 2000,
		Elements: []ElementGeometry{
			{Index: 0, Parent: -1, Tag: "div", Classes: []string{"wrapper"}, Y: 0, Width: 1280, Height: 2000, MainChild: true},
			{Index: 1, Parent: 0, Tag: "section", Classes: []string{"hero"}, Y: 0, Width: 1280, Height: 600, Text: "Welcome"},
		},
	}
	a := New(zaptest.NewLogger(t))

	rep := a.representative(geom, 0, 2000)
	require.NotNil(t, rep)
	assert.Equal(t, "section", rep.Tag)
}
