// api/schemas/sections.go
package schemas

import "strings"

// SectionType is the closed enumeration of content regions sitewright knows
// how to label. Both detection strategies (markup and visual) classify into
// this same set so downstream consumers never see free-form labels.
type SectionType string

const (
	SectionHero         SectionType = "hero"
	SectionAbout        SectionType = "about"
	SectionServices     SectionType = "services"
	SectionFeatures     SectionType = "features"
	SectionTestimonials SectionType = "testimonials"
	SectionContact      SectionType = "contact"
	SectionPricing      SectionType = "pricing"
	SectionTeam         SectionType = "team"
	SectionPortfolio    SectionType = "portfolio"
	SectionCTA          SectionType = "cta"
	SectionContent      SectionType = "content"
)

// AllSectionTypes lists every valid SectionType in a stable order.
var AllSectionTypes = []SectionType{
	SectionHero, SectionAbout, SectionServices, SectionFeatures,
	SectionTestimonials, SectionContact, SectionPricing, SectionTeam,
	SectionPortfolio, SectionCTA, SectionContent,
}

// ParseSectionType normalizes a raw string (typically from an LLM response)
// into a SectionType. The boolean is false for anything outside the enum.
func ParseSectionType(raw string) (SectionType, bool) {
	t := SectionType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllSectionTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Position buckets a section's vertical placement on the page.
type Position string

const (
	PositionTop    Position = "top"
	PositionMiddle Position = "middle"
	PositionBottom Position = "bottom"
)

// BucketPosition maps a 0..1 structural or geometric ratio onto a Position.
// Ratios below 0.30 are top, below 0.70 middle, the rest bottom.
func BucketPosition(ratio float64) Position {
	switch {
	case ratio < 0.30:
		return PositionTop
	case ratio < 0.70:
		return PositionMiddle
	default:
		return PositionBottom
	}
}

// BoundingBox is an element's on-screen rectangle in CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CandidateSection is a detected, labeled content region on a rendered page.
// The locator is validated at detection time but never guaranteed to remain
// unique once the page changes; callers should re-detect rather than reuse a
// stale locator.
type CandidateSection struct {
	Label    string       `json:"label"`
	Type     SectionType  `json:"type"`
	Locator  string       `json:"locator"`
	Preview  string       `json:"preview,omitempty"`
	Position Position     `json:"position"`
	Box      *BoundingBox `json:"box,omitempty"`
	// Screenshot references the capture the bounding box was measured
	// against. Only populated by the visual analyzer.
	Screenshot string `json:"screenshot,omitempty"`
}
