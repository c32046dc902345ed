// internal/detect/fallback.go
package detect

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/kestrelworks/sitewright/api/schemas"
)

// fallbackPatterns is the fixed, ordered pattern table for deterministic
// detection. Each entry contributes at most one CandidateSection: the first
// element matching its selector set. The order is stable so two runs over
// identical markup always produce identical results.
var fallbackPatterns = []struct {
	selectors string
	typ       schemas.SectionType
	label     string
}{
	{"section.hero, .hero, #hero, header.hero, .banner, .jumbotron", schemas.SectionHero, "Hero"},
	{".about, #about, section.about, .about-us, #about-us", schemas.SectionAbout, "About"},
	{".services, #services, section.services", schemas.SectionServices, "Services"},
	{".features, #features, section.features", schemas.SectionFeatures, "Features"},
	{".testimonials, #testimonials, .reviews, #reviews", schemas.SectionTestimonials, "Testimonials"},
	{".contact, #contact, section.contact", schemas.SectionContact, "Contact"},
	{".pricing, #pricing, section.pricing, .plans", schemas.SectionPricing, "Pricing"},
	{".team, #team, section.team", schemas.SectionTeam, "Team"},
	{".portfolio, #portfolio, .gallery, #gallery", schemas.SectionPortfolio, "Portfolio"},
	{".cta, #cta, .call-to-action", schemas.SectionCTA, "Call to action"},
	{"main, article, #content, .content", schemas.SectionContent, "Main content"},
}

const fallbackPreviewChars = 80

// detectFallback runs the deterministic pattern match. It cannot fail on a
// parsed document; at worst it returns an empty list for markup containing
// none of the known shapes.
func (d *Detector) detectFallback(doc *goquery.Document) []schemas.CandidateSection {
	sections := make([]schemas.CandidateSection, 0, len(fallbackPatterns))
	for _, pattern := range fallbackPatterns {
		match := doc.Find(pattern.selectors).First()
		if match.Length() == 0 {
			continue
		}
		sections = append(sections, schemas.CandidateSection{
			Label:    pattern.label,
			Type:     pattern.typ,
			Locator:  uniqueLocator(doc, match),
			Preview:  TruncateText(match.Text(), fallbackPreviewChars),
			Position: structuralPosition(doc, match),
		})
	}
	return sections
}
