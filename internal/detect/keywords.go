// internal/detect/keywords.go
package detect

import (
	"strings"
	"unicode/utf8"

	"github.com/kestrelworks/sitewright/api/schemas"
)

// keywordRules maps indicative phrases onto section types. Order matters:
// earlier rules win, and the more specific vocabularies (pricing,
// testimonials) sit above the generic ones (about, cta) so a pricing table
// mentioning "about our plans" still classifies as pricing.
var keywordRules = []struct {
	typ   schemas.SectionType
	words []string
}{
	{schemas.SectionPricing, []string{"pricing", "per month", "per year", "/mo", "free trial", "plans"}},
	{schemas.SectionTestimonials, []string{"testimonial", "what our customers", "clients say", "reviews", "rated us"}},
	{schemas.SectionContact, []string{"contact", "get in touch", "email us", "call us", "reach out", "send us a message"}},
	{schemas.SectionTeam, []string{"our team", "meet the", "founder", "our people", "leadership"}},
	{schemas.SectionServices, []string{"our services", "what we do", "we offer", "solutions"}},
	{schemas.SectionFeatures, []string{"features", "why choose", "benefits", "everything you need"}},
	{schemas.SectionPortfolio, []string{"portfolio", "our work", "case studies", "recent projects", "gallery"}},
	{schemas.SectionAbout, []string{"about us", "about", "our story", "who we are", "our mission"}},
	{schemas.SectionCTA, []string{"sign up", "get started", "start now", "join now", "subscribe", "book now", "try it"}},
	{schemas.SectionHero, []string{"welcome"}},
}

// ClassifyText assigns a section type to a blob of visible text by keyword
// matching. Falls through to the generic content type. Shared by the
// deterministic fallback and the visual layout analyzer so both strategies
// agree on labels.
func ClassifyText(text string) schemas.SectionType {
	lowered := strings.ToLower(text)
	for _, rule := range keywordRules {
		for _, word := range rule.words {
			if strings.Contains(lowered, word) {
				return rule.typ
			}
		}
	}
	return schemas.SectionContent
}

// CollapseWhitespace folds runs of whitespace into single spaces and trims
// the ends. Text extracted from rendered markup is full of layout
// whitespace; every comparison in this package happens on the collapsed
// form.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateText returns the leading maxChars bytes of the collapsed text.
func TruncateText(s string, maxChars int) string {
	return truncateOnRune(CollapseWhitespace(s), maxChars)
}

// truncateOnRune shortens s to at most max bytes without splitting a
// multi-byte rune, so truncated text stays valid UTF-8.
func truncateOnRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
