// internal/detect/detector.go
package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
	"github.com/kestrelworks/sitewright/internal/config"
	"github.com/kestrelworks/sitewright/internal/llmutil"
)

// previewCheckChars is how much of an LLM-supplied preview must actually
// occur in the resolved element's text before the hint is trusted.
const previewCheckChars = 50

// proposal is the strict shape of one LLM-suggested section. Anything that
// does not deserialize into it, or fails field validation, is rejected as a
// whole rather than accepted partially populated.
type proposal struct {
	Label    string `json:"label"`
	Type     string `json:"type"`
	Selector string `json:"selector"`
	Preview  string `json:"preview"`
}

// Detector classifies rendered markup into labeled content regions. The
// primary path asks the AI collaborator; every proposal is then validated
// against the live structure. Any AI failure, malformed response, or
// validation wipeout falls back to the deterministic pattern table, so
// Detect always produces a result.
type Detector struct {
	client schemas.LLMClient // nil disables the AI path entirely
	cfg    config.DetectConfig
	logger *zap.Logger
}

// New builds a Detector. Pass a nil client to run fallback-only.
func New(client schemas.LLMClient, cfg config.DetectConfig, logger *zap.Logger) *Detector {
	return &Detector{
		client: client,
		cfg:    cfg,
		logger: logger.Named("detect"),
	}
}

// Detect analyzes fully rendered markup (after client-side script
// execution) and returns candidate sections. The only error it surfaces is
// a markup so broken the fallback itself cannot parse it.
func (d *Detector) Detect(ctx context.Context, markup, pageTitle string) ([]schemas.CandidateSection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rendered markup: %w", err)
	}

	if d.client != nil {
		if sections := d.detectAI(ctx, doc, markup, pageTitle); len(sections) > 0 {
			return sections, nil
		}
		d.logger.Debug("AI path produced no usable sections, using fallback.")
	}

	return d.detectFallback(doc), nil
}

// detectAI runs the primary path. A nil return means "use the fallback".
func (d *Detector) detectAI(ctx context.Context, doc *goquery.Document, markup, pageTitle string) []schemas.CandidateSection {
	truncated := markup
	if max := d.cfg.MaxMarkupChars; max > 0 {
		truncated = truncateOnRune(truncated, max)
	}

	raw, err := d.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: classifySystemPrompt,
		UserPrompt:   d.buildPrompt(pageTitle, truncated),
		Options: schemas.GenerationOptions{
			Temperature:     0.2,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		d.logger.Warn("AI classification call failed.", zap.Error(err))
		return nil
	}

	proposals, err := llmutil.ParseJSONResponse[[]proposal](raw)
	if err != nil {
		d.logger.Warn("AI classification response was malformed.", zap.Error(err))
		return nil
	}

	sections := make([]schemas.CandidateSection, 0, len(*proposals))
	for _, p := range *proposals {
		section, ok := d.validateProposal(doc, p)
		if !ok {
			d.logger.Debug("Rejected AI section proposal.",
				zap.String("label", p.Label),
				zap.String("selector", p.Selector))
			continue
		}
		sections = append(sections, section)
		if d.cfg.MaxSections > 0 && len(sections) >= d.cfg.MaxSections {
			break
		}
	}
	return sections
}

// validateProposal resolves a proposal against the parsed document. Selector
// hints may carry comma-separated alternatives; the first that resolves and
// agrees with the preview wins. Hints that resolve nowhere fall back to a
// containing-text search over block-level tags.
func (d *Detector) validateProposal(doc *goquery.Document, p proposal) (schemas.CandidateSection, bool) {
	typ, ok := schemas.ParseSectionType(p.Type)
	if !ok || strings.TrimSpace(p.Label) == "" || strings.TrimSpace(p.Selector) == "" {
		return schemas.CandidateSection{}, false
	}

	previewKey := strings.ToLower(TruncateText(p.Preview, previewCheckChars))

	var resolved *goquery.Selection
	for _, alt := range strings.Split(p.Selector, ",") {
		alt = strings.TrimSpace(alt)
		if alt == "" || !validSelector(alt) {
			continue
		}
		match := doc.Find(alt).First()
		if match.Length() == 0 {
			continue
		}
		// The preview must actually occur in the element the hint points
		// at; an LLM hint that resolves to the wrong element is worse than
		// no hint.
		if previewKey != "" && !strings.Contains(strings.ToLower(CollapseWhitespace(match.Text())), previewKey) {
			continue
		}
		resolved = match
		break
	}

	var locator string
	if resolved != nil {
		locator = uniqueLocator(doc, resolved)
	} else if previewKey != "" {
		resolved, locator = findByText(doc, previewKey)
	}
	if resolved == nil || locator == "" {
		return schemas.CandidateSection{}, false
	}

	preview := TruncateText(p.Preview, fallbackPreviewChars)
	if preview == "" {
		preview = TruncateText(resolved.Text(), fallbackPreviewChars)
	}

	return schemas.CandidateSection{
		Label:    CollapseWhitespace(p.Label),
		Type:     typ,
		Locator:  locator,
		Preview:  preview,
		Position: structuralPosition(doc, resolved),
	}, true
}

// blockTags are the containers worth naming as sections when recovering an
// unresolved selector hint by text content.
const blockTags = "section, article, header, main, footer, aside, div"

// findByText locates the first block-level element whose text contains key,
// preferring one with an id, then one with a class, so the derived locator
// stays stable across renders.
func findByText(doc *goquery.Document, key string) (*goquery.Selection, string) {
	var withID, withClass, plain *goquery.Selection

	doc.Find(blockTags).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(CollapseWhitespace(s.Text())), key) {
			return true
		}
		if id, ok := s.Attr("id"); ok && id != "" && withID == nil {
			withID = s
			return false // best possible match
		}
		if cls, ok := s.Attr("class"); ok && strings.TrimSpace(cls) != "" && withClass == nil {
			withClass = s
		}
		if plain == nil {
			plain = s
		}
		return true
	})

	switch {
	case withID != nil:
		return withID, uniqueLocator(doc, withID)
	case withClass != nil:
		return withClass, uniqueLocator(doc, withClass)
	case plain != nil:
		return plain, uniqueLocator(doc, plain)
	}
	return nil, ""
}

// validSelector reports whether goquery can safely compile the selector.
// goquery panics on invalid selectors, so LLM-supplied strings are parsed
// with cascadia first.
func validSelector(sel string) bool {
	_, err := cascadia.Parse(sel)
	return err == nil
}

// uniqueLocator derives a selector that resolves to exactly this element:
// #id when unique, else tag.class when unique, else a positional
// nth-of-type path built upward until the prefix is unique.
func uniqueLocator(doc *goquery.Document, sel *goquery.Selection) string {
	el := sel.First()

	if id, ok := el.Attr("id"); ok && id != "" {
		loc := "#" + id
		if validSelector(loc) && doc.Find(loc).Length() == 1 {
			return loc
		}
	}

	tag := goquery.NodeName(el)
	if cls, ok := el.Attr("class"); ok {
		if fields := strings.Fields(cls); len(fields) > 0 {
			loc := tag + "." + fields[0]
			if validSelector(loc) && doc.Find(loc).Length() == 1 {
				return loc
			}
		}
	}

	return positionalLocator(doc, el)
}

// positionalLocator builds "ancestor > ... > tag:nth-of-type(n)" segments,
// extending upward until the path is unique or the body is reached.
func positionalLocator(doc *goquery.Document, el *goquery.Selection) string {
	var path string
	cur := el
	for cur.Length() > 0 {
		tag := goquery.NodeName(cur)
		if tag == "html" || tag == "" {
			break
		}
		segment := tag
		if tag != "body" {
			nth := cur.PrevAll().Filter(tag).Length() + 1
			segment = fmt.Sprintf("%s:nth-of-type(%d)", tag, nth)
		}
		if path == "" {
			path = segment
		} else {
			path = segment + " > " + path
		}
		if doc.Find(path).Length() == 1 {
			return path
		}
		cur = cur.Parent()
	}
	return path
}

// structuralPosition buckets an element's placement by its order index among
// all elements in the document.
func structuralPosition(doc *goquery.Document, sel *goquery.Selection) schemas.Position {
	target := sel.First()
	if target.Length() == 0 {
		return schemas.PositionMiddle
	}
	targetNode := target.Get(0)

	all := doc.Find("*")
	total := all.Length()
	if total == 0 {
		return schemas.PositionMiddle
	}

	index := -1
	all.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if s.Get(0) == targetNode {
			index = i
			return false
		}
		return true
	})
	if index < 0 {
		return schemas.PositionMiddle
	}
	return schemas.BucketPosition(float64(index) / float64(total))
}

const classifySystemPrompt = `You label the content sections of marketing and small-business web pages. You answer with strict JSON only: an array of objects with the fields "label", "type", "selector" and "preview". Never include commentary.`

func (d *Detector) buildPrompt(pageTitle, markup string) string {
	types := make([]string, len(schemas.AllSectionTypes))
	for i, t := range schemas.AllSectionTypes {
		types[i] = string(t)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Identify between %d and %d distinct content sections of this page.\n", d.cfg.MinSections, d.cfg.MaxSections)
	fmt.Fprintf(&b, "For each section report:\n")
	fmt.Fprintf(&b, "- label: a short human-readable name\n")
	fmt.Fprintf(&b, "- type: one of [%s]\n", strings.Join(types, ", "))
	fmt.Fprintf(&b, "- selector: a CSS selector for the section container; you may give comma-separated alternatives\n")
	fmt.Fprintf(&b, "- preview: the first words of the section's visible text, verbatim, at most 120 characters\n\n")
	fmt.Fprintf(&b, "Page title: %s\n\nRendered HTML (may be truncated):\n%s", pageTitle, markup)
	return b.String()
}
