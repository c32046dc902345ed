// internal/visual/analyzer.go
package visual

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
	"github.com/kestrelworks/sitewright/internal/detect"
)

const (
	// gapThreshold is the vertical whitespace between consecutive direct
	// children of the main container that counts as a section boundary.
	gapThreshold = 60.0

	// minContainerWidth/minContainerHeight filter out decorative fragments
	// when picking a band's representative container.
	minContainerWidth  = 200.0
	minContainerHeight = 50.0

	// minSpanRatio is how much of the viewport width a representative must
	// cover. Full-bleed sections dominate the page layouts this targets.
	minSpanRatio = 0.70

	// nearTop is how close to the document top an existing marker must sit
	// before the synthetic leading marker is skipped.
	nearTop = 100.0

	// markerMergeDistance collapses a heading marker and a gap marker that
	// describe the same boundary into one band edge.
	markerMergeDistance = 20.0

	// maxFallbackBands caps the even-split rescue when marker analysis finds
	// too little structure.
	maxFallbackBands = 5

	// minFallbackBandHeight keeps the even split from producing sliver bands
	// on short documents.
	minFallbackBandHeight = 150.0

	// maxLocatorDepth bounds how far up the ancestor chain a positional
	// locator may grow.
	maxLocatorDepth = 5

	previewChars = 80
)

// Analyzer derives content sections from rendered page geometry alone, with
// no markup interpretation beyond tag and class names. It exists for pages
// whose markup is too mangled or too generic for structural detection:
// everything here operates on boxes and vertical whitespace.
type Analyzer struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("visual")}
}

// Analyze segments the page into vertical bands and returns one candidate
// section per band that has a plausible representative container.
// screenshotRef, when set, is attached to every returned section so callers
// can correlate the geometry with the capture it came from.
func (a *Analyzer) Analyze(geom *PageGeometry, screenshotRef string) []schemas.CandidateSection {
	if geom == nil || len(geom.Elements) == 0 || geom.DocumentHeight <= 0 {
		return nil
	}

	markers := a.collectMarkers(geom)
	sections := a.sectionsFromBands(geom, markers, screenshotRef)

	if len(sections) < 2 {
		a.logger.Debug("Marker analysis found too little structure, splitting evenly.",
			zap.Int("sections", len(sections)),
			zap.Int("markers", len(markers)))
		if rescued := a.evenSplit(geom, screenshotRef); len(rescued) > len(sections) {
			return rescued
		}
	}
	return sections
}

// collectMarkers gathers section boundaries: the vertical offset of every
// content heading, plus the start of any direct child of the main container
// that sits below a gap wider than gapThreshold. Markers are sorted,
// deduplicated, and guaranteed to include one at or near the top.
func (a *Analyzer) collectMarkers(geom *PageGeometry) []float64 {
	var markers []float64

	for _, el := range geom.Elements {
		if el.Heading && el.Height > 0 {
			markers = append(markers, el.Y)
		}
	}

	children := mainChildren(geom)
	for i := 1; i < len(children); i++ {
		prev := children[i-1]
		gap := children[i].Y - (prev.Y + prev.Height)
		if gap > gapThreshold {
			markers = append(markers, children[i].Y)
		}
	}

	sort.Float64s(markers)
	markers = mergeClose(markers, markerMergeDistance)

	if len(markers) == 0 || markers[0] > nearTop {
		markers = append([]float64{0}, markers...)
	}
	return markers
}

// mainChildren returns the direct children of the main container in
// top-to-bottom order, skipping zero-height elements that cannot contribute
// visible gaps.
func mainChildren(geom *PageGeometry) []ElementGeometry {
	var children []ElementGeometry
	for _, el := range geom.Elements {
		if el.MainChild && el.Height > 0 {
			children = append(children, el)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Y < children[j].Y })
	return children
}

func mergeClose(sorted []float64, dist float64) []float64 {
	if len(sorted) == 0 {
		return sorted
	}
	merged := sorted[:1]
	for _, m := range sorted[1:] {
		if m-merged[len(merged)-1] > dist {
			merged = append(merged, m)
		}
	}
	return merged
}

// sectionsFromBands turns consecutive marker pairs into bands and picks one
// representative container per band. Bands without a plausible container
// produce nothing.
func (a *Analyzer) sectionsFromBands(geom *PageGeometry, markers []float64, screenshotRef string) []schemas.CandidateSection {
	sections := make([]schemas.CandidateSection, 0, len(markers))
	for i, start := range markers {
		end := geom.DocumentHeight
		if i+1 < len(markers) {
			end = markers[i+1]
		}
		rep := a.representative(geom, start, end)
		if rep == nil {
			continue
		}
		sections = append(sections, a.sectionFor(geom, rep, screenshotRef))
	}
	return sections
}

// representative picks the band's defining container: among non-chrome
// elements whose top falls inside the band and whose footprint exceeds the
// minimum, the smallest one that still spans most of the viewport width.
// Preferring the smallest keeps the locator tight around the section instead
// of grabbing a page-level wrapper.
func (a *Analyzer) representative(geom *PageGeometry, start, end float64) *ElementGeometry {
	var best *ElementGeometry
	for i := range geom.Elements {
		el := &geom.Elements[i]
		if el.Chrome || el.Y < start || el.Y >= end {
			continue
		}
		if el.Width < minContainerWidth || el.Height < minContainerHeight {
			continue
		}
		if el.Width < geom.ViewportWidth*minSpanRatio {
			continue
		}
		if best == nil || el.Width*el.Height < best.Width*best.Height {
			best = el
		}
	}
	return best
}

func (a *Analyzer) sectionFor(geom *PageGeometry, rep *ElementGeometry, screenshotRef string) schemas.CandidateSection {
	typ := detect.ClassifyText(rep.Text)
	label := capitalize(string(typ))

	return schemas.CandidateSection{
		Label:    label,
		Type:     typ,
		Locator:  deriveLocator(geom, rep),
		Preview:  detect.TruncateText(rep.Text, previewChars),
		Position: schemas.BucketPosition(rep.Y / geom.DocumentHeight),
		Box: &schemas.BoundingBox{
			X:      rep.X,
			Y:      rep.Y,
			Width:  rep.Width,
			Height: rep.Height,
		},
		Screenshot: screenshotRef,
	}
}

// evenSplit is the rescue strategy for pages with no usable markers: the
// document is divided into equal bands and each band is represented by the
// smallest suitable element covering its vertical midpoint.
func (a *Analyzer) evenSplit(geom *PageGeometry, screenshotRef string) []schemas.CandidateSection {
	bands := maxFallbackBands
	for bands > 1 && geom.DocumentHeight/float64(bands) < minFallbackBandHeight {
		bands--
	}

	sections := make([]schemas.CandidateSection, 0, bands)
	bandHeight := geom.DocumentHeight / float64(bands)
	for i := 0; i < bands; i++ {
		mid := (float64(i) + 0.5) * bandHeight
		rep := elementAt(geom, mid)
		if rep == nil {
			continue
		}
		sections = append(sections, a.sectionFor(geom, rep, screenshotRef))
	}
	return sections
}

// elementAt returns the smallest non-chrome element of plausible size whose
// box covers the given vertical offset.
func elementAt(geom *PageGeometry, y float64) *ElementGeometry {
	var best *ElementGeometry
	for i := range geom.Elements {
		el := &geom.Elements[i]
		if el.Chrome || el.Y > y || el.Y+el.Height < y {
			continue
		}
		if el.Width < minContainerWidth || el.Height < minContainerHeight {
			continue
		}
		if best == nil || el.Width*el.Height < best.Width*best.Height {
			best = el
		}
	}
	return best
}

// locatorSegment is one step of a derived CSS path.
type locatorSegment struct {
	id    string
	tag   string
	class string
	nth   int // 1-based among same-tag siblings; 0 omits the pseudo-class
}

func (s locatorSegment) String() string {
	if s.id != "" {
		return "#" + s.id
	}
	out := s.tag
	if s.class != "" {
		out += "." + s.class
	}
	if s.nth > 0 {
		out += fmt.Sprintf(":nth-of-type(%d)", s.nth)
	}
	return out
}

// deriveLocator builds a CSS selector for the element from the collected
// geometry alone: its id when unique, otherwise tag/class segments with
// positional indexes, prepending ancestors until the path matches exactly
// one collected element or the depth bound is hit.
func deriveLocator(geom *PageGeometry, el *ElementGeometry) string {
	if el.ID != "" && idCount(geom, el.ID) == 1 {
		return "#" + el.ID
	}

	chain := []locatorSegment{segmentFor(geom, el)}
	cur := el
	for depth := 0; depth < maxLocatorDepth; depth++ {
		if matchCount(geom, chain) == 1 {
			break
		}
		if cur.Parent < 0 || cur.Parent >= len(geom.Elements) {
			break
		}
		parent := &geom.Elements[cur.Parent]
		if parent.ID != "" && idCount(geom, parent.ID) == 1 {
			chain = append([]locatorSegment{{id: parent.ID}}, chain...)
			break
		}
		chain = append([]locatorSegment{segmentFor(geom, parent)}, chain...)
		cur = parent
	}

	parts := make([]string, len(chain))
	for i, seg := range chain {
		parts[i] = seg.String()
	}
	return strings.Join(parts, " > ")
}

func segmentFor(geom *PageGeometry, el *ElementGeometry) locatorSegment {
	seg := locatorSegment{tag: el.Tag}
	if len(el.Classes) > 0 {
		seg.class = el.Classes[0]
	}
	if siblingsOfTag(geom, el) > 1 {
		seg.nth = nthOfType(geom, el)
	}
	return seg
}

// nthOfType is the element's 1-based position among same-tag siblings, which
// is what the CSS :nth-of-type pseudo-class counts.
func nthOfType(geom *PageGeometry, el *ElementGeometry) int {
	n := 1
	for i := range geom.Elements {
		sib := &geom.Elements[i]
		if sib.Parent == el.Parent && sib.Tag == el.Tag && sib.Index < el.Index {
			n++
		}
	}
	return n
}

func siblingsOfTag(geom *PageGeometry, el *ElementGeometry) int {
	n := 0
	for i := range geom.Elements {
		sib := &geom.Elements[i]
		if sib.Parent == el.Parent && sib.Tag == el.Tag {
			n++
		}
	}
	return n
}

func idCount(geom *PageGeometry, id string) int {
	n := 0
	for i := range geom.Elements {
		if geom.Elements[i].ID == id {
			n++
		}
	}
	return n
}

// matchCount evaluates a direct-child segment chain against the collected
// geometry, mirroring how the browser would resolve "a > b > c".
func matchCount(geom *PageGeometry, chain []locatorSegment) int {
	n := 0
	for i := range geom.Elements {
		if matchesChain(geom, &geom.Elements[i], chain) {
			n++
		}
	}
	return n
}

func matchesChain(geom *PageGeometry, el *ElementGeometry, chain []locatorSegment) bool {
	cur := el
	for i := len(chain) - 1; i >= 0; i-- {
		if cur == nil || !matchesSegment(geom, cur, chain[i]) {
			return false
		}
		if i > 0 {
			if cur.Parent < 0 || cur.Parent >= len(geom.Elements) {
				return false
			}
			cur = &geom.Elements[cur.Parent]
		}
	}
	return true
}

func matchesSegment(geom *PageGeometry, el *ElementGeometry, seg locatorSegment) bool {
	if seg.id != "" {
		return el.ID == seg.id
	}
	if el.Tag != seg.tag {
		return false
	}
	if seg.class != "" && !hasClass(el, seg.class) {
		return false
	}
	if seg.nth > 0 && nthOfType(geom, el) != seg.nth {
		return false
	}
	return true
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func hasClass(el *ElementGeometry, class string) bool {
	for _, c := range el.Classes {
		if c == class {
			return true
		}
	}
	return false
}
