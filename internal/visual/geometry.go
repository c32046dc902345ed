// internal/visual/geometry.go
package visual

// ElementGeometry is one rendered element's box and identity, collected in
// document order by the geometry script.
type ElementGeometry struct {
	Index   int      `json:"index"`
	Parent  int      `json:"parent"` // index of the parent element; -1 at the top
	Tag     string   `json:"tag"`
	ID      string   `json:"id"`
	Classes []string `json:"classes"`
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Width   float64  `json:"width"`
	Height  float64  `json:"height"`
	Text    string   `json:"text"`
	// Heading marks h1-h6 outside navigation, footer, and aside chrome.
	Heading bool `json:"heading"`
	// MainChild marks direct children of the main content container.
	MainChild bool `json:"mainChild"`
	// Chrome marks elements inside nav/footer/aside, which never represent
	// content sections.
	Chrome bool `json:"chrome"`
}

// PageGeometry is the flat geometric snapshot of a rendered page.
type PageGeometry struct {
	ViewportWidth  float64           `json:"viewportWidth"`
	ViewportHeight float64           `json:"viewportHeight"`
	DocumentHeight float64           `json:"documentHeight"`
	Elements       []ElementGeometry `json:"elements"`
}

// GeometryScript is evaluated in the page to produce a PageGeometry. All
// offsets are absolute document coordinates, not viewport-relative, so the
// analysis is independent of the current scroll position.
const GeometryScript = `(() => {
	const main = document.querySelector("main") || document.body;
	const all = Array.from(document.querySelectorAll("body *"));
	const idx = new Map();
	all.forEach((el, i) => idx.set(el, i));
	const elements = all.map((el, i) => {
		const r = el.getBoundingClientRect();
		const tag = el.tagName.toLowerCase();
		const chrome = !!el.closest("nav, footer, aside");
		return {
			index: i,
			parent: idx.has(el.parentElement) ? idx.get(el.parentElement) : -1,
			tag: tag,
			id: el.id || "",
			classes: Array.from(el.classList),
			x: r.left + window.scrollX,
			y: r.top + window.scrollY,
			width: r.width,
			height: r.height,
			text: (el.innerText || "").replace(/\s+/g, " ").trim().slice(0, 200),
			heading: /^h[1-6]$/.test(tag) && !chrome,
			mainChild: el.parentElement === main,
			chrome: chrome
		};
	});
	return {
		viewportWidth: window.innerWidth,
		viewportHeight: window.innerHeight,
		documentHeight: Math.max(document.body.scrollHeight, document.documentElement.scrollHeight),
		elements: elements
	};
})()`
