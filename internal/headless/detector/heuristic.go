// Package detector flags cheap-check responses that look like an unrendered
// single-page-app shell, where the static hash says little about the content
// a browser would show.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Reasons reported by Inspect.
const (
	ReasonEmptyBody     = "empty_body"
	ReasonScriptDensity = "script_density"
	ReasonSPAMarker     = "spa_marker"
)

// Heuristic implements a handful of rule-based shell checks.
type Heuristic struct {
	BodyLengthThreshold int
	markers             [][]byte
}

// NewHeuristic creates a new detector. Extra markers are matched case-sensitively.
func NewHeuristic(threshold int, extraMarkers ...string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	markers := make([][]byte, 0, len(spaMarkers)+len(extraMarkers))
	markers = append(markers, spaMarkers...)
	for _, m := range extraMarkers {
		if m != "" {
			markers = append(markers, []byte(m))
		}
	}
	return &Heuristic{BodyLengthThreshold: threshold, markers: markers}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("___gatsby"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
}

// ShouldPromote reports whether the response looks like an SPA shell.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	suspected, _ := h.Inspect(resp)
	return suspected
}

// Inspect reports whether the response looks like an SPA shell and which rule
// fired first.
func (h *Heuristic) Inspect(resp crawler.FetchResponse) (bool, string) {
	if resp.StatusCode != 200 {
		return false, ""
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true, ReasonEmptyBody
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true, ReasonScriptDensity
	}
	for _, marker := range h.markers {
		if bytes.Contains(body, marker) {
			return true, ReasonSPAMarker
		}
	}
	return false, ""
}

// scriptDensityHigh reports whether <script> elements cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered*100/total >= 25
}
