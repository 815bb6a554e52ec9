package extract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// DefaultExcerptBytes caps the page text sent to the LLM.
const DefaultExcerptBytes = 12000

const llmSchema = `Return a single JSON object with these optional arrays:
  "products":      [{"title","price","currency","availability","category","variants":[],"features":[],"image_url","description","disclaimer","url"}]
  "offers":        [{"title","price","currency","availability","category","image_url","description","disclaimer","url","valid_until"}]
  "banner_slides": [{"title","subtitle","image_url","link_url","cta_text","disclaimer","position"}]
Use null for unknown values. Prices are numbers without currency symbols.
Respond with JSON only.`

var llmKeys = map[crawler.RecordKind]string{
	crawler.KindProduct:     "products",
	crawler.KindOffer:       "offers",
	crawler.KindBannerSlide: "banner_slides",
}

// buildPrompt asks for the given kinds only, followed by the visible page text.
func buildPrompt(page crawler.PageContent, kinds []crawler.RecordKind, excerpt string) string {
	wanted := make([]string, 0, len(kinds))
	for _, k := range kinds {
		wanted = append(wanted, llmKeys[k])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You extract structured data from an automotive manufacturer web page (%s, category %s).\n", page.URL, page.Category)
	fmt.Fprintf(&b, "Extract these record types: %s.\n\n", strings.Join(wanted, ", "))
	b.WriteString(llmSchema)
	b.WriteString("\n\nPage text:\n")
	b.WriteString(excerpt)
	return b.String()
}

// pageExcerpt returns whitespace-collapsed body text truncated to limit bytes
// on a rune boundary.
func pageExcerpt(doc *goquery.Document, limit int) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template, svg").Remove()
	text := collapse(body.Text())
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// parseLLMResponse decodes the collaborator's JSON, tolerating a markdown
// fence around it. Only requested kinds are kept.
func parseLLMResponse(raw string, kinds []crawler.RecordKind, base *url.URL) (map[crawler.RecordKind][]crawler.ExtractedRecord, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	if start, end := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); start >= 0 && end > start {
		body = body[start : end+1]
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", crawler.ErrLLMFallback, err)
	}
	out := make(map[crawler.RecordKind][]crawler.ExtractedRecord, len(kinds))
	for _, kind := range kinds {
		rawItems, ok := payload[llmKeys[kind]]
		if !ok || string(rawItems) == "null" {
			continue
		}
		var items []map[string]any
		if err := json.Unmarshal(rawItems, &items); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", crawler.ErrLLMFallback, llmKeys[kind], err)
		}
		index := make(map[string]int)
		var records []crawler.ExtractedRecord
		for _, item := range items {
			rec := newRecord(kind, crawler.MethodLLMFallback)
			for _, key := range sortedKeys(item) {
				field := key
				if canon, known := canonicalField(key); known {
					if canon == "" {
						continue
					}
					field = canon
				}
				setField(&rec, field, item[key], base)
			}
			key := rec.Key()
			if key == "" {
				continue
			}
			if i, dup := index[key]; dup {
				records[i].FillFrom(rec)
				continue
			}
			index[key] = len(records)
			records = append(records, rec)
		}
		out[kind] = records
	}
	return out, nil
}
