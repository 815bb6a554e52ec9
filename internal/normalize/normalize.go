// Package normalize reduces rendered or fetched HTML to the parts that carry
// content, so cosmetic churn (build hashes, CSS class rotation, analytics
// attributes, tracking query strings) does not register as a change.
package normalize

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/JakeFAU/oem-monitor/internal/hash/sha256"
)

var defaultVolatileAttrs = []string{"class", "style", "nonce", "integrity", "crossorigin"}

var defaultVolatilePrefixes = []string{"data-react", "data-v-", "data-gtm", "data-track"}

var defaultTrackingParams = []string{
	"fbclid", "gclid", "gclsrc", "dclid", "msclkid", "_ga", "mc_cid", "mc_eid",
}

var defaultTrackingPrefixes = []string{"utm_"}

// Subtrees dropped entirely.
var skippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
}

// Attributes whose value is a URL.
var urlAttrs = map[string]struct{}{
	"href":   {},
	"src":    {},
	"action": {},
	"poster": {},
}

var zeroWidth = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
)

// Options extends the built-in noise lists.
type Options struct {
	// ExtraVolatileAttrs are dropped in addition to the defaults. Entries
	// ending in "*" match by prefix.
	ExtraVolatileAttrs []string
	// ExtraTrackingParams are stripped from URL attributes in addition to the
	// defaults. Entries ending in "*" match by prefix.
	ExtraTrackingParams []string
}

// Normalizer canonicalizes HTML for hashing.
type Normalizer struct {
	volatile         map[string]struct{}
	volatilePrefixes []string
	tracking         map[string]struct{}
	trackingPrefixes []string
}

var std = New(Options{})

// New builds a Normalizer from the default noise lists plus opts.
func New(opts Options) *Normalizer {
	n := &Normalizer{
		volatile: make(map[string]struct{}),
		tracking: make(map[string]struct{}),
	}
	for _, attr := range append(append([]string{}, defaultVolatileAttrs...), opts.ExtraVolatileAttrs...) {
		addPattern(attr, n.volatile, &n.volatilePrefixes)
	}
	n.volatilePrefixes = append(n.volatilePrefixes, defaultVolatilePrefixes...)
	for _, param := range append(append([]string{}, defaultTrackingParams...), opts.ExtraTrackingParams...) {
		addPattern(param, n.tracking, &n.trackingPrefixes)
	}
	n.trackingPrefixes = append(n.trackingPrefixes, defaultTrackingPrefixes...)
	return n
}

func addPattern(raw string, exact map[string]struct{}, prefixes *[]string) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case value == "" || value == "*":
		return
	case strings.HasSuffix(value, "*"):
		*prefixes = append(*prefixes, strings.TrimSuffix(value, "*"))
	default:
		exact[value] = struct{}{}
	}
}

// Normalize canonicalizes raw with the default options.
func Normalize(raw string) string {
	return std.Normalize(raw)
}

// Hash returns the SHA-256 hex digest of Normalize(raw).
func Hash(raw string) string {
	return std.Hash(raw)
}

// StripTrackingParams removes tracking query parameters using the default list.
func StripTrackingParams(raw string) string {
	return std.StripTrackingParams(raw)
}

// Hash returns the SHA-256 hex digest of the normalized form of raw.
func (n *Normalizer) Hash(raw string) string {
	return sha256.Sum([]byte(n.Normalize(raw)))
}

// Normalize walks the token stream once and re-serializes only the content
// bearing parts. Malformed markup is tolerated; the tokenizer recovers the
// same way browsers do.
func (n *Normalizer) Normalize(raw string) string {
	z := html.NewTokenizer(strings.NewReader(raw))
	var (
		out       strings.Builder
		skipTag   string
		skipDepth int
	)
	out.Grow(len(raw) / 2)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or a read error; either way the stream is done.
			return out.String()
		}

		if skipDepth > 0 {
			switch tt {
			case html.StartTagToken:
				if tn, _ := z.TagName(); string(tn) == skipTag {
					skipDepth++
				}
			case html.EndTagToken:
				if tn, _ := z.TagName(); string(tn) == skipTag {
					skipDepth--
				}
			}
			continue
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if _, skip := skippedTags[tok.Data]; skip {
				if tt == html.StartTagToken {
					skipTag = tok.Data
					skipDepth = 1
				}
				continue
			}
			n.writeTag(&out, tok, tt == html.SelfClosingTagToken)
		case html.EndTagToken:
			tn, _ := z.TagName()
			if _, skip := skippedTags[string(tn)]; skip {
				continue
			}
			out.WriteString("</")
			out.Write(tn)
			out.WriteByte('>')
		case html.TextToken:
			text := collapse(string(z.Text()))
			if text != "" {
				out.WriteString(html.EscapeString(text))
			}
		case html.CommentToken, html.DoctypeToken:
			// dropped
		}
	}
}

func (n *Normalizer) writeTag(out *strings.Builder, tok html.Token, selfClosing bool) {
	attrs := make([]html.Attribute, 0, len(tok.Attr))
	for _, attr := range tok.Attr {
		key := strings.ToLower(attr.Key)
		if n.isVolatile(key) {
			continue
		}
		val := strings.TrimSpace(attr.Val)
		if _, isURL := urlAttrs[key]; isURL {
			val = n.StripTrackingParams(val)
		}
		attrs = append(attrs, html.Attribute{Key: key, Val: val})
	}
	sort.Slice(attrs, func(i, j int) bool {
		if attrs[i].Key == attrs[j].Key {
			return attrs[i].Val < attrs[j].Val
		}
		return attrs[i].Key < attrs[j].Key
	})

	out.WriteByte('<')
	out.WriteString(tok.Data)
	for _, attr := range attrs {
		out.WriteByte(' ')
		out.WriteString(attr.Key)
		out.WriteString(`="`)
		out.WriteString(html.EscapeString(attr.Val))
		out.WriteByte('"')
	}
	if selfClosing {
		out.WriteString("/>")
		return
	}
	out.WriteByte('>')
}

func (n *Normalizer) isVolatile(key string) bool {
	if _, ok := n.volatile[key]; ok {
		return true
	}
	for _, prefix := range n.volatilePrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (n *Normalizer) isTracking(key string) bool {
	key = strings.ToLower(key)
	if _, ok := n.tracking[key]; ok {
		return true
	}
	for _, prefix := range n.trackingPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// StripTrackingParams removes tracking query parameters from raw. Values that
// do not parse as URLs, or carry no tracking parameters, are returned as-is.
func (n *Normalizer) StripTrackingParams(raw string) string {
	if !strings.Contains(raw, "?") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	query := u.Query()
	removed := false
	for key := range query {
		if n.isTracking(key) {
			query.Del(key)
			removed = true
		}
	}
	if !removed {
		return raw
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func collapse(text string) string {
	return strings.Join(strings.Fields(zeroWidth.Replace(text)), " ")
}
