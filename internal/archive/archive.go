// Package archive stores rendered pages and their captured network exchanges
// in a blob store so extraction results can be audited and replayed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Record points at the artifacts written for one render.
type Record struct {
	HTMLURI      string `json:"html_uri"`
	ExchangesURI string `json:"exchanges_uri,omitempty"`
}

// Archiver writes render artifacts under <prefix>/<site>/<page>/<timestamp>/.
type Archiver struct {
	store  crawler.BlobStore
	clock  crawler.Clock
	prefix string
}

// New constructs an Archiver. prefix defaults to "renders".
func New(store crawler.BlobStore, clock crawler.Clock, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "renders"
	}
	return &Archiver{store: store, clock: clock, prefix: prefix}, nil
}

// Store writes the rendered HTML and, when any were captured, the exchanges
// as a JSON array.
func (a *Archiver) Store(ctx context.Context, page crawler.TrackedPage, render crawler.RenderResponse) (Record, error) {
	dir := a.dir(page)

	var rec Record
	uri, err := a.store.PutObject(ctx, path.Join(dir, "page.html"), "text/html; charset=utf-8", strings.NewReader(render.HTML))
	if err != nil {
		return Record{}, fmt.Errorf("archive html: %w", err)
	}
	rec.HTMLURI = uri

	if len(render.Exchanges) == 0 {
		return rec, nil
	}
	data, err := json.Marshal(render.Exchanges)
	if err != nil {
		return rec, fmt.Errorf("marshal exchanges: %w", err)
	}
	uri, err = a.store.PutObject(ctx, path.Join(dir, "exchanges.json"), "application/json", bytes.NewReader(data))
	if err != nil {
		return rec, fmt.Errorf("archive exchanges: %w", err)
	}
	rec.ExchangesURI = uri
	return rec, nil
}

func (a *Archiver) dir(page crawler.TrackedPage) string {
	site := safeSegment(page.SiteID, "unknown-site")
	id := safeSegment(page.ID, "unknown-page")
	return path.Join(a.prefix, site, id, a.clock.Now().UTC().Format("20060102T150405Z"))
}

func safeSegment(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}
