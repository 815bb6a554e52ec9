package crawler

import (
	"net/http"
	"time"
)

// PageCategory buckets tracked pages by how often their content moves.
type PageCategory string

// Supported page categories.
const (
	CategoryHomepage PageCategory = "homepage"
	CategoryOffers   PageCategory = "offers"
	CategoryCatalog  PageCategory = "catalog"
	CategoryNews     PageCategory = "news"
	CategorySitemap  PageCategory = "sitemap"
	CategoryOther    PageCategory = "other"
)

// PageStatus represents the lifecycle state of a tracked page.
type PageStatus string

// Page status values persisted in the page store.
const (
	PageStatusActive  PageStatus = "active"
	PageStatusError   PageStatus = "error"
	PageStatusBlocked PageStatus = "blocked"
	PageStatusRemoved PageStatus = "removed"
)

// TrackedPage is one monitored URL and the scheduling state attached to it.
type TrackedPage struct {
	ID                       string       `json:"id"`
	URL                      string       `json:"url"`
	SiteID                   string       `json:"site_id"`
	Category                 PageCategory `json:"page_category"`
	LastContentHash          string       `json:"last_content_hash,omitempty"`
	LastRenderedHash         string       `json:"last_rendered_hash,omitempty"`
	LastCheckedAt            *time.Time   `json:"last_checked_at,omitempty"`
	LastRenderedAt           *time.Time   `json:"last_rendered_at,omitempty"`
	LastChangedAt            *time.Time   `json:"last_changed_at,omitempty"`
	ConsecutiveNoChangeCount int          `json:"consecutive_no_change_count"`
	Status                   PageStatus   `json:"status"`
	LastError                string       `json:"last_error,omitempty"`
	LastErrorAt              *time.Time   `json:"last_error_at,omitempty"`
}

// Schedulable reports whether the page should still be considered by the
// scheduler. Operators park pages by moving them to blocked or removed.
func (p TrackedPage) Schedulable() bool {
	return p.Status != PageStatusBlocked && p.Status != PageStatusRemoved
}

// NetworkExchange is one request/response pair captured during a render.
type NetworkExchange struct {
	URL         string `json:"url"`
	Method      string `json:"method"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	// BodyText is nil for opaque or cross-origin responses.
	BodyText         *string `json:"body_text,omitempty"`
	BodySizeBytes    int64   `json:"body_size_bytes"`
	CapturedAtMillis int64   `json:"captured_at_millis"`
}

// DataType labels what kind of data an API endpoint appears to serve.
type DataType string

// Supported data type labels.
const (
	DataTypeProducts  DataType = "products"
	DataTypeOffers    DataType = "offers"
	DataTypeInventory DataType = "inventory"
	DataTypePricing   DataType = "pricing"
	DataTypeConfig    DataType = "config"
	DataTypeOther     DataType = "other"
	DataTypeNone      DataType = "none"
)

// APICandidate is the classifier verdict for one captured exchange.
type APICandidate struct {
	URL              string   `json:"url"`
	Method           string   `json:"method"`
	IsJSON           bool     `json:"is_json"`
	LooksLikeDataAPI bool     `json:"looks_like_data_api"`
	DataType         DataType `json:"data_type"`
	Confidence       float64  `json:"confidence"`
	// Body is handed to the extraction engine and never persisted.
	Body string `json:"-"`
}

// FetchRequest captures everything needed for a cheap check or a render.
type FetchRequest struct {
	PageID  string
	SiteID  string
	URL     string
	Headers http.Header
}

// FetchResponse is the result of a cheap check.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// RobotsFallback is set when robots.txt could not be read and the fetch
	// went ahead as allow-all.
	RobotsFallback string
}

// RenderResponse is the result of a full render with network capture.
type RenderResponse struct {
	URL       string
	HTML      string
	Exchanges []NetworkExchange
	Duration  time.Duration
}

// PageContent is the HTML handed to the extraction engine.
type PageContent struct {
	SiteID   string
	URL      string
	Category PageCategory
	HTML     string
}

// QueueItem wraps a tracked page ready to be processed by a worker.
type QueueItem struct {
	Page      TrackedPage
	Attempt   int
	Submitted int64
}

// Usage reports month-to-date render counts for a site and across all sites.
type Usage struct {
	Site   int `json:"site"`
	Global int `json:"global"`
}

// Reservation is the result of an atomic budget reservation.
type Reservation struct {
	Allowed bool
	// Reason is set when Allowed is false.
	Reason string
	Usage  Usage
}
