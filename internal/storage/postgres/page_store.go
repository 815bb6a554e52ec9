package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

const pageColumns = `id, url, site_id, page_category, last_content_hash, last_rendered_hash,
	last_checked_at, last_rendered_at, last_changed_at, consecutive_no_change_count,
	status, last_error, last_error_at`

// PageStore persists tracked pages in Postgres.
type PageStore struct {
	pool  Pool
	table string
}

var _ crawler.PageStore = (*PageStore)(nil)

// NewPageStore constructs a store from an existing pool.
func NewPageStore(pool Pool, table string) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, DefaultPagesTable)
	if err != nil {
		return nil, err
	}
	return &PageStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ListPages returns every tracked page ordered by id.
func (s *PageStore) ListPages(ctx context.Context) ([]crawler.TrackedPage, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, pageColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []crawler.TrackedPage
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return pages, nil
}

// GetPage returns the page with id or crawler.ErrNotFound.
func (s *PageStore) GetPage(ctx context.Context, id string) (crawler.TrackedPage, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pageColumns, s.table)
	page, err := scanPage(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.TrackedPage{}, fmt.Errorf("page %s: %w", id, crawler.ErrNotFound)
		}
		return crawler.TrackedPage{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

// SavePage upserts page by id.
func (s *PageStore) SavePage(ctx context.Context, page crawler.TrackedPage) error {
	if page.ID == "" {
		return fmt.Errorf("page id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	site_id = EXCLUDED.site_id,
	page_category = EXCLUDED.page_category,
	last_content_hash = EXCLUDED.last_content_hash,
	last_rendered_hash = EXCLUDED.last_rendered_hash,
	last_checked_at = EXCLUDED.last_checked_at,
	last_rendered_at = EXCLUDED.last_rendered_at,
	last_changed_at = EXCLUDED.last_changed_at,
	consecutive_no_change_count = EXCLUDED.consecutive_no_change_count,
	status = EXCLUDED.status,
	last_error = EXCLUDED.last_error,
	last_error_at = EXCLUDED.last_error_at`, s.table, pageColumns)

	status := page.Status
	if status == "" {
		status = crawler.PageStatusActive
	}
	args := []any{
		page.ID,
		page.URL,
		page.SiteID,
		string(page.Category),
		page.LastContentHash,
		page.LastRenderedHash,
		page.LastCheckedAt,
		page.LastRenderedAt,
		page.LastChangedAt,
		page.ConsecutiveNoChangeCount,
		string(status),
		page.LastError,
		page.LastErrorAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

func scanPage(row pgx.Row) (crawler.TrackedPage, error) {
	var (
		page     crawler.TrackedPage
		category string
		status   string
	)
	err := row.Scan(
		&page.ID,
		&page.URL,
		&page.SiteID,
		&category,
		&page.LastContentHash,
		&page.LastRenderedHash,
		&page.LastCheckedAt,
		&page.LastRenderedAt,
		&page.LastChangedAt,
		&page.ConsecutiveNoChangeCount,
		&status,
		&page.LastError,
		&page.LastErrorAt,
	)
	if err != nil {
		return crawler.TrackedPage{}, err
	}
	page.Category = crawler.PageCategory(category)
	page.Status = crawler.PageStatus(status)
	return page, nil
}
