package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

const snapshotColumns = `entity_type, entity_id, site_id, page_url, title, content_hash, fields, removed, captured_at`

// SnapshotStore persists entity snapshots in Postgres, one row per (entity_type, entity_id).
type SnapshotStore struct {
	pool  Pool
	table string
}

var _ crawler.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore constructs a store from an existing pool.
func NewSnapshotStore(pool Pool, table string) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, DefaultSnapshotsTable)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: pool, table: table}, nil
}

// LoadSnapshot returns (nil, nil) for unseen entities. Rows whose fields
// cannot be decoded yield crawler.ErrSnapshotCorrupt.
func (s *SnapshotStore) LoadSnapshot(
	ctx context.Context,
	entityType crawler.RecordKind,
	entityID string,
) (*crawler.Snapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE entity_type = $1 AND entity_id = $2`, snapshotColumns, s.table)
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, string(entityType), entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// SaveSnapshot upserts snapshot.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot crawler.Snapshot) error {
	if snapshot.EntityType == "" || snapshot.EntityID == "" {
		return fmt.Errorf("snapshot entity type and id are required")
	}
	fields := snapshot.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal snapshot fields: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
	site_id = EXCLUDED.site_id,
	page_url = EXCLUDED.page_url,
	title = EXCLUDED.title,
	content_hash = EXCLUDED.content_hash,
	fields = EXCLUDED.fields,
	removed = EXCLUDED.removed,
	captured_at = EXCLUDED.captured_at`, s.table, snapshotColumns)

	args := []any{
		string(snapshot.EntityType),
		snapshot.EntityID,
		snapshot.SiteID,
		snapshot.PageURL,
		snapshot.Title,
		snapshot.ContentHash,
		fieldsJSON,
		snapshot.Removed,
		snapshot.CapturedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the snapshots of one kind seen on pageURL, removed ones included.
func (s *SnapshotStore) ListSnapshots(
	ctx context.Context,
	pageURL string,
	entityType crawler.RecordKind,
) ([]crawler.Snapshot, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE page_url = $1 AND entity_type = $2 ORDER BY title, entity_id`,
		snapshotColumns, s.table,
	)
	rows, err := s.pool.Query(ctx, query, pageURL, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []crawler.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (crawler.Snapshot, error) {
	var (
		snap       crawler.Snapshot
		entityType string
		fieldsJSON []byte
	)
	err := row.Scan(
		&entityType,
		&snap.EntityID,
		&snap.SiteID,
		&snap.PageURL,
		&snap.Title,
		&snap.ContentHash,
		&fieldsJSON,
		&snap.Removed,
		&snap.CapturedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Snapshot{}, err
		}
		return crawler.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.EntityType = crawler.RecordKind(entityType)
	if err := json.Unmarshal(fieldsJSON, &snap.Fields); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("%w: %s/%s: %w", crawler.ErrSnapshotCorrupt, entityType, snap.EntityID, err)
	}
	snap.CapturedAt = snap.CapturedAt.UTC()
	return snap, nil
}
