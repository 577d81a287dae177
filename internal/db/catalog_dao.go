package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/romfetch/internal/listing"
	"github.com/xxxsen/romfetch/internal/romname"
)

const (
	catalogTableName  = "remote_catalog"
	metadataTableName = "rom_metadata"

	pruneBatchSize = 500
)

const (
	upsertCatalogSQL = `INSERT INTO remote_catalog (system, source, filename, size, size_exact, last_modified, last_synced_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(system, source, filename) DO UPDATE SET
	size = excluded.size,
	size_exact = excluded.size_exact,
	last_modified = excluded.last_modified,
	last_synced_at = excluded.last_synced_at
RETURNING id`

	upsertMetadataSQL = `INSERT INTO rom_metadata (catalog_id, title, regions, languages, revision, disc, prerelease, unlicensed, hack, homebrew)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(catalog_id) DO UPDATE SET
	title = excluded.title,
	regions = excluded.regions,
	languages = excluded.languages,
	revision = excluded.revision,
	disc = excluded.disc,
	prerelease = excluded.prerelease,
	unlicensed = excluded.unlicensed,
	hack = excluded.hack,
	homebrew = excluded.homebrew`

	findCatalogIDSQL = `SELECT id FROM remote_catalog WHERE system = ? AND filename = ? ORDER BY id LIMIT 1`
	countCatalogSQL  = `SELECT COUNT(1) FROM remote_catalog WHERE system = ? AND source = ?`
)

// CatalogEntry is one remote file as last seen by a sync.
type CatalogEntry struct {
	ID           int64  `json:"id"`
	System       string `json:"system"`
	Source       string `json:"source"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	SizeExact    bool   `json:"size_exact"`
	LastModified string `json:"last_modified"`
	LastSyncedAt int64  `json:"last_synced_at"`
}

// RomMetadata is derived from a catalog filename.
type RomMetadata struct {
	CatalogID  int64    `json:"catalog_id"`
	Title      string   `json:"title"`
	Regions    []string `json:"regions"`
	Languages  []string `json:"languages"`
	Revision   string   `json:"revision"`
	Disc       string   `json:"disc"`
	Prerelease bool     `json:"prerelease"`
	Unlicensed bool     `json:"unlicensed"`
	Hack       bool     `json:"hack"`
	Homebrew   bool     `json:"homebrew"`
}

// MetadataFromName maps a classified filename to its stored form.
func MetadataFromName(n romname.Name) RomMetadata {
	m := RomMetadata{
		Title:      n.Title,
		Regions:    n.Regions,
		Languages:  n.Languages,
		Disc:       n.DiscKey(),
		Prerelease: n.Flags.Prerelease,
		Unlicensed: n.Flags.Unlicensed,
		Hack:       n.Flags.Hack,
		Homebrew:   n.Flags.Homebrew,
	}
	if n.Version != nil {
		m.Revision = n.Version.Raw
	}
	return m
}

// CatalogDAO reads and writes remote_catalog and rom_metadata.
type CatalogDAO struct {
	store *Store
}

func NewCatalogDAO(store *Store) *CatalogDAO {
	return &CatalogDAO{store: store}
}

// UpsertEntries writes entries and their derived metadata for one
// (system, source) in a single transaction and returns the number written.
func (dao *CatalogDAO) UpsertEntries(ctx context.Context, system, source string, entries []listing.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().Unix()
	err := dao.store.OnTransaction(ctx, func(ctx context.Context, tx IQueryExecer) error {
		for _, e := range entries {
			var id int64
			row := tx.QueryRowContext(ctx, upsertCatalogSQL, system, source, e.Filename, e.Size, boolInt(e.SizeExact), e.LastModified, now)
			if err := row.Scan(&id); err != nil {
				return fmt.Errorf("upsert catalog %s/%s: %w", system, e.Filename, err)
			}
			m := MetadataFromName(romname.Classify(e.Filename))
			if _, err := tx.ExecContext(ctx, upsertMetadataSQL, id, m.Title,
				strings.Join(m.Regions, ","), strings.Join(m.Languages, ","), m.Revision, m.Disc,
				boolInt(m.Prerelease), boolInt(m.Unlicensed), boolInt(m.Hack), boolInt(m.Homebrew)); err != nil {
				return fmt.Errorf("upsert metadata %s/%s: %w", system, e.Filename, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// PruneMissing deletes rows of (system, source) whose filename is not in
// keep. Metadata goes with them through the cascade.
func (dao *CatalogDAO) PruneMissing(ctx context.Context, system, source string, keep []string) (int, error) {
	existing, err := dao.ListBySystem(ctx, system, source)
	if err != nil {
		return 0, err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	var stale []int64
	for name, e := range existing {
		if _, ok := keepSet[name]; !ok {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = dao.store.OnTransaction(ctx, func(ctx context.Context, tx IQueryExecer) error {
		for _, ids := range chunk(stale, pruneBatchSize) {
			sqlStr, args, err := builder.BuildDelete(catalogTableName, map[string]interface{}{"id in": ids})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("prune catalog %s: %w", system, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// ListBySystem returns the rows of (system, source) keyed by filename.
func (dao *CatalogDAO) ListBySystem(ctx context.Context, system, source string) (map[string]CatalogEntry, error) {
	where := map[string]interface{}{"system": system, "source": source}
	fields := []string{"id", "system", "source", "filename", "size", "size_exact", "last_modified", "last_synced_at"}
	sqlStr, args, err := builder.BuildSelect(catalogTableName, where, fields)
	if err != nil {
		return nil, err
	}
	rows, err := dao.store.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list catalog %s/%s: %w", system, source, err)
	}
	defer rows.Close()

	out := make(map[string]CatalogEntry)
	for rows.Next() {
		var (
			e     CatalogEntry
			exact int
		)
		if err := rows.Scan(&e.ID, &e.System, &e.Source, &e.Filename, &e.Size, &exact, &e.LastModified, &e.LastSyncedAt); err != nil {
			return nil, err
		}
		e.SizeExact = exact != 0
		out[e.Filename] = e
	}
	return out, rows.Err()
}

// FindID resolves (system, filename) to a catalog id across sources.
func (dao *CatalogDAO) FindID(ctx context.Context, system, filename string) (int64, bool, error) {
	var id int64
	err := dao.store.db.QueryRowContext(ctx, findCatalogIDSQL, system, filename).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find catalog id %s/%s: %w", system, filename, err)
	}
	return id, true, nil
}

// Count returns the number of rows for (system, source).
func (dao *CatalogDAO) Count(ctx context.Context, system, source string) (int, error) {
	var n int
	if err := dao.store.db.QueryRowContext(ctx, countCatalogSQL, system, source).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog %s/%s: %w", system, source, err)
	}
	return n, nil
}

// Metadata returns the derived row for a catalog id, nil when absent.
func (dao *CatalogDAO) Metadata(ctx context.Context, catalogID int64) (*RomMetadata, error) {
	fields := []string{"catalog_id", "title", "regions", "languages", "revision", "disc", "prerelease", "unlicensed", "hack", "homebrew"}
	sqlStr, args, err := builder.BuildSelect(metadataTableName, map[string]interface{}{"catalog_id": catalogID}, fields)
	if err != nil {
		return nil, err
	}
	var m RomMetadata
	var regions, languages string
	var pre, unl, hack, homebr int
	err = dao.store.db.QueryRowContext(ctx, sqlStr, args...).Scan(&m.CatalogID, &m.Title, &regions, &languages,
		&m.Revision, &m.Disc, &pre, &unl, &hack, &homebr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata %d: %w", catalogID, err)
	}
	m.Regions = splitList(regions)
	m.Languages = splitList(languages)
	m.Prerelease, m.Unlicensed, m.Hack, m.Homebrew = pre != 0, unl != 0, hack != 0, homebr != 0
	return &m, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
