package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/didi/gendry/builder"
)

const localFileTableName = "local_files"

// Origin says which path produced a local file record. Only OriginDownload
// may set downloaded_at.
type Origin int

const (
	OriginScan Origin = iota
	OriginDownload
)

const upsertLocalFileSQL = `INSERT INTO local_files (local_path, system, filename, catalog_id, size, sha1, crc32, mod_time, downloaded_at, verified_at, updated_at)
VALUES (?, ?, ?, COALESCE(?, (SELECT id FROM remote_catalog WHERE system = ? AND filename = ? ORDER BY id LIMIT 1)), ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(local_path) DO UPDATE SET
	system = excluded.system,
	filename = excluded.filename,
	catalog_id = COALESCE(excluded.catalog_id, local_files.catalog_id),
	size = excluded.size,
	mod_time = excluded.mod_time,
	downloaded_at = COALESCE(excluded.downloaded_at, local_files.downloaded_at),
	verified_at = COALESCE(excluded.verified_at, local_files.verified_at),
	updated_at = excluded.updated_at,
	%s`

// a fresh download invalidates any earlier hash; a scan only fills them in
const (
	downloadHashClause = `sha1 = excluded.sha1, crc32 = excluded.crc32`
	scanHashClause     = `sha1 = CASE WHEN excluded.sha1 != '' THEN excluded.sha1 ELSE local_files.sha1 END,
	crc32 = CASE WHEN excluded.crc32 != '' THEN excluded.crc32 ELSE local_files.crc32 END`
)

var localFileFields = []string{"id", "local_path", "system", "filename", "catalog_id", "size", "sha1", "crc32", "mod_time", "downloaded_at", "verified_at"}

// LocalFile is one file on disk.
type LocalFile struct {
	ID        int64  `json:"id"`
	LocalPath string `json:"local_path"`
	System    string `json:"system"`
	Filename  string `json:"filename"`
	// CatalogID is 0 when unknown; the upsert then links by (system, filename).
	CatalogID    int64  `json:"catalog_id"`
	Size         int64  `json:"size"`
	SHA1         string `json:"sha1"`
	CRC32        string `json:"crc32"`
	ModTime      int64  `json:"mod_time"`
	DownloadedAt int64  `json:"downloaded_at"`
	VerifiedAt   int64  `json:"verified_at"`
}

// LocalFileDAO reads and writes local_files.
type LocalFileDAO struct {
	store *Store
}

func NewLocalFileDAO(store *Store) *LocalFileDAO {
	return &LocalFileDAO{store: store}
}

// Upsert writes one record keyed by local path.
func (dao *LocalFileDAO) Upsert(ctx context.Context, f LocalFile, origin Origin) error {
	return upsertLocalFile(ctx, dao.store.db, f, origin, time.Now().Unix())
}

// UpsertBatch writes every record in one transaction.
func (dao *LocalFileDAO) UpsertBatch(ctx context.Context, files []LocalFile, origin Origin) error {
	if len(files) == 0 {
		return nil
	}
	now := time.Now().Unix()
	return dao.store.OnTransaction(ctx, func(ctx context.Context, tx IQueryExecer) error {
		for _, f := range files {
			if err := upsertLocalFile(ctx, tx, f, origin, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertLocalFile(ctx context.Context, q IQueryExecer, f LocalFile, origin Origin, now int64) error {
	if f.LocalPath == "" {
		return errors.New("local file path must be set")
	}
	var downloadedAt interface{}
	clause := scanHashClause
	if origin == OriginDownload {
		clause = downloadHashClause
		downloadedAt = f.DownloadedAt
		if f.DownloadedAt == 0 {
			downloadedAt = now
		}
	}
	query := fmt.Sprintf(upsertLocalFileSQL, clause)
	if _, err := q.ExecContext(ctx, query,
		filepath.Clean(f.LocalPath), f.System, f.Filename,
		nullInt(f.CatalogID), f.System, f.Filename,
		f.Size, f.SHA1, f.CRC32, f.ModTime, downloadedAt, nullInt(f.VerifiedAt), now,
	); err != nil {
		return fmt.Errorf("upsert local file %s: %w", f.LocalPath, err)
	}
	return nil
}

// GetByPath returns the record for path, nil when absent.
func (dao *LocalFileDAO) GetByPath(ctx context.Context, path string) (*LocalFile, error) {
	sqlStr, args, err := builder.BuildSelect(localFileTableName, map[string]interface{}{"local_path": filepath.Clean(path)}, localFileFields)
	if err != nil {
		return nil, err
	}
	rows, err := dao.store.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query local file %s: %w", path, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	f, err := scanLocalFile(rows)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListUnder returns every record whose path lies under root.
func (dao *LocalFileDAO) ListUnder(ctx context.Context, root string) ([]LocalFile, error) {
	prefix := underPrefix(root)
	query := fmt.Sprintf("SELECT %s FROM local_files WHERE substr(local_path, 1, ?) = ? ORDER BY local_path", strings.Join(localFileFields, ", "))
	rows, err := dao.store.db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list local files under %s: %w", root, err)
	}
	defer rows.Close()
	var out []LocalFile
	for rows.Next() {
		f, err := scanLocalFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PruneUnder deletes records under root whose path is not in keep. Deletes
// run in batches of pruneBatchSize inside one transaction. Rows outside root
// are never touched.
func (dao *LocalFileDAO) PruneUnder(ctx context.Context, root string, keep map[string]struct{}) (int, error) {
	existing, err := dao.ListUnder(ctx, root)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, f := range existing {
		if _, ok := keep[f.LocalPath]; !ok {
			stale = append(stale, f.LocalPath)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = dao.store.OnTransaction(ctx, func(ctx context.Context, tx IQueryExecer) error {
		for _, paths := range chunk(stale, pruneBatchSize) {
			sqlStr, args, err := builder.BuildDelete(localFileTableName, map[string]interface{}{"local_path in": paths})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("prune local files under %s: %w", root, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// CountBySystem returns how many local records belong to system.
func (dao *LocalFileDAO) CountBySystem(ctx context.Context, system string) (int, error) {
	var n int
	if err := dao.store.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM local_files WHERE system = ?", system).Scan(&n); err != nil {
		return 0, fmt.Errorf("count local files %s: %w", system, err)
	}
	return n, nil
}

func underPrefix(root string) string {
	root = filepath.Clean(root)
	if strings.HasSuffix(root, string(filepath.Separator)) {
		return root
	}
	return root + string(filepath.Separator)
}

func scanLocalFile(rows *sql.Rows) (LocalFile, error) {
	var (
		f                        LocalFile
		catalogID                sql.NullInt64
		downloadedAt, verifiedAt sql.NullInt64
	)
	if err := rows.Scan(&f.ID, &f.LocalPath, &f.System, &f.Filename, &catalogID, &f.Size,
		&f.SHA1, &f.CRC32, &f.ModTime, &downloadedAt, &verifiedAt); err != nil {
		return f, err
	}
	f.CatalogID = catalogID.Int64
	f.DownloadedAt = downloadedAt.Int64
	f.VerifiedAt = verifiedAt.Int64
	return f, nil
}

// FetchPage returns up to limit records with id greater than lastID, ordered by id.
func (dao *LocalFileDAO) FetchPage(ctx context.Context, lastID int64, limit uint) ([]LocalFile, error) {
	where := map[string]interface{}{
		"id >":     lastID,
		"_orderby": "id asc",
		"_limit":   []uint{0, limit},
	}
	sqlStr, args, err := builder.BuildSelect(localFileTableName, where, localFileFields)
	if err != nil {
		return nil, err
	}
	rows, err := dao.store.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch local file page: %w", err)
	}
	defer rows.Close()
	var out []LocalFile
	for rows.Next() {
		f, err := scanLocalFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteByPaths removes the records for paths in one transaction.
func (dao *LocalFileDAO) DeleteByPaths(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return dao.store.OnTransaction(ctx, func(ctx context.Context, tx IQueryExecer) error {
		for _, batch := range chunk(paths, pruneBatchSize) {
			sqlStr, args, err := builder.BuildDelete(localFileTableName, map[string]interface{}{"local_path in": batch})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("delete local files: %w", err)
			}
		}
		return nil
	})
}

// MarkVerified stores fresh digests for path and stamps verified_at.
func (dao *LocalFileDAO) MarkVerified(ctx context.Context, path, sha1, crc32 string, at int64) error {
	sqlStr, args, err := builder.BuildUpdate(localFileTableName,
		map[string]interface{}{"local_path": filepath.Clean(path)},
		map[string]interface{}{"sha1": sha1, "crc32": crc32, "verified_at": at, "updated_at": time.Now().Unix()})
	if err != nil {
		return err
	}
	if _, err := dao.store.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("mark local file verified %s: %w", path, err)
	}
	return nil
}
