package db

import (
	"context"
	"fmt"
	"time"

	"github.com/didi/gendry/builder"
)

const hashCacheTableName = "file_hash_cache_tab"

const upsertHashCacheSQL = `INSERT INTO file_hash_cache_tab (location, file_size, file_modtime, sha1, crc32, create_time)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(location) DO UPDATE SET
	file_size = excluded.file_size,
	file_modtime = excluded.file_modtime,
	sha1 = excluded.sha1,
	crc32 = excluded.crc32`

// FileHash is the pair of digests kept per file.
type FileHash struct {
	SHA1  string
	CRC32 string
}

// HashCacheDAO remembers digests so unchanged files are not hashed again.
type HashCacheDAO struct {
	store *Store
}

func NewHashCacheDAO(store *Store) *HashCacheDAO {
	return &HashCacheDAO{store: store}
}

// Lookup returns a cached hash for the location when the file modification time and size match.
func (dao *HashCacheDAO) Lookup(ctx context.Context, location string, modTime, size int64) (FileHash, bool, error) {
	where := map[string]interface{}{"location": location, "_limit": []uint{0, 1}}
	sqlStr, args, err := builder.BuildSelect(hashCacheTableName, where, []string{"sha1", "crc32", "file_modtime", "file_size"})
	if err != nil {
		return FileHash{}, false, err
	}
	rows, err := dao.store.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return FileHash{}, false, fmt.Errorf("query hash cache: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return FileHash{}, false, rows.Err()
	}
	var h FileHash
	var cachedMod, cachedSize int64
	if err := rows.Scan(&h.SHA1, &h.CRC32, &cachedMod, &cachedSize); err != nil {
		return FileHash{}, false, fmt.Errorf("scan hash cache: %w", err)
	}
	if cachedMod != modTime || cachedSize != size {
		return FileHash{}, false, nil
	}
	return h, true, nil
}

// Upsert stores or updates the cached hash for the provided location.
func (dao *HashCacheDAO) Upsert(ctx context.Context, location string, modTime, size int64, h FileHash) error {
	if _, err := dao.store.db.ExecContext(ctx, upsertHashCacheSQL, location, size, modTime, h.SHA1, h.CRC32, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert hash cache: %w", err)
	}
	return nil
}

// DeleteByLocations drops cache rows for files that no longer exist.
func (dao *HashCacheDAO) DeleteByLocations(ctx context.Context, locations []string) error {
	if len(locations) == 0 {
		return nil
	}
	return dao.store.OnTransaction(ctx, func(ctx context.Context, tx IQueryExecer) error {
		for _, batch := range chunk(locations, pruneBatchSize) {
			sqlStr, args, err := builder.BuildDelete(hashCacheTableName, map[string]interface{}{"location in": batch})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("delete hash cache entries: %w", err)
			}
		}
		return nil
	})
}

// ListLocations returns every cached location.
func (dao *HashCacheDAO) ListLocations(ctx context.Context) ([]string, error) {
	sqlStr, args, err := builder.BuildSelect(hashCacheTableName, map[string]interface{}{"_orderby": "location"}, []string{"location"})
	if err != nil {
		return nil, err
	}
	rows, err := dao.store.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list hash cache: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}
