package download

import (
	"os"
	"path/filepath"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/db"
	"github.com/xxxsen/romfetch/internal/extract"
	"github.com/xxxsen/romfetch/internal/listing"
)

// plan splits the surviving entries into what to fetch and what to skip.
type plan struct {
	download []listing.Entry
	skipped  int
	// refresh holds skipped entries whose catalog row is missing or stale.
	refresh []listing.Entry
	byName  map[string]listing.Entry
}

// decide applies the download rules to every entry:
//
//   - nothing local (no file and no extracted sibling): download.
//   - local file present, no update requested: skip.
//   - local file present, update requested: download again when the remote
//     size differs from the local size or from the recorded catalog size, or
//     when the remote timestamp differs from the recorded one.
func decide(sys config.SystemConfig, entries []listing.Entry, catalog map[string]db.CatalogEntry, update bool) plan {
	p := plan{byName: make(map[string]listing.Entry, len(entries))}
	for _, e := range entries {
		p.byName[e.Filename] = e
		row, known := catalog[e.Filename]
		st, err := os.Stat(filepath.Join(sys.DestDir, e.Filename))
		switch {
		case err == nil && !st.IsDir():
			if update && changed(e, st.Size(), row, known) {
				p.download = append(p.download, e)
				continue
			}
		case sys.Archive && extract.IsArchive(e.Filename) && extract.HasExtractedSibling(sys.DestDir, e.Filename):
		default:
			p.download = append(p.download, e)
			continue
		}
		p.skipped++
		if metadataMoved(e, row, known) {
			p.refresh = append(p.refresh, e)
		}
	}
	return p
}

func changed(e listing.Entry, localSize int64, row db.CatalogEntry, known bool) bool {
	if e.SizeExact && e.Size != localSize {
		return true
	}
	if !known {
		return false
	}
	if e.SizeExact && row.SizeExact && e.Size != row.Size {
		return true
	}
	remote := listing.NormalizeTime(e.LastModified)
	recorded := listing.NormalizeTime(row.LastModified)
	return remote != "" && recorded != "" && remote != recorded
}

func metadataMoved(e listing.Entry, row db.CatalogEntry, known bool) bool {
	if !known {
		return true
	}
	return e.Size != row.Size ||
		e.SizeExact != row.SizeExact ||
		listing.NormalizeTime(e.LastModified) != listing.NormalizeTime(row.LastModified)
}
