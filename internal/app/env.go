package app

import (
	"fmt"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/db"
)

// Env carries the loaded configuration and the open catalog store to a
// runner. The CLI owns its lifecycle.
type Env struct {
	Config *config.Config
	Store  *db.Store

	Catalog *db.CatalogDAO
	Locals  *db.LocalFileDAO
	States  *db.SyncStateDAO
	Hashes  *db.HashCacheDAO
}

// OpenEnv opens the catalog named by cfg.
func OpenEnv(cfg *config.Config) (*Env, error) {
	store, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Env{
		Config:  cfg,
		Store:   store,
		Catalog: db.NewCatalogDAO(store),
		Locals:  db.NewLocalFileDAO(store),
		States:  db.NewSyncStateDAO(store),
		Hashes:  db.NewHashCacheDAO(store),
	}, nil
}

// Close releases the store.
func (e *Env) Close() error {
	if e == nil || e.Store == nil {
		return nil
	}
	return e.Store.Close()
}

// selectSystems returns the configured systems named by keys, all of them
// when keys is empty.
func (e *Env) selectSystems(keys []string) ([]config.SystemConfig, error) {
	if len(keys) == 0 {
		return e.Config.Systems, nil
	}
	out := make([]config.SystemConfig, 0, len(keys))
	for _, k := range keys {
		sys, ok := e.Config.System(k)
		if !ok {
			return nil, fmt.Errorf("unknown system %q", k)
		}
		out = append(out, sys)
	}
	return out, nil
}
