package localcache

import (
	"fmt"

	"github.com/aveer-dev/collabsync/internal/config"
	"github.com/aveer-dev/collabsync/internal/localstate"
	"github.com/aveer-dev/collabsync/internal/remote"
)

// Open builds a Cache from service configuration, backed by the sqlite
// store at localstate.DBPath. The sync interval comes from the
// COLLABSYNC_SYNC_INTERVAL setting; explicit options still win. Close
// also closes the database this opened.
func Open(store remote.Store, cfg *config.Config, opts ...Option) (*Cache, error) {
	path, err := localstate.DBPath()
	if err != nil {
		return nil, fmt.Errorf("localcache: resolve state path: %w", err)
	}
	kv, err := localstate.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("localcache: open state db: %w", err)
	}

	merged := make([]Option, 0, len(opts)+2)
	merged = append(merged, WithSyncInterval(cfg.SyncInterval))
	merged = append(merged, opts...)
	merged = append(merged, func(c *Cache) { c.ownedKV = kv })

	c, err := New(store, kv, merged...)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return c, nil
}
