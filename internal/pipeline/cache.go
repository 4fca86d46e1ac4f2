package pipeline

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const batchKey = "batch:latest"

// Cache is the last assembled Batch, held in memory (for the hot path —
// every wshub tick reads this, and so does GetCachedBatchData's maxAge
// check, spec.md §4.4) and also copied into an in-process buntdb store on
// every Set. Nothing in this package reads the buntdb copy back.
type Cache struct {
	mu   sync.RWMutex
	last Batch
	db   *buntdb.DB
	log  *logging.Logger
}

func newCache() *Cache {
	db, err := buntdb.Open(":memory:")
	log := logging.New("pipeline.cache")
	if err != nil {
		log.Errorf("opening in-process cache store: %v", err)
	}
	return &Cache{db: db, log: log}
}

// Set stores the latest batch, both as the fast in-memory snapshot and
// as a JSON blob in buntdb under the single key batchKey, overwritten on
// every call.
func (c *Cache) Set(b Batch) {
	c.mu.Lock()
	c.last = b
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	buf, err := json.Marshal(b)
	if err != nil {
		c.log.Warnf("marshal batch for cache: %v", err)
		return
	}
	if err := c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(batchKey, string(buf), nil)
		return err
	}); err != nil {
		c.log.Warnf("write batch to cache: %v", err)
	}
}

// Latest returns the most recent batch from the fast in-memory path.
func (c *Cache) Latest() Batch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// GetCachedBatchData returns the cached batch if it is no older than
// maxAge, and whether it was fresh enough to use.
func (c *Cache) GetCachedBatchData(maxAge time.Duration) (Batch, bool) {
	b := c.Latest()
	if b.Timestamp.IsZero() {
		return Batch{}, false
	}
	if time.Since(b.Timestamp) > maxAge {
		return Batch{}, false
	}
	return b, true
}
