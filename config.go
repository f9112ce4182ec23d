package objcache

import (
	"io"
	"time"

	"github.com/skipor/objcache/cache"
	"github.com/skipor/objcache/log"
	"github.com/skipor/objcache/store"
)

// Config is parsed service configuration.
type Config struct {
	Addr string
	// AdminAddr is admin HTTP API address. Empty means no admin API.
	AdminAddr      string
	LogDestination io.Writer
	LogLevel       log.Level
	MaxItemSize    int64
	// StoreTimeout limits single document load or write. Zero means no limit.
	StoreTimeout time.Duration
	Cache        cache.Config
	Store        store.Config
}
