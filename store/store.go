// Package store contains persistence backends of objcache documents.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/objcache/log"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
)

// Store is key value persistence. Implementations are safe for concurrent use.
type Store interface {
	// Load returns data saved for key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	// Delete removes key. Delete of missing key is not error.
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	KindMemory  = "memory"
	KindJournal = "journal"
	KindSQLite  = "sqlite"
	KindRedis   = "redis"
)

type Config struct {
	Kind string `json:"kind" yaml:"kind" toml:"kind"`
	// Path is file of journal or sqlite store.
	Path string `json:"path" yaml:"path" toml:"path"`
	// URL is redis connection url.
	URL    string `json:"url" yaml:"url" toml:"url"`
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix"`
	// Compression is one of none, zstd, lz4.
	Compression string `json:"compression" yaml:"compression" toml:"compression"`
	// SyncPeriod of journal. Less than aof.MinSyncPeriod means sync on every write.
	SyncPeriod time.Duration `json:"sync-period" yaml:"sync-period" toml:"sync-period"`
	// RotateSize is journal size after which it is compacted.
	RotateSize int64 `json:"rotate-size" yaml:"rotate-size" toml:"rotate-size"`
	// BufSize is journal write buffer size. Buffer is flushed on sync. Zero means no buffering.
	BufSize int `json:"buf-size" yaml:"buf-size" toml:"buf-size"`
}

func DefaultConfig() Config {
	return Config{
		Kind:        KindMemory,
		Compression: CompressionNone,
		SyncPeriod:  time.Second,
		RotateSize:  64 << 20,
	}
}

// Open creates store of configured kind.
func Open(ctx context.Context, l log.Logger, conf Config) (s Store, err error) {
	switch conf.Kind {
	case KindMemory, "":
		s = NewMemory()
	case KindJournal:
		s, err = OpenJournal(l, JournalConfig{
			Name:       conf.Path,
			SyncPeriod: conf.SyncPeriod,
			RotateSize: conf.RotateSize,
			BuffSize:   conf.BufSize,
		})
	case KindSQLite:
		s, err = OpenSQLite(ctx, conf.Path)
	case KindRedis:
		s, err = OpenRedis(ctx, conf.URL, conf.Prefix)
	default:
		err = errors.Errorf("unknown store kind %q", conf.Kind)
	}
	if err != nil {
		return nil, err
	}
	if conf.Compression == "" || conf.Compression == CompressionNone {
		return s, nil
	}
	codec, err := NewCodec(conf.Compression)
	if err != nil {
		s.Close()
		return nil, err
	}
	return NewCompressed(s, codec), nil
}
