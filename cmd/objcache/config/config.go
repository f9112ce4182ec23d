// Package config contains objcache command configuration: file formats, defaults and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/facebookgo/stackerr"
	"gopkg.in/yaml.v3"

	"github.com/skipor/objcache"
	"github.com/skipor/objcache/cache"
	"github.com/skipor/objcache/internal/util"
	"github.com/skipor/objcache/log"
	"github.com/skipor/objcache/store"
)

func Default() *Config {
	return &Config{
		Port:           11211,
		Host:           "",
		LogDestination: "stderr",
		LogLevel:       "info",
		MaxItemSize:    "1m",
		StoreTimeout:   10 * time.Second,
		Cache: CacheConfig{
			Maximum:          64 << 10,
			Threads:          newInt(1),
			WriteImmediately: newBool(true),
		},
		Store: store.DefaultConfig(),
	}
}

type Config struct {
	Port      int    `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
	Host      string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	AdminAddr string `json:"admin-addr,omitempty" yaml:"admin-addr,omitempty" toml:"admin-addr,omitempty"`
	// Stdout, stderr, or filepath.
	LogDestination string `json:"log-destination,omitempty" yaml:"log-destination,omitempty" toml:"log-destination,omitempty"`
	LogLevel       string `json:"log-level,omitempty" yaml:"log-level,omitempty" toml:"log-level,omitempty"`
	// Size values 10g, 128m, 1024k, 1000000b
	MaxItemSize  string        `json:"max-item-size,omitempty" yaml:"max-item-size,omitempty" toml:"max-item-size,omitempty"`
	StoreTimeout time.Duration `json:"store-timeout,omitempty" yaml:"store-timeout,omitempty" toml:"store-timeout,omitempty"`
	Cache        CacheConfig   `json:"cache,omitempty" yaml:"cache,omitempty" toml:"cache,omitempty"`
	Store        store.Config  `json:"store,omitempty" yaml:"store,omitempty" toml:"store,omitempty"`
}

// CacheConfig fields that have valid zero value are pointers, so unset and zero differ on merge.
type CacheConfig struct {
	// Maximum is resident documents limit.
	Maximum          int64   `json:"maximum,omitempty" yaml:"maximum,omitempty" toml:"maximum,omitempty"`
	Threads          *int    `json:"threads,omitempty" yaml:"threads,omitempty" toml:"threads,omitempty"`
	WriteImmediately *bool   `json:"write-immediately,omitempty" yaml:"write-immediately,omitempty" toml:"write-immediately,omitempty"`
	LogLevel         int     `json:"loglevel,omitempty" yaml:"loglevel,omitempty" toml:"loglevel,omitempty"`
	WriteRate        float64 `json:"write-rate,omitempty" yaml:"write-rate,omitempty" toml:"write-rate,omitempty"`
}

func Parse(conf Config) (oconf objcache.Config, err error) {
	oconf.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	oconf.MaxItemSize, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if oconf.MaxItemSize > objcache.MaxItemSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	oconf.LogLevel, err = log.LevelFromString(conf.LogLevel)
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	oconf.Cache, err = parseCache(conf.Cache)
	if err != nil {
		return
	}
	switch conf.Store.Kind {
	case store.KindJournal, store.KindSQLite:
		if conf.Store.Path == "" {
			err = stackerr.Newf("Store %s requires path.", conf.Store.Kind)
			return
		}
	case store.KindRedis:
		if conf.Store.URL == "" {
			err = stackerr.Newf("Store %s requires url.", conf.Store.Kind)
			return
		}
	}
	oconf.Store = conf.Store
	oconf.StoreTimeout = conf.StoreTimeout
	oconf.Addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	oconf.AdminAddr = conf.AdminAddr
	return
}

func parseCache(conf CacheConfig) (cconf cache.Config, err error) {
	cconf = cache.DefaultConfig()
	if conf.Maximum < 0 {
		err = stackerr.Newf("Cache maximum should not be negative.")
		return
	}
	if conf.Maximum > 0 {
		cconf.Maximum = conf.Maximum
	}
	if conf.Threads != nil {
		if *conf.Threads < 0 {
			err = stackerr.Newf("Cache threads should not be negative.")
			return
		}
		cconf.Threads = *conf.Threads
	}
	if conf.WriteImmediately != nil {
		cconf.WriteImmediately = *conf.WriteImmediately
	}
	cconf.LogLevel = conf.LogLevel
	cconf.WriteRate = conf.WriteRate
	return
}

// Load reads config file into conf. Format is chosen by file extension:
// .json, .yaml, .yml or .toml.
func Load(path string, conf *Config) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return stackerr.Wrap(err)
	}
	return Unmarshal(filepath.Ext(path), data, conf)
}

func Unmarshal(ext string, data []byte, conf *Config) (err error) {
	switch strings.ToLower(ext) {
	case ".json":
		err = json.Unmarshal(data, conf)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, conf)
	case ".toml":
		err = toml.Unmarshal(data, conf)
	default:
		err = fmt.Errorf("unknown config format %q", ext)
	}
	return stackerr.Wrap(err)
}

func Marshal(conf *Config) []byte {
	data, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

// Merge overwrites def values with non zero override values. Nested structs are merged recursively.
func Merge(def, override *Config) {
	merge(reflect.ValueOf(def).Elem(), reflect.ValueOf(override).Elem())
}

func merge(defVal, overrideVal reflect.Value) {
	for i, end := 0, defVal.NumField(); i < end; i++ {
		field := overrideVal.Field(i)
		if field.Kind() == reflect.Struct {
			merge(defVal.Field(i), field)
			continue
		}
		if !util.IsZeroVal(field) {
			defVal.Field(i).Set(field)
		}
	}
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0664)
	}
	return
}

func newInt(n int) *int    { return &n }
func newBool(b bool) *bool { return &b }
