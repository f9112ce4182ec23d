package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/skipor/objcache"
	"github.com/skipor/objcache/cmd/objcache/config"
	"github.com/skipor/objcache/internal/tag"
	"github.com/skipor/objcache/log"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Config file format is chosen by extension: .json, .yaml, .yml or .toml.
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	conf := parseConfig()
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large perfomance overhead.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := objcache.NewService(ctx, l, conf)
	if err != nil {
		l.Fatal("Init error: ", err)
	}
	if err := s.Run(ctx); err != nil {
		l.Fatal("Serve error: ", err)
	}
	l.Info("Bye.")
}

// parseConfig parses command flags, reads config file if any, returns merged config.
func parseConfig() objcache.Config {
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	flg := parseFlags()
	fileConf := config.Default()
	if flg.ConfigPath != "" {
		err := config.Load(flg.ConfigPath, fileConf)
		if err != nil {
			l.Fatal("Config read error: ", err)
		}
	}
	config.Merge(fileConf, &flg.Config)
	conf, err := config.Parse(*fileConf)
	if err != nil {
		l.Fatal("Config parse error: ", err)
	}
	return conf
}

type Flags struct {
	ConfigPath string
	config.Config
}

func parseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json, yaml or toml config")

	def := config.Default()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	flag.StringVar(&f.Host, "host", "", usage("host address to bind", def.Host))
	flag.IntVar(&f.Port, "port", 0, usage("port num", def.Port))
	flag.StringVar(&f.AdminAddr, "admin-addr", "", usage("admin HTTP API address, off if empty", def.AdminAddr))
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.StringVar(&f.MaxItemSize, "max-item-size", "", usage("max item size: 10m, 1024k", def.MaxItemSize))
	flag.DurationVar(&f.StoreTimeout, "store-timeout", 0, usage("store operation timeout", def.StoreTimeout))

	flag.Int64Var(&f.Cache.Maximum, "cache-maximum", 0, usage("resident documents limit", def.Cache.Maximum))
	flag.Func("cache-threads", usage("cache worker goroutines", *def.Cache.Threads), func(s string) error {
		n, err := strconv.Atoi(s)
		f.Cache.Threads = &n
		return err
	})
	flag.Func("write-immediately", usage("write dirty documents without memory pressure", *def.Cache.WriteImmediately), func(s string) error {
		b, err := strconv.ParseBool(s)
		f.Cache.WriteImmediately = &b
		return err
	})
	flag.IntVar(&f.Cache.LogLevel, "cache-loglevel", 0, usage("cache trace verbosity: 0, 1, 2", def.Cache.LogLevel))
	flag.Float64Var(&f.Cache.WriteRate, "write-rate", 0, usage("document writes per second limit, 0 is unlimited", def.Cache.WriteRate))

	flag.StringVar(&f.Store.Kind, "store", "", usage("store kind: memory, journal, sqlite, redis", def.Store.Kind))
	flag.StringVar(&f.Store.Path, "store-path", "", usage("journal or sqlite file path", def.Store.Path))
	flag.StringVar(&f.Store.URL, "store-url", "", usage("redis url", def.Store.URL))
	flag.StringVar(&f.Store.Prefix, "store-prefix", "", usage("redis key prefix", def.Store.Prefix))
	flag.StringVar(&f.Store.Compression, "compression", "", usage("stored data compression: none, zstd, lz4", def.Store.Compression))
	flag.Parse()
	return f
}
