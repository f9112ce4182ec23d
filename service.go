package objcache

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skipor/objcache/cache"
	"github.com/skipor/objcache/log"
	"github.com/skipor/objcache/store"
)

const adminShutdownTimeout = 5 * time.Second

// Service is objcache server: protocol listener, admin API and cache over store.
type Service struct {
	log   log.Logger
	store store.Store
	cache *cache.Cache
	coll  *Collection

	server  *Server
	ln      net.Listener
	admin   *http.Server
	adminLn net.Listener
}

// NewService opens store and binds listeners. Nothing is served until Run.
func NewService(ctx context.Context, l log.Logger, conf Config) (s *Service, err error) {
	s = &Service{log: l}
	s.store, err = store.Open(ctx, l, conf.Store)
	if err != nil {
		return nil, stackerr.Newf("store open: %v", err)
	}
	defer func() {
		if err != nil {
			s.closeListeners()
			s.store.Close()
		}
	}()
	s.ln, err = net.Listen("tcp", conf.Addr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	s.cache = cache.New(l, conf.Cache)
	s.coll = NewCollection(l, s.cache, s.store, conf.StoreTimeout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCacheCollector(s.cache),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.server = &Server{
		Log: l,
		ConnMeta: ConnMeta{
			Handler:     InstrumentedHandler{Handler: s.coll, Metrics: NewMetrics(reg)},
			MaxItemSize: int(conf.MaxItemSize),
		},
	}
	if conf.AdminAddr != "" {
		s.adminLn, err = net.Listen("tcp", conf.AdminAddr)
		if err != nil {
			s.cache.Close()
			return nil, stackerr.Wrap(err)
		}
		s.admin = &http.Server{Handler: NewAdminHandler(l, s.coll, reg)}
	}
	return s, nil
}

func (s *Service) Addr() net.Addr { return s.ln.Addr() }

// AdminAddr returns nil, if admin API is off.
func (s *Service) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

func (s *Service) Collection() *Collection { return s.coll }

// Run serves until ctx is done or some server fails.
// Then servers are stopped, dirty documents are written, and store is closed.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Infof("Serve on %s.", s.ln.Addr())
		err := s.server.Serve(s.ln)
		if err == ErrServerClosed {
			return nil
		}
		return stackerr.Wrap(err)
	})
	if s.admin != nil {
		g.Go(func() error {
			s.log.Infof("Admin API on %s.", s.adminLn.Addr())
			err := s.admin.Serve(s.adminLn)
			if err == http.ErrServerClosed {
				return nil
			}
			return stackerr.Wrap(err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down.")
		s.server.Close()
		if s.admin != nil {
			sctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			if err := s.admin.Shutdown(sctx); err != nil {
				s.log.Warnf("Admin API shutdown: %v", err)
			}
		}
		return nil
	})
	err := g.Wait()
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Service) close() error {
	st := s.cache.Stats()
	s.log.Infof("Writing %v dirty documents.", st.Dirty)
	s.cache.Flush()
	s.cache.Close()
	s.cache.PrintStatus()
	return stackerr.Wrap(s.store.Close())
}

func (s *Service) closeListeners() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.adminLn != nil {
		s.adminLn.Close()
	}
}
