package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iTrooz/shellcache-proxy/internal/admin"
	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/iTrooz/shellcache-proxy/internal/config"
	"github.com/iTrooz/shellcache-proxy/internal/worker"

	"github.com/elazarl/goproxy"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server represents the caching proxy server
type Server struct {
	config  *config.Config
	proxy   *goproxy.ProxyHttpServer
	storage cache.Storage
	fetcher worker.Fetcher

	// the worker controlling requests, swapped on reload
	worker atomic.Pointer[worker.Worker]
	// set while a reloaded worker activates, closed once it controls requests
	handover atomic.Pointer[chan struct{}]
	// closed once Init has run the first worker lifecycle
	ready     chan struct{}
	readyOnce sync.Once

	reloadMu sync.Mutex
	// the last config a worker was activated for, guarded by reloadMu
	applied *config.Config
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	storage, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		proxy:   goproxy.NewProxyHttpServer(),
		storage: storage,
		fetcher: worker.NewHTTPFetcher(),
		ready:   make(chan struct{}),
		applied: cfg,
	}
	s.proxy.CertStore = newCertStore()

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}
	s.proxy.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

func newStorage(cfg *config.Config) (cache.Storage, error) {
	switch cfg.Cache.Backend {
	case config.BackendDisk:
		return cache.NewDisk(cfg.Cache.Folder), nil
	case config.BackendMemory:
		return cache.NewMemory(), nil
	case config.BackendSQLite:
		return cache.NewSQLite(cfg.Cache.Database), nil
	}
	return nil, errors.Newf(errors.CodeInvalidConfig, "unknown cache backend %q", cfg.Cache.Backend)
}

// GetProxy returns the goproxy handler (exported for testing)
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Worker returns the worker currently controlling requests, or nil before Init
func (s *Server) Worker() *worker.Worker {
	return s.worker.Load()
}

func (s *Server) Storage() cache.Storage {
	return s.storage
}

// Init prepares the storage and runs the lifecycle of the first worker.
// Requests are forwarded unchanged until it is activated.
func (s *Server) Init(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := s.storage.Init(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to initialize cache storage")
	}

	w, err := worker.New(s.config, s.storage, s.fetcher)
	if err != nil {
		return err
	}
	s.worker.Store(w)

	if err := w.Start(ctx); err != nil {
		return err
	}
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// Reload installs a worker for cfg while the current one keeps controlling
// requests, then swaps them and activates the new one. Requests arriving
// during activation wait for the new worker to claim them. When install fails
// the current worker stays in place.
// Reload waits for Init to complete first.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeUnavailable, "proxy not initialized")
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	// The storage built at startup is never replaced
	if cfg.Cache != s.config.Cache && cfg.Cache != s.applied.Cache {
		logrus.Warnf("Cache storage changes need a restart, keeping %s storage", s.config.Cache.Backend)
	}

	next, err := worker.New(cfg, s.storage, s.fetcher)
	if err != nil {
		return err
	}
	if err := next.Install(ctx); err != nil {
		logrus.Errorf("Keeping the current worker: %v", err)
		return err
	}

	handover := make(chan struct{})
	s.handover.Store(&handover)
	defer func() {
		s.handover.Store(nil)
		close(handover)
	}()

	previous := s.worker.Swap(next)
	if err := next.Activate(ctx); err != nil {
		s.worker.Store(previous)
		logrus.Errorf("Keeping the current worker: %v", err)
		return err
	}
	s.applied = cfg

	logrus.Infof("Reloaded: precache %s, runtime %s", next.Namespaces().Precache, next.Namespaces().Runtime)
	return nil
}

// controllingWorker returns the worker to hand a request to. While a
// reloaded worker activates, it waits for the handover.
func (s *Server) controllingWorker(ctx context.Context) *worker.Worker {
	w := s.Worker()
	if w == nil || w.Controlling() {
		return w
	}
	if handover := s.handover.Load(); handover != nil {
		select {
		case <-*handover:
		case <-ctx.Done():
		}
		return s.Worker()
	}
	return w
}

// Start starts the proxy server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	defer func() {
		if err := s.storage.Close(); err != nil {
			logrus.Errorf("Failed to close cache storage: %v", err)
		}
	}()
	if err := s.Init(ctx); err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:    fmt.Sprintf(":%d", s.config.Server.Port),
		Handler: s.proxy,
	}}
	if s.config.Admin.Port > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.Admin.Port),
			Handler: admin.NewRouter(s),
		})
	}

	logrus.Infof("Starting caching proxy on port %d", s.config.Server.Port)
	logrus.Infof("Origin: %s", s.config.Origin)
	logrus.Infof("Cache backend: %s", s.config.Cache.Backend)
	if s.config.Admin.Port > 0 {
		logrus.Infof("Admin API on port %d", s.config.Admin.Port)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, errors.CodeUnavailable, "listening on %s", srv.Addr)
			}
			return nil
		})
	}
	if port := s.config.Server.HTTPS.TransparentPort; port > 0 {
		g.Go(func() error {
			return s.StartTransparentHTTPS(gctx, fmt.Sprintf(":%d", port))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.Warnf("Failed to shut down %s: %v", srv.Addr, err)
			}
		}
		return nil
	})

	err := g.Wait()
	if w := s.Worker(); w != nil {
		w.Settle()
	}
	return err
}

func (s *Server) handleRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	w := s.controllingWorker(requ.Context())
	if w == nil {
		return requ, nil
	}

	req, err := newWorkerRequest(requ)
	if err != nil {
		logrus.Errorf("Failed to read request %s: %v", requ.URL, err)
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadRequest, err.Error())
	}

	resp, handled, err := w.Handle(requ.Context(), req)
	if !handled {
		logrus.Debugf("Forwarding uncontrolled request %s %s", req.Method, req.URL)
		return requ, nil
	}
	class := w.Classify(req)

	if err != nil {
		logrus.Warnf("No response for %s %s (%s): %v", req.Method, req.URL, class, err)
		errResp := goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
		errResp.Header.Set("X-Cache", "MISS")
		errResp.Header.Set("X-Cache-Strategy", class.String())
		return requ, errResp
	}

	status := cacheStatus(resp)
	httpResp, err := resp.HTTP(requ)
	if err != nil {
		logrus.Errorf("Failed to build response for %s: %v", req.URL, err)
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusInternalServerError, err.Error())
	}
	httpResp.Header.Set("X-Cache", status)
	httpResp.Header.Set("X-Cache-Strategy", class.String())

	logrus.Infof("%s %s -> %d (%s, %s)", req.Method, req.URL, httpResp.StatusCode, class, status)
	return requ, httpResp
}
