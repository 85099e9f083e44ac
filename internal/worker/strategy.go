package worker

import (
	"context"
	"net/http"
	"sync"

	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
)

// Strategy resolves one request to a response.
// A nil response always comes with an error.
type Strategy func(ctx context.Context, req *Request) (*httpcache.Response, error)

// Strategies holds one resolution algorithm per request class.
//
// Storage failures never fail a request: a failed read is a miss, a failed write is logged.
type Strategies struct {
	namespaces Namespaces
	storage    cache.Storage
	fetcher    Fetcher

	navigationShellKey string
	// empty when no offline page is configured
	offlinePageKey string

	revalidations *tracker
}

func NewStrategies(namespaces Namespaces, storage cache.Storage, fetcher Fetcher, navigationShellKey, offlinePageKey string) *Strategies {
	return &Strategies{
		namespaces:         namespaces,
		storage:            storage,
		fetcher:            fetcher,
		navigationShellKey: navigationShellKey,
		offlinePageKey:     offlinePageKey,
		revalidations:      newTracker(),
	}
}

// For returns the strategy of a class
func (s *Strategies) For(class Class) Strategy {
	switch class {
	case ClassNavigation:
		return s.NetworkFirstWithShell
	case ClassSameOrigin:
		return s.CacheFirst
	case ClassAllowListedCDN:
		return s.StaleWhileRevalidate
	default:
		return s.NetworkFirst
	}
}

// Settle blocks until every background revalidation has finished,
// including the ones started while it waits. New requests may keep
// starting revalidations during and after the call.
func (s *Strategies) Settle() {
	s.revalidations.wait()
}

// NetworkFirstWithShell serves navigations. A fresh page is always returned
// unmodified and a copy replaces the navigation shell. Offline, the request
// key, the navigation shell and the offline page are tried in that order.
func (s *Strategies) NetworkFirstWithShell(ctx context.Context, req *Request) (*httpcache.Response, error) {
	fresh, fetchErr := s.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if fresh.StatusCode != http.StatusPartialContent {
			snapshot, err := fresh.Clone()
			if err != nil {
				logrus.Errorf("Failed to copy navigation response for %s: %v", req.URL, err)
			} else {
				s.store(ctx, s.namespaces.Precache, s.navigationShellKey, snapshot)
			}
		}
		return fresh, nil
	}
	logrus.Debugf("Navigation to %s failed, falling back to cache: %v", req.URL, fetchErr)

	if cached := s.matchRequest(ctx, s.namespaces.Precache, req); cached != nil {
		return cached, nil
	}
	for _, key := range []string{s.navigationShellKey, s.offlinePageKey} {
		if cached := s.match(ctx, s.namespaces.Precache, key); cached != nil {
			return cached, nil
		}
	}
	return nil, fetchErr
}

// CacheFirst serves same-origin assets from the precache without touching the
// network. Misses are fetched and stored.
func (s *Strategies) CacheFirst(ctx context.Context, req *Request) (*httpcache.Response, error) {
	if cached := s.matchRequest(ctx, s.namespaces.Precache, req); cached != nil {
		return cached, nil
	}

	fresh, fetchErr := s.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if httpcache.Storable(req.Method, fresh) {
			snapshot, err := fresh.Clone()
			if err != nil {
				logrus.Errorf("Failed to copy response for %s: %v", req.URL, err)
			} else {
				s.store(ctx, s.namespaces.Precache, req.Key(), snapshot)
			}
		}
		return fresh, nil
	}
	logrus.Debugf("Fetching %s failed: %v", req.URL, fetchErr)

	if cached := s.match(ctx, s.namespaces.Precache, s.offlinePageKey); cached != nil {
		return cached, nil
	}
	return nil, fetchErr
}

type fetchResult struct {
	resp *httpcache.Response
	err  error
}

// StaleWhileRevalidate serves allow-listed third-party assets. The fetch always
// runs to completion and refreshes the runtime namespace, even when a cached
// copy was already returned. It never returns an error: exhaustion produces
// the synthetic offline response.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, req *Request) (*httpcache.Response, error) {
	done := make(chan fetchResult, 1)
	// Outlives the request when the cached copy wins
	fetchCtx := context.WithoutCancel(ctx)

	s.revalidations.add()
	go func() {
		defer s.revalidations.done()

		fresh, err := s.fetcher.Fetch(fetchCtx, req)
		if err == nil && httpcache.Storable(req.Method, fresh) {
			snapshot, cloneErr := fresh.Clone()
			if cloneErr != nil {
				logrus.Errorf("Failed to copy response for %s: %v", req.URL, cloneErr)
			} else {
				s.store(fetchCtx, s.namespaces.Runtime, req.Key(), snapshot)
			}
		}
		done <- fetchResult{resp: fresh, err: err}
	}()

	if cached := s.matchRequest(ctx, s.namespaces.Runtime, req); cached != nil {
		return cached, nil
	}

	result := <-done
	if result.err != nil {
		logrus.Warnf("%s unavailable: %v", req.URL, errors.Wrap(result.err, errors.CodeUnavailable, "no network and no cached copy"))
		return httpcache.Offline(), nil
	}
	return result.resp, nil
}

// NetworkFirst serves every other request. Offline, whatever any namespace
// holds for the request is returned. It never writes.
func (s *Strategies) NetworkFirst(ctx context.Context, req *Request) (*httpcache.Response, error) {
	fresh, fetchErr := s.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		return fresh, nil
	}

	if req.Method != http.MethodGet {
		return nil, fetchErr
	}
	cached, err := httpcache.MatchAny(ctx, s.storage, req.Key())
	if err != nil {
		logrus.Errorf("Failed to look up %s: %v", req.URL, err)
		return nil, fetchErr
	}
	if cached == nil {
		return nil, fetchErr
	}
	return cached, nil
}

// matchRequest looks the request up. Only GET requests can match.
func (s *Strategies) matchRequest(ctx context.Context, namespace string, req *Request) *httpcache.Response {
	if req.Method != http.MethodGet {
		return nil
	}
	return s.match(ctx, namespace, req.Key())
}

// match returns nil on miss and on storage failure
func (s *Strategies) match(ctx context.Context, namespace, key string) *httpcache.Response {
	if key == "" {
		return nil
	}

	ns, err := s.storage.Open(ctx, namespace)
	if err != nil {
		logrus.Errorf("Failed to open namespace %s: %v", namespace, err)
		return nil
	}

	cached, err := httpcache.New(ns).Match(ctx, key)
	if err != nil {
		logrus.Errorf("Failed to read %s from %s: %v", key, namespace, err)
		return nil
	}
	if cached == nil {
		logrus.Debugf("No cached data found for %s in %s", key, namespace)
	}
	return cached
}

// store consumes snapshot. Failures are logged.
func (s *Strategies) store(ctx context.Context, namespace, key string, snapshot *httpcache.Response) {
	ns, err := s.storage.Open(ctx, namespace)
	if err != nil {
		logrus.Errorf("Failed to open namespace %s: %v", namespace, err)
		return
	}

	if err := httpcache.New(ns).Put(ctx, key, snapshot); err != nil {
		logrus.Errorf("Failed to cache response for %s: %v", key, err)
	}
}

// tracker counts running background tasks. Unlike sync.WaitGroup, tasks may
// be added while another goroutine waits.
type tracker struct {
	mu      sync.Mutex
	idle    *sync.Cond
	running int
}

func newTracker() *tracker {
	t := &tracker{}
	t.idle = sync.NewCond(&t.mu)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running--
	if t.running == 0 {
		t.idle.Broadcast()
	}
}

func (t *tracker) wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.running > 0 {
		t.idle.Wait()
	}
}
