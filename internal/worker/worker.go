// Package worker implements the request interception core: a classifier, one
// caching strategy per request class, the install/activate lifecycle of the
// cache namespaces, and the dispatcher wiring them to a host event loop.
package worker

import (
	"context"
	"net/url"

	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/shellcache-proxy/internal/config"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
)

// Worker is one deployed version of the configuration. A changed configuration
// produces a new Worker over the same storage.
type Worker struct {
	namespaces Namespaces
	classifier *Classifier
	strategies *Strategies
	lifecycle  *Lifecycle
	dispatcher *Dispatcher
}

// New wires a worker. It does not touch the storage nor the network until Start.
func New(cfg *config.Config, storage cache.Storage, fetcher Fetcher) (*Worker, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid origin")
	}

	manifest := make([]*url.URL, 0, len(cfg.AppShell))
	for _, path := range cfg.AppShell {
		u, err := resolve(origin, path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid app_shell entry %q", path)
		}
		manifest = append(manifest, u)
	}

	navigationShell, err := resolve(origin, cfg.NavigationShell)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid navigation_shell %q", cfg.NavigationShell)
	}

	offlinePageKey := ""
	if cfg.OfflinePage != "" {
		offlinePage, err := resolve(origin, cfg.OfflinePage)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid offline_page %q", cfg.OfflinePage)
		}
		offlinePageKey = httpcache.GenerateKey(offlinePage)
	}

	namespaces := NewNamespaces(cfg)
	dispatcher := NewDispatcher()
	w := &Worker{
		namespaces: namespaces,
		classifier: NewClassifier(origin, cfg.AllowList),
		strategies: NewStrategies(namespaces, storage, fetcher, httpcache.GenerateKey(navigationShell), offlinePageKey),
		lifecycle:  NewLifecycle(namespaces, storage, fetcher, manifest, dispatcher),
		dispatcher: dispatcher,
	}

	dispatcher.OnInstall(w.lifecycle.Install)
	dispatcher.OnActivate(w.lifecycle.Activate)
	dispatcher.OnRequest(w.respond)

	return w, nil
}

func resolve(origin *url.URL, path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(ref), nil
}

// Start runs install then activate, without waiting for a previous worker to
// release control
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Install delivers the install event
func (w *Worker) Install(ctx context.Context) error {
	return w.dispatcher.Install(ctx)
}

// Activate delivers the activate event
func (w *Worker) Activate(ctx context.Context) error {
	return w.dispatcher.Activate(ctx)
}

// Handle delivers a fetch event. handled is false when the worker does not
// control requests: the caller must forward the request unchanged.
func (w *Worker) Handle(ctx context.Context, req *Request) (resp *httpcache.Response, handled bool, err error) {
	return w.dispatcher.Dispatch(ctx, req)
}

func (w *Worker) respond(ctx context.Context, req *Request) (*httpcache.Response, error) {
	class := w.classifier.Classify(req)
	logrus.Debugf("%s %s classified as %s", req.Method, req.URL, class)
	return w.strategies.For(class)(ctx, req)
}

// Classify returns the class a request is resolved by
func (w *Worker) Classify(req *Request) Class {
	return w.classifier.Classify(req)
}

// Settle blocks until every background revalidation has finished
func (w *Worker) Settle() {
	w.strategies.Settle()
}

func (w *Worker) State() State {
	return w.lifecycle.State()
}

func (w *Worker) Controlling() bool {
	return w.dispatcher.Controlling()
}

func (w *Worker) Namespaces() Namespaces {
	return w.namespaces
}
