package worker

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidTransition is returned when a phase is started from the wrong state
var ErrInvalidTransition = errors.New(errors.CodeConflict, "invalid lifecycle transition")

// State is the lifecycle state of a worker
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// install failed, the worker never controls requests
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// Claimer takes control of request handling
type Claimer interface {
	Claim()
}

// Lifecycle provisions the precache on install and removes stale namespaces on activate.
// Phases are serialized and each runs to completion before the state moves on.
type Lifecycle struct {
	// held for the whole duration of a phase
	phase sync.Mutex

	mu    sync.RWMutex
	state State

	namespaces Namespaces
	storage    cache.Storage
	fetcher    Fetcher
	// absolute URLs of the app shell
	manifest []*url.URL
	claimer  Claimer
}

func NewLifecycle(namespaces Namespaces, storage cache.Storage, fetcher Fetcher, manifest []*url.URL, claimer Claimer) *Lifecycle {
	return &Lifecycle{
		state:      StateParsed,
		namespaces: namespaces,
		storage:    storage,
		fetcher:    fetcher,
		manifest:   manifest,
		claimer:    claimer,
	}
}

// State returns the current state
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Lifecycle) setState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

// Install fetches every manifest entry concurrently and stores each one in the
// precache namespace as soon as it arrives. A transport failure or a non-2xx
// status fails the whole phase and cancels the remaining fetches. Entries
// stored before the failure are kept.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.phase.Lock()
	defer l.phase.Unlock()

	switch state := l.State(); state {
	case StateParsed, StateInstalled, StateRedundant:
	default:
		return errors.Wrapf(ErrInvalidTransition, errors.CodeConflict, "install from %s", state)
	}
	l.setState(StateInstalling)
	logrus.Infof("Installing %d app shell entries into %s", len(l.manifest), l.namespaces.Precache)

	ns, err := l.storage.Open(ctx, l.namespaces.Precache)
	if err != nil {
		l.setState(StateRedundant)
		return errors.Wrapf(err, errors.CodeExecutionFailed, "opening precache namespace %s", l.namespaces.Precache)
	}
	precache := httpcache.New(ns)

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range l.manifest {
		g.Go(func() error {
			req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
			resp, err := l.fetcher.Fetch(gctx, req)
			if err != nil {
				return errors.Wrapf(err, errors.CodeExecutionFailed, "precaching %s", u)
			}
			if !resp.OK() {
				return errors.Newf(errors.CodeExecutionFailed, "precaching %s: unexpected status %s", u, resp.Status)
			}
			if err := precache.Put(gctx, req.Key(), resp); err != nil {
				return errors.Wrapf(err, errors.CodeExecutionFailed, "storing %s", u)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		l.setState(StateRedundant)
		logrus.Errorf("Install of %s failed: %v", l.namespaces.Precache, err)
		return err
	}

	l.setState(StateInstalled)
	logrus.Infof("Installed %s", l.namespaces.Precache)
	return nil
}

// Activate deletes every namespace that is not current, then claims request
// handling. Deletion is best effort: failures are logged and never block the claim.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.phase.Lock()
	defer l.phase.Unlock()

	if state := l.State(); state != StateInstalled {
		return errors.Wrapf(ErrInvalidTransition, errors.CodeConflict, "activate from %s", state)
	}
	l.setState(StateActivating)

	l.cleanup(ctx)

	l.claimer.Claim()
	l.setState(StateActivated)
	logrus.Infof("Activated %s", l.namespaces.Precache)
	return nil
}

func (l *Lifecycle) cleanup(ctx context.Context) {
	names, err := l.storage.Names(ctx)
	if err != nil {
		logrus.Errorf("Failed to list namespaces, skipping cleanup: %v", err)
		return
	}

	var g errgroup.Group
	for _, name := range names {
		if l.namespaces.IsCurrent(name) {
			continue
		}
		g.Go(func() error {
			deleted, err := l.storage.Delete(ctx, name)
			if err != nil {
				logrus.Warnf("Failed to delete stale namespace %s: %v", name, err)
				return err
			}
			if deleted {
				logrus.Infof("Deleted stale namespace %s", name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.Warnf("Cleanup incomplete: %v", err)
	}
}
