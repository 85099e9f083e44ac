package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
)

// PhaseHandler handles a lifecycle event. The phase is done when it returns.
type PhaseHandler func(ctx context.Context) error

// FetchHandler handles an intercepted request.
// Returning nil, nil passes the request to the next handler.
type FetchHandler func(ctx context.Context, req *Request) (*httpcache.Response, error)

// Dispatcher delivers lifecycle and fetch events to the registered handlers.
// Fetch events are only delivered once the dispatcher has been claimed.
type Dispatcher struct {
	mu       sync.RWMutex
	install  []PhaseHandler
	activate []PhaseHandler
	fetch    []FetchHandler

	controlling atomic.Bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) OnInstall(h PhaseHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.install = append(d.install, h)
}

func (d *Dispatcher) OnActivate(h PhaseHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activate = append(d.activate, h)
}

func (d *Dispatcher) OnRequest(h FetchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetch = append(d.fetch, h)
}

// Install runs the install handlers in registration order and returns the first error
func (d *Dispatcher) Install(ctx context.Context) error {
	return runPhase(ctx, d.handlers(&d.install))
}

// Activate runs the activate handlers in registration order and returns the first error
func (d *Dispatcher) Activate(ctx context.Context) error {
	return runPhase(ctx, d.handlers(&d.activate))
}

func (d *Dispatcher) handlers(list *[]PhaseHandler) []PhaseHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]PhaseHandler(nil), *list...)
}

func runPhase(ctx context.Context, handlers []PhaseHandler) error {
	for _, h := range handlers {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Claim makes the dispatcher control requests from now on
func (d *Dispatcher) Claim() {
	d.controlling.Store(true)
}

// Controlling reports whether fetch events are delivered
func (d *Dispatcher) Controlling() bool {
	return d.controlling.Load()
}

// Dispatch delivers a fetch event. handled is false when the dispatcher does
// not control requests yet or no handler responded: the host then forwards
// the request unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (resp *httpcache.Response, handled bool, err error) {
	if !d.Controlling() {
		return nil, false, nil
	}

	d.mu.RLock()
	handlers := append([]FetchHandler(nil), d.fetch...)
	d.mu.RUnlock()

	for _, h := range handlers {
		resp, err := h(ctx, req)
		if resp != nil || err != nil {
			return resp, true, err
		}
	}
	return nil, false, nil
}
